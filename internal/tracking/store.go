package tracking

import (
	"sync"

	"fleetwatch/internal/models"
)

// Store holds the latest known position per driver. Writers swap in a new
// slice so readers holding an older one never see it change.
type Store struct {
	mu      sync.RWMutex
	entries []*models.DriverPosition
	index   map[string]int
	version uint64
}

func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// ReplaceAll installs a fresh snapshot. Entries without a driver id are
// dropped, and for duplicate ids the last one wins.
func (s *Store) ReplaceAll(positions []models.DriverPosition) {
	next := make([]*models.DriverPosition, 0, len(positions))
	index := make(map[string]int, len(positions))
	for _, p := range positions {
		if p.DriverID == "" {
			continue
		}
		c := p.Clone()
		fillSource(&c)
		if i, ok := index[c.DriverID]; ok {
			next[i] = &c
			continue
		}
		index[c.DriverID] = len(next)
		next = append(next, &c)
	}

	s.mu.Lock()
	s.entries = next
	s.index = index
	s.version++
	s.mu.Unlock()
}

// Upsert merges a full position update into the entry for its driver, or
// appends it when the driver is new. Applying the same update twice leaves
// the store as after the first.
func (s *Store) Upsert(update models.DriverPosition) bool {
	if update.DriverID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*models.DriverPosition, len(s.entries), len(s.entries)+1)
	copy(next, s.entries)

	if i, ok := s.index[update.DriverID]; ok {
		merged := s.entries[i].Clone()
		mergePosition(&merged, update)
		next[i] = &merged
	} else {
		c := update.Clone()
		fillSource(&c)
		s.index[c.DriverID] = len(next)
		next = append(next, &c)
	}

	s.entries = next
	s.version++
	return true
}

// ApplyTransmission merges device telemetry into an existing driver. A
// transmission never creates an entry.
func (s *Store) ApplyTransmission(tx models.Transmission) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[tx.DriverID]
	if !ok || tx.DriverID == "" {
		return false
	}

	merged := s.entries[i].Clone()
	mergeTransmission(&merged, tx)

	next := make([]*models.DriverPosition, len(s.entries))
	copy(next, s.entries)
	next[i] = &merged

	s.entries = next
	s.version++
	return true
}

// GetAll returns copies of every entry in insertion order.
func (s *Store) GetAll() []models.DriverPosition {
	s.mu.RLock()
	entries := s.entries
	s.mu.RUnlock()

	out := make([]models.DriverPosition, len(entries))
	for i, p := range entries {
		out[i] = p.Clone()
	}
	return out
}

func (s *Store) Get(driverID string) (models.DriverPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[driverID]
	if !ok {
		return models.DriverPosition{}, false
	}
	return s.entries[i].Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func fillSource(p *models.DriverPosition) {
	if p.Source != "" {
		return
	}
	if p.RouteID != "" {
		p.Source = models.SourceRoute
	} else {
		p.Source = models.SourceOrganization
	}
}

// mergePosition overlays u on dst. Empty strings, nil pointers and unset
// timestamps in u keep what dst already has.
func mergePosition(dst *models.DriverPosition, u models.DriverPosition) {
	if u.DriverName != "" {
		dst.DriverName = u.DriverName
	}
	mergeLocation(&dst.Location, u.Location)
	if u.Status != "" {
		dst.Status = u.Status
	}
	if u.Source != "" {
		dst.Source = u.Source
	}
	if u.RouteID != "" {
		dst.RouteID = u.RouteID
	}
	if u.RouteName != "" {
		dst.RouteName = u.RouteName
	}
	if u.OrganizationID != "" {
		dst.OrganizationID = u.OrganizationID
	}
	if !u.TransmissionTimestamp.IsZero() {
		dst.TransmissionTimestamp = u.TransmissionTimestamp
	}
	if !u.Timestamp.IsZero() {
		dst.Timestamp = u.Timestamp
		// A new fix without its own transmission time supersedes the older
		// transmission time, otherwise staleness would keep using it.
		if u.TransmissionTimestamp.IsZero() && olderThan(dst.TransmissionTimestamp, u.Timestamp) {
			dst.TransmissionTimestamp = models.Timestamp{}
		}
	}
	if u.Device != nil {
		mergeDevice(dst, *u.Device)
	}
	fillSource(dst)
}

func mergeTransmission(dst *models.DriverPosition, tx models.Transmission) {
	if tx.Location != nil && tx.Location.IsValid() {
		mergeLocation(&dst.Location, *tx.Location)
		if !tx.Timestamp.IsZero() {
			dst.Timestamp = tx.Timestamp
		}
	}
	if tx.Status != "" {
		dst.Status = tx.Status
	}
	switch {
	case !tx.TransmissionTimestamp.IsZero():
		dst.TransmissionTimestamp = tx.TransmissionTimestamp
	case !tx.Timestamp.IsZero():
		dst.TransmissionTimestamp = tx.Timestamp
	}
	mergeDevice(dst, tx.Device)
}

func mergeLocation(dst *models.Location, u models.Location) {
	dst.Latitude = u.Latitude
	dst.Longitude = u.Longitude
	if u.Accuracy != nil {
		v := *u.Accuracy
		dst.Accuracy = &v
	}
	if u.Speed != nil {
		v := *u.Speed
		dst.Speed = &v
	}
	if u.Heading != nil {
		v := *u.Heading
		dst.Heading = &v
	}
}

func mergeDevice(dst *models.DriverPosition, d models.DeviceInfo) {
	if d.SignalStrength == nil && d.BatteryLevel == nil && d.NetworkType == "" && len(d.Metadata) == 0 {
		return
	}
	if dst.Device == nil {
		dst.Device = &models.DeviceInfo{}
	}
	if d.SignalStrength != nil {
		v := *d.SignalStrength
		dst.Device.SignalStrength = &v
	}
	if d.BatteryLevel != nil {
		v := *d.BatteryLevel
		dst.Device.BatteryLevel = &v
	}
	if d.NetworkType != "" {
		dst.Device.NetworkType = d.NetworkType
	}
	if len(d.Metadata) > 0 {
		if dst.Device.Metadata == nil {
			dst.Device.Metadata = make(map[string]any, len(d.Metadata))
		}
		for k, v := range d.Metadata {
			dst.Device.Metadata[k] = v
		}
	}
}

// olderThan reports whether a is set and strictly before b. Unparseable
// values count as older.
func olderThan(a, b models.Timestamp) bool {
	if a.IsZero() {
		return false
	}
	at, aok := a.Time()
	bt, bok := b.Time()
	if !aok {
		return true
	}
	return bok && at.Before(bt)
}
