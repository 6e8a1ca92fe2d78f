package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetwatch/internal/live"
	"fleetwatch/internal/models"
)

var (
	ErrAlreadyStarted = errors.New("tracker already started")
	ErrNotStarted     = errors.New("tracker not started")
	ErrClosed         = errors.New("tracker closed")
)

// Loader fetches position snapshots.
type Loader interface {
	LoadForOrganization(ctx context.Context, orgID string) ([]models.DriverPosition, error)
	LoadForRoutes(ctx context.Context, orgID string, routeIDs []string) ([]models.DriverPosition, error)
}

// LiveChannel is the push connection the tracker listens on.
type LiveChannel interface {
	Connect(ctx context.Context) error
	Authenticate(userID, organizationID string) error
	JoinRoute(routeID string) error
	On(kind live.EventKind, h live.Handler) live.Subscription
	Off(sub live.Subscription)
	Disconnect() error
}

// PositionRecorder persists admitted live updates.
type PositionRecorder interface {
	Record(ctx context.Context, kind live.EventKind, p models.DriverPosition) error
}

// OfflineNotifier is told when a driver's derived status turns OFFLINE.
type OfflineNotifier interface {
	DriverOffline(ctx context.Context, p models.DriverPosition) error
}

type ChangeKind string

const (
	ChangeSnapshot  ChangeKind = "snapshot"
	ChangePosition  ChangeKind = "position"
	ChangeStatus    ChangeKind = "status"
	ChangeScope     ChangeKind = "scope"
	ChangeFilter    ChangeKind = "filter"
	ChangeSelection ChangeKind = "selection"
	ChangeFitBounds ChangeKind = "fit_bounds"
	ChangeChannel   ChangeKind = "channel"
	ChangeError     ChangeKind = "error"
)

// Change tells listeners that derived views need recomputing.
type Change struct {
	Kind       ChangeKind
	DriverIDs  []string
	Bounds     *Bounds
	Err        error
	Generation uint64
}

type Listener func(Change)

// DefaultRecordTimeout bounds each PositionRecorder call.
const DefaultRecordTimeout = 2 * time.Second

type Options struct {
	UserID           string
	OrganizationID   string
	OfflineThreshold time.Duration
	TickInterval     time.Duration
	ActivationDelay  time.Duration
	RecordTimeout    time.Duration
	Recorder         PositionRecorder
	Notifier         OfflineNotifier
	Logger           zerolog.Logger
	Clock            func() time.Time
	Scheduler        Scheduler
}

// SessionStatus is a point-in-time view of the tracker for operators.
type SessionStatus struct {
	Readiness        ReadinessState  `json:"readiness"`
	Scope            models.Scope    `json:"scope"`
	LoadedScope      models.Scope    `json:"loadedScope"`
	Generation       uint64          `json:"generation"`
	Drivers          int             `json:"drivers"`
	StatusFilter     []models.Status `json:"statusFilter"`
	SelectedDriverID string          `json:"selectedDriverId,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
	LastErrorAt      *time.Time      `json:"lastErrorAt,omitempty"`
	Bounds           *Bounds         `json:"bounds,omitempty"`
}

// Tracker owns one viewer session: it loads snapshots for the selected
// scope, admits live updates into the store and exposes the derived view.
// Mutations are serialized on mu; listeners run outside it.
type Tracker struct {
	opts    Options
	log     zerolog.Logger
	store   *Store
	loader  Loader
	channel LiveChannel
	seq     *Sequencer

	mu        sync.Mutex
	scope     *ScopeController
	filter    StatusFilter
	selected  string
	effective map[string]models.Status
	lastErr   error
	lastErrAt time.Time
	subs      []live.Subscription
	started   bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lmu          sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

func NewTracker(loader Loader, channel LiveChannel, opts Options) *Tracker {
	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = DefaultOfflineThreshold
	}
	if opts.ActivationDelay <= 0 {
		opts.ActivationDelay = DefaultActivationDelay
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = DefaultRecordTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	t := &Tracker{
		opts:      opts,
		log:       opts.Logger.With().Str("component", "tracker").Str("organization_id", opts.OrganizationID).Logger(),
		store:     NewStore(),
		loader:    loader,
		channel:   channel,
		scope:     NewScopeController(opts.OrganizationID),
		filter:    AllStatusesFilter(),
		effective: make(map[string]models.Status),
		listeners: make(map[int]Listener),
	}
	t.seq = NewSequencer(opts.ActivationDelay, opts.Scheduler, t.fitBounds, t.activate)
	return t
}

// Start subscribes to live events, starts the staleness ticker and loads
// the organization scope. A failed initial load is returned but leaves
// the tracker running; Refresh retries it.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	for _, kind := range []live.EventKind{
		live.EventOrganizationDriverUpdate,
		live.EventRouteDriverUpdate,
		live.EventDriverTransmission,
	} {
		t.subs = append(t.subs, t.channel.On(kind, t.HandleEvent))
	}
	t.mu.Unlock()

	if t.opts.TickInterval > 0 {
		t.wg.Add(1)
		go t.runTicker(t.ctx)
	}

	t.log.Info().Msg("tracker started")
	return t.SetScope(ctx, models.OrganizationScope(t.opts.OrganizationID))
}

// SetScope switches to next. Equal scopes are a no-op. Narrowing within
// the data already loaded skips the fetch.
func (t *Tracker) SetScope(ctx context.Context, next models.Scope) error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return ErrNotStarted
	}
	prev := t.scope.Current()
	scope, plan, gen := t.scope.Switch(next, t.store.Len() == 0)
	t.mu.Unlock()

	if plan == PlanNoop {
		return nil
	}

	t.log.Info().Str("from", prev.String()).Str("to", scope.String()).Str("plan", plan.String()).Uint64("generation", gen).Msg("scope changed")
	t.emit(Change{Kind: ChangeScope, Generation: gen})
	t.joinRoutes(scope.Added(prev))

	if plan == PlanNarrow {
		return nil
	}
	return t.load(ctx, scope, plan, gen)
}

// SetRoutes selects routes; no ids means the whole organization.
func (t *Tracker) SetRoutes(ctx context.Context, routeIDs []string) error {
	return t.SetScope(ctx, models.RouteScope(t.opts.OrganizationID, routeIDs...))
}

// Refresh reloads the current scope, superseding any load in flight.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return ErrNotStarted
	}
	scope, plan, gen := t.scope.Reload()
	t.mu.Unlock()

	t.log.Info().Str("scope", scope.String()).Uint64("generation", gen).Msg("refreshing")
	return t.load(ctx, scope, plan, gen)
}

func (t *Tracker) load(ctx context.Context, scope models.Scope, plan LoadPlan, gen uint64) error {
	var (
		positions []models.DriverPosition
		err       error
	)
	if plan == PlanLoadRoutes {
		positions, err = t.loader.LoadForRoutes(ctx, t.opts.OrganizationID, scope.RouteIDs)
	} else {
		positions, err = t.loader.LoadForOrganization(ctx, t.opts.OrganizationID)
	}

	t.mu.Lock()
	if gen != t.scope.Generation() || t.closed {
		t.mu.Unlock()
		t.log.Debug().Uint64("generation", gen).Msg("discarding superseded snapshot")
		return nil
	}
	if err != nil {
		t.lastErr = err
		t.lastErrAt = t.opts.Clock()
		t.mu.Unlock()
		t.log.Error().Err(err).Str("scope", scope.String()).Msg("snapshot load failed")
		t.emit(Change{Kind: ChangeError, Err: err, Generation: gen})
		return err
	}

	t.store.ReplaceAll(positions)
	t.scope.Commit(gen, scope)
	t.lastErr = nil
	t.resetEffective()
	entries := t.store.GetAll()
	t.mu.Unlock()

	locations := make([]models.Location, 0, len(entries))
	for _, p := range entries {
		locations = append(locations, p.Location)
	}
	t.log.Info().Int("drivers", len(entries)).Str("scope", scope.String()).Msg("snapshot loaded")
	t.emit(Change{Kind: ChangeSnapshot, Generation: gen})
	t.seq.SnapshotLoaded(locations)
	return nil
}

// HandleEvent applies one live event. Events arriving before the channel
// is active, or outside the current scope, are ignored.
func (t *Tracker) HandleEvent(ev live.Event) {
	if !t.seq.IsActive() {
		return
	}

	t.mu.Lock()
	if t.closed || !t.scope.Admit(ev) {
		t.mu.Unlock()
		return
	}
	var applied bool
	switch ev.Kind {
	case live.EventOrganizationDriverUpdate, live.EventRouteDriverUpdate:
		applied = t.store.Upsert(*ev.Position)
	case live.EventDriverTransmission:
		applied = t.store.ApplyTransmission(*ev.Transmission)
	}
	var pos models.DriverPosition
	if applied {
		pos, _ = t.store.Get(ev.DriverID())
		t.effective[pos.DriverID] = Classify(pos, t.opts.Clock(), t.opts.OfflineThreshold)
	}
	ctx := t.ctx
	t.mu.Unlock()

	if !applied {
		return
	}
	t.emit(Change{Kind: ChangePosition, DriverIDs: []string{pos.DriverID}})

	if t.opts.Recorder != nil && ctx != nil {
		rctx, cancel := context.WithTimeout(ctx, t.opts.RecordTimeout)
		defer cancel()
		if err := t.opts.Recorder.Record(rctx, ev.Kind, pos); err != nil {
			t.log.Warn().Err(err).Str("driver_id", pos.DriverID).Msg("recording position failed")
		}
	}
}

// Tick re-derives effective statuses at now and reports the drivers whose
// status changed.
func (t *Tracker) Tick(now time.Time) []string {
	t.mu.Lock()
	entries := t.store.GetAll()
	var (
		changed     []string
		wentOffline []models.DriverPosition
		present     = make(map[string]struct{}, len(entries))
	)
	for _, p := range entries {
		present[p.DriverID] = struct{}{}
		eff := Classify(p, now, t.opts.OfflineThreshold)
		prev, seen := t.effective[p.DriverID]
		t.effective[p.DriverID] = eff
		if !seen || prev == eff {
			continue
		}
		changed = append(changed, p.DriverID)
		if eff == models.StatusOffline {
			wentOffline = append(wentOffline, p)
		}
	}
	for id := range t.effective {
		if _, ok := present[id]; !ok {
			delete(t.effective, id)
		}
	}
	ctx := t.ctx
	t.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	t.emit(Change{Kind: ChangeStatus, DriverIDs: changed})

	if t.opts.Notifier != nil && ctx != nil {
		for _, p := range wentOffline {
			if err := t.opts.Notifier.DriverOffline(ctx, p); err != nil {
				t.log.Warn().Err(err).Str("driver_id", p.DriverID).Msg("offline alert failed")
			}
		}
	}
	return changed
}

func (t *Tracker) runTicker(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Tick(t.opts.Clock())
		case <-ctx.Done():
			return
		}
	}
}

// resetEffective recomputes statuses after a snapshot without reporting
// transitions. Caller holds mu.
func (t *Tracker) resetEffective() {
	now := t.opts.Clock()
	t.effective = make(map[string]models.Status, t.store.Len())
	for _, p := range t.store.GetAll() {
		t.effective[p.DriverID] = Classify(p, now, t.opts.OfflineThreshold)
	}
}

func (t *Tracker) SetStatusFilter(statuses []models.Status) {
	t.mu.Lock()
	t.filter = NewStatusFilter(statuses...)
	t.mu.Unlock()
	t.emit(Change{Kind: ChangeFilter})
}

// SelectDriver marks one driver as selected; an empty id clears it.
func (t *Tracker) SelectDriver(driverID string) {
	t.mu.Lock()
	if t.selected == driverID {
		t.mu.Unlock()
		return
	}
	t.selected = driverID
	t.mu.Unlock()
	t.emit(Change{Kind: ChangeSelection, DriverIDs: []string{driverID}})
}

// MapReady signals that the viewer's map has initialized.
func (t *Tracker) MapReady() {
	t.seq.MapReady()
}

// Visible projects the store through the current filter and scope.
func (t *Tracker) Visible() []VisibleDriver {
	t.mu.Lock()
	filter := t.filter
	t.mu.Unlock()
	return t.VisibleWith(filter)
}

// VisibleWith projects using filter instead of the session filter.
func (t *Tracker) VisibleWith(filter StatusFilter) []VisibleDriver {
	t.mu.Lock()
	scope := t.scope.Current()
	t.mu.Unlock()
	return Project(t.store.GetAll(), filter, scope, t.opts.Clock(), t.opts.OfflineThreshold)
}

func (t *Tracker) Markers() []Marker {
	t.mu.Lock()
	selected := t.selected
	t.mu.Unlock()
	return Markers(t.Visible(), selected)
}

// All returns every store entry with its effective status, unfiltered.
func (t *Tracker) All() []VisibleDriver {
	now := t.opts.Clock()
	entries := t.store.GetAll()
	out := make([]VisibleDriver, len(entries))
	for i, p := range entries {
		out[i] = VisibleDriver{DriverPosition: p, EffectiveStatus: Classify(p, now, t.opts.OfflineThreshold)}
	}
	return out
}

func (t *Tracker) Driver(driverID string) (VisibleDriver, bool) {
	p, ok := t.store.Get(driverID)
	if !ok {
		return VisibleDriver{}, false
	}
	return VisibleDriver{DriverPosition: p, EffectiveStatus: Classify(p, t.opts.Clock(), t.opts.OfflineThreshold)}, true
}

func (t *Tracker) Scope() models.Scope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scope.Current()
}

// Bounds returns the box around the currently visible drivers.
func (t *Tracker) Bounds() (Bounds, bool) {
	visible := t.Visible()
	locations := make([]models.Location, len(visible))
	for i, v := range visible {
		locations[i] = v.Location
	}
	return ComputeBounds(locations)
}

func (t *Tracker) Status() SessionStatus {
	t.mu.Lock()
	st := SessionStatus{
		Scope:            t.scope.Current(),
		LoadedScope:      t.scope.Loaded(),
		Generation:       t.scope.Generation(),
		StatusFilter:     t.filter.Statuses(),
		SelectedDriverID: t.selected,
	}
	if t.lastErr != nil {
		at := t.lastErrAt
		st.LastError = t.lastErr.Error()
		st.LastErrorAt = &at
	}
	t.mu.Unlock()

	st.Readiness = t.seq.State()
	st.Drivers = t.store.Len()
	if b, ok := t.seq.Bounds(); ok {
		st.Bounds = &b
	}
	return st
}

// Subscribe registers l and returns a func that removes it.
func (t *Tracker) Subscribe(l Listener) func() {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = l
	return func() {
		t.lmu.Lock()
		delete(t.listeners, id)
		t.lmu.Unlock()
	}
}

// Close cancels a pending activation, unsubscribes from the channel and
// disconnects it.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	cancel := t.cancel
	t.mu.Unlock()

	t.seq.Cancel()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	for _, sub := range subs {
		t.channel.Off(sub)
	}
	err := t.channel.Disconnect()
	t.log.Info().Msg("tracker closed")
	return err
}

func (t *Tracker) fitBounds(b Bounds) {
	t.log.Debug().Interface("bounds", b).Msg("initial fit")
	t.emit(Change{Kind: ChangeFitBounds, Bounds: &b})
}

func (t *Tracker) activate() {
	t.mu.Lock()
	ctx := t.ctx
	closed := t.closed
	scope := t.scope.Current()
	t.mu.Unlock()
	if closed || ctx == nil {
		return
	}

	if err := t.channel.Connect(ctx); err != nil {
		t.log.Error().Err(err).Msg("live channel connect failed")
		t.emit(Change{Kind: ChangeError, Err: err})
		return
	}
	if err := t.channel.Authenticate(t.opts.UserID, t.opts.OrganizationID); err != nil {
		t.log.Error().Err(err).Msg("live channel authenticate failed")
	}
	t.joinRoutes(scope.RouteIDs)

	t.log.Info().Str("scope", scope.String()).Msg("live channel active")
	t.emit(Change{Kind: ChangeChannel})
}

// joinRoutes joins routes once the channel is active; before that the
// activation joins the scope's routes itself.
func (t *Tracker) joinRoutes(routeIDs []string) {
	if len(routeIDs) == 0 || !t.seq.IsActive() {
		return
	}
	for _, id := range routeIDs {
		if err := t.channel.JoinRoute(id); err != nil {
			t.log.Warn().Err(err).Str("route_id", id).Msg("join route failed")
		}
	}
}

func (t *Tracker) emit(c Change) {
	t.lmu.Lock()
	ls := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.lmu.Unlock()
	for _, l := range ls {
		l(c)
	}
}
