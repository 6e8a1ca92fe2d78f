package tracking

import (
	"math"
	"time"

	"fleetwatch/internal/models"
)

// VisibleDriver is a store entry together with its derived status.
type VisibleDriver struct {
	models.DriverPosition
	EffectiveStatus models.Status `json:"effectiveStatus"`
}

// Marker is what a map needs to draw one driver.
type Marker struct {
	DriverID        string        `json:"driverId"`
	DriverName      string        `json:"driverName,omitempty"`
	Latitude        float64       `json:"latitude"`
	Longitude       float64       `json:"longitude"`
	Heading         *float64      `json:"heading,omitempty"`
	EffectiveStatus models.Status `json:"effectiveStatus"`
	IsSelected      bool          `json:"isSelected"`
}

// StatusFilter is the set of effective statuses a viewer wants to see.
type StatusFilter map[models.Status]struct{}

// AllStatusesFilter shows every status.
func AllStatusesFilter() StatusFilter {
	return NewStatusFilter(models.AllStatuses...)
}

func NewStatusFilter(statuses ...models.Status) StatusFilter {
	f := make(StatusFilter, len(statuses))
	for _, s := range statuses {
		f[s] = struct{}{}
	}
	return f
}

func (f StatusFilter) Allows(s models.Status) bool {
	_, ok := f[s]
	return ok
}

// Statuses lists the filter in canonical order.
func (f StatusFilter) Statuses() []models.Status {
	out := make([]models.Status, 0, len(f))
	for _, s := range models.AllStatuses {
		if f.Allows(s) {
			out = append(out, s)
		}
	}
	return out
}

// Project returns the entries a viewer should see: valid coordinates, an
// effective status inside filter, and a route inside scope when the scope
// is a route set. Store order is kept.
func Project(entries []models.DriverPosition, filter StatusFilter, scope models.Scope, now time.Time, threshold time.Duration) []VisibleDriver {
	out := make([]VisibleDriver, 0, len(entries))
	for _, p := range entries {
		if !p.Location.IsValid() {
			continue
		}
		if scope.IsRoutes() && !scope.Contains(p.RouteID) {
			continue
		}
		eff := Classify(p, now, threshold)
		if !filter.Allows(eff) {
			continue
		}
		out = append(out, VisibleDriver{DriverPosition: p, EffectiveStatus: eff})
	}
	return out
}

// Markers turns visible drivers into map markers.
func Markers(visible []VisibleDriver, selectedID string) []Marker {
	out := make([]Marker, len(visible))
	for i, v := range visible {
		out[i] = Marker{
			DriverID:        v.DriverID,
			DriverName:      v.DriverName,
			Latitude:        v.Location.Latitude,
			Longitude:       v.Location.Longitude,
			Heading:         v.Location.Heading,
			EffectiveStatus: v.EffectiveStatus,
			IsSelected:      selectedID != "" && v.DriverID == selectedID,
		}
	}
	return out
}

// Bounds is a lat/lng bounding box.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// ComputeBounds returns the box around every valid location. ok is false
// when there is none.
func ComputeBounds(locations []models.Location) (b Bounds, ok bool) {
	b = Bounds{North: math.Inf(-1), South: math.Inf(1), East: math.Inf(-1), West: math.Inf(1)}
	for _, l := range locations {
		if !l.IsValid() {
			continue
		}
		ok = true
		b.North = math.Max(b.North, l.Latitude)
		b.South = math.Min(b.South, l.Latitude)
		b.East = math.Max(b.East, l.Longitude)
		b.West = math.Min(b.West, l.Longitude)
	}
	if !ok {
		return Bounds{}, false
	}
	return b, true
}

func (b Bounds) Center() models.Location {
	return models.Location{Latitude: (b.North + b.South) / 2, Longitude: (b.East + b.West) / 2}
}
