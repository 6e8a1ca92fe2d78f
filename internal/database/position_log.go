package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"fleetwatch/internal/live"
	"fleetwatch/internal/models"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// PositionEvent is one row of driver_position_events.
type PositionEvent struct {
	ID             int64           `db:"id"`
	DriverID       string          `db:"driver_id"`
	OrganizationID string          `db:"organization_id"`
	RouteID        sql.NullString  `db:"route_id"`
	Source         string          `db:"source"`
	EventType      string          `db:"event_type"`
	Latitude       float64         `db:"latitude"`
	Longitude      float64         `db:"longitude"`
	Status         sql.NullString  `db:"status"`
	BatteryLevel   sql.NullFloat64 `db:"battery_level"`
	RecordedAt     sql.NullTime    `db:"recorded_at"`
	ReceivedAt     time.Time       `db:"received_at"`
}

// PositionEventResponse is the API shape of a PositionEvent.
type PositionEventResponse struct {
	ID             int64      `json:"id"`
	DriverID       string     `json:"driverId"`
	OrganizationID string     `json:"organizationId"`
	RouteID        *string    `json:"routeId,omitempty"`
	Source         string     `json:"source"`
	EventType      string     `json:"eventType"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	Status         *string    `json:"status,omitempty"`
	BatteryLevel   *float64   `json:"batteryLevel,omitempty"`
	RecordedAt     *time.Time `json:"recordedAt,omitempty"`
	ReceivedAt     time.Time  `json:"receivedAt"`
}

func (e *PositionEvent) ToResponse() PositionEventResponse {
	r := PositionEventResponse{
		ID:             e.ID,
		DriverID:       e.DriverID,
		OrganizationID: e.OrganizationID,
		Source:         e.Source,
		EventType:      e.EventType,
		Latitude:       e.Latitude,
		Longitude:      e.Longitude,
		ReceivedAt:     e.ReceivedAt,
	}
	if e.RouteID.Valid {
		r.RouteID = &e.RouteID.String
	}
	if e.Status.Valid {
		r.Status = &e.Status.String
	}
	if e.BatteryLevel.Valid {
		r.BatteryLevel = &e.BatteryLevel.Float64
	}
	if e.RecordedAt.Valid {
		r.RecordedAt = &e.RecordedAt.Time
	}
	return r
}

// NewPositionEvent builds the row stored for an admitted live update.
func NewPositionEvent(kind live.EventKind, p models.DriverPosition, receivedAt time.Time) PositionEvent {
	e := PositionEvent{
		DriverID:       p.DriverID,
		OrganizationID: p.OrganizationID,
		RouteID:        sql.NullString{String: p.RouteID, Valid: p.RouteID != ""},
		Source:         string(p.Source),
		EventType:      string(kind),
		Latitude:       p.Location.Latitude,
		Longitude:      p.Location.Longitude,
		Status:         sql.NullString{String: string(p.Status), Valid: p.Status != ""},
		ReceivedAt:     receivedAt.UTC(),
	}
	if p.Device != nil && p.Device.BatteryLevel != nil {
		e.BatteryLevel = sql.NullFloat64{Float64: *p.Device.BatteryLevel, Valid: true}
	}
	if t, ok := p.LastSeen().Time(); ok {
		e.RecordedAt = sql.NullTime{Time: t.UTC(), Valid: true}
	}
	return e
}

// PositionLog appends admitted live updates to Postgres. A nil db makes
// every call return ErrDisabled.
type PositionLog struct {
	db    *sqlx.DB
	orgID string
	now   func() time.Time
}

func NewPositionLog(db *sqlx.DB, orgID string) *PositionLog {
	return &PositionLog{db: db, orgID: orgID, now: time.Now}
}

func (l *PositionLog) Enabled() bool {
	return l != nil && l.db != nil
}

// Record stores one event.
func (l *PositionLog) Record(ctx context.Context, kind live.EventKind, p models.DriverPosition) error {
	if !l.Enabled() {
		return ErrDisabled
	}
	e := NewPositionEvent(kind, p, l.now())
	if e.OrganizationID == "" {
		e.OrganizationID = l.orgID
	}

	query := `
		INSERT INTO driver_position_events (
			driver_id, organization_id, route_id, source, event_type,
			latitude, longitude, status, battery_level, recorded_at, received_at
		) VALUES (
			:driver_id, :organization_id, :route_id, :source, :event_type,
			:latitude, :longitude, :status, :battery_level, :recorded_at, :received_at
		)`
	if _, err := l.db.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("recording position for driver %s: %w", p.DriverID, err)
	}
	return nil
}

// History returns the latest events for driverID, newest first.
func (l *PositionLog) History(ctx context.Context, driverID string, limit int) ([]PositionEvent, error) {
	if !l.Enabled() {
		return nil, ErrDisabled
	}
	limit = ClampLimit(limit)

	var events []PositionEvent
	query := `
		SELECT id, driver_id, organization_id, route_id, source, event_type,
		       latitude, longitude, status, battery_level, recorded_at, received_at
		FROM driver_position_events
		WHERE driver_id = $1 AND organization_id = $2
		ORDER BY received_at DESC, id DESC
		LIMIT $3`
	if err := l.db.SelectContext(ctx, &events, query, driverID, l.orgID, limit); err != nil {
		return nil, fmt.Errorf("loading history for driver %s: %w", driverID, err)
	}
	return events, nil
}

// ClampLimit maps a requested page size into [1, MaxHistoryLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
