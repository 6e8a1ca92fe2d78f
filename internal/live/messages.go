package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/models"
)

// EventKind is the logical message type multiplexed on the push connection.
type EventKind string

const (
	EventOrganizationDriverUpdate EventKind = "organization_driver_update"
	EventRouteDriverUpdate        EventKind = "route_driver_update"
	EventDriverTransmission       EventKind = "driver_transmission"

	// EventConnected is synthesized by transports after every successful
	// (re)connect. It never arrives from the server.
	EventConnected EventKind = "connected"
)

// Outbound control messages
const (
	MessageAuthenticate = "authenticate"
	MessageJoinRoute    = "join_route"
)

var (
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrMalformedMessage = errors.New("malformed message")
)

// Envelope is the wire frame: {"type": "...", "timestamp": "...", "data": {...}}
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	env := Envelope{Type: msgType, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshaling %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

type AuthenticatePayload struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
}

type JoinRoutePayload struct {
	RouteID string `json:"routeId"`
}

// Event is a decoded inbound message. Position is set for the two driver
// update kinds, Transmission for driver_transmission.
type Event struct {
	Kind         EventKind
	ReceivedAt   time.Time
	Position     *models.DriverPosition
	Transmission *models.Transmission
}

// DriverID returns the driver the event is about.
func (e Event) DriverID() string {
	switch {
	case e.Position != nil:
		return e.Position.DriverID
	case e.Transmission != nil:
		return e.Transmission.DriverID
	}
	return ""
}

// RouteID returns the route of a route_driver_update, empty otherwise.
func (e Event) RouteID() string {
	if e.Position != nil {
		return e.Position.RouteID
	}
	return ""
}

type positionPayload struct {
	DriverID              string           `json:"driverId"`
	DriverName            string           `json:"driverName"`
	OrganizationID        string           `json:"organizationId"`
	RouteID               string           `json:"routeId"`
	RouteName             string           `json:"routeName"`
	Location              *models.Location `json:"location"`
	Status                string           `json:"status"`
	Timestamp             models.Timestamp `json:"timestamp"`
	TransmissionTimestamp models.Timestamp `json:"transmissionTimestamp"`
}

type transmissionPayload struct {
	DriverID              string           `json:"driverId"`
	Location              *models.Location `json:"location"`
	Status                string           `json:"status"`
	Timestamp             models.Timestamp `json:"timestamp"`
	TransmissionTimestamp models.Timestamp `json:"transmissionTimestamp"`
	SignalStrength        *float64         `json:"signalStrength"`
	BatteryLevel          *float64         `json:"batteryLevel"`
	NetworkType           string           `json:"networkType"`
	Metadata              map[string]any   `json:"metadata"`
}

// DecodeEvent turns an inbound envelope into an Event.
func DecodeEvent(env Envelope, receivedAt time.Time) (Event, error) {
	kind := EventKind(env.Type)
	ev := Event{Kind: kind, ReceivedAt: receivedAt}

	switch kind {
	case EventConnected:
		return ev, nil

	case EventOrganizationDriverUpdate, EventRouteDriverUpdate:
		var p positionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, kind, err)
		}
		if p.DriverID == "" || p.Location == nil {
			return Event{}, fmt.Errorf("%w: %s without driverId or location", ErrMalformedMessage, kind)
		}
		if kind == EventRouteDriverUpdate && p.RouteID == "" {
			return Event{}, fmt.Errorf("%w: %s without routeId", ErrMalformedMessage, kind)
		}
		pos := models.DriverPosition{
			DriverID:              p.DriverID,
			DriverName:            p.DriverName,
			OrganizationID:        p.OrganizationID,
			Location:              *p.Location,
			Status:                normalizeStatus(p.Status),
			Timestamp:             p.Timestamp,
			TransmissionTimestamp: p.TransmissionTimestamp,
			Source:                models.SourceOrganization,
		}
		if kind == EventRouteDriverUpdate {
			pos.Source = models.SourceRoute
			pos.RouteID = p.RouteID
			pos.RouteName = p.RouteName
		}
		ev.Position = &pos
		return ev, nil

	case EventDriverTransmission:
		var p transmissionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, kind, err)
		}
		if p.DriverID == "" {
			return Event{}, fmt.Errorf("%w: %s without driverId", ErrMalformedMessage, kind)
		}
		ev.Transmission = &models.Transmission{
			DriverID:              p.DriverID,
			Location:              p.Location,
			Status:                normalizeStatus(p.Status),
			Timestamp:             p.Timestamp,
			TransmissionTimestamp: p.TransmissionTimestamp,
			Device: models.DeviceInfo{
				SignalStrength: p.SignalStrength,
				BatteryLevel:   p.BatteryLevel,
				NetworkType:    p.NetworkType,
				Metadata:       p.Metadata,
			},
		}
		return ev, nil
	}

	return Event{}, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
}

func normalizeStatus(s string) models.Status {
	if status, ok := models.ParseStatus(s); ok {
		return status
	}
	return models.Status(strings.ToUpper(strings.TrimSpace(s)))
}
