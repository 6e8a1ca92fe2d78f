package models

import (
	"math"
	"strings"
)

// Status is the operating state a driver's device last reported.
type Status string

const (
	StatusDriving Status = "DRIVING"
	StatusIdle    Status = "IDLE"
	StatusStopped Status = "STOPPED"
	StatusBreak   Status = "BREAK"
	StatusOffline Status = "OFFLINE"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusDriving, StatusIdle, StatusStopped, StatusBreak, StatusOffline}

// ParseStatus accepts any casing ("driving", "Driving") and reports whether
// the value is one of the known statuses.
func ParseStatus(s string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if status == known {
			return status, true
		}
	}
	return "", false
}

// Source tags where a position entry came from.
type Source string

const (
	SourceOrganization Source = "organization"
	SourceRoute        Source = "route"
)

// Location is a GPS fix
type Location struct {
	Latitude  float64  `json:"latitude" db:"latitude"`
	Longitude float64  `json:"longitude" db:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty" db:"accuracy"` // GPS accuracy in meters
	Speed     *float64 `json:"speed,omitempty" db:"speed"`       // Speed in m/s
	Heading   *float64 `json:"heading,omitempty" db:"heading"`   // Direction of travel (0-360 degrees)
}

// IsValid reports whether the coordinates can be placed on a map.
func (l Location) IsValid() bool {
	return !math.IsNaN(l.Latitude) && !math.IsNaN(l.Longitude) &&
		l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// DeviceInfo carries the raw transmission metadata of a driver's device.
type DeviceInfo struct {
	SignalStrength *float64       `json:"signalStrength,omitempty"`
	BatteryLevel   *float64       `json:"batteryLevel,omitempty"`
	NetworkType    string         `json:"networkType,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// DriverPosition is one driver's most recent known location and state.
// Source distinguishes organization-wide entries from route-scoped ones.
type DriverPosition struct {
	DriverID              string      `json:"driverId"`
	DriverName            string      `json:"driverName,omitempty"`
	Location              Location    `json:"location"`
	Status                Status      `json:"status,omitempty"`
	Source                Source      `json:"source,omitempty"`
	RouteID               string      `json:"routeId,omitempty"`
	RouteName             string      `json:"routeName,omitempty"`
	OrganizationID        string      `json:"organizationId,omitempty"`
	Timestamp             Timestamp   `json:"timestamp,omitzero"`
	TransmissionTimestamp Timestamp   `json:"transmissionTimestamp,omitzero"`
	Device                *DeviceInfo `json:"device,omitempty"`
}

// LastSeen returns the timestamp staleness is measured from: the
// transmission timestamp when one was sent, otherwise the recorded one.
func (p DriverPosition) LastSeen() Timestamp {
	if !p.TransmissionTimestamp.IsZero() {
		return p.TransmissionTimestamp
	}
	return p.Timestamp
}

// Clone returns a deep copy so callers can't mutate stored entries.
func (p DriverPosition) Clone() DriverPosition {
	p.Location = p.Location.clone()
	if p.Device != nil {
		d := p.Device.clone()
		p.Device = &d
	}
	return p
}

func (l Location) clone() Location {
	l.Accuracy = cloneFloat(l.Accuracy)
	l.Speed = cloneFloat(l.Speed)
	l.Heading = cloneFloat(l.Heading)
	return l
}

func (d DeviceInfo) clone() DeviceInfo {
	d.SignalStrength = cloneFloat(d.SignalStrength)
	d.BatteryLevel = cloneFloat(d.BatteryLevel)
	if d.Metadata != nil {
		m := make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			m[k] = v
		}
		d.Metadata = m
	}
	return d
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
