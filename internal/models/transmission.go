package models

// Transmission is a raw device transmission. It only carries the fields the
// device sent, so it can refresh an existing entry but never create one.
type Transmission struct {
	DriverID              string     `json:"driverId"`
	Location              *Location  `json:"location,omitempty"`
	Status                Status     `json:"status,omitempty"`
	Timestamp             Timestamp  `json:"timestamp,omitzero"`
	TransmissionTimestamp Timestamp  `json:"transmissionTimestamp,omitzero"`
	Device                DeviceInfo `json:"device"`
}
