package model

import "time"

// Mail is a single message fetched from the mail store.
type Mail struct {
	UID  uint32
	Seen bool
	Raw  []byte
}

// Identity stamps outgoing reports with the bridge's registered name.
type Identity struct {
	RegisterClassName string
	ApplicationName   string
}

// PluginName returns the name the bus knows this bridge by.
func (i Identity) PluginName() string {
	return i.RegisterClassName + "." + i.ApplicationName
}

// PositionSample is one position decoded from a binary frame.
type PositionSample struct {
	DeviceID  int64
	Latitude  float64
	Longitude float64
	Course    float64
	Speed     float64
	Time      time.Time
	Valid     bool
}

// DeviceReport is the content of an XML device report for a single device.
type DeviceReport struct {
	Serial    string
	Positions []PositionFix
}

// PositionFix is one position entry of a device report.
type PositionFix struct {
	Latitude     float64
	Longitude    float64
	Altitude     float64
	Course       float64
	Speed        float64
	GPSTime      time.Time
	ReceivedTime time.Time
}
