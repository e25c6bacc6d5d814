package model

import "time"

const (
	SourceIridium        = "IRIDIUM"
	PluginTypeSatellite  = "SATELLITE_RECEIVER"
	MovementTypePosition = "POS"
	ComChannelMobile     = "MOBILE_TERMINAL"
	TerminalIDTypeSerial = "SERIAL_NUMBER"

	// StatusSatelliteFrame is the status code stamped on reports decoded
	// from binary frames.
	StatusSatelliteFrame = "11"
)

// MovementReport is the canonical representation forwarded to the bus.
type MovementReport struct {
	Source           string           `json:"source"`
	PluginType       string           `json:"pluginType"`
	PluginName       string           `json:"pluginName"`
	MobileTerminalID MobileTerminalID `json:"mobileTerminalId"`
	Position         Point            `json:"position"`
	Course           float64          `json:"reportedCourse"`
	Speed            float64          `json:"reportedSpeed"`
	PositionTime     time.Time        `json:"positionTime"`
	LesReportTime    *time.Time       `json:"lesReportTime,omitempty"`
	MovementType     string           `json:"movementType"`
	ComChannelType   string           `json:"comChannelType"`
	Status           string           `json:"status,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

type MobileTerminalID struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// DeviceID returns the mobile terminal serial the report belongs to.
func (r MovementReport) DeviceID() string {
	return r.MobileTerminalID.Value
}
