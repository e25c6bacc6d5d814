// Package mapper converts decoded samples into canonical movement reports.
package mapper

import (
	"strconv"
	"time"

	"github.com/dhcgn/siriusone-bridge/model"
)

type Mapper struct {
	identity model.Identity
	now      func() time.Time
}

// New returns a Mapper stamping reports with identity. now defaults to
// time.Now.
func New(identity model.Identity, now func() time.Time) *Mapper {
	if now == nil {
		now = time.Now
	}
	return &Mapper{identity: identity, now: now}
}

// FromSample maps a binary frame sample. Altitude is always zero.
func (m *Mapper) FromSample(s model.PositionSample) model.MovementReport {
	report := m.base(strconv.FormatInt(s.DeviceID, 10))
	report.Position = model.Point{Latitude: s.Latitude, Longitude: s.Longitude}
	report.Course = s.Course
	report.Speed = s.Speed
	report.PositionTime = s.Time
	report.Status = model.StatusSatelliteFrame
	return report
}

// FromFix maps the position fix of a device report.
func (m *Mapper) FromFix(serial string, fix model.PositionFix) model.MovementReport {
	report := m.base(serial)
	report.Position = model.Point{Latitude: fix.Latitude, Longitude: fix.Longitude, Altitude: fix.Altitude}
	report.Course = fix.Course
	report.Speed = fix.Speed
	report.PositionTime = fix.GPSTime
	if !fix.ReceivedTime.IsZero() {
		les := fix.ReceivedTime
		report.LesReportTime = &les
	}
	return report
}

func (m *Mapper) base(deviceID string) model.MovementReport {
	return model.MovementReport{
		Source:     model.SourceIridium,
		PluginType: model.PluginTypeSatellite,
		PluginName: m.identity.PluginName(),
		MobileTerminalID: model.MobileTerminalID{
			Type:  model.TerminalIDTypeSerial,
			Value: deviceID,
		},
		MovementType:   model.MovementTypePosition,
		ComChannelType: model.ComChannelMobile,
		Timestamp:      m.now().UTC(),
	}
}
