package mapper

import (
	"testing"
	"time"

	"github.com/dhcgn/siriusone-bridge/model"
)

var (
	identity = model.Identity{RegisterClassName: "eu.uvms.plugins.iridium", ApplicationName: "siriusone"}
	fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func clock() time.Time { return fixedNow }

func checkCommon(t *testing.T, r model.MovementReport) {
	t.Helper()
	if r.Source != model.SourceIridium || r.PluginType != model.PluginTypeSatellite {
		t.Errorf("source = %s/%s", r.Source, r.PluginType)
	}
	if r.MovementType != model.MovementTypePosition {
		t.Errorf("MovementType = %s", r.MovementType)
	}
	if r.ComChannelType != model.ComChannelMobile {
		t.Errorf("ComChannelType = %s", r.ComChannelType)
	}
	if r.PluginName != "eu.uvms.plugins.iridium.siriusone" {
		t.Errorf("PluginName = %s", r.PluginName)
	}
	if r.MobileTerminalID.Type != model.TerminalIDTypeSerial {
		t.Errorf("terminal id type = %s", r.MobileTerminalID.Type)
	}
	if !r.Timestamp.Equal(fixedNow) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, fixedNow)
	}
}

func TestFromSample(t *testing.T) {
	posTime := time.Unix(789, 0).UTC()
	in := model.PositionSample{DeviceID: 123456, Latitude: 12.5, Longitude: 45.0, Course: 90, Speed: 10, Time: posTime, Valid: true}
	before := in

	r := New(identity, clock).FromSample(in)

	checkCommon(t, r)
	if r.DeviceID() != "123456" {
		t.Errorf("DeviceID = %q, want 123456", r.DeviceID())
	}
	if r.Position != (model.Point{Latitude: 12.5, Longitude: 45.0, Altitude: 0}) {
		t.Errorf("Position = %+v", r.Position)
	}
	if r.Course != 90 || r.Speed != 10 {
		t.Errorf("course/speed = %f/%f", r.Course, r.Speed)
	}
	if !r.PositionTime.Equal(posTime) {
		t.Errorf("PositionTime = %v", r.PositionTime)
	}
	if r.LesReportTime != nil {
		t.Errorf("LesReportTime = %v, want nil", r.LesReportTime)
	}
	if r.Status != model.StatusSatelliteFrame {
		t.Errorf("Status = %q", r.Status)
	}
	if in != before {
		t.Error("input sample was modified")
	}
}

func TestFromFix(t *testing.T) {
	gps := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	received := gps.Add(5 * time.Second)
	fix := model.PositionFix{Latitude: 57.7, Longitude: 11.9, Altitude: 12.5, Course: 180, Speed: 4.2, GPSTime: gps, ReceivedTime: received}

	r := New(identity, clock).FromFix("300234063904190", fix)

	checkCommon(t, r)
	if r.DeviceID() != "300234063904190" {
		t.Errorf("DeviceID = %q", r.DeviceID())
	}
	if r.Position != (model.Point{Latitude: 57.7, Longitude: 11.9, Altitude: 12.5}) {
		t.Errorf("Position = %+v", r.Position)
	}
	if !r.PositionTime.Equal(gps) {
		t.Errorf("PositionTime = %v, want %v", r.PositionTime, gps)
	}
	if r.LesReportTime == nil || !r.LesReportTime.Equal(received) {
		t.Errorf("LesReportTime = %v, want %v", r.LesReportTime, received)
	}
	if r.Status != "" {
		t.Errorf("Status = %q, want empty", r.Status)
	}
}

func TestNew_DefaultClock(t *testing.T) {
	before := time.Now()
	r := New(identity, nil).FromFix("1", model.PositionFix{})
	if r.Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("Timestamp %v is older than call time %v", r.Timestamp, before)
	}
}
