package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/dhcgn/siriusone-bridge/model"
)

func report() model.MovementReport {
	les := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	return model.MovementReport{
		Source:           model.SourceIridium,
		PluginType:       model.PluginTypeSatellite,
		PluginName:       "a.b",
		MobileTerminalID: model.MobileTerminalID{Type: model.TerminalIDTypeSerial, Value: "123456"},
		Position:         model.Point{Latitude: 12.5, Longitude: 45},
		Course:           90,
		Speed:            10,
		PositionTime:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		LesReportTime:    &les,
		MovementType:     model.MovementTypePosition,
		ComChannelType:   model.ComChannelMobile,
		Timestamp:        time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "json", "JSON", "cbor"} {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q) error = %v", name, err)
		}
	}
	if _, err := New("protobuf"); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func TestCodecs_MovementReport(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			c, err := New(name)
			if err != nil {
				t.Fatal(err)
			}
			data, err := c.Marshal(report())
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}

			var got model.MovementReport
			if err := c.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.DeviceID() != "123456" || got.Position != report().Position {
				t.Errorf("decoded %+v", got)
			}
			if got.LesReportTime == nil || !got.LesReportTime.Equal(*report().LesReportTime) {
				t.Errorf("LesReportTime = %v", got.LesReportTime)
			}
		})
	}
}

func TestCBOR_Deterministic(t *testing.T) {
	c, err := New("cbor")
	if err != nil {
		t.Fatal(err)
	}
	first, err := c.Marshal(report())
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Marshal(report())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("equal reports encoded differently")
	}
}
