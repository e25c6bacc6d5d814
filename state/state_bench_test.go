package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/dhcgn/siriusone-bridge/model"
)

// BenchmarkMemoryTracker_MarkProcessed measures inserts including eviction
func BenchmarkMemoryTracker_MarkProcessed(b *testing.B) {
	tracker := NewMemoryTracker(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hash := fmt.Sprintf("hash-%d", i)
		id := fmt.Sprintf("id-%d", i)
		if err := tracker.MarkProcessed(hash, id); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMemoryTracker_AlreadyProcessed benchmarks lookup performance
func BenchmarkMemoryTracker_AlreadyProcessed(b *testing.B) {
	tracker := NewMemoryTracker(1000)
	for i := 0; i < 1000; i++ {
		if err := tracker.MarkProcessed(fmt.Sprintf("hash-%d", i), fmt.Sprintf("id-%d", i)); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = tracker.AlreadyProcessed(fmt.Sprintf("hash-%d", i%1000))
	}
}

func BenchmarkFingerprint(b *testing.B) {
	report := model.MovementReport{
		MobileTerminalID: model.MobileTerminalID{Type: model.TerminalIDTypeSerial, Value: "123456"},
		Position:         model.Point{Latitude: 12.5, Longitude: 45.0},
		PositionTime:     time.Unix(789, 0).UTC(),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Fingerprint(report)
	}
}
