// Package state remembers which movement reports were already handed to the
// bus, so a mail that is fetched again does not produce a second delivery.
package state

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/dhcgn/siriusone-bridge/model"
)

// DefaultCapacity bounds the tracker when no capacity is given.
const DefaultCapacity = 10000

type Tracker interface {
	AlreadyProcessed(hash string) (string, bool)
	MarkProcessed(hash, correlationID string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
	Capacity  int
	Evicted   int
}

// MemoryTracker keeps at most capacity fingerprints and forgets the oldest
// one first.
type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]string
	order     []string
	head      int
	capacity  int
	evicted   int
}

func NewMemoryTracker(capacity int) *MemoryTracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryTracker{
		processed: make(map[string]string, capacity),
		order:     make([]string, 0, capacity),
		capacity:  capacity,
	}
}

// AlreadyProcessed returns the correlation id the report was delivered under.
func (m *MemoryTracker) AlreadyProcessed(hash string) (string, bool) {
	if hash == "" {
		return "", false
	}

	m.mu.RLock()
	id, ok := m.processed[hash]
	m.mu.RUnlock()
	return id, ok
}

func (m *MemoryTracker) MarkProcessed(hash, correlationID string) error {
	if hash == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.processed[hash]; exists {
		m.processed[hash] = correlationID
		return nil
	}

	// order is a ring once full; head points at the oldest entry.
	if len(m.order) < m.capacity {
		m.order = append(m.order, hash)
	} else {
		delete(m.processed, m.order[m.head])
		m.order[m.head] = hash
		m.head = (m.head + 1) % m.capacity
		m.evicted++
	}
	m.processed[hash] = correlationID
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Processed: len(m.processed), Capacity: m.capacity, Evicted: m.evicted}
}

// Fingerprint identifies a report by what it says about the terminal, not
// by when the bridge built it: the creation timestamp is left out.
func Fingerprint(r model.MovementReport) string {
	h := blake3.New()
	var buf [8]byte

	h.Write([]byte(r.MobileTerminalID.Value))
	h.Write([]byte{0})
	h.Write([]byte(r.Status))
	h.Write([]byte{0})

	binary.BigEndian.PutUint64(buf[:], uint64(r.PositionTime.UnixNano()))
	h.Write(buf[:])
	for _, v := range []float64{r.Position.Latitude, r.Position.Longitude, r.Position.Altitude} {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}

	return hex.EncodeToString(h.Sum(nil))
}
