package dispatch

import (
	"container/list"
	"sync"
	"time"

	"github.com/dhcgn/siriusone-bridge/model"
)

const (
	DefaultPendingCapacity = 1000
	DefaultPendingTTL      = 24 * time.Hour
)

// Entry is a report that could not be handed to the bus.
type Entry struct {
	ID        string               `json:"id"`
	Report    model.MovementReport `json:"report"`
	CachedAt  time.Time            `json:"cachedAt"`
	Attempts  int                  `json:"attempts"`
	LastError string               `json:"lastError,omitempty"`
}

type PendingStats struct {
	Len      int `json:"len"`
	Capacity int `json:"capacity"`
	Evicted  int `json:"evicted"`
	Expired  int `json:"expired"`
}

// Pending holds undelivered reports keyed by id. It never grows beyond its
// capacity: inserting into a full cache drops the oldest entry.
type Pending struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	capacity int
	ttl      time.Duration
	evicted  int
	expired  int
}

// NewPending returns a cache bounded by capacity entries whose entries
// expire after ttl. Non-positive values select the defaults.
func NewPending(capacity int, ttl time.Duration) *Pending {
	if capacity <= 0 {
		capacity = DefaultPendingCapacity
	}
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &Pending{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Put stores e under e.ID, replacing an entry with the same id.
func (p *Pending) Put(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.entries[e.ID]; ok {
		p.order.Remove(el)
		delete(p.entries, e.ID)
	}
	for p.order.Len() >= p.capacity {
		oldest := p.order.Front()
		delete(p.entries, oldest.Value.(Entry).ID)
		p.order.Remove(oldest)
		p.evicted++
	}
	p.entries[e.ID] = p.order.PushBack(e)
}

func (p *Pending) Get(id string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.entries[id]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(Entry), true
}

func (p *Pending) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.entries[id]
	if !ok {
		return false
	}
	p.order.Remove(el)
	delete(p.entries, id)
	return true
}

// Sweep drops entries cached more than ttl before now and returns how many
// were dropped.
func (p *Pending) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for el := p.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(Entry)
		if now.Sub(e.CachedAt) > p.ttl {
			p.order.Remove(el)
			delete(p.entries, e.ID)
			dropped++
		}
		el = next
	}
	p.expired += dropped
	return dropped
}

// Snapshot returns the entries oldest first without removing them.
func (p *Pending) Snapshot() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	return out
}

// Drain removes and returns all entries, oldest first.
func (p *Pending) Drain() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	p.order.Init()
	p.entries = make(map[string]*list.Element)
	return out
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

func (p *Pending) Stats() PendingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PendingStats{Len: p.order.Len(), Capacity: p.capacity, Evicted: p.evicted, Expired: p.expired}
}
