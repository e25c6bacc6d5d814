// Package registration tracks whether the bridge is registered with the
// exchange and drives the register and unregister requests.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

type State int32

const (
	Unregistered State = iota
	RegisterPending
	Registered
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "UNREGISTERED"
	case RegisterPending:
		return "REGISTER_PENDING"
	case Registered:
		return "REGISTERED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{Unregistered, RegisterPending, Registered} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown registration state %q", text)
}

// Event is an input to the Machine: RequestRegister, AckReceived or
// ExpirePending.
type Event interface {
	event()
}

type RequestRegister struct{}

type AckReceived struct {
	Ack Ack
}

// ExpirePending gives up on a register request sent before Before.
type ExpirePending struct {
	Before time.Time
}

func (RequestRegister) event() {}
func (AckReceived) event()     {}
func (ExpirePending) event()   {}

type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

func (t Transition) Changed() bool { return t.From != t.To }

var ErrStopped = errors.New("registration machine stopped")

type submission struct {
	event Event
	done  chan Transition
}

// Machine owns the registration state. Only the Run goroutine changes it;
// State may be read from anywhere.
type Machine struct {
	state        atomic.Int32
	last         atomic.Pointer[Transition]
	pendingSince time.Time
	inbox        chan submission
	stopped      chan struct{}
	now          func() time.Time
	logger       *slog.Logger
}

func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		inbox:   make(chan submission),
		stopped: make(chan struct{}),
		now:     time.Now,
		logger:  logger,
	}
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

// LastTransition returns the most recent state change, if any.
func (m *Machine) LastTransition() (Transition, bool) {
	t := m.last.Load()
	if t == nil {
		return Transition{}, false
	}
	return *t, true
}

// Run applies submitted events until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-m.inbox:
			s.done <- m.apply(s.event)
		}
	}
}

// Submit hands ev to the Run goroutine and waits until it was applied.
func (m *Machine) Submit(ctx context.Context, ev Event) (Transition, error) {
	s := submission{event: ev, done: make(chan Transition, 1)}
	select {
	case m.inbox <- s:
	case <-m.stopped:
		return Transition{}, ErrStopped
	case <-ctx.Done():
		return Transition{}, ctx.Err()
	}
	return <-s.done, nil
}

func (m *Machine) apply(ev Event) Transition {
	from := m.State()
	to := from

	switch e := ev.(type) {
	case RequestRegister:
		if from == Unregistered {
			to = RegisterPending
		}

	case ExpirePending:
		if from == RegisterPending && m.pendingSince.Before(e.Before) {
			m.logger.Warn("register request timed out", "pendingSince", m.pendingSince)
			to = Unregistered
		}

	case AckReceived:
		switch a := e.Ack.(type) {
		case RegisterAck:
			if a.OK {
				m.logger.Info("register OK")
				to = Registered
			} else {
				m.logger.Info("register NOK", "message", a.Message)
				to = Unregistered
			}
		case UnregisterAck:
			if a.OK {
				m.logger.Info("unregister OK")
			} else {
				m.logger.Info("unregister NOK", "message", a.Message)
			}
		case Fault:
			m.logger.Error("received fault on plugin response topic", "err", a.Err, "payload", string(a.Payload))
		case Unsupported:
			if a.Type != "" {
				m.logger.Error("ack type not supported", "method", a.Method, "type", a.Type)
			} else {
				m.logger.Error("method not supported", "method", a.Method)
			}
		default:
			m.logger.Error("unknown ack variant", "ack", a)
		}

	default:
		m.logger.Error("unknown registration event", "event", ev)
	}

	t := Transition{From: from, To: to, At: m.now()}
	if t.Changed() {
		if to == RegisterPending {
			m.pendingSince = t.At
		}
		m.state.Store(int32(to))
		m.last.Store(&t)
		m.logger.Info("registration state changed", "from", from, "to", to)
	}
	return t
}
