package registration

import (
	"context"
	"errors"
	"testing"
	"time"
)

func startMachine(t *testing.T) (*Machine, context.CancelFunc) {
	t.Helper()
	m := NewMachine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, cancel
}

func submitAll(t *testing.T, m *Machine, events ...Event) {
	t.Helper()
	for _, ev := range events {
		if _, err := m.Submit(context.Background(), ev); err != nil {
			t.Fatalf("Submit(%T) error = %v", ev, err)
		}
	}
}

func TestMachine_Sequences(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   State
	}{
		{
			name:   "initial",
			events: nil,
			want:   Unregistered,
		},
		{
			name:   "request then NOK",
			events: []Event{RequestRegister{}, AckReceived{RegisterAck{OK: false, Message: "denied"}}},
			want:   Unregistered,
		},
		{
			name:   "request then OK",
			events: []Event{RequestRegister{}, AckReceived{RegisterAck{OK: true}}},
			want:   Registered,
		},
		{
			name: "unregister OK keeps registered",
			events: []Event{
				RequestRegister{}, AckReceived{RegisterAck{OK: true}},
				AckReceived{UnregisterAck{OK: true}},
			},
			want: Registered,
		},
		{
			name: "unregister NOK keeps registered",
			events: []Event{
				RequestRegister{}, AckReceived{RegisterAck{OK: true}},
				AckReceived{UnregisterAck{OK: false}},
			},
			want: Registered,
		},
		{
			name:   "request only",
			events: []Event{RequestRegister{}},
			want:   RegisterPending,
		},
		{
			name:   "fault leaves pending",
			events: []Event{RequestRegister{}, AckReceived{Fault{Payload: []byte("garbage"), Err: errors.New("bad")}}},
			want:   RegisterPending,
		},
		{
			name:   "unsupported type leaves pending",
			events: []Event{RequestRegister{}, AckReceived{Unsupported{Method: "REGISTER_SERVICE", Type: "MAYBE"}}},
			want:   RegisterPending,
		},
		{
			name:   "repeated request stays pending",
			events: []Event{RequestRegister{}, RequestRegister{}},
			want:   RegisterPending,
		},
		{
			name:   "request while registered is ignored",
			events: []Event{RequestRegister{}, AckReceived{RegisterAck{OK: true}}, RequestRegister{}},
			want:   Registered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := startMachine(t)
			submitAll(t, m, tt.events...)
			if got := m.State(); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMachine_ExpirePending(t *testing.T) {
	m, _ := startMachine(t)
	submitAll(t, m, RequestRegister{})

	// request sent after the cutoff stays pending
	submitAll(t, m, ExpirePending{Before: time.Now().Add(-time.Hour)})
	if got := m.State(); got != RegisterPending {
		t.Fatalf("State() = %s, want REGISTER_PENDING", got)
	}

	submitAll(t, m, ExpirePending{Before: time.Now().Add(time.Second)})
	if got := m.State(); got != Unregistered {
		t.Fatalf("State() = %s, want UNREGISTERED", got)
	}

	tr, ok := m.LastTransition()
	if !ok || tr.From != RegisterPending || tr.To != Unregistered {
		t.Errorf("LastTransition() = %+v, %v", tr, ok)
	}
}

func TestMachine_SubmitAfterStop(t *testing.T) {
	m, cancel := startMachine(t)
	cancel()
	<-m.stopped

	if _, err := m.Submit(context.Background(), RequestRegister{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit() error = %v, want ErrStopped", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Unregistered, "UNREGISTERED"},
		{RegisterPending, "REGISTER_PENDING"},
		{Registered, "REGISTERED"},
		{State(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{Unregistered, RegisterPending, Registered} {
		text, err := s.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got State
		if err := got.UnmarshalText(text); err != nil || got != s {
			t.Errorf("UnmarshalText(%q) = %s, %v", text, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("ACTIVE")); err == nil {
		t.Error("UnmarshalText(ACTIVE) error = nil")
	}
}
