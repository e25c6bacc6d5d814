package registration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dhcgn/siriusone-bridge/bus"
	"github.com/dhcgn/siriusone-bridge/codec"
	"github.com/dhcgn/siriusone-bridge/model"
)

var testIdentity = model.Identity{
	RegisterClassName: "eu.europa.ec.fisheries.uvms.plugins.siriusone",
	ApplicationName:   "siriusone",
}

func newTestRegistrar(t *testing.T, mem *bus.Memory) (*Registrar, *Machine) {
	t.Helper()
	m, _ := startMachine(t)
	r := NewRegistrar(mem, mem, codec.JSON{}, m, testIdentity,
		RegistrarOptions{SettingKeys: []string{"MAILHOST", "MAILPORT"}, Timeout: time.Minute}, nil)
	return r, m
}

func TestRegistrar_RegisterSendsRequestOnce(t *testing.T) {
	mem := bus.NewMemory()
	r, m := newTestRegistrar(t, mem)
	ctx := context.Background()

	if err := r.Register(ctx); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := m.State(); got != RegisterPending {
		t.Fatalf("State() = %s, want REGISTER_PENDING", got)
	}
	// already pending: nothing is sent
	if err := r.Register(ctx); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	sent := mem.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Function != bus.FunctionRegisterService || sent[0].ServiceName != r.ServiceName() {
		t.Errorf("sent = %+v", sent[0])
	}

	var req serviceRequest
	if err := json.Unmarshal(sent[0].Payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.Service.ServiceClassName != testIdentity.RegisterClassName ||
		req.Service.Name != testIdentity.ApplicationName ||
		req.Service.PluginType != model.PluginTypeSatellite ||
		len(req.SettingKeys) != 2 {
		t.Errorf("register request = %+v", req)
	}
}

func TestRegistrar_RegisterSendFailureKeepsUnregistered(t *testing.T) {
	mem := bus.NewMemory()
	mem.FailWith(errors.New("down"))
	r, m := newTestRegistrar(t, mem)

	if err := r.Register(context.Background()); err == nil {
		t.Fatal("Register() error = nil, want send failure")
	}
	if got := m.State(); got != Unregistered {
		t.Errorf("State() = %s, want UNREGISTERED", got)
	}
}

// ackingProducer answers a register request with ack before SendEvent
// returns, the way a fast exchange can.
type ackingProducer struct {
	*bus.Memory
	machine *Machine
	ack     Ack
}

func (p ackingProducer) SendEvent(ctx context.Context, payload []byte, serviceName, function string) (string, error) {
	id, err := p.Memory.SendEvent(ctx, payload, serviceName, function)
	if err != nil {
		return "", err
	}
	if _, err := p.machine.Submit(ctx, AckReceived{Ack: p.ack}); err != nil {
		return "", err
	}
	return id, nil
}

func TestRegistrar_AckBeforeSendReturns(t *testing.T) {
	tests := []struct {
		name string
		ack  RegisterAck
		want State
	}{
		{name: "nok", ack: RegisterAck{OK: false, Message: "rejected"}, want: Unregistered},
		{name: "ok", ack: RegisterAck{OK: true}, want: Registered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := startMachine(t)
			mem := bus.NewMemory()
			producer := ackingProducer{Memory: mem, machine: m, ack: tt.ack}
			r := NewRegistrar(producer, mem, codec.JSON{}, m, testIdentity, RegistrarOptions{Timeout: time.Minute}, nil)

			if err := r.Register(context.Background()); err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if got := m.State(); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRegistrar_RegisterAgainAfterSendFailure(t *testing.T) {
	mem := bus.NewMemory()
	mem.FailWith(errors.New("down"))
	r, m := newTestRegistrar(t, mem)
	ctx := context.Background()

	if err := r.Register(ctx); err == nil {
		t.Fatal("Register() error = nil, want send failure")
	}
	mem.FailWith(nil)
	if err := r.Register(ctx); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := m.State(); got != RegisterPending {
		t.Errorf("State() = %s, want REGISTER_PENDING", got)
	}
	if got := len(mem.Sent()); got != 1 {
		t.Errorf("sent %d messages, want 1", got)
	}
}

func TestRegistrar_TickInterval(t *testing.T) {
	mem := bus.NewMemory()
	r, _ := newTestRegistrar(t, mem)

	tests := []struct {
		name     string
		interval time.Duration
		want     time.Duration
	}{
		{name: "unset", interval: 0, want: 30 * time.Second},
		{name: "equal to timeout", interval: time.Minute, want: 30 * time.Second},
		{name: "shorter", interval: 10 * time.Second, want: 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.tickInterval(tt.interval); got != tt.want {
				t.Errorf("tickInterval(%s) = %s, want %s", tt.interval, got, tt.want)
			}
		})
	}
}

func TestRegistrar_HandleAcks(t *testing.T) {
	mem := bus.NewMemory()
	r, m := newTestRegistrar(t, mem)
	ctx := context.Background()

	if err := r.Register(ctx); err != nil {
		t.Fatal(err)
	}

	r.Handle(ctx, bus.Inbound{Payload: []byte("not an ack")})
	if got := m.State(); got != RegisterPending {
		t.Fatalf("State() after fault = %s, want REGISTER_PENDING", got)
	}

	ok, _ := EncodeAck(codec.JSON{}, bus.FunctionRegisterService, AckOK, "")
	r.Handle(ctx, bus.Inbound{Payload: ok})
	if got := m.State(); got != Registered {
		t.Fatalf("State() after OK = %s, want REGISTERED", got)
	}
}

func TestRegistrar_ListenFeedsMachine(t *testing.T) {
	mem := bus.NewMemory()
	r, m := newTestRegistrar(t, mem)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx) }()

	if err := r.Register(ctx); err != nil {
		t.Fatal(err)
	}
	ok, _ := EncodeAck(codec.JSON{}, bus.FunctionRegisterService, AckOK, "")
	mem.Push(bus.Inbound{MessageID: "ack-1", Payload: ok})

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != Registered {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %s, want REGISTERED", m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Listen() error = %v", err)
	}
}

func TestRegistrar_AnswersPing(t *testing.T) {
	mem := bus.NewMemory()
	r, m := newTestRegistrar(t, mem)

	r.Handle(context.Background(), bus.Inbound{MessageID: "ping-1", ReplyTo: "replies", Function: bus.FunctionPing})

	sent := mem.Sent()
	if len(sent) != 1 || sent[0].Topic != "replies" {
		t.Fatalf("sent = %+v", sent)
	}
	var resp pingResponse
	if err := json.Unmarshal(sent[0].Payload, &resp); err != nil || resp.Response != "PONG" {
		t.Errorf("ping response = %+v, %v", resp, err)
	}
	if got := m.State(); got != Unregistered {
		t.Errorf("State() = %s, ping must not change state", got)
	}
}

func TestRegistrar_TickExpiresAndReregisters(t *testing.T) {
	mem := bus.NewMemory()
	r, m := newTestRegistrar(t, mem)
	ctx := context.Background()

	if err := r.Register(ctx); err != nil {
		t.Fatal(err)
	}
	// pretend the timeout elapsed
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := r.tick(ctx); err != nil {
		t.Fatalf("tick() error = %v", err)
	}

	if got := m.State(); got != RegisterPending {
		t.Fatalf("State() = %s, want REGISTER_PENDING after re-register", got)
	}
	if got := len(mem.Sent()); got != 2 {
		t.Errorf("sent %d register requests, want 2", got)
	}
}

func TestRegistrar_Unregister(t *testing.T) {
	mem := bus.NewMemory()
	r, _ := newTestRegistrar(t, mem)

	if err := r.Unregister(context.Background()); err != nil {
		t.Fatal(err)
	}
	sent := mem.Sent()
	if len(sent) != 1 || sent[0].Function != bus.FunctionUnregisterService {
		t.Errorf("sent = %+v", sent)
	}
}
