package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sent is one message captured by Memory.
type Sent struct {
	MessageID   string
	Topic       string
	Function    string
	ServiceName string
	Payload     []byte
}

// Memory is an in-process bus. The replay command uses it for dry runs,
// and it is handy in tests. Inbound messages are queued with Push.
type Memory struct {
	mu      sync.Mutex
	sent    []Sent
	fail    error
	inbound chan Inbound
	closed  chan struct{}
	once    sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		inbound: make(chan Inbound, 64),
		closed:  make(chan struct{}),
	}
}

// FailWith makes every following send return err; nil restores delivery.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *Memory) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *Memory) record(ctx context.Context, s Sent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	select {
	case <-m.closed:
		return "", ErrClosed
	default:
	}
	s.MessageID = uuid.NewString()
	m.sent = append(m.sent, s)
	return s.MessageID, nil
}

func (m *Memory) Send(ctx context.Context, payload []byte, function string) (string, error) {
	return m.record(ctx, Sent{Topic: "exchange", Function: function, Payload: payload})
}

func (m *Memory) SendEvent(ctx context.Context, payload []byte, serviceName, function string) (string, error) {
	return m.record(ctx, Sent{Topic: "eventbus", Function: function, ServiceName: serviceName, Payload: payload})
}

func (m *Memory) SendResponse(ctx context.Context, payload []byte, request Inbound) error {
	if request.ReplyTo == "" {
		return fmt.Errorf("request %s has no reply address", request.MessageID)
	}
	_, err := m.record(ctx, Sent{Topic: request.ReplyTo, Payload: payload})
	return err
}

// Push queues an inbound message for Receive.
func (m *Memory) Push(in Inbound) {
	select {
	case m.inbound <- in:
	case <-m.closed:
	}
}

func (m *Memory) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-m.inbound:
		return in, nil
	case <-m.closed:
		return Inbound{}, ErrClosed
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
