// Package bus carries bridge messages to and from the downstream message
// bus. Kafka and MQTT transports are provided; both keep the metadata the
// bus uses for correlation (message id, correlation id, function,
// service name, reply address).
package bus

import (
	"context"
	"errors"
)

// Functions understood by the exchange side.
const (
	FunctionSetMovementReport = "SET_MOVEMENT_REPORT"
	FunctionRegisterService   = "REGISTER_SERVICE"
	FunctionUnregisterService = "UNREGISTER_SERVICE"
	FunctionPing              = "PING"
)

var ErrClosed = errors.New("bus closed")

// Inbound is a message received from the bus.
type Inbound struct {
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Function      string
	ServiceName   string
	Payload       []byte
}

// Producer sends messages. Each send returns the message id assigned to
// the outgoing message, which the bus echoes back as correlation id.
type Producer interface {
	// Send delivers payload to the exchange queue.
	Send(ctx context.Context, payload []byte, function string) (string, error)
	// SendEvent publishes payload on the plugin event bus.
	SendEvent(ctx context.Context, payload []byte, serviceName, function string) (string, error)
	// SendResponse answers request on its reply address, correlated to
	// the request's message id.
	SendResponse(ctx context.Context, payload []byte, request Inbound) error
	Close() error
}

// Consumer receives messages addressed to this bridge.
type Consumer interface {
	Receive(ctx context.Context) (Inbound, error)
	Close() error
}

// Topics names the destinations used by a transport.
type Topics struct {
	Exchange string
	EventBus string
	Response string
}

const (
	headerMessageID     = "messageId"
	headerCorrelationID = "correlationId"
	headerFunction      = "function"
	headerServiceName   = "serviceName"
	headerReplyTo       = "replyTo"
	headerContentType   = "contentType"
)
