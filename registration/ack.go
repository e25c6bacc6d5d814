package registration

import (
	"fmt"

	"github.com/dhcgn/siriusone-bridge/bus"
	"github.com/dhcgn/siriusone-bridge/codec"
)

type AckType string

const (
	AckOK  AckType = "OK"
	AckNOK AckType = "NOK"
)

// Ack is one decoded acknowledgment. The concrete type is one of
// RegisterAck, UnregisterAck, Fault or Unsupported.
type Ack interface {
	ack()
}

type RegisterAck struct {
	OK      bool
	Message string
}

type UnregisterAck struct {
	OK      bool
	Message string
}

// Fault is a payload that could not be read as a response at all.
type Fault struct {
	Payload []byte
	Err     error
}

// Unsupported is a well-formed response with an unknown method or ack type.
type Unsupported struct {
	Method string
	Type   string
}

func (RegisterAck) ack()   {}
func (UnregisterAck) ack() {}
func (Fault) ack()         {}
func (Unsupported) ack()   {}

type ackPayload struct {
	Method string      `json:"method"`
	Ack    *ackContent `json:"ack,omitempty"`
}

type ackContent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// DecodeAck reads an acknowledgment payload. It never fails: whatever
// cannot be understood becomes a Fault or Unsupported.
func DecodeAck(c codec.Codec, payload []byte) Ack {
	var p ackPayload
	if err := c.Unmarshal(payload, &p); err != nil {
		return Fault{Payload: payload, Err: err}
	}
	if p.Method == "" {
		return Fault{Payload: payload, Err: fmt.Errorf("missing method")}
	}

	switch p.Method {
	case bus.FunctionRegisterService, bus.FunctionUnregisterService:
	default:
		return Unsupported{Method: p.Method}
	}
	if p.Ack == nil {
		return Fault{Payload: payload, Err: fmt.Errorf("%s response without ack", p.Method)}
	}

	var ok bool
	switch AckType(p.Ack.Type) {
	case AckOK:
		ok = true
	case AckNOK:
		ok = false
	default:
		return Unsupported{Method: p.Method, Type: p.Ack.Type}
	}

	if p.Method == bus.FunctionRegisterService {
		return RegisterAck{OK: ok, Message: p.Ack.Message}
	}
	return UnregisterAck{OK: ok, Message: p.Ack.Message}
}

// EncodeAck is the inverse of DecodeAck for register and unregister acks.
// The bus side produces these; the bridge uses it for tests and replay.
func EncodeAck(c codec.Codec, method string, t AckType, message string) ([]byte, error) {
	return c.Marshal(ackPayload{Method: method, Ack: &ackContent{Type: string(t), Message: message}})
}
