package registration

import (
	"testing"

	"github.com/dhcgn/siriusone-bridge/codec"
)

func TestDecodeAck(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Ack
	}{
		{"register ok", `{"method":"REGISTER_SERVICE","ack":{"type":"OK"}}`, RegisterAck{OK: true}},
		{"register nok", `{"method":"REGISTER_SERVICE","ack":{"type":"NOK","message":"no"}}`, RegisterAck{OK: false, Message: "no"}},
		{"unregister ok", `{"method":"UNREGISTER_SERVICE","ack":{"type":"OK"}}`, UnregisterAck{OK: true}},
		{"unregister nok", `{"method":"UNREGISTER_SERVICE","ack":{"type":"NOK"}}`, UnregisterAck{OK: false}},
		{"unknown ack type", `{"method":"REGISTER_SERVICE","ack":{"type":"MAYBE"}}`, Unsupported{Method: "REGISTER_SERVICE", Type: "MAYBE"}},
		{"unknown method", `{"method":"SET_CONFIG","ack":{"type":"OK"}}`, Unsupported{Method: "SET_CONFIG"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeAck(codec.JSON{}, []byte(tt.payload))
			if got != tt.want {
				t.Errorf("DecodeAck() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeAck_Faults(t *testing.T) {
	payloads := map[string]string{
		"not json":       `<xml/>`,
		"empty":          ``,
		"missing method": `{"ack":{"type":"OK"}}`,
		"missing ack":    `{"method":"REGISTER_SERVICE"}`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			got := DecodeAck(codec.JSON{}, []byte(payload))
			fault, ok := got.(Fault)
			if !ok {
				t.Fatalf("DecodeAck() = %#v, want Fault", got)
			}
			if fault.Err == nil {
				t.Error("Fault.Err is nil")
			}
		})
	}
}

func TestEncodeAck_RoundTrip(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			c, err := codec.New(name)
			if err != nil {
				t.Fatal(err)
			}
			payload, err := EncodeAck(c, "REGISTER_SERVICE", AckNOK, "busy")
			if err != nil {
				t.Fatal(err)
			}
			got := DecodeAck(c, payload)
			if want := (RegisterAck{OK: false, Message: "busy"}); got != want {
				t.Errorf("DecodeAck() = %#v, want %#v", got, want)
			}
		})
	}
}
