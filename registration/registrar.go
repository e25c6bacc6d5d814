package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/siriusone-bridge/bus"
	"github.com/dhcgn/siriusone-bridge/codec"
	"github.com/dhcgn/siriusone-bridge/model"
)

const DefaultRegisterTimeout = time.Minute

type serviceInfo struct {
	ServiceClassName string `json:"serviceClassName"`
	Name             string `json:"name"`
	PluginType       string `json:"pluginType"`
}

type serviceRequest struct {
	Method      string      `json:"method"`
	Service     serviceInfo `json:"service"`
	SettingKeys []string    `json:"settingKeys,omitempty"`
}

type pingResponse struct {
	Method   string `json:"method"`
	Response string `json:"response"`
}

type RegistrarOptions struct {
	// SettingKeys are announced with the register request so the exchange
	// knows which settings the bridge reads.
	SettingKeys []string
	Timeout     time.Duration
}

// Registrar sends register and unregister requests and feeds the
// acknowledgments it receives into the Machine.
type Registrar struct {
	producer bus.Producer
	consumer bus.Consumer
	codec    codec.Codec
	machine  *Machine
	identity model.Identity
	opts     RegistrarOptions
	now      func() time.Time
	logger   *slog.Logger
}

func NewRegistrar(producer bus.Producer, consumer bus.Consumer, c codec.Codec, machine *Machine, identity model.Identity, opts RegistrarOptions, logger *slog.Logger) *Registrar {
	if c == nil {
		c = codec.JSON{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRegisterTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		producer: producer,
		consumer: consumer,
		codec:    c,
		machine:  machine,
		identity: identity,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// ServiceName is the name acks for this bridge are addressed to.
func (r *Registrar) ServiceName() string {
	return r.identity.PluginName()
}

func (r *Registrar) request(method string) ([]byte, error) {
	return r.codec.Marshal(serviceRequest{
		Method: method,
		Service: serviceInfo{
			ServiceClassName: r.identity.RegisterClassName,
			Name:             r.identity.ApplicationName,
			PluginType:       model.PluginTypeSatellite,
		},
		SettingKeys: r.opts.SettingKeys,
	})
}

// Register sends a register request when the bridge is unregistered. The
// machine moves to REGISTER_PENDING before the request goes out so an ack
// that arrives while SendEvent is still returning is not overwritten.
func (r *Registrar) Register(ctx context.Context) error {
	if r.machine.State() != Unregistered {
		return nil
	}
	payload, err := r.request(bus.FunctionRegisterService)
	if err != nil {
		return fmt.Errorf("encode register request: %w", err)
	}

	t, err := r.machine.Submit(ctx, RequestRegister{})
	if err != nil {
		return fmt.Errorf("submit register request: %w", err)
	}
	if !t.Changed() {
		return nil
	}

	id, err := r.producer.SendEvent(ctx, payload, r.ServiceName(), bus.FunctionRegisterService)
	if err != nil {
		// nothing was sent, so no ack will come for this request
		if _, rollbackErr := r.machine.Submit(context.WithoutCancel(ctx), ExpirePending{Before: t.At.Add(time.Nanosecond)}); rollbackErr != nil {
			err = errors.Join(err, rollbackErr)
		}
		return fmt.Errorf("send register request: %w", err)
	}
	r.logger.Info("register request sent", "service", r.ServiceName(), "messageID", id)
	return nil
}

// Unregister tells the exchange the bridge is going away. The ack is
// informational only.
func (r *Registrar) Unregister(ctx context.Context) error {
	payload, err := r.request(bus.FunctionUnregisterService)
	if err != nil {
		return fmt.Errorf("encode unregister request: %w", err)
	}
	if _, err := r.producer.SendEvent(ctx, payload, r.ServiceName(), bus.FunctionUnregisterService); err != nil {
		return fmt.Errorf("send unregister request: %w", err)
	}
	r.logger.Info("unregister request sent", "service", r.ServiceName())
	return nil
}

// Maintain registers on start and then every interval re-registers when
// unregistered or expires a request that got no answer in time. The
// interval is capped at half the register timeout so a lost ack is noticed
// within one and a half timeouts.
func (r *Registrar) Maintain(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(r.tickInterval(interval))
	defer ticker.Stop()

	for {
		if err := r.tick(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("registration", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Registrar) tickInterval(interval time.Duration) time.Duration {
	half := r.opts.Timeout / 2
	if half <= 0 {
		half = time.Second
	}
	if interval <= 0 || interval > half {
		return half
	}
	return interval
}

func (r *Registrar) tick(ctx context.Context) error {
	switch r.machine.State() {
	case RegisterPending:
		_, err := r.machine.Submit(ctx, ExpirePending{Before: r.now().Add(-r.opts.Timeout)})
		if err != nil {
			return err
		}
		if r.machine.State() != Unregistered {
			return nil
		}
		return r.Register(ctx)
	case Unregistered:
		return r.Register(ctx)
	}
	return nil
}

// Listen consumes the plugin response topic until ctx is done.
func (r *Registrar) Listen(ctx context.Context) error {
	for {
		in, err := r.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				return nil
			}
			r.logger.Error("receive on plugin response topic", "err", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		r.Handle(ctx, in)
	}
}

// Handle processes one inbound message: pings are answered, everything else
// is decoded as an acknowledgment.
func (r *Registrar) Handle(ctx context.Context, in bus.Inbound) {
	r.logger.Debug("plugin response received", "service", r.ServiceName(), "messageID", in.MessageID, "function", in.Function)

	if in.Function == bus.FunctionPing {
		payload, err := r.codec.Marshal(pingResponse{Method: bus.FunctionPing, Response: "PONG"})
		if err == nil {
			err = r.producer.SendResponse(ctx, payload, in)
		}
		if err != nil {
			r.logger.Error("answer ping", "messageID", in.MessageID, "err", err)
		}
		return
	}

	ack := DecodeAck(r.codec, in.Payload)
	if _, err := r.machine.Submit(ctx, AckReceived{Ack: ack}); err != nil && ctx.Err() == nil {
		r.logger.Error("submit ack", "err", err)
	}
}
