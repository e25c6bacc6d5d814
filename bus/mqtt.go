package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	Topics      Topics
	ServiceName string
	ContentType string
}

// envelope carries the bus metadata that Kafka keeps in headers; MQTT 3.1.1
// has no user properties.
type envelope struct {
	MessageID     string `json:"messageId"`
	CorrelationID string `json:"correlationId,omitempty"`
	Function      string `json:"function,omitempty"`
	ServiceName   string `json:"serviceName,omitempty"`
	ReplyTo       string `json:"replyTo,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	Payload       []byte `json:"payload"`
}

// MQTT is both Producer and Consumer over one broker connection. Inbound
// messages on the response topic are buffered until Receive picks them up.
type MQTT struct {
	opts    MQTTOptions
	client  mqtt.Client
	inbound chan Inbound
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func NewMQTT(opts MQTTOptions, logger *slog.Logger) (*MQTT, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt broker url is empty")
	}
	if opts.Topics.Exchange == "" || opts.Topics.EventBus == "" {
		return nil, fmt.Errorf("mqtt exchange and event bus topics are required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "siriusone-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &MQTT{
		opts:    opts,
		inbound: make(chan Inbound, 64),
		done:    make(chan struct{}),
		logger:  logger,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.OnConnect = func(c mqtt.Client) {
		logger.Info("connected to mqtt broker", "broker", opts.BrokerURL)
		if opts.Topics.Response == "" {
			return
		}
		if token := c.Subscribe(opts.Topics.Response, opts.QoS, m.handle); token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe failed", "topic", opts.Topics.Response, "err", token.Error())
		}
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "err", err)
	}

	m.client = mqtt.NewClient(clientOpts)
	return m, nil
}

// Connect blocks until the broker accepted the connection, retrying with
// exponential backoff until ctx is done.
func (m *MQTT) Connect(ctx context.Context) error {
	backoff := 2 * time.Second
	const maxBackoff = 30 * time.Second
	for {
		token := m.client.Connect()
		if err := waitToken(ctx, token); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			m.logger.Warn("mqtt connect failed", "err", err, "retry", backoff)
		}
		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *MQTT) handle(_ mqtt.Client, msg mqtt.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		m.logger.Warn("dropping malformed mqtt envelope", "topic", msg.Topic(), "err", err)
		return
	}
	if env.ServiceName != "" && m.opts.ServiceName != "" && env.ServiceName != m.opts.ServiceName {
		return
	}
	in := Inbound{
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Function:      env.Function,
		ServiceName:   env.ServiceName,
		Payload:       env.Payload,
	}
	select {
	case m.inbound <- in:
	case <-m.done:
	}
}

func (m *MQTT) Send(ctx context.Context, payload []byte, function string) (string, error) {
	return m.publish(ctx, m.opts.Topics.Exchange, envelope{Function: function, Payload: payload})
}

func (m *MQTT) SendEvent(ctx context.Context, payload []byte, serviceName, function string) (string, error) {
	return m.publish(ctx, m.opts.Topics.EventBus, envelope{
		Function:    function,
		ServiceName: serviceName,
		ReplyTo:     m.opts.Topics.Response,
		Payload:     payload,
	})
}

func (m *MQTT) SendResponse(ctx context.Context, payload []byte, request Inbound) error {
	if request.ReplyTo == "" {
		return fmt.Errorf("request %s has no reply address", request.MessageID)
	}
	_, err := m.publish(ctx, request.ReplyTo, envelope{CorrelationID: request.MessageID, Payload: payload})
	return err
}

func (m *MQTT) publish(ctx context.Context, topic string, env envelope) (string, error) {
	env.MessageID = uuid.NewString()
	env.ContentType = m.opts.ContentType
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("mqtt envelope: %w", err)
	}
	if err := waitToken(ctx, m.client.Publish(topic, m.opts.QoS, false, data)); err != nil {
		return "", fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	m.logger.Debug("mqtt message sent", "topic", topic, "messageID", env.MessageID, "size", len(env.Payload))
	return env.MessageID, nil
}

func (m *MQTT) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-m.inbound:
		return in, nil
	case <-m.done:
		return Inbound{}, ErrClosed
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

// Close disconnects once; later calls are no-ops.
func (m *MQTT) Close() error {
	m.once.Do(func() {
		close(m.done)
		if m.client.IsConnected() {
			m.client.Disconnect(250)
		}
	})
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
