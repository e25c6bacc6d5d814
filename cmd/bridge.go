// Package cmd holds the bridge's commands and the wiring they share.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/siriusone-bridge/bus"
	"github.com/dhcgn/siriusone-bridge/codec"
	"github.com/dhcgn/siriusone-bridge/config"
	"github.com/dhcgn/siriusone-bridge/imap"
	"github.com/dhcgn/siriusone-bridge/model"
)

func identity(cfg config.Config) model.Identity {
	return model.Identity{
		RegisterClassName: cfg.RegisterClassName,
		ApplicationName:   cfg.ApplicationName,
	}
}

func topics(cfg config.Config) bus.Topics {
	return bus.Topics{
		Exchange: cfg.ExchangeTopic,
		EventBus: cfg.EventBusTopic,
		Response: cfg.ResponseTopic,
	}
}

func imapOptions(cfg config.Config) imap.Options {
	return imap.Options{
		Host:               cfg.MailHost,
		Port:               cfg.MailPort,
		Username:           cfg.MailUser,
		Password:           cfg.MailPassword,
		TLSMode:            cfg.MailTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Subfolder:          cfg.Subfolder,
	}
}

// connection is the bus side of a running bridge. close releases producer
// and consumer; it is safe to call once on every path.
type connection struct {
	producer bus.Producer
	consumer bus.Consumer
	close    func() error
}

// openBus connects the configured transport. Acks are selected for
// serviceName.
func openBus(ctx context.Context, cfg config.Config, c codec.Codec, serviceName string, logger *slog.Logger) (connection, error) {
	switch cfg.Bus {
	case config.BusKafka:
		opts := bus.KafkaOptions{
			Brokers:      cfg.KafkaBrokers,
			Topics:       topics(cfg),
			GroupID:      cfg.KafkaGroupID,
			ContentType:  c.ContentType(),
			WriteTimeout: cfg.SendTimeout,
		}
		if opts.GroupID == "" {
			opts.GroupID = serviceName
		}
		producer, err := bus.NewKafkaProducer(opts, logger)
		if err != nil {
			return connection{}, fmt.Errorf("kafka producer: %w", err)
		}
		consumer, err := bus.NewKafkaConsumer(opts, serviceName)
		if err != nil {
			_ = producer.Close()
			return connection{}, fmt.Errorf("kafka consumer: %w", err)
		}
		logger.Info("kafka bus configured", "brokers", cfg.KafkaBrokers, "exchange", opts.Topics.Exchange, "response", opts.Topics.Response)
		return connection{
			producer: producer,
			consumer: consumer,
			close: func() error {
				return errors.Join(consumer.Close(), producer.Close())
			},
		}, nil

	case config.BusMQTT:
		client, err := bus.NewMQTT(bus.MQTTOptions{
			BrokerURL:   cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			QoS:         byte(cfg.MQTTQoS),
			Topics:      topics(cfg),
			ServiceName: serviceName,
			ContentType: c.ContentType(),
		}, logger)
		if err != nil {
			return connection{}, fmt.Errorf("mqtt client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			_ = client.Close()
			return connection{}, fmt.Errorf("mqtt connect: %w", err)
		}
		return connection{producer: client, consumer: client, close: client.Close}, nil

	case config.BusMemory:
		m := bus.NewMemory()
		logger.Warn("memory bus configured, reports are kept in process and no acknowledgments arrive")
		return connection{producer: m, consumer: m, close: m.Close}, nil
	}
	return connection{}, fmt.Errorf("unknown bus %q", cfg.Bus)
}
