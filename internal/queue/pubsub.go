package queue

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Drivers.
const (
	DriverMemory = "memory"
	DriverKafka  = "kafka"
)

// Config selects and configures the transport.
type Config struct {
	Driver        string   `yaml:"driver" validate:"oneof=memory kafka"`
	Topic         string   `yaml:"topic"`
	Brokers       []string `yaml:"brokers" validate:"required_if=Driver kafka"`
	ConsumerGroup string   `yaml:"consumer_group"`
	// Buffer is the in-memory output channel size.
	Buffer int `yaml:"buffer" validate:"gte=0"`
}

// DefaultConfig returns an in-memory transport on DefaultTopic.
func DefaultConfig() Config {
	return Config{
		Driver:        DriverMemory,
		Topic:         DefaultTopic,
		ConsumerGroup: "nodeflow-workers",
		Buffer:        1000,
	}
}

// NewPubSub builds the publisher and subscriber for cfg.Driver.
func NewPubSub(cfg Config, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	wlog := watermill.NewSlogLogger(logger)

	switch cfg.Driver {
	case "", DriverMemory:
		// A single GoChannel is both publisher and subscriber.
		pubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(cfg.Buffer),
		}, wlog)
		return pubSub, pubSub, nil
	case DriverKafka:
		return newKafkaPubSub(cfg, wlog)
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func newKafkaPubSub(cfg Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, nil, errors.New("kafka driver requires at least one broker")
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "nodeflow-workers"
	}

	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         group,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka subscriber: %w", err)
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()
		return nil, nil, fmt.Errorf("kafka publisher: %w", err)
	}

	return publisher, subscriber, nil
}
