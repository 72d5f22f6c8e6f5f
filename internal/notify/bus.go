package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rskumar/orderflow/internal/engine"
	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/telemetry"
	"github.com/rskumar/orderflow/pkg/schema"
)

// Metadata keys set on every bus message.
const (
	MetadataChannel     = "orderflow_channel"
	MetadataExecutionID = "orderflow_execution_id"
)

// DefaultTopics name the bus topic of each channel.
var DefaultTopics = map[schema.Channel]string{
	schema.ChannelSuccess: "orderflow.notifications.success",
	schema.ChannelFailure: "orderflow.notifications.failure",
}

// Bus publishes notifications as JSON messages on a watermill publisher,
// carrying the trace context in the metadata.
type Bus struct {
	publisher message.Publisher
	topics    map[schema.Channel]string
	now       func() time.Time
}

// NewBus creates a Bus. Nil topics use DefaultTopics.
func NewBus(publisher message.Publisher, topics map[schema.Channel]string) *Bus {
	if topics == nil {
		topics = DefaultTopics
	}
	return &Bus{publisher: publisher, topics: topics, now: func() time.Time { return time.Now().UTC() }}
}

func (b *Bus) Publish(ctx context.Context, channel schema.Channel, subject, text string) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	n := Notification{
		ID:          watermill.NewULID(),
		Channel:     channel,
		Subject:     subject,
		Message:     text,
		ExecutionID: logging.ExecutionID(ctx),
		RunID:       logging.RunID(ctx),
		PublishedAt: b.now(),
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	msg := message.NewMessage(n.ID, payload)
	msg.Metadata.Set(MetadataChannel, string(channel))
	if n.ExecutionID != "" {
		msg.Metadata.Set(MetadataExecutionID, n.ExecutionID)
	}
	telemetry.Inject(ctx, msg.Metadata)
	msg.SetContext(ctx)

	topic := b.topics[channel]
	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (b *Bus) Close() error { return b.publisher.Close() }

// NewGoChannel returns an in-process pub/sub, used when no broker is
// configured and in tests.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))
}

// NewKafkaPublisher connects a watermill publisher to the given brokers.
func NewKafkaPublisher(brokers []string, logger *slog.Logger) (message.Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 3

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
		},
		watermill.NewSlogLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}
	return publisher, nil
}

var _ engine.Notifier = (*Bus)(nil)
