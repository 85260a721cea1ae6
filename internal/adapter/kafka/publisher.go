package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/accident-enrichment-service/internal/config"
)

// Publisher produces accident reports to the feed topic.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for FEED_TOPIC.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.FeedTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish writes one report. Reports are keyed by car ID so a vehicle's
// reports stay on one partition, in order.
func (p *Publisher) Publish(ctx context.Context, carID string, payload []byte) error {
	if err := p.writer.WriteMessages(ctx, newMessage(carID, payload, time.Now())); err != nil {
		return fmt.Errorf("publish to %s: %w", p.writer.Topic, err)
	}
	p.logger.Debug("report published", "topic", p.writer.Topic, "car_id", carID)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func newMessage(carID string, payload []byte, sentAt time.Time) kafkago.Message {
	return kafkago.Message{
		Key:   []byte(carID),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "content_type", Value: []byte("application/json")},
			{Key: "sent_at", Value: []byte(sentAt.UTC().Format(time.RFC3339))},
		},
	}
}
