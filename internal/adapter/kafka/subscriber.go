package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/accident-enrichment-service/internal/config"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
)

const (
	driver         = "kafka"
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Handler receives every payload delivered by the feed. A non-nil error
// means the message was not consumed and must not be acknowledged.
type Handler interface {
	HandleFeedMessage(ctx context.Context, source string, payload []byte) error
}

// messageReader is the subset of *kafkago.Reader the subscriber uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Subscriber consumes accident reports from a Kafka topic as part of a
// consumer group. Offsets are committed after the handler returns, so a
// crash redelivers the message.
type Subscriber struct {
	reader  messageReader
	handler Handler
	logger  *slog.Logger
	metrics *observability.Metrics
	topic   string
}

// NewSubscriber creates a consumer-group reader for FEED_TOPIC.
func NewSubscriber(cfg *config.Config, handler Handler, logger *slog.Logger, metrics *observability.Metrics) *Subscriber {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.FeedTopic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  500 * time.Millisecond,
	})
	return newSubscriber(r, cfg.FeedTopic, handler, logger, metrics)
}

func newSubscriber(r messageReader, topic string, handler Handler, logger *slog.Logger, metrics *observability.Metrics) *Subscriber {
	return &Subscriber{
		reader:  r,
		handler: handler,
		logger:  logger,
		metrics: metrics,
		topic:   topic,
	}
}

// Run fetches and handles messages until ctx is cancelled or the reader is
// closed. Fetch errors are retried with exponential backoff.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("kafka feed started", "topic", s.topic)
	connected := s.metrics.FeedConnected.WithLabelValues(driver)
	defer connected.Set(0)

	backoff := initialBackoff
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				s.logger.Info("kafka feed stopping", "topic", s.topic)
				return nil
			}
			connected.Set(0)
			s.logger.Error("kafka fetch failed", "error", err, "topic", s.topic, "backoff", backoff)
			if !retry.SleepWithContext(ctx, backoff) {
				return nil
			}
			backoff = retry.NextBackoff(backoff, maxBackoff)
			continue
		}
		backoff = initialBackoff
		connected.Set(1)

		if err := s.handler.HandleFeedMessage(ctx, driver, msg.Value); err != nil {
			// Uncommitted, so the group redelivers it after restart.
			s.logger.Warn("kafka feed stopping, message not consumed", "error", err,
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
			return nil
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("commit offset failed", "error", err,
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

// Close stops the reader. A blocked Run returns once it observes the close.
func (s *Subscriber) Close() error {
	return s.reader.Close()
}
