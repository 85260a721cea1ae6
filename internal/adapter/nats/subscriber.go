package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/couchcryptid/accident-enrichment-service/internal/config"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
)

// Handler receives every payload delivered by the feed. A non-nil error
// means the message was not consumed and must not be acknowledged.
type Handler interface {
	HandleFeedMessage(ctx context.Context, source string, payload []byte) error
}

// Subscriber consumes the feed through a durable JetStream consumer.
// Messages are acknowledged after the handler returns; unacknowledged
// messages are redelivered by the server.
type Subscriber struct {
	url     string
	name    string
	stream  string
	durable string
	subject string
	handler Handler
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	closed  bool
	conn    *nats.Conn
	consume jetstream.ConsumeContext
}

// NewSubscriber prepares a subscriber; Run connects it.
func NewSubscriber(cfg *config.Config, handler Handler, logger *slog.Logger, metrics *observability.Metrics) *Subscriber {
	return &Subscriber{
		url:     cfg.NATSURL,
		name:    cfg.NATSDurable,
		stream:  cfg.NATSStream,
		durable: cfg.NATSDurable,
		subject: Subject(cfg.FeedTopic),
		handler: handler,
		logger:  logger,
		metrics: metrics,
	}
}

// Run connects, binds the durable consumer and blocks until ctx is
// cancelled. It releases the consumer and connection before returning.
func (s *Subscriber) Run(ctx context.Context) error {
	connected := s.metrics.FeedConnected.WithLabelValues(driver)
	conn, err := connect(s.url, s.name, s.logger,
		func() { connected.Set(0) },
		func() { connected.Set(1) },
	)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return fail(fmt.Errorf("jetstream: %w", err))
	}
	if _, err := ensureStream(ctx, js, s.stream, s.subject); err != nil {
		return fail(err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		Durable:       s.durable,
		FilterSubject: s.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fail(fmt.Errorf("create consumer %s: %w", s.durable, err))
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.onMessage(ctx, msg)
	})
	if err != nil {
		return fail(fmt.Errorf("consume %s: %w", s.subject, err))
	}

	if !s.attach(ctx, conn, cc) {
		s.logger.Info("nats feed closed during startup", "subject", s.subject)
		return nil
	}
	defer s.Close() //nolint:errcheck // Close never fails

	connected.Set(1)
	s.logger.Info("nats feed started", "stream", s.stream, "subject", s.subject, "durable", s.durable)

	<-ctx.Done()
	s.logger.Info("nats feed stopping", "subject", s.subject)
	return nil
}

// attach hands the live consumer and connection to Close. If Close already
// ran or ctx is done, it releases both itself and reports false.
func (s *Subscriber) attach(ctx context.Context, conn *nats.Conn, cc jetstream.ConsumeContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || ctx.Err() != nil {
		cc.Stop()
		conn.Close()
		return false
	}
	s.conn, s.consume = conn, cc
	return true
}

// Close stops the consumer and closes the connection. It is safe to call
// more than once and before or during Run.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.consume != nil {
		s.consume.Stop()
		s.consume = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.metrics.FeedConnected.WithLabelValues(driver).Set(0)
	return nil
}

// onMessage acks a consumed message and naks one the handler refused, so
// the server redelivers it.
func (s *Subscriber) onMessage(ctx context.Context, msg jetstream.Msg) {
	if err := s.handler.HandleFeedMessage(ctx, driver, msg.Data()); err != nil {
		s.logger.Warn("nats message not consumed", "subject", msg.Subject(), "error", err)
		if err := msg.Nak(); err != nil {
			s.logger.Warn("nats nak failed", "subject", msg.Subject(), "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		s.logger.Warn("nats ack failed", "subject", msg.Subject(), "error", err)
	}
}
