package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/couchcryptid/accident-enrichment-service/internal/config"
)

// Publisher publishes accident reports to the feed stream.
type Publisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger
}

// NewPublisher connects and makes sure the stream exists.
func NewPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Publisher, error) {
	conn, err := connect(cfg.NATSURL, cfg.NATSDurable+"-publisher", logger, nil, nil)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	subject := Subject(cfg.FeedTopic)
	if _, err := ensureStream(ctx, js, cfg.NATSStream, subject); err != nil {
		conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, js: js, subject: subject, logger: logger}, nil
}

// Publish stores one report in the stream and waits for the server ack.
func (p *Publisher) Publish(ctx context.Context, carID string, payload []byte) error {
	ack, err := p.js.Publish(ctx, p.subject, payload)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	p.logger.Debug("report published", "subject", p.subject, "car_id", carID, "seq", ack.Sequence)
	return nil
}

func (p *Publisher) Close() error {
	p.conn.Close()
	return nil
}
