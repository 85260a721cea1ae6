package mqtt

import (
	"context"
	"fmt"
	"log/slog"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/couchcryptid/accident-enrichment-service/internal/config"
)

// Publisher sends accident reports to FEED_TOPIC.
type Publisher struct {
	client paho.Client
	topic  string
	qos    byte
	logger *slog.Logger
}

// NewPublisher connects a publishing client to the broker.
func NewPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Publisher, error) {
	opts := clientOptions(cfg, cfg.MQTTClientID+"-publisher").SetConnectRetry(false)
	client := paho.NewClient(opts)

	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &Publisher{client: client, topic: cfg.FeedTopic, qos: cfg.MQTTQoS, logger: logger}, nil
}

// Publish sends one report and waits for the broker to acknowledge it at
// the configured QoS.
func (p *Publisher) Publish(ctx context.Context, carID string, payload []byte) error {
	if err := wait(ctx, p.client.Publish(p.topic, p.qos, false, payload)); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	p.logger.Debug("report published", "topic", p.topic, "car_id", carID)
	return nil
}

func (p *Publisher) Close() error {
	p.client.Disconnect(disconnectWait)
	return nil
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
