// Package mqtt connects the accident feed to an MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/couchcryptid/accident-enrichment-service/internal/config"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
)

const (
	driver         = "mqtt"
	disconnectWait = 250 // milliseconds
)

// Handler receives every payload delivered by the feed. A non-nil error
// means the message was not consumed and must not be acknowledged.
type Handler interface {
	HandleFeedMessage(ctx context.Context, source string, payload []byte) error
}

// Subscriber listens on FEED_TOPIC. It uses a persistent session and
// re-subscribes on every (re)connect, so QoS 1 and 2 deliveries missed
// while disconnected, or never acknowledged, are redelivered by the broker.
//
// Messages are handled concurrently, each on its own goroutine, so a slow
// hospital lookup does not hold up later deliveries. Arrival order is not
// preserved; the duplicate filter is safe for concurrent use.
type Subscriber struct {
	client  paho.Client
	broker  string
	topic   string
	qos     byte
	handler Handler
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSubscriber builds the client; Run connects it.
func NewSubscriber(cfg *config.Config, handler Handler, logger *slog.Logger, metrics *observability.Metrics) *Subscriber {
	s := &Subscriber{
		broker:  cfg.MQTTBrokerURL(),
		topic:   cfg.FeedTopic,
		qos:     cfg.MQTTQoS,
		handler: handler,
		logger:  logger,
		metrics: metrics,
	}
	opts := clientOptions(cfg, cfg.MQTTClientID).
		SetCleanSession(false).
		SetOrderMatters(false).
		SetAutoAckDisabled(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	s.client = paho.NewClient(opts)
	return s
}

func clientOptions(cfg *config.Config, clientID string) *paho.ClientOptions {
	return paho.NewClientOptions().
		AddBroker(cfg.MQTTBrokerURL()).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetKeepAlive(30 * time.Second)
}

// Run connects to the broker and blocks until ctx is cancelled. Connection
// failures are retried by the client.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("mqtt feed starting", "broker", s.broker, "topic", s.topic, "qos", s.qos)

	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		return nil
	}

	<-ctx.Done()
	s.logger.Info("mqtt feed stopping", "topic", s.topic)
	return nil
}

// Close disconnects from the broker, waiting briefly for in-progress work.
func (s *Subscriber) Close() error {
	s.client.Disconnect(disconnectWait)
	s.metrics.FeedConnected.WithLabelValues(driver).Set(0)
	return nil
}

func (s *Subscriber) onConnect(c paho.Client) {
	s.metrics.FeedConnected.WithLabelValues(driver).Set(1)
	s.logger.Info("mqtt connected, subscribing", "topic", s.topic, "qos", s.qos)

	token := c.Subscribe(s.topic, s.qos, s.onMessage)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.topic, "error", err)
		}
	}()
}

func (s *Subscriber) onConnectionLost(_ paho.Client, err error) {
	s.metrics.FeedConnected.WithLabelValues(driver).Set(0)
	s.logger.Warn("mqtt connection lost", "error", err)
}

// onMessage acknowledges the delivery only once the handler has consumed it.
func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	if msg.Duplicate() {
		s.logger.Debug("mqtt redelivery", "topic", msg.Topic(), "message_id", msg.MessageID())
	}
	if err := s.handler.HandleFeedMessage(context.Background(), driver, msg.Payload()); err != nil {
		s.logger.Warn("mqtt message not acknowledged", "topic", msg.Topic(), "message_id", msg.MessageID(), "error", err)
		return
	}
	msg.Ack()
}
