// Command sendreport publishes an accident report to the running service,
// either through the configured subscribe feed or over HTTP. It reads the
// same environment as accidentd.
//
// Usage:
//
//	go run ./cmd/sendreport -car-id V1 -lat 37.77 -lon -122.41
//	go run ./cmd/sendreport -driver http -url http://localhost:8080 -repeat 2
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	kafkaadapter "github.com/couchcryptid/accident-enrichment-service/internal/adapter/kafka"
	mqttadapter "github.com/couchcryptid/accident-enrichment-service/internal/adapter/mqtt"
	natsadapter "github.com/couchcryptid/accident-enrichment-service/internal/adapter/nats"
	"github.com/couchcryptid/accident-enrichment-service/internal/config"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
)

type publisher interface {
	Publish(ctx context.Context, carID string, payload []byte) error
	Close() error
}

type report struct {
	CarID     string  `json:"car_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp,omitempty"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	driver := flag.String("driver", "", "mqtt, kafka, nats or http (default FEED_DRIVER)")
	baseURL := flag.String("url", "http://localhost:8080", "service base URL for -driver http")
	carID := flag.String("car-id", "V1", "vehicle identifier")
	lat := flag.Float64("lat", 37.7749, "latitude")
	lon := flag.Float64("lon", -122.4194, "longitude")
	timestamp := flag.String("timestamp", "", `observation time, "YYYY-MM-DD HH:MM:SS" UTC (default: assigned on receipt)`)
	repeat := flag.Int("repeat", 1, "send the same report this many times")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *driver == "" {
		*driver = cfg.FeedDriver
	}
	logger := observability.NewLogger(cfg)

	payload, err := json.Marshal(report{CarID: *carID, Latitude: *lat, Longitude: *lon, Timestamp: *timestamp})
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pub, err := newPublisher(ctx, strings.ToLower(*driver), *baseURL, cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	for i := 0; i < *repeat; i++ {
		if err := pub.Publish(ctx, *carID, payload); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "sent %s via %s\n", payload, *driver)
	}
	return nil
}

func newPublisher(ctx context.Context, driver, baseURL string, cfg *config.Config, logger *slog.Logger) (publisher, error) {
	switch driver {
	case config.FeedMQTT:
		return mqttadapter.NewPublisher(ctx, cfg, logger)
	case config.FeedKafka:
		return kafkaadapter.NewPublisher(cfg, logger), nil
	case config.FeedNATS:
		return natsadapter.NewPublisher(ctx, cfg, logger)
	case "http":
		return &httpPublisher{url: strings.TrimRight(baseURL, "/") + "/api/accident", client: &http.Client{Timeout: 10 * time.Second}}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

type httpPublisher struct {
	url    string
	client *http.Client
}

func (p *httpPublisher) Publish(ctx context.Context, _ string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	fmt.Fprintf(os.Stdout, "%d %v\n", resp.StatusCode, body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("service rejected report: status %d", resp.StatusCode)
	}
	return nil
}

func (p *httpPublisher) Close() error { return nil }
