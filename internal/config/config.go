package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"gopkg.in/yaml.v3"
)

// Feed drivers accepted by FEED_DRIVER.
const (
	FeedMQTT  = "mqtt"
	FeedKafka = "kafka"
	FeedNATS  = "nats"
	FeedNone  = "none"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all service settings, populated from environment variables
// and, below them, an optional YAML file named by CONFIG_FILE.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	StoreDriver  string
	StoreDSN     string
	StoreTimeout time.Duration

	FeedDriver string
	FeedTopic  string

	MQTTBroker   string
	MQTTPort     int
	MQTTQoS      byte
	MQTTClientID string

	KafkaBrokers []string
	KafkaGroupID string

	NATSURL     string
	NATSStream  string
	NATSDurable string

	// SerpAPI hospital lookup configuration.
	SerpAPIKey       string
	SerpAPIEnabled   bool
	SerpAPIURL       string
	SerpAPITimeout   time.Duration
	SerpAPIQuery     string
	SerpAPIZoom      int
	SerpAPICacheSize int
}

// MQTTBrokerURL returns the broker address in the form paho expects.
func (c *Config) MQTTBrokerURL() string {
	return "tcp://" + net.JoinHostPort(c.MQTTBroker, strconv.Itoa(c.MQTTPort))
}

// Load reads configuration, applying defaults where unset.
func Load() (*Config, error) {
	src, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:  src.get("HTTP_ADDR", ":8080"),
		LogLevel:  src.get("LOG_LEVEL", "info"),
		LogFormat: src.get("LOG_FORMAT", "json"),

		StoreDriver: strings.ToLower(src.get("STORE_DRIVER", StoreSQLite)),
		StoreDSN:    src.get("STORE_DSN", "accidents.db"),

		FeedDriver: strings.ToLower(src.get("FEED_DRIVER", FeedMQTT)),
		FeedTopic:  src.get("FEED_TOPIC", "accident/data"),

		MQTTBroker:   src.get("MQTT_BROKER", "test.mosquitto.org"),
		MQTTClientID: src.get("MQTT_CLIENT_ID", "accident-enrichment"),

		KafkaBrokers: sharedcfg.ParseBrokers(src.get("KAFKA_BROKERS", "localhost:9092")),
		KafkaGroupID: src.get("KAFKA_GROUP_ID", "accident-enrichment"),

		NATSURL:     src.get("NATS_URL", "nats://localhost:4222"),
		NATSStream:  src.get("NATS_STREAM", "ACCIDENTS"),
		NATSDurable: src.get("NATS_DURABLE", "accident-enrichment"),

		SerpAPIKey:   src.get("SERPAPI_KEY", ""),
		SerpAPIURL:   src.get("SERPAPI_URL", "https://serpapi.com/search"),
		SerpAPIQuery: src.get("SERPAPI_QUERY", "hospitals"),
	}

	if cfg.ShutdownTimeout, err = src.duration("SHUTDOWN_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout, err = src.duration("DRAIN_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = src.duration("STORE_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	if cfg.SerpAPITimeout, err = src.duration("SERPAPI_TIMEOUT", "5s"); err != nil {
		return nil, err
	}
	if cfg.MQTTPort, err = src.intInRange("MQTT_PORT", 1883, 1, 65535); err != nil {
		return nil, err
	}
	qos, err := src.intInRange("MQTT_QOS", 2, 0, 2)
	if err != nil {
		return nil, err
	}
	cfg.MQTTQoS = byte(qos)
	if cfg.SerpAPIZoom, err = src.intInRange("SERPAPI_ZOOM", 15, 1, 21); err != nil {
		return nil, err
	}
	if cfg.SerpAPICacheSize, err = src.intInRange("SERPAPI_CACHE_SIZE", 0, 0, 1_000_000); err != nil {
		return nil, err
	}

	cfg.SerpAPIEnabled = cfg.SerpAPIKey != ""
	if v := src.get("SERPAPI_ENABLED", ""); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("invalid SERPAPI_ENABLED: must be true or false")
		}
		cfg.SerpAPIEnabled = enabled
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: must be sqlite or postgres", c.StoreDriver)
	}
	if c.StoreDSN == "" {
		return errors.New("STORE_DSN is required")
	}

	switch c.FeedDriver {
	case FeedNone:
	case FeedMQTT, FeedKafka, FeedNATS:
		if c.FeedTopic == "" {
			return errors.New("FEED_TOPIC is required")
		}
	default:
		return fmt.Errorf("invalid FEED_DRIVER %q: must be mqtt, kafka, nats or none", c.FeedDriver)
	}
	if c.FeedDriver == FeedKafka && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if c.FeedDriver == FeedMQTT && c.MQTTBroker == "" {
		return errors.New("MQTT_BROKER is required")
	}

	if c.SerpAPIEnabled && c.SerpAPIKey == "" {
		return errors.New("SERPAPI_ENABLED is true but SERPAPI_KEY is not set")
	}
	return nil
}

// source resolves a setting from the environment first, then the config
// file, then the default.
type source struct {
	file map[string]string
}

func loadFile(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read CONFIG_FILE: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return source{}, fmt.Errorf("parse CONFIG_FILE: %w", err)
	}

	file := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		file[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return source{file: file}, nil
}

func (s source) get(key, fallback string) string {
	if v, ok := s.file[key]; ok && v != "" {
		fallback = v
	}
	return sharedcfg.EnvOrDefault(key, fallback)
}

func (s source) duration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(s.get(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func (s source) intInRange(key string, fallback, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s.get(key, strconv.Itoa(fallback)))
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be %d-%d", key, lo, hi)
	}
	return n, nil
}
