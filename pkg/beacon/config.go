package beacon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wondertwin-ai/beacon/pkg/flags"
	"github.com/wondertwin-ai/beacon/pkg/kv"
	"github.com/wondertwin-ai/beacon/pkg/telemetry"
)

// Storage drivers accepted by StorageConfig.Driver.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverNone   = "none"
)

// StorageConfig selects the durable store for identity and the retry queue.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a redis:// URL or host:port for redis.
	DSN       string `yaml:"dsn,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// KafkaConfig routes telemetry to Kafka instead of the ingestion endpoint.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic,omitempty"`
}

// Config is the serializable SDK configuration. Durations are Go duration
// strings in YAML ("5m", "1s").
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	FlagTTL        time.Duration `yaml:"flag_ttl"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	RetryQueueMax  int           `yaml:"retry_queue_max"`
	Page           string        `yaml:"page,omitempty"`
	Storage        StorageConfig `yaml:"storage"`
	Kafka          *KafkaConfig  `yaml:"kafka,omitempty"`
}

// DefaultConfig returns the defaults: in-memory storage, 5 minute flag TTL,
// 1 second debounce, 60 second retry interval, 100 queued events.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:12120",
		RequestTimeout: 10 * time.Second,
		FlagTTL:        flags.DefaultTTL,
		FetchTimeout:   flags.DefaultFetchTimeout,
		DebounceWindow: telemetry.DefaultDebounceWindow,
		RetryInterval:  telemetry.DefaultRetryInterval,
		RetryQueueMax:  telemetry.DefaultRetryQueueMax,
		Storage:        StorageConfig{Driver: DriverMemory},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Fields missing from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration errors that would make the SDK unusable.
func (c Config) Validate() error {
	if c.BaseURL == "" && c.Kafka == nil {
		return errors.New("base_url is required")
	}
	switch c.Storage.Driver {
	case "", DriverMemory, DriverNone:
	case DriverSQLite, DriverRedis:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage driver %s requires dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Kafka != nil && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka requires at least one broker")
	}
	return nil
}

// OpenStore opens the store selected by sc. The returned closer releases
// any connection or file handle; it is a no-op for memory and none.
func OpenStore(ctx context.Context, sc StorageConfig) (kv.Store, io.Closer, error) {
	switch sc.Driver {
	case "", DriverMemory:
		return kv.NewMemory(), nopCloser{}, nil
	case DriverNone:
		return kv.Disabled{}, nopCloser{}, nil
	case DriverSQLite:
		s, err := kv.OpenSQLite(sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case DriverRedis:
		client, err := kv.ConnectRedis(sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		s := kv.NewRedis(client, sc.Namespace)
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
