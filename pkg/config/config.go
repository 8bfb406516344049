package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Substrate kinds
const (
	SubstrateMemory = "memory"
	SubstrateRedis  = "redis"
	SubstrateHTTP   = "http"
)

// Dedup guard kinds
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

// Config is the complete parley server configuration
type Config struct {
	NodeID        string `yaml:"node_id"`
	DataDir       string `yaml:"data_dir"`
	HTTPAddr      string `yaml:"http_addr"`
	GRPCAddr      string `yaml:"grpc_addr"`
	RaftAddr      string `yaml:"raft_addr"`
	InternalToken string `yaml:"internal_token"`

	Log       LogConfig       `yaml:"log"`
	Substrate SubstrateConfig `yaml:"substrate"`
	Publisher PublisherConfig `yaml:"publisher"`
	Queue     QueueConfig     `yaml:"queue"`
	Dedup     DedupConfig     `yaml:"dedup"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SubstrateConfig selects where published notices go
type SubstrateConfig struct {
	Kind  string      `yaml:"kind"`
	Redis RedisConfig `yaml:"redis"`
	HTTP  HTTPConfig  `yaml:"http"`
}

// RedisConfig configures the Redis stream substrate and the Redis dedup guard
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	StreamPrefix string        `yaml:"stream_prefix"`
	Shards       int           `yaml:"shards"`
	OwnedShards  []int         `yaml:"owned_shards"`
	Group        string        `yaml:"group"`
	Consumer     string        `yaml:"consumer"`
	Block        time.Duration `yaml:"block"`
	// MaxLen caps a shard stream's length; a publish into a full stream fails
	// instead of evicting entries, and acknowledged entries only leave it
	// when trimmed. Zero means no cap.
	MaxLen int64 `yaml:"max_len"`
	// TrimInterval is how often acknowledged entries are trimmed from the
	// owned shard streams; zero disables trimming
	TrimInterval time.Duration `yaml:"trim_interval"`
}

// HTTPConfig points a publishing process at the remote event servers
type HTTPConfig struct {
	URLs []string `yaml:"urls"`
}

// PublisherConfig bounds a single publish call
type PublisherConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RetryInitial   time.Duration `yaml:"retry_initial"`
	RetryMax       time.Duration `yaml:"retry_max"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// QueueConfig configures the event queue registry
type QueueConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxLifespan       time.Duration `yaml:"max_lifespan"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxEvents         int           `yaml:"max_events"`
	GCInterval        time.Duration `yaml:"gc_interval"`
	DedupWindow       int           `yaml:"dedup_window"`
}

// DedupConfig configures the request idempotency guard
type DedupConfig struct {
	Kind string        `yaml:"kind"`
	TTL  time.Duration `yaml:"ttl"`
}

// Default returns a configuration suitable for a single-node development server
func Default() *Config {
	return &Config{
		NodeID:   "parley-1",
		DataDir:  "./parley-data",
		HTTPAddr: "127.0.0.1:9991",
		GRPCAddr: "127.0.0.1:9992",
		RaftAddr: "127.0.0.1:9993",
		Log: LogConfig{
			Level: "info",
		},
		Substrate: SubstrateConfig{
			Kind: SubstrateMemory,
			Redis: RedisConfig{
				Addr:         "127.0.0.1:6379",
				StreamPrefix: "parley:events",
				Shards:       1,
				Group:        "parley",
				Consumer:     "parley-1",
				Block:        2 * time.Second,
				TrimInterval: 30 * time.Second,
			},
		},
		Publisher: PublisherConfig{
			AttemptTimeout: 2 * time.Second,
			RetryInitial:   50 * time.Millisecond,
			RetryMax:       2 * time.Second,
			MaxAttempts:    5,
		},
		Queue: QueueConfig{
			IdleTimeout:       10 * time.Minute,
			MaxLifespan:       7 * 24 * time.Hour,
			HeartbeatInterval: 45 * time.Second,
			MaxEvents:         10000,
			GCInterval:        time.Minute,
			DedupWindow:       4096,
		},
		Dedup: DedupConfig{
			Kind: DedupMemory,
			TTL:  24 * time.Hour,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}

	switch c.Substrate.Kind {
	case SubstrateMemory:
	case SubstrateRedis:
		if c.Substrate.Redis.Addr == "" {
			return fmt.Errorf("substrate.redis.addr is required for the redis substrate")
		}
		if c.Substrate.Redis.Shards <= 0 {
			return fmt.Errorf("substrate.redis.shards must be positive, got %d", c.Substrate.Redis.Shards)
		}
		if c.Substrate.Redis.MaxLen < 0 || c.Substrate.Redis.TrimInterval < 0 {
			return fmt.Errorf("substrate.redis.max_len and trim_interval must not be negative")
		}
		for _, s := range c.Substrate.Redis.OwnedShards {
			if s < 0 || s >= c.Substrate.Redis.Shards {
				return fmt.Errorf("substrate.redis.owned_shards: shard %d out of range [0,%d)", s, c.Substrate.Redis.Shards)
			}
		}
	case SubstrateHTTP:
		if len(c.Substrate.HTTP.URLs) == 0 {
			return fmt.Errorf("substrate.http.urls is required for the http substrate")
		}
		for _, u := range c.Substrate.HTTP.URLs {
			if u == "" {
				return fmt.Errorf("substrate.http.urls: empty url")
			}
		}
	default:
		return fmt.Errorf("unknown substrate kind %q", c.Substrate.Kind)
	}

	switch c.Dedup.Kind {
	case DedupMemory, DedupRedis:
	default:
		return fmt.Errorf("unknown dedup kind %q", c.Dedup.Kind)
	}
	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("dedup.ttl must be positive")
	}

	p := c.Publisher
	if p.AttemptTimeout <= 0 || p.RetryInitial <= 0 || p.RetryMax <= 0 {
		return fmt.Errorf("publisher timeouts must be positive")
	}
	if p.RetryMax < p.RetryInitial {
		return fmt.Errorf("publisher.retry_max (%s) is below retry_initial (%s)", p.RetryMax, p.RetryInitial)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("publisher.max_attempts must be positive")
	}

	q := c.Queue
	if q.IdleTimeout <= 0 || q.HeartbeatInterval <= 0 || q.GCInterval <= 0 {
		return fmt.Errorf("queue intervals must be positive")
	}
	if q.MaxLifespan < q.IdleTimeout {
		return fmt.Errorf("queue.max_lifespan must be at least queue.idle_timeout")
	}
	if q.MaxEvents <= 0 {
		return fmt.Errorf("queue.max_events must be positive")
	}
	return nil
}
