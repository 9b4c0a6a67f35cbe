// Package config loads zfsdash settings from an optional YAML file, a .env
// file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MinCapacity covers the longest dashboard window: one hour at 1 sample/s
const MinCapacity = 3600

// Config is the full application configuration
type Config struct {
	Listen string       `yaml:"listen"`
	Feed   FeedConfig   `yaml:"feed"`
	IOStat IOStatConfig `yaml:"iostat"`
	HTTP   HTTPConfig   `yaml:"http"`
}

// FeedConfig controls how the metrics store reaches the iostat feed
type FeedConfig struct {
	Transport       string        `yaml:"transport"` // websocket | mqtt
	URL             string        `yaml:"url"`
	MQTTBroker      string        `yaml:"mqtt_broker"`
	MQTTTopicPrefix string        `yaml:"mqtt_topic_prefix"`
	Capacity        int           `yaml:"capacity"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	IdleGrace       time.Duration `yaml:"idle_grace"`
}

// IOStatConfig controls the upstream iostat producer
type IOStatConfig struct {
	Source   string        `yaml:"source"` // auto | zpool | disk
	Interval time.Duration `yaml:"interval"`
}

// HTTPConfig holds API middleware settings
type HTTPConfig struct {
	CORSOrigins []string `yaml:"cors_origins"`
	RateLimit   float64  `yaml:"rate_limit"` // requests/sec per IP
	RateBurst   int      `yaml:"rate_burst"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Listen: "localhost:8080",
		Feed: FeedConfig{
			Transport:       "websocket",
			URL:             "ws://localhost:8080/api/ws/iostat",
			MQTTBroker:      "tcp://localhost:1883",
			MQTTTopicPrefix: "zfs/iostat",
			Capacity:        MinCapacity,
			BackoffBase:     time.Second,
			BackoffMax:      30 * time.Second,
			IdleGrace:       10 * time.Second,
		},
		IOStat: IOStatConfig{
			Source:   "auto",
			Interval: time.Second,
		},
		HTTP: HTTPConfig{
			CORSOrigins: []string{"http://localhost:5173"},
			RateLimit:   100,
			RateBurst:   200,
		},
	}
}

// Load reads .env, then the YAML file named by ZFSDASH_CONFIG (if any),
// then applies environment overrides and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err == nil {
		log.Printf("[CONFIG] loaded .env")
	}

	cfg := Default()
	if path := os.Getenv("ZFSDASH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.parseYAML(data); err != nil {
			return nil, err
		}
		log.Printf("[CONFIG] loaded %s", path)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseYAML(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	setString("ZFSDASH_LISTEN", &c.Listen)
	setString("ZFSDASH_FEED_TRANSPORT", &c.Feed.Transport)
	setString("ZFSDASH_FEED_URL", &c.Feed.URL)
	setString("ZFSDASH_MQTT_BROKER", &c.Feed.MQTTBroker)
	setString("ZFSDASH_MQTT_TOPIC_PREFIX", &c.Feed.MQTTTopicPrefix)
	setString("ZFSDASH_IOSTAT_SOURCE", &c.IOStat.Source)

	if v := strings.TrimSpace(getenv("ZFSDASH_BUFFER_CAPACITY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ZFSDASH_BUFFER_CAPACITY: %w", err)
		}
		c.Feed.Capacity = n
	}
	if v := strings.TrimSpace(getenv("ZFSDASH_RATE_LIMIT")); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ZFSDASH_RATE_LIMIT: %w", err)
		}
		c.HTTP.RateLimit = n
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		c.HTTP.CORSOrigins = splitAndTrimCSV(v)
	}

	for key, dst := range map[string]*time.Duration{
		"ZFSDASH_BACKOFF_BASE":    &c.Feed.BackoffBase,
		"ZFSDASH_BACKOFF_MAX":     &c.Feed.BackoffMax,
		"ZFSDASH_IDLE_GRACE":      &c.Feed.IdleGrace,
		"ZFSDASH_IOSTAT_INTERVAL": &c.IOStat.Interval,
	} {
		if err := setDuration(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the store cannot run with
func (c *Config) Validate() error {
	switch c.Feed.Transport {
	case "websocket":
		if c.Feed.URL == "" {
			return fmt.Errorf("feed url must be set for websocket transport")
		}
	case "mqtt":
		if c.Feed.MQTTBroker == "" || c.Feed.MQTTTopicPrefix == "" {
			return fmt.Errorf("mqtt broker and topic prefix must be set for mqtt transport")
		}
	default:
		return fmt.Errorf("unknown feed transport %q", c.Feed.Transport)
	}

	if c.Feed.Capacity < MinCapacity {
		return fmt.Errorf("buffer capacity %d is below %d", c.Feed.Capacity, MinCapacity)
	}
	if c.Feed.BackoffBase <= 0 || c.Feed.BackoffMax < c.Feed.BackoffBase {
		return fmt.Errorf("backoff must satisfy 0 < base <= max (got %v, %v)", c.Feed.BackoffBase, c.Feed.BackoffMax)
	}
	if c.Feed.IdleGrace <= 0 {
		return fmt.Errorf("idle grace must be positive")
	}
	if c.IOStat.Interval < time.Second {
		return fmt.Errorf("iostat interval must be at least 1s")
	}
	return nil
}

func splitAndTrimCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
