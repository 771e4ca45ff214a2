// Package config loads graphcache settings from YAML with environment
// overrides, and validates them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Network NetworkConfig `yaml:"network"`
	Log     LogConfig     `yaml:"log"`
	Otel    OtelConfig    `yaml:"otel"`
}

type CacheConfig struct {
	MaxSizeBytes int           `yaml:"maxSizeBytes" validate:"gt=0"`
	ExpireAfter  time.Duration `yaml:"expireAfter" validate:"gte=0"`
	ReadMode     string        `yaml:"readMode" validate:"oneof=batch sequential"`
	// Resolver is "default" for path keys only or "id" for __typename:id keys.
	Resolver  string              `yaml:"resolver" validate:"oneof=default id"`
	KeyFields map[string][]string `yaml:"keyFields" validate:"dive,min=1"`
}

type FetchConfig struct {
	Policy string `yaml:"policy" validate:"oneof=cache-first cache-only network-only network-first"`
}

type NetworkConfig struct {
	Endpoint     string            `yaml:"endpoint" validate:"omitempty,url"`
	Timeout      time.Duration     `yaml:"timeout" validate:"gte=0"`
	MaxBodyBytes int64             `yaml:"maxBodyBytes" validate:"gte=0"`
	Dedup        bool              `yaml:"dedup"`
	Headers      map[string]string `yaml:"headers"`
	Breaker      BreakerConfig     `yaml:"breaker"`
}

// BreakerConfig configures the network circuit breaker. MinRequests 0
// disables it.
type BreakerConfig struct {
	MinRequests      uint32        `yaml:"minRequests"`
	FailureThreshold float64       `yaml:"failureThreshold" validate:"gte=0,lte=1"`
	Interval         time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout          time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxRequests      uint32        `yaml:"maxRequests"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type OtelConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string `yaml:"endpoint" validate:"omitempty,hostname_port"`
	Service  string `yaml:"service" validate:"required_with=Endpoint"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxSizeBytes: 10 << 20,
			ReadMode:     "batch",
			Resolver:     "default",
		},
		Fetch: FetchConfig{Policy: "cache-first"},
		Network: NetworkConfig{
			Timeout: 30 * time.Second,
			Dedup:   true,
			Breaker: BreakerConfig{
				MinRequests:      5,
				FailureThreshold: 0.8,
				Interval:         30 * time.Second,
				Timeout:          60 * time.Second,
				MaxRequests:      1,
			},
		},
		Log:  LogConfig{Level: "info"},
		Otel: OtelConfig{Service: "graphcache"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.decode(b); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(b []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides settings from GRAPHCACHE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("GRAPHCACHE_ENDPOINT"); ok {
		c.Network.Endpoint = v
	}
	if v, ok := lookup("GRAPHCACHE_FETCH_POLICY"); ok {
		c.Fetch.Policy = v
	}
	if v, ok := lookup("GRAPHCACHE_READ_MODE"); ok {
		c.Cache.ReadMode = v
	}
	if v, ok := lookup("GRAPHCACHE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("GRAPHCACHE_OTEL_ENDPOINT"); ok {
		c.Otel.Endpoint = v
	}
	if v, ok := lookup("GRAPHCACHE_CACHE_MAX_SIZE_BYTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: GRAPHCACHE_CACHE_MAX_SIZE_BYTES: %w", err)
		}
		c.Cache.MaxSizeBytes = n
	}
	if v, ok := lookup("GRAPHCACHE_NETWORK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: GRAPHCACHE_NETWORK_TIMEOUT: %w", err)
		}
		c.Network.Timeout = d
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required", "required_with":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gt", "gte", "lte", "min":
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
