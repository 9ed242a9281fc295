// Package config loads server configuration in three layers — defaults,
// environment variables, functional options — each layer overriding
// the last.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// Config holds every recognized server option, loaded from the
// environment and overridable by functional options.
type Config struct {
	MaxParallelSteps int `env:"MAX_PARALLEL_STEPS" default:"10"`
	MaxRetries int `env:"MAX_RETRIES" default:"3"`
	RetryBaseMs int `env:"RETRY_BASE_MS" default:"250"`
	StepTimeoutMsDefault int `env:"STEP_TIMEOUT_MS_DEFAULT" default:"60000"`

	RateLimitMaxPerInterval int `env:"RATE_LIMIT_MAX_PER_INTERVAL" default:"10"`
	RateLimitIntervalMs int `env:"RATE_LIMIT_INTERVAL_MS" default:"1000"`

	StreamHost string `env:"STREAM_HOST" default:"0.0.0.0"`
	StreamPort int `env:"STREAM_PORT" default:"8090"`
	StreamToken string `env:"STREAM_TOKEN" default:""`
	StreamBroadcastMs int `env:"STREAM_BROADCAST_MS" default:"1000"`
	StreamMaxBufferBytes int `env:"STREAM_MAX_BUFFERED_BYTES" default:"524288"`

	MetricsPort int `env:"METRICS_PORT" default:"9090"`

	HistorySize int `env:"HISTORY_SIZE" default:"100"`

	LogLevel string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:""`

	// ConfigFile, when set, is watched for live overlay of LogLevel,
	// RateLimitMaxPerInterval/IntervalMs and StreamBroadcastMs.
	ConfigFile string `env:"CONFIG_FILE" default:""`
}

// Option mutates a Config after env loading; functional options always
// win over environment variables.
type Option func(*Config)

func WithMaxParallelSteps(n int) Option { return func(c *Config) { c.MaxParallelSteps = n } }
func WithStreamToken(tok string) Option { return func(c *Config) { c.StreamToken = tok } }
func WithStreamPort(p int) Option { return func(c *Config) { c.StreamPort = p } }
func WithMetricsPort(p int) Option { return func(c *Config) { c.MetricsPort = p } }
func WithLogLevel(lvl string) Option { return func(c *Config) { c.LogLevel = lvl } }
func WithHistorySize(n int) Option { return func(c *Config) { c.HistorySize = n } }

const envPrefix = "A2A_"

// Load builds a Config from field defaults, then environment variables
// (prefixed A2A_, e.g. A2A_MAX_PARALLEL_STEPS), then the supplied options.
func Load(opts...Option) (*Config, error) {
	cfg := &Config{}
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the few hard floors call out explicitly.
func (c *Config) Validate() error {
	if c.StreamBroadcastMs < 250 {
		c.StreamBroadcastMs = 250
	}
	if c.MaxParallelSteps < 1 {
		return fmt.Errorf("maxParallelSteps must be >= 1")
	}
	if c.RateLimitMaxPerInterval < 1 {
		return fmt.Errorf("rateLimit.maxPerInterval must be >= 1")
	}
	return nil
}

func (c *Config) RateLimitInterval() time.Duration {
	return time.Duration(c.RateLimitIntervalMs) * time.Millisecond
}

func (c *Config) StepTimeoutDefault() time.Duration {
	return time.Duration(c.StepTimeoutMsDefault) * time.Millisecond
}

func (c *Config) BroadcastPeriod() time.Duration {
	return time.Duration(c.StreamBroadcastMs) * time.Millisecond
}

func applyDefaults(cfg *Config) error {
	return walkFields(cfg, func(fv reflect.Value, _ string, def string) error {
		if def == "" {
			return nil
		}
		return setFieldFromString(fv, def)
	})
}

func applyEnv(cfg *Config) error {
	return walkFields(cfg, func(fv reflect.Value, envTag string, _ string) error {
		if envTag == "" {
			return nil
		}
		raw, ok := os.LookupEnv(envPrefix + envTag)
		if !ok {
			return nil
		}
		return setFieldFromString(fv, raw)
	})
}

func walkFields(cfg *Config, fn func(fv reflect.Value, envTag, def string) error) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if err := fn(v.Field(i), f.Tag.Get("env"), f.Tag.Get("default")); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return nil
}

func setFieldFromString(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}
