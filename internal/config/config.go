// Package config loads the pipeline's configuration surface: YAML file
// merged with environment variables (prefix KPIPE__, delimiter __).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const SupportedSchema = "v1"

type Broker struct {
	Brokers         []string `koanf:"brokers"`
	GroupID         string   `koanf:"group_id"`
	AutoOffsetReset string   `koanf:"auto_offset_reset"` // earliest|latest
	Version         string   `koanf:"version"`
	TLSEn           bool     `koanf:"tls_enabled"`
	SASLUser        string   `koanf:"sasl_user"`
	SASLPass        string   `koanf:"sasl_pass"`
}

type Commit struct {
	MaxBatchSize int           `koanf:"max_batch_size"`
	Window       time.Duration `koanf:"window"`
	Parallelism  int           `koanf:"parallelism"`
}

type Consumer struct {
	MaxConcurrentPartitions int `koanf:"max_concurrent_partitions"`
	Buffer                  int `koanf:"buffer"` // per-partition channel depth
}

type Restart struct {
	MinBackoff      time.Duration `koanf:"min_backoff"`
	MaxBackoff      time.Duration `koanf:"max_backoff"`
	RandomFactor    float64       `koanf:"random_factor"`
	ResetAfter      time.Duration `koanf:"reset_after"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type Config struct {
	Broker   Broker   `koanf:"broker"`
	Commit   Commit   `koanf:"commit"`
	Consumer Consumer `koanf:"consumer"`
	Restart  Restart  `koanf:"restart"`
}

// Load merges YAML (if present) with env-vars
// (prefix `KPIPE__`, delimiter `__`).
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	_ = k.Load(env.Provider("KPIPE__", "__", nil), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Broker.AutoOffsetReset == "" {
		c.Broker.AutoOffsetReset = "latest"
	}
	if c.Commit.MaxBatchSize == 0 {
		c.Commit.MaxBatchSize = 1000
	}
	if c.Commit.Window == 0 {
		c.Commit.Window = 10 * time.Second
	}
	if c.Commit.Parallelism == 0 {
		c.Commit.Parallelism = 1
	}
	if c.Consumer.MaxConcurrentPartitions == 0 {
		c.Consumer.MaxConcurrentPartitions = 32
	}
	if c.Consumer.Buffer == 0 {
		c.Consumer.Buffer = 16
	}
	if c.Restart.MinBackoff == 0 {
		c.Restart.MinBackoff = 3 * time.Second
	}
	if c.Restart.MaxBackoff == 0 {
		c.Restart.MaxBackoff = 30 * time.Second
	}
	if c.Restart.RandomFactor == 0 {
		c.Restart.RandomFactor = 0.2
	}
	if c.Restart.ResetAfter == 0 {
		c.Restart.ResetAfter = 5 * time.Minute
	}
	if c.Restart.ShutdownTimeout == 0 {
		c.Restart.ShutdownTimeout = 30 * time.Second
	}
}

// Validate reports every missing required field at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.Broker.Brokers) == 0 {
		errs = append(errs, errors.New("config: at least one broker must be set"))
	}
	if c.Broker.GroupID == "" {
		errs = append(errs, errors.New("config: consumer group_id must be set"))
	}
	if r := c.Broker.AutoOffsetReset; r != "earliest" && r != "latest" {
		errs = append(errs, fmt.Errorf("config: auto_offset_reset %q not in {earliest, latest}", r))
	}
	return errors.Join(errs...)
}
