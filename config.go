// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package windlass

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/windlass-io/windlass/internal/log"
	"github.com/windlass-io/windlass/pkg/errors"
)

// Config tunes one engine instance. The zero value is usable; Load and
// FromEnv fill it from a YAML file and the environment.
type Config struct {
	// DatabaseURL is the Postgres connection string. Required by Open;
	// ignored when store and queue are injected through New.
	// Environment: WINDLASS_DATABASE_URL
	DatabaseURL string `yaml:"database_url,omitempty"`

	// Workers is the number of parallel dispatcher workers on the shared
	// run queue.
	// Default: 3
	Workers int `yaml:"workers,omitempty"`

	// JobExpiration bounds how long a claimed dispatch job may stay
	// active before the queue considers it abandoned and redelivers.
	// Default: 300s
	JobExpiration time.Duration `yaml:"job_expiration,omitempty"`

	// PollInterval is the queue subscriber polling interval.
	// Default: 500ms
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// BatchSize is how many jobs one poll may claim.
	// Default: 1
	BatchSize int `yaml:"batch_size,omitempty"`

	// LogLevel and LogFormat configure the engine logger when none is
	// injected (debug/info/warn/error, json/text).
	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       3,
		JobExpiration: 300 * time.Second,
		PollInterval:  500 * time.Millisecond,
		BatchSize:     1,
	}
}

// buildLogger constructs the engine logger from the config, with the
// environment as the base.
func (c Config) buildLogger() *slog.Logger {
	lc := log.FromEnv()
	if c.LogLevel != "" {
		lc.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		lc.Format = log.Format(c.LogFormat)
	}
	return log.New(lc)
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.JobExpiration <= 0 {
		c.JobExpiration = d.JobExpiration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// LoadConfig reads a YAML config file and applies environment overrides
// on top of it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &errors.ConfigError{Key: path, Reason: "cannot read config file", Cause: err}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &errors.ConfigError{Key: path, Reason: "cannot parse config file", Cause: err}
	}
	return cfg.FromEnv()
}

// FromEnv applies WINDLASS_* environment overrides.
func (c Config) FromEnv() (Config, error) {
	if v := os.Getenv("WINDLASS_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("WINDLASS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c, &errors.ConfigError{
				Key:    "WINDLASS_WORKERS",
				Reason: fmt.Sprintf("must be a positive integer, got %q", v),
				Cause:  err,
			}
		}
		c.Workers = n
	}
	if v := os.Getenv("WINDLASS_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return c, &errors.ConfigError{
				Key:    "WINDLASS_POLL_INTERVAL",
				Reason: fmt.Sprintf("must be a positive duration, got %q", v),
				Cause:  err,
			}
		}
		c.PollInterval = d
	}
	return c, nil
}
