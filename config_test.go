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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "windlass.yaml")
	data := `
database_url: postgres://localhost/windlass
workers: 8
poll_interval: 250ms
job_expiration: 10m
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/windlass", cfg.DatabaseURL)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.JobExpiration)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unset keys keep the documented defaults.
	assert.Equal(t, 1, cfg.BatchSize)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("WINDLASS_DATABASE_URL", "postgres://env/db")
	t.Setenv("WINDLASS_WORKERS", "5")
	t.Setenv("WINDLASS_POLL_INTERVAL", "50ms")

	cfg, err := DefaultConfig().FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
}

func TestConfigFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric workers", "WINDLASS_WORKERS", "many"},
		{"zero workers", "WINDLASS_WORKERS", "0"},
		{"bad poll interval", "WINDLASS_POLL_INTERVAL", "soon"},
		{"negative poll interval", "WINDLASS_POLL_INTERVAL", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := DefaultConfig().FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	tuned := Config{Workers: 1, PollInterval: time.Second}.withDefaults()
	assert.Equal(t, 1, tuned.Workers)
	assert.Equal(t, time.Second, tuned.PollInterval)
	assert.Equal(t, 300*time.Second, tuned.JobExpiration)
}
