package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name: "all flags",
			args: []string{"cmd",
				"-a", "127.0.0.1:9090", "-m", "mongo", "-d", "db", "-s", "access", "-r", "refresh",
				"-t", "5m", "-T", "48h", "-q", "redis://cache:6379/0", "-l", "debug",
			},
			expected: &Config{
				HTTPAddr:        "127.0.0.1:9090",
				StoreDriver:     "mongo",
				DatabaseDSN:     "db",
				AccessSecret:    "access",
				RefreshSecret:   "refresh",
				AccessTokenTTL:  5 * time.Minute,
				RefreshTokenTTL: 48 * time.Hour,
				RedisURL:        "redis://cache:6379/0",
				LogLevel:        "debug",
			},
		},
		{
			name:     "foreign flags are ignored",
			args:     []string{"cmd", "-c", "conf.json", "-env", ".env", "-a", ":1"},
			expected: &Config{HTTPAddr: ":1"},
		},
		{
			name:        "bad duration",
			args:        []string{"cmd", "-t", "soon"},
			expectPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			config := &Config{}

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(config) })
				return
			}
			require.NotPanics(t, func() { parseFlags(config) })
			assert.Empty(t, cmp.Diff(tt.expected, config))
		})
	}
}
