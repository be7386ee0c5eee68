package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("STORE_PATH", "/tmp/venice.db")
	t.Setenv("STORE_BASE", "appVenice")
	t.Setenv("API_BASE_URL", "https://serenissima.example/")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/venice.db", cfg.Store.Path)
	assert.Equal(t, "https://serenissima.example", cfg.Facade.BaseURL)
	assert.Equal(t, "https://serenissima.example/api/transport", cfg.Facade.TransportURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.TickInterval)
	assert.Equal(t, "Europe/Rome", cfg.Timezone)
	assert.Empty(t, cfg.LLM.APIKey)
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"no path", map[string]string{"STORE_BASE": "b"}, "STORE_PATH"},
		{"no base", map[string]string{"STORE_PATH": "p"}, "STORE_BASE"},
		{"bad port", map[string]string{"STORE_PATH": "p", "STORE_BASE": "b", "API_PORT": "eighty"}, "API_PORT"},
		{"bad tick", map[string]string{"STORE_PATH": "p", "STORE_BASE": "b", "TICK_INTERVAL": "-1s"}, "TICK_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"STORE_PATH", "STORE_BASE", "API_PORT", "TICK_INTERVAL"} {
				t.Setenv(k, tt.env[k])
			}
			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Setenv("STORE_PATH", "")
	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrMissingEnv)
}
