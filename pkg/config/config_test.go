package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Sources: []SourceConfig{
			{ID: "btc", Protocol: ProtocolREST, URL: "https://api.example.com/btc", Interval: time.Second},
			{ID: "stream", Protocol: ProtocolWS, URL: "wss://stream.example.com"},
		},
	}
}

func TestConfigValidateAppliesDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "GET", cfg.Sources[0].Method)
	assert.Equal(t, AuthNone, cfg.Sources[0].AuthType)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Request)
	assert.Equal(t, time.Second, cfg.Reliability.ReconnectBaseDelay)
	assert.Equal(t, 5, cfg.Reliability.MaxReconnectAttempts)
	assert.Equal(t, 60*time.Second, cfg.Tracker.Interval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestConfigRejectsDuplicateSourceIDs(t *testing.T) {
	cfg := validConfig()
	cfg.Sources = append(cfg.Sources, cfg.Sources[0])
	require.Error(t, cfg.Validate())
}

func TestSourceConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		source  SourceConfig
		wantErr string
	}{
		{
			name:    "missing id",
			source:  SourceConfig{Protocol: ProtocolREST, URL: "https://x", Interval: time.Second},
			wantErr: "id is required",
		},
		{
			name:    "missing url",
			source:  SourceConfig{ID: "a", Protocol: ProtocolREST, Interval: time.Second},
			wantErr: "url is required",
		},
		{
			name:    "unknown protocol",
			source:  SourceConfig{ID: "a", Protocol: "GRPC", URL: "https://x"},
			wantErr: "unknown protocol",
		},
		{
			name:    "rest without interval",
			source:  SourceConfig{ID: "a", Protocol: ProtocolREST, URL: "https://x"},
			wantErr: "interval must be positive",
		},
		{
			name:   "ws without interval is fine",
			source: SourceConfig{ID: "a", Protocol: ProtocolWS, URL: "wss://x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.source.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSourceMethodIsNormalized(t *testing.T) {
	s := SourceConfig{ID: "a", Protocol: ProtocolREST, URL: "https://x", Interval: time.Second, Method: "post"}
	require.NoError(t, s.Validate())
	assert.Equal(t, "POST", s.Method)
}

func TestSchedulerConfigValidation(t *testing.T) {
	cfg := SchedulerConfig{
		Interval:  time.Minute,
		Endpoints: []Endpoint{{ID: "a", URL: "https://x"}},
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 20*time.Second, cfg.HandoffTimeout)
	assert.Equal(t, "GET", cfg.Endpoints[0].Method)

	bad := SchedulerConfig{Endpoints: []Endpoint{{ID: "a", URL: "https://x"}}}
	require.Error(t, bad.Validate())
}

func TestStoreConfigValidation(t *testing.T) {
	cfg := StoreConfig{Driver: "postgres"}
	require.Error(t, cfg.Validate())

	cfg.DSN = "postgres://localhost/feedline"
	require.NoError(t, cfg.Validate())

	kafka := StoreConfig{KafkaBrokers: []string{"localhost:9092"}}
	require.NoError(t, kafka.Validate())
	assert.Equal(t, "feedline.deltas", kafka.KafkaTopic)

	unknown := StoreConfig{Driver: "cassandra"}
	require.Error(t, unknown.Validate())
}

func TestLoadConfigSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "from-env")

	content := `
sources:
  - id: btc
    protocol: REST
    url: https://api.example.com/btc
    interval: 5s
    auth_type: api_key
    credentials:
      api_key: ${TEST_API_KEY}
`
	path := filepath.Join(t.TempDir(), "feedline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "from-env", cfg.Sources[0].Credentials["api_key"])
	assert.Equal(t, 5*time.Second, cfg.Sources[0].Interval)
}

func TestSaveRoundTripsAppliedDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	path := filepath.Join(t.TempDir(), "normalized.yaml")
	require.NoError(t, Save(path, &cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", loaded.Store.Driver)
	assert.Equal(t, 30*time.Second, loaded.Timeouts.Request)
	assert.Equal(t, 5, loaded.Reliability.MaxReconnectAttempts)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
