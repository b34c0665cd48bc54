package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9190, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "unifyd", cfg.Telemetry.ServiceName)
	assert.Equal(t, PolicyLatestWins, cfg.Pipeline.Merge.Policy)
	assert.Equal(t, []string{"structural", "semantic", "security", "style"}, cfg.Pipeline.PhaseNames())
	assert.Equal(t, 0.8, cfg.Pipeline.Planner.HighThreshold)
	assert.Equal(t, 0.5, cfg.Pipeline.Planner.MediumThreshold)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.AnalyzerTimeout.Duration())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "port out of range",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging format",
		},
		{
			name: "bad telemetry protocol",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Protocol = "udp"
			},
			wantErr: "telemetry protocol",
		},
		{
			name:    "no phases",
			mutate:  func(c *Config) { c.Pipeline.Phases = nil },
			wantErr: "at least one phase",
		},
		{
			name: "duplicate phase",
			mutate: func(c *Config) {
				c.Pipeline.Phases = []PhaseConfig{{Name: "security"}, {Name: "security"}}
			},
			wantErr: "duplicate phase",
		},
		{
			name:    "unknown merge policy",
			mutate:  func(c *Config) { c.Pipeline.Merge.Policy = "coin-flip" },
			wantErr: "merge policy",
		},
		{
			name: "thresholds inverted",
			mutate: func(c *Config) {
				c.Pipeline.Planner.HighThreshold = 0.4
				c.Pipeline.Planner.MediumThreshold = 0.6
			},
			wantErr: "medium_threshold",
		},
		{
			name:    "llm provider without key",
			mutate:  func(c *Config) { c.Pipeline.Planner.LLM.Provider = "anthropic" },
			wantErr: "requires an api_key",
		},
		{
			name:    "unknown llm provider",
			mutate:  func(c *Config) { c.Pipeline.Planner.LLM.Provider = "oracle" },
			wantErr: "llm provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SERVER_PORT", "server.port"},
		{"SERVER_SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LEDGER_DIR", "ledger.dir"},
		{"EVENTS_SUBJECT_PREFIX", "events.subject_prefix"},
		{"PIPELINE_WORKER_POOL_SIZE", "pipeline.worker_pool_size"},
		{"PATH", "path"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, envTransform(tt.in), "input %q", tt.in)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	err := d.UnmarshalText([]byte("-5s"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")

	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
