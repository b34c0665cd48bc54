package config

import (
	"fmt"
)

// Config is the root configuration for unifyd and unifctl.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Events    EventsConfig    `koanf:"events"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects logger behavior. The logging package maps these onto
// its own richer config; this struct only carries what operators tune.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration.
type TelemetryConfig struct {
	Enabled      bool     `koanf:"enabled"`
	ServiceName  string   `koanf:"service_name"`
	Endpoint     string   `koanf:"endpoint"`
	Protocol     string   `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure     bool     `koanf:"insecure"`
	SampleRatio  float64  `koanf:"sample_ratio"`
	ExportPeriod Duration `koanf:"export_period"`
}

// EventsConfig holds NATS event bus configuration.
type EventsConfig struct {
	URL           string `koanf:"url"`
	Embedded      bool   `koanf:"embedded"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LedgerConfig holds audit ledger persistence configuration.
type LedgerConfig struct {
	Dir string `koanf:"dir"`
}

// PipelineConfig is the resolved option set the engine consumes: phase list
// and order, per-phase analyzer enablement, merge policy, planner policy,
// worker pool size, and analyzer timeouts.
type PipelineConfig struct {
	Phases          []PhaseConfig             `koanf:"phases"`
	Merge           MergeConfig               `koanf:"merge"`
	Planner         PlannerConfig             `koanf:"planner"`
	WorkerPoolSize  int                       `koanf:"worker_pool_size"`
	AnalyzerTimeout Duration                  `koanf:"analyzer_timeout"`
	Analyzers       map[string]AnalyzerConfig `koanf:"analyzers"`
}

// PhaseConfig names one phase and optionally restricts which analyzers run
// in it. An empty Analyzers list enables every analyzer registered for the
// phase.
type PhaseConfig struct {
	Name      string   `koanf:"name"`
	Analyzers []string `koanf:"analyzers"`
}

// AnalyzerConfig overrides behavior for a single analyzer.
type AnalyzerConfig struct {
	Disabled bool     `koanf:"disabled"`
	Required bool     `koanf:"required"` // failure aborts the phase instead of degrading it
	Timeout  Duration `koanf:"timeout"`
	Rules    string   `koanf:"rules"` // path to a TOML rules/allowlist file
}

// MergeConfig holds conflict tie-break policy.
type MergeConfig struct {
	Policy             string `koanf:"policy"` // latest-wins | interactive | weighted
	AnnotateUnresolved bool   `koanf:"annotate_unresolved"`
}

// PlannerConfig holds fix application policy.
type PlannerConfig struct {
	DestructiveAllowed bool      `koanf:"destructive_allowed"`
	HighThreshold      float64   `koanf:"high_threshold"`
	MediumThreshold    float64   `koanf:"medium_threshold"`
	LLM                LLMConfig `koanf:"llm"`
}

// LLMConfig configures the optional model-backed fix generator. An empty
// Provider disables it; the deterministic built-in generators always run.
type LLMConfig struct {
	Provider          string   `koanf:"provider"` // "" | anthropic | openai
	APIKey            Secret   `koanf:"api_key"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerMinute float64  `koanf:"requests_per_minute"`
	Burst             int      `koanf:"burst"`
	MaxRetries        int      `koanf:"max_retries"`
}

// Merge tie-break policies.
const (
	PolicyLatestWins  = "latest-wins"
	PolicyInteractive = "interactive"
	PolicyWeighted    = "weighted"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http/protobuf":
		default:
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry sample_ratio must be in [0,1], got %f", c.Telemetry.SampleRatio)
		}
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	return nil
}

// Validate checks pipeline options.
func (p *PipelineConfig) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	seen := make(map[string]bool, len(p.Phases))
	for _, ph := range p.Phases {
		if ph.Name == "" {
			return fmt.Errorf("phase name cannot be empty")
		}
		if seen[ph.Name] {
			return fmt.Errorf("duplicate phase %q", ph.Name)
		}
		seen[ph.Name] = true
	}

	switch p.Merge.Policy {
	case PolicyLatestWins, PolicyInteractive, PolicyWeighted:
	default:
		return fmt.Errorf("merge policy must be one of latest-wins, interactive, weighted; got %q", p.Merge.Policy)
	}

	pl := p.Planner
	if pl.HighThreshold < 0 || pl.HighThreshold > 1 {
		return fmt.Errorf("planner high_threshold must be in [0,1], got %f", pl.HighThreshold)
	}
	if pl.MediumThreshold < 0 || pl.MediumThreshold > 1 {
		return fmt.Errorf("planner medium_threshold must be in [0,1], got %f", pl.MediumThreshold)
	}
	if pl.MediumThreshold > pl.HighThreshold {
		return fmt.Errorf("planner medium_threshold (%f) cannot exceed high_threshold (%f)", pl.MediumThreshold, pl.HighThreshold)
	}

	switch pl.LLM.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("llm provider must be anthropic or openai, got %q", pl.LLM.Provider)
	}
	if pl.LLM.Provider != "" && !pl.LLM.APIKey.IsSet() {
		return fmt.Errorf("llm provider %q requires an api_key", pl.LLM.Provider)
	}

	if p.WorkerPoolSize < 0 {
		return fmt.Errorf("worker_pool_size cannot be negative")
	}

	return nil
}

// PhaseNames returns the configured phase names in order.
func (p *PipelineConfig) PhaseNames() []string {
	names := make([]string, len(p.Phases))
	for i, ph := range p.Phases {
		names[i] = ph.Name
	}
	return names
}
