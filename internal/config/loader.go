// Package config provides configuration loading for unifyd.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, PIPELINE_WORKER_POOL_SIZE, ...)
//  2. YAML config file (~/.config/unifyd/config.yaml by default)
//  3. Built-in defaults
//
// The config file must live under ~/.config/unifyd/ or /etc/unifyd/, be at
// most 1MB, and carry 0600 or 0400 permissions. A missing file is not an
// error; defaults plus environment apply.
//
// Environment variables map section-first: the segment before the first
// underscore is the section, the rest is the field name. SERVER_PORT becomes
// server.port, LEDGER_DIR becomes ledger.dir, EVENTS_SUBJECT_PREFIX becomes
// events.subject_prefix.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "unifyd", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// check-then-use race on the path.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envTransform maps SECTION_FIELD_NAME environment variables onto
// section.field_name config keys. Only the first underscore splits; the
// remainder stays underscored to match the koanf field tags.
func envTransform(s string) string {
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// EnsureConfigDir creates the unifyd config directory if it doesn't exist,
// with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "unifyd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigPath checks that the path sits in an allowed directory.
// Runs even when the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Paths that don't exist yet still validate against absPath.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "unifyd"),
		"/etc/unifyd",
	}

	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/unifyd/ or /etc/unifyd/")
}

// validateConfigFileProperties checks permissions and size on an existing
// file, using FileInfo from an already-open descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults fills in missing values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9190
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "unifyd"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1.0
	}
	if cfg.Telemetry.ExportPeriod == 0 {
		cfg.Telemetry.ExportPeriod = Duration(30 * time.Second)
	}

	// Events.URL has no default: an unset URL (and no embedded server)
	// leaves the bus a no-op rather than dialing a broker that may not
	// exist.
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "unifyd.runs"
	}

	if cfg.Ledger.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Ledger.Dir = filepath.Join(home, ".local", "share", "unifyd", "ledger")
		}
	}

	applyPipelineDefaults(&cfg.Pipeline)
}

// applyPipelineDefaults fills in the default phase sequence and policy.
func applyPipelineDefaults(p *PipelineConfig) {
	if len(p.Phases) == 0 {
		p.Phases = []PhaseConfig{
			{Name: "structural"},
			{Name: "semantic"},
			{Name: "security"},
			{Name: "style"},
		}
	}
	if p.Merge.Policy == "" {
		p.Merge.Policy = PolicyLatestWins
	}
	if p.AnalyzerTimeout == 0 {
		p.AnalyzerTimeout = Duration(30 * time.Second)
	}
	pl := &p.Planner
	if pl.HighThreshold == 0 {
		pl.HighThreshold = 0.8
	}
	if pl.MediumThreshold == 0 {
		pl.MediumThreshold = 0.5
	}
	if pl.LLM.Provider != "" {
		if pl.LLM.Timeout == 0 {
			pl.LLM.Timeout = Duration(60 * time.Second)
		}
		if pl.LLM.RequestsPerMinute == 0 {
			pl.LLM.RequestsPerMinute = 50
		}
		if pl.LLM.Burst == 0 {
			pl.LLM.Burst = 5
		}
		if pl.LLM.MaxRetries == 0 {
			pl.LLM.MaxRetries = 3
		}
	}
}

// Default returns the built-in configuration, as used when no file or
// environment overrides exist.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}
