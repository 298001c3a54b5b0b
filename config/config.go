// Package config loads the engine's recognised configuration keys
// (spec.md §6): a YAML document provides the base values, then
// environment variables overlay it key by key, matching the teacher's own
// env-var-with-default loading style in registry/cmd/registry/main.go
// (envOr/envIntOr/envDurationOr), generalized here to also read from a
// gopkg.in/yaml.v3 document the way the example pack's YAML-first config
// tooling (kadirpekel-hector/pkg/config) lays out its own settings file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML documents can write `300s`-style
// strings (the same format the env overlay already accepts via
// time.ParseDuration) instead of a raw nanosecond integer.
type Duration time.Duration

// UnmarshalYAML accepts either a ParseDuration string ("300s") or a bare
// number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if tag := value.ShortTag(); tag == "!!int" || tag == "!!float" {
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return err
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Config holds every key spec.md §6 recognises.
type Config struct {
	MaxConcurrentAgents int      `yaml:"max_concurrent_agents"`
	MaxToolCalls        int      `yaml:"max_tool_calls"`
	AgentTimeout        Duration `yaml:"agent_timeout"`
	ExecutionTimeout    Duration `yaml:"execution_timeout"`
	ComplexityThreshold float64  `yaml:"complexity_threshold"`

	Supervisor SupervisorConfig `yaml:"supervisor"`

	EnableLongTextProcessing bool `yaml:"enable_long_text_processing"`
	EnableTeamMode           bool `yaml:"enable_team_mode"`
}

// SupervisorConfig holds the `supervisor.*` nested keys.
type SupervisorConfig struct {
	EnableQualityGates bool    `yaml:"enable_quality_gates"`
	QualityThreshold   float64 `yaml:"quality_threshold"`
	MaxRetryOnFailure  int     `yaml:"max_retry_on_failure"`
	MaxReactIterations int     `yaml:"max_react_iterations"`
	EnableResearch     bool    `yaml:"enable_research"`
}

// Defaults returns the spec.md-documented defaults for every recognised key.
func Defaults() Config {
	return Config{
		MaxConcurrentAgents: 8,
		MaxToolCalls:        500,
		AgentTimeout:        Duration(300 * time.Second),
		ExecutionTimeout:    Duration(3600 * time.Second),
		ComplexityThreshold: 0.5,
		Supervisor: SupervisorConfig{
			EnableQualityGates: true,
			QualityThreshold:   0.7,
			MaxRetryOnFailure:  2,
			MaxReactIterations: 5,
			EnableResearch:     true,
		},
		EnableLongTextProcessing: true,
		EnableTeamMode:           true,
	}
}

// Load builds a Config starting from Defaults(), overlaying a YAML document
// read from yamlPath if non-empty (a missing file at a non-empty path is an
// error; an empty path skips the YAML layer entirely), then overlaying
// recognised environment variables on top.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()
	if yamlPath != "" {
		payload, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	}
	applyEnvOverlay(&cfg)
	return cfg, nil
}

// applyEnvOverlay overlays the environment variables spec.md §6 names, in
// the teacher's envOr/envIntOr/envDurationOr style (registry/cmd/registry).
func applyEnvOverlay(cfg *Config) {
	cfg.MaxConcurrentAgents = envIntOr("MAX_CONCURRENT_AGENTS", cfg.MaxConcurrentAgents)
	cfg.MaxToolCalls = envIntOr("MAX_TOOL_CALLS", cfg.MaxToolCalls)
	cfg.AgentTimeout = Duration(envDurationOr("AGENT_TIMEOUT", time.Duration(cfg.AgentTimeout)))
	cfg.ExecutionTimeout = Duration(envDurationOr("EXECUTION_TIMEOUT", time.Duration(cfg.ExecutionTimeout)))
	cfg.ComplexityThreshold = envFloatOr("COMPLEXITY_THRESHOLD", cfg.ComplexityThreshold)

	cfg.Supervisor.EnableQualityGates = envBoolOr("SUPERVISOR_ENABLE_QUALITY_GATES", cfg.Supervisor.EnableQualityGates)
	cfg.Supervisor.QualityThreshold = envFloatOr("SUPERVISOR_QUALITY_THRESHOLD", cfg.Supervisor.QualityThreshold)
	cfg.Supervisor.MaxRetryOnFailure = envIntOr("SUPERVISOR_MAX_RETRY_ON_FAILURE", cfg.Supervisor.MaxRetryOnFailure)
	cfg.Supervisor.MaxReactIterations = envIntOr("SUPERVISOR_MAX_REACT_ITERATIONS", cfg.Supervisor.MaxReactIterations)
	cfg.Supervisor.EnableResearch = envBoolOr("SUPERVISOR_ENABLE_RESEARCH", cfg.Supervisor.EnableResearch)

	cfg.EnableLongTextProcessing = envBoolOr("ENABLE_LONG_TEXT_PROCESSING", cfg.EnableLongTextProcessing)
	cfg.EnableTeamMode = envBoolOr("ENABLE_TEAM_MODE", cfg.EnableTeamMode)
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
