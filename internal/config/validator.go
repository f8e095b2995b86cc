package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	switch provider {
	case "ollama":
		return nil // local endpoints need no key
	case "anthropic":
		if key == "" {
			return fmt.Errorf("%s API key cannot be empty", provider)
		}
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if key == "" {
			return fmt.Errorf("%s API key cannot be empty", provider)
		}
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	default:
		return fmt.Errorf("unknown provider: %s (must be one of: openai, ollama, anthropic)", provider)
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateURL checks that s is an absolute http(s) URL.
func (v *Validator) ValidateURL(name, s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an http(s) URL, got %q", name, s)
	}
	return nil
}

// ValidateSchedule checks a robfig/cron schedule expression.
func (v *Validator) ValidateSchedule(name, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s: invalid schedule %q: %w", name, spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Agent.MaxPlanSteps <= 0 {
		add(fmt.Errorf("agent.max_plan_steps must be > 0"))
	}
	if cfg.Agent.MaxToolRounds <= 0 {
		add(fmt.Errorf("agent.max_tool_rounds must be > 0"))
	}
	if cfg.Agent.ConversationBufferSize <= 0 {
		add(fmt.Errorf("agent.conversation_buffer_size must be > 0"))
	}
	for name, t := range map[string]float64{
		"plan":       cfg.Agent.Temperatures.Plan,
		"execute":    cfg.Agent.Temperatures.Execute,
		"evaluate":   cfg.Agent.Temperatures.Evaluate,
		"synthesize": cfg.Agent.Temperatures.Synthesize,
	} {
		if err := v.ValidateTemperature(t); err != nil {
			add(fmt.Errorf("agent.temperatures.%s: %w", name, err))
		}
	}

	for i, profile := range cfg.EffectiveProfiles() {
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			add(fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
		if err := v.ValidateModel(profile.Model); err != nil {
			add(fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if cfg.Privacy.AnalyzerURL != "" {
		add(v.ValidateURL("privacy.analyzer_url", cfg.Privacy.AnalyzerURL))
	}
	if cfg.Privacy.ScoreThreshold < 0 || cfg.Privacy.ScoreThreshold > 1 {
		add(fmt.Errorf("privacy.score_threshold must be between 0 and 1"))
	}

	add(oneOf("linkup.depth", cfg.Linkup.Depth, "standard", "deep"))
	add(oneOf("linkup.output_type", cfg.Linkup.OutputType, "searchResults", "sourcedAnswer", "structured"))
	if cfg.Linkup.RateLimitPerSecond <= 0 {
		add(fmt.Errorf("linkup.rate_limit_per_second must be > 0"))
	}

	add(oneOf("memory.embedding.provider", cfg.Memory.Embedding.Provider, "openai", "ollama", "none"))
	if cfg.Memory.Embedding.Provider != "none" && cfg.Memory.Embedding.Dimension <= 0 {
		add(fmt.Errorf("memory.embedding.dimension must be > 0"))
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		add(fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.RateLimitPerMinute < 0 {
		add(fmt.Errorf("gateway.rate_limit_per_minute must be >= 0"))
	}

	add(v.ValidateSchedule("cron.reminder_sweep", cfg.Cron.ReminderSweep))
	add(v.ValidateSchedule("cron.memory_reindex", cfg.Cron.MemoryReindex))
	add(v.ValidateSchedule("cron.session_prune", cfg.Cron.SessionPrune))
	if cfg.Session.RetentionDays < 0 {
		add(fmt.Errorf("session.retention_days must be >= 0"))
	}
	add(v.ValidateLogLevel(cfg.Logging.Level))
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.ServiceName == "" {
			add(fmt.Errorf("telemetry.service_name is required when telemetry is enabled"))
		}
		if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
			add(fmt.Errorf("telemetry.sample_ratio must be between 0 and 1"))
		}
	}

	return errs
}

// Validate joins all problems found by ValidateConfig into one error.
func Validate(cfg *Config) error {
	return errors.Join(NewValidator().ValidateConfig(cfg)...)
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", name, value, strings.Join(allowed, ", "))
}
