package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envBindings maps config keys to the legacy environment variables that are
// honored in addition to the DESKAGENT_ prefixed form.
var envBindings = map[string][]string{
	"linkup.api_key":       {"DESKAGENT_LINKUP_API_KEY", "LINKUP_API_KEY"},
	"agent.ollama_host":    {"DESKAGENT_AGENT_OLLAMA_HOST", "OLLAMA_HOST"},
	"agent.model":          {"DESKAGENT_AGENT_MODEL", "AGENT_MODEL"},
	"email.password":       {"DESKAGENT_EMAIL_PASSWORD", "AGENT_EMAIL_PASSWORD"},
	"ai.openai_api_key":    {"DESKAGENT_AI_OPENAI_API_KEY", "OPENAI_API_KEY"},
	"ai.anthropic_api_key": {"DESKAGENT_AI_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"},
}

// prefixedKeys are overridable through DESKAGENT_<SECTION>_<KEY>.
var prefixedKeys = []string{
	"data_dir",
	"agent.max_plan_steps",
	"agent.max_tool_rounds",
	"agent.conversation_buffer_size",
	"agent.tool_timeout_seconds",
	"privacy.enabled",
	"privacy.analyzer_url",
	"privacy.score_threshold",
	"linkup.base_url",
	"linkup.depth",
	"linkup.output_type",
	"linkup.rate_limit_per_second",
	"memory.embedding.provider",
	"memory.embedding.model",
	"memory.embedding.base_url",
	"memory.embedding.api_key",
	"browser.enabled",
	"browser.chrome_path",
	"gateway.host",
	"gateway.port",
	"logging.level",
	"logging.file",
	"telemetry.enabled",
	"telemetry.sample_ratio",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file if it exists, applies environment overrides
// and resolves data paths.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := newViper(configPath)
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(configPath), "data")
	}
	cfg.ResolvePaths()

	return cfg, nil
}

// Save writes the configuration to the config file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	// Round-trip through JSON so every encoder sees the snake_case keys.
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	for key, value := range settings {
		v.Set(key, value)
	}

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".deskagent", "config.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.SetEnvPrefix("DESKAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees env values for keys viper already knows about.
	for _, key := range prefixedKeys {
		_ = v.BindEnv(key)
	}
	for key, envs := range envBindings {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	return v
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}
