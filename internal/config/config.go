package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Config represents the deskagent configuration
type Config struct {
	// Data directory; relative tool directories resolve under it
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	AI        AIConfig        `json:"ai" mapstructure:"ai"`
	Privacy   PrivacyConfig   `json:"privacy" mapstructure:"privacy"`
	Linkup    LinkupConfig    `json:"linkup" mapstructure:"linkup"`
	Email     EmailConfig     `json:"email" mapstructure:"email"`
	Calendar  CalendarConfig  `json:"calendar" mapstructure:"calendar"`
	Documents DocumentsConfig `json:"documents" mapstructure:"documents"`
	Browser   BrowserConfig   `json:"browser" mapstructure:"browser"`
	Memory    MemoryConfig    `json:"memory" mapstructure:"memory"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Cron      CronConfig      `json:"cron" mapstructure:"cron"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
}

// AgentConfig controls the plan/execute/evaluate loop.
type AgentConfig struct {
	Model                  string            `json:"model" mapstructure:"model"`
	OllamaHost             string            `json:"ollama_host" mapstructure:"ollama_host"`
	MaxPlanSteps           int               `json:"max_plan_steps" mapstructure:"max_plan_steps"`
	MaxToolRounds          int               `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	ConversationBufferSize int               `json:"conversation_buffer_size" mapstructure:"conversation_buffer_size"`
	ToolTimeoutSeconds     int               `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	Temperatures           TemperatureConfig `json:"temperatures" mapstructure:"temperatures"`
}

// TemperatureConfig holds the sampling temperature of each LLM call site.
type TemperatureConfig struct {
	Plan       float64 `json:"plan" mapstructure:"plan"`
	Execute    float64 `json:"execute" mapstructure:"execute"`
	Evaluate   float64 `json:"evaluate" mapstructure:"evaluate"`
	Synthesize float64 `json:"synthesize" mapstructure:"synthesize"`
}

// AIConfig holds provider profiles in failover order.
type AIConfig struct {
	Profiles        []AIProfile `json:"profiles" mapstructure:"profiles"`
	OpenAIAPIKey    string      `json:"openai_api_key" mapstructure:"openai_api_key"`
	AnthropicAPIKey string      `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
}

// AIProfile is one LLM endpoint.
type AIProfile struct {
	ID        string `json:"id" mapstructure:"id"`
	Provider  string `json:"provider" mapstructure:"provider"` // openai, ollama, anthropic
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	Model     string `json:"model" mapstructure:"model"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
	Priority  int    `json:"priority" mapstructure:"priority"`
}

// PrivacyConfig controls PII redaction.
type PrivacyConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	AnalyzerURL    string  `json:"analyzer_url" mapstructure:"analyzer_url"`
	ScoreThreshold float64 `json:"score_threshold" mapstructure:"score_threshold"`
	TimeoutSeconds int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// LinkupConfig configures the web research tool.
type LinkupConfig struct {
	APIKey             string  `json:"api_key" mapstructure:"api_key"`
	BaseURL            string  `json:"base_url" mapstructure:"base_url"`
	Depth              string  `json:"depth" mapstructure:"depth"`             // standard, deep
	OutputType         string  `json:"output_type" mapstructure:"output_type"` // searchResults, sourcedAnswer, structured
	RateLimitPerSecond float64 `json:"rate_limit_per_second" mapstructure:"rate_limit_per_second"`
	TimeoutSeconds     int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// EmailConfig configures the local mailbox.
type EmailConfig struct {
	MailboxDir  string `json:"mailbox_dir" mapstructure:"mailbox_dir"`
	DraftsDir   string `json:"drafts_dir" mapstructure:"drafts_dir"`
	FromAddress string `json:"from_address" mapstructure:"from_address"`
	Password    string `json:"password" mapstructure:"password"`
	SeedDemo    bool   `json:"seed_demo" mapstructure:"seed_demo"`
}

// CalendarConfig configures the .ics calendar directory.
type CalendarConfig struct {
	ICSDirectory string `json:"ics_directory" mapstructure:"ics_directory"`
	SeedDemo     bool   `json:"seed_demo" mapstructure:"seed_demo"`
}

// DocumentsConfig configures the local document tools.
type DocumentsConfig struct {
	Directory       string `json:"directory" mapstructure:"directory"`
	MaxChars        int    `json:"max_chars" mapstructure:"max_chars"`
	SummaryMaxChars int    `json:"summary_max_chars" mapstructure:"summary_max_chars"`
}

// BrowserConfig configures the headless page reader.
type BrowserConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	Headless       bool   `json:"headless" mapstructure:"headless"`
	ChromePath     string `json:"chrome_path" mapstructure:"chrome_path"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// MemoryConfig configures the fact store.
type MemoryConfig struct {
	DBPath         string          `json:"db_path" mapstructure:"db_path"`
	WatchDocuments bool            `json:"watch_documents" mapstructure:"watch_documents"`
	Embedding      EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
}

// EmbeddingConfig selects the embedding endpoint. Provider "none" disables
// vector search.
type EmbeddingConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // openai, ollama, none
	Model     string `json:"model" mapstructure:"model"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
}

// SessionConfig configures the conversation/task log.
type SessionConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`

	// RetentionDays prunes conversation messages older than this; 0 keeps all.
	RetentionDays int `json:"retention_days" mapstructure:"retention_days"`
}

// GatewayConfig holds HTTP API server configuration
type GatewayConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	UploadDir          string `json:"upload_dir" mapstructure:"upload_dir"`
	MaxUploadMB        int    `json:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// CronConfig holds schedules for background jobs (robfig/cron syntax).
type CronConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	ReminderSweep string `json:"reminder_sweep" mapstructure:"reminder_sweep"`
	MemoryReindex string `json:"memory_reindex" mapstructure:"memory_reindex"`
	SessionPrune  string `json:"session_prune" mapstructure:"session_prune"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig toggles tracing and the audit log.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	AuditLog    string  `json:"audit_log" mapstructure:"audit_log"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:                  "llama3.1:8b",
			OllamaHost:             "http://localhost:11434",
			MaxPlanSteps:           10,
			MaxToolRounds:          8,
			ConversationBufferSize: 20,
			ToolTimeoutSeconds:     60,
			Temperatures: TemperatureConfig{
				Plan:       0.3,
				Execute:    0.2,
				Evaluate:   0.1,
				Synthesize: 0.3,
			},
		},
		Privacy: PrivacyConfig{
			Enabled:        true,
			ScoreThreshold: 0.35,
			TimeoutSeconds: 10,
		},
		Linkup: LinkupConfig{
			BaseURL:            "https://api.linkup.so/v1/search",
			Depth:              "deep",
			OutputType:         "searchResults",
			RateLimitPerSecond: 10,
			TimeoutSeconds:     60,
		},
		Email: EmailConfig{
			FromAddress: "user@desktop-agent.local",
			SeedDemo:    true,
		},
		Calendar: CalendarConfig{
			SeedDemo: true,
		},
		Documents: DocumentsConfig{
			MaxChars:        8000,
			SummaryMaxChars: 6000,
		},
		Browser: BrowserConfig{
			Enabled:        false,
			Headless:       true,
			TimeoutSeconds: 30,
		},
		Memory: MemoryConfig{
			WatchDocuments: true,
			Embedding: EmbeddingConfig{
				Provider:  "ollama",
				Model:     "nomic-embed-text",
				Dimension: 768,
			},
		},
		Session: SessionConfig{
			RetentionDays: 90,
		},
		Gateway: GatewayConfig{
			Host:               "127.0.0.1",
			Port:               8000,
			RateLimitPerMinute: 60,
			MaxUploadMB:        20,
		},
		Cron: CronConfig{
			Enabled:       true,
			ReminderSweep: "@every 1m",
			MemoryReindex: "@hourly",
			SessionPrune:  "@daily",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   20,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "deskagent",
			SampleRatio: 1,
		},
	}
}

// ResolvePaths fills empty paths from DataDir and makes relative ones
// absolute under it.
func (c *Config) ResolvePaths() {
	under := func(p, def string) string {
		if p == "" {
			p = def
		}
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.DataDir, p)
	}

	c.Email.MailboxDir = under(c.Email.MailboxDir, "emails")
	c.Email.DraftsDir = under(c.Email.DraftsDir, "drafts")
	c.Calendar.ICSDirectory = under(c.Calendar.ICSDirectory, "calendars")
	c.Documents.Directory = under(c.Documents.Directory, "documents")
	c.Memory.DBPath = under(c.Memory.DBPath, "memory.db")
	c.Session.DBPath = under(c.Session.DBPath, "agent.db")
	c.Gateway.UploadDir = under(c.Gateway.UploadDir, "uploads")
	if c.Logging.File != "" {
		c.Logging.File = under(c.Logging.File, "")
	}
	if c.Telemetry.AuditLog != "" {
		c.Telemetry.AuditLog = under(c.Telemetry.AuditLog, "")
	}
}

// EffectiveProfiles returns the configured profiles, or when none are
// configured, a local Ollama profile followed by any provider whose API key
// is set.
func (c *Config) EffectiveProfiles() []AIProfile {
	if len(c.AI.Profiles) > 0 {
		return c.AI.Profiles
	}

	profiles := []AIProfile{{
		ID:       "ollama-local",
		Provider: "ollama",
		BaseURL:  strings.TrimRight(c.Agent.OllamaHost, "/") + "/v1",
		Model:    c.Agent.Model,
		Priority: 1,
	}}
	if c.AI.OpenAIAPIKey != "" {
		profiles = append(profiles, AIProfile{
			ID: "openai", Provider: "openai", APIKey: c.AI.OpenAIAPIKey, Model: "gpt-4o-mini", Priority: 2,
		})
	}
	if c.AI.AnthropicAPIKey != "" {
		profiles = append(profiles, AIProfile{
			ID: "anthropic", Provider: "anthropic", APIKey: c.AI.AnthropicAPIKey, Model: "claude-3-5-haiku-latest", Priority: 3,
		})
	}
	return profiles
}

// String renders the config as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = append([]AIProfile(nil), c.AI.Profiles...)
	for i := range masked.AI.Profiles {
		masked.AI.Profiles[i].APIKey = mask(masked.AI.Profiles[i].APIKey)
	}
	masked.AI.OpenAIAPIKey = mask(c.AI.OpenAIAPIKey)
	masked.AI.AnthropicAPIKey = mask(c.AI.AnthropicAPIKey)
	masked.Linkup.APIKey = mask(c.Linkup.APIKey)
	masked.Email.Password = mask(c.Email.Password)
	masked.Memory.Embedding.APIKey = mask(c.Memory.Embedding.APIKey)

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}
