package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/pkg/toolexecutor"
)

// LLMProvider defines the interface for LLM providers
type LLMProvider interface {
	// Call makes a request to the LLM provider
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest represents a request to an LLM provider. Model and MaxTokens
// fall back to the provider's profile when empty.
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []toolexecutor.ToolDefinition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse represents a response from an LLM provider
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderFactory creates LLM providers from configured profiles.
type ProviderFactory interface {
	NewProvider(profile config.AIProfile) (LLMProvider, error)
}

// DefaultProviderFactory builds the OpenAI, Ollama and Anthropic providers.
type DefaultProviderFactory struct{}

// NewProvider creates a provider for profile.
func (DefaultProviderFactory) NewProvider(profile config.AIProfile) (LLMProvider, error) {
	switch strings.ToLower(profile.Provider) {
	case "openai":
		if profile.APIKey == "" {
			return nil, fmt.Errorf("profile %s: openai requires an api key", profile.ID)
		}
		return NewOpenAIProvider("openai", profile.APIKey, profile.BaseURL, profile.Model, profile.MaxTokens), nil
	case "ollama":
		baseURL := profile.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		apiKey := profile.APIKey
		if apiKey == "" {
			// Ollama ignores the key but the client refuses to send none.
			apiKey = "ollama"
		}
		return NewOpenAIProvider("ollama", apiKey, baseURL, profile.Model, profile.MaxTokens), nil
	case "anthropic":
		if profile.APIKey == "" {
			return nil, fmt.Errorf("profile %s: anthropic requires an api key", profile.ID)
		}
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL, profile.Model, profile.MaxTokens), nil
	default:
		return nil, fmt.Errorf("profile %s: unsupported provider %q", profile.ID, profile.Provider)
	}
}
