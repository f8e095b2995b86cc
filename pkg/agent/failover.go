package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
)

// ErrNoProviders is returned when no LLM profile is configured or none could
// be constructed.
var ErrNoProviders = errors.New("no llm providers available")

// ClientConfig configures a failover Client.
type ClientConfig struct {
	Profiles []config.AIProfile
	Factory  ProviderFactory
	Logger   zerolog.Logger

	// MaxAttempts per profile for retryable errors (default 3).
	MaxAttempts int
	// BaseDelay of the exponential backoff between attempts (default 1s).
	BaseDelay time.Duration
	// Cooldown per consecutive failure of a profile (default 60s).
	Cooldown time.Duration
}

// ProfileStatus is a read-only view of one profile's health.
type ProfileStatus struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Priority      int       `json:"priority"`
	FailureCount  int       `json:"failure_count"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

type profileState struct {
	profile       config.AIProfile
	provider      LLMProvider
	failureCount  int
	cooldownUntil time.Time
}

// Client is an LLMProvider that walks the configured profiles in priority
// order, retrying transient errors and cooling down failing profiles.
type Client struct {
	factory     ProviderFactory
	logger      zerolog.Logger
	maxAttempts int
	baseDelay   time.Duration
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	profiles []*profileState
}

// NewClient creates a failover client.
func NewClient(cfg ClientConfig) (*Client, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, ErrNoProviders
	}
	if cfg.Factory == nil {
		cfg.Factory = DefaultProviderFactory{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}

	profiles := make([]*profileState, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles = append(profiles, &profileState{profile: p})
	}
	// Lower priority value wins; ties keep configuration order.
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].profile.Priority < profiles[j].profile.Priority
	})

	return &Client{
		factory:     cfg.Factory,
		logger:      cfg.Logger.With().Str("component", "llm").Logger(),
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		cooldown:    cfg.Cooldown,
		now:         time.Now,
		profiles:    profiles,
	}, nil
}

// Provider returns the provider name
func (c *Client) Provider() string {
	return "failover"
}

// Call sends request to the first healthy profile, failing over to the next
// one on retryable errors. When every profile is cooling down, the one whose
// cooldown ends first is tried anyway.
func (c *Client) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, c.logger)

	var lastErr error
	attempted := 0
	for _, state := range c.candidates() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		provider, err := c.providerFor(state)
		if err != nil {
			logger.Warn().Str("profile_id", state.profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}
		attempted++

		start := time.Now()
		resp, err := c.callWithRetry(ctx, provider, state.profile, request)
		observability.RecordLLMCall(provider.Provider(), time.Since(start), err == nil)
		if err == nil {
			c.markSuccess(state)
			return resp, nil
		}

		lastErr = err
		logger.Warn().Str("profile_id", state.profile.ID).Err(err).Msg("LLM profile failed")
		c.markFailure(state)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if attempted == 0 && lastErr == nil {
		return nil, ErrNoProviders
	}
	if lastErr != nil {
		logger.Error().Err(lastErr).Msg("All LLM profiles failed")
	}
	return nil, fmt.Errorf("all llm profiles failed: %w", lastErr)
}

// Profiles reports the health of every profile in priority order.
func (c *Client) Profiles() []ProfileStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ProfileStatus, 0, len(c.profiles))
	for _, s := range c.profiles {
		out = append(out, ProfileStatus{
			ID:            s.profile.ID,
			Provider:      s.profile.Provider,
			Model:         s.profile.Model,
			Priority:      s.profile.Priority,
			FailureCount:  s.failureCount,
			CooldownUntil: s.cooldownUntil,
		})
	}
	return out
}

func (c *Client) candidates() []*profileState {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ready := make([]*profileState, 0, len(c.profiles))
	var soonest *profileState
	for _, s := range c.profiles {
		if now.Before(s.cooldownUntil) {
			observability.SetProviderCooldown(s.profile.Provider, true)
			if soonest == nil || s.cooldownUntil.Before(soonest.cooldownUntil) {
				soonest = s
			}
			continue
		}
		ready = append(ready, s)
	}
	if len(ready) == 0 && soonest != nil {
		ready = append(ready, soonest)
	}
	return ready
}

func (c *Client) providerFor(state *profileState) (LLMProvider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state.provider != nil {
		return state.provider, nil
	}
	provider, err := c.factory.NewProvider(state.profile)
	if err != nil {
		return nil, err
	}
	state.provider = provider
	return provider, nil
}

// callWithRetry calls the provider with exponential backoff on retryable
// errors: BaseDelay, 2*BaseDelay, 4*BaseDelay...
func (c *Client) callWithRetry(ctx context.Context, provider LLMProvider, profile config.AIProfile, request LLMRequest) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "deskagent.agent", "llm.call",
		attribute.String("provider", provider.Provider()),
		attribute.String("profile_id", profile.ID),
		attribute.Int("tools", len(request.Tools)),
	)
	defer span.End()

	if request.Model == "" {
		request.Model = profile.Model
	}
	if request.MaxTokens <= 0 {
		request.MaxTokens = profile.MaxTokens
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		resp, err := provider.Call(ctx, request)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == c.maxAttempts-1 {
			break
		}

		delay := c.baseDelay * time.Duration(1<<attempt)
		c.logger.Info().
			Str("profile_id", profile.ID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func (c *Client) markSuccess(state *profileState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state.failureCount = 0
	state.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(state.profile.Provider, false)
}

func (c *Client) markFailure(state *profileState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state.failureCount++
	state.cooldownUntil = c.now().Add(c.cooldown * time.Duration(state.failureCount))
	observability.SetProviderCooldown(state.profile.Provider, true)
}
