// Package daemon assembles the agent from configuration and runs its
// long-lived services: the gateway, background jobs and the document
// watcher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/internal/logger"
	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
	"github.com/harun/deskagent/pkg/agent"
	"github.com/harun/deskagent/pkg/cron"
	"github.com/harun/deskagent/pkg/gateway"
	"github.com/harun/deskagent/pkg/memory"
	"github.com/harun/deskagent/pkg/orchestrator"
	"github.com/harun/deskagent/pkg/planner"
	"github.com/harun/deskagent/pkg/privacy"
	"github.com/harun/deskagent/pkg/session"
	"github.com/harun/deskagent/pkg/toolexecutor"
	"github.com/harun/deskagent/pkg/tools"
)

// Option customizes how the daemon is assembled.
type Option func(*options)

type options struct {
	sessionID  string
	actor      string
	llm        agent.LLMProvider
	pageReader tools.PageReader
	now        func() time.Time
}

// WithSessionID resumes an existing conversation.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// WithActor names the caller in audit records (cli, gateway).
func WithActor(actor string) Option {
	return func(o *options) { o.actor = actor }
}

// WithLLM replaces the failover client built from the configured profiles.
func WithLLM(llm agent.LLMProvider) Option {
	return func(o *options) { o.llm = llm }
}

// WithPageReader replaces the headless browser behind read_webpage.
func WithPageReader(r tools.PageReader) Option {
	return func(o *options) { o.pageReader = r }
}

// WithClock overrides the tools' clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Daemon owns every component of one agent process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	opts   options

	// Core modules
	sessions  *session.Store
	memory    *memory.Store
	registry  *toolexecutor.Registry
	toolbox   *tools.Toolbox
	llm       agent.LLMProvider
	failover  *agent.Client
	redactor  *privacy.Redactor
	planner   *planner.Planner
	executor  *agent.Executor
	evaluator *planner.Evaluator
	loop      *orchestrator.Loop

	// Services, built by Start
	gatewayServer *gateway.Server
	cronService   *cron.Service
	watcher       *memory.FileWatcher

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime      time.Time
	running        bool
	mu             sync.RWMutex
	tracingEnabled bool
	audit          *observability.AuditLog
}

// Status describes a daemon.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	SessionID string        `json:"session_id"`
	Tools     int           `json:"tools"`
	Memory    bool          `json:"memory"`
}

// New builds the core modules. Services are started separately by Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	d := &Daemon{config: cfg, logger: log}
	for _, opt := range opts {
		opt(&d.opts)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if cfg.Telemetry.Enabled {
		if err := tracing.Init(tracing.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.cancel()
		d.closeCore()
		if d.tracingEnabled {
			_ = tracing.Shutdown(context.Background())
		}
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(cfg.DataDir, log.GetZerolog())
	return d, nil
}

// initializeCoreModules wires config into the agent loop in dependency
// order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Telemetry.AuditLog != "" {
		audit, err := observability.OpenAuditLog(cfg.Telemetry.AuditLog)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to open audit log, audit events are discarded")
		} else {
			d.audit = audit
			observability.SetAuditLog(audit)
		}
	}

	sessions, err := session.Open(session.Config{DBPath: cfg.Session.DBPath, Logger: zl})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.sessions = sessions

	d.registry = toolexecutor.New()
	if cfg.Agent.ToolTimeoutSeconds > 0 {
		d.registry.SetDefaultTimeout(time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second)
	}
	d.toolbox, err = tools.Register(d.registry, tools.Options{
		Email:      cfg.Email,
		Calendar:   cfg.Calendar,
		Documents:  cfg.Documents,
		Linkup:     cfg.Linkup,
		Browser:    cfg.Browser,
		Logger:     zl,
		Now:        d.opts.now,
		PageReader: d.opts.pageReader,
	})
	if err != nil {
		return err
	}

	d.initializeMemory()

	d.llm = d.opts.llm
	if d.llm == nil {
		client, err := agent.NewClient(agent.ClientConfig{
			Profiles: cfg.EffectiveProfiles(),
			Logger:   zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create llm client: %w", err)
		}
		d.failover = client
		d.llm = client
	}

	var analyzer privacy.Analyzer
	if cfg.Privacy.AnalyzerURL != "" {
		analyzer = privacy.NewPresidioAnalyzer(cfg.Privacy.AnalyzerURL, cfg.Privacy.ScoreThreshold,
			time.Duration(cfg.Privacy.TimeoutSeconds)*time.Second)
	}
	d.redactor = privacy.NewRedactor(analyzer, zl)

	d.planner = planner.New(planner.Config{
		LLM:         d.llm,
		Logger:      zl,
		MaxSteps:    cfg.Agent.MaxPlanSteps,
		Temperature: cfg.Agent.Temperatures.Plan,
	})
	d.evaluator = planner.NewEvaluator(planner.EvaluatorConfig{
		LLM:         d.llm,
		Logger:      zl,
		Temperature: cfg.Agent.Temperatures.Evaluate,
	})
	d.executor, err = agent.NewExecutor(agent.ExecutorConfig{
		LLM:         d.llm,
		Registry:    d.registry,
		Logger:      zl,
		MaxRounds:   cfg.Agent.MaxToolRounds,
		Temperature: cfg.Agent.Temperatures.Execute,
		ToolTimeout: time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	loopOpts := []orchestrator.Option{
		orchestrator.WithLogger(zl),
		orchestrator.WithSessionID(d.opts.sessionID),
		orchestrator.WithBufferSize(cfg.Agent.ConversationBufferSize),
		orchestrator.WithSynthesisTemperature(cfg.Agent.Temperatures.Synthesize),
		orchestrator.WithPrivacy(cfg.Privacy.Enabled),
		orchestrator.WithActor(d.opts.actor),
		orchestrator.WithScrubber(d.logger.Scrub),
	}
	if d.memory != nil {
		loopOpts = append(loopOpts, orchestrator.WithMemory(d.memory))
	}
	d.loop, err = orchestrator.New(orchestrator.Components{
		Planner:   d.planner,
		Executor:  d.executor,
		Evaluator: d.evaluator,
		LLM:       d.llm,
		Redactor:  d.redactor,
		Sessions:  d.sessions,
		Tools:     d.registry,
	}, loopOpts...)
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}

	d.logger.Info().
		Str("session_id", d.loop.SessionID()).
		Int("tools", d.registry.GetToolCount()).
		Bool("memory", d.memory != nil).
		Bool("privacy", cfg.Privacy.Enabled).
		Msg("Agent initialized")
	return nil
}

// initializeMemory opens the fact store. The agent runs without memory
// when it cannot be opened.
func (d *Daemon) initializeMemory() {
	cfg := d.config
	zl := d.logger.GetZerolog()

	embedder, err := memory.NewEmbeddingProvider(memory.EmbeddingConfig{
		Provider:  cfg.Memory.Embedding.Provider,
		Model:     cfg.Memory.Embedding.Model,
		BaseURL:   cfg.Memory.Embedding.BaseURL,
		APIKey:    cfg.Memory.Embedding.APIKey,
		Dimension: cfg.Memory.Embedding.Dimension,
	}, cfg.Agent.OllamaHost)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Embeddings unavailable, memory falls back to keyword search")
		embedder = nil
	}

	store, err := memory.NewStore(memory.Config{
		DBPath:            cfg.Memory.DBPath,
		Logger:            zl,
		EmbeddingProvider: embedder,
	})
	if err != nil {
		d.logger.Warn().Err(err).Msg("Memory store unavailable, continuing without memory")
		return
	}
	if err := memory.RegisterMemoryTools(d.registry, store); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to register memory tools")
		_ = store.Close()
		return
	}
	d.memory = store
	observability.SetMemoryEntries(store.Count(d.ctx))
}

// initializeServices builds the gateway and the cron service.
func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	var memIndex gateway.MemoryIndex
	if d.memory != nil {
		memIndex = d.memory
	}
	server, err := gateway.NewServer(gateway.Config{
		Host:               cfg.Gateway.Host,
		Port:               cfg.Gateway.Port,
		RateLimitPerMinute: cfg.Gateway.RateLimitPerMinute,
		DataDir:            cfg.DataDir,
		UploadDir:          cfg.Gateway.UploadDir,
		MaxUploadMB:        cfg.Gateway.MaxUploadMB,
		Agent:              d.loop,
		Sessions:           d.sessions,
		Tools:              d.registry,
		Memory:             memIndex,
		Privacy:            d.redactor,
		Health:             d.HealthChecks(),
		Logger:             zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	cronService, err := cron.NewService(cron.ServiceOptions{
		StorePath: filepath.Join(cfg.DataDir, "cron", "jobs.json"),
		Logger:    zl,
		OnEvent: func(evt cron.Event) {
			if evt.Action == cron.EventActionFinished && evt.Status == "error" {
				server.Broadcast("job.failed", evt)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create cron service: %w", err)
	}
	d.cronService = cronService

	defaults := cron.Defaults{
		Reminders:      d.toolbox.Calendar,
		Sessions:       d.sessions,
		RetentionDays:  cfg.Session.RetentionDays,
		Notify:         server.Broadcast,
		LimiterCleanup: server.CleanupLimiter,
		Logger:         zl,
	}
	if d.memory != nil {
		defaults.Memory = d.memory
		defaults.DocumentsDir = cfg.Documents.Directory
	}
	if _, err := cron.RegisterDefaults(cronService, cfg.Cron, defaults); err != nil {
		return fmt.Errorf("failed to register background jobs: %w", err)
	}
	return nil
}

// Start writes the PID file and starts the gateway, background jobs and
// the document watcher.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting deskagent")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return err
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.cronService.Stop()
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	if d.memory != nil && d.config.Memory.WatchDocuments {
		watcher, err := memory.WatchDocuments(d.memory, d.config.Documents.Directory, d.logger.GetZerolog())
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to watch documents directory")
		} else {
			d.watcher = watcher
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().
		Str("addr", fmt.Sprintf("%s:%d", d.config.Gateway.Host, d.config.Gateway.Port)).
		Int("jobs", len(d.cronService.ListJobs())).
		Msg("Deskagent started")
	return nil
}

// Stop shuts the services down and closes every store.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping deskagent")

	d.cancel()

	if d.gatewayServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
		cancel()
	}
	if d.cronService != nil {
		if err := d.cronService.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop cron service")
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop document watcher")
		}
	}

	d.wg.Wait()
	d.closeCore()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
	if d.tracingEnabled {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
	}

	logger.Info().Msg("Deskagent stopped")
	return nil
}

// Close releases the core modules of a daemon that was never started.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.cancel()
	d.closeCore()
	if d.tracingEnabled {
		return tracing.Shutdown(context.Background())
	}
	return nil
}

func (d *Daemon) closeCore() {
	if d.toolbox != nil {
		if err := d.toolbox.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close browser")
		}
		d.toolbox = nil
	}
	if d.memory != nil {
		_ = d.memory.Close()
		d.memory = nil
	}
	if d.sessions != nil {
		_ = d.sessions.Close()
		d.sessions = nil
	}
	if d.audit != nil {
		observability.SetAuditLog(nil)
		_ = d.audit.Close()
		d.audit = nil
	}
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status reports whether services are running.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:   d.running,
		SessionID: d.loop.SessionID(),
		Tools:     d.registry.GetToolCount(),
		Memory:    d.memory != nil,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until the daemon's context is cancelled.
func (d *Daemon) Wait() {
	<-d.ctx.Done()
}

// GetConfig returns the configuration.
func (d *Daemon) GetConfig() *config.Config { return d.config }

// GetLogger returns the logger.
func (d *Daemon) GetLogger() *logger.Logger { return d.logger }

// Agent returns the agent loop.
func (d *Daemon) Agent() *orchestrator.Loop { return d.loop }

// Sessions returns the conversation and task log.
func (d *Daemon) Sessions() *session.Store { return d.sessions }

// Memory returns the fact store, or nil when memory is unavailable.
func (d *Daemon) Memory() *memory.Store { return d.memory }

// Registry returns the tool registry.
func (d *Daemon) Registry() *toolexecutor.Registry { return d.registry }

// Toolbox returns the registered tool groups.
func (d *Daemon) Toolbox() *tools.Toolbox { return d.toolbox }

// Redactor returns the privacy redactor.
func (d *Daemon) Redactor() *privacy.Redactor { return d.redactor }

// GetGatewayServer returns the gateway, or nil before Start.
func (d *Daemon) GetGatewayServer() *gateway.Server { return d.gatewayServer }

// GetCronService returns the cron service, or nil before Start.
func (d *Daemon) GetCronService() *cron.Service { return d.cronService }
