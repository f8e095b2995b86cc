// Package gateway serves the agent over HTTP and WebSocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
)

const (
	defaultMaxUploadMB  = 20
	defaultHistoryLimit = 20
	shutdownTimeout     = 30 * time.Second
)

// Config holds server configuration.
type Config struct {
	Host               string
	Port               int
	RateLimitPerMinute int
	// DataDir bounds /api/download.
	DataDir     string
	UploadDir   string
	MaxUploadMB int

	Agent    Agent
	Sessions SessionStore
	Tools    ToolCatalog
	// Memory and Privacy are optional.
	Memory  MemoryIndex
	Privacy PrivacyEngine
	Health  []HealthCheck
	Logger  zerolog.Logger
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	cfg         Config
	dataDir     string
	uploadDir   string
	maxUpload   int64
	agent       Agent
	sessions    SessionStore
	tools       ToolCatalog
	memory      MemoryIndex
	privacy     PrivacyEngine
	health      []HealthCheck
	logger      zerolog.Logger
	limiter     *RateLimiter
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	upgrader    websocket.Upgrader

	server         *http.Server
	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer validates cfg and builds a server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Agent == nil {
		return nil, errors.New("agent is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("tool catalog is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(cfg.DataDir, "uploads")
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = defaultMaxUploadMB
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	return &Server{
		cfg:         cfg,
		dataDir:     dataDir,
		uploadDir:   cfg.UploadDir,
		maxUpload:   int64(cfg.MaxUploadMB) << 20,
		agent:       cfg.Agent,
		sessions:    cfg.Sessions,
		tools:       cfg.Tools,
		memory:      cfg.Memory,
		privacy:     cfg.Privacy,
		health:      cfg.Health,
		logger:      logger,
		limiter:     NewRateLimiter(cfg.RateLimitPerMinute),
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, logger),
		upgrader: websocket.Upgrader{
			// The API is served to a local UI on another port.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the routed handler with rate limiting and request
// tracing applied.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/chat", s.handleChat)
	api.HandleFunc("/api/upload", s.handleUpload)
	api.HandleFunc("/api/download", s.handleDownload)
	api.HandleFunc("/api/privacy", s.handlePrivacy)
	api.HandleFunc("/api/tools", s.handleTools)
	api.HandleFunc("/api/tasks", s.handleTasks)
	api.HandleFunc("/api/memory", s.handleMemory)
	api.HandleFunc("/api/session", s.handleSession)
	api.HandleFunc("/ws", s.handleWebSocket)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.limiter.Middleware(api))
	mux.Handle("/ws", s.limiter.Middleware(api))
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", observability.MetricsHandler())
	return s.withRequestContext(mux)
}

// Start listens in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop refuses new work, waits for running turns and closes every
// connection.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
	}

	for _, c := range s.clients.All() {
		c.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// CleanupLimiter drops idle rate-limit windows.
func (s *Server) CleanupLimiter() int {
	return s.limiter.Cleanup()
}

// Broadcast sends an event to every WebSocket client.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// ConnectedClients describes the open WebSocket connections.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Infos()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// withRequestContext tags each request with a trace ID, honouring
// X-Trace-Id.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-Id", traceID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
