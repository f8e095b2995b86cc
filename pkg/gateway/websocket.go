package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/deskagent/internal/tracing"
)

// handleWebSocket upgrades the connection and serves chat messages on it
// until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = tracing.NewTraceID()
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    clientKey(r),
	}
	s.clients.Add(client)
	s.logger.Info().Str("clientId", clientID).Str("ip", client.IPAddress).Msg("Client connected")

	go s.serveClient(client)
}

// serveClient reads messages one at a time; each is answered before the
// next is read.
func (s *Server) serveClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.Touch(client.ID)
		s.handleSocketMessage(client, data)
	}
}

func (s *Server) handleSocketMessage(client *Client, data []byte) {
	reply := func(resp SocketResponse) {
		if err := client.WriteJSON(resp); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send response")
		}
	}

	if s.shuttingDown() {
		reply(SocketResponse{Type: "error", Content: "server is shutting down"})
		return
	}
	if !s.limiter.Allow(client.IPAddress) {
		reply(SocketResponse{Type: "error", Content: "rate limit exceeded"})
		return
	}

	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		reply(SocketResponse{Type: "error", Content: "invalid message"})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		reply(SocketResponse{Type: "error", Content: "Empty message"})
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	if req.Privacy != nil && *req.Privacy != s.agent.PrivacyEnabled() {
		s.agent.SetPrivacyEnabled(*req.Privacy)
	}

	ctx := tracing.NewRequestContext(context.Background())
	answer, err := s.agent.Run(ctx, req.Message, nil)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Str("clientId", client.ID).Msg("Agent turn failed")
		reply(SocketResponse{Type: "error", Content: "[Error] " + err.Error()})
		return
	}
	reply(SocketResponse{
		Type:           "response",
		Content:        answer,
		GeneratedFiles: s.agent.LastGeneratedFiles(),
		RedactedInput:  s.agent.LastRedactedInput(),
	})
}
