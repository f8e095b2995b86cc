package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/harun/deskagent/internal/tracing"
	"github.com/harun/deskagent/pkg/memory"
	"github.com/harun/deskagent/pkg/toolexecutor"
)

const (
	defaultTaskLimit   = 20
	defaultMemoryLimit = 10
	defaultMemoryQuery = "recent"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// handleChat runs one turn. It accepts JSON or multipart with a message
// field and any number of files fields.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	logger := tracing.LoggerFromContext(r.Context(), s.logger)

	var (
		req         ChatRequest
		attachments []string
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
			return
		}
		req.Message = r.FormValue("message")
		privacy := !strings.EqualFold(r.FormValue("privacy"), "false")
		req.Privacy = &privacy

		saved, err := s.saveUploads(r.MultipartForm.File["files"])
		if err != nil {
			logger.Error().Err(err).Msg("Failed to store attachments")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, f := range saved {
			attachments = append(attachments, f.Path)
		}
	} else if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "Empty message")
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	if req.Privacy != nil && *req.Privacy != s.agent.PrivacyEnabled() {
		s.agent.SetPrivacyEnabled(*req.Privacy)
	}

	// A turn runs to completion even if the client goes away.
	answer, err := s.agent.Run(tracing.Detach(r.Context()), req.Message, attachments)
	if err != nil {
		logger.Error().Err(err).Msg("Agent turn failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	names := make([]string, 0, len(attachments))
	for _, p := range attachments {
		names = append(names, filepath.Base(p))
	}
	files := s.agent.LastGeneratedFiles()
	if files == nil {
		files = []toolexecutor.GeneratedFile{}
	}
	resp := ChatResponse{
		Response:       answer,
		SessionID:      s.agent.SessionID(),
		Timestamp:      time.Now(),
		PrivacyActive:  s.agent.PrivacyEnabled(),
		AIView:         s.agent.LastRedactedInput(),
		GeneratedFiles: files,
		Attachments:    names,
	}
	s.broadcaster.Broadcast("turn.completed", map[string]interface{}{
		"session_id": resp.SessionID,
		"files":      len(files),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	saved, err := s.saveUploads(r.MultipartForm.File["files"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": saved})
}

// saveUploads stores each file in the upload dir under a timestamped name.
func (s *Server) saveUploads(headers []*multipart.FileHeader) ([]UploadedFile, error) {
	saved := make([]UploadedFile, 0, len(headers))
	if len(headers) == 0 {
		return saved, nil
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	stamp := time.Now().Format("20060102_150405")
	for _, h := range headers {
		name := filepath.Base(strings.ReplaceAll(h.Filename, `\`, "/"))
		if name == "" || name == "." || name == "/" {
			continue
		}
		path := filepath.Join(s.uploadDir, stamp+"_"+name)
		size, err := copyUpload(h, path)
		if err != nil {
			return nil, fmt.Errorf("failed to save %s: %w", name, err)
		}
		s.logger.Info().Str("path", path).Int64("bytes", size).Msg("File uploaded")
		saved = append(saved, UploadedFile{
			Name:   name,
			Path:   path,
			SizeKB: math.Round(float64(size)/1024*10) / 10,
		})
	}
	return saved, nil
}

func copyUpload(h *multipart.FileHeader, path string) (int64, error) {
	src, err := h.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// handleDownload serves a generated file. Only files under the data dir
// are served.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	path, err := s.resolveDownload(r.URL.Query().Get("path"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "File not found")
		return
	case errors.Is(err, os.ErrPermission):
		writeError(w, http.StatusForbidden, "Access denied")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) resolveDownload(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("path is required")
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	root := s.dataDir
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", os.ErrPermission
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", os.ErrNotExist
	}
	if info.IsDir() {
		return "", os.ErrPermission
	}
	return abs, nil
}

func (s *Server) handlePrivacy(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodPost {
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		enabled := body.Enabled == nil || *body.Enabled
		s.agent.SetPrivacyEnabled(enabled)
		s.broadcaster.Broadcast("privacy.changed", map[string]interface{}{"enabled": enabled})
		writeJSON(w, http.StatusOK, map[string]interface{}{"privacy_enabled": enabled})
		return
	}

	resp := map[string]interface{}{"privacy_enabled": s.agent.PrivacyEnabled()}
	if s.privacy != nil {
		resp["engine"] = s.privacy.Engine(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	defs := s.tools.Definitions()
	out := make([]ToolInfo, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = []toolexecutor.ToolParameter{}
		}
		out = append(out, ToolInfo{Name: d.Name, Description: d.Description, Category: d.Category, Parameters: params})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": out})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	limit := queryInt(r, "limit", defaultTaskLimit)
	tasks, err := s.sessions.RecentTasks(r.Context(), s.agent.SessionID(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory is disabled")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		query = defaultMemoryQuery
	}
	results, err := s.memory.Search(r.Context(), query, memory.DefaultSearchOptions(queryInt(r, "limit", defaultMemoryLimit)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": results})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	defs := s.tools.Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}

	resp := map[string]interface{}{
		"session_id":      s.agent.SessionID(),
		"tools_count":     len(names),
		"tools":           names,
		"privacy_enabled": s.agent.PrivacyEnabled(),
		"clients":         s.clients.Count(),
	}
	if s.memory != nil {
		resp["memory_size"] = s.memory.Count(r.Context())
	}
	history, err := s.sessions.History(r.Context(), s.agent.SessionID(), queryInt(r, "history", defaultHistoryLimit))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load session history")
	} else {
		resp["history"] = history
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth runs every configured check. The service is unhealthy when
// a critical check does not return ok.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	healthy := true
	checks := make(map[string]CheckResult, len(s.health))
	for _, hc := range s.health {
		res := hc.Run(r.Context())
		checks[hc.Name] = res
		if hc.Critical && res.Status != CheckOK {
			healthy = false
		}
	}

	msg := "All systems operational"
	status := http.StatusOK
	if !healthy {
		msg = "Some checks failed, see details"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy": healthy,
		"checks":  checks,
		"message": msg,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
