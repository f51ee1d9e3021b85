package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/agentworkforce/steptrail/internal/syncconfig"
	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
)

const reasonUnknownKind = "unknown-kind"

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// APIToken, when set, is required as a bearer token on every /v1 route.
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// SyncConfigPath receives configs accepted by PUT /v1/sync/config.
	SyncConfigPath string
	// StreamOriginPatterns lists the browser origins allowed to open the
	// event stream, e.g. "chrome-extension://*".
	StreamOriginPatterns []string
	Logger               Logger
}

type Server struct {
	engine      *steptrail.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *steptrail.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *steptrail.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 4 && parts[1] == "tabs" && parts[3] == "events" && r.Method == http.MethodPost:
		route = "tab_events"
	case len(parts) == 4 && parts[1] == "tabs" && parts[3] == "stream" && r.Method == http.MethodGet:
		route = "tab_stream"
	case len(parts) == 2 && parts[1] == "control" && r.Method == http.MethodPost:
		route = "control"
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodGet:
		route = "sessions"
	case len(parts) == 3 && parts[1] == "sessions" && r.Method == http.MethodGet:
		route = "session"
	case len(parts) == 3 && parts[1] == "sessions" && r.Method == http.MethodDelete:
		route = "delete_session"
	case len(parts) == 4 && parts[1] == "steps" && parts[3] == "annotations" && r.Method == http.MethodPut:
		route = "annotations"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "config" && r.Method == http.MethodGet:
		route = "sync_config"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "config" && r.Method == http.MethodPut:
		route = "put_sync_config"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		route = "sync_now"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		route = "sync_status"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeRequest(r, s.cfg.APIToken, route == "tab_stream"); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "tab_events":
		s.handleTabEvents(w, r, parts[2], correlationID)
	case "tab_stream":
		s.handleTabStream(w, r, parts[2], correlationID)
	case "control":
		s.handleControl(w, r, correlationID)
	case "status":
		s.handleStatus(w, r, correlationID)
	case "sessions":
		s.handleSessions(w, r, correlationID)
	case "session":
		s.handleSession(w, r, parts[2], correlationID)
	case "delete_session":
		s.handleDeleteSession(w, r, parts[2], correlationID)
	case "annotations":
		s.handleAnnotations(w, r, parts[2], correlationID)
	case "sync_config":
		s.handleSyncConfig(w, r, correlationID)
	case "put_sync_config":
		s.handlePutSyncConfig(w, r, correlationID)
	case "sync_now":
		s.handleSyncNow(w, r, correlationID)
	case "sync_status":
		s.handleSyncStatus(w, r, correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	}
}

func (s *Server) handleTabEvents(w http.ResponseWriter, r *http.Request, rawTabID, correlationID string) {
	tabID, ok := parseTabID(rawTabID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid tab id", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	sender := steptrail.SenderContext{TabID: tabID, TargetID: strings.TrimSpace(r.Header.Get("X-Target-Id"))}
	result, err := s.ingest(r.Context(), body, sender)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ingest decodes and records one event. An unknown kind is a rejection,
// not an error.
func (s *Server) ingest(ctx context.Context, body []byte, sender steptrail.SenderContext) (steptrail.IngestResult, error) {
	ev, err := steptrail.DecodeEvent(body)
	if errors.Is(err, steptrail.ErrUnknownEventKind) {
		return steptrail.IngestResult{Accepted: false, Reason: reasonUnknownKind}, nil
	}
	if err != nil {
		return steptrail.IngestResult{}, err
	}
	return s.engine.Ingest(ctx, ev, sender)
}

type streamError struct {
	Accepted bool   `json:"accepted"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// handleTabStream serves a websocket carrying one event per text frame and
// one IngestResult per reply frame.
func (s *Server) handleTabStream(w http.ResponseWriter, r *http.Request, rawTabID, correlationID string) {
	tabID, ok := parseTabID(rawTabID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid tab id", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOriginPatterns})
	if err != nil {
		s.logf("httpapi: stream accept failed tab=%d: %v", tabID, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	ctx := r.Context()
	sender := steptrail.SenderContext{TabID: tabID, TargetID: strings.TrimSpace(r.URL.Query().Get("targetId"))}
	s.logf("httpapi: stream opened tab=%d", tabID)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.logf("httpapi: stream closed tab=%d: %v", tabID, err)
			}
			return
		}
		if typ != websocket.MessageText {
			_ = conn.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}

		var reply any
		result, err := s.ingest(ctx, data, sender)
		if err != nil {
			status, code := errorStatus(err)
			if status >= http.StatusInternalServerError {
				s.logf("httpapi: stream ingest failed tab=%d: %v", tabID, err)
			}
			reply = streamError{Code: code, Message: err.Error()}
		} else {
			reply = result
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "encode reply")
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return
		}
	}
}

type controlRequest struct {
	Type      string `json:"type"`
	TabID     int    `json:"tabId"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req controlRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ctx := r.Context()
	var (
		resp any
		err  error
	)
	switch strings.TrimSpace(req.Type) {
	case "start-capture":
		resp, err = s.engine.StartCapture(ctx, req.TabID)
	case "stop-capture":
		resp, err = s.engine.StopCapture(ctx)
	case "discard-last-step":
		resp, err = s.engine.DiscardLastStep(ctx, req.SessionID, req.TabID)
	case "get-status":
		resp, err = s.engine.Status(ctx, req.TabID)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown control type: "+req.Type, correlationID)
		return
	}
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	tabID := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("tabId")); raw != "" {
		parsed, ok := parseTabID(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid tabId query", correlationID)
			return
		}
		tabID = parsed
	}
	status, err := s.engine.Status(r.Context(), tabID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, correlationID string) {
	sessions, err := s.engine.ListSessions(r.Context())
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sessions})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, sessionID, correlationID string) {
	detail, err := s.engine.SessionDetail(r.Context(), sessionID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, sessionID, correlationID string) {
	if err := s.engine.DeleteSession(r.Context(), sessionID); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "sessionId": sessionID})
}

func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request, stepID, correlationID string) {
	var body struct {
		Annotations []steptrail.Annotation `json:"annotations"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	step, err := s.engine.UpdateAnnotations(r.Context(), stepID, body.Annotations)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleSyncConfig(w http.ResponseWriter, r *http.Request, correlationID string) {
	cfg, err := s.engine.SyncConfig(r.Context())
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutSyncConfig(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	cfg, err := syncconfig.Parse(body)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	applied, err := s.engine.SetSyncConfig(r.Context(), cfg)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	if s.cfg.SyncConfigPath != "" {
		if err := syncconfig.Save(s.cfg.SyncConfigPath, applied); err != nil {
			s.logf("httpapi: persist sync config failed: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "sync config applied but not persisted", correlationID)
			return
		}
	}
	writeJSON(w, http.StatusOK, applied)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	states, err := s.engine.SyncNow(r.Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	overview, err := s.engine.SyncOverview(r.Context())
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":    overview.Config,
		"syncState": overview.State,
		"queue":     overview.Queue,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	entries, err := s.engine.EventLog(r.Context())
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), len(entries), 1, len(entries))
	if limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

const correlationHeader = "X-Correlation-Id"

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return "req_" + ulid.Make().String()
}

func parseTabID(raw string) (int, bool) {
	tabID, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || tabID < 0 {
		return 0, false
	}
	return tabID, true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, steptrail.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, steptrail.ErrInvalidInput), errors.Is(err, steptrail.ErrUnknownEventKind):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, steptrail.ErrClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	status, code := errorStatus(err)
	writeError(w, status, code, err.Error(), correlationID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set(correlationHeader, correlationID)
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
