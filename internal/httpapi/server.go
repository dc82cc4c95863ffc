package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaychat/internal/logx"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

type ServerConfig struct {
	Heartbeat          time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	MaxMailboxPage     int
	MetricsHandler     http.Handler
	Logger             logx.Logger
}

type Server struct {
	hub     *relaychat.Hub
	cfg     ServerConfig
	log     logx.Logger
	schemas schemaSet

	now       func() time.Time
	limitMu   sync.Mutex
	limiters  map[relaychat.UserID]*userLimiter
	lastSweep time.Time
}

// limiterIdleTTL is the minimum time a user's limiter may go unused before it
// is dropped.
const limiterIdleTTL = 10 * time.Minute

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() schemaSet {
	set, err := compileSchemas()
	if err != nil {
		panic(err)
	}
	return set
}

func NewServer(hub *relaychat.Hub) *Server {
	return NewServerWithConfig(hub, ServerConfig{})
}

func NewServerWithConfig(hub *relaychat.Hub, cfg ServerConfig) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.RateLimitPerSecond < 0 {
		cfg.RateLimitPerSecond = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(math.Max(1, math.Ceil(cfg.RateLimitPerSecond)))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxMailboxPage <= 0 {
		cfg.MaxMailboxPage = 1000
	}
	return &Server{
		hub:      hub,
		cfg:      cfg,
		log:      cfg.Logger.With(logx.String("component", "httpapi")),
		schemas:  compiledSchemas,
		now:      time.Now,
		limiters: map[relaychat.UserID]*userLimiter{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"channels": s.hub.Registry().Count(),
		})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		if s.cfg.MetricsHandler == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics disabled", getCorrelationID(r))
			return
		}
		s.cfg.MetricsHandler.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	case len(parts) == 2 && parts[1] == "ws" && r.Method == http.MethodGet:
		route = "ws"
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		route = "post_message"
	case len(parts) == 3 && parts[1] == "mailbox" && parts[2] == "chats" && r.Method == http.MethodGet:
		route = "mailbox_chats"
	case len(parts) == 4 && parts[1] == "mailbox" && parts[2] == "chats" && r.Method == http.MethodGet:
		route = "mailbox_list"
	case len(parts) == 6 && parts[1] == "mailbox" && parts[2] == "chats" && parts[4] == "messages" && r.Method == http.MethodGet:
		route = "mailbox_get"
	case len(parts) == 6 && parts[1] == "chats" && parts[3] == "messages" && parts[5] == "received" && r.Method == http.MethodPost:
		route = "received"
	case len(parts) == 6 && parts[1] == "chats" && parts[3] == "messages" && parts[5] == "read" && r.Method == http.MethodPost:
		route = "read"
	case len(parts) == 6 && parts[1] == "chats" && parts[3] == "messages" && parts[5] == "reactions" && r.Method == http.MethodPost:
		route = "reactions"
	case len(parts) == 4 && parts[1] == "chats" && parts[3] == "banner" && r.Method == http.MethodPost:
		route = "banner"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	user, ok := s.authenticate(w, r, route, correlationID)
	if !ok {
		return
	}
	if !s.allow(user) {
		retryAfter := int(math.Ceil(1 / s.cfg.RateLimitPerSecond))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "events":
		s.handleEventStream(w, r, user)
	case "ws":
		s.handleWebSocket(w, r, user)
	case "post_message":
		s.handlePostMessage(w, r, user, correlationID)
	case "mailbox_chats":
		s.handleMailboxChats(w, user)
	case "mailbox_list":
		s.handleMailboxList(w, r, user, parts[3], correlationID)
	case "mailbox_get":
		s.handleMailboxGet(w, user, parts[3], parts[5], correlationID)
	case "received", "read":
		s.handleReceipt(w, user, parts[2], parts[4], route, correlationID)
	case "reactions":
		s.handleReaction(w, r, user, parts[2], parts[4], correlationID)
	case "banner":
		s.handleBanner(w, r, user, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// authenticate resolves the request token. Streaming routes answer a bad
// token with the invalid-token frame so frame-reading clients can see it.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, route, correlationID string) (relaychat.UserID, bool) {
	token, authErr := requestToken(r)
	var user relaychat.UserID
	var err error
	if authErr == nil {
		user, err = s.hub.Authenticate(token)
	}
	if authErr == nil && err == nil {
		return user, true
	}
	if route == "events" || route == "ws" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write(relaychat.InvalidTokenFrame())
		return "", false
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return "", false
	}
	s.writeHubError(w, err, correlationID)
	return "", false
}

func (s *Server) allow(user relaychat.UserID) bool {
	if s.cfg.RateLimitPerSecond <= 0 {
		return true
	}
	now := s.now()
	s.limitMu.Lock()
	idle := s.limiterIdle()
	if now.Sub(s.lastSweep) >= idle {
		for id, entry := range s.limiters {
			if now.Sub(entry.lastSeen) >= idle {
				delete(s.limiters, id)
			}
		}
		s.lastSweep = now
	}
	entry, ok := s.limiters[user]
	if !ok {
		entry = &userLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), s.cfg.RateLimitBurst)}
		s.limiters[user] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	s.limitMu.Unlock()
	return limiter.AllowN(now, 1)
}

// limiterIdle never undercuts a full bucket refill, so a dropped limiter
// would have granted the whole burst again anyway.
func (s *Server) limiterIdle() time.Duration {
	refill := time.Duration(float64(s.cfg.RateLimitBurst) / s.cfg.RateLimitPerSecond * float64(time.Second))
	if refill > limiterIdleTTL {
		return refill
	}
	return limiterIdleTTL
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, user relaychat.UserID, correlationID string) {
	body, ok := s.readValidatedBody(w, r, schemaPostMessage, correlationID)
	if !ok {
		return
	}
	var req struct {
		Chat      relaychat.ChatID `json:"chat"`
		Text      string           `json:"text"`
		Timestamp int64            `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	msg, err := s.hub.PostMessage(user, req.Chat, req.Text, req.Timestamp)
	if err != nil {
		s.writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleReceipt(w http.ResponseWriter, user relaychat.UserID, rawChat, rawID, route, correlationID string) {
	chat, id, ok := parseMessageRef(w, rawChat, rawID, correlationID)
	if !ok {
		return
	}
	var err error
	if route == "read" {
		err = s.hub.MarkRead(user, chat, id)
	} else {
		err = s.hub.AcknowledgeReceipt(user, chat, id)
	}
	if err != nil {
		s.writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"chat":    chat,
		"id":      id,
		"receipt": route,
	})
}

func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request, user relaychat.UserID, rawChat, rawID, correlationID string) {
	chat, id, ok := parseMessageRef(w, rawChat, rawID, correlationID)
	if !ok {
		return
	}
	body, ok := s.readValidatedBody(w, r, schemaReaction, correlationID)
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.hub.React(user, chat, id, req.Emoji); err != nil {
		s.writeHubError(w, err, correlationID)
		return
	}
	// Senders do not keep a mailbox copy unless self delivery is on.
	entry, err := s.hub.MailboxGet(user, chat, id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "chat": chat, "id": id})
		return
	}
	writeJSON(w, http.StatusOK, entry.Message)
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request, user relaychat.UserID, rawChat, correlationID string) {
	chat, ok := parseChat(w, rawChat, correlationID)
	if !ok {
		return
	}
	body, ok := s.readValidatedBody(w, r, schemaBanner, correlationID)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.hub.CheckMember(user, chat); err != nil {
		s.writeHubError(w, err, correlationID)
		return
	}
	banner, err := s.hub.Announce(chat, req.Text)
	if err != nil {
		s.writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, banner)
}

func (s *Server) handleMailboxChats(w http.ResponseWriter, user relaychat.UserID) {
	chats := s.hub.MailboxListChats(user)
	if chats == nil {
		chats = []relaychat.ChatID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleMailboxList(w http.ResponseWriter, r *http.Request, user relaychat.UserID, rawChat, correlationID string) {
	chat, ok := parseChat(w, rawChat, correlationID)
	if !ok {
		return
	}
	query := r.URL.Query()
	opts := relaychat.ListOptions{
		Limit: parseBoundedInt(query.Get("limit"), 0, 1, s.cfg.MaxMailboxPage),
	}
	for _, bound := range []struct {
		name string
		dst  **int64
	}{
		{name: "after", dst: &opts.After},
		{name: "before", dst: &opts.Before},
	} {
		raw := strings.TrimSpace(query.Get(bound.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid %s: %q", bound.name, raw), correlationID)
			return
		}
		*bound.dst = &v
	}
	entries, err := s.hub.MailboxList(user, chat, opts)
	if err != nil {
		s.writeHubError(w, err, correlationID)
		return
	}
	if entries == nil {
		entries = []relaychat.MailboxEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat":    chat,
		"entries": entries,
	})
}

func (s *Server) handleMailboxGet(w http.ResponseWriter, user relaychat.UserID, rawChat, rawID, correlationID string) {
	chat, id, ok := parseMessageRef(w, rawChat, rawID, correlationID)
	if !ok {
		return
	}
	entry, err := s.hub.MailboxGet(user, chat, id)
	if err != nil {
		s.writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) writeHubError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, relaychat.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrUnknownChat):
		writeError(w, http.StatusNotFound, "unknown_chat", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrUserNotInChat):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaychat.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.log.Error("request failed", logx.String("correlation_id", correlationID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func parseChat(w http.ResponseWriter, raw, correlationID string) (relaychat.ChatID, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid chat id: %q", raw), correlationID)
		return 0, false
	}
	return relaychat.ChatID(v), true
}

func parseMessageRef(w http.ResponseWriter, rawChat, rawID, correlationID string) (relaychat.ChatID, relaychat.MessageID, bool) {
	chat, ok := parseChat(w, rawChat, correlationID)
	if !ok {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(rawID), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid message id: %q", rawID), correlationID)
		return 0, 0, false
	}
	return chat, relaychat.MessageID(v), true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

func (s *Server) readValidatedBody(w http.ResponseWriter, r *http.Request, schema, correlationID string) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
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
