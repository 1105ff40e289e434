package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/outreachdesk/internal/clock"
	"github.com/agentworkforce/outreachdesk/internal/draftsync"
	"github.com/agentworkforce/outreachdesk/internal/logging"
	"github.com/agentworkforce/outreachdesk/internal/outreach"
	"github.com/agentworkforce/outreachdesk/internal/remote"
)

const (
	scopeDraftsRead     = "drafts:read"
	scopeDraftsWrite    = "drafts:write"
	scopeSyncTrigger    = "sync:trigger"
	scopePipelinesAdmin = "pipelines:admin"

	correlationHeader = "X-Correlation-Id"
	eventBuffer       = 128
	eventWriteTimeout = 10 * time.Second
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// OriginPatterns lists extra hosts allowed to open the events websocket
	// from a browser on another origin.
	OriginPatterns []string
	Clock          clock.Clock
	Logger         logging.Logger
}

type Server struct {
	syncers     map[string]*draftsync.Syncer
	invoker     remote.Invoker
	cfg         ServerConfig
	clock       clock.Clock
	logger      logging.Logger
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

type patchRequest struct {
	Fields draftsync.Fields `json:"fields"`
}

type tableSummary struct {
	Name          string     `json:"name"`
	KeyField      string     `json:"keyField"`
	Editable      []string   `json:"editable"`
	Upsert        bool       `json:"upsert"`
	Records       int        `json:"records"`
	Pending       int        `json:"pending"`
	Failed        int        `json:"failed"`
	LastRefreshAt *time.Time `json:"lastRefreshAt,omitempty"`
	Stale         bool       `json:"stale"`
}

type overviewRow struct {
	outreach.SenderOverview
	Label string `json:"label"`
}

func NewServer(syncers []*draftsync.Syncer, invoker remote.Invoker) *Server {
	return NewServerWithConfig(syncers, invoker, ServerConfig{})
}

func NewServerWithConfig(syncers []*draftsync.Syncer, invoker remote.Invoker, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	byName := make(map[string]*draftsync.Syncer, len(syncers))
	for _, syncer := range syncers {
		if syncer != nil {
			byName[syncer.Table().Name] = syncer
		}
	}
	return &Server{
		syncers:     byName,
		invoker:     invoker,
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      logging.OrNop(cfg.Logger),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	parts, ok := splitPath(r.URL.EscapedPath())
	if !ok || len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "tables" && r.Method == http.MethodGet:
		requiredScope, route = scopeDraftsRead, "tables"
	case len(parts) == 4 && parts[1] == "tables" && parts[3] == "records" && r.Method == http.MethodGet:
		requiredScope, route = scopeDraftsRead, "records"
	case len(parts) == 5 && parts[1] == "tables" && parts[3] == "records" && r.Method == http.MethodGet:
		requiredScope, route = scopeDraftsRead, "record"
	case len(parts) == 5 && parts[1] == "tables" && parts[3] == "records" && r.Method == http.MethodPatch:
		requiredScope, route = scopeDraftsWrite, "patch_record"
	case len(parts) == 6 && parts[1] == "tables" && parts[3] == "records" && r.Method == http.MethodPost &&
		(parts[5] == "flush" || parts[5] == "discard" || parts[5] == "retry"):
		requiredScope, route = scopeDraftsWrite, parts[5]+"_record"
	case len(parts) == 4 && parts[1] == "tables" && parts[3] == "refresh" && r.Method == http.MethodPost:
		requiredScope, route = scopeSyncTrigger, "refresh"
	case len(parts) == 4 && parts[1] == "tables" && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope, route = scopeDraftsRead, "events"
	case len(parts) == 3 && parts[1] == "senders" && parts[2] == "overview" && r.Method == http.MethodGet:
		requiredScope, route = scopeDraftsRead, "sender_overview"
	case len(parts) == 3 && parts[1] == "settings" && parts[2] == "scraper" && r.Method == http.MethodGet:
		requiredScope, route = scopeDraftsRead, "scraper_settings"
	case len(parts) == 3 && parts[1] == "pipelines" && parts[2] == "reset" && r.Method == http.MethodPost:
		requiredScope, route = scopePipelinesAdmin, "pipelines_reset"
	case len(parts) == 4 && parts[1] == "pipelines" && parts[3] == "clear" && r.Method == http.MethodPost:
		requiredScope, route = scopePipelinesAdmin, "pipeline_clear"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	now := s.clock.Now()
	p, authErr := authorizeBearer(bearerToken(r, route == "events"), s.cfg.JWTSecret, requiredScope, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(p.Subject, now) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "tables":
		s.handleTables(w)
		return
	case "sender_overview":
		s.handleSenderOverview(w, correlationID)
		return
	case "scraper_settings":
		s.handleScraperSettings(w, correlationID)
		return
	case "pipelines_reset":
		s.handlePipelinesReset(w, r, correlationID)
		return
	case "pipeline_clear":
		s.handlePipelineClear(w, r, parts[2], correlationID)
		return
	}

	syncer, ok := s.syncers[parts[2]]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown table: "+parts[2], correlationID)
		return
	}
	switch route {
	case "records":
		writeJSON(w, http.StatusOK, syncer.Snapshot())
	case "record":
		s.handleRecord(w, syncer, parts[4], correlationID)
	case "patch_record":
		s.handlePatchRecord(w, r, syncer, parts[4], correlationID)
	case "flush_record":
		s.handleFlushRecord(w, r, syncer, parts[4], correlationID)
	case "discard_record":
		s.handleDiscardRecord(w, syncer, parts[4], correlationID)
	case "retry_record":
		s.handleRetryRecord(w, syncer, parts[4], correlationID)
	case "refresh":
		s.handleRefresh(w, r, syncer, correlationID)
	case "events":
		s.handleEvents(w, r, syncer)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) tableNames() []string {
	names := make([]string, 0, len(s.syncers))
	for name := range s.syncers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) handleTables(w http.ResponseWriter) {
	out := make([]tableSummary, 0, len(s.syncers))
	for _, name := range s.tableNames() {
		syncer := s.syncers[name]
		table := syncer.Table()
		snap := syncer.Snapshot()
		summary := tableSummary{
			Name:          name,
			KeyField:      table.KeyField,
			Editable:      append([]string(nil), table.Editable...),
			Upsert:        table.Upsert,
			Records:       len(snap.Records),
			LastRefreshAt: snap.LastRefreshAt,
			Stale:         snap.Stale,
		}
		for _, rec := range snap.Records {
			switch rec.Status.State {
			case draftsync.StateClean:
			case draftsync.StateFailed:
				summary.Failed++
			default:
				summary.Pending++
			}
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": out})
}

func (s *Server) handleRecord(w http.ResponseWriter, syncer *draftsync.Syncer, key, correlationID string) {
	view, ok := syncer.View(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePatchRecord(w http.ResponseWriter, r *http.Request, syncer *draftsync.Syncer, key, correlationID string) {
	var req patchRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	table := syncer.Table()
	if !table.Upsert {
		if _, ok := syncer.View(key); !ok {
			writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
			return
		}
	}
	if len(table.Sanitize(key, req.Fields)) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "patch has no editable fields", correlationID)
		return
	}
	syncer.Patch(key, req.Fields)
	view, _ := syncer.View(key)
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleFlushRecord(w http.ResponseWriter, r *http.Request, syncer *draftsync.Syncer, key, correlationID string) {
	if _, ok := syncer.View(key); !ok {
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
		return
	}
	if err := syncer.Flush(r.Context(), key); err != nil {
		s.logger.Warn(r.Context(), "flush failed", "table", syncer.Table().Name, "key", key, "error", err, "correlation_id", correlationID)
		writeSyncError(w, err, correlationID)
		return
	}
	view, _ := syncer.View(key)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDiscardRecord(w http.ResponseWriter, syncer *draftsync.Syncer, key, correlationID string) {
	if _, ok := syncer.View(key); !ok {
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
		return
	}
	syncer.Discard(key)
	view, _ := syncer.View(key)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRetryRecord(w http.ResponseWriter, syncer *draftsync.Syncer, key, correlationID string) {
	if err := syncer.Retry(key); err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, syncer.Status(key))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, syncer *draftsync.Syncer, correlationID string) {
	if err := syncer.Refresh(r.Context()); err != nil {
		s.logger.Warn(r.Context(), "refresh failed", "table", syncer.Table().Name, "error", err, "correlation_id", correlationID)
		writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, syncer.Snapshot())
}

// handleEvents streams the syncer's events over a websocket until the client
// goes away or the syncer closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, syncer *draftsync.Syncer) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := syncer.Subscribe(eventBuffer)
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "syncer closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleSenderOverview(w http.ResponseWriter, correlationID string) {
	syncer, ok := s.syncers[outreach.SenderAccountsTable]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "sender accounts are not synced", correlationID)
		return
	}
	rows, totals, err := outreach.Overview(syncer.Snapshot(), s.clock.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	out := make([]overviewRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, overviewRow{SenderOverview: row, Label: row.Status.Label()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"senders": out,
		"totals":  totals,
	})
}

func (s *Server) handleScraperSettings(w http.ResponseWriter, correlationID string) {
	syncer, ok := s.syncers[outreach.ScraperSettingsTable]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "scraper settings are not synced", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": outreach.ScraperSettingsFrom(syncer.Snapshot())})
}

func (s *Server) handlePipelineClear(w http.ResponseWriter, r *http.Request, rawType, correlationID string) {
	if s.invoker == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "store does not support procedures", correlationID)
		return
	}
	pipeline, err := outreach.ParsePipelineType(rawType)
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	cleared, err := outreach.ClearPipelineQueue(r.Context(), s.invoker, pipeline)
	if err != nil {
		s.logger.Warn(r.Context(), "pipeline clear failed", "pipeline", pipeline, "error", err, "correlation_id", correlationID)
		writeSyncError(w, err, correlationID)
		return
	}
	s.logger.Info(r.Context(), "pipeline queue cleared", "pipeline", pipeline, "cleared", cleared, "correlation_id", correlationID)
	s.refreshSenders(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"pipeline": pipeline, "cleared": cleared})
}

func (s *Server) handlePipelinesReset(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.invoker == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "store does not support procedures", correlationID)
		return
	}
	reset, err := outreach.ResetAllTasks(r.Context(), s.invoker)
	if err != nil {
		s.logger.Warn(r.Context(), "task reset failed", "error", err, "correlation_id", correlationID)
		writeSyncError(w, err, correlationID)
		return
	}
	s.logger.Info(r.Context(), "outreach tasks reset", "reset", reset, "correlation_id", correlationID)
	s.refreshSenders(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"reset": reset})
}

// refreshSenders reloads sender stats after queue changes so queued counts
// are not stale until the next poll.
func (s *Server) refreshSenders(ctx context.Context) {
	syncer, ok := s.syncers[outreach.SenderAccountsTable]
	if !ok {
		return
	}
	if err := syncer.Refresh(ctx); err != nil {
		s.logger.Warn(ctx, "sender refresh after queue change failed", "error", err)
	}
}

func writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *draftsync.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":            "conflict",
			"message":         err.Error(),
			"correlationId":   correlationID,
			"expectedVersion": conflict.ExpectedVersion,
			"currentVersion":  conflict.CurrentVersion,
		})
	case errors.Is(err, draftsync.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, draftsync.ErrInvalidDraft):
		writeError(w, http.StatusUnprocessableEntity, "invalid_draft", err.Error(), correlationID)
	case errors.Is(err, draftsync.ErrRejected):
		writeError(w, http.StatusUnprocessableEntity, "rejected", err.Error(), correlationID)
	case errors.Is(err, draftsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, draftsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, draftsync.ErrWriteInFlight):
		writeError(w, http.StatusConflict, "write_in_flight", err.Error(), correlationID)
	case errors.Is(err, draftsync.ErrNothingPending):
		writeError(w, http.StatusConflict, "nothing_pending", err.Error(), correlationID)
	case errors.Is(err, draftsync.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, draftsync.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
	}
}

// splitPath splits an escaped URL path into unescaped segments, so record keys
// may contain encoded slashes.
func splitPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, segment := range raw {
		part, err := url.PathUnescape(segment)
		if err != nil || part == "" {
			return nil, false
		}
		parts = append(parts, part)
	}
	return parts, true
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return "odk_" + uuid.NewString()
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
