package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/outreachdesk/internal/clock"
	"github.com/agentworkforce/outreachdesk/internal/draftsync"
	"github.com/agentworkforce/outreachdesk/internal/outreach"
	"github.com/agentworkforce/outreachdesk/internal/remote"
)

const (
	testSecret = "dev-secret"
	ana        = "ana@outreach.test"
)

var testNow = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

type fixture struct {
	server  *Server
	store   *remote.MemoryStore
	syncers map[string]*draftsync.Syncer
}

func newFixture(t *testing.T, cfg ServerConfig) fixture {
	t.Helper()
	store := remote.NewMemoryStore()
	if _, err := outreach.SeedMemory(store, testNow); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	fake := clock.NewFake(testNow)
	syncers := map[string]*draftsync.Syncer{}
	var list []*draftsync.Syncer
	for _, table := range outreach.Tables() {
		syncer, err := draftsync.NewSyncer(store, draftsync.Options{
			Table:           table,
			Clock:           fake,
			DetectConflicts: true,
		})
		if err != nil {
			t.Fatalf("new syncer %s: %v", table.Name, err)
		}
		t.Cleanup(func() { _ = syncer.Close() })
		if err := syncer.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh %s: %v", table.Name, err)
		}
		syncers[table.Name] = syncer
		list = append(list, syncer)
	}
	cfg.Clock = fake
	return fixture{
		server:  NewServerWithConfig(list, store, cfg),
		store:   store,
		syncers: syncers,
	}
}

func mustTestJWT(t *testing.T, secret, subject string, scopes any, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":    subject,
		"aud":    tokenAudience,
		"exp":    exp.Unix(),
		"scopes": scopes,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func allScopes() []string {
	return []string{scopeDraftsRead, scopeDraftsWrite, scopeSyncTrigger, scopePipelinesAdmin}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		if err := json.NewEncoder(&body).Encode(req.body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	httpReq := httptest.NewRequest(req.method, req.path, &body)
	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httpReq)
	return rec
}

func authed(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return out
}

func recordPath(table, key string) string {
	return "/v1/tables/" + table + "/records/" + key
}

func TestHealthNeedsNoAuth(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestRejectsInvalidTokens(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	cases := []struct {
		name    string
		token   string
		message string
	}{
		{
			name:    "expired",
			token:   mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(-time.Minute)),
			message: "token expired",
		},
		{
			name:    "wrong secret",
			token:   mustTestJWT(t, "other-secret", "ops", allScopes(), testNow.Add(time.Hour)),
			message: "jwt signature mismatch",
		},
		{
			name: "wrong audience",
			token: func() string {
				token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
					"sub": "ops", "aud": "relay", "exp": testNow.Add(time.Hour).Unix(), "scopes": allScopes(),
				}).SignedString([]byte(testSecret))
				if err != nil {
					t.Fatalf("sign: %v", err)
				}
				return token
			}(),
			message: "invalid aud claim",
		},
		{
			name: "missing exp",
			token: func() string {
				token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
					"sub": "ops", "aud": tokenAudience, "scopes": allScopes(),
				}).SignedString([]byte(testSecret))
				if err != nil {
					t.Fatalf("sign: %v", err)
				}
				return token
			}(),
			message: "missing exp claim",
		},
		{
			name:    "garbage",
			token:   "not-a-jwt",
			message: "invalid jwt format",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables", headers: authed(tc.token)})
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d (%s)", resp.Code, resp.Body.String())
			}
			payload := decodeBody(t, resp)
			if payload["message"] != tc.message {
				t.Fatalf("expected message %q, got %v", tc.message, payload["message"])
			}
		})
	}
}

func TestMissingScopeIsForbidden(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "viewer", []string{scopeDraftsRead}, testNow.Add(time.Hour))
	resp := doRequest(t, f.server, request{
		method:  http.MethodPatch,
		path:    recordPath(outreach.SenderAccountsTable, ana),
		headers: authed(token),
		body:    map[string]any{"fields": map[string]any{"daily_cap": 50}},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestScopesAcceptSpaceSeparatedString(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", "drafts:read drafts:write", testNow.Add(time.Hour))
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables", headers: authed(token)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestListTables(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables", headers: authed(token)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload struct {
		Tables []tableSummary `json:"tables"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Tables) != 3 {
		t.Fatalf("expected 3 tables, got %d", len(payload.Tables))
	}
	if payload.Tables[0].Name != outreach.PipelineSettingsTable {
		t.Fatalf("expected tables sorted by name, got %s first", payload.Tables[0].Name)
	}
	for _, table := range payload.Tables {
		if table.Name == outreach.SenderAccountsTable && table.Records != 2 {
			t.Fatalf("expected 2 sender records, got %d", table.Records)
		}
	}
}

func TestPatchThenFlushWritesRecord(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))

	patchResp := doRequest(t, f.server, request{
		method:  http.MethodPatch,
		path:    recordPath(outreach.SenderAccountsTable, ana),
		headers: authed(token),
		body:    map[string]any{"fields": map[string]any{"daily_cap": "55", "sent_today": 99}},
	})
	if patchResp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", patchResp.Code, patchResp.Body.String())
	}
	var view draftsync.RecordView
	if err := json.NewDecoder(patchResp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Draft["daily_cap"] != float64(55) {
		t.Fatalf("expected coerced daily_cap 55, got %v", view.Draft["daily_cap"])
	}
	if view.Status.State != draftsync.StateEditing || !view.Dirty {
		t.Fatalf("expected dirty editing record, got %+v", view.Status)
	}

	flushResp := doRequest(t, f.server, request{
		method:  http.MethodPost,
		path:    recordPath(outreach.SenderAccountsTable, ana) + "/flush",
		headers: authed(token),
	})
	if flushResp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", flushResp.Code, flushResp.Body.String())
	}
	view = draftsync.RecordView{}
	if err := json.NewDecoder(flushResp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status.State != draftsync.StateClean {
		t.Fatalf("expected clean after flush, got %s", view.Status.State)
	}
	if view.Remote["daily_cap"] != float64(55) {
		t.Fatalf("expected remote daily_cap 55, got %v", view.Remote["daily_cap"])
	}
	if view.Stats["sent_today"] != float64(12) {
		t.Fatalf("expected read-only stats untouched, got %v", view.Stats["sent_today"])
	}
}

func TestPatchRejectsUnknownRecordAndReadOnlyFields(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))

	missing := doRequest(t, f.server, request{
		method:  http.MethodPatch,
		path:    recordPath(outreach.SenderAccountsTable, "nobody@outreach.test"),
		headers: authed(token),
		body:    map[string]any{"fields": map[string]any{"daily_cap": 10}},
	})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}

	readOnly := doRequest(t, f.server, request{
		method:  http.MethodPatch,
		path:    recordPath(outreach.SenderAccountsTable, ana),
		headers: authed(token),
		body:    map[string]any{"fields": map[string]any{"sent_today": 1}},
	})
	if readOnly.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", readOnly.Code)
	}

	upsert := doRequest(t, f.server, request{
		method:  http.MethodPatch,
		path:    recordPath(outreach.ScraperSettingsTable, "filter_min_avg_price"),
		headers: authed(token),
		body:    map[string]any{"fields": map[string]any{"value": 750000}},
	})
	if upsert.Code != http.StatusAccepted {
		t.Fatalf("expected upsert table to accept new keys, got %d (%s)", upsert.Code, upsert.Body.String())
	}
}

func TestFlushInvalidDraftIsUnprocessable(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))
	doRequest(t, f.server, request{
		method:  http.MethodPatch,
		path:    recordPath(outreach.SenderAccountsTable, ana),
		headers: authed(token),
		body:    map[string]any{"fields": map[string]any{"gap_min_sec": 900}},
	})
	resp := doRequest(t, f.server, request{
		method:  http.MethodPost,
		path:    recordPath(outreach.SenderAccountsTable, ana) + "/flush",
		headers: authed(token),
	})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", resp.Code, resp.Body.String())
	}
	if payload := decodeBody(t, resp); payload["code"] != "invalid_draft" {
		t.Fatalf("expected invalid_draft code, got %v", payload["code"])
	}
	if got := f.syncers[outreach.SenderAccountsTable].Status(ana).State; got != draftsync.StateFailed {
		t.Fatalf("expected failed state, got %s", got)
	}

	discard := doRequest(t, f.server, request{
		method:  http.MethodPost,
		path:    recordPath(outreach.SenderAccountsTable, ana) + "/discard",
		headers: authed(token),
	})
	if discard.Code != http.StatusOK {
		t.Fatalf("expected 200 on discard, got %d", discard.Code)
	}
	if draft := f.syncers[outreach.SenderAccountsTable].Get(ana); draft["gap_min_sec"] != 90 {
		t.Fatalf("expected discard to restore remote draft, got %v", draft["gap_min_sec"])
	}
}

func TestFlushConflictReportsVersions(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))
	doRequest(t, f.server, request{
		method:  http.MethodPatch,
		path:    recordPath(outreach.SenderAccountsTable, ana),
		headers: authed(token),
		body:    map[string]any{"fields": map[string]any{"daily_cap": 45}},
	})
	if err := f.store.PutRow(outreach.SenderAccountsTable, "email", map[string]any{"email": ana, "daily_cap": 41}); err != nil {
		t.Fatalf("concurrent edit: %v", err)
	}

	resp := doRequest(t, f.server, request{
		method:  http.MethodPost,
		path:    recordPath(outreach.SenderAccountsTable, ana) + "/flush",
		headers: authed(token),
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", resp.Code, resp.Body.String())
	}
	payload := decodeBody(t, resp)
	if payload["expectedVersion"] == "" || payload["currentVersion"] == "" || payload["expectedVersion"] == payload["currentVersion"] {
		t.Fatalf("expected version metadata in conflict payload, got %v", payload)
	}
}

func TestRetryWithoutFailureReportsNothingPending(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))
	resp := doRequest(t, f.server, request{
		method:  http.MethodPost,
		path:    recordPath(outreach.SenderAccountsTable, ana) + "/retry",
		headers: authed(token),
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if payload := decodeBody(t, resp); payload["code"] != "nothing_pending" {
		t.Fatalf("expected nothing_pending, got %v", payload["code"])
	}
}

func TestGetRecordAndUnknownTable(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))

	resp := doRequest(t, f.server, request{method: http.MethodGet, path: recordPath(outreach.SenderAccountsTable, ana), headers: authed(token)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var view draftsync.RecordView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Key != ana || view.Version == "" {
		t.Fatalf("unexpected view %+v", view)
	}

	missing := doRequest(t, f.server, request{method: http.MethodGet, path: recordPath(outreach.SenderAccountsTable, "a%2Fb"), headers: authed(token)})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", missing.Code)
	}

	unknown := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables/leads/records", headers: authed(token)})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown table, got %d", unknown.Code)
	}
}

func TestRefreshPicksUpRemoteChanges(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))
	if err := f.store.PutRow(outreach.PipelineSettingsTable, "pipeline_type", map[string]any{"pipeline_type": "legacy", "enabled": false}); err != nil {
		t.Fatalf("put row: %v", err)
	}
	resp := doRequest(t, f.server, request{
		method:  http.MethodPost,
		path:    "/v1/tables/" + outreach.PipelineSettingsTable + "/refresh",
		headers: authed(token),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if draft := f.syncers[outreach.PipelineSettingsTable].Get("legacy"); draft["enabled"] != false {
		t.Fatalf("expected refreshed draft, got %v", draft)
	}
}

func TestRateLimitPerSubject(t *testing.T) {
	f := newFixture(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	first := mustTestJWT(t, testSecret, "ops-1", allScopes(), testNow.Add(time.Hour))
	second := mustTestJWT(t, testSecret, "ops-2", allScopes(), testNow.Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables", headers: authed(first)})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	limited := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables", headers: authed(first)})
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", limited.Header().Get("Retry-After"))
	}
	other := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables", headers: authed(second)})
	if other.Code != http.StatusOK {
		t.Fatalf("expected other subject unaffected, got %d", other.Code)
	}
}

func TestCorrelationIDEchoedOrGenerated(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	given := doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/tables",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
	})
	if payload := decodeBody(t, given); payload["correlationId"] != "corr_1" {
		t.Fatalf("expected echoed correlation id, got %v", payload["correlationId"])
	}
	generated := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables"})
	if id := generated.Header().Get("X-Correlation-Id"); !strings.HasPrefix(id, "odk_") {
		t.Fatalf("expected generated correlation id, got %q", id)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	f := newFixture(t, ServerConfig{MaxBodyBytes: 16})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))
	resp := doRequest(t, f.server, request{
		method:  http.MethodPatch,
		path:    recordPath(outreach.SenderAccountsTable, ana),
		headers: authed(token),
		body:    map[string]any{"fields": map[string]any{"notes": strings.Repeat("x", 64)}},
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestSenderOverview(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/senders/overview", headers: authed(token)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		Senders []struct {
			Account struct {
				Email string `json:"email"`
			} `json:"account"`
			State string `json:"state"`
			Label string `json:"label"`
		} `json:"senders"`
		Totals outreach.Aggregates `json:"totals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Senders) != 2 {
		t.Fatalf("expected 2 senders, got %d", len(payload.Senders))
	}
	for _, row := range payload.Senders {
		if row.Label == "" {
			t.Fatalf("expected status label for %s", row.Account.Email)
		}
		if row.Account.Email == "ben@outreach.test" && row.Label != "Paused" {
			t.Fatalf("expected inactive sender paused, got %q", row.Label)
		}
	}
	if payload.Totals.Active != 1 || payload.Totals.Queued != 5 {
		t.Fatalf("unexpected totals %+v", payload.Totals)
	}
}

func TestScraperSettingsFillDefaults(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/settings/scraper", headers: authed(token)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload struct {
		Settings []outreach.ScraperSetting `json:"settings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Settings) != len(outreach.ScraperDefaults) {
		t.Fatalf("expected every default setting listed, got %d", len(payload.Settings))
	}
}

func TestPipelineClearAndReset(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	reader := mustTestJWT(t, testSecret, "viewer", []string{scopeDraftsRead}, testNow.Add(time.Hour))
	admin := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))

	forbidden := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/pipelines/marketing/clear", headers: authed(reader)})
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", forbidden.Code)
	}

	cleared := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/pipelines/marketing/clear", headers: authed(admin)})
	if cleared.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", cleared.Code, cleared.Body.String())
	}
	if payload := decodeBody(t, cleared); payload["cleared"] != float64(12) {
		t.Fatalf("expected 12 cleared, got %v", payload["cleared"])
	}

	invalid := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/pipelines/email/clear", headers: authed(admin)})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown pipeline, got %d", invalid.Code)
	}

	reset := doRequest(t, f.server, request{method: http.MethodPost, path: "/v1/pipelines/reset", headers: authed(admin)})
	if reset.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", reset.Code)
	}
	if payload := decodeBody(t, reset); payload["reset"] != float64(7) {
		t.Fatalf("expected 7 reset, got %v", payload["reset"])
	}
}

func TestPipelinesWithoutInvoker(t *testing.T) {
	server := NewServer(nil, nil)
	token := mustTestJWT(t, testSecret, "ops", allScopes(), time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/pipelines/reset", headers: authed(token)})
	if resp.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.Code)
	}
}

func TestDashboardServesHTML(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/dashboard"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "/v1/senders/overview") {
		t.Fatalf("expected dashboard to load the sender overview")
	}
}

func TestEventsStreamOverWebsocket(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	httpServer := httptest.NewServer(f.server)
	defer httpServer.Close()

	token := mustTestJWT(t, testSecret, "ops", allScopes(), testNow.Add(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/tables/" + outreach.SenderAccountsTable + "/events?access_token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// The handler subscribes after the upgrade completes, so keep patching
	// until the first event arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		syncer := f.syncers[outreach.SenderAccountsTable]
		for capValue := 41; ; capValue++ {
			syncer.Patch(ana, draftsync.Fields{"daily_cap": capValue})
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()

	var ev draftsync.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != draftsync.EventPatched || ev.Key != ana || ev.Table != outreach.SenderAccountsTable {
		t.Fatalf("unexpected event %+v", ev)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestEventsRequireToken(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	resp := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/tables/" + outreach.SenderAccountsTable + "/events"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
