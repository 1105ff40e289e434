package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

// fakePostgREST serves one table keyed by email with an updated_at version.
type fakePostgREST struct {
	mu       sync.Mutex
	rows     map[string]map[string]any
	revision int
	requests []*http.Request
	bodies   []string
}

func newFakePostgREST(rows ...map[string]any) *fakePostgREST {
	f := &fakePostgREST{rows: map[string]map[string]any{}}
	for _, row := range rows {
		f.revision++
		row["updated_at"] = versionString(f.revision)
		f.rows[row["email"].(string)] = row
	}
	return f
}

func versionString(n int) string {
	return time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC).Format(time.RFC3339)
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := io.ReadAll(r.Body)
	f.requests = append(f.requests, r.Clone(context.Background()))
	f.bodies = append(f.bodies, string(body))
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/rest/v1/rpc/reset_all_outreach_tasks" {
		_, _ = w.Write([]byte(`{"reset":12}`))
		return
	}
	if r.URL.Path != "/rest/v1/outreach_sender_accounts" {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"42P01","message":"relation does not exist"}`))
		return
	}
	matches := f.filterLocked(r)
	switch r.Method {
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(matches)
	case http.MethodPatch:
		var patch map[string]any
		if err := json.Unmarshal(body, &patch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"PGRST102","message":"bad json"}`))
			return
		}
		if _, ok := patch["daily_cap"].(string); ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"22P02","message":"invalid input syntax for type integer"}`))
			return
		}
		for _, row := range matches {
			for k, v := range patch {
				row[k] = v
			}
			f.revision++
			row["updated_at"] = versionString(f.revision)
		}
		_ = json.NewEncoder(w).Encode(matches)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakePostgREST) filterLocked(r *http.Request) []map[string]any {
	q := r.URL.Query()
	out := []map[string]any{}
	for _, row := range f.rows {
		match := true
		for _, column := range []string{"email", "updated_at"} {
			want := q.Get(column)
			if want == "" {
				continue
			}
			if "eq."+row[column].(string) != want {
				match = false
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}

func TestHTTPStoreListSendsAuthHeaders(t *testing.T) {
	fake := newFakePostgREST(map[string]any{"email": "a@x.com", "daily_cap": 5, "is_active": true, "provider": "gmail"})
	server := httptest.NewServer(fake)
	defer server.Close()

	store := NewHTTPStore(server.URL, "anon-key", server.Client())
	records, err := store.List(context.Background(), testSenderTable())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	rec := records[0]
	if rec.Key != "a@x.com" || rec.Version != versionString(1) {
		t.Fatalf("unexpected key/version %+v", rec)
	}
	if rec.Fields["daily_cap"] != float64(5) || rec.ReadOnly["provider"] != "gmail" {
		t.Fatalf("unexpected record split %+v", rec)
	}

	req := fake.requests[0]
	if req.Header.Get("apikey") != "anon-key" || req.Header.Get("Authorization") != "Bearer anon-key" {
		t.Fatalf("expected apikey and bearer headers, got %v", req.Header)
	}
	if !strings.HasPrefix(req.Header.Get("X-Correlation-Id"), "odk_") {
		t.Fatalf("expected correlation id header, got %q", req.Header.Get("X-Correlation-Id"))
	}
	if req.URL.Query().Get("order") != "email.asc" || req.URL.Query().Get("select") != "*" {
		t.Fatalf("unexpected query %s", req.URL.RawQuery)
	}
}

func TestHTTPStoreUpdateWithBaseVersion(t *testing.T) {
	fake := newFakePostgREST(map[string]any{"email": "a@x.com", "daily_cap": 5})
	server := httptest.NewServer(fake)
	defer server.Close()
	store := NewHTTPStore(server.URL, "k", server.Client())
	table := testSenderTable()

	rec, err := store.Update(context.Background(), table, "a@x.com", draftsync.Fields{"daily_cap": 8}, versionString(1))
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if rec.Fields["daily_cap"] != float64(8) || rec.Version != versionString(2) {
		t.Fatalf("unexpected updated record %+v", rec)
	}
	patch := fake.requests[0]
	if patch.Method != http.MethodPatch || patch.Header.Get("Prefer") != "return=representation" {
		t.Fatalf("expected PATCH with representation, got %s %v", patch.Method, patch.Header)
	}
	if patch.URL.Query().Get("updated_at") != "eq."+versionString(1) {
		t.Fatalf("expected version filter, got %s", patch.URL.RawQuery)
	}
}

func TestHTTPStoreUpdateStaleVersionConflicts(t *testing.T) {
	fake := newFakePostgREST(map[string]any{"email": "a@x.com", "daily_cap": 5})
	server := httptest.NewServer(fake)
	defer server.Close()
	store := NewHTTPStore(server.URL, "k", server.Client())

	_, err := store.Update(context.Background(), testSenderTable(), "a@x.com", draftsync.Fields{"daily_cap": 8}, "stale")
	if !errors.Is(err, draftsync.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict *draftsync.ConflictError
	if !errors.As(err, &conflict) || conflict.CurrentVersion != versionString(1) {
		t.Fatalf("expected current version in conflict, got %+v", conflict)
	}
}

func TestHTTPStoreUpdateMissingRowIsNotFound(t *testing.T) {
	server := httptest.NewServer(newFakePostgREST())
	defer server.Close()
	store := NewHTTPStore(server.URL, "k", server.Client())

	_, err := store.Update(context.Background(), testSenderTable(), "ghost@x.com", draftsync.Fields{"daily_cap": 1}, "")
	if !errors.Is(err, draftsync.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHTTPStoreMapsClientErrorsToRejected(t *testing.T) {
	server := httptest.NewServer(newFakePostgREST(map[string]any{"email": "a@x.com", "daily_cap": 5}))
	defer server.Close()
	store := NewHTTPStore(server.URL, "k", server.Client())

	_, err := store.Update(context.Background(), testSenderTable(), "a@x.com", draftsync.Fields{"daily_cap": "lots"}, "")
	if !errors.Is(err, draftsync.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "22P02" {
		t.Fatalf("expected http error detail, got %v", err)
	}
}

func TestHTTPStoreUpsertPostsMergeDuplicates(t *testing.T) {
	var seen *http.Request
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPatch, http.MethodGet:
			_, _ = w.Write([]byte(`[]`))
		case http.MethodPost:
			seen = r.Clone(context.Background())
			data, _ := io.ReadAll(r.Body)
			body = string(data)
			_, _ = w.Write([]byte(`[{"key":"agents_per_search","value":"30"}]`))
		}
	}))
	defer server.Close()
	store := NewHTTPStore(server.URL, "k", server.Client())

	rec, err := store.Update(context.Background(), testSettingsTable(), "agents_per_search", draftsync.Fields{"value": "30"}, "")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if rec.Key != "agents_per_search" || rec.Fields["value"] != "30" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if seen == nil || seen.URL.Query().Get("on_conflict") != "key" {
		t.Fatalf("expected POST with on_conflict=key, got %+v", seen)
	}
	if !strings.Contains(seen.Header.Get("Prefer"), "resolution=merge-duplicates") {
		t.Fatalf("expected merge-duplicates preference, got %q", seen.Header.Get("Prefer"))
	}
	if !strings.Contains(body, `"key":"agents_per_search"`) {
		t.Fatalf("expected key column in body, got %s", body)
	}
}

func TestHTTPStoreRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	store := NewHTTPStore(server.URL, "k", server.Client())
	records, err := store.List(context.Background(), testSenderTable())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPStoreCallRPC(t *testing.T) {
	fake := newFakePostgREST()
	server := httptest.NewServer(fake)
	defer server.Close()
	store := NewHTTPStore(server.URL, "k", server.Client())

	raw, err := store.Call(context.Background(), "reset_all_outreach_tasks", nil)
	if err != nil {
		t.Fatalf("rpc failed: %v", err)
	}
	if string(raw) != `{"reset":12}` {
		t.Fatalf("unexpected rpc payload %s", raw)
	}
	if fake.requests[0].Method != http.MethodPost || fake.bodies[0] != "{}" {
		t.Fatalf("expected POST with empty object body, got %s %q", fake.requests[0].Method, fake.bodies[0])
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("3", now); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now); got != 5*time.Second {
		t.Fatalf("expected 5s from http date, got %s", got)
	}
	if got := parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now); got != 0 {
		t.Fatalf("expected 0 for a past date, got %s", got)
	}
	if got := parseRetryAfter("", now); got != 0 {
		t.Fatalf("expected 0 for empty header, got %s", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("expected 0 for garbage header, got %s", got)
	}
}

func TestRetryDelayCapsAtMax(t *testing.T) {
	store := NewHTTPStore("http://example", "", nil)
	if got := store.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", got)
	}
	if got := store.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms, got %s", got)
	}
	if got := store.retryDelay(10, ""); got != 2*time.Second {
		t.Fatalf("expected cap of 2s, got %s", got)
	}
	if got := store.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected Retry-After to be capped, got %s", got)
	}
}
