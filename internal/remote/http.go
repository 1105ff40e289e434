package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

// HTTPStore talks to a PostgREST endpoint such as the one a hosted Supabase
// project exposes under /rest/v1.
type HTTPStore struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    draftsync.RetryPolicy
}

// NewHTTPStore builds a store for baseURL. The API key is sent both as the
// apikey header and as the bearer token unless WithBearerToken overrides it.
func NewHTTPStore(baseURL, apiKey string, httpClient *http.Client) *HTTPStore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	apiKey = strings.TrimSpace(apiKey)
	return &HTTPStore{
		baseURL:    baseURL,
		apiKey:     apiKey,
		token:      apiKey,
		httpClient: httpClient,
		maxRetries: 3,
		backoff:    draftsync.RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
}

// WithBearerToken sends token as the Authorization bearer, e.g. a user session
// JWT, while the API key still identifies the project.
func (s *HTTPStore) WithBearerToken(token string) *HTTPStore {
	s.token = strings.TrimSpace(token)
	return s
}

func (s *HTTPStore) List(ctx context.Context, table draftsync.Table) ([]draftsync.Record, error) {
	rows, err := s.selectRows(ctx, table.Name, table.KeyField, nil)
	if err != nil {
		return nil, err
	}
	out := make([]draftsync.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := table.SplitRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *HTTPStore) ListStats(ctx context.Context, table draftsync.Table) ([]draftsync.Record, error) {
	if table.StatsView == "" {
		return nil, nil
	}
	rows, err := s.selectRows(ctx, table.StatsView, table.StatsKey(), nil)
	if err != nil {
		return nil, err
	}
	out := make([]draftsync.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := table.SplitStatsRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update issues a filtered PATCH. PostgREST answers an unmatched filter with an
// empty array, so a zero-row result is probed to tell a stale version from a
// missing row.
func (s *HTTPStore) Update(ctx context.Context, table draftsync.Table, key string, fields draftsync.Fields, baseVersion string) (draftsync.Record, error) {
	q := url.Values{}
	q.Set(table.KeyField, "eq."+key)
	if baseVersion != "" && table.VersionField != "" {
		q.Set(table.VersionField, "eq."+baseVersion)
	}
	headers := map[string]string{"Prefer": "return=representation"}
	var rows []map[string]any
	if err := s.doJSON(ctx, http.MethodPatch, s.tablePath(table.Name)+"?"+q.Encode(), headers, map[string]any(fields), &rows); err != nil {
		return draftsync.Record{}, err
	}
	if len(rows) > 0 {
		return table.SplitRow(rows[0])
	}

	existing, err := s.selectRows(ctx, table.Name, table.KeyField, url.Values{table.KeyField: {"eq." + key}})
	if err != nil {
		return draftsync.Record{}, err
	}
	if len(existing) > 0 {
		if baseVersion == "" {
			// Row is readable but the PATCH matched nothing: a row policy refused it.
			return draftsync.Record{}, fmt.Errorf("%w: %s/%s not writable", draftsync.ErrRejected, table.Name, key)
		}
		current, _ := table.SplitRow(existing[0])
		return draftsync.Record{}, &draftsync.ConflictError{
			Table:           table.Name,
			Key:             key,
			ExpectedVersion: baseVersion,
			CurrentVersion:  current.Version,
		}
	}
	if !table.Upsert {
		return draftsync.Record{}, fmt.Errorf("%w: %s/%s", draftsync.ErrNotFound, table.Name, key)
	}

	q = url.Values{}
	q.Set("on_conflict", table.KeyField)
	headers = map[string]string{"Prefer": "resolution=merge-duplicates,return=representation"}
	rows = nil
	if err := s.doJSON(ctx, http.MethodPost, s.tablePath(table.Name)+"?"+q.Encode(), headers, []map[string]any{table.Row(key, fields)}, &rows); err != nil {
		return draftsync.Record{}, err
	}
	if len(rows) == 0 {
		return draftsync.Record{}, fmt.Errorf("%w: upsert %s/%s returned no rows", draftsync.ErrRejected, table.Name, key)
	}
	return table.SplitRow(rows[0])
}

func (s *HTTPStore) Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error) {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return nil, draftsync.ErrInvalidInput
	}
	if args == nil {
		args = map[string]any{}
	}
	var out json.RawMessage
	if err := s.doJSON(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(fn), nil, args, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	return out, nil
}

func (s *HTTPStore) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *HTTPStore) selectRows(ctx context.Context, relation, orderBy string, filter url.Values) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("select", "*")
	if orderBy != "" {
		q.Set("order", orderBy+".asc")
	}
	for name, values := range filter {
		for _, value := range values {
			q.Add(name, value)
		}
	}
	var rows []map[string]any
	if err := s.doJSON(ctx, http.MethodGet, s.tablePath(relation)+"?"+q.Encode(), nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *HTTPStore) tablePath(relation string) string {
	return "/rest/v1/" + url.PathEscape(relation)
}

func (s *HTTPStore) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if s.apiKey != "" {
			req.Header.Set("apikey", s.apiKey)
		}
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < s.maxRetries {
			if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "odk_" + uuid.NewString()
}

// retryDelay follows the server's Retry-After when it sends one and the
// shared backoff curve otherwise. Both are capped by the backoff maximum.
func (s *HTTPStore) retryDelay(attempt int, retryAfter string) time.Duration {
	if wait := parseRetryAfter(retryAfter, time.Now()); wait > 0 {
		return min(wait, s.backoff.MaxDelay)
	}
	return s.backoff.Delay(attempt)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	at, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	return max(at.Sub(now), 0)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
