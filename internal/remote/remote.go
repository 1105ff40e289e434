// Package remote implements draftsync.RemoteStore over the places outreach
// records actually live: an in-process map, a PostgREST endpoint and a direct
// Postgres connection.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

// Invoker runs a stored procedure by name with named arguments.
type Invoker interface {
	Call(ctx context.Context, fn string, args map[string]any) (json.RawMessage, error)
}

// Store is everything the daemon and CLI need from a backend.
type Store interface {
	draftsync.RemoteStore
	Invoker
	Close() error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps client errors onto the draftsync sentinels so the syncer can tell a
// permanent refusal from a transient outage.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case draftsync.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case draftsync.ErrRejected:
		switch e.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
			http.StatusConflict, http.StatusUnprocessableEntity:
			return true
		}
	}
	return false
}
