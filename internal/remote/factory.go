package remote

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

type StoreFactory func(dsn, apiKey string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory makes BuildStoreFromDSN use factory for scheme, ahead
// of the built-in backends.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN picks a backend from the DSN scheme: memory://,
// postgres://, or an http(s) PostgREST base URL.
func BuildStoreFromDSN(dsn, apiKey string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is required", draftsync.ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, apiKey)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		pg, err := NewPostgresStore(dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "http", "https":
		return NewHTTPStore(dsn, apiKey, nil), nil
	case "mysql", "sqlite", "firestore":
		return nil, fmt.Errorf("%w: store backend %s", draftsync.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %q", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
