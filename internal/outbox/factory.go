package outbox

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

type Factory func(dsn string) (draftsync.Outbox, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// BuildFromDSN returns nil, nil for an empty DSN: running without an outbox is
// allowed and only costs durability across restarts.
func BuildFromDSN(dsn string) (draftsync.Outbox, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		file, err := NewFile(path)
		if err != nil {
			return nil, err
		}
		return file, nil
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "postgres", "postgresql":
		pg, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "redis", "rediss":
		rdb, err := NewRedis(dsn)
		if err != nil {
			return nil, err
		}
		return rdb, nil
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: outbox backend %s", draftsync.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported outbox scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", draftsync.ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", draftsync.ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", draftsync.ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
