// Package outbox persists writes the syncer has accepted but the store has not
// confirmed, so a restart replays them instead of losing them.
package outbox

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

// Memory keeps pending writes for the life of the process.
type Memory struct {
	mu     sync.Mutex
	writes map[string]map[string]draftsync.PendingWrite
}

func NewMemory() *Memory {
	return &Memory{writes: map[string]map[string]draftsync.PendingWrite{}}
}

func (m *Memory) Save(ctx context.Context, write draftsync.PendingWrite) error {
	if err := validateWrite(write); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.writes[write.Table]
	if !ok {
		byKey = map[string]draftsync.PendingWrite{}
		m.writes[write.Table] = byKey
	}
	byKey[write.Key] = clonePending(write)
	return nil
}

func (m *Memory) Delete(ctx context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byKey, ok := m.writes[table]; ok {
		delete(byKey, key)
	}
	return nil
}

func (m *Memory) Load(ctx context.Context, table string) ([]draftsync.PendingWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]draftsync.PendingWrite, 0, len(m.writes[table]))
	for _, write := range m.writes[table] {
		out = append(out, clonePending(write))
	}
	sortPending(out)
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

func validateWrite(write draftsync.PendingWrite) error {
	if strings.TrimSpace(write.Table) == "" || strings.TrimSpace(write.Key) == "" {
		return draftsync.ErrInvalidInput
	}
	return nil
}

func clonePending(write draftsync.PendingWrite) draftsync.PendingWrite {
	write.Fields = write.Fields.Clone()
	return write
}

func sortPending(writes []draftsync.PendingWrite) {
	sort.Slice(writes, func(i, j int) bool {
		if writes[i].QueuedAt.Equal(writes[j].QueuedAt) {
			return writes[i].Key < writes[j].Key
		}
		return writes[i].QueuedAt.Before(writes[j].QueuedAt)
	})
}
