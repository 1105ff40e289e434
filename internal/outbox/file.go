package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/outreachdesk/internal/draftsync"
)

// File keeps every pending write in one JSON document, rewritten atomically
// on each change. Pending writes are few and small, so whole-file rewrites
// are fine.
type File struct {
	path   string
	mu     sync.Mutex
	writes []draftsync.PendingWrite
}

type fileState struct {
	Writes []draftsync.PendingWrite `json:"writes"`
}

func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, draftsync.ErrInvalidInput
	}
	f := &File{path: path}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Save(ctx context.Context, write draftsync.PendingWrite) error {
	if err := validateWrite(write); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	previous := append([]draftsync.PendingWrite(nil), f.writes...)
	replaced := false
	for i := range f.writes {
		if f.writes[i].Table == write.Table && f.writes[i].Key == write.Key {
			f.writes[i] = clonePending(write)
			replaced = true
			break
		}
	}
	if !replaced {
		f.writes = append(f.writes, clonePending(write))
	}
	if err := f.saveLocked(); err != nil {
		f.writes = previous
		return err
	}
	return nil
}

func (f *File) Delete(ctx context.Context, table, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.writes {
		if f.writes[i].Table == table && f.writes[i].Key == key {
			previous := append([]draftsync.PendingWrite(nil), f.writes...)
			f.writes = append(f.writes[:i], f.writes[i+1:]...)
			if err := f.saveLocked(); err != nil {
				f.writes = previous
				return err
			}
			return nil
		}
	}
	return nil
}

func (f *File) Load(ctx context.Context, table string) ([]draftsync.PendingWrite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]draftsync.PendingWrite, 0)
	for _, write := range f.writes {
		if write.Table == table {
			out = append(out, clonePending(write))
		}
	}
	sortPending(out)
	return out, nil
}

func (f *File) Close() error {
	return nil
}

func (f *File) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var snapshot fileState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	f.writes = snapshot.Writes
	return nil
}

func (f *File) saveLocked() error {
	data, err := json.MarshalIndent(fileState{Writes: f.writes}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
