package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/outreachdesk/internal/clock"
	"github.com/agentworkforce/outreachdesk/internal/draftsync"
	"github.com/agentworkforce/outreachdesk/internal/outreach"
	"github.com/agentworkforce/outreachdesk/internal/remote"
)

const ana = "ana@outreach.test"

func newMirrorFixture(t *testing.T) (*Mirror, *draftsync.Syncer, *remote.MemoryStore) {
	t.Helper()
	store := remote.NewMemoryStore()
	if _, err := outreach.SeedMemory(store, time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	syncer, err := draftsync.NewSyncer(store, draftsync.Options{
		Table: outreach.SenderAccounts(),
		Clock: clock.NewFake(time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	t.Cleanup(func() { _ = syncer.Close() })
	if err := syncer.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	m, err := New(t.TempDir(), []Target{syncer}, Options{})
	if err != nil {
		t.Fatalf("new mirror failed: %v", err)
	}
	return m, syncer, store
}

func editFile(t *testing.T, path string, edit func(map[string]any)) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	edit(fields)
	out, err := json.MarshalIndent(fields, "", "    ")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNewRequiresRootAndTables(t *testing.T) {
	if _, err := New("", nil, Options{}); !errors.Is(err, draftsync.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty root, got %v", err)
	}
	if _, err := New(t.TempDir(), nil, Options{}); !errors.Is(err, draftsync.ErrInvalidInput) {
		t.Fatalf("expected invalid input without tables, got %v", err)
	}
}

func TestExportWritesOneFilePerRecord(t *testing.T) {
	m, _, _ := newMirrorFixture(t)
	if err := m.Export(); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	path := m.PathFor(outreach.SenderAccountsTable, ana)
	if filepath.Base(path) != ana+".json" {
		t.Fatalf("expected email kept readable in file name, got %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected mirror file, got %v", err)
	}
	if !strings.Contains(string(data), `"daily_cap": 40`) {
		t.Fatalf("expected draft fields in file, got %s", data)
	}
	if strings.Contains(string(data), "sent_today") {
		t.Fatalf("expected stats kept out of the draft file, got %s", data)
	}
	entries, err := os.ReadDir(filepath.Join(m.Root(), outreach.SenderAccountsTable))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two record files, got %d", len(entries))
	}
}

func TestApplyPatchesChangedFields(t *testing.T) {
	m, syncer, _ := newMirrorFixture(t)
	if err := m.Export(); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	path := m.PathFor(outreach.SenderAccountsTable, ana)
	editFile(t, path, func(fields map[string]any) {
		fields["daily_cap"] = 60
		fields["work_days"] = []string{"3", "1"}
	})

	patched, err := m.Apply(path)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !patched {
		t.Fatalf("expected edit to patch the syncer")
	}
	draft := syncer.Get(ana)
	if draft["daily_cap"] != 60 {
		t.Fatalf("expected daily_cap 60, got %v", draft["daily_cap"])
	}
	days, ok := draft["work_days"].([]int)
	if !ok || len(days) != 2 || days[0] != 1 || days[1] != 3 {
		t.Fatalf("expected coerced work days [1 3], got %#v", draft["work_days"])
	}
	if got := syncer.Status(ana).State; got != draftsync.StateEditing {
		t.Fatalf("expected editing state, got %s", got)
	}

	patched, err = m.Apply(path)
	if err != nil || patched {
		t.Fatalf("expected reapplying the same content to be a no-op, got %v (%v)", patched, err)
	}
}

func TestApplyIgnoresOwnWrites(t *testing.T) {
	m, syncer, _ := newMirrorFixture(t)
	if err := m.Export(); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if err := m.Scan(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if got := syncer.Status(ana).State; got != draftsync.StateClean {
		t.Fatalf("expected exported files not to be read back as edits, got %s", got)
	}
}

func TestApplyReformattedFileWithoutChangesIsNoop(t *testing.T) {
	m, syncer, _ := newMirrorFixture(t)
	if err := m.Export(); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	path := m.PathFor(outreach.SenderAccountsTable, ana)
	editFile(t, path, func(map[string]any) {})
	patched, err := m.Apply(path)
	if err != nil || patched {
		t.Fatalf("expected formatting-only change to be ignored, got %v (%v)", patched, err)
	}
	if got := syncer.Status(ana).State; got != draftsync.StateClean {
		t.Fatalf("expected clean state, got %s", got)
	}
}

func TestInvalidFileIsRejectedAndKept(t *testing.T) {
	m, _, _ := newMirrorFixture(t)
	if err := m.Export(); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	path := m.PathFor(outreach.SenderAccountsTable, ana)
	if err := os.WriteFile(path, []byte("{\"daily_cap\": "), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := m.Apply(path); !errors.Is(err, draftsync.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := m.Export(); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "{\"daily_cap\": " {
		t.Fatalf("expected local edit preserved across export, got %s", data)
	}
}

func TestExportRemovesDeletedRecords(t *testing.T) {
	m, syncer, store := newMirrorFixture(t)
	if err := m.Export(); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	path := m.PathFor(outreach.SenderAccountsTable, "ben@outreach.test")
	store.DeleteRow(outreach.SenderAccountsTable, "ben@outreach.test")
	if err := syncer.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := m.ExportTable(outreach.SenderAccountsTable); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file of deleted record removed, got %v", err)
	}
	if err := m.ExportTable("unknown"); !errors.Is(err, draftsync.ErrNotFound) {
		t.Fatalf("expected not found for unmirrored table, got %v", err)
	}
}

func TestPathForEscapesKeys(t *testing.T) {
	m, _, _ := newMirrorFixture(t)
	path := m.PathFor(outreach.SenderAccountsTable, "a/b c")
	if filepath.Base(path) != "a%2Fb%20c.json" {
		t.Fatalf("expected escaped file name, got %s", filepath.Base(path))
	}
	table, key, err := m.locate(path)
	if err != nil {
		t.Fatalf("locate failed: %v", err)
	}
	if table != outreach.SenderAccountsTable || key != "a/b c" {
		t.Fatalf("expected round trip, got %s %s", table, key)
	}
	if _, _, err := m.locate(filepath.Join(m.Root(), "stray.json")); err == nil {
		t.Fatalf("expected error for file outside a table directory")
	}
}

func TestRunAppliesFileEdits(t *testing.T) {
	m, syncer, _ := newMirrorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("mirror did not stop")
		}
	}()

	path := m.PathFor(outreach.SenderAccountsTable, ana)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected Run to export files")
		}
		time.Sleep(10 * time.Millisecond)
	}

	editFile(t, path, func(fields map[string]any) { fields["daily_cap"] = 75 })
	for syncer.Get(ana)["daily_cap"] != 75 {
		if time.Now().After(deadline) {
			t.Fatalf("expected file edit to reach the syncer, draft %v", syncer.Get(ana))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
