package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type recordingSink struct {
	puts map[string]string
	fail map[string]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{puts: make(map[string]string), fail: make(map[string]bool)}
}

func (s *recordingSink) Put(_ context.Context, sourceID, _ string, body string) error {
	if s.fail[sourceID] {
		return errors.New("write failed")
	}
	s.puts[sourceID] = body
	return nil
}

func writeFile(t *testing.T, dir, rel, body string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunner_IngestsAndSkipsUnchanged(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state.json")
	writeFile(t, dir, "quota.md", "# Quota\n\nUsers get a monthly allowance.")
	writeFile(t, dir, "nested/billing.txt", "Invoices are monthly.")
	writeFile(t, dir, "image.png", "not text")

	sink := newRecordingSink()
	cfg := Config{Dir: dir, StatePath: statePath}
	sum, err := NewRunner(cfg, sink, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Files != 2 || sum.Skipped != 0 || sum.Errors != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if _, ok := sink.puts["quota.md#chunk-0"]; !ok {
		t.Errorf("expected quota.md chunk, got %v", sink.puts)
	}
	if _, ok := sink.puts["nested/billing.txt#chunk-0"]; !ok {
		t.Errorf("expected nested chunk, got %v", sink.puts)
	}

	sum, err = NewRunner(cfg, newRecordingSink(), quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Files != 0 || sum.Skipped != 2 {
		t.Errorf("expected both files skipped on rerun, got %+v", sum)
	}

	writeFile(t, dir, "quota.md", "# Quota\n\nUsers get a weekly allowance.")
	sum, err = NewRunner(cfg, newRecordingSink(), quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Files != 1 || sum.Skipped != 1 {
		t.Errorf("expected only the changed file, got %+v", sum)
	}
}

func TestRunner_UploadErrorIsRetriedNextRun(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state.json")
	writeFile(t, dir, "a.md", "alpha")

	sink := newRecordingSink()
	sink.fail["a.md#chunk-0"] = true
	cfg := Config{Dir: dir, StatePath: statePath}
	sum, err := NewRunner(cfg, sink, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Errors != 1 || sum.Files != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}

	state, err := LoadState(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Errors) != 1 || len(state.Files) != 0 {
		t.Errorf("expected error recorded and file not marked, got %+v", state)
	}

	sum, err = NewRunner(cfg, newRecordingSink(), quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Files != 1 {
		t.Errorf("expected failed file to be retried, got %+v", sum)
	}
}

func TestRunner_DryRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(t.TempDir(), "state.json")
	writeFile(t, dir, "a.md", "alpha\n\nbeta")

	sink := newRecordingSink()
	sum, err := NewRunner(Config{Dir: dir, StatePath: statePath, DryRun: true}, sink, quietLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Chunks != 1 {
		t.Errorf("expected 1 chunk counted, got %d", sum.Chunks)
	}
	if len(sink.puts) != 0 {
		t.Errorf("dry run must not upload, got %v", sink.puts)
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Errorf("dry run must not write state, stat err = %v", err)
	}
}

func TestLoadState_Missing(t *testing.T) {
	s, err := LoadState(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.IsCurrent("a.md", "hash") {
		t.Error("empty state must not report files as current")
	}
}

func TestLoadState_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(path); err == nil {
		t.Error("expected parse error")
	}
}
