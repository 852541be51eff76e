package auditfile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func appendSequence(t *testing.T, sink *FileSink, start uint64, prev uint64, n int) uint64 {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		r := audit.Record{
			Seq:     start + uint64(i),
			Time:    time.Now().UTC(),
			Actor:   "identity:alice",
			Kind:    audit.KindPropose,
			Subject: "p-1",
			Detail:  "mutation=mutate_dns",
		}
		r.Chain = audit.ChainNext(prev, r)
		prev = r.Chain
		if err := sink.Append(ctx, r); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	return prev
}

func TestFileSink_AppendWritesLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewFileSink(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink() error: %v", err)
	}
	defer func() { _ = sink.Close() }()

	appendSequence(t, sink, 1, 0, 3)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}

	rec, err := audit.ParseLine(lines[0])
	if err != nil {
		t.Fatalf("ParseLine() error: %v", err)
	}
	if rec.Seq != 1 || rec.Kind != audit.KindPropose {
		t.Errorf("first line = %+v", rec)
	}
}

func TestFileSink_ResumesLastState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewFileSink(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink() error: %v", err)
	}
	lastChain := appendSequence(t, sink, 1, 0, 5)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := NewFileSink(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	seq, chain := reopened.LastState()
	if seq != 5 {
		t.Errorf("LastState() seq = %d, want 5", seq)
	}
	if chain != lastChain {
		t.Errorf("LastState() chain = %x, want %x", chain, lastChain)
	}
}

func TestFileSink_SizeRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewFileSink(Config{Dir: dir, MaxFileSizeMB: 1}, testLogger())
	if err != nil {
		t.Fatalf("NewFileSink() error: %v", err)
	}
	defer func() { _ = sink.Close() }()

	// Force the size check by pretending the current file is full.
	sink.mu.Lock()
	sink.currentSize = sink.maxFileSize
	sink.mu.Unlock()

	appendSequence(t, sink, 1, 0, 1)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(entries) != 2 {
		t.Fatalf("expected rotation to create a second file, got %v", names)
	}
}

func TestParseFilename(t *testing.T) {
	t.Parallel()

	info, ok := parseFilename("audit-2026-01-22.log")
	if !ok || info.date != "2026-01-22" || info.suffix != 0 {
		t.Errorf("parseFilename() = %+v, %v", info, ok)
	}

	info, ok = parseFilename("audit-2026-01-22-3.log")
	if !ok || info.suffix != 3 {
		t.Errorf("parseFilename(suffixed) = %+v, %v", info, ok)
	}

	if _, ok := parseFilename("not-an-audit-file.log"); ok {
		t.Error("unrelated filename must not parse")
	}
}
