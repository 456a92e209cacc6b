package ledger_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"waveline/internal/domain"
	"waveline/internal/ledger"
)

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	w := &ledger.Writer{Dir: dir, Now: func() time.Time { return time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC) }}

	for attempt := 1; attempt <= 3; attempt++ {
		e := domain.LedgerEntry{
			RunID:   "run-1",
			TaskID:  "search_1",
			Attempt: attempt,
			Success: attempt == 3,
		}
		if err := w.Append("2025-01-05", e); err != nil {
			t.Fatalf("append %d: %v", attempt, err)
		}
	}

	entries, err := ledger.Read(dir, "2025-01-05")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].TS != "2025-01-05T09:00:00Z" {
		t.Errorf("ts not stamped: %+v", entries[0])
	}
	if entries[2].Attempt != 3 || !entries[2].Success {
		t.Errorf("final entry = %+v", entries[2])
	}
}

func TestReadMissingLedgerIsEmpty(t *testing.T) {
	entries, err := ledger.Read(t.TempDir(), "2025-01-05")
	if err != nil || entries != nil {
		t.Fatalf("missing ledger read = %v, %v", entries, err)
	}
}

func TestRunLogLines(t *testing.T) {
	dir := t.TempDir()
	w := &ledger.Writer{Dir: dir, Now: func() time.Time { return time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC) }}
	if err := w.Logf("2025-01-05", "INFO", "run %s started", "run-1"); err != nil {
		t.Fatalf("log: %v", err)
	}
	data, err := os.ReadFile(ledger.RunLogPath(dir, "2025-01-05"))
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(data), "[2025-01-05T09:00:00Z] [INFO] run run-1 started") {
		t.Errorf("run log line = %q", data)
	}
}
