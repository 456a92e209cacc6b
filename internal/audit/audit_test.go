package audit_test

import (
	"testing"
	"time"

	"waveline/internal/audit"
)

func TestRecordFilesUnderActionDate(t *testing.T) {
	dir := t.TempDir()
	w := &audit.Writer{
		Dir:   dir,
		Actor: "ops",
		Now:   func() time.Time { return time.Date(2025, 1, 5, 23, 59, 0, 0, time.UTC) },
	}
	if err := w.Record("cleanup", true, []string{"outputs/2024-12-01"}, "would remove 1 path(s)"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := w.Record("lock_abort", false, nil, "holder pid 42 released"); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := audit.Read(dir, "2025-01-05")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Actor != "ops" || entries[0].Action != "cleanup" || !entries[0].DryRun {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Action != "lock_abort" || entries[1].DryRun {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestActorDefaultsWhenUnset(t *testing.T) {
	dir := t.TempDir()
	w := &audit.Writer{Dir: dir, Now: func() time.Time { return time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC) }}
	if err := w.Record("reprocess", false, []string{"2025-01-04"}, "started"); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, err := audit.Read(dir, "2025-01-05")
	if err != nil || len(entries) != 1 {
		t.Fatalf("read: %v, %d entries", err, len(entries))
	}
	if entries[0].Actor != "local-user" {
		t.Errorf("actor = %q, want local-user", entries[0].Actor)
	}
}
