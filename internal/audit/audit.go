package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"waveline/internal/domain"
	"waveline/internal/fsio"
)

// Writer appends maintenance entries to the per-date audit trail.
type Writer struct {
	Dir   string // workspace logs directory
	Actor string
	Now   func() time.Time
	mu    sync.Mutex
}

// Path returns the audit JSONL path for a date.
func Path(dir, date string) string {
	return filepath.Join(dir, "audit", date+".jsonl")
}

// Record appends one maintenance action under today's date.
func (w *Writer) Record(action string, dryRun bool, paths []string, outcome string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	actor := w.Actor
	if actor == "" {
		actor = "local-user"
	}
	ts := now()
	e := domain.AuditEntry{
		TS:      ts.UTC().Format(time.RFC3339),
		Actor:   actor,
		Action:  action,
		DryRun:  dryRun,
		Paths:   paths,
		Outcome: outcome,
	}
	return fsio.AppendJSONL(Path(w.Dir, ts.UTC().Format("2006-01-02")), e)
}

// Read loads every entry from a date's audit file.
func Read(dir, date string) ([]domain.AuditEntry, error) {
	raw, err := fsio.ReadJSONLines(Path(dir, date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]domain.AuditEntry, 0, len(raw))
	for i, line := range raw {
		var e domain.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit line %d: %w", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
