package ledger

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

// Writer appends ledger entries and run-log lines for one workspace. The
// mutex keeps concurrent workers from interleaving partial lines.
type Writer struct {
	Dir string // workspace logs directory
	Now func() time.Time
	mu  sync.Mutex
}

// Path returns the JSONL ledger path for a date.
func Path(dir, date string) string {
	return filepath.Join(dir, "ledger", date+".jsonl")
}

// RunLogPath returns the human-readable run log path for a date.
func RunLogPath(dir, date string) string {
	return filepath.Join(dir, "runs", date+".log")
}

// Append writes one attempt entry to the date's ledger.
func (w *Writer) Append(date string, e domain.LedgerEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.TS == "" {
		e.TS = w.now().UTC().Format(time.RFC3339)
	}
	return fsio.AppendJSONL(Path(w.Dir, date), e)
}

// Log appends one line to the date's run log.
func (w *Writer) Log(date, level, msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	line := fmt.Sprintf("[%s] [%s] %s\n", w.now().UTC().Format(time.RFC3339), level, msg)
	path := RunLogPath(w.Dir, date)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// Logf is Log with formatting.
func (w *Writer) Logf(date, level, format string, args ...any) error {
	return w.Log(date, level, fmt.Sprintf(format, args...))
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Read loads every entry from a date's ledger. A missing file reads as an
// empty history.
func Read(dir, date string) ([]domain.LedgerEntry, error) {
	raw, err := fsio.ReadJSONLines(Path(dir, date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]domain.LedgerEntry, 0, len(raw))
	for i, line := range raw {
		var e domain.LedgerEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
