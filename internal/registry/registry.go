package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"waveline/internal/config"
	"waveline/internal/db"
	"waveline/internal/domain"
	"waveline/internal/fsio"
	"waveline/internal/migrate"
)

// ErrNotFound is returned when a task id is not present in the registry.
var ErrNotFound = errors.New("task not found")

// Provider loads task definitions from one backend. Backend choice must not
// change scheduler behavior; both variants run the same validation.
type Provider interface {
	Load(ctx context.Context) ([]domain.TaskDefinition, error)
}

// ValidationError carries every violation found in a registry, not just the
// first, so an operator can fix the whole file in one pass.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry validation failed with %d violation(s):\n  - %s",
		len(e.Violations), strings.Join(e.Violations, "\n  - "))
}

// New selects a provider from config. The sqlite backend opens and migrates
// the workspace database.
func New(cfg *config.Config, workspace string) (Provider, func() error, error) {
	switch cfg.Registry.Backend {
	case "yaml":
		path := cfg.Registry.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}
		return &YAMLProvider{Path: path}, func() error { return nil }, nil
	case "sqlite":
		conn, err := db.Open(workspace)
		if err != nil {
			return nil, nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, nil, err
		}
		return &SQLiteProvider{DB: conn}, conn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

// Validate checks registry invariants and returns a ValidationError listing
// every violation found.
func Validate(tasks []domain.TaskDefinition) error {
	var violations []string
	byID := make(map[string]domain.TaskDefinition, len(tasks))
	seenWaves := map[string]bool{}

	for _, t := range tasks {
		if t.ID == "" {
			violations = append(violations, "task with empty id")
			continue
		}
		if _, dup := byID[t.ID]; dup {
			violations = append(violations, fmt.Sprintf("duplicate task id %q", t.ID))
			continue
		}
		byID[t.ID] = t

		ord, known := domain.WaveOrdinal(t.Wave)
		if !known {
			violations = append(violations, fmt.Sprintf("task %q: unknown wave %q", t.ID, t.Wave))
		} else {
			_ = ord
			seenWaves[t.Wave] = true
		}
		if !t.ConcurrencyClass.Valid() {
			violations = append(violations, fmt.Sprintf("task %q: concurrency class %q is not one of sequential/low/medium/high", t.ID, t.ConcurrencyClass))
		}
		if t.Prompt == "" {
			violations = append(violations, fmt.Sprintf("task %q: prompt is required", t.ID))
		}
		if t.TimeoutSeconds <= 0 {
			violations = append(violations, fmt.Sprintf("task %q: timeout_seconds must be positive", t.ID))
		}
		if t.MaxRetries < 0 {
			violations = append(violations, fmt.Sprintf("task %q: max_retries must be >= 0", t.ID))
		}
		if len(t.ExpectedOutputs) == 0 {
			violations = append(violations, fmt.Sprintf("task %q: expected_outputs must not be empty", t.ID))
		}
	}

	// Waves present must occupy contiguous ordinals; a task may not sit in a
	// stage whose predecessor stage does not exist.
	var ords []int
	for w := range seenWaves {
		if ord, ok := domain.WaveOrdinal(w); ok {
			ords = append(ords, ord)
		}
	}
	sort.Ints(ords)
	for i := 1; i < len(ords); i++ {
		if ords[i] != ords[i-1]+1 {
			violations = append(violations, fmt.Sprintf("waves are not contiguous: %q follows %q with a gap",
				domain.WaveOrder[ords[i]], domain.WaveOrder[ords[i-1]]))
		}
	}

	for _, t := range tasks {
		ord, ok := domain.WaveOrdinal(t.Wave)
		if !ok {
			continue
		}
		for _, dep := range t.DependsOn {
			up, exists := byID[dep]
			if !exists {
				violations = append(violations, fmt.Sprintf("task %q: depends_on %q does not exist", t.ID, dep))
				continue
			}
			upOrd, upOK := domain.WaveOrdinal(up.Wave)
			if upOK && upOrd >= ord {
				violations = append(violations, fmt.Sprintf("task %q: depends_on %q must sit in an earlier wave", t.ID, dep))
			}
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// Fingerprint digests the loaded registry so ledger entries record exactly
// which task set produced a run. Backend-agnostic by construction.
func Fingerprint(tasks []domain.TaskDefinition) string {
	sorted := append([]domain.TaskDefinition(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	data, _ := json.Marshal(sorted)
	return fsio.HashBytes(data)
}

// Find returns the task with the given id.
func Find(tasks []domain.TaskDefinition, id string) (domain.TaskDefinition, error) {
	for _, t := range tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.TaskDefinition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}
