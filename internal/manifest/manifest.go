package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"waveline/internal/domain"
	"waveline/internal/fsio"
)

// ErrNotFound is returned when no manifest or marker exists for a date.
var ErrNotFound = errors.New("manifest not found")

// Service owns run manifests and completion markers under the workspace
// data root. Skip state is always re-derived from disk, never from memory.
type Service struct {
	Root string
	Now  func() time.Time
}

// ManifestPath returns manifests/<date>.json under the root.
func (s *Service) ManifestPath(date string) string {
	return filepath.Join(s.Root, "manifests", date+".json")
}

// OutputDir returns the artifact directory for a date.
func (s *Service) OutputDir(date string) string {
	return filepath.Join(s.Root, "outputs", date)
}

// MarkerPath returns the completion marker path for a task, colocated with
// its artifacts.
func (s *Service) MarkerPath(date, taskID string) string {
	return filepath.Join(s.OutputDir(date), ".wv_status_"+taskID+".json")
}

// BeginRun creates an in-memory manifest for a date. It is persisted at the
// first wave barrier, not here, so dry runs leave no trace.
func (s *Service) BeginRun(date string, dryRun bool, forced []string) *domain.RunManifest {
	return &domain.RunManifest{
		RunID:            uuid.NewString(),
		TargetDate:       date,
		StartedAt:        s.now().UTC().Format(time.RFC3339),
		CompletedTaskIDs: []string{},
		FailedTaskIDs:    []string{},
		SkippedTaskIDs:   []string{},
		ForcedTaskIDs:    forced,
		DryRun:           dryRun,
	}
}

// Save persists the manifest atomically. Callers treat failures as degraded
// telemetry, never as a run abort.
func (s *Service) Save(m *domain.RunManifest) error {
	if err := fsio.WriteJSONAtomic(s.ManifestPath(m.TargetDate), m); err != nil {
		return fmt.Errorf("write manifest for %s: %w", m.TargetDate, err)
	}
	return nil
}

// Load reads the manifest for a date.
func (s *Service) Load(date string) (*domain.RunManifest, error) {
	var m domain.RunManifest
	if err := fsio.ReadJSON(s.ManifestPath(date), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w for %s", ErrNotFound, date)
		}
		return nil, err
	}
	return &m, nil
}

// RecordCompletion writes the task's completion marker atomically.
func (s *Service) RecordCompletion(date string, marker domain.CompletionMarker) error {
	return fsio.WriteJSONAtomic(s.MarkerPath(date, marker.TaskID), marker)
}

// LoadMarker reads a task's marker for a date.
func (s *Service) LoadMarker(date, taskID string) (*domain.CompletionMarker, error) {
	var m domain.CompletionMarker
	if err := fsio.ReadJSON(s.MarkerPath(date, taskID), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: marker for %s", ErrNotFound, taskID)
		}
		return nil, err
	}
	return &m, nil
}

// IsSkippable reports whether a task may be skipped: a marker exists, it
// recorded a clean exit, the task is not in the forced set, and the marker's
// artifacts still check out on disk.
func (s *Service) IsSkippable(date, taskID string, forced map[string]bool) bool {
	if forced[taskID] {
		return false
	}
	m, err := s.LoadMarker(date, taskID)
	if err != nil {
		return false
	}
	if m.ExitCode != 0 {
		return false
	}
	return s.verifyOutputs(date, m)
}

// verifyOutputs checks the marker's artifacts against disk. A missing file
// or, when the marker carries a hash, a content mismatch means the task has
// to run again.
func (s *Service) verifyOutputs(date string, m *domain.CompletionMarker) bool {
	dir := s.OutputDir(date)
	paths := make([]string, 0, len(m.Outputs))
	for _, rel := range m.Outputs {
		p := filepath.Join(dir, rel)
		if _, err := os.Stat(p); err != nil {
			return false
		}
		paths = append(paths, p)
	}
	if m.OutputHash == "" {
		return true
	}
	sum, err := fsio.HashFiles(paths)
	if err != nil {
		return false
	}
	return sum == m.OutputHash
}

// Invalidate removes a task's marker so the next run re-executes it.
func (s *Service) Invalidate(date, taskID string) error {
	err := os.Remove(s.MarkerPath(date, taskID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Dates lists the dates that have a manifest, newest first.
func (s *Service) Dates() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, "manifests"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		dates = append(dates, name[:len(name)-len(".json")])
	}
	// ReadDir sorts ascending; reverse for newest first.
	for i, j := 0, len(dates)-1; i < j; i, j = i+1, j-1 {
		dates[i], dates[j] = dates[j], dates[i]
	}
	return dates, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
