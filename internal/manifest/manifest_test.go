package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"waveline/internal/domain"
	"waveline/internal/fsio"
	"waveline/internal/manifest"
)

// writeArtifact drops a task output file under the date's output dir and
// returns its absolute path.
func writeArtifact(t *testing.T, s *manifest.Service, date, rel, content string) string {
	t.Helper()
	p := filepath.Join(s.OutputDir(date), rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return p
}

func newService(t *testing.T) *manifest.Service {
	t.Helper()
	return &manifest.Service{
		Root: t.TempDir(),
		Now:  func() time.Time { return time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC) },
	}
}

func TestSaveAndLoadManifest(t *testing.T) {
	s := newService(t)
	run := s.BeginRun("2025-01-05", false, []string{"search_1"})
	if run.RunID == "" || run.StartedAt != "2025-01-05T09:00:00Z" {
		t.Fatalf("begin run: %+v", run)
	}
	run.CompletedTaskIDs = append(run.CompletedTaskIDs, "search_1")
	if err := s.Save(run); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load("2025-01-05")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RunID != run.RunID || len(got.CompletedTaskIDs) != 1 {
		t.Errorf("loaded = %+v", got)
	}
	if _, err := os.Stat(s.ManifestPath("2025-01-05") + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind")
	}
}

func TestLoadMissingManifest(t *testing.T) {
	s := newService(t)
	_, err := s.Load("2025-01-05")
	if !errors.Is(err, manifest.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestIsSkippableRequiresCleanMarker(t *testing.T) {
	s := newService(t)
	date := "2025-01-05"

	if s.IsSkippable(date, "search_1", nil) {
		t.Error("skippable with no marker")
	}

	path := writeArtifact(t, s, date, "search_1.md", "# results\n")
	sum, err := fsio.HashFiles([]string{path})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	clean := domain.CompletionMarker{TaskID: "search_1", ExitCode: 0, Outputs: []string{"search_1.md"}, OutputHash: sum}
	if err := s.RecordCompletion(date, clean); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !s.IsSkippable(date, "search_1", nil) {
		t.Error("clean marker not skippable")
	}
	if s.IsSkippable(date, "search_1", map[string]bool{"search_1": true}) {
		t.Error("forced task still skippable")
	}

	dirty := domain.CompletionMarker{TaskID: "search_2", ExitCode: 1, ErrorClass: "tool_fatal"}
	if err := s.RecordCompletion(date, dirty); err != nil {
		t.Fatalf("record: %v", err)
	}
	if s.IsSkippable(date, "search_2", nil) {
		t.Error("failed marker skippable")
	}
}

func TestIsSkippableRecheckArtifactsOnDisk(t *testing.T) {
	s := newService(t)
	date := "2025-01-05"

	// A clean marker whose artifact never landed on disk must not skip.
	ghost := domain.CompletionMarker{TaskID: "render_1", ExitCode: 0, Outputs: []string{"render_1.md"}, OutputHash: "deadbeef"}
	if err := s.RecordCompletion(date, ghost); err != nil {
		t.Fatalf("record: %v", err)
	}
	if s.IsSkippable(date, "render_1", nil) {
		t.Error("skippable with artifact missing from disk")
	}

	// Deleting an artifact after a verified completion invalidates the skip.
	path := writeArtifact(t, s, date, "export_1.json", `{"rows":3}`)
	sum, err := fsio.HashFiles([]string{path})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	marker := domain.CompletionMarker{TaskID: "export_1", ExitCode: 0, Outputs: []string{"export_1.json"}, OutputHash: sum}
	if err := s.RecordCompletion(date, marker); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !s.IsSkippable(date, "export_1", nil) {
		t.Fatal("intact artifact not skippable")
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.IsSkippable(date, "export_1", nil) {
		t.Error("skippable after artifact deleted")
	}

	// A rewritten artifact no longer matches the recorded hash.
	writeArtifact(t, s, date, "export_1.json", `{"rows":0}`)
	if s.IsSkippable(date, "export_1", nil) {
		t.Error("skippable after artifact content changed")
	}
}

func TestInvalidateRemovesMarker(t *testing.T) {
	s := newService(t)
	date := "2025-01-05"
	if err := s.RecordCompletion(date, domain.CompletionMarker{TaskID: "search_1", ExitCode: 0}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Invalidate(date, "search_1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if s.IsSkippable(date, "search_1", nil) {
		t.Error("invalidated task still skippable")
	}
	// Invalidating an absent marker is not an error.
	if err := s.Invalidate(date, "search_1"); err != nil {
		t.Errorf("second invalidate: %v", err)
	}
}

func TestDatesNewestFirst(t *testing.T) {
	s := newService(t)
	for _, date := range []string{"2025-01-03", "2025-01-05", "2025-01-04"} {
		run := s.BeginRun(date, false, nil)
		if err := s.Save(run); err != nil {
			t.Fatalf("save %s: %v", date, err)
		}
	}
	dates, err := s.Dates()
	if err != nil {
		t.Fatalf("dates: %v", err)
	}
	want := []string{"2025-01-05", "2025-01-04", "2025-01-03"}
	if len(dates) != 3 || dates[0] != want[0] || dates[1] != want[1] || dates[2] != want[2] {
		t.Errorf("dates = %v, want %v", dates, want)
	}
}
