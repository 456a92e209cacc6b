package registry_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"waveline/internal/config"
	"waveline/internal/db"
	"waveline/internal/domain"
	"waveline/internal/migrate"
	"waveline/internal/registry"
)

func goodTask(id, wave string) domain.TaskDefinition {
	return domain.TaskDefinition{
		ID:               id,
		Wave:             wave,
		Prompt:           "do the thing",
		TimeoutSeconds:   60,
		MaxRetries:       2,
		ConcurrencyClass: domain.ClassLow,
		ExpectedOutputs:  []string{id + ".md"},
	}
}

func TestValidateAcceptsWellFormedRegistry(t *testing.T) {
	agg := goodTask("aggregate", "aggregator")
	agg.DependsOn = []string{"search_1"}
	tasks := []domain.TaskDefinition{goodTask("search_1", "search"), agg}
	if err := registry.Validate(tasks); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	bad := domain.TaskDefinition{
		ID:               "broken",
		Wave:             "nonsense",
		Prompt:           "",
		TimeoutSeconds:   0,
		MaxRetries:       -1,
		ConcurrencyClass: "turbo",
	}
	dup := goodTask("search_1", "search")
	tasks := []domain.TaskDefinition{goodTask("search_1", "search"), dup, bad}

	err := registry.Validate(tasks)
	if err == nil {
		t.Fatal("want validation error")
	}
	var ve *registry.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %T", err)
	}
	wantSubstrings := []string{
		`duplicate task id "search_1"`,
		`unknown wave "nonsense"`,
		`concurrency class "turbo"`,
		"prompt is required",
		"timeout_seconds must be positive",
		"max_retries must be >= 0",
		"expected_outputs must not be empty",
	}
	for _, want := range wantSubstrings {
		found := false
		for _, v := range ve.Violations {
			if strings.Contains(v, want) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing violation %q in %v", want, ve.Violations)
		}
	}
	if len(ve.Violations) != len(wantSubstrings) {
		t.Errorf("got %d violations, want %d: %v", len(ve.Violations), len(wantSubstrings), ve.Violations)
	}
}

func TestValidateRejectsWaveGaps(t *testing.T) {
	// search then tagger skips the aggregator wave.
	tasks := []domain.TaskDefinition{goodTask("s", "search"), goodTask("t", "tagger")}
	err := registry.Validate(tasks)
	if err == nil || !strings.Contains(err.Error(), "not contiguous") {
		t.Fatalf("want contiguity violation, got %v", err)
	}
}

func TestValidateRejectsForwardDependencies(t *testing.T) {
	s := goodTask("s", "search")
	s.DependsOn = []string{"agg", "ghost"}
	tasks := []domain.TaskDefinition{s, goodTask("agg", "aggregator")}
	err := registry.Validate(tasks)
	var ve *registry.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	joined := strings.Join(ve.Violations, "\n")
	if !strings.Contains(joined, `"agg" must sit in an earlier wave`) {
		t.Errorf("missing forward-dependency violation: %v", ve.Violations)
	}
	if !strings.Contains(joined, `"ghost" does not exist`) {
		t.Errorf("missing unknown-dependency violation: %v", ve.Violations)
	}
}

func TestYAMLProviderLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yml")
	content := `tasks:
  - id: search_1
    wave: search
    prompt: find items
    timeout_seconds: 120
    max_retries: 2
    concurrency_class: low
    expected_outputs: [search_1.md]
  - id: aggregate
    wave: aggregator
    prompt: merge results
    timeout_seconds: 300
    max_retries: 1
    concurrency_class: sequential
    expected_outputs: [aggregate.md]
    depends_on: [search_1]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	p := &registry.YAMLProvider{Path: path}
	tasks, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[1].DependsOn[0] != "search_1" {
		t.Errorf("depends_on not parsed: %+v", tasks[1])
	}
}

func TestSQLiteProviderRoundTrip(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(workspace)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A second pass over an up-to-date schema is a no-op.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 1 {
		t.Errorf("schema version = %d, want 1", version)
	}

	ctx := context.Background()
	p := &registry.SQLiteProvider{DB: conn}
	agg := goodTask("aggregate", "aggregator")
	agg.DependsOn = []string{"search_1"}
	agg.Tool.Model = "gemini-2.5-pro"
	want := []domain.TaskDefinition{goodTask("search_1", "search"), agg}
	if err := p.Replace(ctx, want); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d tasks, want 2", len(got))
	}
	if registry.Fingerprint(got) != registry.Fingerprint(want) {
		t.Errorf("round trip changed the registry fingerprint")
	}
}

func TestNewResolvesRegistryPathAgainstWorkspace(t *testing.T) {
	workspace := t.TempDir()

	cfg := config.Default()
	cfg.Registry.Path = "tasks/registry.yml"
	provider, closeFn, err := registry.New(cfg, workspace)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closeFn()
	got := provider.(*registry.YAMLProvider).Path
	if want := filepath.Join(workspace, "tasks", "registry.yml"); got != want {
		t.Errorf("relative path resolved to %q, want %q", got, want)
	}

	abs := filepath.Join(t.TempDir(), "registry.yml")
	cfg.Registry.Path = abs
	provider, closeFn, err = registry.New(cfg, workspace)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closeFn()
	if got := provider.(*registry.YAMLProvider).Path; got != abs {
		t.Errorf("absolute path rewritten to %q", got)
	}
}

func TestFingerprintIgnoresOrder(t *testing.T) {
	a := goodTask("a", "search")
	b := goodTask("b", "search")
	fp1 := registry.Fingerprint([]domain.TaskDefinition{a, b})
	fp2 := registry.Fingerprint([]domain.TaskDefinition{b, a})
	if fp1 != fp2 {
		t.Errorf("fingerprint depends on task order")
	}
	b.Prompt = "changed"
	if fp1 == registry.Fingerprint([]domain.TaskDefinition{a, b}) {
		t.Errorf("fingerprint missed a prompt change")
	}
}
