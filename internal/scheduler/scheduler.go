package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"waveline/internal/domain"
	"waveline/internal/ledger"
	"waveline/internal/manifest"
)

// MissingDependencyError surfaces a task whose upstream outputs never
// materialized. Recorded as the task's failure, never a silent partial run.
type MissingDependencyError struct {
	TaskID  string
	Missing []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %s is missing upstream outputs from: %s", e.TaskID, strings.Join(e.Missing, ", "))
}

// TaskRunner executes one task to a terminal state. Implemented by
// runner.Executor; faked in tests.
type TaskRunner interface {
	Run(ctx context.Context, run *domain.RunManifest, task domain.TaskDefinition, contextPaths map[string]string) (domain.CompletionMarker, error)
}

// Options scope a run.
type Options struct {
	Date   string
	Wave   string   // run only this wave when set
	Forced []string // task ids or wave names to re-execute
	DryRun bool
}

// PlanItem is one row of the dry-run plan.
type PlanItem struct {
	TaskID string `json:"task_id"`
	Wave   string `json:"wave"`
	Class  string `json:"concurrency_class"`
	Slots  int    `json:"slots"`
	Action string `json:"action"` // run, forced, skip
}

// Summary is the operator-facing run outcome.
type Summary struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Retried   int           `json:"retried"`
	Duration  time.Duration `json:"duration_ns"`
}

// Scheduler drives wave progression for one run. A single supervising
// goroutine owns the manifest; workers only return markers.
type Scheduler struct {
	Tasks     []domain.TaskDefinition
	Runner    TaskRunner
	Manifests *manifest.Service
	Ledger    *ledger.Writer
	Now       func() time.Time
}

// wave is a named stage with its tasks in registry order.
type wave struct {
	name  string
	tasks []domain.TaskDefinition
}

// partition groups tasks into ordered waves, optionally scoped to one wave.
func (s *Scheduler) partition(only string) ([]wave, error) {
	if only != "" {
		if _, ok := domain.WaveOrdinal(only); !ok {
			return nil, fmt.Errorf("unknown wave %q", only)
		}
	}
	grouped := map[string][]domain.TaskDefinition{}
	for _, t := range s.Tasks {
		if only != "" && t.Wave != only {
			continue
		}
		grouped[t.Wave] = append(grouped[t.Wave], t)
	}
	var waves []wave
	for _, name := range domain.WaveOrder {
		if tasks, ok := grouped[name]; ok {
			waves = append(waves, wave{name: name, tasks: tasks})
		}
	}
	return waves, nil
}

// expandForced resolves --force targets (task ids or wave names) to task ids.
func (s *Scheduler) expandForced(targets []string) (map[string]bool, error) {
	forced := map[string]bool{}
	byID := map[string]bool{}
	byWave := map[string][]string{}
	for _, t := range s.Tasks {
		byID[t.ID] = true
		byWave[t.Wave] = append(byWave[t.Wave], t.ID)
	}
	for _, target := range targets {
		switch {
		case byID[target]:
			forced[target] = true
		case len(byWave[target]) > 0:
			for _, id := range byWave[target] {
				forced[id] = true
			}
		default:
			return nil, fmt.Errorf("force target %q matches no task id or wave", target)
		}
	}
	return forced, nil
}

// Plan reports what a run would do without executing anything.
func (s *Scheduler) Plan(opts Options) ([]PlanItem, error) {
	waves, err := s.partition(opts.Wave)
	if err != nil {
		return nil, err
	}
	forced, err := s.expandForced(opts.Forced)
	if err != nil {
		return nil, err
	}
	var plan []PlanItem
	for _, w := range waves {
		for _, t := range w.tasks {
			action := "run"
			switch {
			case forced[t.ID]:
				action = "forced"
			case s.Manifests.IsSkippable(opts.Date, t.ID, forced):
				action = "skip"
			}
			plan = append(plan, PlanItem{
				TaskID: t.ID,
				Wave:   t.Wave,
				Class:  string(t.ConcurrencyClass),
				Slots:  t.ConcurrencyClass.Slots(),
				Action: action,
			})
		}
	}
	return plan, nil
}

// Run executes the scoped waves for a date, returning the manifest and a
// summary. Task failures are reflected in the summary, not in err; err is
// reserved for conditions that prevent scheduling at all.
func (s *Scheduler) Run(ctx context.Context, opts Options) (*domain.RunManifest, Summary, error) {
	start := s.now()
	waves, err := s.partition(opts.Wave)
	if err != nil {
		return nil, Summary{}, err
	}
	forced, err := s.expandForced(opts.Forced)
	if err != nil {
		return nil, Summary{}, err
	}

	forcedIDs := make([]string, 0, len(forced))
	for id := range forced {
		forcedIDs = append(forcedIDs, id)
	}
	sort.Strings(forcedIDs)

	run := s.Manifests.BeginRun(opts.Date, opts.DryRun, forcedIDs)
	if opts.DryRun {
		run.EndedAt = s.now().UTC().Format(time.RFC3339)
		return run, Summary{}, nil
	}

	for _, id := range forcedIDs {
		if err := s.Manifests.Invalidate(opts.Date, id); err != nil {
			return nil, Summary{}, fmt.Errorf("invalidate forced marker %s: %w", id, err)
		}
	}

	_ = s.Ledger.Logf(opts.Date, "INFO", "run %s started (%d wave(s), forced=%d)", run.RunID, len(waves), len(forcedIDs))

	var summary Summary
	executed := 0
	for _, w := range waves {
		res := s.runWave(ctx, run, w, forced)
		executed += res.executed
		summary.Succeeded += res.succeeded
		summary.Failed += res.failed
		summary.Skipped += res.skipped
		summary.Retried += res.retried

		// Barrier reached: persist the manifest before the next wave.
		if err := s.Manifests.Save(run); err != nil {
			_ = s.Ledger.Logf(opts.Date, "WARN", "manifest write failed after wave %s: %v", w.name, err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	run.EndedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.Manifests.Save(run); err != nil {
		_ = s.Ledger.Logf(opts.Date, "WARN", "final manifest write failed: %v", err)
	}
	if executed == 0 && summary.Failed == 0 {
		_ = s.Ledger.Logf(opts.Date, "INFO", "run skipped; all tasks already complete")
	} else {
		_ = s.Ledger.Logf(opts.Date, "INFO", "run %s finished: %d ok, %d failed, %d skipped", run.RunID, summary.Succeeded, summary.Failed, summary.Skipped)
	}
	summary.Duration = s.now().Sub(start)
	return run, summary, ctx.Err()
}

type waveResult struct {
	executed  int
	succeeded int
	failed    int
	skipped   int
	retried   int
}

// runWave executes one wave: every runnable task gets a goroutine gated by
// its own concurrency class's semaphore, and the WaitGroup is the barrier.
func (s *Scheduler) runWave(ctx context.Context, run *domain.RunManifest, w wave, forced map[string]bool) waveResult {
	date := run.TargetDate
	var res waveResult

	sems := map[domain.ConcurrencyClass]chan struct{}{}
	for _, t := range w.tasks {
		if _, ok := sems[t.ConcurrencyClass]; !ok {
			sems[t.ConcurrencyClass] = make(chan struct{}, t.ConcurrencyClass.Slots())
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, t := range w.tasks {
		if s.Manifests.IsSkippable(date, t.ID, forced) {
			mu.Lock()
			res.skipped++
			run.SkippedTaskIDs = append(run.SkippedTaskIDs, t.ID)
			mu.Unlock()
			_ = s.Ledger.Logf(date, "INFO", "task %s skipped (marker present)", t.ID)
			continue
		}

		contextPaths, depErr := s.resolveContext(date, t)
		if depErr != nil {
			mu.Lock()
			res.failed++
			run.FailedTaskIDs = append(run.FailedTaskIDs, t.ID)
			mu.Unlock()
			_ = s.Ledger.Logf(date, "ERROR", "%v", depErr)
			marker := domain.CompletionMarker{
				TaskID:     t.ID,
				StartedAt:  s.now().UTC().Format(time.RFC3339),
				EndedAt:    s.now().UTC().Format(time.RFC3339),
				ExitCode:   -1,
				ErrorClass: "dependency_missing",
			}
			if err := s.Manifests.RecordCompletion(date, marker); err != nil {
				_ = s.Ledger.Logf(date, "WARN", "record marker for %s: %v", t.ID, err)
			}
			continue
		}

		mu.Lock()
		res.executed++
		mu.Unlock()
		wg.Add(1)
		sem := sems[t.ConcurrencyClass]
		task := t
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			marker, runErr := s.Runner.Run(ctx, run, task, contextPaths)
			if err := s.Manifests.RecordCompletion(date, marker); err != nil {
				_ = s.Ledger.Logf(date, "WARN", "record marker for %s: %v", task.ID, err)
			}

			mu.Lock()
			defer mu.Unlock()
			res.retried += marker.RetriesUsed
			if runErr == nil {
				res.succeeded++
				run.CompletedTaskIDs = append(run.CompletedTaskIDs, task.ID)
			} else {
				res.failed++
				run.FailedTaskIDs = append(run.FailedTaskIDs, task.ID)
				_ = s.Ledger.Logf(date, "ERROR", "%v", runErr)
			}
		}()
	}
	wg.Wait()

	sort.Strings(run.CompletedTaskIDs)
	sort.Strings(run.FailedTaskIDs)
	return res
}

// resolveContext maps each explicit upstream task id to its artifact paths.
// Upstream tasks must have a clean marker from this or a prior run.
func (s *Scheduler) resolveContext(date string, t domain.TaskDefinition) (map[string]string, error) {
	if len(t.DependsOn) == 0 {
		return nil, nil
	}
	paths := map[string]string{}
	var missing []string
	for _, dep := range t.DependsOn {
		m, err := s.Manifests.LoadMarker(date, dep)
		if err != nil || m.ExitCode != 0 || len(m.Outputs) == 0 {
			missing = append(missing, dep)
			continue
		}
		paths[dep] = filepath.Join(s.Manifests.OutputDir(date), m.Outputs[0])
	}
	if len(missing) > 0 {
		return nil, &MissingDependencyError{TaskID: t.ID, Missing: missing}
	}
	return paths, nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
