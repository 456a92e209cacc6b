package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"waveline/internal/domain"
	"waveline/internal/fsio"
	"waveline/internal/ledger"
	"waveline/internal/manifest"
	"waveline/internal/ratelimit"
)

// TokenSource is the rate-limiter surface the executor needs.
type TokenSource interface {
	Acquire(ctx context.Context, cost int) error
}

// taskState is the explicit retry state machine for one task execution.
type taskState int

const (
	statePending taskState = iota
	stateRunning
	stateRetryScheduled
	stateSucceeded
	stateFailedFinal
)

// Executor runs one task through acquire-invoke-classify-retry and promotes
// artifacts only on success. One Executor is shared by all workers in a run.
type Executor struct {
	Invoker   Invoker
	Limiter   TokenSource
	Ledger    *ledger.Writer
	Manifests *manifest.Service

	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Injectable for deterministic tests.
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64

	RegistryHash string
	ConfigHash   string
}

// Run executes a task for a run date. It always returns a marker describing
// the terminal state; err is non-nil when that state is a failure.
func (e *Executor) Run(ctx context.Context, run *domain.RunManifest, task domain.TaskDefinition, contextPaths map[string]string) (domain.CompletionMarker, error) {
	date := run.TargetDate
	startedAt := e.now()
	outDir := e.Manifests.OutputDir(date)
	stagingDir := filepath.Join(outDir, ".staging", task.ID)
	defer os.RemoveAll(stagingDir)

	prompt := composePrompt(task, contextPaths)
	maxAttempts := task.MaxRetries + 1

	state := statePending
	attempt := 0
	var lastErr *ToolError
	for state != stateSucceeded && state != stateFailedFinal {
		switch state {
		case statePending:
			attempt = 1
			state = stateRunning
		case stateRetryScheduled:
			delay := e.backoff(attempt)
			_ = e.Ledger.Logf(date, "INFO", "task %s attempt %d failed (%s); retrying in %s",
				task.ID, attempt, lastErr.Class, delay.Round(time.Millisecond))
			if err := e.sleep(ctx, delay); err != nil {
				lastErr = &ToolError{TaskID: task.ID, Class: ClassCanceled, ExitCode: -1, Stderr: err.Error()}
				state = stateFailedFinal
				continue
			}
			attempt++
			state = stateRunning
		case stateRunning:
			attemptStart := e.now()
			toolErr := e.attempt(ctx, task, prompt, stagingDir, outDir)
			duration := e.now().Sub(attemptStart)

			entry := domain.LedgerEntry{
				RunID:        run.RunID,
				TaskID:       task.ID,
				Attempt:      attempt,
				Success:      toolErr == nil,
				DurationMS:   duration.Milliseconds(),
				RegistryHash: e.RegistryHash,
				ConfigHash:   e.ConfigHash,
			}
			if toolErr != nil {
				entry.ErrorClass = toolErr.Class
			}
			if err := e.Ledger.Append(date, entry); err != nil {
				_ = e.Ledger.Logf(date, "WARN", "ledger append failed for %s: %v", task.ID, err)
			}

			switch {
			case toolErr == nil:
				state = stateSucceeded
			case toolErr.Transient && attempt < maxAttempts:
				lastErr = toolErr
				state = stateRetryScheduled
			default:
				lastErr = toolErr
				state = stateFailedFinal
			}
		}
	}

	if state == stateSucceeded {
		hash, hashErr := fsio.HashFiles(finalOutputPaths(outDir, task))
		if hashErr != nil {
			_ = e.Ledger.Logf(date, "WARN", "hash outputs for %s: %v", task.ID, hashErr)
		}
		return domain.CompletionMarker{
			TaskID:      task.ID,
			StartedAt:   startedAt.UTC().Format(time.RFC3339),
			EndedAt:     e.now().UTC().Format(time.RFC3339),
			ExitCode:    0,
			RetriesUsed: attempt - 1,
			OutputHash:  hash,
			Outputs:     task.ExpectedOutputs,
		}, nil
	}

	marker := domain.CompletionMarker{
		TaskID:      task.ID,
		StartedAt:   startedAt.UTC().Format(time.RFC3339),
		EndedAt:     e.now().UTC().Format(time.RFC3339),
		ExitCode:    lastErr.ExitCode,
		RetriesUsed: attempt - 1,
		ErrorClass:  lastErr.Class,
	}
	return marker, lastErr
}

// attempt performs one acquire-invoke-promote cycle.
func (e *Executor) attempt(ctx context.Context, task domain.TaskDefinition, prompt, stagingDir, outDir string) *ToolError {
	if err := e.Limiter.Acquire(ctx, 1); err != nil {
		var le *ratelimit.LimitExceededError
		if errors.As(err, &le) {
			return &ToolError{TaskID: task.ID, Class: ClassRateLimit, ExitCode: -1, Stderr: le.Error(), Transient: true}
		}
		return &ToolError{TaskID: task.ID, Class: ClassCanceled, ExitCode: -1, Stderr: err.Error()}
	}

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return &ToolError{TaskID: task.ID, Class: ClassFatal, ExitCode: -1, Stderr: err.Error()}
	}

	res, err := e.Invoker.Invoke(ctx, Invocation{Task: task, Prompt: prompt, StagingDir: stagingDir})
	if err != nil {
		return &ToolError{TaskID: task.ID, Class: ClassFatal, ExitCode: -1, Stderr: err.Error()}
	}
	if res.TimedOut {
		return &ToolError{TaskID: task.ID, Class: ClassTimeout, ExitCode: res.ExitCode, Stderr: res.Stderr, Transient: true}
	}
	if res.ExitCode != 0 {
		class, transient := classifyFailure(res.ExitCode, res.Stderr)
		return &ToolError{TaskID: task.ID, Class: class, ExitCode: res.ExitCode, Stderr: res.Stderr, Transient: transient}
	}

	// Promote declared outputs from staging. A prior successful artifact is
	// only replaced by a rename, never a partial overwrite.
	for _, rel := range task.ExpectedOutputs {
		src := filepath.Join(stagingDir, rel)
		if _, statErr := os.Stat(src); statErr != nil {
			return &ToolError{TaskID: task.ID, Class: ClassOutputMissing, ExitCode: 0,
				Stderr: fmt.Sprintf("declared output %s missing after clean exit", rel)}
		}
	}
	for _, rel := range task.ExpectedOutputs {
		src := filepath.Join(stagingDir, rel)
		dst := filepath.Join(outDir, rel)
		if mkErr := os.MkdirAll(filepath.Dir(dst), 0o755); mkErr != nil {
			return &ToolError{TaskID: task.ID, Class: ClassFatal, ExitCode: -1, Stderr: mkErr.Error()}
		}
		if rnErr := os.Rename(src, dst); rnErr != nil {
			return &ToolError{TaskID: task.ID, Class: ClassFatal, ExitCode: -1, Stderr: rnErr.Error()}
		}
	}
	return nil
}

// backoff returns the jittered exponential delay before the given attempt's
// retry: base doubling per attempt, capped, scaled by [0.5, 1.5).
func (e *Executor) backoff(attempt int) time.Duration {
	base := e.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	cap := e.BackoffCap
	if cap <= 0 {
		cap = 60 * time.Second
	}
	d := base << (attempt - 1)
	if d > cap || d <= 0 {
		d = cap
	}
	jitter := e.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	return time.Duration(float64(d) * (0.5 + jitter()))
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// composePrompt appends upstream artifact references to the task prompt in a
// stable order.
func composePrompt(task domain.TaskDefinition, contextPaths map[string]string) string {
	if len(contextPaths) == 0 {
		return task.Prompt
	}
	ids := make([]string, 0, len(contextPaths))
	for id := range contextPaths {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	prompt := task.Prompt
	for _, id := range ids {
		prompt += "\n@" + contextPaths[id]
	}
	return prompt
}

func finalOutputPaths(outDir string, task domain.TaskDefinition) []string {
	paths := make([]string, 0, len(task.ExpectedOutputs))
	for _, rel := range task.ExpectedOutputs {
		paths = append(paths, filepath.Join(outDir, rel))
	}
	return paths
}
