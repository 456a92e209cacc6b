package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"waveline/internal/domain"
)

// Invocation is one subprocess call: the tool runs inside StagingDir and its
// stdout becomes the task's primary output there.
type Invocation struct {
	Task       domain.TaskDefinition
	Prompt     string
	StagingDir string
}

// InvokeResult is the raw subprocess outcome before classification.
type InvokeResult struct {
	ExitCode int
	Stderr   string
	TimedOut bool
}

// Invoker abstracts the external tool call so the executor's retry logic is
// testable without subprocesses.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (InvokeResult, error)
}

// ToolConfig describes the generative CLI binary and its defaults. Per-task
// tool parameters override the defaults.
type ToolConfig struct {
	Binary       string
	Model        string
	Temperature  float64
	MaxTokens    int
	ApprovalMode string
	// KillGrace is the SIGTERM-to-SIGKILL window on timeout.
	KillGrace time.Duration
}

// CLIInvoker runs the configured binary as a subprocess with the task's
// timeout, terminating the whole process group on expiry.
type CLIInvoker struct {
	Cfg ToolConfig
}

func (c *CLIInvoker) Invoke(ctx context.Context, inv Invocation) (InvokeResult, error) {
	task := inv.Task
	model := task.Tool.Model
	if model == "" {
		model = c.Cfg.Model
	}
	temp := task.Tool.Temperature
	if temp == 0 {
		temp = c.Cfg.Temperature
	}
	maxTokens := task.Tool.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.Cfg.MaxTokens
	}

	args := []string{}
	if model != "" {
		args = append(args, "-m", model)
	}
	if temp > 0 {
		args = append(args, "--temperature", strconv.FormatFloat(temp, 'f', -1, 64))
	}
	if maxTokens > 0 {
		args = append(args, "--max-tokens", strconv.Itoa(maxTokens))
	}
	args = append(args, "-p", inv.Prompt)

	if len(task.ExpectedOutputs) == 0 {
		return InvokeResult{}, fmt.Errorf("task %s declares no outputs", task.ID)
	}
	primary := filepath.Join(inv.StagingDir, task.ExpectedOutputs[0])
	if err := os.MkdirAll(filepath.Dir(primary), 0o755); err != nil {
		return InvokeResult{}, err
	}
	stdout, err := os.Create(primary)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("create output %s: %w", primary, err)
	}
	defer stdout.Close()

	cmd := exec.Command(c.Cfg.Binary, args...)
	cmd.Dir = inv.StagingDir
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GEMINI_APPROVAL_MODE="+c.Cfg.ApprovalMode)
	configureCommandProcess(cmd)

	if err := cmd.Start(); err != nil {
		return InvokeResult{}, fmt.Errorf("start %s: %w", c.Cfg.Binary, err)
	}

	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	grace := c.Cfg.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		timedOut = ctx.Err() == context.DeadlineExceeded
		waitErr = stopCommand(cmd, done, grace)
	case <-timer.C:
		timedOut = true
		waitErr = stopCommand(cmd, done, grace)
	}

	res := InvokeResult{Stderr: stderr.String(), TimedOut: timedOut}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if timedOut {
			res.ExitCode = -1
			return res, nil
		}
		return res, waitErr
	}
	return res, nil
}

// stopCommand sends SIGTERM to the process group, escalating to SIGKILL
// after the grace window.
func stopCommand(cmd *exec.Cmd, done chan error, grace time.Duration) error {
	terminateGracefully(cmd)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		killCommandProcess(cmd)
		return <-done
	}
}
