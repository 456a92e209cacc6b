//go:build !windows

package runner_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"waveline/internal/runner"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func invocation(t *testing.T, timeoutSeconds int) runner.Invocation {
	t.Helper()
	task := testTask("search_1")
	task.TimeoutSeconds = timeoutSeconds
	return runner.Invocation{Task: task, Prompt: "find items", StagingDir: t.TempDir()}
}

func TestCLIInvokerCapturesStdoutAsPrimaryOutput(t *testing.T) {
	bin := writeScript(t, `echo "model answer"`)
	inv := &runner.CLIInvoker{Cfg: runner.ToolConfig{Binary: bin, Model: "gemini-2.5-flash"}}

	call := invocation(t, 10)
	res, err := inv.Invoke(context.Background(), call)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Fatalf("result = %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(call.StagingDir, "search_1.md"))
	if err != nil {
		t.Fatalf("read primary output: %v", err)
	}
	if string(data) != "model answer\n" {
		t.Errorf("primary output = %q", data)
	}
}

func TestCLIInvokerReportsNonZeroExitAndStderr(t *testing.T) {
	bin := writeScript(t, `echo "quota exceeded" >&2; exit 1`)
	inv := &runner.CLIInvoker{Cfg: runner.ToolConfig{Binary: bin}}

	res, err := inv.Invoke(context.Background(), invocation(t, 10))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "quota exceeded") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestCLIInvokerKillsProcessGroupOnTimeout(t *testing.T) {
	bin := writeScript(t, `sleep 30`)
	inv := &runner.CLIInvoker{Cfg: runner.ToolConfig{Binary: bin, KillGrace: 200 * time.Millisecond}}

	start := time.Now()
	res, err := inv.Invoke(context.Background(), invocation(t, 1))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("result not marked timed out: %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, escalation did not fire", elapsed)
	}
}
