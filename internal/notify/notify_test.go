//go:build !windows

package notify_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"waveline/internal/notify"
)

func TestNotifyRunsFailureHookWithEnv(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "hook.out")
	n := notify.Notifier{
		OnFailure: `echo "$WV_RUN_DATE $WV_FAILED_TASKS" > ` + out,
		OnSuccess: `echo success > ` + out,
	}
	err := n.Notify(context.Background(), "2025-01-05", []string{"search_1", "aggregate"}, "/tmp/run.log")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read hook output: %v", err)
	}
	got := strings.TrimSpace(string(data))
	if got != "2025-01-05 search_1,aggregate" {
		t.Errorf("hook saw %q", got)
	}
}

func TestNotifyRunsSuccessHookWhenNothingFailed(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "hook.out")
	n := notify.Notifier{OnSuccess: `echo "ok $WV_RUN_DATE" > ` + out}
	if err := n.Notify(context.Background(), "2025-01-05", nil, ""); err != nil {
		t.Fatalf("notify: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read hook output: %v", err)
	}
	if strings.TrimSpace(string(data)) != "ok 2025-01-05" {
		t.Errorf("hook saw %q", data)
	}
}

func TestNotifyNoHookConfiguredIsNoOp(t *testing.T) {
	var n notify.Notifier
	if err := n.Notify(context.Background(), "2025-01-05", nil, ""); err != nil {
		t.Errorf("empty notifier errored: %v", err)
	}
}
