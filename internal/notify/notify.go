package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Notifier runs operator-configured shell hooks after a run. Hook failures
// are reported but never affect the run's outcome.
type Notifier struct {
	OnSuccess string
	OnFailure string
	Timeout   time.Duration
}

// Notify runs the matching hook with run details in the environment.
func (n Notifier) Notify(ctx context.Context, date string, failedTasks []string, runLogPath string) error {
	hook := n.OnSuccess
	if len(failedTasks) > 0 {
		hook = n.OnFailure
	}
	if strings.TrimSpace(hook) == "" {
		return nil
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", hook)
	cmd.Env = append(os.Environ(),
		"WV_RUN_DATE="+date,
		"WV_FAILED_TASKS="+strings.Join(failedTasks, ","),
		"WV_RUN_LOG="+runLogPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("notify hook failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
