package runner

import (
	"fmt"
	"strings"
)

// Error classes recorded on ledger entries and markers.
const (
	ClassTimeout       = "timeout"
	ClassRateLimit     = "rate_limit"
	ClassTransient     = "tool_transient"
	ClassFatal         = "tool_fatal"
	ClassOutputMissing = "output_missing"
	ClassCanceled      = "canceled"
)

// ToolError is a failed external tool invocation after the retry budget is
// spent (or immediately, for fatal classes).
type ToolError struct {
	TaskID    string
	Class     string
	ExitCode  int
	Stderr    string
	Transient bool
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("task %s failed (%s, exit %d)", e.TaskID, e.Class, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		if len(s) > 300 {
			s = s[:300] + "..."
		}
		msg += ": " + s
	}
	return msg
}

var transientHints = []string{
	"429", "rate limit", "quota", "resource exhausted",
	"timeout", "timed out", "deadline",
	"500", "502", "503", "504", "unavailable", "overloaded",
	"connection", "network", "temporar", "try again",
}

var fatalHints = []string{
	"usage:", "unknown flag", "invalid argument", "unrecognized",
	"no such file", "not found", "permission denied", "api key",
}

// classifyFailure sorts a non-zero exit into transient (worth retrying) or
// fatal. Unknown failures count as transient; the retry budget bounds the
// damage and the external tool fails unpredictably.
func classifyFailure(exitCode int, stderr string) (string, bool) {
	lowered := strings.ToLower(stderr)
	for _, hint := range fatalHints {
		if strings.Contains(lowered, hint) {
			return ClassFatal, false
		}
	}
	if exitCode == 2 {
		return ClassFatal, false
	}
	for _, hint := range transientHints {
		if strings.Contains(lowered, hint) {
			return ClassTransient, true
		}
	}
	return ClassTransient, true
}
