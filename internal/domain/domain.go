package domain

// Waves execute in this fixed order. A registry may use a subset, but the
// ordinals of the waves present must have no gaps.
var WaveOrder = []string{"search", "aggregator", "tagger", "render", "export", "publish"}

// WaveOrdinal returns the position of a wave name in the fixed order.
func WaveOrdinal(name string) (int, bool) {
	for i, w := range WaveOrder {
		if w == name {
			return i, true
		}
	}
	return 0, false
}

type ConcurrencyClass string

const (
	ClassSequential ConcurrencyClass = "sequential"
	ClassLow        ConcurrencyClass = "low"
	ClassMedium     ConcurrencyClass = "medium"
	ClassHigh       ConcurrencyClass = "high"
)

// Slots maps a concurrency class to its worker-pool cap.
func (c ConcurrencyClass) Slots() int {
	switch c {
	case ClassSequential:
		return 1
	case ClassLow:
		return 2
	case ClassMedium:
		return 4
	case ClassHigh:
		return 8
	}
	return 0
}

func (c ConcurrencyClass) Valid() bool { return c.Slots() > 0 }

// ToolParameters tune a single external tool invocation.
type ToolParameters struct {
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// TaskDefinition is one immutable policy record from the registry.
type TaskDefinition struct {
	ID               string           `json:"id" yaml:"id"`
	Title            string           `json:"title,omitempty" yaml:"title,omitempty"`
	Wave             string           `json:"wave" yaml:"wave"`
	Category         string           `json:"category,omitempty" yaml:"category,omitempty"`
	Prompt           string           `json:"prompt" yaml:"prompt"`
	Tool             ToolParameters   `json:"tool,omitempty" yaml:"tool,omitempty"`
	TimeoutSeconds   int              `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries       int              `json:"max_retries" yaml:"max_retries"`
	ConcurrencyClass ConcurrencyClass `json:"concurrency_class" yaml:"concurrency_class"`
	ExpectedOutputs  []string         `json:"expected_outputs" yaml:"expected_outputs"`
	DependsOn        []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Notes            string           `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// RunManifest is the per-date run record, persisted after every wave barrier.
type RunManifest struct {
	RunID            string   `json:"run_id"`
	TargetDate       string   `json:"target_date"`
	StartedAt        string   `json:"started_at" format:"date-time"`
	EndedAt          string   `json:"ended_at,omitempty" format:"date-time"`
	CompletedTaskIDs []string `json:"completed_task_ids"`
	FailedTaskIDs    []string `json:"failed_task_ids"`
	SkippedTaskIDs   []string `json:"skipped_task_ids"`
	ForcedTaskIDs    []string `json:"forced_task_ids,omitempty"`
	DryRun           bool     `json:"dry_run"`
}

// CompletionMarker proves one task finished for one date. It lives next to
// the task's artifacts and drives the idempotent skip decision.
type CompletionMarker struct {
	TaskID      string   `json:"task_id"`
	StartedAt   string   `json:"started_at" format:"date-time"`
	EndedAt     string   `json:"ended_at" format:"date-time"`
	ExitCode    int      `json:"exit_code"`
	RetriesUsed int      `json:"retries_used"`
	OutputHash  string   `json:"output_hash,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
	ErrorClass  string   `json:"error_class,omitempty"`
}

// LedgerEntry records one execution attempt. Never mutated after append.
type LedgerEntry struct {
	TS           string `json:"ts" format:"date-time"`
	RunID        string `json:"run_id"`
	TaskID       string `json:"task_id"`
	Attempt      int    `json:"attempt"`
	Success      bool   `json:"success"`
	ErrorClass   string `json:"error_class,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	RegistryHash string `json:"registry_hash,omitempty"`
	ConfigHash   string `json:"config_hash,omitempty"`
}

// AuditEntry records one maintenance action (cleanup, reprocess, forced
// rerun, lock abort). Independent lifecycle from the ledger.
type AuditEntry struct {
	TS      string   `json:"ts" format:"date-time"`
	Actor   string   `json:"actor"`
	Action  string   `json:"action"`
	DryRun  bool     `json:"dry_run"`
	Paths   []string `json:"paths,omitempty"`
	Outcome string   `json:"outcome"`
}
