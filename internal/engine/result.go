package engine

import (
	"time"

	"github.com/avandw/stageflow/internal/evidence"
	"github.com/avandw/stageflow/internal/gitutil"
	"github.com/avandw/stageflow/internal/spawner"
)

type StageStatus string

const (
	StagePending  StageStatus = "pending"
	StageComplete StageStatus = "complete"
	StageFailed   StageStatus = "failed"
	StageSkipped  StageStatus = "skipped"
)

// StageResult is the outcome of one stage's attempt set. It is mutated
// across retries and becomes immutable once Status is terminal; only the
// final attempt's fields are retained, with Attempts counting total tries.
type StageResult struct {
	Stage  string      `json:"stage"`
	Status StageStatus `json:"status"`

	Output string `json:"output,omitempty"`
	File   string `json:"file,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration_ns"`

	Attempts  int    `json:"attempts"`
	SessionID string `json:"session_id,omitempty"`

	Evidence     *evidence.Payload     `json:"evidence,omitempty"`
	EvidenceHash string                `json:"evidence_hash,omitempty"`
	GitCommit    *gitutil.CommitResult `json:"git_commit,omitempty"`
	Transcript   []spawner.Message     `json:"transcript,omitempty"`

	Error     string    `json:"error,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`

	// SkipReason is set when Status is skipped (unmet dependencies).
	SkipReason string `json:"skip_reason,omitempty"`
}

// IterationRecord snapshots one completed pass that triggered a restart.
// Records are appended to history carried in context and never mutated.
type IterationRecord struct {
	Iteration    int               `json:"iteration"`
	StageOutputs map[string]string `json:"stage_outputs"`
	Gaps         []evidence.Gap    `json:"gaps"`
}

// Iteration statuses reported by the controller.
const (
	IterationRestartDetected = "restart-detected"
	IterationReachedMax      = "reached-max"
	IterationNoGaps          = "no-gaps"
	IterationNotEnabled      = "not-enabled"
)

type IterationOutcome struct {
	Status  string            `json:"status,omitempty"`
	Current int               `json:"current"`
	Max     int               `json:"max"`
	Gaps    []evidence.Gap    `json:"gaps,omitempty"`
	History []IterationRecord `json:"history,omitempty"`
}

// WorkflowResult aggregates one workflow run (all iterations).
type WorkflowResult struct {
	WorkflowID     string                  `json:"workflow_id"`
	Success        bool                    `json:"success"`
	Results        map[string]*StageResult `json:"results"`
	ExecutionOrder []string                `json:"execution_order"`
	TotalDuration  time.Duration           `json:"total_duration_ns"`
	FailedStage    string                  `json:"failed_stage,omitempty"`
	Iteration      IterationOutcome        `json:"iteration"`
}
