package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/avandw/stageflow/internal/evidence"
	"github.com/avandw/stageflow/internal/spawner"
	"github.com/avandw/stageflow/internal/workflow"
)

// stageState names the executor's states for the progress feed.
type stageState string

const (
	statePending    stageState = "pending"
	stateSpawning   stageState = "spawning"
	stateAwaiting   stageState = "awaiting_completion"
	stateValidating stageState = "validating"
	stateCommitting stageState = "committing"
	stateComplete   stageState = "complete"
	stateFailed     stageState = "failed"
)

// evidenceContract is the static governance instruction appended to every
// spawned task: agents must return a structured completion-evidence payload
// in their final response text.
const evidenceContract = `

GOVERNANCE REQUIREMENTS:
Your final response MUST include a completion-evidence JSON object:
  {"evidenceType": "<kind of proof>", "filePath": "<artifact with real test results>", "fixLog": "<optional fix log path>"}
The referenced artifact must exist on disk and contain genuine test output.
Bare assertions without evidence will be rejected and the stage will fail.`

// executeStage drives one stage through the spawn -> await -> validate ->
// commit state machine, retrying failed attempts within the stage's budget.
func (e *Engine) executeStage(ctx context.Context, def *workflow.Definition, stage *workflow.Stage, priorOutputs map[string]string, global map[string]any) *StageResult {
	maxRetries := stage.EffectiveRetries(def)
	maxAttempts := maxRetries + 1
	timeout := stage.EffectiveTimeout(def)

	result := &StageResult{
		Stage:     stage.Name,
		Status:    StagePending,
		StartedAt: time.Now().UTC(),
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		e.emit("stage_attempt_start", map[string]any{
			"stage":   stage.Name,
			"attempt": attempt,
			"max":     maxAttempts,
			"state":   string(statePending),
		})

		err := e.runAttempt(ctx, def, stage, priorOutputs, global, timeout, result)
		if err == nil {
			result.Status = StageComplete
			result.CompletedAt = time.Now().UTC()
			result.Duration = result.CompletedAt.Sub(result.StartedAt)
			e.emit("stage_attempt_end", map[string]any{
				"stage":   stage.Name,
				"attempt": attempt,
				"state":   string(stateComplete),
			})
			return result
		}
		lastErr = err

		cls := Classify(err)
		decision := Decide(cls, attempt, maxRetries)
		e.emit("stage_attempt_end", map[string]any{
			"stage":      stage.Name,
			"attempt":    attempt,
			"state":      string(stateFailed),
			"error":      err.Error(),
			"error_type": string(cls.Type),
			"retryable":  cls.Retryable,
			"decision":   string(decision.Action),
			"reason":     decision.Reason,
		})
		if decision.Action == ActionHalt {
			break
		}

		rec := Recover(ctx, cls, attempt, timeout)
		if rec.Strategy == nil {
			e.emit("stage_recovery", map[string]any{
				"stage":    stage.Name,
				"attempt":  attempt,
				"strategy": "none",
				"note":     "no strategy",
			})
		} else {
			fields := map[string]any{
				"stage":    stage.Name,
				"attempt":  attempt,
				"strategy": rec.Strategy.Action,
				"success":  rec.Success,
			}
			if rec.Strategy.Delay > 0 {
				fields["delay_ms"] = rec.Strategy.Delay.Milliseconds()
			}
			if rec.Err != nil {
				fields["recovery_error"] = rec.Err.Error()
			}
			e.emit("stage_recovery", fields)
			if !rec.Success {
				break // context gone; the original error stands
			}
			if rec.Strategy.SuggestedTimeout > timeout {
				timeout = rec.Strategy.SuggestedTimeout
			}
		}

		// Recovery-computed delays already waited; otherwise apply the
		// default linear backoff.
		if rec.Strategy == nil || !rec.Strategy.Waited {
			delay := e.retryDelay(attempt)
			e.emit("stage_retry_sleep", map[string]any{
				"stage":    stage.Name,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			})
			if !sleepWithContext(ctx, delay) {
				break
			}
		}
	}

	result.Status = StageFailed
	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	if lastErr != nil {
		result.Error = lastErr.Error()
		result.ErrorType = Classify(lastErr).Type
	}
	return result
}

// runAttempt executes one pass through the happy-path states, mutating
// result with whatever the attempt produced.
func (e *Engine) runAttempt(ctx context.Context, def *workflow.Definition, stage *workflow.Stage, priorOutputs map[string]string, global map[string]any, timeout time.Duration, result *StageResult) error {
	// Spawning: build the task text, then hand it to the external spawner.
	merged, err := workflow.BuildContext(stage, priorOutputs, global)
	if err != nil {
		return err
	}
	task := workflow.InjectPlaceholders(stage.Task, merged) + evidenceContract

	e.emit("stage_state", map[string]any{"stage": stage.Name, "state": string(stateSpawning)})
	spawnRes, err := e.opts.Spawner.Spawn(ctx, spawner.SpawnRequest{
		Task:           task,
		AgentID:        stage.AgentID,
		TimeoutSeconds: int(timeout.Seconds()),
		WorkingDir:     def.WorkingDirectory,
	})
	if err != nil {
		return err
	}

	output := spawnRes.Output
	result.SessionID = spawnRes.SessionID
	result.Transcript = nil

	// AwaitingCompletion: poll the session until it completes or the stage
	// times out. A transcript supersedes any synchronous output.
	if spawnRes.SessionID != "" {
		e.emit("stage_state", map[string]any{"stage": stage.Name, "state": string(stateAwaiting), "session_id": spawnRes.SessionID})
		transcript, err := e.awaitSession(ctx, def, stage, spawnRes.SessionID, timeout)
		if err != nil {
			return err
		}
		if len(transcript) > 0 {
			result.Transcript = transcript
			output = renderTranscript(transcript)
		}
	}

	// Persist the raw output before validation so failed attempts leave an
	// audit trail too.
	outPath, err := e.persistOutput(def, stage, output)
	if err != nil {
		return err
	}
	result.Output = output
	result.File = outPath

	// Validating: gate completion on genuine evidence.
	e.emit("stage_state", map[string]any{"stage": stage.Name, "state": string(stateValidating)})
	vres := evidence.Validate(output, stage.Name, stage.Kind == workflow.KindDocumentation, evidence.Options{
		WorkingDir: def.WorkingDirectory,
	})
	result.Evidence = vres.Evidence
	result.EvidenceHash = vres.FileHash
	if !vres.Valid {
		return &ValidationError{Stage: stage.Name, Errors: vres.Errors}
	}

	// Committing: best-effort side effect; never fails the stage.
	e.emit("stage_state", map[string]any{"stage": stage.Name, "state": string(stateCommitting)})
	commit, err := e.opts.Committer(def.WorkingDirectory, stage.Name, e.opts.GitAuthor)
	if err != nil {
		e.emit("git_commit_warning", map[string]any{"stage": stage.Name, "error": err.Error()})
	} else {
		result.GitCommit = &commit
	}
	return nil
}

// awaitSession polls the session lister until the session completes:
// not listed (cleaned up), explicit terminal status, or inactivity beyond
// the completion threshold. Inactivity beyond the abandonment threshold with
// no output artifacts fails the stage as abandoned; blowing the stage
// timeout fails it as a session timeout.
func (e *Engine) awaitSession(ctx context.Context, def *workflow.Definition, stage *workflow.Stage, sessionID string, timeout time.Duration) ([]spawner.Message, error) {
	if e.opts.Sessions == nil {
		return nil, fmt.Errorf("spawner returned session %s but no session lister is configured", sessionID)
	}
	deadline := time.Now().Add(timeout)
	for {
		sessions, err := e.opts.Sessions.ListSessions(ctx)
		if err != nil {
			// Listing hiccups are tolerated until the stage deadline.
			e.emit("session_list_error", map[string]any{"stage": stage.Name, "error": err.Error()})
		} else {
			info, found := spawner.FindSession(sessions, sessionID)
			if !found {
				// Session cleaned up: treat as complete.
				return nil, nil
			}
			if info.Terminal() {
				return info.Messages, nil
			}
			idle := time.Since(info.UpdatedAt)
			if idle > e.opts.AbandonThreshold && !e.hasOutputArtifacts(def) {
				return nil, &AbandonedError{Stage: stage.Name, SessionID: sessionID, Idle: idle}
			}
			if idle > e.opts.InactivityComplete {
				return info.Messages, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, &SessionTimeoutError{Stage: stage.Name, Timeout: timeout}
		}
		if !sleepWithContext(ctx, e.opts.PollInterval) {
			return nil, context.Cause(ctx)
		}
	}
}

// hasOutputArtifacts reports whether the workflow's output directory holds
// any non-empty file.
func (e *Engine) hasOutputArtifacts(def *workflow.Definition) bool {
	dir := e.outputsDir(def)
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**"))
	if err != nil {
		return false
	}
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() && info.Size() > 0 {
			return true
		}
	}
	return false
}

func (e *Engine) outputsDir(def *workflow.Definition) string {
	return filepath.Join(def.WorkingDirectory, def.Name, "outputs")
}

func (e *Engine) persistOutput(def *workflow.Definition, stage *workflow.Stage, output string) (string, error) {
	dir := e.outputsDir(def)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sanitizeStageName(stage.Name)+"-output.txt")
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeStageName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func renderTranscript(messages []spawner.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) retryDelay(attempt int) time.Duration {
	base := e.opts.RetryDelayBase
	if base <= 0 {
		base = 5 * time.Second
	}
	return base * time.Duration(attempt)
}
