// Package engine executes workflow definitions: it validates and
// topologically sorts the stage set, drives each stage through the executor
// state machine, persists progress through the state store, and restarts the
// whole pass when the terminal stage reports unresolved critical gaps.
//
// Execution is strictly sequential; no two stages ever run concurrently even
// when the dependency graph would permit it. The only suspension point is
// the session completion poll.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avandw/stageflow/internal/gitutil"
	"github.com/avandw/stageflow/internal/spawner"
	"github.com/avandw/stageflow/internal/statestore"
	"github.com/avandw/stageflow/internal/workflow"
)

// Committer is the git side-effect collaborator. Errors are downgraded to
// warnings by the stage executor.
type Committer func(dir, stageName, author string) (gitutil.CommitResult, error)

type Options struct {
	// Spawner executes agent tasks. Required.
	Spawner spawner.Spawner
	// Sessions resolves asynchronous session handles. Required only when the
	// spawner returns session ids.
	Sessions spawner.SessionLister
	// Store persists workflow state for resumption and status queries.
	// Optional; nil disables persistence.
	Store *statestore.Store
	// Sink receives structured progress events. Defaults to NopSink.
	Sink EventSink
	// Committer defaults to gitutil.CommitChanges.
	Committer Committer

	// WorkflowID overrides the generated id (used by resume).
	WorkflowID string
	// Seed pre-populates stage results (used by resume); seeded stages are
	// not re-executed.
	Seed map[string]*StageResult

	GitAuthor string

	// Polling/threshold tuning; zero values take the documented defaults.
	PollInterval       time.Duration // default 5s
	InactivityComplete time.Duration // default 300s
	AbandonThreshold   time.Duration // default 600s
	RetryDelayBase     time.Duration // default 5s (linear per-attempt)
}

func (o *Options) applyDefaults() error {
	if o.Spawner == nil {
		return errors.New("spawner is required")
	}
	if o.Sink == nil {
		o.Sink = NopSink()
	}
	if o.Committer == nil {
		o.Committer = gitutil.CommitChanges
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.InactivityComplete <= 0 {
		o.InactivityComplete = 300 * time.Second
	}
	if o.AbandonThreshold <= 0 {
		o.AbandonThreshold = 600 * time.Second
	}
	if o.RetryDelayBase <= 0 {
		o.RetryDelayBase = 5 * time.Second
	}
	return nil
}

type Engine struct {
	opts Options
}

func New(opts Options) (*Engine, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts}, nil
}

func (e *Engine) emit(event string, fields map[string]any) {
	e.opts.Sink.Emit(event, fields)
}

// Run validates the definition, computes the execution order, and executes
// the workflow — including iteration restarts — returning the aggregate
// result. Graph errors abort before any stage spawns.
func (e *Engine) Run(ctx context.Context, def *workflow.Definition, global map[string]any) (*WorkflowResult, error) {
	def.ApplyDefaults()
	if errs := def.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid workflow definition: %w", errors.Join(errs...))
	}
	order, err := workflow.ExecutionOrder(def.Stages)
	if err != nil {
		return nil, err
	}

	workflowID := e.opts.WorkflowID
	if workflowID == "" {
		workflowID = statestore.NewWorkflowID()
	}

	state := &statestore.State{
		WorkflowID:     workflowID,
		WorkflowName:   def.Name,
		StartedAt:      time.Now().UTC(),
		Status:         statestore.StatusRunning,
		MaxIterations:  def.MaxIterations,
		ExecutionOrder: order,
		Context:        cloneContext(global),
	}
	if err := e.saveState(state); err != nil {
		return nil, err
	}

	e.emit("workflow_started", map[string]any{
		"workflow_id":     workflowID,
		"workflow":        def.Name,
		"execution_order": order,
	})

	start := time.Now()
	carried := cloneContext(global)
	var history []IterationRecord
	var res *WorkflowResult

	// Iteration restart is an explicit outer loop: one full pass per
	// iteration, restarted while the terminal stage reports unresolved
	// critical gaps and the iteration budget allows.
	for iteration := 0; ; iteration++ {
		state.Iteration = iteration
		res = e.runOnce(ctx, def, order, carried, state)
		res.WorkflowID = workflowID
		res.TotalDuration = time.Since(start)
		res.Iteration.Current = iteration
		res.Iteration.Max = def.MaxIterations
		res.Iteration.History = history

		if !res.Success {
			state.Status = statestore.StatusFailed
			state.FailedStage = res.FailedStage
			if r := res.Results[res.FailedStage]; r != nil {
				state.ErrorMessage = r.Error
			}
			if cancelled, _ := e.cancelled(state.WorkflowID); cancelled {
				state.Status = statestore.StatusCancelled
				state.FailedStage = ""
				state.ErrorMessage = ""
			}
			_ = e.saveState(state)
			e.emit("workflow_finished", map[string]any{
				"workflow_id":  workflowID,
				"success":      false,
				"failed_stage": res.FailedStage,
				"iteration":    iteration,
			})
			return res, nil
		}

		decision := e.decideIteration(def, order, res, iteration)
		res.Iteration.Status = decision.Status
		res.Iteration.Gaps = decision.Gaps
		e.emit("iteration_decision", map[string]any{
			"workflow_id": workflowID,
			"iteration":   iteration,
			"status":      decision.Status,
			"gap_count":   len(decision.Gaps),
		})
		if decision.Status != IterationRestartDetected {
			break
		}

		record := IterationRecord{
			Iteration:    iteration,
			StageOutputs: snapshotOutputs(res.Results),
			Gaps:         decision.Gaps,
		}
		history = append(history, record)
		res.Iteration.History = history
		carried = cloneContext(carried)
		carried["iteration"] = iteration + 1
		carried["iteration_history"] = history
		state.Context = cloneContext(carried)
		_ = e.saveState(state)
	}

	state.Status = statestore.StatusCompleted
	state.FailedStage = ""
	state.ErrorMessage = ""
	_ = e.saveState(state)
	e.emit("workflow_finished", map[string]any{
		"workflow_id":      workflowID,
		"success":          true,
		"iteration":        res.Iteration.Current,
		"iteration_status": res.Iteration.Status,
	})
	return res, nil
}

// runOnce executes a single full pass over the sorted stage order.
func (e *Engine) runOnce(ctx context.Context, def *workflow.Definition, order []string, carried map[string]any, state *statestore.State) *WorkflowResult {
	results := make(map[string]*StageResult, len(order))
	// Resume seeding applies to the first pass only; an iteration restart
	// re-runs every stage.
	if state.Iteration == 0 {
		for name, seeded := range e.opts.Seed {
			if seeded != nil && seeded.Status == StageComplete {
				results[name] = seeded
			}
		}
	}

	res := &WorkflowResult{
		Results:        results,
		ExecutionOrder: order,
		Success:        true,
	}

	state.CompletedStages = nil
	state.FailedStage = ""
	state.StageOutputs = map[string]json.RawMessage{}
	for name, r := range results {
		state.CompletedStages = append(state.CompletedStages, name)
		e.recordStageOutput(state, name, r)
	}

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			res.Success = false
			res.FailedStage = name
			results[name] = &StageResult{Stage: name, Status: StageFailed, Error: contextError(ctx).Error()}
			return res
		}
		// Cooperative cancellation, observed between stage boundaries.
		if cancelled, _ := e.cancelled(state.WorkflowID); cancelled {
			e.emit("workflow_cancelled", map[string]any{"workflow_id": state.WorkflowID, "stage": name})
			res.Success = false
			res.FailedStage = name
			results[name] = &StageResult{Stage: name, Status: StageFailed, Error: "workflow cancelled"}
			return res
		}
		if _, done := results[name]; done {
			continue // seeded by resume
		}

		stage := def.StageByName(name)
		if unmet := unmetDependencies(stage, results); len(unmet) > 0 {
			r := &StageResult{
				Stage:      name,
				Status:     StageSkipped,
				SkipReason: fmt.Sprintf("unmet dependencies: %v", unmet),
			}
			results[name] = r
			e.recordStageOutput(state, name, r)
			_ = e.saveState(state)
			e.emit("stage_skipped", map[string]any{"stage": name, "unmet": unmet})
			continue
		}

		r := e.executeStage(ctx, def, stage, completedOutputs(results), carried)
		results[name] = r
		e.recordStageOutput(state, name, r)

		if r.Status == StageComplete {
			state.CompletedStages = append(state.CompletedStages, name)
			_ = e.saveState(state)
			continue
		}

		res.Success = false
		if res.FailedStage == "" {
			res.FailedStage = name
		}
		state.FailedStage = res.FailedStage
		state.ErrorMessage = r.Error
		_ = e.saveState(state)
		if def.StopOnErrorEnabled() {
			break
		}
	}

	for _, r := range results {
		if r.Status == StageFailed {
			res.Success = false
			if res.FailedStage == "" {
				res.FailedStage = r.Stage
			}
		}
	}
	return res
}

func unmetDependencies(stage *workflow.Stage, results map[string]*StageResult) []string {
	var unmet []string
	for _, dep := range stage.Dependencies {
		r, ok := results[dep]
		if !ok || r.Status != StageComplete {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func completedOutputs(results map[string]*StageResult) map[string]string {
	out := make(map[string]string, len(results))
	for name, r := range results {
		if r.Status == StageComplete {
			out[name] = r.Output
		}
	}
	return out
}

func snapshotOutputs(results map[string]*StageResult) map[string]string {
	out := make(map[string]string, len(results))
	for name, r := range results {
		out[name] = r.Output
	}
	return out
}

func cloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func contextError(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func (e *Engine) saveState(state *statestore.State) error {
	if e.opts.Store == nil {
		return nil
	}
	// A routine progress save must not clobber an externally-requested
	// cancellation.
	if st, err := e.opts.Store.Load(state.WorkflowID); err == nil && st.Status == statestore.StatusCancelled {
		state.Status = statestore.StatusCancelled
	}
	return e.opts.Store.Save(state)
}

// cancelled reloads the persisted state and reports external cancellation.
func (e *Engine) cancelled(workflowID string) (bool, error) {
	if e.opts.Store == nil {
		return false, nil
	}
	st, err := e.opts.Store.Load(workflowID)
	if err != nil {
		return false, err
	}
	return st.Status == statestore.StatusCancelled, nil
}

func (e *Engine) recordStageOutput(state *statestore.State, name string, r *StageResult) {
	if state.StageOutputs == nil {
		state.StageOutputs = map[string]json.RawMessage{}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	state.StageOutputs[name] = b
}
