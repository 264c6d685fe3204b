package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/avandw/stageflow/internal/evidence"
	"github.com/avandw/stageflow/internal/spawner"
	"github.com/avandw/stageflow/internal/workflow"
)

func singleStageResult(terminal *StageResult) *WorkflowResult {
	return &WorkflowResult{
		Success:        true,
		ExecutionOrder: []string{"verify"},
		Results:        map[string]*StageResult{"verify": terminal},
	}
}

func iterationDef(dir string, enabled bool, max int) *workflow.Definition {
	def := &workflow.Definition{
		Name:             "wf",
		Stages:           []workflow.Stage{{Name: "verify", Task: "t"}},
		WorkingDirectory: dir,
		IterationEnabled: &enabled,
		MaxIterations:    max,
	}
	def.ApplyDefaults()
	return def
}

func TestDecideIteration_NotEnabled(t *testing.T) {
	eng := newTestEngine(t, &fakeSpawner{}, nil)
	def := iterationDef(t.TempDir(), false, 3)
	terminal := &StageResult{Stage: "verify", Status: StageComplete}
	d := eng.decideIteration(def, []string{"verify"}, singleStageResult(terminal), 0)
	if d.Status != IterationNotEnabled {
		t.Fatalf("status = %q", d.Status)
	}
}

func TestDecideIteration_OpenHighGapTriggersRestart(t *testing.T) {
	eng := newTestEngine(t, &fakeSpawner{}, nil)
	def := iterationDef(t.TempDir(), true, 3)
	terminal := &StageResult{
		Stage:  "verify",
		Status: StageComplete,
		Evidence: &evidence.Payload{
			EvidenceType: "review",
			Gaps: []evidence.Gap{
				{Description: "auth untested", Priority: "HIGH", Status: "open"},
				{Description: "typo", Priority: "LOW", Status: "open"},
			},
		},
	}
	d := eng.decideIteration(def, []string{"verify"}, singleStageResult(terminal), 0)
	if d.Status != IterationRestartDetected {
		t.Fatalf("status = %q", d.Status)
	}
	if len(d.Gaps) != 1 || d.Gaps[0].Description != "auth untested" {
		t.Fatalf("gaps = %+v", d.Gaps)
	}
}

func TestDecideIteration_ResolvedGapsDoNotRestart(t *testing.T) {
	eng := newTestEngine(t, &fakeSpawner{}, nil)
	def := iterationDef(t.TempDir(), true, 3)
	for _, status := range []string{"resolved", "deferred", "mitigated", "accepted-risk"} {
		terminal := &StageResult{
			Stage:  "verify",
			Status: StageComplete,
			Evidence: &evidence.Payload{
				EvidenceType: "review",
				Gaps:         []evidence.Gap{{Description: "was bad", Priority: "HIGH", Status: status}},
			},
		}
		d := eng.decideIteration(def, []string{"verify"}, singleStageResult(terminal), 0)
		if d.Status != IterationNoGaps {
			t.Fatalf("status %q for gap status %q", d.Status, status)
		}
	}
}

func TestDecideIteration_ExhaustedBudgetReportsReachedMax(t *testing.T) {
	eng := newTestEngine(t, &fakeSpawner{}, nil)
	def := iterationDef(t.TempDir(), true, 3)
	terminal := &StageResult{
		Stage:  "verify",
		Status: StageComplete,
		Evidence: &evidence.Payload{
			EvidenceType: "review",
			Gaps:         []evidence.Gap{{Description: "still broken", Priority: "HIGH", Status: "open"}},
		},
	}
	// iteration 2 of max 3 is the last allowed pass.
	d := eng.decideIteration(def, []string{"verify"}, singleStageResult(terminal), 2)
	if d.Status != IterationReachedMax {
		t.Fatalf("status = %q", d.Status)
	}
	if len(d.Gaps) == 0 {
		t.Fatal("reached-max must still report the unresolved gaps")
	}
}

func TestDecideIteration_GapsReadFromEvidenceFile(t *testing.T) {
	dir := t.TempDir()
	gapsJSON := `{"summary": "12 tests, 12 passed", "gaps": [{"description": "search unimplemented", "priority": "high", "status": "open"}]}`
	if err := os.WriteFile(filepath.Join(dir, "review.json"), []byte(gapsJSON), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	eng := newTestEngine(t, &fakeSpawner{}, nil)
	def := iterationDef(dir, true, 3)
	terminal := &StageResult{
		Stage:    "verify",
		Status:   StageComplete,
		Evidence: &evidence.Payload{EvidenceType: "review", FilePath: "review.json"},
	}
	d := eng.decideIteration(def, []string{"verify"}, singleStageResult(terminal), 0)
	if d.Status != IterationRestartDetected {
		t.Fatalf("status = %q", d.Status)
	}
}

func TestDecideIteration_IntermediateStageGapsIgnored(t *testing.T) {
	eng := newTestEngine(t, &fakeSpawner{}, nil)
	def := &workflow.Definition{
		Name: "wf",
		Stages: []workflow.Stage{
			{Name: "build", Task: "t"},
			{Name: "verify", Task: "t", Dependencies: []string{"build"}},
		},
		WorkingDirectory: t.TempDir(),
	}
	def.ApplyDefaults()
	res := &WorkflowResult{
		Success:        true,
		ExecutionOrder: []string{"build", "verify"},
		Results: map[string]*StageResult{
			"build": {
				Stage:  "build",
				Status: StageComplete,
				Evidence: &evidence.Payload{
					EvidenceType: "tests",
					Gaps:         []evidence.Gap{{Description: "mid-pipeline gap", Priority: "HIGH", Status: "open"}},
				},
			},
			"verify": {Stage: "verify", Status: StageComplete},
		},
	}
	d := eng.decideIteration(def, res.ExecutionOrder, res, 0)
	if d.Status != IterationNoGaps {
		t.Fatalf("status = %q, only the terminal stage may trigger restarts", d.Status)
	}
}

func TestDecideIteration_TranscriptFallback(t *testing.T) {
	eng := newTestEngine(t, &fakeSpawner{}, nil)
	def := iterationDef(t.TempDir(), true, 3)

	noisy := strings.Repeat("There is a critical gap in coverage.\nA high-priority item is missing.\n", 2)
	terminal := &StageResult{Stage: "verify", Status: StageComplete, Output: noisy}
	if d := eng.decideIteration(def, []string{"verify"}, singleStageResult(terminal), 0); d.Status != IterationRestartDetected {
		t.Fatalf("noisy transcript: status = %q", d.Status)
	}

	mild := "One critical gap remains, otherwise clean."
	terminal = &StageResult{Stage: "verify", Status: StageComplete, Output: mild}
	if d := eng.decideIteration(def, []string{"verify"}, singleStageResult(terminal), 0); d.Status != IterationNoGaps {
		t.Fatalf("mild transcript: status = %q", d.Status)
	}
}

func TestRun_RestartsUntilGapsClear(t *testing.T) {
	dir := t.TempDir()
	gapsJSON := `{"summary": "12 tests, 12 passed", "gaps": [{"description": "auth untested", "priority": "HIGH", "status": "open"}]}`
	gapsPath := filepath.Join(dir, "review.json")
	if err := os.WriteFile(gapsPath, []byte(gapsJSON), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(gapsPath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	clean := writeEvidenceArtifact(t, dir)

	pass := 0
	sp := &fakeSpawner{fn: func(spawner.SpawnRequest) (spawner.SpawnResult, error) {
		pass++
		if pass == 1 {
			return spawner.SpawnResult{Output: `Done. {"evidenceType": "review", "filePath": "review.json"}`}, nil
		}
		return spawner.SpawnResult{Output: clean}, nil
	}}
	eng := newTestEngine(t, sp, nil)
	def := iterationDef(dir, true, 3)

	res, err := eng.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("failed at %q", res.FailedStage)
	}
	if pass != 2 {
		t.Fatalf("spawned %d passes want 2", pass)
	}
	if res.Iteration.Current != 1 {
		t.Fatalf("iteration = %d want 1", res.Iteration.Current)
	}
	if len(res.Iteration.History) != 1 {
		t.Fatalf("history = %+v", res.Iteration.History)
	}
	if res.Iteration.History[0].Gaps[0].Description != "auth untested" {
		t.Fatalf("history gaps = %+v", res.Iteration.History[0].Gaps)
	}
}

func TestRun_ReachedMaxStopsWithSuccess(t *testing.T) {
	dir := t.TempDir()
	gapsJSON := `{"summary": "12 tests, 12 passed", "gaps": [{"description": "never fixed", "priority": "HIGH", "status": "open"}]}`
	gapsPath := filepath.Join(dir, "review.json")
	if err := os.WriteFile(gapsPath, []byte(gapsJSON), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(gapsPath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	pass := 0
	sp := &fakeSpawner{fn: func(spawner.SpawnRequest) (spawner.SpawnResult, error) {
		pass++
		return spawner.SpawnResult{Output: `Done. {"evidenceType": "review", "filePath": "review.json"}`}, nil
	}}
	eng := newTestEngine(t, sp, nil)
	def := iterationDef(dir, true, 2)

	res, err := eng.Run(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("failed at %q", res.FailedStage)
	}
	if pass != 2 {
		t.Fatalf("spawned %d passes want 2 (max_iterations)", pass)
	}
	if res.Iteration.Status != IterationReachedMax {
		t.Fatalf("iteration status = %q", res.Iteration.Status)
	}
	// Exhaustion leaves the counter on the last executed pass.
	if res.Iteration.Current != def.MaxIterations-1 {
		t.Fatalf("iteration = %d want %d", res.Iteration.Current, def.MaxIterations-1)
	}
}
