package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/avandw/stageflow/internal/engine"
	"github.com/avandw/stageflow/internal/spawner"
	"github.com/avandw/stageflow/internal/statestore"
	"github.com/avandw/stageflow/internal/workflow"
)

type runFlags struct {
	positionals  []string
	agentCLI     string
	sessionIndex string
	stateDir     string
}

func parseRunFlags(args []string) (runFlags, error) {
	var f runFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--agent-cli":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--agent-cli requires a value")
			}
			f.agentCLI = args[i]
		case "--session-index":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--session-index requires a value")
			}
			f.sessionIndex = args[i]
		case "--state-dir":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--state-dir requires a value")
			}
			f.stateDir = args[i]
		default:
			if strings.HasPrefix(args[i], "--") {
				return f, fmt.Errorf("unknown flag: %s", args[i])
			}
			f.positionals = append(f.positionals, args[i])
		}
	}
	if f.stateDir == "" {
		f.stateDir = statestore.DefaultBaseDir()
	}
	if f.agentCLI == "" {
		f.agentCLI = os.Getenv("STAGEFLOW_AGENT_CLI")
	}
	return f, nil
}

func cmdRun(args []string) error {
	f, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	if len(f.positionals) != 1 {
		usage()
		return fmt.Errorf("run requires exactly one definition file")
	}
	definitionPath := f.positionals[0]
	if f.agentCLI == "" {
		return fmt.Errorf("no agent CLI configured (use --agent-cli or STAGEFLOW_AGENT_CLI)")
	}

	def, err := workflow.LoadDefinitionFile(definitionPath)
	if err != nil {
		return err
	}
	store, err := statestore.NewStore(f.stateDir)
	if err != nil {
		return err
	}

	cli := &spawner.CLISpawner{
		Executable:       f.agentCLI,
		SessionIndexPath: f.sessionIndex,
	}
	global := map[string]any{}
	if abs, err := filepath.Abs(definitionPath); err == nil {
		global["definition_path"] = abs
	}
	res, err := runWorkflow(def, store, cli, cli, "", global)
	if err != nil {
		return err
	}
	printResult(res)
	if !res.Success {
		return fmt.Errorf("workflow failed at stage %q", res.FailedStage)
	}
	return nil
}

func runWorkflow(def *workflow.Definition, store *statestore.Store, sp spawner.Spawner, sessions spawner.SessionLister, resumeID string, global map[string]any) (*engine.WorkflowResult, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := engine.Options{
		Spawner:    sp,
		Sessions:   sessions,
		Store:      store,
		WorkflowID: resumeID,
	}
	sink, closeSink, err := buildSink(store, def.Name)
	if err != nil {
		return nil, err
	}
	defer closeSink()
	opts.Sink = sink

	if resumeID != "" {
		seed, err := loadSeed(store, resumeID)
		if err != nil {
			return nil, err
		}
		opts.Seed = seed
	}

	eng, err := engine.New(opts)
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx, def, global)
}

// buildSink wires the progress NDJSON feed plus an slog mirror on stderr.
func buildSink(store *statestore.Store, workflowName string) (engine.EventSink, func(), error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	progressPath := filepath.Join(statestore.DefaultBaseDir(), "progress", workflowName+".ndjson")
	if store != nil {
		progressPath = filepath.Join(store.BaseDir(), "progress", workflowName+".ndjson")
	}
	if err := os.MkdirAll(filepath.Dir(progressPath), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(progressPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	sink := engine.MultiSink{
		engine.NewNDJSONSink(file),
		engine.SlogSink{Logger: logger},
	}
	return sink, func() { _ = file.Close() }, nil
}

func loadSeed(store *statestore.Store, workflowID string) (map[string]*engine.StageResult, error) {
	st, err := store.Load(workflowID)
	if err != nil {
		return nil, err
	}
	seed := map[string]*engine.StageResult{}
	for name, raw := range st.StageOutputs {
		var r engine.StageResult
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.Status == engine.StageComplete {
			seed[name] = &r
		}
	}
	return seed, nil
}

func printResult(res *engine.WorkflowResult) {
	fmt.Printf("workflow %s: success=%v duration=%s\n", res.WorkflowID, res.Success, res.TotalDuration.Round(time.Millisecond))
	for _, name := range res.ExecutionOrder {
		r := res.Results[name]
		if r == nil {
			continue
		}
		line := fmt.Sprintf("  %-24s %s attempts=%d", name, r.Status, r.Attempts)
		if r.Error != "" {
			line += " error=" + r.Error
		}
		if r.SkipReason != "" {
			line += " " + r.SkipReason
		}
		fmt.Println(line)
	}
	if res.Iteration.Status != "" {
		fmt.Printf("  iteration: %s (%d/%d)\n", res.Iteration.Status, res.Iteration.Current, res.Iteration.Max)
	}
}
