package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/avandw/stageflow/internal/spawner"
	"github.com/avandw/stageflow/internal/statestore"
	"github.com/avandw/stageflow/internal/workflow"
)

// parseStateArgs splits positionals from the shared --state-dir flag.
func parseStateArgs(args []string) ([]string, string, error) {
	var pos []string
	stateDir := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state-dir":
			i++
			if i >= len(args) {
				return nil, "", fmt.Errorf("--state-dir requires a value")
			}
			stateDir = args[i]
		default:
			pos = append(pos, args[i])
		}
	}
	if stateDir == "" {
		stateDir = statestore.DefaultBaseDir()
	}
	return pos, stateDir, nil
}

func cmdValidate(args []string) error {
	if len(args) != 1 {
		usage()
		return fmt.Errorf("validate requires a definition file")
	}
	def, err := workflow.LoadDefinitionFile(args[0])
	if err != nil {
		return err
	}
	order, err := workflow.ExecutionOrder(def.Stages)
	if err != nil {
		return err
	}
	fmt.Printf("%s: valid (%d stages)\n", def.Name, len(def.Stages))
	fmt.Println("execution order:")
	for i, name := range order {
		fmt.Printf("  %2d. %s\n", i+1, name)
	}
	return nil
}

const exampleDefinition = `name: feature-pipeline
stop_on_error: true
retry_on_failure: 1
stage_timeout_minutes: 15
iteration_enabled: true
max_iterations: 3

stages:
  - name: design
    task: >
      Draft the design for the requested feature and write it to
      docs/design.md. List open questions explicitly.
    kind: documentation

  - name: implement
    task: >
      Implement the feature described in docs/design.md. Keep changes
      scoped to the feature and run the test suite before finishing.
    dependencies: [design]
    timeout_minutes: 30

  - name: verify
    task: >
      Review the implementation against docs/design.md, run all tests,
      and record any remaining gaps.
    dependencies: [implement]
`

func cmdExample(args []string) error {
	if len(args) != 0 {
		usage()
		return fmt.Errorf("example takes no arguments")
	}
	fmt.Print(exampleDefinition)
	return nil
}

func cmdStatus(args []string) error {
	pos, stateDir, err := parseStateArgs(args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		usage()
		return fmt.Errorf("status requires a workflow name")
	}
	store, err := statestore.NewStore(stateDir)
	if err != nil {
		return err
	}
	st, err := store.FindByName(pos[0])
	if err != nil {
		return err
	}
	fmt.Printf("workflow:   %s (%s)\n", st.WorkflowName, st.WorkflowID)
	fmt.Printf("status:     %s\n", st.Status)
	fmt.Printf("started:    %s\n", st.StartedAt.Format(time.RFC3339))
	fmt.Printf("updated:    %s\n", st.LastUpdated.Format(time.RFC3339))
	if st.MaxIterations > 0 {
		fmt.Printf("iteration:  %d/%d\n", st.Iteration+1, st.MaxIterations)
	}
	fmt.Printf("completed:  %d/%d stages\n", len(st.CompletedStages), len(st.ExecutionOrder))
	for _, name := range st.ExecutionOrder {
		mark := " "
		if contains(st.CompletedStages, name) {
			mark = "x"
		} else if name == st.FailedStage {
			mark = "!"
		}
		fmt.Printf("  [%s] %s\n", mark, name)
	}
	if st.ErrorMessage != "" {
		fmt.Printf("error:      %s\n", st.ErrorMessage)
	}
	return nil
}

func cmdList(args []string) error {
	_, stateDir, err := parseStateArgs(args)
	if err != nil {
		return err
	}
	store, err := statestore.NewStore(stateDir)
	if err != nil {
		return err
	}
	states, err := store.List()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no workflows recorded")
		return nil
	}
	fmt.Printf("%-26s  %-20s  %-10s  %s\n", "ID", "NAME", "STATUS", "UPDATED")
	for _, st := range states {
		fmt.Printf("%-26s  %-20s  %-10s  %s\n",
			st.WorkflowID, st.WorkflowName, st.Status, st.LastUpdated.Format(time.RFC3339))
	}
	return nil
}

func cmdResume(args []string) error {
	f, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	// First positional is the workflow id; the definition file is optional.
	var workflowID, defPath string
	switch len(f.positionals) {
	case 1:
		workflowID = f.positionals[0]
	case 2:
		workflowID, defPath = f.positionals[0], f.positionals[1]
	default:
		usage()
		return fmt.Errorf("resume requires a workflow id and an optional definition file")
	}

	store, err := statestore.NewStore(f.stateDir)
	if err != nil {
		return err
	}
	st, err := store.Load(workflowID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() && st.Status != statestore.StatusFailed {
		return fmt.Errorf("workflow %s is %s and cannot be resumed", workflowID, st.Status)
	}

	var def *workflow.Definition
	if defPath != "" {
		def, err = workflow.LoadDefinitionFile(defPath)
	} else {
		def, err = definitionFromState(st)
	}
	if err != nil {
		return err
	}

	if f.agentCLI == "" {
		return fmt.Errorf("no agent CLI configured (use --agent-cli or STAGEFLOW_AGENT_CLI)")
	}
	cli := &spawner.CLISpawner{
		Executable:       f.agentCLI,
		SessionIndexPath: f.sessionIndex,
	}
	res, err := runWorkflow(def, store, cli, cli, workflowID, st.Context)
	if err != nil {
		return err
	}
	printResult(res)
	if !res.Success {
		return fmt.Errorf("workflow failed at stage %q", res.FailedStage)
	}
	return nil
}

// definitionFromState reconstructs a runnable definition from the persisted
// definition snapshot, when the original file is not supplied.
func definitionFromState(st *statestore.State) (*workflow.Definition, error) {
	path, ok := st.Context["definition_path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("workflow %s has no recorded definition path; pass the definition file explicitly", st.WorkflowID)
	}
	return workflow.LoadDefinitionFile(path)
}

func cmdCancel(args []string) error {
	pos, stateDir, err := parseStateArgs(args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		usage()
		return fmt.Errorf("cancel requires a workflow name")
	}
	store, err := statestore.NewStore(stateDir)
	if err != nil {
		return err
	}
	st, err := store.FindByName(pos[0])
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("workflow %s is already %s", st.WorkflowID, st.Status)
	}
	if err := store.Cancel(st.WorkflowID); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for %s (%s); the running stage finishes before the workflow stops\n",
		st.WorkflowName, st.WorkflowID)
	return nil
}

func cmdCleanup(args []string) error {
	pos, stateDir, err := parseStateArgs(args)
	if err != nil {
		return err
	}
	days := 7
	if len(pos) == 1 {
		days, err = strconv.Atoi(pos[0])
		if err != nil || days < 0 {
			return fmt.Errorf("cleanup: invalid day count %q", pos[0])
		}
	} else if len(pos) > 1 {
		usage()
		return fmt.Errorf("cleanup takes at most one day-count argument")
	}
	store, err := statestore.NewStore(stateDir)
	if err != nil {
		return err
	}
	removed, err := store.Cleanup(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d workflow record(s) older than %d day(s)\n", len(removed), days)
	for _, id := range removed {
		fmt.Printf("  %s\n", id)
	}
	return nil
}

func cmdResourceReport(args []string) error {
	_, stateDir, err := parseStateArgs(args)
	if err != nil {
		return err
	}
	store, err := statestore.NewStore(stateDir)
	if err != nil {
		return err
	}
	states, err := store.List()
	if err != nil {
		return err
	}
	fmt.Printf("state dir: %s\n", store.BaseDir())
	var totalFiles int
	var totalBytes int64
	for _, st := range states {
		dir := store.WorkflowDir(st.WorkflowID)
		files, bytes := dirUsage(dir)
		totalFiles += files
		totalBytes += bytes
		fmt.Printf("  %-26s  %-10s  %4d file(s)  %s\n",
			st.WorkflowID, st.Status, files, formatBytes(bytes))
	}
	fmt.Printf("total: %d workflow(s), %d file(s), %s\n", len(states), totalFiles, formatBytes(totalBytes))
	return nil
}

func dirUsage(dir string) (int, int64) {
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**"))
	if err != nil {
		return 0, 0
	}
	var files int
	var bytes int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files++
		bytes += info.Size()
	}
	return files, bytes
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
