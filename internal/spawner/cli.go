package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// CommandError carries the captured output of a failed spawner invocation so
// the classifier can pattern-match on it.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + firstNonEmptyLine(s)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// CLISpawner invokes an agent CLI as a subprocess. The CLI either prints the
// completed output on stdout, or prints nothing and registers an
// asynchronous session in its session index file (a JSON array of
// SessionInfo records), which ListSessions reads.
type CLISpawner struct {
	// Executable is the agent CLI binary. Required.
	Executable string
	// BaseArgs are prepended before the task argument.
	BaseArgs []string
	// SessionIndexPath is the JSON file the CLI maintains with its active
	// sessions. Empty disables session listing (every spawn is synchronous).
	SessionIndexPath string
}

func (c *CLISpawner) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	if strings.TrimSpace(c.Executable) == "" {
		return SpawnResult{}, fmt.Errorf("spawner executable is required")
	}
	args := append([]string{}, c.BaseArgs...)
	if req.AgentID != "" {
		args = append(args, "--agent", req.AgentID)
	}
	if req.TimeoutSeconds > 0 {
		args = append(args, "--timeout", strconv.Itoa(req.TimeoutSeconds))
	}
	args = append(args, req.Task)

	cmd := exec.CommandContext(ctx, c.Executable, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return SpawnResult{}, &CommandError{
			Args:   append([]string{c.Executable}, args...),
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	out := strings.TrimSpace(stdout.String())
	// A bare "session:<id>" line means the CLI detached and the engine should
	// poll the session index for completion.
	if id, ok := strings.CutPrefix(out, "session:"); ok && !strings.ContainsAny(id, " \n") {
		return SpawnResult{SessionID: strings.TrimSpace(id)}, nil
	}
	if out == "" {
		return SpawnResult{}, fmt.Errorf("spawner produced no output and no session id")
	}
	return SpawnResult{Output: out}, nil
}

func (c *CLISpawner) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	if strings.TrimSpace(c.SessionIndexPath) == "" {
		return nil, nil
	}
	b, err := os.ReadFile(c.SessionIndexPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []SessionInfo
	if err := json.Unmarshal(b, &sessions); err != nil {
		return nil, fmt.Errorf("decode session index %s: %w", c.SessionIndexPath, err)
	}
	return sessions, nil
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
