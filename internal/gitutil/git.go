// Package gitutil wraps the git CLI for the engine's side-effect commits.
// Callers downgrade every error here to a warning; a failed commit never
// fails a stage.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable background auto-maintenance so frequent stage commits stay
	// deterministic and don't spawn long-running helper processes.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	// --untracked-files=all lists individual files inside new directories;
	// the default collapses them to "dir/", which defeats extension checks.
	out, _, err := runGit(dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return "", err
	}
	return out, nil
}

// porcelainPath extracts the path from one `git status --porcelain` line:
// two status characters, a space, then the path. Renames carry
// "old -> new"; paths with unusual characters come back C-quoted.
func porcelainPath(line string) string {
	if len(line) < 4 {
		return ""
	}
	path := line[3:]
	if i := strings.LastIndex(path, " -> "); i >= 0 {
		path = path[i+4:]
	}
	if strings.HasPrefix(path, `"`) {
		if unquoted, err := strconv.Unquote(path); err == nil {
			path = unquoted
		}
	}
	return path
}

// CommitResult records what the side-effect commit step did for a stage.
type CommitResult struct {
	Committed bool     `json:"committed"`
	SHA       string   `json:"sha,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Changes   []string `json:"changes,omitempty"`
}

var documentationExtensions = map[string]bool{
	".md":   true,
	".rst":  true,
	".txt":  true,
	".adoc": true,
}

func isDocumentationFile(path string) bool {
	return documentationExtensions[strings.ToLower(filepath.Ext(path))]
}

// CommitChanges inspects the working directory for changes produced by a
// stage. Documentation-file changes trigger an automatic commit with a fixed
// message template naming the stage; anything else is staged only, left for
// a human to commit.
func CommitChanges(dir, stageName, author string) (CommitResult, error) {
	if !IsRepo(dir) {
		return CommitResult{Reason: "not a git repository"}, nil
	}
	out, err := StatusPorcelain(dir)
	if err != nil {
		return CommitResult{}, err
	}
	var changes []string
	docsOnly := true
	for _, line := range strings.Split(out, "\n") {
		path := porcelainPath(line)
		if path == "" {
			continue
		}
		changes = append(changes, path)
		if !isDocumentationFile(path) {
			docsOnly = false
		}
	}
	if len(changes) == 0 {
		return CommitResult{Reason: "no changes"}, nil
	}

	if _, _, err := runGit(dir, "add", "-A"); err != nil {
		return CommitResult{Changes: changes}, err
	}
	if !docsOnly {
		return CommitResult{Reason: "staged only (non-documentation changes)", Changes: changes}, nil
	}

	msg := fmt.Sprintf("docs(%s): record stage output and fix log", stageName)
	commitArgs := []string{"commit", "-m", msg}
	if strings.TrimSpace(author) != "" {
		commitArgs = append(commitArgs, "--author", author)
	}
	if _, _, err := runGit(dir, commitArgs...); err != nil {
		// Missing identity is common in throwaway checkouts; retry once with
		// an explicit fallback identity without mutating repo config.
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			withIdentity := append([]string{
				"-c", "user.name=stageflow",
				"-c", "user.email=stageflow@local",
			}, commitArgs...)
			if _, _, err = runGit(dir, withIdentity...); err != nil {
				return CommitResult{Changes: changes}, err
			}
		} else {
			return CommitResult{Changes: changes}, err
		}
	}
	sha, err := HeadSHA(dir)
	if err != nil {
		return CommitResult{Committed: true, Changes: changes}, err
	}
	return CommitResult{Committed: true, SHA: sha, Changes: changes}, nil
}
