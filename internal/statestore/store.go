// Package statestore persists workflow progress snapshots as JSON files
// keyed by generated workflow id, for resumption and status queries.
//
// The store assumes a single writer per workflow id at a time; it does not
// implement locking.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "running"
	StatusPaused    WorkflowStatus = "paused"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// State is the persisted snapshot of one workflow's progress.
type State struct {
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	StartedAt    time.Time      `json:"started_at"`
	LastUpdated  time.Time      `json:"last_updated"`
	Status       WorkflowStatus `json:"status"`

	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`

	CompletedStages []string                   `json:"completed_stages"`
	FailedStage     string                     `json:"failed_stage,omitempty"`
	PausedStage     string                     `json:"paused_stage,omitempty"`
	StageOutputs    map[string]json.RawMessage `json:"stage_outputs,omitempty"`

	Context        map[string]any `json:"context,omitempty"`
	ExecutionOrder []string       `json:"execution_order,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// Validate enforces the persisted-state invariant: completed implies no
// failed stage and no error message.
func (s *State) Validate() error {
	if s == nil {
		return errors.New("state is nil")
	}
	if strings.TrimSpace(s.WorkflowID) == "" {
		return errors.New("workflow_id is required")
	}
	if s.Status == StatusCompleted && (s.FailedStage != "" || s.ErrorMessage != "") {
		return fmt.Errorf("completed state must not carry failed_stage or error_message")
	}
	return nil
}

// NewWorkflowID returns a new globally unique, filesystem-safe,
// lexicographically sortable workflow id.
func NewWorkflowID() string {
	return ulid.Make().String()
}

// Store is a file-backed key-value store under <baseDir>/workflows, one JSON
// file per workflow id.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

// DefaultBaseDir resolves the state directory as
// ${XDG_STATE_HOME:-$HOME/.local/state}/stageflow.
func DefaultBaseDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "stageflow")
}

func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) workflowsDir() string {
	return filepath.Join(s.baseDir, "workflows")
}

func (s *Store) statePath(workflowID string) string {
	return filepath.Join(s.workflowsDir(), workflowID+".json")
}

// WorkflowDir is where per-workflow artifacts (progress log, outputs) live.
func (s *Store) WorkflowDir(workflowID string) string {
	return filepath.Join(s.baseDir, "workflows", workflowID)
}

// Save writes the state atomically (temp file + rename). LastUpdated is
// stamped on every save.
func (s *Store) Save(st *State) error {
	if s == nil {
		return errors.New("nil Store")
	}
	if err := st.Validate(); err != nil {
		return err
	}
	st.LastUpdated = time.Now().UTC()
	if err := os.MkdirAll(s.workflowsDir(), 0o755); err != nil {
		return err
	}
	// Compact encoding keeps RawMessage stage outputs byte-identical across
	// a save/load cycle; indentation would rewrite them.
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	path := s.statePath(st.WorkflowID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) Load(workflowID string) (*State, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	b, err := os.ReadFile(s.statePath(workflowID))
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", workflowID, err)
	}
	return &st, nil
}

// List returns all persisted states, newest first.
func (s *Store) List() ([]*State, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(s.workflowsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var states []*State
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		st, err := s.Load(id)
		if err != nil {
			continue // skip unreadable records; cleanup can remove them
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})
	return states, nil
}

// FindByName returns the most recently started state with the given
// workflow name.
func (s *Store) FindByName(name string) (*State, error) {
	states, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if st.WorkflowName == name {
			return st, nil
		}
	}
	return nil, fmt.Errorf("no workflow state named %q", name)
}

func (s *Store) Delete(workflowID string) error {
	if s == nil {
		return errors.New("nil Store")
	}
	if err := os.Remove(s.statePath(workflowID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// Per-workflow artifact directory goes with the record.
	if err := os.RemoveAll(s.WorkflowDir(workflowID)); err != nil {
		return err
	}
	return nil
}

// Cleanup deletes terminal states whose last update is older than maxAge and
// returns the deleted workflow ids. Running/paused workflows are never
// removed. A zero maxAge removes every terminal state; negative values fall
// back to the 7-day default.
func (s *Store) Cleanup(maxAge time.Duration) ([]string, error) {
	if maxAge < 0 {
		maxAge = 7 * 24 * time.Hour
	}
	states, err := s.List()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	var deleted []string
	for _, st := range states {
		if !st.Status.Terminal() {
			continue
		}
		if st.LastUpdated.After(cutoff) {
			continue
		}
		if err := s.Delete(st.WorkflowID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, st.WorkflowID)
	}
	return deleted, nil
}

// Cancel marks a workflow cancelled in the persisted state. The scheduler
// observes cancellation cooperatively, between stage boundaries.
func (s *Store) Cancel(workflowID string) error {
	st, err := s.Load(workflowID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("workflow %s already %s", workflowID, st.Status)
	}
	st.Status = StatusCancelled
	return s.Save(st)
}
