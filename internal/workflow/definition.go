package workflow

import (
	"fmt"
	"strings"
	"time"
)

// StageKind selects which evidence rules apply to a stage. Documentation
// stages are allowed to prove completion with a fix log instead of test
// output.
type StageKind string

const (
	KindCode          StageKind = "code"
	KindDocumentation StageKind = "documentation"
)

func ParseStageKind(s string) (StageKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "code":
		return KindCode, nil
	case "documentation", "docs", "doc":
		return KindDocumentation, nil
	default:
		return "", fmt.Errorf("invalid stage kind: %q (want code|documentation)", s)
	}
}

// ContextFunc derives per-stage context from the outputs of completed stages.
// Implementations must be pure; a panic fails the stage before it spawns.
type ContextFunc func(priorOutputs map[string]string) map[string]any

// Stage is one unit of work in a workflow definition.
type Stage struct {
	Name string `json:"name" yaml:"name"`
	Task string `json:"task" yaml:"task"`

	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Kind defaults to code. Legacy definitions that relied on naming
	// conventions ("docs-*" stages) should set this explicitly.
	Kind StageKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Per-stage overrides. Zero values fall back to the workflow defaults.
	AgentID        string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`
	Retries        *int   `json:"retries,omitempty" yaml:"retries,omitempty"`

	// ContextFrom is only settable by embedders; it cannot be expressed in a
	// definition file.
	ContextFrom ContextFunc `json:"-" yaml:"-"`
}

func (s *Stage) EffectiveTimeout(def *Definition) time.Duration {
	minutes := s.TimeoutMinutes
	if minutes <= 0 && def != nil {
		minutes = def.StageTimeoutMinutes
	}
	if minutes <= 0 {
		minutes = defaultStageTimeoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Stage) EffectiveRetries(def *Definition) int {
	if s.Retries != nil {
		if *s.Retries < 0 {
			return 0
		}
		return *s.Retries
	}
	if def != nil && def.RetryOnFailure > 0 {
		return def.RetryOnFailure
	}
	return 0
}

const (
	defaultStageTimeoutMinutes = 15
	defaultMaxIterations       = 3
)

// Definition is the immutable input describing a workflow.
type Definition struct {
	Name   string  `json:"name" yaml:"name"`
	Stages []Stage `json:"stages" yaml:"stages"`

	StopOnError         *bool  `json:"stop_on_error,omitempty" yaml:"stop_on_error,omitempty"`
	RetryOnFailure      int    `json:"retry_on_failure,omitempty" yaml:"retry_on_failure,omitempty"`
	StageTimeoutMinutes int    `json:"stage_timeout_minutes,omitempty" yaml:"stage_timeout_minutes,omitempty"`
	WorkingDirectory    string `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`

	IterationEnabled *bool `json:"iteration_enabled,omitempty" yaml:"iteration_enabled,omitempty"`
	MaxIterations    int   `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

func (d *Definition) ApplyDefaults() {
	if d == nil {
		return
	}
	if d.StopOnError == nil {
		t := true
		d.StopOnError = &t
	}
	if d.RetryOnFailure < 0 {
		d.RetryOnFailure = 0
	}
	if d.StageTimeoutMinutes <= 0 {
		d.StageTimeoutMinutes = defaultStageTimeoutMinutes
	}
	if d.IterationEnabled == nil {
		t := true
		d.IterationEnabled = &t
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = defaultMaxIterations
	}
	if strings.TrimSpace(d.WorkingDirectory) == "" {
		d.WorkingDirectory = "."
	}
	for i := range d.Stages {
		if d.Stages[i].Kind == "" {
			d.Stages[i].Kind = KindCode
		}
	}
}

func (d *Definition) StopOnErrorEnabled() bool {
	return d == nil || d.StopOnError == nil || *d.StopOnError
}

func (d *Definition) IterationEnabledValue() bool {
	return d == nil || d.IterationEnabled == nil || *d.IterationEnabled
}

func (d *Definition) StageByName(name string) *Stage {
	if d == nil {
		return nil
	}
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i]
		}
	}
	return nil
}

// Validate checks the structural invariants and returns every violation
// found, not just the first one. Dependency resolvability (unknown names, cycles) is
// checked by ExecutionOrder; Validate reports the structural violations.
func (d *Definition) Validate() []error {
	var errs []error
	if d == nil {
		return []error{fmt.Errorf("definition is nil")}
	}
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, fmt.Errorf("workflow name is required"))
	}
	if len(d.Stages) == 0 {
		errs = append(errs, fmt.Errorf("workflow has no stages"))
	}
	seen := map[string]bool{}
	for i := range d.Stages {
		st := &d.Stages[i]
		name := strings.TrimSpace(st.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("stage %d: name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate stage name: %q", name))
		}
		seen[name] = true
		if strings.TrimSpace(st.Task) == "" {
			errs = append(errs, fmt.Errorf("stage %q: task is required", name))
		}
		if _, err := ParseStageKind(string(st.Kind)); err != nil {
			errs = append(errs, fmt.Errorf("stage %q: %w", name, err))
		}
		if st.TimeoutMinutes < 0 {
			errs = append(errs, fmt.Errorf("stage %q: timeout_minutes must be >= 0", name))
		}
		if st.Retries != nil && *st.Retries < 0 {
			errs = append(errs, fmt.Errorf("stage %q: retries must be >= 0", name))
		}
		for _, dep := range st.Dependencies {
			if strings.TrimSpace(dep) == name {
				errs = append(errs, fmt.Errorf("stage %q: depends on itself", name))
			}
		}
	}
	// Unknown dependency names are a structural violation too; report them
	// here so a single Validate call surfaces everything at once. The sorter
	// re-checks and produces the typed error.
	for i := range d.Stages {
		st := &d.Stages[i]
		for _, dep := range st.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep == "" || dep == st.Name {
				continue
			}
			if !seen[dep] {
				errs = append(errs, fmt.Errorf("stage %q: unknown dependency %q", st.Name, dep))
			}
		}
	}
	if d.RetryOnFailure < 0 {
		errs = append(errs, fmt.Errorf("retry_on_failure must be >= 0"))
	}
	if d.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max_iterations must be >= 0"))
	}
	return errs
}
