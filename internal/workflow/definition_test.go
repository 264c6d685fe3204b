package workflow

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_ReportsAllViolationsAtOnce(t *testing.T) {
	retries := -1
	def := &Definition{
		Name: "",
		Stages: []Stage{
			{Name: "a", Task: ""},
			{Name: "a", Task: "dup name"},
			{Name: "b", Task: "t", Dependencies: []string{"b"}},
			{Name: "c", Task: "t", Dependencies: []string{"ghost"}},
			{Name: "d", Task: "t", Kind: "binary"},
			{Name: "e", Task: "t", TimeoutMinutes: -5},
			{Name: "f", Task: "t", Retries: &retries},
		},
	}
	errs := def.Validate()
	wantFragments := []string{
		"name is required",
		"task is required",
		"duplicate stage name",
		"depends on itself",
		`unknown dependency "ghost"`,
		"invalid stage kind",
		"timeout_minutes must be >= 0",
		"retries must be >= 0",
	}
	joined := ""
	for _, e := range errs {
		joined += e.Error() + "\n"
	}
	for _, frag := range wantFragments {
		if !strings.Contains(joined, frag) {
			t.Fatalf("missing violation %q in:\n%s", frag, joined)
		}
	}
}

func TestValidate_CleanDefinition(t *testing.T) {
	def := &Definition{
		Name: "ok",
		Stages: []Stage{
			{Name: "a", Task: "t"},
			{Name: "b", Task: "t", Dependencies: []string{"a"}},
		},
	}
	if errs := def.Validate(); len(errs) != 0 {
		t.Fatalf("unexpected violations: %v", errs)
	}
}

func TestApplyDefaults(t *testing.T) {
	def := &Definition{Name: "d", Stages: []Stage{{Name: "a", Task: "t"}}}
	def.ApplyDefaults()
	if !def.StopOnErrorEnabled() {
		t.Fatal("stop_on_error should default to true")
	}
	if !def.IterationEnabledValue() {
		t.Fatal("iteration_enabled should default to true")
	}
	if def.StageTimeoutMinutes != 15 {
		t.Fatalf("stage_timeout_minutes = %d want 15", def.StageTimeoutMinutes)
	}
	if def.MaxIterations != 3 {
		t.Fatalf("max_iterations = %d want 3", def.MaxIterations)
	}
	if def.WorkingDirectory != "." {
		t.Fatalf("working_directory = %q want .", def.WorkingDirectory)
	}
	if def.Stages[0].Kind != KindCode {
		t.Fatalf("stage kind = %q want code", def.Stages[0].Kind)
	}
}

func TestEffectiveTimeout_OverrideAndFallbacks(t *testing.T) {
	def := &Definition{StageTimeoutMinutes: 20}
	st := &Stage{TimeoutMinutes: 5}
	if got := st.EffectiveTimeout(def); got != 5*time.Minute {
		t.Fatalf("per-stage override: got %v", got)
	}
	st.TimeoutMinutes = 0
	if got := st.EffectiveTimeout(def); got != 20*time.Minute {
		t.Fatalf("workflow default: got %v", got)
	}
	if got := st.EffectiveTimeout(&Definition{}); got != 15*time.Minute {
		t.Fatalf("built-in default: got %v", got)
	}
}

func TestEffectiveRetries(t *testing.T) {
	zero := 0
	two := 2
	def := &Definition{RetryOnFailure: 1}
	cases := []struct {
		stage Stage
		want  int
	}{
		{Stage{}, 1},
		{Stage{Retries: &two}, 2},
		{Stage{Retries: &zero}, 0}, // explicit zero beats workflow default
	}
	for i, tc := range cases {
		if got := tc.stage.EffectiveRetries(def); got != tc.want {
			t.Fatalf("case %d: got %d want %d", i, got, tc.want)
		}
	}
}

func TestParseStageKind(t *testing.T) {
	cases := []struct {
		in      string
		want    StageKind
		wantErr bool
	}{
		{"", KindCode, false},
		{"code", KindCode, false},
		{"documentation", KindDocumentation, false},
		{"Docs", KindDocumentation, false},
		{"binary", "", true},
	}
	for _, tc := range cases {
		got, err := ParseStageKind(tc.in)
		if tc.wantErr != (err != nil) {
			t.Fatalf("ParseStageKind(%q) err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("ParseStageKind(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
