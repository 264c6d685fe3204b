package main

import (
	"reflect"
	"testing"

	"github.com/avandw/stageflow/internal/statestore"
)

func TestParseRunFlags(t *testing.T) {
	f, err := parseRunFlags([]string{"wf.yaml", "--agent-cli", "/bin/agent", "--state-dir", "/tmp/state"})
	if err != nil {
		t.Fatalf("parseRunFlags: %v", err)
	}
	if !reflect.DeepEqual(f.positionals, []string{"wf.yaml"}) || f.agentCLI != "/bin/agent" || f.stateDir != "/tmp/state" {
		t.Fatalf("got %+v", f)
	}
}

func TestParseRunFlags_MultiplePositionalsForResume(t *testing.T) {
	f, err := parseRunFlags([]string{"id-1", "wf.yaml", "--agent-cli", "/bin/agent"})
	if err != nil {
		t.Fatalf("parseRunFlags: %v", err)
	}
	if !reflect.DeepEqual(f.positionals, []string{"id-1", "wf.yaml"}) {
		t.Fatalf("positionals = %v", f.positionals)
	}
}

func TestParseRunFlags_EnvFallbackAndDefaults(t *testing.T) {
	t.Setenv("STAGEFLOW_AGENT_CLI", "/env/agent")
	f, err := parseRunFlags([]string{"wf.yaml"})
	if err != nil {
		t.Fatalf("parseRunFlags: %v", err)
	}
	if f.agentCLI != "/env/agent" {
		t.Fatalf("env fallback not applied: %+v", f)
	}
	if f.stateDir != statestore.DefaultBaseDir() {
		t.Fatalf("state dir default not applied: %+v", f)
	}
}

func TestParseRunFlags_Errors(t *testing.T) {
	if _, err := parseRunFlags([]string{"--agent-cli"}); err == nil {
		t.Fatal("dangling flag value must error")
	}
	if _, err := parseRunFlags([]string{"--bogus", "x"}); err == nil {
		t.Fatal("unknown flag must error")
	}
}

func TestParseStateArgs(t *testing.T) {
	pos, stateDir, err := parseStateArgs([]string{"demo", "--state-dir", "/tmp/s"})
	if err != nil {
		t.Fatalf("parseStateArgs: %v", err)
	}
	if !reflect.DeepEqual(pos, []string{"demo"}) || stateDir != "/tmp/s" {
		t.Fatalf("got %v, %q", pos, stateDir)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:       "0 B",
		512:     "512 B",
		2048:    "2.0 KiB",
		1536000: "1.5 MiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d) = %q want %q", in, got, want)
		}
	}
}
