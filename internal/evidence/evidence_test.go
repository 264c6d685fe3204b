package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// writeAged writes a file and backdates its mtime so the freshness check
// passes.
func writeAged(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func evidenceOutput(filePath string) string {
	return fmt.Sprintf(`All done. {"evidenceType": "test-results", "filePath": %q}`, filePath)
}

func TestValidate_NoEvidenceObject(t *testing.T) {
	res := Validate("I finished the task, everything works.", "build", false, Options{})
	if res.Valid {
		t.Fatal("expected invalid result")
	}
	want := `stage "build": no completionEvidence object found in output`
	if len(res.Errors) != 1 || res.Errors[0] != want {
		t.Fatalf("errors = %v want [%q]", res.Errors, want)
	}
}

func TestValidate_HappyPathCodeStage(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "report.txt", "=== test run ===\n12 tests, 12 passed\nPASS\n")
	res := Validate(evidenceOutput("report.txt"), "build", false, Options{WorkingDir: dir})
	if !res.Valid {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.Evidence == nil || res.Evidence.EvidenceType != "test-results" {
		t.Fatalf("payload not extracted: %+v", res.Evidence)
	}
	if res.FileHash == "" {
		t.Fatal("expected a recorded file hash")
	}
}

func TestValidate_MissingArtifactReference(t *testing.T) {
	res := Validate(`{"evidenceType": "assertion"}`, "build", false, Options{})
	if res.Valid {
		t.Fatal("expected invalid result")
	}
	if !containsFragment(res.Errors, "must reference a filePath or fixLog") {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestValidate_FileNotFound(t *testing.T) {
	res := Validate(evidenceOutput("nope.txt"), "build", false, Options{WorkingDir: t.TempDir()})
	if res.Valid || !containsFragment(res.Errors, "evidence file not found") {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestValidate_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "report.txt", "")
	res := Validate(evidenceOutput("report.txt"), "build", false, Options{WorkingDir: dir})
	if res.Valid || !containsFragment(res.Errors, "evidence file is empty") {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestValidate_TooFreshFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(path, []byte("PASS\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Pin Now to the file's mtime so age is ~zero regardless of scheduling.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	res := Validate(evidenceOutput("report.txt"), "build", false, Options{
		WorkingDir: dir,
		Now:        func() time.Time { return info.ModTime() },
	})
	if res.Valid || !containsFragment(res.Errors, "too fresh") {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestValidate_FabricationMarkerInShortFile(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "report.txt", "I checked, looks good. PASS")
	res := Validate(evidenceOutput("report.txt"), "build", false, Options{WorkingDir: dir})
	if res.Valid || !containsFragment(res.Errors, "appears fabricated") {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestValidate_MarkerInLongFileTolerated(t *testing.T) {
	dir := t.TempDir()
	long := "I checked the output below.\n" + strings.Repeat("test line with PASS result\n", 20)
	writeAged(t, dir, "report.txt", long)
	res := Validate(evidenceOutput("report.txt"), "build", false, Options{WorkingDir: dir})
	if !res.Valid {
		t.Fatalf("long file should be tolerated: %v", res.Errors)
	}
}

func TestValidate_CodeStageNeedsTestMarkers(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "report.txt", "some notes about the refactoring with no output at all here")
	res := Validate(evidenceOutput("report.txt"), "build", false, Options{WorkingDir: dir})
	if res.Valid || !containsFragment(res.Errors, "no recognizable test results") {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestValidate_TestMarkerVariants(t *testing.T) {
	contents := []string{
		"final verdict: PASS",
		"outcome FAILED on retry",
		"7 tests, 7 passed",
		"✓ all assertions held",
		"ok  \tstageflow/internal/workflow\t0.12s",
	}
	for _, content := range contents {
		dir := t.TempDir()
		// Pad so the fabrication check does not trip on short content.
		writeAged(t, dir, "report.txt", content+"\n"+strings.Repeat("detail line\n", 20))
		res := Validate(evidenceOutput("report.txt"), "build", false, Options{WorkingDir: dir})
		if !res.Valid {
			t.Fatalf("content %q: unexpected errors %v", content, res.Errors)
		}
	}
}

func TestValidate_DocumentationStageUsesFixLog(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "docs/fix-log.md", "## fixes\n- rewrote intro\n")
	res := Validate(`{"evidenceType": "docs-update"}`, "docs", true, Options{WorkingDir: dir})
	if !res.Valid {
		t.Fatalf("documentation stage with default fix log: %v", res.Errors)
	}
}

func TestValidate_DocumentationStageMissingFixLog(t *testing.T) {
	res := Validate(`{"evidenceType": "docs-update"}`, "docs", true, Options{WorkingDir: t.TempDir()})
	if res.Valid || !containsFragment(res.Errors, "fix log not found") {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "report.txt", "9 tests, 9 passed\nPASS\n")
	out := evidenceOutput("report.txt")
	first := Validate(out, "build", false, Options{WorkingDir: dir})
	second := Validate(out, "build", false, Options{WorkingDir: dir})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("validation not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestExtractPayload_EmbeddedInProse(t *testing.T) {
	raw := `Here is a stray brace { and then the real payload:
{"evidenceType": "test-results", "filePath": "a.txt", "gaps": [{"description": "d", "priority": "HIGH", "status": "open"}]}
trailing text`
	p, ok := extractPayload(raw)
	if !ok {
		t.Fatal("payload not found")
	}
	if p.FilePath != "a.txt" || len(p.Gaps) != 1 || p.Gaps[0].Priority != "HIGH" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestExtractPayload_BracesInsideStrings(t *testing.T) {
	raw := `{"evidenceType": "test-results", "filePath": "weird{name}.txt"}`
	p, ok := extractPayload(raw)
	if !ok || p.FilePath != "weird{name}.txt" {
		t.Fatalf("got %+v ok=%v", p, ok)
	}
}

func containsFragment(errs []string, frag string) bool {
	for _, e := range errs {
		if strings.Contains(e, frag) {
			return true
		}
	}
	return false
}
