// Package evidence inspects a stage's raw output for a structured
// completion-evidence payload and checks that the referenced artifacts prove
// real work rather than a bare assertion. Validation is read-only and
// idempotent: the same output and files always produce the same result.
package evidence

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Payload is the structured completion evidence a stage must return in its
// final response text.
type Payload struct {
	EvidenceType string          `json:"evidenceType"`
	FilePath     string          `json:"filePath,omitempty"`
	FixLog       string          `json:"fixLog,omitempty"`
	TestResults  json.RawMessage `json:"testResults,omitempty"`
	VerifiedBy   string          `json:"verifiedBy,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
	Gaps         []Gap           `json:"gaps,omitempty"`
}

// Gap is one deficiency reported in an evidence file's gaps array.
type Gap struct {
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Result aggregates every validation error rather than short-circuiting on
// the first one.
type Result struct {
	Valid    bool
	Evidence *Payload
	Errors   []string

	// FileHash is the blake3 hash of the evidence file content, recorded for
	// audit when a filePath was present and readable.
	FileHash string
}

// Options tune validation without changing its semantics.
type Options struct {
	WorkingDir string
	// MinFileAge rejects evidence files modified more recently than this,
	// a heuristic against freshly-fabricated placeholder artifacts.
	// Defaults to 100ms.
	MinFileAge time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

const (
	defaultMinFileAge = 100 * time.Millisecond

	// fabricationMaxLen bounds the fabrication-marker check: short assertions
	// without substance are suspect; long files containing the same phrase
	// incidentally are tolerated.
	fabricationMaxLen = 200

	// defaultFixLogPath is the conventional fix log location for
	// documentation stages that do not name one explicitly.
	defaultFixLogPath = "docs/fix-log.md"
)

var fabricationMarkers = []string{
	"i checked",
	"i verified",
	"i reviewed",
	"looks good",
	"verified mentally",
	"should work",
	"trust me",
}

var testResultMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bPASS(ED)?\b`),
	regexp.MustCompile(`(?i)\bFAIL(ED)?\b`),
	regexp.MustCompile(`(?i)\b\d+\s+(tests?|passed|failed|passing|failing)\b`),
	regexp.MustCompile(`[✓✔✗✘]`),
	regexp.MustCompile(`(?m)^ok\s+\S+`),
}

// Validate inspects rawOutput for a completion-evidence payload and checks
// its referenced artifacts. isDocumentation selects the documentation-stage
// rules (fix log instead of test markers).
func Validate(rawOutput, stageName string, isDocumentation bool, opts Options) Result {
	if opts.MinFileAge <= 0 {
		opts.MinFileAge = defaultMinFileAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	res := Result{}
	payload, ok := extractPayload(rawOutput)
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("stage %q: no completionEvidence object found in output", stageName))
		return res
	}
	res.Evidence = payload

	if !isDocumentation && payload.FilePath == "" && payload.FixLog == "" {
		res.Errors = append(res.Errors, "evidence must reference a filePath or fixLog")
	}

	if payload.FilePath != "" {
		path := resolvePath(opts.WorkingDir, payload.FilePath)
		content, errs := checkArtifactFile(path, opts)
		res.Errors = append(res.Errors, errs...)
		if content != nil {
			sum := blake3.Sum256(content)
			res.FileHash = hex.EncodeToString(sum[:])
			res.Errors = append(res.Errors, checkContent(string(content), isDocumentation)...)
		}
	}

	if payload.FixLog != "" || isDocumentation {
		fixLog := payload.FixLog
		if fixLog == "" {
			fixLog = defaultFixLogPath
		}
		path := resolvePath(opts.WorkingDir, fixLog)
		if _, err := os.Stat(path); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("fix log not found: %s", fixLog))
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// extractPayload finds the first JSON object substring of raw that contains
// an evidenceType key. The scan is brace-balanced so evidence embedded in
// surrounding prose or transcripts is still found.
func extractPayload(raw string) (*Payload, bool) {
	for start := 0; start < len(raw); {
		open := strings.IndexByte(raw[start:], '{')
		if open < 0 {
			return nil, false
		}
		open += start
		end, ok := matchBrace(raw, open)
		if !ok {
			start = open + 1
			continue
		}
		candidate := raw[open : end+1]
		if strings.Contains(candidate, `"evidenceType"`) {
			var p Payload
			if err := json.Unmarshal([]byte(candidate), &p); err == nil && p.EvidenceType != "" {
				return &p, true
			}
		}
		start = open + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the object opened at
// open, honoring JSON string quoting.
func matchBrace(s string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func resolvePath(workingDir, path string) string {
	if filepath.IsAbs(path) || workingDir == "" {
		return path
	}
	return filepath.Join(workingDir, path)
}

func checkArtifactFile(path string, opts Options) ([]byte, []string) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, []string{fmt.Sprintf("evidence file not found: %s", path)}
	}
	var errs []string
	if age := opts.Now().Sub(info.ModTime()); age < opts.MinFileAge {
		errs = append(errs, fmt.Sprintf("evidence file too fresh (%s old): %s", age.Round(time.Millisecond), path))
	}
	if info.Size() == 0 {
		errs = append(errs, fmt.Sprintf("evidence file is empty: %s", path))
		return nil, errs
	}
	content, err := os.ReadFile(path)
	if err != nil {
		errs = append(errs, fmt.Sprintf("read evidence file: %v", err))
		return nil, errs
	}
	return content, errs
}

func checkContent(content string, isDocumentation bool) []string {
	var errs []string
	if len(content) < fabricationMaxLen {
		lower := strings.ToLower(content)
		for _, marker := range fabricationMarkers {
			if strings.Contains(lower, marker) {
				errs = append(errs, fmt.Sprintf("evidence content appears fabricated (marker %q in short file)", marker))
				break
			}
		}
	}
	if !isDocumentation && !hasTestResultMarker(content) {
		errs = append(errs, "evidence file contains no recognizable test results")
	}
	return errs
}

func hasTestResultMarker(content string) bool {
	for _, re := range testResultMarkers {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
