package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/avandw/stageflow/internal/evidence"
	"github.com/avandw/stageflow/internal/workflow"
)

// gapResolvedStatuses are gap states that do not count as critical.
var gapResolvedStatuses = map[string]bool{
	"resolved":      true,
	"deferred":      true,
	"mitigated":     true,
	"accepted-risk": true,
}

var gapPhraseRE = regexp.MustCompile(`(?i)(critical|high[\s-]priority|blocking)\b.{0,120}?\b(gap|missing|unresolved|incomplete|broken)`)

// transcriptGapThreshold: more than this many gap-phrase matches in the
// terminal transcript counts as critical when no evidence JSON is available.
const transcriptGapThreshold = 2

type iterationDecision struct {
	Status string
	Gaps   []evidence.Gap
}

// decideIteration inspects the terminal stage of a successful pass for
// unresolved high-priority gaps and decides whether the workflow restarts.
// Evidence JSON is authoritative; the transcript regex scan is a fallback
// used only when no evidence file is available. Gaps in intermediate stages
// never trigger a restart.
func (e *Engine) decideIteration(def *workflow.Definition, order []string, res *WorkflowResult, iteration int) iterationDecision {
	if !def.IterationEnabledValue() {
		return iterationDecision{Status: IterationNotEnabled}
	}
	if len(order) == 0 {
		return iterationDecision{Status: IterationNoGaps}
	}
	terminal := res.Results[order[len(order)-1]]
	if terminal == nil {
		return iterationDecision{Status: IterationNoGaps}
	}

	gaps, fromEvidence := e.terminalGaps(def, terminal)
	critical := criticalGaps(gaps)
	isCritical := len(critical) > 0
	if !fromEvidence {
		isCritical = countTranscriptGapPhrases(terminal) > transcriptGapThreshold
	}

	if !isCritical {
		return iterationDecision{Status: IterationNoGaps}
	}
	if iteration+1 >= def.MaxIterations {
		return iterationDecision{Status: IterationReachedMax, Gaps: critical}
	}
	return iterationDecision{Status: IterationRestartDetected, Gaps: critical}
}

// terminalGaps reads the gaps array from the terminal stage's evidence file
// (or inline payload). fromEvidence is false when no evidence JSON could be
// consulted, which enables the transcript fallback.
func (e *Engine) terminalGaps(def *workflow.Definition, terminal *StageResult) (gaps []evidence.Gap, fromEvidence bool) {
	if terminal.Evidence == nil {
		return nil, false
	}
	if len(terminal.Evidence.Gaps) > 0 {
		return terminal.Evidence.Gaps, true
	}
	path := terminal.Evidence.FilePath
	if path == "" {
		return nil, false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(def.WorkingDirectory, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var doc struct {
		Gaps []evidence.Gap `json:"gaps"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, false
	}
	return doc.Gaps, true
}

func criticalGaps(gaps []evidence.Gap) []evidence.Gap {
	var out []evidence.Gap
	for _, g := range gaps {
		if !strings.EqualFold(strings.TrimSpace(g.Priority), "HIGH") {
			continue
		}
		if gapResolvedStatuses[strings.ToLower(strings.TrimSpace(g.Status))] {
			continue
		}
		out = append(out, g)
	}
	return out
}

func countTranscriptGapPhrases(terminal *StageResult) int {
	text := terminal.Output
	if len(terminal.Transcript) > 0 {
		var b strings.Builder
		for _, m := range terminal.Transcript {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		text = b.String()
	}
	return len(gapPhraseRE.FindAllString(text, -1))
}
