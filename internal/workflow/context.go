package workflow

import (
	"fmt"
	"strings"
)

// BuildContext merges a stage's derived context with the global context.
// The stage's ContextFrom function (when present) runs against the outputs of
// completed stages; global keys win collisions. A panic inside ContextFrom is
// recovered and returned as an error naming the stage — the function is
// documented as pure and must not throw.
func BuildContext(stage *Stage, priorOutputs map[string]string, global map[string]any) (merged map[string]any, err error) {
	merged = map[string]any{}
	if stage != nil && stage.ContextFrom != nil {
		defer func() {
			if r := recover(); r != nil {
				merged = nil
				err = fmt.Errorf("stage %q: context_from panicked: %v", stage.Name, r)
			}
		}()
		derived := stage.ContextFrom(priorOutputs)
		for k, v := range derived {
			merged[k] = v
		}
	}
	for k, v := range global {
		merged[k] = v
	}
	return merged, nil
}

// InjectPlaceholders replaces every literal {key} occurrence in template with
// the string form of context[key]. Substitution is best-effort: placeholders
// with no matching key are left verbatim.
func InjectPlaceholders(template string, context map[string]any) string {
	if len(context) == 0 || !strings.Contains(template, "{") {
		return template
	}
	out := template
	for k, v := range context {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprint(v))
	}
	return out
}
