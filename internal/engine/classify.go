package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType is the failure taxonomy. Classification checks the categories in
// declaration order; the first match wins.
type ErrorType string

const (
	ErrTimeout            ErrorType = "timeout"
	ErrResourceExhausted  ErrorType = "resource-exhaustion"
	ErrInvalidInput       ErrorType = "invalid-input"
	ErrNetwork            ErrorType = "network"
	ErrAgentSpawnFailed   ErrorType = "agent-spawn-failure"
	ErrValidationFailed   ErrorType = "validation-failure"
	ErrAbandonedStage     ErrorType = "abandoned-stage"
	ErrCircularDependency ErrorType = "circular-dependency"
	ErrUnknownDependency  ErrorType = "unknown-dependency"
	ErrUnknown            ErrorType = "unknown"
)

// retryableTypes is the fixed per-type retryability table.
var retryableTypes = map[ErrorType]bool{
	ErrTimeout:           true,
	ErrResourceExhausted: true,
	ErrNetwork:           true,
	ErrAgentSpawnFailed:  true,
}

// AbandonedError marks a stage whose session went inactive without producing
// any output artifacts. Distinct from an ordinary timeout and never retried.
type AbandonedError struct {
	Stage     string
	SessionID string
	Idle      time.Duration
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("stage %q abandoned: session %s inactive for %s with no output artifacts", e.Stage, e.SessionID, e.Idle.Round(time.Second))
}

// ValidationError carries every accumulated evidence-validation error for an
// attempt.
type ValidationError struct {
	Stage  string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %q evidence validation failed: %s", e.Stage, strings.Join(e.Errors, "; "))
}

// SessionTimeoutError marks a stage whose completion poll exceeded the
// overall stage timeout.
type SessionTimeoutError struct {
	Stage   string
	Timeout time.Duration
}

func (e *SessionTimeoutError) Error() string {
	return fmt.Sprintf("stage %q session timeout after %s", e.Stage, e.Timeout)
}

// Classification is the classifier's verdict on one failure.
type Classification struct {
	Type       ErrorType
	Retryable  bool
	Suggestion string
}

type errorCategory struct {
	typ        ErrorType
	hints      []string
	suggestion string
}

// Categories are matched in priority order.
var errorCategories = []errorCategory{
	{ErrTimeout, []string{"timeout", "timed out", "deadline exceeded"}, "increase the stage timeout or simplify the task"},
	{ErrResourceExhausted, []string{"resource", "out of memory", "no space left", "disk full", "too many open files", "quota"}, "free resources before retrying"},
	{ErrInvalidInput, []string{"invalid", "malformed", "bad request", "context_from", "unknown flag"}, "fix the stage definition or task input"},
	{ErrNetwork, []string{"network", "connection refused", "connection reset", "broken pipe", "unreachable", "dial tcp", "dns", "temporary failure", "service unavailable"}, "retry with backoff"},
	{ErrAgentSpawnFailed, []string{"spawn", "executable file not found", "no such file or directory", "cannot start", "exec format"}, "check the agent executable, or use the fallback spawner"},
	{ErrValidationFailed, []string{"evidence", "validation"}, "the stage must produce genuine completion evidence"},
	{ErrAbandonedStage, []string{"abandoned"}, "the session died without output; investigate the agent backend"},
}

// Classify maps a failure into the taxonomy. Typed errors are recognized
// first; everything else is message-pattern matched in category order.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Type: ErrUnknown}
	}

	var abandoned *AbandonedError
	if errors.As(err, &abandoned) {
		return Classification{Type: ErrAbandonedStage, Suggestion: "the session died without output; investigate the agent backend"}
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return Classification{Type: ErrValidationFailed, Suggestion: "the stage must produce genuine completion evidence"}
	}
	var sessionTimeout *SessionTimeoutError
	if errors.As(err, &sessionTimeout) {
		return Classification{Type: ErrTimeout, Retryable: true, Suggestion: "increase the stage timeout or simplify the task"}
	}

	msg := strings.ToLower(err.Error())
	for _, cat := range errorCategories {
		for _, hint := range cat.hints {
			if strings.Contains(msg, hint) {
				return Classification{Type: cat.typ, Retryable: retryableTypes[cat.typ], Suggestion: cat.suggestion}
			}
		}
	}
	return Classification{Type: ErrUnknown}
}

// RetryAction is the retry-or-halt verdict for one failed attempt.
type RetryAction string

const (
	ActionRetry RetryAction = "retry"
	ActionHalt  RetryAction = "halt"
)

type Decision struct {
	Action RetryAction
	Reason string
}

// Decide applies the retry policy: halt when the error type is not
// retryable, or when the attempt budget (maxRetries+1 total attempts) is
// spent.
func Decide(cls Classification, attempt, maxRetries int) Decision {
	if !cls.Retryable {
		return Decision{Action: ActionHalt, Reason: fmt.Sprintf("%s errors are not retryable", cls.Type)}
	}
	if attempt >= maxRetries+1 {
		return Decision{Action: ActionHalt, Reason: fmt.Sprintf("attempt budget spent (%d attempts)", attempt)}
	}
	return Decision{Action: ActionRetry, Reason: fmt.Sprintf("%s is retryable, attempt %d of %d", cls.Type, attempt, maxRetries+1)}
}

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// BackoffDelay computes the exponential network-recovery delay: base 1s,
// doubling per attempt, capped at 30s (attempt 2 ≈ 2s, attempt 3 ≈ 4s).
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Recovery is the type-specific remediation proposed (and possibly already
// applied) for a retryable failure.
type Recovery struct {
	Action string

	// Delay is the backoff the recovery waited out (network errors). When
	// Waited is true the stage executor must not apply its default linear
	// delay on top.
	Delay  time.Duration
	Waited bool

	// SuggestedTimeout is the proposed larger timeout for the next attempt
	// (timeout errors).
	SuggestedTimeout time.Duration

	CleanupNeeded bool
	UseFallback   bool
}

// RecoveryResult reports whether the recovery action itself succeeded;
// a failed recovery never masks the original stage error.
type RecoveryResult struct {
	Strategy *Recovery
	Success  bool
	Err      error
}

// Recover proposes and applies the per-type remediation. Non-retryable types
// have no strategy (nil Strategy, logged by the caller as "no strategy").
func Recover(ctx context.Context, cls Classification, attempt int, currentTimeout time.Duration) RecoveryResult {
	switch cls.Type {
	case ErrTimeout:
		suggested := currentTimeout + currentTimeout/2
		return RecoveryResult{
			Strategy: &Recovery{Action: "extend-timeout", SuggestedTimeout: suggested},
			Success:  true,
		}
	case ErrNetwork:
		delay := BackoffDelay(attempt)
		if !sleepWithContext(ctx, delay) {
			return RecoveryResult{
				Strategy: &Recovery{Action: "backoff", Delay: delay},
				Success:  false,
				Err:      context.Cause(ctx),
			}
		}
		return RecoveryResult{
			Strategy: &Recovery{Action: "backoff", Delay: delay, Waited: true},
			Success:  true,
		}
	case ErrResourceExhausted:
		return RecoveryResult{
			Strategy: &Recovery{Action: "cleanup", CleanupNeeded: true},
			Success:  true,
		}
	case ErrAgentSpawnFailed:
		return RecoveryResult{
			Strategy: &Recovery{Action: "fallback-spawner", UseFallback: true},
			Success:  true,
		}
	default:
		return RecoveryResult{Success: true}
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
