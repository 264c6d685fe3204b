// Package spawner defines the external agent-spawning collaborators the
// engine depends on. Implementations must either complete synchronously
// (returning output text) or hand back a session id the engine polls for
// completion. Failures are signaled as errors, never as silent empty results.
package spawner

import (
	"context"
	"time"
)

// SpawnRequest describes one agent task invocation.
type SpawnRequest struct {
	Task           string
	AgentID        string
	TimeoutSeconds int
	WorkingDir     string
}

// SpawnResult is either a synchronous completion (Output non-empty) or an
// asynchronous session handle (SessionID non-empty).
type SpawnResult struct {
	SessionID string
	Output    string
}

type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
}

// Message is one transcript entry of an asynchronous session.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionInfo is the liveness/completion view of one external session.
// A session absent from a listing is interpreted as cleaned up, i.e.
// complete.
type SessionInfo struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    string    `json:"status,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
}

// Terminal reports whether the session status is an explicit terminal state.
func (s SessionInfo) Terminal() bool {
	switch s.Status {
	case "completed", "complete", "done", "exited", "failed":
		return true
	default:
		return false
	}
}

type SessionLister interface {
	ListSessions(ctx context.Context) ([]SessionInfo, error)
}

// FindSession returns the session with the given id, or ok=false when the
// listing does not contain it.
func FindSession(sessions []SessionInfo, id string) (SessionInfo, bool) {
	for _, s := range sessions {
		if s.ID == id {
			return s, true
		}
	}
	return SessionInfo{}, false
}
