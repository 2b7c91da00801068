package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/cortex-agent/internal/agent"
)

var (
	// ErrProcessing matches *TurnError.
	ErrProcessing = errors.New("turn processing failed")

	// ErrEmptyMessage is returned for a chat request with no text.
	ErrEmptyMessage = errors.New("message is required")

	// ErrSessionDeleted is the cause of a turn that reached an actor
	// after its session was deleted.
	ErrSessionDeleted = errors.New("session deleted")
)

// TurnError reports a failed turn. Summary is safe to show to a caller;
// Err carries the cause for logs.
type TurnError struct {
	SessionID string
	Summary   string
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Summary)
}

func (e *TurnError) Unwrap() error { return e.Err }

func (e *TurnError) Is(target error) bool { return target == ErrProcessing }

// summarize maps a turn failure onto a caller-safe message and a
// metrics outcome.
func summarize(err error) (summary, outcome string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "turn timed out", "timeout"
	case errors.Is(err, context.Canceled):
		return "turn canceled", "error"
	case errors.Is(err, agent.ErrModelRequest):
		return "model request failed", "error"
	default:
		return "internal error", "error"
	}
}
