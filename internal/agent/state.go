package agent

import (
	"context"

	"github.com/nugget/cortex-agent/internal/observability"
)

// TurnState is the position of a turn in its lifecycle.
//
//	Idle → AwaitingModel → (ToolsRequested → ExecutingTools → AwaitingFollowUp)? → Done
type TurnState int

const (
	Idle TurnState = iota
	AwaitingModel
	ToolsRequested
	ExecutingTools
	AwaitingFollowUp
	Done
)

var stateNames = [...]string{
	Idle:             "idle",
	AwaitingModel:    "awaiting_model",
	ToolsRequested:   "tools_requested",
	ExecutingTools:   "executing_tools",
	AwaitingFollowUp: "awaiting_follow_up",
	Done:             "done",
}

func (s TurnState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// turn tracks one Respond call's state for tracing and logs.
type turn struct {
	ctx       context.Context
	l         *Loop
	sessionID string
	state     TurnState
}

func (t *turn) enter(s TurnState, kv ...string) {
	t.state = s
	observability.Event(t.ctx, "turn."+s.String(), kv...)
	t.l.logger.Debug("turn state", "session", t.sessionID, "state", s.String())
}
