package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/cortex-agent/internal/result"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted chat message. Messages are immutable once
// saved; corrections are new messages.
type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ToolInvocation `json:"toolCalls,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewMessage builds a message with a fresh time-ordered id.
func NewMessage(role Role, content string, at time.Time, calls []ToolInvocation) Message {
	return Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      role,
		Content:   content,
		ToolCalls: calls,
		Timestamp: at,
	}
}

// ToolInvocation pairs one model-requested tool call with its result.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments map[string]any
	Result    result.Result
}

type toolInvocationJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments map[string]any  `json:"arguments"`
	Kind      result.Kind     `json:"kind"`
	Result    json.RawMessage `json:"result"`
}

// MarshalJSON writes the result payload with its kind tag so it can be
// decoded back into the same variant.
func (t ToolInvocation) MarshalJSON() ([]byte, error) {
	if t.Result == nil {
		return nil, fmt.Errorf("tool invocation %s has no result", t.ID)
	}
	raw, err := json.Marshal(t.Result)
	if err != nil {
		return nil, err
	}
	args := t.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return json.Marshal(toolInvocationJSON{
		ID:        t.ID,
		Name:      t.Name,
		Arguments: args,
		Kind:      result.KindOf(t.Result),
		Result:    raw,
	})
}

// UnmarshalJSON restores the tagged result variant.
func (t *ToolInvocation) UnmarshalJSON(data []byte) error {
	var w toolInvocationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r, err := result.Decode(w.Kind, w.Result)
	if err != nil {
		return fmt.Errorf("tool invocation %s: %w", w.ID, err)
	}
	*t = ToolInvocation{ID: w.ID, Name: w.Name, Arguments: w.Arguments, Result: r}
	return nil
}

// SaveMessage persists msg and updates the session's lastActive and,
// for the first user message of an unlocked session, its title. The
// session is created if it does not exist yet.
func (s *Store) SaveMessage(ctx context.Context, sid string, msg Message) error {
	if err := ValidateID(sid); err != nil {
		return err
	}
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if err := s.putJSON(ctx, messagePrefix(sid)+msg.ID, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	sess, _, err := s.EnsureSession(ctx, sid)
	if err != nil {
		return err
	}
	if msg.Timestamp.After(sess.LastActive) {
		sess.LastActive = msg.Timestamp
	}
	if msg.Role == RoleUser && !sess.TitleLocked {
		if title := TitleFromMessage(msg.Content); title != "" {
			sess.Title = title
			sess.TitleLocked = true
		}
	}
	return s.SaveSession(ctx, sess)
}

// Messages returns a session's messages in the order they were saved.
func (s *Store) Messages(ctx context.Context, sid string) ([]Message, error) {
	if err := ValidateID(sid); err != nil {
		return nil, err
	}
	msgs, err := listJSON[Message](ctx, s, messagePrefix(sid))
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", sid, err)
	}
	return msgs, nil
}
