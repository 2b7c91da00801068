package llm

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in the completion context.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool responses
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a function invocation requested by the model. Arguments
// is the raw JSON text exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a callable function offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one completion request.
type Request struct {
	Model    string
	Messages []Message
	Tools    []Tool
}

// Response is a batched completion. Choices is empty when the provider
// returned none.
type Response struct {
	Model   string
	Choices []Message
	Usage   Usage
}

// Usage is the provider-reported token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Delta is one streamed increment. Content and tool-call fragments may
// arrive in the same delta.
type Delta struct {
	Content   string
	ToolCalls []ToolCallDelta
}

// ToolCallDelta is a fragment of the tool call at Index. ID and Name
// usually arrive once; Arguments arrives in pieces that concatenate to
// the full JSON text.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}
