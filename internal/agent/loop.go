// Package agent implements the conversation orchestrator: it builds the
// completion context for a turn, runs any tools the model asks for, and
// makes the follow-up request that turns tool results into an answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/cortex-agent/internal/llm"
	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/result"
	"github.com/nugget/cortex-agent/internal/store"
	"github.com/nugget/cortex-agent/internal/tools"
)

// ErrArgumentParse is logged when a tool call's argument JSON does not
// parse. The call still runs, with empty arguments.
var ErrArgumentParse = errors.New("tool arguments did not parse")

// Executor runs tools. *tools.Registry satisfies it.
type Executor interface {
	Specs(ctx context.Context) []tools.Spec
	Execute(ctx context.Context, name string, args map[string]any, sessionID string) result.Result
}

// Config tunes the loop. Zero values take the defaults.
type Config struct {
	SystemPrompt   string
	FollowUpPrompt string
	HistoryTurns   int
	FollowUpTurns  int
	MaxToolWorkers int
}

// Default context window sizes.
const (
	DefaultHistoryTurns   = 12
	DefaultFollowUpTurns  = 5
	DefaultMaxToolWorkers = 4
)

// Reply is the outcome of one turn.
type Reply struct {
	Content   string
	ToolCalls []store.ToolInvocation
}

// Loop is the conversation orchestrator.
type Loop struct {
	logger *slog.Logger
	llm    llm.Client
	tools  Executor
	cfg    Config
}

// NewLoop creates a loop that completes through client and dispatches
// tool calls to exec.
func NewLoop(logger *slog.Logger, client llm.Client, exec Executor, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.FollowUpPrompt == "" {
		cfg.FollowUpPrompt = DefaultFollowUpPrompt
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.FollowUpTurns <= 0 {
		cfg.FollowUpTurns = DefaultFollowUpTurns
	}
	if cfg.MaxToolWorkers <= 0 {
		cfg.MaxToolWorkers = DefaultMaxToolWorkers
	}
	return &Loop{logger: logger, llm: client, tools: exec, cfg: cfg}
}

// Respond runs one turn. history is the session's prior messages, not
// including userText. When onChunk is non-nil the initial completion is
// streamed and its content deltas are passed to onChunk as they arrive.
func (l *Loop) Respond(ctx context.Context, userText string, history []store.Message, sessionID, model string, onChunk func(string)) (reply Reply, err error) {
	mode := "batch"
	if onChunk != nil {
		mode = "stream"
	}
	ctx, span := observability.StartSpan(ctx, "agent.respond",
		"session.id", sessionID,
		"model", model,
		"mode", mode,
	)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	t := &turn{ctx: ctx, l: l, sessionID: sessionID}
	t.enter(Idle)

	req := llm.Request{
		Model:    model,
		Messages: l.contextWindow(userText, history),
		Tools:    l.toolSpecs(ctx),
	}

	t.enter(AwaitingModel)
	var msg llm.Message
	if onChunk == nil {
		resp, err := l.llm.Complete(ctx, req)
		if err != nil {
			return Reply{}, &ModelError{Phase: "initial", Model: model, Err: err}
		}
		if len(resp.Choices) == 0 {
			t.enter(Done)
			return Reply{Content: ReplyNoChoice}, nil
		}
		msg = resp.Choices[0]
		if len(msg.ToolCalls) == 0 {
			t.enter(Done)
			if msg.Content == "" {
				return Reply{Content: ReplyEmpty}, nil
			}
			return Reply{Content: msg.Content}, nil
		}
	} else {
		msg, err = l.stream(ctx, req, onChunk)
		if err != nil {
			return Reply{}, &ModelError{Phase: "initial", Model: model, Err: err}
		}
		if len(msg.ToolCalls) == 0 {
			t.enter(Done)
			return Reply{Content: msg.Content}, nil
		}
	}

	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = placeholderID(i)
		}
	}

	t.enter(ToolsRequested, "tools", strconv.Itoa(len(msg.ToolCalls)))
	t.enter(ExecutingTools)
	invocations := l.runTools(ctx, sessionID, msg.ToolCalls)

	t.enter(AwaitingFollowUp)
	content, err := l.followUp(ctx, model, userText, history, msg.ToolCalls, invocations)
	if err != nil {
		return Reply{}, &ModelError{Phase: "follow-up", Model: model, Err: err}
	}
	t.enter(Done)
	return Reply{Content: content, ToolCalls: invocations}, nil
}

// contextWindow is the system prompt, the tail of history, and the new
// user message.
func (l *Loop) contextWindow(userText string, history []store.Message) []llm.Message {
	tail := lastN(history, l.cfg.HistoryTurns)
	msgs := make([]llm.Message, 0, len(tail)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	msgs = appendHistory(msgs, tail)
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: userText})
}

func (l *Loop) toolSpecs(ctx context.Context) []llm.Tool {
	if l.tools == nil {
		return nil
	}
	specs := l.tools.Specs(ctx)
	out := make([]llm.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, llm.Tool{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}

// stream consumes a streaming completion, forwarding content and
// accumulating tool calls by index until the stream ends.
func (l *Loop) stream(ctx context.Context, req llm.Request, onChunk func(string)) (llm.Message, error) {
	s, err := l.llm.Stream(ctx, req)
	if err != nil {
		return llm.Message{}, err
	}
	defer s.Close()

	var content strings.Builder
	acc := newCallAccumulator()
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return llm.Message{}, err
		}
		if d.Content != "" {
			content.WriteString(d.Content)
			onChunk(d.Content)
		}
		for _, tc := range d.ToolCalls {
			acc.add(tc)
		}
	}
	return llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content.String(),
		ToolCalls: acc.calls(),
	}, nil
}

// runTools executes calls concurrently. The returned invocations are in
// the order the model requested them.
func (l *Loop) runTools(ctx context.Context, sessionID string, calls []llm.ToolCall) []store.ToolInvocation {
	out := make([]store.ToolInvocation, len(calls))
	var g errgroup.Group
	g.SetLimit(l.cfg.MaxToolWorkers)
	for i, call := range calls {
		g.Go(func() error {
			args := l.parseArguments(sessionID, call)
			var res result.Result
			if l.tools == nil {
				res = result.Errorf("tool %q is not available in this context", call.Name)
			} else {
				res = l.tools.Execute(ctx, call.Name, args, sessionID)
			}
			out[i] = store.ToolInvocation{ID: call.ID, Name: call.Name, Arguments: args, Result: res}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (l *Loop) parseArguments(sessionID string, call llm.ToolCall) map[string]any {
	raw := strings.TrimSpace(call.Arguments)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		l.logger.Warn("tool arguments ignored",
			"session", sessionID,
			"tool", call.Name,
			"error", fmt.Errorf("%w: %v", ErrArgumentParse, err),
			"arguments", raw,
		)
		return map[string]any{}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// followUp asks the model to answer from the tool results.
func (l *Loop) followUp(ctx context.Context, model, userText string, history []store.Message, calls []llm.ToolCall, invocations []store.ToolInvocation) (string, error) {
	tail := lastN(history, l.cfg.FollowUpTurns)
	msgs := make([]llm.Message, 0, len(tail)+3+len(invocations))
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: l.cfg.FollowUpPrompt})
	msgs = appendHistory(msgs, tail)
	msgs = append(msgs,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	)
	for i, inv := range invocations {
		msgs = append(msgs, llm.Message{
			Role:       llm.RoleTool,
			Content:    encodeResult(inv.Result),
			ToolCallID: calls[i].ID,
			Name:       inv.Name,
		})
	}

	resp, err := l.llm.Complete(ctx, llm.Request{Model: model, Messages: msgs})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return ReplyFollowUpEmpty, nil
	}
	return resp.Choices[0].Content, nil
}

func encodeResult(r result.Result) string {
	raw, err := json.Marshal(r)
	if err != nil {
		return `{"error":"result could not be encoded"}`
	}
	return string(raw)
}

func appendHistory(msgs []llm.Message, history []store.Message) []llm.Message {
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}

func lastN(history []store.Message, n int) []store.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func placeholderID(index int) string {
	return "tool_" + strconv.Itoa(index)
}

// callAccumulator joins streamed tool-call fragments by index.
type callAccumulator struct {
	byIndex map[int]*llm.ToolCall
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{byIndex: make(map[int]*llm.ToolCall)}
}

func (a *callAccumulator) add(d llm.ToolCallDelta) {
	tc, ok := a.byIndex[d.Index]
	if !ok {
		id := d.ID
		if id == "" {
			id = placeholderID(d.Index)
		}
		a.byIndex[d.Index] = &llm.ToolCall{ID: id, Name: d.Name, Arguments: d.Arguments}
		return
	}
	if d.ID != "" && tc.ID == placeholderID(d.Index) {
		tc.ID = d.ID
	}
	tc.Name += d.Name
	tc.Arguments += d.Arguments
}

// calls returns the accumulated calls ordered by index.
func (a *callAccumulator) calls() []llm.ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(a.byIndex))
	for _, i := range slices.Sorted(maps.Keys(a.byIndex)) {
		out = append(out, *a.byIndex[i])
	}
	return out
}
