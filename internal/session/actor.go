package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/store"
)

// State is a point-in-time copy of an actor's state.
type State struct {
	Messages     []store.Message `json:"messages"`
	SessionID    string          `json:"sessionId"`
	IsProcessing bool            `json:"isProcessing"`
	Model        string          `json:"model"`
}

// ChatRequest is one user turn.
type ChatRequest struct {
	Message string
	Model   string
	Stream  bool

	// Mode labels the turn in metrics. It defaults to "batch" or
	// "stream".
	Mode string
}

// ChatResponse carries State for a batched turn or Stream for a
// streamed one. Stream yields the reply text as it is produced and
// reaches EOF once the assistant message is persisted; the caller must
// close it.
type ChatResponse struct {
	State  State
	Stream io.ReadCloser
}

// Actor is the live owner of one session.
type Actor struct {
	id  string
	reg *Registry

	// turn serializes Chat calls.
	turn sync.Mutex

	// persist is held across each eviction check and the store write
	// it guards, so nothing is written for a session once evict returns.
	persist sync.Mutex

	mu         sync.RWMutex
	messages   []store.Message
	model      string
	processing bool
	evicted    bool
	lastStamp  time.Time
}

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

func (a *Actor) hydrate(ctx context.Context) error {
	sess, _, err := a.reg.store.EnsureSession(ctx, a.id)
	if err != nil {
		return err
	}
	msgs, err := a.reg.store.Messages(ctx, a.id)
	if err != nil {
		return err
	}
	a.messages = msgs
	if n := len(msgs); n > 0 {
		a.lastStamp = msgs[n-1].Timestamp
	}
	a.model = sess.Model
	if a.model == "" {
		a.model = a.reg.cfg.DefaultModel
	}
	return nil
}

func (a *Actor) evict() {
	a.persist.Lock()
	defer a.persist.Unlock()
	a.mu.Lock()
	a.evicted = true
	a.mu.Unlock()
}

// stamp returns the timestamp for the next message: the clock reading,
// pushed past the previous message's when the clock has not advanced.
// The caller holds a.mu.
func (a *Actor) stamp() time.Time {
	t := a.reg.now().UTC()
	if !t.After(a.lastStamp) {
		t = a.lastStamp.Add(time.Millisecond)
	}
	a.lastStamp = t
	return t
}

func (a *Actor) deletedError() error {
	return &TurnError{SessionID: a.id, Summary: "session was deleted", Err: ErrSessionDeleted}
}

// State returns a deep copy of the actor's state.
func (a *Actor) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return State{
		Messages:     cloneMessages(a.messages),
		SessionID:    a.id,
		IsProcessing: a.processing,
		Model:        a.model,
	}
}

// Processing reports whether a turn is in flight.
func (a *Actor) Processing() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.processing
}

// Chat runs one turn. Turns on one actor run one at a time in arrival
// order; a batched Chat returns after the assistant message is
// persisted, a streamed Chat returns as soon as the user message is.
func (a *Actor) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	mode := req.Mode
	if mode == "" {
		mode = "batch"
		if req.Stream {
			mode = "stream"
		}
	}

	a.turn.Lock()
	history, model, err := a.begin(ctx, text, req.Model)
	if err != nil {
		a.turn.Unlock()
		return nil, err
	}

	if !req.Stream {
		defer a.turn.Unlock()
		if err := a.run(ctx, mode, text, history, model, nil); err != nil {
			return nil, err
		}
		return &ChatResponse{State: a.State()}, nil
	}

	pr, pw := io.Pipe()
	// The turn outlives a disconnected consumer so the reply is still
	// persisted; the timeout bounds it.
	turnCtx := context.WithoutCancel(ctx)
	go func() {
		defer a.turn.Unlock()
		w := &chunkWriter{w: pw}
		err := a.run(turnCtx, mode, text, history, model, w.write)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
	return &ChatResponse{Stream: pr}, nil
}

// begin records the model preference and persists the user message.
// The caller holds a.turn. A turn that was queued behind the one
// running when the session was deleted fails here.
func (a *Actor) begin(ctx context.Context, text, requestedModel string) (history []store.Message, model string, err error) {
	a.persist.Lock()
	defer a.persist.Unlock()

	a.mu.RLock()
	model, evicted := a.model, a.evicted
	a.mu.RUnlock()
	if evicted {
		return nil, "", a.deletedError()
	}

	if requestedModel != "" && requestedModel != model {
		model = requestedModel
		if err := a.saveModel(ctx, model); err != nil {
			a.reg.logger.Warn("session model not persisted", "session", a.id, "model", model, "error", err)
		}
	}

	a.mu.Lock()
	msg := store.NewMessage(store.RoleUser, text, a.stamp(), nil)
	a.mu.Unlock()
	if err := a.reg.store.SaveMessage(ctx, a.id, msg); err != nil {
		a.reg.logger.Error("user message not persisted", "session", a.id, "error", err)
		return nil, "", &TurnError{SessionID: a.id, Summary: "message could not be saved", Err: err}
	}

	a.mu.Lock()
	history = cloneMessages(a.messages)
	a.messages = append(a.messages, msg)
	a.model = model
	a.processing = true
	a.mu.Unlock()
	return history, model, nil
}

func (a *Actor) saveModel(ctx context.Context, model string) error {
	sess, _, err := a.reg.store.EnsureSession(ctx, a.id)
	if err != nil {
		return err
	}
	sess.Model = model
	return a.reg.store.SaveSession(ctx, sess)
}

// run executes the turn and persists the reply. processing is cleared
// on every path, including panics.
func (a *Actor) run(ctx context.Context, mode, text string, history []store.Message, model string, onChunk func(string)) (err error) {
	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "session.chat", "session.id", a.id, "mode", mode, "model", model)
	ctx, cancel := context.WithTimeout(ctx, a.reg.cfg.TurnTimeout)
	outcome := "ok"
	defer func() {
		if p := recover(); p != nil {
			a.reg.logger.Error("turn panicked",
				"session", a.id,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = &TurnError{SessionID: a.id, Summary: "internal error", Err: fmt.Errorf("panic: %v", p)}
			outcome = "error"
		}
		cancel()
		a.mu.Lock()
		a.processing = false
		a.mu.Unlock()
		a.reg.metrics.Turn(mode, outcome, time.Since(started))
		observability.RecordError(span, err)
		span.End()
	}()

	reply, err := a.reg.agent.Respond(ctx, text, history, a.id, model, onChunk)
	if err != nil {
		var summary string
		summary, outcome = summarize(err)
		a.reg.logger.Error("turn failed",
			"session", a.id,
			"model", model,
			"elapsed", time.Since(started),
			"error", err,
		)
		return &TurnError{SessionID: a.id, Summary: summary, Err: err}
	}

	a.persist.Lock()
	defer a.persist.Unlock()
	a.mu.Lock()
	evicted := a.evicted
	msg := store.NewMessage(store.RoleAssistant, reply.Content, a.stamp(), reply.ToolCalls)
	a.mu.Unlock()
	if evicted {
		a.reg.logger.Info("reply dropped for evicted session", "session", a.id)
		return nil
	}

	// Persist with a fresh deadline so a turn that used its whole budget
	// still saves the reply it got.
	saveCtx, saveCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer saveCancel()
	if err := a.reg.store.SaveMessage(saveCtx, a.id, msg); err != nil {
		outcome = "error"
		a.reg.logger.Error("assistant message not persisted", "session", a.id, "error", err)
		return &TurnError{SessionID: a.id, Summary: "reply could not be saved", Err: err}
	}

	a.mu.Lock()
	a.messages = append(a.messages, msg)
	a.mu.Unlock()

	a.reg.logger.Info("turn complete",
		"session", a.id,
		"mode", mode,
		"model", model,
		"tools", len(reply.ToolCalls),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return nil
}

// chunkWriter forwards chunks to the pipe until the consumer goes away,
// then drops the rest.
type chunkWriter struct {
	w    *io.PipeWriter
	gone bool
}

func (c *chunkWriter) write(chunk string) {
	if c.gone {
		return
	}
	if _, err := io.WriteString(c.w, chunk); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) {
			c.w.CloseWithError(err)
		}
		c.gone = true
	}
}

func cloneMessages(in []store.Message) []store.Message {
	out := make([]store.Message, len(in))
	for i, m := range in {
		out[i] = m
		if m.ToolCalls != nil {
			calls := make([]store.ToolInvocation, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				calls[j] = tc
				calls[j].Arguments = maps.Clone(tc.Arguments)
			}
			out[i].ToolCalls = calls
		}
	}
	return out
}
