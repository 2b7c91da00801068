// Package session owns the live per-session actors. Each actor holds
// one session's message list in memory, serializes its chat turns, and
// persists every message through the store before it becomes visible
// in State.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/cortex-agent/internal/agent"
	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/store"
)

// Responder runs one conversation turn. *agent.Loop satisfies it.
type Responder interface {
	Respond(ctx context.Context, userText string, history []store.Message, sessionID, model string, onChunk func(string)) (agent.Reply, error)
}

// DefaultTurnTimeout bounds a single turn.
const DefaultTurnTimeout = 2 * time.Minute

// Config tunes actors.
type Config struct {
	DefaultModel string
	TurnTimeout  time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics records turns and the live actor count on mt.
func WithMetrics(mt *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = mt }
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps session ids to their one live actor.
type Registry struct {
	store   *store.Store
	agent   Responder
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu     sync.Mutex
	actors map[string]*Actor

	// activating collapses concurrent first Gets of one id. Hydration
	// runs outside mu so a slow load blocks only its own session.
	activating singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.Store, resp Responder, cfg Config, opts ...Option) *Registry {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	r := &Registry{
		store:  st,
		agent:  resp,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		actors: make(map[string]*Actor),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the live actor for id, activating it on first use. An
// activated actor has loaded its session from the store, creating the
// session row when absent.
func (r *Registry) Get(ctx context.Context, id string) (*Actor, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}

	if a := r.live(id); a != nil {
		return a, nil
	}

	v, err, _ := r.activating.Do(id, func() (any, error) {
		if a := r.live(id); a != nil {
			return a, nil
		}
		a := &Actor{id: id, reg: r}
		if err := a.hydrate(ctx); err != nil {
			return nil, fmt.Errorf("activate session %s: %w", id, err)
		}
		r.mu.Lock()
		r.actors[id] = a
		n := len(r.actors)
		r.mu.Unlock()
		r.metrics.SetActiveSessions(n)
		r.logger.Debug("session actor activated", "session", id, "messages", len(a.messages), "model", a.model)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Actor), nil
}

func (r *Registry) live(id string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actors[id]
}

// Remove evicts the live actor for id. A turn still running on it
// finishes without persisting.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	a, ok := r.actors[id]
	delete(r.actors, id)
	n := len(r.actors)
	r.mu.Unlock()
	if !ok {
		return
	}
	a.evict()
	r.metrics.SetActiveSessions(n)
	r.logger.Debug("session actor evicted", "session", id)
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// DeleteSession evicts the actor and deletes the session with its
// records. A cascade failure is returned alongside deleted=true.
func (r *Registry) DeleteSession(ctx context.Context, id string) (bool, error) {
	r.Remove(id)
	return r.store.DeleteSession(ctx, id)
}

// ClearAll evicts every actor and deletes every session.
func (r *Registry) ClearAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	evicted := r.actors
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()
	for _, a := range evicted {
		a.evict()
	}
	r.metrics.SetActiveSessions(0)
	return r.store.ClearAllSessions(ctx)
}
