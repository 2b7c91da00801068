// Package store is the durable state store for sessions, messages,
// memories, tasks, and OAuth credentials. It maps each record kind onto
// a key prefix in an ordered key-value backend so that listing one
// prefix yields exactly one session's data, in insertion order.
//
// Key layout:
//
//	session:<sid>
//	msg:<sid>:<id>
//	memory:<sid>:<id>
//	task:<sid>:<id>
//	cred:<sid>:<service>:<account>
//	service:<sid>:<service>
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/cortex-agent/internal/kv"
)

// Backend is the key-value primitive the store is built on.
// *kv.Store satisfies it.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) ([]kv.Entry, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
}

// Store is the domain layer over a Backend. It is safe for concurrent
// use; per-session ordering is the caller's responsibility (the session
// actor serializes writes for its session).
type Store struct {
	kv     Backend
	sealer *Sealer
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSealer encrypts credential records at rest.
func WithSealer(s *Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) { st.logger = l }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		kv:     backend,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidID is returned for identifiers that cannot be embedded
	// in a key.
	ErrInvalidID = errors.New("invalid identifier")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateID reports whether id is usable as a session, memory, or task
// identifier. The character set excludes the key separator.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// validateComponent accepts service names and account emails, which
// only need to avoid the separator.
func validateComponent(kind, v string) error {
	if v == "" || strings.ContainsAny(v, ":\n") || len(v) > 320 {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, kind, v)
	}
	return nil
}

const (
	prefixSession = "session:"
	prefixMessage = "msg:"
	prefixMemory  = "memory:"
	prefixTask    = "task:"
	prefixCred    = "cred:"
	prefixService = "service:"
)

func sessionKey(sid string) string { return prefixSession + sid }
func messagePrefix(sid string) string { return prefixMessage + sid + ":" }
func memoryPrefix(sid string) string { return prefixMemory + sid + ":" }
func taskPrefix(sid string) string { return prefixTask + sid + ":" }
func credPrefix(sid string) string { return prefixCred + sid + ":" }
func credServicePrefix(sid, svc string) string { return credPrefix(sid) + svc + ":" }
func servicePrefix(sid string) string { return prefixService + sid + ":" }

// sessionScopedPrefixes lists every leaf prefix owned by a session.
func sessionScopedPrefixes(sid string) []string {
	return []string{
		messagePrefix(sid),
		memoryPrefix(sid),
		taskPrefix(sid),
		credPrefix(sid),
		servicePrefix(sid),
	}
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Put(ctx, key, raw)
}

// getJSON decodes the value at key into v, returning ErrNotFound when
// the key is absent.
func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// listJSON decodes every value under prefix. Undecodable entries are
// logged and skipped so one corrupt row cannot hide a session.
func listJSON[T any](ctx context.Context, s *Store, prefix string) ([]T, error) {
	entries, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			s.logger.Warn("skipping undecodable record", "key", e.Key, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
