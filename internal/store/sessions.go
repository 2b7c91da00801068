package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Session is the persisted session row. The processing flag lives on
// the live actor only, so a crash can never leave a session stuck.
type Session struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	TitleLocked bool      `json:"titleLocked,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastActive  time.Time `json:"lastActive"`
	Model       string    `json:"model,omitempty"`
}

// maxTitleRunes bounds titles derived from a first message.
const maxTitleRunes = 48

// DefaultTitle is the title given to a session registered without one.
func DefaultTitle(at time.Time) string {
	return "Chat " + at.Format("2006-01-02")
}

// TitleFromMessage derives a human-readable title from the first user
// message: whitespace collapsed, truncated with an ellipsis.
func TitleFromMessage(text string) string {
	t := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(t) <= maxTitleRunes {
		return t
	}
	runes := []rune(t)
	return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
}

// RegisterSession creates a session. An explicit title is locked
// against auto-titling; an empty title gets DefaultTitle. Registering
// an existing id with a title renames it, otherwise it is a no-op.
func (s *Store) RegisterSession(ctx context.Context, id, title string) (Session, error) {
	if err := ValidateID(id); err != nil {
		return Session{}, err
	}
	existing, err := s.Session(ctx, id)
	switch {
	case err == nil:
		if title == "" {
			return existing, nil
		}
		existing.Title = title
		existing.TitleLocked = true
		return existing, s.SaveSession(ctx, existing)
	case !errors.Is(err, ErrNotFound):
		return Session{}, err
	}

	now := s.now().UTC()
	sess := Session{
		ID:          id,
		Title:       title,
		TitleLocked: title != "",
		CreatedAt:   now,
		LastActive:  now,
	}
	if sess.Title == "" {
		sess.Title = DefaultTitle(now)
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		return Session{}, err
	}
	s.logger.Info("session registered", "session", id, "title", sess.Title)
	return sess, nil
}

// EnsureSession returns the session, creating it with defaults when it
// does not exist. created reports whether it was new.
func (s *Store) EnsureSession(ctx context.Context, id string) (sess Session, created bool, err error) {
	sess, err = s.Session(ctx, id)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, false, err
	}
	sess, err = s.RegisterSession(ctx, id, "")
	return sess, err == nil, err
}

// Session loads one session.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	if err := ValidateID(id); err != nil {
		return Session{}, err
	}
	var sess Session
	if err := s.getJSON(ctx, sessionKey(id), &sess); err != nil {
		return Session{}, fmt.Errorf("session %s: %w", id, err)
	}
	return sess, nil
}

// SaveSession writes the session row.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	if err := ValidateID(sess.ID); err != nil {
		return err
	}
	if err := s.putJSON(ctx, sessionKey(sess.ID), sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// RenameSession sets an explicit title, which disables auto-titling.
func (s *Store) RenameSession(ctx context.Context, id, title string) (Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Session{}, errors.New("title must not be empty")
	}
	sess, err := s.Session(ctx, id)
	if err != nil {
		return Session{}, err
	}
	sess.Title = title
	sess.TitleLocked = true
	return sess, s.SaveSession(ctx, sess)
}

// ListSessions returns all sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	sessions, err := listJSON[Session](ctx, s, prefixSession)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastActive.After(sessions[j].LastActive)
	})
	return sessions, nil
}

// SessionCount returns the number of registered sessions.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, prefixSession)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return len(keys), nil
}

// ErrCascadeIncomplete matches *CascadeDeleteError.
var ErrCascadeIncomplete = errors.New("cascade delete incomplete")

// CascadeDeleteError reports leaf records that could not be removed
// while deleting a session. The session row itself is still deleted;
// the listed prefixes may hold orphans.
type CascadeDeleteError struct {
	SessionID string
	Prefixes  []string
	Err       error
}

func (e *CascadeDeleteError) Error() string {
	return fmt.Sprintf("cascade delete for session %s incomplete (%s): %v",
		e.SessionID, strings.Join(e.Prefixes, ", "), e.Err)
}

func (e *CascadeDeleteError) Unwrap() []error {
	return []error{ErrCascadeIncomplete, e.Err}
}

// DeleteSession removes a session and everything scoped to it. Leaf
// records (messages, memories, tasks, credentials, service records) are
// deleted in one batch first and the session row last, so a failure
// part-way leaves orphaned leaves rather than a dangling session.
//
// deleted is false when the session did not exist. A non-nil error
// matching ErrCascadeIncomplete means the session row is gone but some
// leaves may remain.
func (s *Store) DeleteSession(ctx context.Context, id string) (deleted bool, err error) {
	if _, err := s.Session(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	var cascadeErr error
	var keys []string
	var failed []string
	for _, prefix := range sessionScopedPrefixes(id) {
		k, err := s.kv.Keys(ctx, prefix)
		if err != nil {
			failed = append(failed, prefix)
			cascadeErr = errors.Join(cascadeErr, err)
			continue
		}
		keys = append(keys, k...)
	}
	if err := s.kv.Delete(ctx, keys...); err != nil {
		failed = sessionScopedPrefixes(id)
		cascadeErr = errors.Join(cascadeErr, err)
	}

	if err := s.kv.Delete(ctx, sessionKey(id)); err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}

	if cascadeErr != nil {
		ce := &CascadeDeleteError{SessionID: id, Prefixes: failed, Err: cascadeErr}
		s.logger.Warn("session deleted with orphaned records", "session", id, "error", ce)
		return true, ce
	}
	s.logger.Info("session deleted", "session", id, "records", len(keys))
	return true, nil
}

// ClearAllSessions deletes every session and its records, returning how
// many sessions were removed. Cascade failures are joined into the
// returned error but do not stop the sweep.
func (s *Store) ClearAllSessions(ctx context.Context) (int, error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	count := 0
	for _, sess := range sessions {
		deleted, err := s.DeleteSession(ctx, sess.ID)
		if deleted {
			count++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return count, errors.Join(errs...)
}
