package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/cortex-agent/internal/agent"
	"github.com/nugget/cortex-agent/internal/kv"
	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/store"
)

func TestGetReturnsOneActorPerSession(t *testing.T) {
	mt := observability.NewMetrics()
	sessions := NewRegistry(newTestStore(t), echo(), Config{}, WithMetrics(mt))

	const callers = 8
	got := make([]*Actor, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := sessions.Get(context.Background(), "s1")
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			got[i] = a
		}()
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if got[i] != got[0] {
			t.Fatalf("Get returned distinct actors for one session")
		}
	}
	if _, err := sessions.Get(context.Background(), "s2"); err != nil {
		t.Fatal(err)
	}
	if sessions.Len() != 2 {
		t.Errorf("Len = %d, want 2", sessions.Len())
	}
	if v := testutil.ToFloat64(mt.ActiveSessions); v != 2 {
		t.Errorf("active sessions gauge = %v, want 2", v)
	}
}

func TestGetRejectsBadID(t *testing.T) {
	sessions := NewRegistry(newTestStore(t), echo(), Config{})
	for _, id := range []string{"", "has space", "a/b"} {
		if _, err := sessions.Get(context.Background(), id); err == nil {
			t.Errorf("Get(%q) succeeded", id)
		}
	}
}

func TestGetHydratesFromStore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	at := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three"} {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		if err := st.SaveMessage(ctx, "old", store.NewMessage(role, text, at.Add(time.Duration(i)*time.Minute), nil)); err != nil {
			t.Fatal(err)
		}
	}

	sessions := NewRegistry(st, echo(), Config{DefaultModel: "gemini"})
	a, err := sessions.Get(ctx, "old")
	if err != nil {
		t.Fatal(err)
	}
	state := a.State()
	if len(state.Messages) != 3 || state.Messages[0].Content != "one" || state.Messages[2].Content != "three" {
		t.Errorf("hydrated messages = %+v", state.Messages)
	}
	if state.SessionID != "old" || state.Model != "gemini" || state.IsProcessing {
		t.Errorf("state = %+v", state)
	}
}

func TestGetCreatesSession(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sessions := NewRegistry(st, echo(), Config{})

	a, err := sessions.Get(ctx, "brand-new")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(a.State().Messages); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if _, err := st.Session(ctx, "brand-new"); err != nil {
		t.Errorf("session row not created: %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sessions := NewRegistry(st, echo(), Config{})

	a, _ := sessions.Get(ctx, "s1")
	if _, err := a.Chat(ctx, ChatRequest{Message: "hello"}); err != nil {
		t.Fatal(err)
	}

	deleted, err := sessions.DeleteSession(ctx, "s1")
	if err != nil || !deleted {
		t.Fatalf("DeleteSession = %v, %v", deleted, err)
	}
	if sessions.Len() != 0 {
		t.Errorf("actor still live after delete")
	}
	if _, err := st.Session(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("session after delete: %v", err)
	}

	deleted, err = sessions.DeleteSession(ctx, "s1")
	if err != nil || deleted {
		t.Errorf("second DeleteSession = %v, %v", deleted, err)
	}

	// Reactivating starts from an empty session.
	fresh, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == a || len(fresh.State().Messages) != 0 {
		t.Errorf("reactivated actor = %p with %d messages", fresh, len(fresh.State().Messages))
	}
}

// gatedBackend stalls reads of one key until release is closed.
type gatedBackend struct {
	*kv.Store
	key     string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == g.key {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Store.Get(ctx, key)
}

func TestSlowActivationDoesNotBlockOtherSessions(t *testing.T) {
	ctx := context.Background()
	backend, err := kv.Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "session.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })
	gate := &gatedBackend{
		Store:   backend,
		key:     "session:slow",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	sessions := NewRegistry(store.New(gate), echo(), Config{})

	const waiters = 3
	slow := make(chan *Actor, waiters)
	for range waiters {
		go func() {
			a, err := sessions.Get(ctx, "slow")
			if err != nil {
				t.Errorf("Get(slow): %v", err)
			}
			slow <- a
		}()
	}
	<-gate.entered

	fast := make(chan error, 1)
	go func() {
		_, err := sessions.Get(ctx, "fast")
		fast <- err
	}()
	select {
	case err := <-fast:
		if err != nil {
			t.Fatalf("Get(fast): %v", err)
		}
	case <-time.After(2 * time.Second):
		close(gate.release)
		t.Fatal("Get(fast) waited on the activation of another session")
	}
	if n := sessions.Len(); n != 1 {
		t.Errorf("Len = %d while slow is activating, want 1", n)
	}

	close(gate.release)
	first := <-slow
	for range waiters - 1 {
		if a := <-slow; a != first {
			t.Fatal("concurrent activations produced distinct actors")
		}
	}
	if n := sessions.Len(); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
}

func TestDeleteDuringTurnDropsReply(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	blocking := responderFunc(func(context.Context, string, []store.Message, string, string, func(string)) (agent.Reply, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return agent.Reply{Content: "too late"}, nil
	})
	sessions := NewRegistry(st, blocking, Config{})
	a, _ := sessions.Get(ctx, "s1")

	first := make(chan error, 1)
	go func() {
		_, err := a.Chat(ctx, ChatRequest{Message: "hi"})
		first <- err
	}()
	<-entered

	// A second turn queues behind the first on the same actor. One that
	// arrives after the delete must fail the same way.
	second := make(chan error, 1)
	go func() {
		_, err := a.Chat(ctx, ChatRequest{Message: "are you there?"})
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if _, err := sessions.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	err := <-second
	if !errors.Is(err, ErrSessionDeleted) {
		t.Fatalf("queued Chat err = %v, want ErrSessionDeleted", err)
	}
	var te *TurnError
	if !errors.As(err, &te) || te.Summary == "" {
		t.Errorf("queued Chat err = %#v, want *TurnError with summary", err)
	}
	if calls.Load() != 1 {
		t.Errorf("responder ran %d times, want 1", calls.Load())
	}

	if _, err := st.Session(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("session recreated after delete: %v", err)
	}
	msgs, err := st.Messages(ctx, "s1")
	if err != nil || len(msgs) != 0 {
		t.Errorf("messages after delete = %d, %v", len(msgs), err)
	}
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	sessions := NewRegistry(st, echo(), Config{})
	for _, id := range []string{"a", "b", "c"} {
		a, _ := sessions.Get(ctx, id)
		if _, err := a.Chat(ctx, ChatRequest{Message: "hi " + id}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := sessions.ClearAll(ctx)
	if err != nil || n != 3 {
		t.Fatalf("ClearAll = %d, %v", n, err)
	}
	if sessions.Len() != 0 {
		t.Errorf("Len = %d after ClearAll", sessions.Len())
	}
	count, err := st.SessionCount(ctx)
	if err != nil || count != 0 {
		t.Errorf("SessionCount = %d, %v", count, err)
	}
}

func TestTurnMetrics(t *testing.T) {
	mt := observability.NewMetrics()
	failing := responderFunc(func(_ context.Context, text string, _ []store.Message, _, _ string, _ func(string)) (agent.Reply, error) {
		if text == "fail" {
			return agent.Reply{}, errors.New("boom")
		}
		return agent.Reply{Content: "ok"}, nil
	})
	sessions := NewRegistry(newTestStore(t), failing, Config{}, WithMetrics(mt))
	a, _ := sessions.Get(context.Background(), "s1")

	_, _ = a.Chat(context.Background(), ChatRequest{Message: "hi"})
	_, _ = a.Chat(context.Background(), ChatRequest{Message: "fail"})

	if v := testutil.ToFloat64(mt.TurnsTotal.WithLabelValues("batch", "ok")); v != 1 {
		t.Errorf("ok turns = %v, want 1", v)
	}
	if v := testutil.ToFloat64(mt.TurnsTotal.WithLabelValues("batch", "error")); v != 1 {
		t.Errorf("error turns = %v, want 1", v)
	}
}
