package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/cortex-agent/internal/kv"
	"github.com/nugget/cortex-agent/internal/result"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	backend, err := kv.Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return New(backend, opts...)
}

// fakeClock advances by one second per call.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"abc", false},
		{"sess-01.A_b", false},
		{"", true},
		{"a:b", true},
		{"a b", true},
		{"../etc", true},
		{strings.Repeat("x", 129), true},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) error %v does not wrap ErrInvalidID", tt.id, err)
		}
	}
}

func TestRegisterSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.RegisterSession(ctx, "s1", "")
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if !strings.HasPrefix(sess.Title, "Chat ") {
		t.Errorf("default title = %q", sess.Title)
	}
	if sess.TitleLocked {
		t.Error("default title should not be locked")
	}

	named, err := s.RegisterSession(ctx, "s2", "Trip planning")
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if !named.TitleLocked || named.Title != "Trip planning" {
		t.Errorf("named session = %+v", named)
	}

	// Re-registering without a title is a no-op.
	again, err := s.RegisterSession(ctx, "s2", "")
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if again.Title != "Trip planning" {
		t.Errorf("title changed to %q", again.Title)
	}

	if _, err := s.RegisterSession(ctx, "bad:id", ""); !errors.Is(err, ErrInvalidID) {
		t.Errorf("bad id error = %v", err)
	}
}

func TestMessagesOrderAndAutoTitle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.RegisterSession(ctx, "s1", ""); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	contents := []string{"  what is   on my calendar today?  ", "You have two meetings.", "thanks"}
	roles := []Role{RoleUser, RoleAssistant, RoleUser}
	for i, c := range contents {
		m := NewMessage(roles[i], c, base.Add(time.Duration(i)*time.Millisecond), nil)
		if err := s.SaveMessage(ctx, "s1", m); err != nil {
			t.Fatalf("SaveMessage %d: %v", i, err)
		}
	}

	msgs, err := s.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != len(contents) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(contents))
	}
	for i, m := range msgs {
		if m.Content != contents[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Content, contents[i])
		}
	}

	sess, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Title != "what is on my calendar today?" {
		t.Errorf("auto title = %q", sess.Title)
	}
	if !sess.LastActive.Equal(base.Add(2 * time.Millisecond)) {
		t.Errorf("lastActive = %v", sess.LastActive)
	}
}

func TestSaveMessageKeepsExplicitTitle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.RegisterSession(ctx, "s1", "Work"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, "s1", NewMessage(RoleUser, "hello there", time.Now(), nil)); err != nil {
		t.Fatal(err)
	}
	sess, _ := s.Session(ctx, "s1")
	if sess.Title != "Work" {
		t.Errorf("title = %q, want Work", sess.Title)
	}
}

func TestTitleFromMessage(t *testing.T) {
	if got := TitleFromMessage("short"); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("word ", 30)
	got := TitleFromMessage(long)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("long title not truncated: %q", got)
	}
	if n := len([]rune(got)); n > maxTitleRunes {
		t.Errorf("title has %d runes, max %d", n, maxTitleRunes)
	}
}

func TestToolInvocationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	calls := []ToolInvocation{
		{
			ID:        "call_1",
			Name:      "get_weather",
			Arguments: map[string]any{"location": "Austin"},
			Result:    result.Weather{Location: "Austin", Temperature: 31, Condition: "Sunny", Example: true},
		},
		{
			ID:     "call_2",
			Name:   "send_email",
			Result: result.Fail("Gmail not connected"),
		},
	}
	msg := NewMessage(RoleAssistant, "done", time.Now(), calls)
	if err := s.SaveMessage(ctx, "s1", msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Messages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	got := msgs[0].ToolCalls
	if len(got) != 2 {
		t.Fatalf("got %d tool calls", len(got))
	}
	w, ok := got[0].Result.(result.Weather)
	if !ok {
		t.Fatalf("result 0 is %T, want result.Weather", got[0].Result)
	}
	if w.Location != "Austin" || !w.Example {
		t.Errorf("weather = %+v", w)
	}
	if got[1].Arguments == nil {
		t.Error("nil arguments should decode as empty object")
	}
	if !result.Failed(got[1].Result) {
		t.Errorf("result 1 = %#v, want failure", got[1].Result)
	}
}

func TestListSessionsByActivity(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, WithClock(clock.Now))

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.RegisterSession(ctx, id, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveMessage(ctx, "a", NewMessage(RoleUser, "bump", clock.Now(), nil)); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}
	if got := strings.Join(ids, ","); got != "a,c,b" {
		t.Errorf("order = %s, want a,c,b", got)
	}

	n, err := s.SessionCount(ctx)
	if err != nil || n != 3 {
		t.Errorf("SessionCount = %d, %v", n, err)
	}
}

func TestDeleteSessionCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, sid := range []string{"s1", "s10"} {
		if err := s.SaveMessage(ctx, sid, NewMessage(RoleUser, "hi", time.Now(), nil)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.SaveMemory(ctx, sid, Memory{Content: "likes tea"}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.SaveTask(ctx, sid, Task{Title: "buy tea"}); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveCredential(ctx, Credential{SessionID: sid, Service: "gmail", Account: "a@example.com", AccessToken: "tok"}); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveService(ctx, sid, ConnectedService{Name: "gmail", Status: ServiceActive}); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := s.DeleteSession(ctx, "s1")
	if err != nil || !deleted {
		t.Fatalf("DeleteSession = %v, %v", deleted, err)
	}
	if _, err := s.Session(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("session still present: %v", err)
	}
	msgs, _ := s.Messages(ctx, "s1")
	mems, _ := s.Memories(ctx, "s1")
	tasks, _ := s.Tasks(ctx, "s1")
	creds, _ := s.Credentials(ctx, "s1", "")
	svcs, _ := s.Services(ctx, "s1")
	if len(msgs)+len(mems)+len(tasks)+len(creds)+len(svcs) != 0 {
		t.Errorf("orphans left: %d msgs %d memories %d tasks %d creds %d services",
			len(msgs), len(mems), len(tasks), len(creds), len(svcs))
	}

	// s10 shares the s1 prefix textually and must be untouched.
	msgs, _ = s.Messages(ctx, "s10")
	creds, _ = s.Credentials(ctx, "s10", "")
	if len(msgs) != 1 || len(creds) != 1 {
		t.Errorf("neighbour session lost data: %d msgs %d creds", len(msgs), len(creds))
	}

	deleted, err = s.DeleteSession(ctx, "s1")
	if err != nil || deleted {
		t.Errorf("second delete = %v, %v; want false, nil", deleted, err)
	}
}

// failingBackend fails batch deletes of more than one key.
type failingBackend struct {
	Backend
}

func (f failingBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) > 1 {
		return errors.New("disk on fire")
	}
	return f.Backend.Delete(ctx, keys...)
}

func TestDeleteSessionCascadeFailure(t *testing.T) {
	ctx := context.Background()
	backend, err := kv.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })
	s := New(failingBackend{backend})

	for i := 0; i < 2; i++ {
		if err := s.SaveMessage(ctx, "s1", NewMessage(RoleUser, "hi", time.Now(), nil)); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := s.DeleteSession(ctx, "s1")
	if !deleted {
		t.Error("session row should still be deleted")
	}
	if !errors.Is(err, ErrCascadeIncomplete) {
		t.Fatalf("err = %v, want ErrCascadeIncomplete", err)
	}
	var ce *CascadeDeleteError
	if !errors.As(err, &ce) || ce.SessionID != "s1" || len(ce.Prefixes) == 0 {
		t.Errorf("cascade error = %#v", ce)
	}
	if _, err := s.Session(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("session row survived: %v", err)
	}
}

func TestClearAllSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"a", "b"} {
		if _, err := s.RegisterSession(ctx, id, ""); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.ClearAllSessions(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ClearAllSessions = %d, %v", n, err)
	}
	if c, _ := s.SessionCount(ctx); c != 0 {
		t.Errorf("SessionCount = %d after clear", c)
	}
}

func TestMemoriesAndTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.SaveMemory(ctx, "s1", Memory{Content: "prefers window seats", Category: "Personal"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Category != CategoryPersonal || m.ID == "" || m.CreatedAt.IsZero() {
		t.Errorf("memory = %+v", m)
	}
	if _, err := s.SaveMemory(ctx, "s1", Memory{Content: "  "}); err == nil {
		t.Error("empty memory accepted")
	}
	if got := NormalizeCategory("whatever"); got != CategoryGlobal {
		t.Errorf("NormalizeCategory = %q", got)
	}

	task, err := s.SaveTask(ctx, "s1", Task{Title: "file taxes"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	updated, err := s.UpdateTaskStatus(ctx, "s1", task.ID, TaskCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != TaskCompleted || updated.CreatedAt != task.CreatedAt {
		t.Errorf("updated = %+v", updated)
	}
	if _, err := s.UpdateTaskStatus(ctx, "s1", task.ID, "done"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("invalid status err = %v", err)
	}
	if _, err := s.UpdateTaskStatus(ctx, "s1", "missing", TaskCompleted); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task err = %v", err)
	}

	if err := s.DeleteTask(ctx, "s1", task.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTask(ctx, "s1", task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteTask err = %v", err)
	}
	if err := s.DeleteMemory(ctx, "s1", m.ID); err != nil {
		t.Fatal(err)
	}
	mems, _ := s.Memories(ctx, "s1")
	if len(mems) != 0 {
		t.Errorf("memories = %v", mems)
	}
}

func TestCredentialsSealed(t *testing.T) {
	ctx := context.Background()
	backend, err := kv.Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })

	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	s := New(backend, WithSealer(NewSealer(&key)))

	accounts := []string{"work@example.com", "home@example.com"}
	for _, a := range accounts {
		c := Credential{SessionID: "s1", Service: "gmail", Account: a, AccessToken: "secret-" + a, RefreshToken: "r"}
		if err := s.SaveCredential(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	raw, ok, err := backend.Get(ctx, credKey("s1", "gmail", accounts[0]))
	if err != nil || !ok {
		t.Fatalf("raw get: %v %v", ok, err)
	}
	if strings.Contains(string(raw), "secret-") {
		t.Error("access token stored in plaintext")
	}

	got, err := s.Credentials(ctx, "s1", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Account != accounts[0] || got[1].Account != accounts[1] {
		t.Fatalf("credentials = %+v", got)
	}

	// Overwrite keeps position.
	first := got[0]
	first.AccessToken = "rotated"
	if err := s.SaveCredential(ctx, first); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Credentials(ctx, "s1", "gmail")
	if got[0].AccessToken != "rotated" || !got[0].CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("after overwrite = %+v", got[0])
	}

	// A store without the key cannot read sealed records.
	plain := New(backend)
	if _, err := plain.Credential(ctx, "s1", "gmail", accounts[0]); !errors.Is(err, ErrSealed) {
		t.Errorf("unsealed read err = %v, want ErrSealed", err)
	}

	var other [32]byte
	wrong := New(backend, WithSealer(NewSealer(&other)))
	if _, err := wrong.Credential(ctx, "s1", "gmail", accounts[0]); !errors.Is(err, ErrSealed) {
		t.Errorf("wrong key err = %v, want ErrSealed", err)
	}

	if err := s.DeleteCredential(ctx, "s1", "gmail", accounts[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Credential(ctx, "s1", "gmail", accounts[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted credential err = %v", err)
	}
}

func TestPlainCredentialsReadableAfterKeyAdded(t *testing.T) {
	ctx := context.Background()
	backend, err := kv.Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })

	if err := New(backend).SaveCredential(ctx, Credential{SessionID: "s1", Service: "drive", Account: "a@example.com", AccessToken: "t"}); err != nil {
		t.Fatal(err)
	}
	var key [32]byte
	sealed := New(backend, WithSealer(NewSealer(&key)))
	c, err := sealed.Credential(ctx, "s1", "drive", "a@example.com")
	if err != nil || c.AccessToken != "t" {
		t.Errorf("Credential = %+v, %v", c, err)
	}
}

func TestServices(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	if err := s.SaveService(ctx, "s1", ConnectedService{Name: "gmail", Status: ServiceActive, ConnectedAt: &now}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveService(ctx, "s1", ConnectedService{Name: "calendar", Status: ServiceActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveService(ctx, "s1", ConnectedService{Name: "gmail", Status: ServiceDisconnected}); err != nil {
		t.Fatal(err)
	}
	svcs, err := s.Services(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(svcs) != 2 || svcs[0].Name != "gmail" || svcs[0].Status != ServiceDisconnected {
		t.Errorf("services = %+v", svcs)
	}
	if _, err := s.Service(ctx, "s1", "drive"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing service err = %v", err)
	}
}
