package creds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/cortex-agent/internal/kv"
	"github.com/nugget/cortex-agent/internal/store"
)

type fakeProvider struct {
	srv       *httptest.Server
	refreshes atomic.Int32
	exchanges atomic.Int32
	delay     time.Duration
	failGrant bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "refresh_token":
			p.refreshes.Add(1)
			time.Sleep(p.delay)
			if p.failGrant {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "refreshed-" + r.Form.Get("refresh_token"),
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		case "authorization_code":
			p.exchanges.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "linked-" + r.Form.Get("code"),
				"refresh_token": "rt-" + r.Form.Get("code"),
				"token_type":    "Bearer",
				"expires_in":    3600,
				"scope":         "https://mail.google.com/ https://www.googleapis.com/auth/userinfo.email",
			})
		default:
			http.Error(w, "unsupported grant", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer linked-good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"email":"Ada@Example.com","email_verified":true}`))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func newTestManager(t *testing.T, p *fakeProvider, opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	return newTestManagerOn(t, p, nil, opts...)
}

// newTestManagerOn is newTestManager with the sqlite backend passed
// through wrap, when set.
func newTestManagerOn(t *testing.T, p *fakeProvider, wrap func(*kv.Store) store.Backend, opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	backend, err := kv.Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "creds.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })
	var b store.Backend = backend
	if wrap != nil {
		b = wrap(backend)
	}
	st := store.New(b)

	cfg := Config{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      p.srv.URL + "/auth",
		TokenURL:     p.srv.URL + "/token",
		UserInfoURL:  p.srv.URL + "/userinfo",
		RedirectURL:  "http://localhost:8080/api/auth/callback",
		Services: map[string][]string{
			"gmail":    {"https://mail.google.com/"},
			"calendar": {"https://www.googleapis.com/auth/calendar.readonly"},
		},
		StateSecret: "state-secret",
	}
	opts = append([]Option{WithHTTPClient(p.srv.Client())}, opts...)
	return New(st, cfg, opts...), st
}

func saveCred(t *testing.T, st *store.Store, account, access, refresh string, expiry time.Time) {
	t.Helper()
	err := st.SaveCredential(context.Background(), store.Credential{
		SessionID:    "s1",
		Service:      "gmail",
		Account:      account,
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       expiry,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAccessTokenFresh(t *testing.T) {
	p := newFakeProvider(t)
	m, st := newTestManager(t, p)
	saveCred(t, st, "a@example.com", "fresh", "rt", time.Now().Add(time.Hour))

	tok, err := m.AccessToken(context.Background(), "s1", "gmail", "")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "fresh" || tok.Stale {
		t.Errorf("token = %+v", tok)
	}
	if n := p.refreshes.Load(); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}
}

func TestAccessTokenRefreshesWithinMargin(t *testing.T) {
	p := newFakeProvider(t)
	m, st := newTestManager(t, p)
	// 30s left is inside the 60s margin.
	saveCred(t, st, "a@example.com", "old", "rt", time.Now().Add(30*time.Second))

	tok, err := m.AccessToken(context.Background(), "s1", "gmail", "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "refreshed-rt" || tok.Stale {
		t.Errorf("token = %+v", tok)
	}

	rec, err := st.Credential(context.Background(), "s1", "gmail", "a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessToken != "refreshed-rt" || rec.RefreshToken != "rt" {
		t.Errorf("persisted = %+v", rec)
	}
	if time.Until(rec.Expiry) < 30*time.Minute {
		t.Errorf("expiry not advanced: %v", rec.Expiry)
	}
}

func TestAccessTokenConcurrentRefreshIsShared(t *testing.T) {
	p := newFakeProvider(t)
	p.delay = 50 * time.Millisecond
	m, st := newTestManager(t, p)
	saveCred(t, st, "a@example.com", "old", "rt", time.Now().Add(-time.Minute))

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]Token, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = m.AccessToken(context.Background(), "s1", "gmail", "")
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i].AccessToken != "refreshed-rt" {
			t.Errorf("caller %d token = %q", i, tokens[i].AccessToken)
		}
	}
	if n := p.refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}

	creds, _ := st.Credentials(context.Background(), "s1", "gmail")
	if len(creds) != 1 {
		t.Errorf("credential count = %d, want 1", len(creds))
	}
}

func TestAccessTokenRefreshFailureReturnsStale(t *testing.T) {
	p := newFakeProvider(t)
	p.failGrant = true
	m, st := newTestManager(t, p)
	saveCred(t, st, "a@example.com", "old", "rt", time.Now().Add(-time.Minute))

	tok, err := m.AccessToken(context.Background(), "s1", "gmail", "")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok.AccessToken != "old" || !tok.Stale {
		t.Errorf("token = %+v, want stale old token", tok)
	}
	rec, _ := st.Credential(context.Background(), "s1", "gmail", "a@example.com")
	if rec.AccessToken != "old" {
		t.Errorf("failed refresh overwrote token: %+v", rec)
	}
}

// readOnlyCreds fails credential writes once armed.
type readOnlyCreds struct {
	*kv.Store
	armed atomic.Bool
}

func (r *readOnlyCreds) Put(ctx context.Context, key string, value []byte) error {
	if r.armed.Load() && strings.HasPrefix(key, "cred:") {
		return errors.New("disk full")
	}
	return r.Store.Put(ctx, key, value)
}

func TestAccessTokenRefreshServedWhenSaveFails(t *testing.T) {
	p := newFakeProvider(t)
	var backend *readOnlyCreds
	m, st := newTestManagerOn(t, p, func(s *kv.Store) store.Backend {
		backend = &readOnlyCreds{Store: s}
		return backend
	})
	saveCred(t, st, "a@example.com", "old", "rt", time.Now().Add(-time.Minute))
	backend.armed.Store(true)

	tok, err := m.AccessToken(context.Background(), "s1", "gmail", "")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if tok.AccessToken != "refreshed-rt" || tok.Stale {
		t.Errorf("token = %+v, want fresh refreshed-rt", tok)
	}
	if tok.Expiry.Before(time.Now().Add(30 * time.Minute)) {
		t.Errorf("expiry = %v, want about an hour out", tok.Expiry)
	}

	// Nothing was stored, so the next call refreshes again.
	if _, err := m.AccessToken(context.Background(), "s1", "gmail", ""); err != nil {
		t.Fatal(err)
	}
	if n := p.refreshes.Load(); n != 2 {
		t.Errorf("refreshes = %d, want 2", n)
	}
	rec, _ := st.Credential(context.Background(), "s1", "gmail", "a@example.com")
	if rec.AccessToken != "old" {
		t.Errorf("stored token = %q, want old", rec.AccessToken)
	}
}

func TestAccessTokenNoRefreshToken(t *testing.T) {
	p := newFakeProvider(t)
	m, st := newTestManager(t, p)
	saveCred(t, st, "a@example.com", "old", "", time.Now().Add(-time.Minute))

	tok, err := m.AccessToken(context.Background(), "s1", "gmail", "")
	if err != nil || tok.AccessToken != "old" || !tok.Stale {
		t.Errorf("token = %+v, %v", tok, err)
	}
	if n := p.refreshes.Load(); n != 0 {
		t.Errorf("refreshes = %d, want 0", n)
	}
}

func TestAccessTokenMissing(t *testing.T) {
	p := newFakeProvider(t)
	m, st := newTestManager(t, p)

	_, err := m.AccessToken(context.Background(), "s1", "gmail", "")
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("err = %v, want ErrCredentialMissing", err)
	}
	var me *MissingError
	if !errors.As(err, &me) || me.Service != "gmail" {
		t.Errorf("MissingError = %#v", me)
	}

	saveCred(t, st, "a@example.com", "tok", "", time.Time{})
	if _, err := m.AccessToken(context.Background(), "s1", "gmail", "b@example.com"); !errors.Is(err, ErrCredentialMissing) {
		t.Errorf("named account err = %v", err)
	}
	if _, err := m.AccessToken(context.Background(), "s2", "gmail", ""); !errors.Is(err, ErrCredentialMissing) {
		t.Errorf("other session err = %v", err)
	}
}

func TestAccessTokenSelectsFirstAccount(t *testing.T) {
	p := newFakeProvider(t)
	m, st := newTestManager(t, p)
	saveCred(t, st, "z@example.com", "first", "", time.Now().Add(time.Hour))
	saveCred(t, st, "a@example.com", "second", "", time.Now().Add(time.Hour))

	tok, err := m.AccessToken(context.Background(), "s1", "gmail", "")
	if err != nil {
		t.Fatal(err)
	}
	if tok.Account != "z@example.com" {
		t.Errorf("account = %q, want first inserted", tok.Account)
	}
}

func TestRefreshErrorMatches(t *testing.T) {
	err := error(&RefreshError{Service: "gmail", Account: "a", Err: errors.New("invalid_grant")})
	if !errors.Is(err, ErrRefreshFailed) {
		t.Error("RefreshError does not match ErrRefreshFailed")
	}
}

func TestLinkFlow(t *testing.T) {
	p := newFakeProvider(t)
	m, st := newTestManager(t, p)
	ctx := context.Background()

	raw, err := m.AuthURL("s1", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("client_id") != "client" || q.Get("access_type") != "offline" || q.Get("prompt") != "consent" {
		t.Errorf("auth url query = %v", q)
	}
	state := q.Get("state")
	if state == "" {
		t.Fatal("no state in auth url")
	}

	linked, err := m.Complete(ctx, state, "good")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if linked.SessionID != "s1" || linked.Service != "gmail" || linked.Account != "ada@example.com" {
		t.Errorf("linked = %+v", linked)
	}

	rec, err := st.Credential(ctx, "s1", "gmail", "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessToken != "linked-good" || rec.RefreshToken != "rt-good" || len(rec.Scopes) != 2 {
		t.Errorf("credential = %+v", rec)
	}

	svcs, err := m.Services(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(svcs) != 1 || svcs[0].Status != store.ServiceActive || svcs[0].Accounts[0] != "ada@example.com" {
		t.Errorf("services = %+v", svcs)
	}

	if err := m.Unlink(ctx, "s1", "gmail", "ada@example.com"); err != nil {
		t.Fatal(err)
	}
	svc, err := st.Service(ctx, "s1", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	if svc.Status != store.ServiceDisconnected || len(svc.Accounts) != 0 {
		t.Errorf("after unlink = %+v", svc)
	}
	if _, err := m.AccessToken(ctx, "s1", "gmail", ""); !errors.Is(err, ErrCredentialMissing) {
		t.Errorf("token after unlink err = %v", err)
	}
}

func TestCompleteRejectsBadState(t *testing.T) {
	p := newFakeProvider(t)
	now := time.Now()
	clock := func() time.Time { return now }
	m, _ := newTestManager(t, p, WithClock(clock))
	ctx := context.Background()

	if _, err := m.Complete(ctx, "not-a-jwt", "good"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("garbage state err = %v", err)
	}

	state, err := m.signState("s1", "gmail")
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(11 * time.Minute)
	if _, err := m.Complete(ctx, state, "good"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expired state err = %v", err)
	}
	if n := p.exchanges.Load(); n != 0 {
		t.Errorf("exchanges = %d, want 0", n)
	}
}

func TestAuthURLUnknownService(t *testing.T) {
	p := newFakeProvider(t)
	m, _ := newTestManager(t, p)
	if _, err := m.AuthURL("s1", "fax"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("err = %v, want ErrUnknownService", err)
	}
}

func TestServicesPlaceholders(t *testing.T) {
	p := newFakeProvider(t)
	m, _ := newTestManager(t, p)
	svcs, err := m.Services(context.Background(), "fresh")
	if err != nil {
		t.Fatal(err)
	}
	if len(svcs) != len(KnownServices) {
		t.Fatalf("got %d placeholders", len(svcs))
	}
	for _, s := range svcs {
		if s.Status != store.ServiceDisconnected {
			t.Errorf("%s status = %q", s.Name, s.Status)
		}
	}
}

func TestClientPresentsBearer(t *testing.T) {
	p := newFakeProvider(t)
	m, st := newTestManager(t, p)
	saveCred(t, st, "a@example.com", "bearer-tok", "", time.Now().Add(time.Hour))

	var got string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer api.Close()

	client, tok, err := m.Client(context.Background(), "s1", "gmail", "")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Get(api.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got != "Bearer bearer-tok" || tok.Account != "a@example.com" {
		t.Errorf("authorization = %q, token = %+v", got, tok)
	}
}
