package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/cortex-agent/internal/agent"
	"github.com/nugget/cortex-agent/internal/kv"
	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/session"
	"github.com/nugget/cortex-agent/internal/store"
)

type responderFunc func(ctx context.Context, text string, history []store.Message, sid, model string, onChunk func(string)) (agent.Reply, error)

func (f responderFunc) Respond(ctx context.Context, text string, history []store.Message, sid, model string, onChunk func(string)) (agent.Reply, error) {
	return f(ctx, text, history, sid, model, onChunk)
}

// chunked streams parts and replies with their concatenation.
func chunked(parts ...string) responderFunc {
	return func(_ context.Context, _ string, _ []store.Message, _, _ string, onChunk func(string)) (agent.Reply, error) {
		if onChunk != nil {
			for _, p := range parts {
				onChunk(p)
			}
		}
		return agent.Reply{Content: strings.Join(parts, "")}, nil
	}
}

type testEnv struct {
	srv     *Server
	store   *store.Store
	metrics *observability.Metrics
	handler http.Handler
}

func newTestEnv(t *testing.T, resp session.Responder, opts ...Option) *testEnv {
	t.Helper()
	backend, err := kv.Open(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "api.db"), nil)
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	st := store.New(backend)
	mt := observability.NewMetrics()
	sessions := session.NewRegistry(st, resp, session.Config{DefaultModel: "gemini"}, session.WithMetrics(mt))
	srv := NewServer(Config{}, sessions, st, append([]Option{WithMetrics(mt)}, opts...)...)
	return &testEnv{srv: srv, store: st, metrics: mt, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type stateEnvelope struct {
	Success bool          `json:"success"`
	Data    session.State `json:"data"`
	Error   string        `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestChatBatched(t *testing.T) {
	env := newTestEnv(t, chunked("Neural ", "link ", "stable."))

	rec := env.do(t, http.MethodPost, "/api/chat/s1/chat", `{"message": "status report"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decode[stateEnvelope](t, rec)
	if !got.Success || got.Data.SessionID != "s1" || got.Data.IsProcessing {
		t.Errorf("envelope = %+v", got)
	}
	if len(got.Data.Messages) != 2 || got.Data.Messages[1].Content != "Neural link stable." {
		t.Errorf("messages = %+v", got.Data.Messages)
	}

	rec = env.do(t, http.MethodGet, "/api/chat/s1/messages", "")
	again := decode[stateEnvelope](t, rec)
	if len(again.Data.Messages) != 2 || again.Data.Model != "gemini" {
		t.Errorf("messages route = %+v", again.Data)
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, chunked("ok"))
	tests := []struct {
		name       string
		path, body string
		wantStatus int
		wantError  string
	}{
		{"bad json", "/api/chat/s1/chat", `{"message":`, http.StatusBadRequest, "invalid request body"},
		{"empty message", "/api/chat/s1/chat", `{"message": "   "}`, http.StatusBadRequest, "message is required"},
		{"bad session id", "/api/chat/bad%20id/chat", `{"message": "hi"}`, http.StatusBadRequest, "invalid identifier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decode[envelope](t, rec); got.Success || got.Error != tt.wantError {
				t.Errorf("envelope = %+v, want error %q", got, tt.wantError)
			}
		})
	}
}

func TestChatFailureIsGeneric(t *testing.T) {
	env := newTestEnv(t, responderFunc(func(context.Context, string, []store.Message, string, string, func(string)) (agent.Reply, error) {
		return agent.Reply{}, &agent.ModelError{Phase: "initial", Model: "m", Err: errors.New("HTTP 401: key sk-live-123 revoked")}
	}))

	rec := env.do(t, http.MethodPost, "/api/chat/s1/chat", `{"message": "hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	got := decode[envelope](t, rec)
	if got.Success || got.Error != "Failed to process message" {
		t.Errorf("envelope = %+v", got)
	}
	if strings.Contains(rec.Body.String(), "sk-live") {
		t.Errorf("provider detail leaked: %s", rec.Body)
	}

	// The failed turn leaves the session idle with the user message kept.
	state := decode[stateEnvelope](t, env.do(t, http.MethodGet, "/api/chat/s1/messages", "")).Data
	if state.IsProcessing || len(state.Messages) != 1 {
		t.Errorf("state after failure = %+v", state)
	}
}

func TestChatNotFound(t *testing.T) {
	env := newTestEnv(t, chunked("ok"))
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/chat/s1/unknown"},
		{http.MethodPost, "/api/chat/s1/messages"},
		{http.MethodDelete, "/api/chat/s1/chat"},
		{http.MethodGet, "/api/chat/s1/"},
	} {
		rec := env.do(t, tc.method, tc.path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.path, rec.Code)
			continue
		}
		if got := decode[envelope](t, rec); got.Success || got.Error != "Not Found" {
			t.Errorf("%s %s envelope = %+v", tc.method, tc.path, got)
		}
	}
}

func TestChatStreaming(t *testing.T) {
	parts := []string{"Scanning ", "sector ", "7G..."}
	env := newTestEnv(t, chunked(parts...))
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat/s1/chat", "application/json", strings.NewReader(`{"message": "scan", "stream": true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != strings.Join(parts, "") {
		t.Errorf("body = %q", body)
	}

	// The body closes after the reply is persisted.
	state := decode[stateEnvelope](t, env.do(t, http.MethodGet, "/api/chat/s1/messages", "")).Data
	if len(state.Messages) != 2 || state.Messages[1].Content != string(body) || state.IsProcessing {
		t.Errorf("state after stream = %+v", state)
	}
}

func TestChatStreamingFailureTrailer(t *testing.T) {
	tests := []struct {
		name     string
		resp     responderFunc
		wantBody string
		wantErr  string
	}{
		{
			name:     "success",
			resp:     chunked("All ", "clear."),
			wantBody: "All clear.",
		},
		{
			name: "model failure after first chunk",
			resp: func(_ context.Context, _ string, _ []store.Message, _, _ string, onChunk func(string)) (agent.Reply, error) {
				onChunk("Partial ")
				return agent.Reply{}, &agent.ModelError{Phase: "initial", Model: "gemini", Err: errors.New("upstream 502")}
			},
			wantBody: "Partial ",
			wantErr:  "model request failed",
		},
		{
			name: "failure before any chunk",
			resp: func(context.Context, string, []store.Message, string, string, func(string)) (agent.Reply, error) {
				return agent.Reply{}, errors.New("boom")
			},
			wantErr: "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.resp)
			ts := httptest.NewServer(env.handler)
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/api/chat/s1/chat", "application/json", strings.NewReader(`{"message": "status", "stream": true}`))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			// Trailers are populated once the body is drained.
			if got := resp.Trailer.Get("X-Turn-Error"); got != tt.wantErr {
				t.Errorf("X-Turn-Error = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestChatStreamingFlushesPerChunk(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, responderFunc(func(_ context.Context, _ string, _ []store.Message, _, _ string, onChunk func(string)) (agent.Reply, error) {
		onChunk("first\n")
		<-release
		onChunk("second\n")
		return agent.Reply{Content: "first\nsecond\n"}, nil
	}))
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat/s1/chat", "application/json", strings.NewReader(`{"message": "go", "stream": true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// The first chunk must arrive while the turn is still running.
	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	if err != nil || line != "first\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	close(release)
	rest, _ := io.ReadAll(br)
	if string(rest) != "second\n" {
		t.Errorf("rest = %q", rest)
	}
}

func TestWebSocketChat(t *testing.T) {
	env := newTestEnv(t, chunked("Uplink ", "ready."))
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat/s1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(wsRequest{Message: "ping"}); err != nil {
		t.Fatal(err)
	}

	var text strings.Builder
	for {
		var f struct {
			Type  string          `json:"type"`
			Data  json.RawMessage `json:"data"`
			Error string          `json:"error"`
		}
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.Type == "chunk" {
			var s string
			_ = json.Unmarshal(f.Data, &s)
			text.WriteString(s)
			continue
		}
		if f.Type != "done" {
			t.Fatalf("frame = %+v", f)
		}
		var state session.State
		if err := json.Unmarshal(f.Data, &state); err != nil {
			t.Fatal(err)
		}
		if len(state.Messages) != 2 || state.Messages[1].Content != "Uplink ready." {
			t.Errorf("done state = %+v", state)
		}
		break
	}
	if text.String() != "Uplink ready." {
		t.Errorf("chunks = %q", text.String())
	}

	// An empty message reports an error frame and keeps the socket open.
	if err := conn.WriteJSON(wsRequest{Message: ""}); err != nil {
		t.Fatal(err)
	}
	var f wsFrame
	if err := conn.ReadJSON(&f); err != nil || f.Type != "error" || f.Error != "message is required" {
		t.Errorf("empty message frame = %+v, %v", f, err)
	}
}

func TestRequestMetrics(t *testing.T) {
	env := newTestEnv(t, chunked("ok"))
	env.do(t, http.MethodGet, "/api/chat/s1/messages", "")
	env.do(t, http.MethodGet, "/api/chat/s1/nope", "")

	if v := testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("GET /api/chat/{sessionId}/messages", "200")); v != 1 {
		t.Errorf("messages requests = %v, want 1", v)
	}
	if v := testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/api/chat/{sessionId}/", "404")); v != 1 {
		t.Errorf("not found requests = %v, want 1", v)
	}

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "cortex_http_requests_total") {
		t.Errorf("/metrics = %d", rec.Code)
	}
}
