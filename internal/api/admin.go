package api

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/cortex-agent/internal/buildinfo"
	"github.com/nugget/cortex-agent/internal/creds"
	"github.com/nugget/cortex-agent/internal/store"
)

// Session handlers

// GET /api/sessions
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.failStore(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	s.ok(w, sessions)
}

type sessionCreateRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Title     string `json:"title,omitempty"`
}

// POST /api/sessions {"sessionId": "...", "title": "..."}
func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.store.RegisterSession(r.Context(), id, strings.TrimSpace(req.Title)); err != nil {
		s.failStore(w, r, err)
		return
	}
	s.ok(w, map[string]string{"sessionId": id})
}

type sessionRenameRequest struct {
	Title string `json:"title"`
}

// PATCH /api/sessions/{id} {"title": "..."}
func (s *Server) handleSessionRename(w http.ResponseWriter, r *http.Request) {
	var req sessionRenameRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		s.fail(w, http.StatusBadRequest, "title is required")
		return
	}
	sess, err := s.store.RenameSession(r.Context(), r.PathValue("id"), req.Title)
	if err != nil {
		s.failStore(w, r, err)
		return
	}
	s.ok(w, sess)
}

// DELETE /api/sessions/{id}
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := store.ValidateID(id); err != nil {
		s.failStore(w, r, err)
		return
	}
	deleted, err := s.sessions.DeleteSession(r.Context(), id)
	if err != nil {
		if !deleted {
			s.failStore(w, r, err)
			return
		}
		// The session is gone; leftover records are only logged.
		s.logger.Warn("session deleted with orphaned records", "session", id, "error", err)
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: deleted})
}

// DELETE /api/sessions
func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.sessions.ClearAll(r.Context())
	if err != nil {
		if n == 0 {
			s.failStore(w, r, err)
			return
		}
		s.logger.Warn("sessions cleared with errors", "count", n, "error", err)
	}
	s.ok(w, map[string]int{"count": n})
}

// Record handlers

// GET /api/memories?sessionId=
func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	memories, err := s.store.Memories(r.Context(), querySession(r))
	if err != nil {
		s.failStore(w, r, err)
		return
	}
	if memories == nil {
		memories = []store.Memory{}
	}
	s.ok(w, memories)
}

// DELETE /api/memories/{id}?sessionId=
func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteMemory(r.Context(), querySession(r), r.PathValue("id")); err != nil {
		s.failStore(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true})
}

// GET /api/tasks?sessionId=
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.Tasks(r.Context(), querySession(r))
	if err != nil {
		s.failStore(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	s.ok(w, tasks)
}

type taskStatusRequest struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
}

// POST /api/tasks/{id}/status {"status": "completed", "sessionId": "..."}
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req taskStatusRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sid := req.SessionID
	if sid == "" {
		sid = querySession(r)
	}
	task, err := s.store.UpdateTaskStatus(r.Context(), sid, r.PathValue("id"), store.TaskStatus(req.Status))
	if err != nil {
		s.failStore(w, r, err)
		return
	}
	s.ok(w, task)
}

// DELETE /api/tasks/{id}?sessionId=
func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), querySession(r), r.PathValue("id")); err != nil {
		s.failStore(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true})
}

// Credential handlers

func (s *Server) requireLinker(w http.ResponseWriter) bool {
	if s.linker == nil {
		s.fail(w, http.StatusServiceUnavailable, "credential linking is not configured")
		return false
	}
	return true
}

// GET /api/status/services?sessionId=
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if !s.requireLinker(w) {
		return
	}
	sid := querySession(r)
	if err := store.ValidateID(sid); err != nil {
		s.failStore(w, r, err)
		return
	}
	svcs, err := s.linker.Services(r.Context(), sid)
	if err != nil {
		s.failStore(w, r, err)
		return
	}
	s.ok(w, svcs)
}

// GET /api/auth/{service}?sessionId=
func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	if !s.requireLinker(w) {
		return
	}
	url, err := s.linker.AuthURL(querySession(r), r.PathValue("service"))
	switch {
	case errors.Is(err, creds.ErrUnknownService):
		s.fail(w, http.StatusNotFound, "unknown service")
		return
	case err != nil:
		s.failStore(w, r, err)
		return
	}
	s.ok(w, map[string]string{"url": url})
}

var linkedPage = template.Must(template.New("linked").Parse(`<!DOCTYPE html>
<html>
<body>
<script>
if (window.opener) { window.opener.postMessage({ type: 'AUTH_SUCCESS', service: {{.Service}} }, '*'); }
window.close();
</script>
<div style="font-family: sans-serif; text-align: center; padding-top: 50px;">
<h2 style="color: #00d4ff;">Synaptic Link Established</h2>
<p style="color: #666;">{{.Account}} is linked for {{.Service}}. Closing connection window...</p>
</div>
</body>
</html>
`))

// GET /api/auth/callback?code=&state=
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !s.requireLinker(w) {
		return
	}
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		http.Error(w, "Authorization failed: No code provided", http.StatusBadRequest)
		return
	}

	linked, err := s.linker.Complete(r.Context(), q.Get("state"), code)
	if errors.Is(err, creds.ErrInvalidState) {
		http.Error(w, "Authorization failed: link request expired or invalid", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("account link failed", "error", err)
		http.Error(w, "Authentication error: the account could not be linked", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := linkedPage.Execute(w, linked); err != nil {
		s.logger.Debug("failed to write link page", "error", err)
	}
}

// DELETE /api/auth/{service}?sessionId=&account=
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	if !s.requireLinker(w) {
		return
	}
	sid := querySession(r)
	if err := store.ValidateID(sid); err != nil {
		s.failStore(w, r, err)
		return
	}
	if err := s.linker.Unlink(r.Context(), sid, r.PathValue("service"), r.URL.Query().Get("account")); err != nil {
		s.failStore(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true})
}

// Operations

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Current())
}
