package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/nugget/cortex-agent/internal/session"
)

const (
	msgNotFound        = "Not Found"
	msgProcessingError = "Failed to process message"
)

// turnErrorTrailer carries the failure summary of a streamed turn that
// failed after the status line was sent. It is empty on success.
const turnErrorTrailer = "X-Turn-Error"

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
	Stream  bool   `json:"stream,omitempty"`
}

// actor resolves the path's session to its live actor, writing the
// error response itself when it cannot.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (*session.Actor, bool) {
	a, err := s.sessions.Get(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		s.failStore(w, r, err)
		return nil, false
	}
	return a, true
}

// GET /api/chat/{sessionId}/messages
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	s.ok(w, a.State())
}

// POST /api/chat/{sessionId}/chat {"message": "...", "model": "...", "stream": true}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, ok := s.actor(w, r)
	if !ok {
		return
	}

	// A client that hangs up does not abandon the turn; the turn
	// timeout bounds it.
	ctx := context.WithoutCancel(r.Context())
	resp, err := a.Chat(ctx, session.ChatRequest{
		Message: req.Message,
		Model:   req.Model,
		Stream:  req.Stream,
	})
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, session.ErrSessionDeleted):
		s.fail(w, http.StatusNotFound, msgNotFound)
		return
	case err != nil:
		s.logger.Warn("chat failed", "session", a.ID(), "error", err)
		s.fail(w, http.StatusInternalServerError, msgProcessingError)
		return
	}

	if resp.Stream == nil {
		s.ok(w, resp.State)
		return
	}
	s.streamReply(w, a.ID(), resp.Stream)
}

// streamReply copies the turn's chunks to the client as they arrive.
// The status is already sent when a turn fails, so the failure is
// reported in the X-Turn-Error trailer.
func (s *Server) streamReply(w http.ResponseWriter, sessionID string, stream io.ReadCloser) {
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set("Trailer", turnErrorTrailer)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		s.logger.Debug("streaming flush unsupported", "error", err)
	}

	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				s.logger.Debug("stream client gone", "session", sessionID, "error", werr)
				return
			}
			_ = rc.Flush()
			if derr := rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); derr != nil {
				s.logger.Debug("failed to reset write deadline", "error", derr)
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.logger.Warn("streamed turn failed", "session", sessionID, "error", err)
			summary := msgProcessingError
			var te *session.TurnError
			if errors.As(err, &te) {
				summary = te.Summary
			}
			w.Header().Set(turnErrorTrailer, summary)
			return
		}
	}
}

// Any other path under /api/chat/{sessionId}/.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.fail(w, http.StatusNotFound, msgNotFound)
}
