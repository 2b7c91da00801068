package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/cortex-agent/internal/session"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
)

// wsRequest is a client frame.
type wsRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

// wsFrame is a server frame: chunk frames carry reply text as it is
// produced, and each turn ends with exactly one done or error frame.
type wsFrame struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// GET /api/chat/{sessionId}/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session", a.ID(), "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxPayloadBytes)
	s.logger.Debug("websocket connected", "session", a.ID())

	// Turns run to completion even if the socket drops mid-reply.
	ctx := context.WithoutCancel(r.Context())
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "session", a.ID(), "error", err)
			}
			return
		}
		if err := s.wsTurn(ctx, conn, a, req); err != nil {
			s.logger.Debug("websocket write failed", "session", a.ID(), "error", err)
			return
		}
	}
}

// wsTurn runs one streamed turn and writes its frames. It returns an
// error only when the connection can no longer be written.
func (s *Server) wsTurn(ctx context.Context, conn *websocket.Conn, a *session.Actor, req wsRequest) error {
	resp, err := a.Chat(ctx, session.ChatRequest{
		Message: req.Message,
		Model:   req.Model,
		Stream:  true,
		Mode:    "ws",
	})
	if errors.Is(err, session.ErrEmptyMessage) {
		return writeFrame(conn, wsFrame{Type: "error", Error: err.Error()})
	}
	if err != nil {
		return writeFrame(conn, wsFrame{Type: "error", Error: msgProcessingError})
	}
	defer resp.Stream.Close()

	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Stream.Read(buf)
		if n > 0 {
			if err := writeFrame(conn, wsFrame{Type: "chunk", Data: string(buf[:n])}); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return writeFrame(conn, wsFrame{Type: "done", Data: a.State()})
		}
		if rerr != nil {
			s.logger.Warn("websocket turn failed", "session", a.ID(), "error", rerr)
			return writeFrame(conn, wsFrame{Type: "error", Error: msgProcessingError})
		}
	}
}

func writeFrame(conn *websocket.Conn, f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
