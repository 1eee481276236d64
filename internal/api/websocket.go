package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

type wsInbound struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type wsOutbound struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Index     int    `json:"index,omitempty"`
	Total     int    `json:"total,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ChatSocket upgrades to a websocket chat: one inbound text frame per
// turn, one outbound frame per reply segment so the front end renders
// them as separate bubbles.
func (h *Handler) ChatSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	ctx := r.Context()
	sessionID := ""

	for {
		kind, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("websocket read failed", "error", err)
			}
			return
		}
		if kind != websocket.MessageText {
			continue
		}

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil || in.Message == "" {
			if err := h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: "invalid message"}); err != nil {
				return
			}
			continue
		}
		if in.SessionID == "" {
			in.SessionID = sessionID
		}
		if in.UserID == "" {
			in.UserID = "default"
		}

		result, err := h.mgr.HandleTurn(ctx, in.SessionID, in.UserID, in.Message)
		if err != nil {
			slog.Error("websocket turn failed", "error", err, "session_id", in.SessionID)
			if err := h.writeFrame(ctx, ws, wsOutbound{Type: "error", Error: "failed to process message"}); err != nil {
				return
			}
			continue
		}
		sessionID = result.SessionID

		for i, msg := range result.Messages {
			frame := wsOutbound{
				Type:      "message",
				Message:   msg,
				SessionID: result.SessionID,
				Index:     i + 1,
				Total:     len(result.Messages),
			}
			if err := h.writeFrame(ctx, ws, frame); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, v wsOutbound) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
