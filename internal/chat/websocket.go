package chat

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/yai/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// wsFrame is a message of the WebSocket stream.
type wsFrame struct {
	Type string `json:"type"`
	HTML string `json:"html,omitempty"`
}

// HandleWebSocket handles GET /messaging/ws. It answers the pending question
// like HandleStream but sends {"type":"fragment"} messages and a final
// {"type":"done"}.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "user_id", userID, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.CloseNow(); closeErr != nil {
			slog.Debug("WebSocket close failed", "error", closeErr)
		}
	}()

	// Reads are only needed to process control frames.
	ctx := ws.CloseRead(r.Context())

	turn, ok := h.coord.Open(ctx, userID, identity.UsernameFromContext(r.Context()))
	if !ok {
		if err := writeFrame(ctx, ws, wsFrame{Type: "done"}); err == nil {
			_ = ws.Close(websocket.StatusNormalClosure, "nothing pending")
		}
		return
	}
	defer turn.Close()

	for {
		fragment, done, err := turn.Next(ctx)
		if err != nil {
			slog.Warn("WebSocket stream stopped", "user_id", userID, "turn_id", turn.ID, "error", err)
			return
		}
		if done {
			if err := writeFrame(ctx, ws, wsFrame{Type: "done"}); err != nil {
				slog.Warn("failed to write WebSocket done frame", "user_id", userID, "turn_id", turn.ID, "error", err)
				return
			}
			_ = ws.Close(websocket.StatusNormalClosure, "answer complete")
			return
		}
		if err := writeFrame(ctx, ws, wsFrame{Type: "fragment", HTML: fragment}); err != nil {
			slog.Warn("WebSocket client disconnected", "user_id", userID, "turn_id", turn.ID, "error", err)
			return
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame wsFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, frame)
}
