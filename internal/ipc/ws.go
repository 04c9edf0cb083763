package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// StatusWebSocket handles GET /api/v1/status/ws. It pushes the same snapshot
// as the SSE stream, wrapped in a typed envelope.
func (h *Handler) StatusWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.AllowedOrigins),
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	ticker := time.NewTicker(h.streamInterval())
	defer ticker.Stop()

	for {
		data, err := json.Marshal(wsEnvelope{Type: "status", Data: h.snapshot()})
		if err != nil {
			ws.Close(websocket.StatusInternalError, err.Error())
			return
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, 15*time.Second)
		err = ws.Write(writeCtx, websocket.MessageText, data)
		writeCancel()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "stream ended")
			return
		case <-ticker.C:
		}
	}
}
