package api

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// serveWS streams engine events to one WebSocket client. Delivery is
// best-effort: a client that cannot keep up is disconnected and reconciles by
// polling the conversation endpoints.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.Server.CORSOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	sub := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(sub)
	h.logger.Info("websocket client connected", zap.String("remote", r.RemoteAddr))

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("marshal event", zap.Error(err))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				h.logger.Info("websocket client disconnected", zap.Error(err))
				return
			}
		}
	}
}
