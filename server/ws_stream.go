package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/phaabe/live.moafunk.de/cache"
	"github.com/phaabe/live.moafunk.de/core/auth"
	"github.com/phaabe/live.moafunk.de/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pingInterval paces the liveness pings on the stream socket; the live
// status cache TTL outlives it.
const pingInterval = 30 * time.Second

// wsConn serializes writes to one websocket connection. Gorilla connections
// allow only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) writeControl(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// StreamWebSocketHandler is the live audio ingress: binary WebM frames in,
// textual status out. Frames are forwarded to the encoder in receipt order.
func (h *APIHandler) StreamWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromRequest(h.cfg.SessionSecret, r)
	if err != nil {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	force := r.URL.Query().Get("force") == "true"

	// Reject before upgrading when someone else holds the stream.
	if current := h.bridge.CurrentUser(); current != "" && current != user && !force {
		http.Error(w, "Stream already active by user '"+current+"'", http.StatusConflict)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	ws := &wsConn{conn: conn}

	if err := h.bridge.Start(user, h.cfg.RTMPDestination, force); err != nil {
		logger.Error("failed to start stream",
			logger.String("user", user),
			logger.ErrorField(err))
		_ = ws.writeText("error: " + err.Error())
		return
	}

	if err := ws.writeText("connected"); err != nil {
		logger.Error("failed to send connected message", logger.ErrorField(err))
		_ = h.bridge.Stop()
		return
	}

	logger.Info("stream started",
		logger.String("user", user),
		logger.String("conn_id", connID))
	h.updateLiveCache(user)

	// Liveness pings double as live-cache refreshes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.writeControl(websocket.PingMessage, nil); err != nil {
					return
				}
				h.updateLiveCache(user)
			case <-done:
				return
			}
		}
	}()

readLoop:
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read error",
					logger.String("conn_id", connID),
					logger.ErrorField(err))
			}
			break
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := h.bridge.WriteChunk(data); err != nil {
				logger.Error("failed to write audio chunk", logger.ErrorField(err))
				_ = ws.writeText("error: " + err.Error())
				break readLoop
			}
		case websocket.TextMessage:
			if string(data) == "stop" {
				logger.Info("received stop command", logger.String("user", user))
				break readLoop
			}
		}
	}

	if err := h.bridge.Stop(); err != nil {
		logger.Error("failed to stop stream", logger.ErrorField(err))
	}
	h.clearLiveCache()

	logger.Info("stream ended",
		logger.String("user", user),
		logger.String("conn_id", connID))
}

func (h *APIHandler) updateLiveCache(user string) {
	recStatus := h.recorder.Status()
	status := cache.LiveStatus{
		Live:      true,
		Streamer:  user,
		Recording: recStatus.Active,
		ShowID:    recStatus.ShowID,
	}
	if err := h.liveCache.Set(context.Background(), status); err != nil {
		logger.Warn("failed to update live status cache", logger.ErrorField(err))
	}
}

func (h *APIHandler) clearLiveCache() {
	if err := h.liveCache.Clear(context.Background()); err != nil {
		logger.Warn("failed to clear live status cache", logger.ErrorField(err))
	}
}
