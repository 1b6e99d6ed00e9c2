package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/phaabe/live.moafunk.de/core/auth"
	"github.com/phaabe/live.moafunk.de/core/finalize"
	"github.com/phaabe/live.moafunk.de/logger"

	"github.com/gorilla/websocket"
)

// FinalizeWebSocketHandler drives the finalize pipeline for one recording
// version, streaming JSON progress events and ending with a terminal
// complete or error event before closing.
func (h *APIHandler) FinalizeWebSocketHandler(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromRequest(h.cfg.SessionSecret, r)
	if err != nil {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	showID, err := strconv.ParseInt(query.Get("show_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid show_id", http.StatusBadRequest)
		return
	}
	version := query.Get("version")
	if version == "" {
		http.Error(w, "missing version", http.StatusBadRequest)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	logger.Info("finalize connection",
		logger.String("user", user),
		logger.Int64("show_id", showID),
		logger.String("version", version))

	ws := &wsConn{conn: conn}
	sendProgress := func(p finalize.Progress) {
		data, err := json.Marshal(p)
		if err != nil {
			logger.Warn("failed to marshal progress event", logger.ErrorField(err))
			return
		}
		if err := ws.writeText(string(data)); err != nil {
			// The pipeline keeps running; the checkpoint covers a client
			// that reconnects later.
			logger.Warn("failed to send progress event", logger.ErrorField(err))
		}
	}

	finalKey, err := h.orchestrator.Finalize(r.Context(), showID, version, sendProgress)
	if err != nil {
		detail := err.Error()
		if errors.Is(err, finalize.ErrFinalizeInProgress) {
			detail = "finalize already in progress for this recording"
		}
		sendProgress(finalize.Progress{
			Phase:   finalize.PhaseErrorMsg,
			Percent: 0,
			Detail:  detail,
		})
		_ = ws.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	sendProgress(finalize.Progress{
		Phase:   finalize.PhaseCompleteMsg,
		Percent: 100,
		Detail:  "Recording finalized: " + finalKey,
	})
	_ = ws.writeControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
