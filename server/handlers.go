package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/phaabe/live.moafunk.de/cache"
	"github.com/phaabe/live.moafunk.de/config"
	"github.com/phaabe/live.moafunk.de/core/auth"
	"github.com/phaabe/live.moafunk.de/core/finalize"
	"github.com/phaabe/live.moafunk.de/core/recording"
	"github.com/phaabe/live.moafunk.de/core/stream"
	"github.com/phaabe/live.moafunk.de/logger"
	"github.com/phaabe/live.moafunk.de/repository"
	"github.com/phaabe/live.moafunk.de/storage"
)

// APIHandler bundles the handler dependencies.
type APIHandler struct {
	cfg          *config.Config
	bridge       *stream.Bridge
	recorder     *recording.Manager
	orchestrator *finalize.Orchestrator
	store        *storage.Client
	recRepo      repository.RecordingRepository
	showRepo     repository.ShowRepository
	liveCache    *cache.LiveStatusCache
}

// NewAPIHandler wires the handlers.
func NewAPIHandler(
	cfg *config.Config,
	bridge *stream.Bridge,
	recorder *recording.Manager,
	orchestrator *finalize.Orchestrator,
	store *storage.Client,
	recRepo repository.RecordingRepository,
	showRepo repository.ShowRepository,
	liveCache *cache.LiveStatusCache,
) *APIHandler {
	return &APIHandler{
		cfg:          cfg,
		bridge:       bridge,
		recorder:     recorder,
		orchestrator: orchestrator,
		store:        store,
		recRepo:      recRepo,
		showRepo:     showRepo,
		liveCache:    liveCache,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginHandler checks the admin password and issues a session cookie.
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if h.cfg.AdminPasswordHash == "" || !auth.CheckPasswordHash(body.Password, h.cfg.AdminPasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.IssueSessionToken(h.cfg.SessionSecret, body.Username)
	if err != nil {
		logger.Error("failed to issue session token", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(12 * time.Hour),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "user": body.Username})
}

// LogoutHandler clears the session cookie.
func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// LiveStatusHandler serves the public liveness snapshot from Redis, falling
// back to in-process state when nothing is cached.
func (h *APIHandler) LiveStatusHandler(w http.ResponseWriter, r *http.Request) {
	if status, err := h.liveCache.Get(r.Context()); err == nil && status != nil {
		writeJSON(w, http.StatusOK, status)
		return
	} else if err != nil {
		logger.Warn("live status cache read failed", logger.ErrorField(err))
	}

	streamStatus := h.bridge.Status()
	recStatus := h.recorder.Status()
	status := cache.LiveStatus{
		Live:      streamStatus.Active,
		Recording: recStatus.Active,
		ShowID:    recStatus.ShowID,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if streamStatus.User != nil {
		status.Streamer = *streamStatus.User
	}
	writeJSON(w, http.StatusOK, status)
}

// refreshLiveCache pushes the current broadcast/recording state to Redis.
// Best effort: cache failures never affect the live path.
func (h *APIHandler) refreshLiveCache(r *http.Request) {
	streamStatus := h.bridge.Status()
	recStatus := h.recorder.Status()
	status := cache.LiveStatus{
		Live:      streamStatus.Active,
		Recording: recStatus.Active,
		ShowID:    recStatus.ShowID,
	}
	if streamStatus.User != nil {
		status.Streamer = *streamStatus.User
	}
	if err := h.liveCache.Set(r.Context(), status); err != nil {
		logger.Warn("failed to refresh live status cache", logger.ErrorField(err))
	}
}
