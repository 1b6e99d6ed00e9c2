package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/phaabe/live.moafunk.de/core/recording"
	"github.com/phaabe/live.moafunk.de/logger"
	"github.com/phaabe/live.moafunk.de/model"
	"github.com/phaabe/live.moafunk.de/storage"

	"github.com/gorilla/mux"
)

type startRecordingRequest struct {
	ShowID int64 `json:"show_id"`
}

type addMarkerRequest struct {
	ArtistID   int64  `json:"artist_id"`
	TrackType  string `json:"track_type"`
	TrackKey   string `json:"track_key"`
	DurationMs uint64 `json:"duration_ms"`
}

type markerResponse struct {
	Success bool              `json:"success"`
	Marker  model.TrackMarker `json:"marker"`
}

type stopRecordingResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ShowID      int64  `json:"show_id"`
	Version     string `json:"version"`
	MarkerCount int    `json:"marker_count"`
	RawKey      string `json:"raw_key"`
	MarkersKey  string `json:"markers_key"`
}

type recordingVersionResponse struct {
	ID           int64   `json:"id"`
	ShowID       int64   `json:"show_id"`
	Version      string  `json:"version"`
	Status       string  `json:"status"`
	DurationMs   *int64  `json:"duration_ms"`
	MarkerCount  int64   `json:"marker_count"`
	CreatedAt    string  `json:"created_at"`
	FinalizedAt  *string `json:"finalized_at"`
	DownloadURL  *string `json:"download_url"`
	ErrorMessage *string `json:"error_message"`
}

// StartRecordingHandler starts a new recording session for a show and tells
// the stream bridge to tee audio into its temp file.
func (h *APIHandler) StartRecordingHandler(w http.ResponseWriter, r *http.Request) {
	var body startRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	show, err := h.showRepo.GetShowByID(body.ShowID)
	if err != nil {
		logger.Error("failed to look up show", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to look up show")
		return
	}
	if show == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Show %d not found", body.ShowID))
		return
	}

	logger.Info("starting recording",
		logger.Int64("show_id", show.ID),
		logger.String("title", show.Title))

	status, err := h.recorder.Start(body.ShowID)
	if err != nil {
		logger.Error("failed to start recording session", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tempPath := h.recorder.TempFilePath()
	if tempPath == "" {
		writeError(w, http.StatusInternalServerError, "recording session started but no temp file path available")
		return
	}

	if err := h.bridge.StartRecording(tempPath); err != nil {
		logger.Error("failed to start stream tee", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to start stream recording: %v", err))
		return
	}

	h.refreshLiveCache(r)
	writeJSON(w, http.StatusOK, status)
}

// RecordingStatusHandler returns the current recording status.
func (h *APIHandler) RecordingStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.recorder.Status())
}

// AddMarkerHandler logs a track marker against the active session.
func (h *APIHandler) AddMarkerHandler(w http.ResponseWriter, r *http.Request) {
	var body addMarkerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind := model.TrackKind(body.TrackType)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"Invalid track_type %q. Must be 'track1', 'track2', or 'voice_message'", body.TrackType))
		return
	}

	marker, err := h.recorder.AddMarker(body.ArtistID, kind, body.TrackKey, body.DurationMs)
	if errors.Is(err, recording.ErrNotRecording) {
		writeError(w, http.StatusBadRequest, "No recording session active")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, markerResponse{Success: true, Marker: marker})
}

// StopRecordingHandler ends the active session, uploads the raw capture and
// markers to object storage and records the version row.
func (h *APIHandler) StopRecordingHandler(w http.ResponseWriter, r *http.Request) {
	// Stop the tee first so the bridge's file handle is flushed and closed.
	if _, err := h.bridge.StopRecording(); err != nil {
		logger.Warn("error stopping stream tee", logger.ErrorField(err))
	}

	session, err := h.recorder.Stop()
	if err != nil {
		logger.Error("failed to stop recording session", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session == nil {
		writeError(w, http.StatusBadRequest, "No recording session was active")
		return
	}

	rawKey := storage.RawKey(session.ShowID, session.Version)
	rawData, err := os.ReadFile(session.TempFilePath)
	if err != nil {
		logger.Error("failed to read recording file", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to read recording file")
		return
	}
	if err := h.store.Put(r.Context(), rawKey, rawData, "audio/webm"); err != nil {
		logger.Error("failed to upload raw recording", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to upload raw recording")
		return
	}
	logger.Info("uploaded raw recording", logger.String("key", rawKey))

	markersKey := storage.MarkersKey(session.ShowID, session.Version)
	markersJSON, err := session.MarkersJSON()
	if err != nil {
		logger.Error("failed to serialize markers", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.store.Put(r.Context(), markersKey, markersJSON, "application/json"); err != nil {
		logger.Error("failed to upload markers", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to upload markers")
		return
	}
	logger.Info("uploaded markers", logger.String("key", markersKey))

	version := &model.RecordingVersion{
		ShowID:      session.ShowID,
		Version:     session.Version,
		Status:      model.VersionStatusRecording,
		MarkerCount: int64(len(session.Markers)),
		RawKey:      rawKey,
		MarkersKey:  markersKey,
	}
	if err := h.recRepo.CreateVersion(version); err != nil {
		// The artifacts are uploaded; the row can be repaired by hand.
		logger.Error("failed to create recording version row", logger.ErrorField(err))
	}

	if err := os.Remove(session.TempFilePath); err != nil {
		logger.Warn("failed to clean up temp recording file", logger.ErrorField(err))
	}

	h.refreshLiveCache(r)
	writeJSON(w, http.StatusOK, stopRecordingResponse{
		Success:     true,
		Message:     fmt.Sprintf("Recording stopped and uploaded for show %d", session.ShowID),
		ShowID:      session.ShowID,
		Version:     session.Version,
		MarkerCount: len(session.Markers),
		RawKey:      rawKey,
		MarkersKey:  markersKey,
	})
}

// ListRecordingVersionsHandler lists all recording attempts for a show with
// presigned download URLs for finalized ones.
func (h *APIHandler) ListRecordingVersionsHandler(w http.ResponseWriter, r *http.Request) {
	showID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid show id")
		return
	}

	versions, err := h.recRepo.ListVersionsByShow(showID)
	if err != nil {
		logger.Error("failed to list recording versions", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}

	recordings := make([]recordingVersionResponse, 0, len(versions))
	for _, v := range versions {
		resp := recordingVersionResponse{
			ID:           v.ID,
			ShowID:       v.ShowID,
			Version:      v.Version,
			Status:       v.Status,
			DurationMs:   v.DurationMs,
			MarkerCount:  v.MarkerCount,
			CreatedAt:    v.CreatedAt.UTC().Format(time.RFC3339),
			ErrorMessage: v.ErrorMessage,
		}
		if v.FinalizedAt != nil {
			s := v.FinalizedAt.UTC().Format(time.RFC3339)
			resp.FinalizedAt = &s
		}
		if v.Status == model.VersionStatusFinalized && v.FinalKey != nil {
			if url, err := h.store.PresignedGetURL(r.Context(), *v.FinalKey, 24*time.Hour); err == nil {
				resp.DownloadURL = &url
			} else {
				logger.Warn("failed to presign final mix", logger.ErrorField(err))
			}
		}
		recordings = append(recordings, resp)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"recordings": recordings})
}

// StreamStatusHandler returns the current broadcast status.
func (h *APIHandler) StreamStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bridge.Status())
}

// StopStreamHandler force-stops the current broadcast.
func (h *APIHandler) StopStreamHandler(w http.ResponseWriter, r *http.Request) {
	if !h.bridge.IsActive() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "No active stream"})
		return
	}

	if err := h.bridge.Stop(); err != nil {
		logger.Error("failed to stop stream", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to stop: %v", err))
		return
	}

	h.refreshLiveCache(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Stream stopped"})
}
