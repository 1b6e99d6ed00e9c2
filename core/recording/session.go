// Package recording manages the capture of a live show: one session at a
// time, accumulating timecoded track markers and the raw audio file that the
// finalize pipeline later rebuilds into a studio-quality mix.
package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/phaabe/live.moafunk.de/logger"
	"github.com/phaabe/live.moafunk.de/model"
)

// ErrNotRecording is returned for operations that need an active session.
var ErrNotRecording = errors.New("recording: no active session")

// versionLayout produces a sortable, filename-safe timestamp such as
// "2026-01-28T19-30-00".
const versionLayout = "2006-01-02T15-04-05"

// Session is one in-progress capture for a show.
type Session struct {
	ShowID int64
	// Version namespaces all storage keys of this capture.
	Version string
	// Markers in insertion order. Offsets are computed against startedAt
	// with Go's monotonic clock, so wall-clock adjustments cannot corrupt
	// them.
	Markers      []model.TrackMarker
	TempFilePath string

	startedAt time.Time
	file      *os.File
}

// NewSession creates a session for the show and opens its temp file.
func NewSession(showID int64, tempDir string) (*Session, error) {
	version := time.Now().UTC().Format(versionLayout)
	tempFilePath := filepath.Join(tempDir, fmt.Sprintf("recording_%d_%s.webm", showID, version))

	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("recording: failed to create temp dir: %w", err)
	}

	file, err := os.Create(tempFilePath)
	if err != nil {
		return nil, fmt.Errorf("recording: failed to create recording file: %w", err)
	}

	logger.Info("recording session started",
		logger.Int64("show_id", showID),
		logger.String("version", version),
		logger.String("temp_file", tempFilePath))

	return &Session{
		ShowID:       showID,
		Version:      version,
		Markers:      []model.TrackMarker{},
		TempFilePath: tempFilePath,
		startedAt:    time.Now(),
		file:         file,
	}, nil
}

// ElapsedMs returns milliseconds since the session started.
func (s *Session) ElapsedMs() uint64 {
	return uint64(time.Since(s.startedAt).Milliseconds())
}

// AddMarker appends a marker at the current recording position and returns it.
func (s *Session) AddMarker(artistID int64, kind model.TrackKind, trackKey string, durationMs uint64) model.TrackMarker {
	marker := model.TrackMarker{
		OffsetMs:   s.ElapsedMs(),
		DurationMs: durationMs,
		ArtistID:   artistID,
		TrackType:  kind,
		TrackKey:   trackKey,
	}
	s.Markers = append(s.Markers, marker)

	logger.Info("marker added",
		logger.Int64("show_id", s.ShowID),
		logger.Int64("artist_id", artistID),
		logger.String("track_type", string(kind)),
		logger.Uint64("offset_ms", marker.OffsetMs),
		logger.Uint64("duration_ms", durationMs))

	return marker
}

// WriteChunk appends audio data to the recording file. Unlike the live tee,
// failures here propagate: recording integrity matters.
func (s *Session) WriteChunk(data []byte) error {
	if s.file == nil {
		return ErrNotRecording
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("recording: failed to write chunk: %w", err)
	}
	return nil
}

// Close flushes and closes the recording file. After Close the temp file is
// safe to read and upload.
func (s *Session) Close() error {
	if s.file == nil {
		return nil
	}
	file := s.file
	s.file = nil

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("recording: failed to flush recording file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recording: failed to close recording file: %w", err)
	}

	logger.Info("recording file closed", logger.String("path", s.TempFilePath))
	return nil
}

// MarkersJSON serializes the markers in insertion order.
func (s *Session) MarkersJSON() ([]byte, error) {
	data, err := json.MarshalIndent(s.Markers, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("recording: failed to serialize markers: %w", err)
	}
	return data, nil
}
