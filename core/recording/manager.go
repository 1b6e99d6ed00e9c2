package recording

import (
	"sync"

	"github.com/phaabe/live.moafunk.de/logger"
	"github.com/phaabe/live.moafunk.de/model"
)

// Manager enforces the at-most-one-recording-session rule. All operations
// take the mutex only for the state transition itself; no network or process
// waits happen under it.
type Manager struct {
	mu      sync.Mutex
	session *Session
	tempDir string
}

// NewManager creates a Manager that keeps temp files under tempDir.
func NewManager(tempDir string) *Manager {
	return &Manager{tempDir: tempDir}
}

// IsRecording reports whether a session is active.
func (m *Manager) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// TempFilePath returns the active session's temp file path, or "". The
// stream bridge uses this to start tee-ing.
func (m *Manager) TempFilePath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.TempFilePath
}

// Status returns the recording state for API responses.
func (m *Manager) Status() model.RecordingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return model.RecordingStatus{Active: false}
	}

	showID := m.session.ShowID
	version := m.session.Version
	elapsed := m.session.ElapsedMs()
	count := len(m.session.Markers)
	return model.RecordingStatus{
		Active:      true,
		ShowID:      &showID,
		Version:     &version,
		ElapsedMs:   &elapsed,
		MarkerCount: &count,
	}
}

// Start begins a new session for the show. An already-active session is
// stopped first; its completed state is discarded here, so callers that care
// about the old session must stop it themselves beforehand.
func (m *Manager) Start(showID int64) (model.RecordingStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		logger.Warn("stopping existing recording session before starting new one",
			logger.Int64("old_show_id", m.session.ShowID),
			logger.Int64("new_show_id", showID))
		if err := m.session.Close(); err != nil {
			logger.Warn("failed to close previous session", logger.ErrorField(err))
		}
		m.session = nil
	}

	session, err := NewSession(showID, m.tempDir)
	if err != nil {
		return model.RecordingStatus{}, err
	}
	m.session = session

	version := session.Version
	elapsed := uint64(0)
	count := 0
	return model.RecordingStatus{
		Active:      true,
		ShowID:      &showID,
		Version:     &version,
		ElapsedMs:   &elapsed,
		MarkerCount: &count,
	}, nil
}

// Stop ends the active session, flushing and closing its file, and returns
// the completed session for persistence. Returns (nil, nil) when no session
// is active, so a double stop is harmless.
func (m *Manager) Stop() (*Session, error) {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()

	if session == nil {
		return nil, nil
	}

	if err := session.Close(); err != nil {
		return nil, err
	}

	logger.Info("recording session stopped",
		logger.Int64("show_id", session.ShowID),
		logger.String("version", session.Version),
		logger.Int("markers", len(session.Markers)))
	return session, nil
}

// AddMarker appends a marker to the active session. A marker logged after
// Stop has taken the session is rejected with ErrNotRecording rather than
// silently dropped.
func (m *Manager) AddMarker(artistID int64, kind model.TrackKind, trackKey string, durationMs uint64) (model.TrackMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return model.TrackMarker{}, ErrNotRecording
	}
	return m.session.AddMarker(artistID, kind, trackKey, durationMs), nil
}

// WriteChunk appends audio data to the active session's file. With no active
// session the chunk is silently dropped; the live path must not fail just
// because nobody pressed record.
func (m *Manager) WriteChunk(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	return m.session.WriteChunk(data)
}
