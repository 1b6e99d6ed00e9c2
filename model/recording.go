package model

import "time"

// TrackKind identifies which of an artist's submitted files was played.
type TrackKind string

const (
	KindTrack1       TrackKind = "track1"
	KindTrack2       TrackKind = "track2"
	KindVoiceMessage TrackKind = "voice_message"
)

// Valid reports whether the kind is one of the known values.
func (k TrackKind) Valid() bool {
	switch k {
	case KindTrack1, KindTrack2, KindVoiceMessage:
		return true
	}
	return false
}

// TrackMarker records that a pre-produced track started playing at a given
// offset into a recording. Immutable once created; sessions keep markers in
// insertion order.
type TrackMarker struct {
	OffsetMs   uint64    `json:"offset_ms"`
	DurationMs uint64    `json:"duration_ms"`
	ArtistID   int64     `json:"artist_id"`
	TrackType  TrackKind `json:"track_type"`
	// Object storage key of the original high-quality file.
	TrackKey string `json:"track_key"`
}

// RecordingStatus describes the recording manager state for API responses.
type RecordingStatus struct {
	Active      bool    `json:"active"`
	ShowID      *int64  `json:"show_id,omitempty"`
	Version     *string `json:"version,omitempty"`
	ElapsedMs   *uint64 `json:"elapsed_ms,omitempty"`
	MarkerCount *int    `json:"marker_count,omitempty"`
}

// StreamStatus describes the live broadcast state for API responses.
type StreamStatus struct {
	Active bool    `json:"active"`
	User   *string `json:"user,omitempty"`
}

// Recording version lifecycle states.
const (
	VersionStatusRecording  = "recording"
	VersionStatusFinalizing = "finalizing"
	VersionStatusFinalized  = "finalized"
	VersionStatusFailed     = "failed"
)

// RecordingVersion is one recording attempt for a show. A show can be
// recorded more than once; the version string is a sortable timestamp that
// namespaces all storage keys of the attempt.
type RecordingVersion struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ShowID       int64      `gorm:"index:idx_show_version,unique;not null" json:"show_id"`
	Version      string     `gorm:"index:idx_show_version,unique;size:32;not null" json:"version"`
	Status       string     `gorm:"size:16;not null;default:recording" json:"status"`
	DurationMs   *int64     `json:"duration_ms"`
	MarkerCount  int64      `gorm:"not null;default:0" json:"marker_count"`
	RawKey       string     `gorm:"size:255;not null" json:"raw_key"`
	MarkersKey   string     `gorm:"size:255;not null" json:"markers_key"`
	FinalKey     *string    `gorm:"size:255" json:"final_key"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
	FinalizedAt  *time.Time `json:"finalized_at"`
}

// TableName overrides GORM's pluralization.
func (RecordingVersion) TableName() string {
	return "recording_versions"
}

// Show is the subset of the shows table the recording core needs for
// validating start-recording requests.
type Show struct {
	ID    int64  `gorm:"primaryKey" json:"id"`
	Title string `gorm:"size:255" json:"title"`
}

func (Show) TableName() string {
	return "shows"
}
