package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phaabe/live.moafunk.de/logger"
	"github.com/phaabe/live.moafunk.de/storage"
)

// Phase is the furthest durable step a finalize attempt has reached. Phases
// only move forward within one attempt; a reloaded checkpoint is never
// treated as further along than its last saved phase.
type Phase string

const (
	PhaseNotStarted  Phase = "not_started"
	PhaseDownloading Phase = "downloading"
	PhaseDownloaded  Phase = "downloaded"
	PhaseMerging     Phase = "merging"
	PhaseMerged      Phase = "merged"
	PhaseUploading   Phase = "uploading"
	PhaseComplete    Phase = "complete"
)

// Checkpoint is the persisted resumption record for one finalize attempt.
// It is saved to object storage after every durable sub-step so a killed
// orchestrator resumes without redoing completed work.
type Checkpoint struct {
	ShowID  int64  `json:"show_id"`
	Version string `json:"version"`
	Phase   Phase  `json:"phase"`
	// Track key -> local filename inside the session work dir.
	DownloadedTracks map[string]string `json:"downloaded_tracks"`
	RawDownloaded    bool              `json:"raw_downloaded"`
	MergeComplete    bool              `json:"merge_complete"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
}

// NewCheckpoint creates an empty checkpoint for a finalize attempt.
func NewCheckpoint(showID int64, version string) *Checkpoint {
	now := time.Now().UTC().Format(time.RFC3339)
	return &Checkpoint{
		ShowID:           showID,
		Version:          version,
		Phase:            PhaseNotStarted,
		DownloadedTracks: make(map[string]string),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (c *Checkpoint) touch() {
	c.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// SetPhase advances the checkpoint to the given phase.
func (c *Checkpoint) SetPhase(phase Phase) {
	c.Phase = phase
	c.touch()
}

// MarkRawDownloaded records that the raw capture is on local disk.
func (c *Checkpoint) MarkRawDownloaded() {
	c.RawDownloaded = true
	c.touch()
}

// MarkTrackDownloaded records one fetched track file.
func (c *Checkpoint) MarkTrackDownloaded(trackKey, localFilename string) {
	if c.DownloadedTracks == nil {
		c.DownloadedTracks = make(map[string]string)
	}
	c.DownloadedTracks[trackKey] = localFilename
	c.touch()
}

// MarkMergeComplete records that the merged output exists.
func (c *Checkpoint) MarkMergeComplete() {
	c.MergeComplete = true
	c.touch()
}

// loadCheckpoint fetches the checkpoint for (showID, version) from storage.
// Returns nil when none exists or it cannot be parsed; a broken checkpoint
// just means starting over.
func loadCheckpoint(ctx context.Context, store ObjectStore, showID int64, version string) *Checkpoint {
	data, err := store.Get(ctx, storage.CheckpointKey(showID, version))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("failed to load checkpoint", logger.ErrorField(err))
		}
		return nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		logger.Warn("failed to parse checkpoint", logger.ErrorField(err))
		return nil
	}

	logger.Info("loaded finalize checkpoint",
		logger.Int64("show_id", showID),
		logger.String("version", version),
		logger.String("phase", string(cp.Phase)))
	return &cp
}

// saveCheckpoint persists the checkpoint to storage.
func saveCheckpoint(ctx context.Context, store ObjectStore, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("finalize: failed to serialize checkpoint: %w", err)
	}
	if err := store.Put(ctx, storage.CheckpointKey(cp.ShowID, cp.Version), data, "application/json"); err != nil {
		return fmt.Errorf("finalize: failed to save checkpoint: %w", err)
	}
	return nil
}

// deleteCheckpoint removes the checkpoint after a completed attempt.
// Failures are logged only; a stale checkpoint is harmless.
func deleteCheckpoint(ctx context.Context, store ObjectStore, showID int64, version string) {
	if err := store.Delete(ctx, storage.CheckpointKey(showID, version)); err != nil {
		logger.Warn("failed to delete checkpoint", logger.ErrorField(err))
	}
}
