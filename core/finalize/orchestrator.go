// Package finalize rebuilds a studio-quality mix from a raw live capture and
// its track markers: download everything from object storage, run the ffmpeg
// merge, upload the result. Every durable sub-step is checkpointed so a
// killed orchestrator resumes instead of starting over.
package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/phaabe/live.moafunk.de/logger"
	"github.com/phaabe/live.moafunk.de/model"
	"github.com/phaabe/live.moafunk.de/storage"
)

// ErrFinalizeInProgress rejects a second concurrent attempt for the same
// (show, version) pair.
var ErrFinalizeInProgress = errors.New("finalize: already in progress for this recording version")

// ObjectStore is the slice of the storage client the pipeline needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// VersionStore tracks recording_version status transitions.
type VersionStore interface {
	GetVersion(showID int64, version string) (*model.RecordingVersion, error)
	MarkFinalizing(showID int64, version string) error
	MarkFinalized(showID int64, version, finalKey string) error
	MarkFailed(showID int64, version, errorMessage string) error
}

// DurationProber reports an audio file's duration in milliseconds.
type DurationProber interface {
	DurationMs(ctx context.Context, path string) (int64, error)
}

// TrackMixer renders the merged output file.
type TrackMixer interface {
	Mix(ctx context.Context, rawPath string, markers []model.TrackMarker, trackFiles map[string]string, outputPath string) error
}

// Progress is one event on the finalize progress channel. Percent is
// monotonically non-decreasing within each phase.
type Progress struct {
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Detail  string `json:"detail"`
	Resumed *bool  `json:"resumed,omitempty"`
}

// ProgressFunc receives progress events. May be nil.
type ProgressFunc func(Progress)

// Progress phase names on the wire.
const (
	phaseDownloading = "downloading"
	phaseMerging     = "merging"
	phaseUploading   = "uploading"
	PhaseCompleteMsg = "complete"
	PhaseErrorMsg    = "error"
)

// Orchestrator drives the resumable finalize pipeline.
type Orchestrator struct {
	store    ObjectStore
	versions VersionStore
	prober   DurationProber
	mixer    TrackMixer
	tempDir  string

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewOrchestrator wires the pipeline's collaborators.
func NewOrchestrator(store ObjectStore, versions VersionStore, prober DurationProber, mixer TrackMixer, tempDir string) *Orchestrator {
	return &Orchestrator{
		store:    store,
		versions: versions,
		prober:   prober,
		mixer:    mixer,
		tempDir:  tempDir,
		inFlight: make(map[string]bool),
	}
}

// Finalize runs the full pipeline for one recording version and returns the
// storage key of the finalized mix. The recording_version row is moved to
// finalizing, then finalized or failed. On failure the checkpoint stays in
// place so a later call transparently resumes.
func (o *Orchestrator) Finalize(ctx context.Context, showID int64, version string, report ProgressFunc) (string, error) {
	guard := fmt.Sprintf("%d/%s", showID, version)
	o.mu.Lock()
	if o.inFlight[guard] {
		o.mu.Unlock()
		return "", ErrFinalizeInProgress
	}
	o.inFlight[guard] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, guard)
		o.mu.Unlock()
	}()

	v, err := o.versions.GetVersion(showID, version)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("finalize: unknown recording version %d/%s", showID, version)
	}

	if err := o.versions.MarkFinalizing(showID, version); err != nil {
		logger.Warn("failed to mark recording version finalizing", logger.ErrorField(err))
	}

	finalKey, err := o.run(ctx, showID, version, report)
	if err != nil {
		logger.Error("finalize failed",
			logger.Int64("show_id", showID),
			logger.String("version", version),
			logger.ErrorField(err))
		if dbErr := o.versions.MarkFailed(showID, version, err.Error()); dbErr != nil {
			logger.Error("failed to mark recording version failed", logger.ErrorField(dbErr))
		}
		return "", err
	}

	if err := o.versions.MarkFinalized(showID, version, finalKey); err != nil {
		// The mix is uploaded; a status-row failure must not undo that.
		logger.Error("failed to mark recording version finalized", logger.ErrorField(err))
	}

	return finalKey, nil
}

// run executes download, merge and upload, consulting the checkpoint before
// each step and persisting it after each durable one.
func (o *Orchestrator) run(ctx context.Context, showID int64, version string, report ProgressFunc) (string, error) {
	emit := func(p Progress) {
		if report != nil {
			report(p)
		}
	}

	sessionDir := filepath.Join(o.tempDir, fmt.Sprintf("%d_%s", showID, version))
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return "", fmt.Errorf("finalize: failed to create session dir: %w", err)
	}

	cp := loadCheckpoint(ctx, o.store, showID, version)
	resumed := cp != nil
	if cp == nil {
		cp = NewCheckpoint(showID, version)
	}

	if resumed {
		logger.Info("resuming finalize from checkpoint",
			logger.Int64("show_id", showID),
			logger.String("version", version),
			logger.String("phase", string(cp.Phase)))
		flag := true
		emit(Progress{
			Phase:   phaseDownloading,
			Percent: 0,
			Detail:  fmt.Sprintf("Resuming from %s phase", cp.Phase),
			Resumed: &flag,
		})
	}

	// Markers are small and authoritative for this run, so always re-fetch.
	emit(Progress{Phase: phaseDownloading, Percent: 0, Detail: "Fetching markers.json"})

	markersData, err := o.store.Get(ctx, storage.MarkersKey(showID, version))
	if err != nil {
		return "", fmt.Errorf("finalize: failed to fetch markers: %w", err)
	}
	var markers []model.TrackMarker
	if err := json.Unmarshal(markersData, &markers); err != nil {
		return "", fmt.Errorf("finalize: failed to parse markers.json: %w", err)
	}
	logger.Info("loaded markers for finalize", logger.Int("count", len(markers)))

	// Raw capture.
	rawPath := filepath.Join(sessionDir, "raw.webm")
	if cp.RawDownloaded && fileExists(rawPath) {
		emit(Progress{Phase: phaseDownloading, Percent: 10, Detail: "Raw recording cached"})
	} else {
		emit(Progress{Phase: phaseDownloading, Percent: 10, Detail: "Downloading raw recording"})
		rawData, err := o.store.Get(ctx, storage.RawKey(showID, version))
		if err != nil {
			return "", fmt.Errorf("finalize: failed to fetch raw recording: %w", err)
		}
		if err := os.WriteFile(rawPath, rawData, 0644); err != nil {
			return "", fmt.Errorf("finalize: failed to write raw recording: %w", err)
		}
		cp.MarkRawDownloaded()
	}

	cp.SetPhase(PhaseDownloading)
	if err := saveCheckpoint(ctx, o.store, cp); err != nil {
		return "", err
	}

	// Each unique track is fetched once no matter how often it was played.
	// A track that fails to download is fatal: skipping it would silently
	// corrupt the final mix.
	uniqueKeys := uniqueTrackKeys(markers)
	trackFiles := make(map[string]string, len(uniqueKeys))
	for i, trackKey := range uniqueKeys {
		if fn, ok := cp.DownloadedTracks[trackKey]; ok {
			cached := filepath.Join(sessionDir, fn)
			if fileExists(cached) {
				trackFiles[trackKey] = cached
				continue
			}
		}

		percent := 20 + (i*30)/max(len(uniqueKeys), 1)
		emit(Progress{
			Phase:   phaseDownloading,
			Percent: percent,
			Detail:  fmt.Sprintf("Downloading track %d/%d", i+1, len(uniqueKeys)),
		})

		trackData, err := o.store.Get(ctx, trackKey)
		if err != nil {
			return "", fmt.Errorf("finalize: failed to fetch track %q: %w", trackKey, err)
		}

		localFilename := fmt.Sprintf("track_%d_%s", i, filepath.Base(trackKey))
		trackPath := filepath.Join(sessionDir, localFilename)
		if err := os.WriteFile(trackPath, trackData, 0644); err != nil {
			return "", fmt.Errorf("finalize: failed to write track %q: %w", trackKey, err)
		}

		trackFiles[trackKey] = trackPath
		cp.MarkTrackDownloaded(trackKey, localFilename)
		// Persist after every download so a crash mid-loop only refetches
		// the remaining files.
		if err := saveCheckpoint(ctx, o.store, cp); err != nil {
			return "", err
		}
	}

	cp.SetPhase(PhaseDownloaded)
	if err := saveCheckpoint(ctx, o.store, cp); err != nil {
		return "", err
	}
	emit(Progress{Phase: phaseDownloading, Percent: 50, Detail: "All files downloaded"})

	// Merge.
	outputPath := filepath.Join(sessionDir, "final.mp3")
	if cp.MergeComplete && fileExists(outputPath) {
		emit(Progress{Phase: phaseMerging, Percent: 100, Detail: "Merge cached"})
	} else {
		cp.SetPhase(PhaseMerging)
		if err := saveCheckpoint(ctx, o.store, cp); err != nil {
			return "", err
		}
		emit(Progress{Phase: phaseMerging, Percent: 0, Detail: "Preparing merge"})

		rawDurationMs, err := o.prober.DurationMs(ctx, rawPath)
		if err != nil {
			return "", fmt.Errorf("finalize: failed to probe raw duration: %w", err)
		}
		logger.Info("raw capture duration", logger.Int64("duration_ms", rawDurationMs))

		emit(Progress{
			Phase:   phaseMerging,
			Percent: 20,
			Detail:  fmt.Sprintf("Mixing %d tracks into raw capture", len(trackFiles)),
		})

		// On failure the checkpoint and downloaded inputs stay put so a
		// retry resumes at the merge step.
		if err := o.mixer.Mix(ctx, rawPath, markers, trackFiles, outputPath); err != nil {
			return "", err
		}

		cp.MarkMergeComplete()
		cp.SetPhase(PhaseMerged)
		if err := saveCheckpoint(ctx, o.store, cp); err != nil {
			return "", err
		}
		emit(Progress{Phase: phaseMerging, Percent: 100, Detail: "Merge complete"})
	}

	// Upload.
	cp.SetPhase(PhaseUploading)
	if err := saveCheckpoint(ctx, o.store, cp); err != nil {
		return "", err
	}
	emit(Progress{Phase: phaseUploading, Percent: 0, Detail: "Reading final output"})

	finalData, err := os.ReadFile(outputPath)
	if err != nil {
		return "", fmt.Errorf("finalize: failed to read final output: %w", err)
	}

	finalKey := storage.FinalKey(showID, version)
	emit(Progress{
		Phase:   phaseUploading,
		Percent: 50,
		Detail:  fmt.Sprintf("Uploading %d bytes", len(finalData)),
	})

	if err := o.store.Put(ctx, finalKey, finalData, "audio/mpeg"); err != nil {
		return "", fmt.Errorf("finalize: failed to upload final mix: %w", err)
	}
	emit(Progress{Phase: phaseUploading, Percent: 100, Detail: "Upload complete"})

	logger.Info("uploaded finalized recording", logger.String("key", finalKey))

	// Cleanup is only safe once everything durable has happened.
	cp.SetPhase(PhaseComplete)
	deleteCheckpoint(ctx, o.store, showID, version)
	if err := os.RemoveAll(sessionDir); err != nil {
		logger.Warn("failed to clean up finalize temp dir", logger.ErrorField(err))
	}

	return finalKey, nil
}

// uniqueTrackKeys returns the distinct track keys in first-seen order.
func uniqueTrackKeys(markers []model.TrackMarker) []string {
	seen := make(map[string]bool, len(markers))
	var keys []string
	for _, m := range markers {
		if seen[m.TrackKey] {
			continue
		}
		seen[m.TrackKey] = true
		keys = append(keys, m.TrackKey)
	}
	return keys
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
