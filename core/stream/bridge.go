// Package stream owns the live broadcast path: one ffmpeg child process per
// active broadcast, fed WebM audio over stdin and publishing AAC/FLV to the
// configured RTMP destination. Audio chunks can simultaneously be teed to a
// recording file without touching the encoder.
package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/phaabe/live.moafunk.de/config"
	"github.com/phaabe/live.moafunk.de/logger"
	"github.com/phaabe/live.moafunk.de/model"
)

// ErrNotStreaming is returned when a chunk arrives with no active broadcast.
var ErrNotStreaming = errors.New("stream: no active broadcast")

// AlreadyStreamingError rejects a start while another user holds the stream.
type AlreadyStreamingError struct {
	User string
}

func (e *AlreadyStreamingError) Error() string {
	return fmt.Sprintf("stream: already active by user %q", e.User)
}

// stopTimeout bounds the graceful wait for the encoder after EOF.
// Variable so tests can shorten it.
var stopTimeout = 5 * time.Second

// Bridge manages the encoder process and the optional recording tee.
// All state transitions happen under one mutex; the mutex is never held
// while waiting on the encoder process.
type Bridge struct {
	mu          sync.Mutex
	currentUser string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	recFile     *os.File
	recPath     string

	// newEncoderCmd builds the encoder invocation for a destination URL.
	// Replaced in tests with a stand-in binary.
	newEncoderCmd func(destination string) *exec.Cmd
}

// NewBridge creates a Bridge that spawns ffmpeg per the given config.
func NewBridge(cfg *config.Config) *Bridge {
	return &Bridge{
		newEncoderCmd: func(destination string) *exec.Cmd {
			args := []string{
				"-hide_banner",
				"-loglevel", "warning",
				// Input from stdin as WebM container.
				"-f", "webm",
				"-i", "pipe:0",
				"-c:a", "aac",
				"-b:a", cfg.StreamBitrate,
				"-ar", strconv.Itoa(cfg.StreamSampleRate),
				"-ac", "2",
				// FLV container for RTMP.
				"-f", "flv",
				destination,
			}
			return exec.Command(cfg.FFmpegPath, args...)
		},
	}
}

// IsActive reports whether a broadcast is currently running.
func (b *Bridge) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isActiveLocked()
}

func (b *Bridge) isActiveLocked() bool {
	return b.currentUser != "" && b.stdin != nil
}

// CurrentUser returns the user holding the broadcast, or "".
func (b *Bridge) CurrentUser() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentUser
}

// Start spawns the encoder for the given user. If another user is active the
// start is rejected unless force is set, in which case the old broadcast is
// torn down first.
func (b *Bridge) Start(user, destination string, force bool) error {
	b.mu.Lock()
	// Shutting down a previous encoder releases the lock, so another Start
	// may install its own encoder in the meantime. Re-check until the bridge
	// is idle under the lock; every displaced encoder is shut down, never
	// dropped.
	for b.isActiveLocked() {
		if b.currentUser != user && !force {
			active := b.currentUser
			b.mu.Unlock()
			return &AlreadyStreamingError{User: active}
		}
		stdin, cmd, oldUser := b.detachEncoderLocked()
		b.mu.Unlock()
		logger.Warn("tearing down existing broadcast before start",
			logger.String("old_user", oldUser),
			logger.String("new_user", user))
		shutdownEncoder(stdin, cmd)
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	logger.Info("starting broadcast",
		logger.String("user", user),
		logger.String("destination", destination))

	cmd := b.newEncoderCmd(destination)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stream: failed to open encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("stream: failed to spawn encoder: %w", err)
	}

	b.currentUser = user
	b.cmd = cmd
	b.stdin = stdin
	return nil
}

// WriteChunk forwards one audio frame to the encoder, in arrival order, and
// tees it to the recording file if one is open. A tee failure is logged and
// does not fail the live write; an encoder write failure ends the broadcast.
func (b *Bridge) WriteChunk(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stdin == nil {
		return ErrNotStreaming
	}

	if _, err := b.stdin.Write(data); err != nil {
		return fmt.Errorf("stream: encoder write failed: %w", err)
	}

	if b.recFile != nil {
		if _, err := b.recFile.Write(data); err != nil {
			// Recording is best effort relative to the live broadcast.
			logger.Warn("recording tee write failed",
				logger.String("path", b.recPath),
				logger.ErrorField(err))
		}
	}

	return nil
}

// Stop closes the encoder input, waits up to stopTimeout for a graceful exit
// and kills the process if it does not exit in time. The current user is
// always cleared. Stopping an idle bridge is a no-op.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	stdin, cmd, user := b.detachEncoderLocked()
	b.mu.Unlock()

	if stdin == nil && cmd == nil {
		return nil
	}

	shutdownEncoder(stdin, cmd)

	if user != "" {
		logger.Info("broadcast stopped", logger.String("user", user))
	}
	return nil
}

// detachEncoderLocked takes ownership of the encoder handles so they can be
// shut down outside the lock. The recording tee is left untouched.
func (b *Bridge) detachEncoderLocked() (io.WriteCloser, *exec.Cmd, string) {
	stdin, cmd, user := b.stdin, b.cmd, b.currentUser
	b.stdin = nil
	b.cmd = nil
	b.currentUser = ""
	return stdin, cmd, user
}

// shutdownEncoder signals EOF and waits out the encoder, forcing a kill after
// the timeout.
func shutdownEncoder(stdin io.WriteCloser, cmd *exec.Cmd) {
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil {
		return
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("encoder exited with error", logger.ErrorField(err))
		} else {
			logger.Info("encoder exited cleanly")
		}
	case <-time.After(stopTimeout):
		logger.Warn("encoder did not exit in time, killing")
		_ = cmd.Process.Kill()
		<-done
	}
}

// StartRecording opens the tee file at path. The recording tee is independent
// of the encoder lifecycle: it can be opened and closed mid-broadcast.
func (b *Bridge) StartRecording(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.recFile != nil {
		logger.Warn("replacing open recording tee", logger.String("old_path", b.recPath))
		_ = b.recFile.Close()
		b.recFile = nil
		b.recPath = ""
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("stream: failed to open recording file: %w", err)
	}

	b.recFile = f
	b.recPath = path
	logger.Info("recording tee started", logger.String("path", path))
	return nil
}

// StopRecording flushes and closes the tee file, returning its path, or ""
// if no tee was open.
func (b *Bridge) StopRecording() (string, error) {
	b.mu.Lock()
	f, path := b.recFile, b.recPath
	b.recFile = nil
	b.recPath = ""
	b.mu.Unlock()

	if f == nil {
		return "", nil
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return path, fmt.Errorf("stream: failed to flush recording file: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("stream: failed to close recording file: %w", err)
	}

	logger.Info("recording tee stopped", logger.String("path", path))
	return path, nil
}

// Status returns the broadcast state for API responses.
func (b *Bridge) Status() model.StreamStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := model.StreamStatus{Active: b.isActiveLocked()}
	if b.currentUser != "" {
		user := b.currentUser
		status.User = &user
	}
	return status
}
