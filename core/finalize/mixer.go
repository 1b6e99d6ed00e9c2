package finalize

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/phaabe/live.moafunk.de/config"
	"github.com/phaabe/live.moafunk.de/logger"
	"github.com/phaabe/live.moafunk.de/model"
)

// Mixer builds and runs the ffmpeg invocation that reconstructs the final
// mix: each original track delayed to its recorded offset and summed with
// the raw capture.
type Mixer struct {
	ffmpegPath string
	bitrate    string
	sampleRate int
}

// NewMixer creates a Mixer from the final-mix encode settings.
func NewMixer(cfg *config.Config) *Mixer {
	return &Mixer{
		ffmpegPath: cfg.FFmpegPath,
		bitrate:    cfg.MixBitrate,
		sampleRate: cfg.MixSampleRate,
	}
}

// Mix renders outputPath from the raw capture plus the markers whose track
// keys resolve in trackFiles. With no resolvable tracks it degenerates to a
// plain transcode of the raw capture.
func (m *Mixer) Mix(ctx context.Context, rawPath string, markers []model.TrackMarker, trackFiles map[string]string, outputPath string) error {
	args := buildMixArgs(rawPath, markers, trackFiles, outputPath, m.bitrate, m.sampleRate)

	logger.Info("running ffmpeg mix",
		logger.Int("args", len(args)),
		logger.String("output", outputPath))
	logger.Debug("ffmpeg mix args", logger.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := lastLine(stderr.String())
		logger.Error("ffmpeg mix failed",
			logger.ErrorField(err),
			logger.String("stderr", detail))
		return fmt.Errorf("finalize: ffmpeg merge failed: %s", detail)
	}

	return nil
}

// buildMixArgs constructs the ffmpeg argument list.
//
// A single-input amix is rejected or handled inconsistently by several
// ffmpeg builds, so the zero-track case falls back to a plain transcode.
// Otherwise every track gets a stereo-symmetric adelay to its offset and all
// delayed tracks plus the base are summed with duration=longest and
// normalize=0, preserving the relative levels of the live mix.
func buildMixArgs(rawPath string, markers []model.TrackMarker, trackFiles map[string]string, outputPath, bitrate string, sampleRate int) []string {
	args := []string{
		"-y",
		"-i", rawPath,
	}

	inputIndex := 1
	var delayFilters []string
	for _, marker := range markers {
		trackPath, ok := trackFiles[marker.TrackKey]
		if !ok {
			continue
		}
		args = append(args, "-i", trackPath)
		delayFilters = append(delayFilters, fmt.Sprintf("[%d:a]adelay=%d|%d[a%d]",
			inputIndex, marker.OffsetMs, marker.OffsetMs, inputIndex))
		inputIndex++
	}

	encodeArgs := []string{
		"-vn",
		"-acodec", "libmp3lame",
		"-ab", bitrate,
		"-ar", strconv.Itoa(sampleRate),
	}

	if len(delayFilters) == 0 {
		args = append(args, encodeArgs...)
		args = append(args, outputPath)
		return args
	}

	var delayedLabels strings.Builder
	for i := 1; i < inputIndex; i++ {
		fmt.Fprintf(&delayedLabels, "[a%d]", i)
	}

	filterComplex := fmt.Sprintf("%s;[0:a]%samix=inputs=%d:duration=longest:normalize=0[out]",
		strings.Join(delayFilters, ";"), delayedLabels.String(), inputIndex)

	args = append(args, "-filter_complex", filterComplex, "-map", "[out]")
	args = append(args, encodeArgs...)
	args = append(args, outputPath)
	return args
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		return "unknown error"
	}
	return lines[len(lines)-1]
}
