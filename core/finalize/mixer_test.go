package finalize

import (
	"strings"
	"testing"

	"github.com/phaabe/live.moafunk.de/model"
)

func TestBuildMixArgsNoTracks(t *testing.T) {
	args := buildMixArgs("/tmp/raw.webm", nil, nil, "/tmp/final.mp3", "192k", 44100)

	joined := strings.Join(args, " ")
	if strings.Contains(joined, "-filter_complex") {
		t.Fatalf("zero-track mix should be a plain transcode, got %q", joined)
	}
	want := "-y -i /tmp/raw.webm -vn -acodec libmp3lame -ab 192k -ar 44100 /tmp/final.mp3"
	if joined != want {
		t.Fatalf("args = %q, want %q", joined, want)
	}
}

func TestBuildMixArgsSkipsUnresolvedTracks(t *testing.T) {
	markers := []model.TrackMarker{
		{OffsetMs: 1000, TrackKey: "a/missing.mp3"},
	}
	args := buildMixArgs("/tmp/raw.webm", markers, map[string]string{}, "/tmp/final.mp3", "192k", 44100)

	if strings.Contains(strings.Join(args, " "), "-filter_complex") {
		t.Fatal("marker without a downloaded file should fall back to plain transcode")
	}
}

func TestBuildMixArgsOverlayGraph(t *testing.T) {
	markers := []model.TrackMarker{
		{OffsetMs: 120000, TrackType: model.KindTrack1, TrackKey: "a/t1.mp3"},
		{OffsetMs: 330000, TrackType: model.KindVoiceMessage, TrackKey: "a/v.mp3"},
	}
	trackFiles := map[string]string{
		"a/t1.mp3": "/work/track_0_t1.mp3",
		"a/v.mp3":  "/work/track_1_v.mp3",
	}

	args := buildMixArgs("/work/raw.webm", markers, trackFiles, "/work/final.mp3", "192k", 44100)

	var filter string
	for i, a := range args {
		if a == "-filter_complex" && i+1 < len(args) {
			filter = args[i+1]
		}
	}
	if filter == "" {
		t.Fatalf("no -filter_complex in %v", args)
	}

	// One input per marker, inputs numbered after the raw capture.
	inputs := 0
	for i, a := range args {
		if a == "-i" && i+1 < len(args) {
			inputs++
			_ = args[i+1]
		}
	}
	if inputs != 3 {
		t.Fatalf("input count = %d, want 3 (raw + 2 tracks)", inputs)
	}

	for _, want := range []string{
		"[1:a]adelay=120000|120000[a1]",
		"[2:a]adelay=330000|330000[a2]",
		"[0:a][a1][a2]amix=inputs=3:duration=longest:normalize=0[out]",
	} {
		if !strings.Contains(filter, want) {
			t.Fatalf("filter %q missing %q", filter, want)
		}
	}

	joined := strings.Join(args, " ")
	for _, want := range []string{"-map [out]", "-vn", "-acodec libmp3lame", "-ab 192k", "-ar 44100"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != "/work/final.mp3" {
		t.Fatalf("last arg = %q, want output path", args[len(args)-1])
	}
}

func TestBuildMixArgsRepeatedTrack(t *testing.T) {
	// The same track played twice gets two delayed inputs at different
	// offsets even though it was only downloaded once.
	markers := []model.TrackMarker{
		{OffsetMs: 1000, TrackKey: "a/t1.mp3"},
		{OffsetMs: 200000, TrackKey: "a/t1.mp3"},
	}
	trackFiles := map[string]string{"a/t1.mp3": "/work/track_0_t1.mp3"}

	args := buildMixArgs("/work/raw.webm", markers, trackFiles, "/work/final.mp3", "192k", 44100)
	joined := strings.Join(args, " ")

	if got := strings.Count(joined, "/work/track_0_t1.mp3"); got != 2 {
		t.Fatalf("repeated track appears %d times as input, want 2", got)
	}
	if !strings.Contains(joined, "adelay=1000|1000[a1]") || !strings.Contains(joined, "adelay=200000|200000[a2]") {
		t.Fatalf("missing per-play delays in %q", joined)
	}
	if !strings.Contains(joined, "amix=inputs=3") {
		t.Fatalf("expected 3-way amix in %q", joined)
	}
}
