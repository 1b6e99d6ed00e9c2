package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/phaabe/live.moafunk.de/model"
	"github.com/phaabe/live.moafunk.de/storage"
)

// fakeStore is an in-memory ObjectStore that counts Get calls per key so
// tests can prove resumed runs skip already-downloaded files.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	getCalls map[string]int
	failGets map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		getCalls: make(map[string]int),
		failGets: make(map[string]bool),
	}
}

func (s *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls[key]++
	if s.failGets[key] {
		return nil, fmt.Errorf("injected failure for %s", key)
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) gets(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls[key]
}

func (s *fakeStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

type fakeVersions struct {
	mu       sync.Mutex
	versions map[string]*model.RecordingVersion
	statuses []string
}

func newFakeVersions(showID int64, version string) *fakeVersions {
	key := fmt.Sprintf("%d/%s", showID, version)
	return &fakeVersions{
		versions: map[string]*model.RecordingVersion{
			key: {ShowID: showID, Version: version, Status: model.VersionStatusRecording},
		},
	}
}

func (f *fakeVersions) GetVersion(showID int64, version string) (*model.RecordingVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[fmt.Sprintf("%d/%s", showID, version)], nil
}

func (f *fakeVersions) setStatus(showID int64, version, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.versions[fmt.Sprintf("%d/%s", showID, version)]
	if v == nil {
		return errors.New("no such version")
	}
	v.Status = status
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeVersions) MarkFinalizing(showID int64, version string) error {
	return f.setStatus(showID, version, model.VersionStatusFinalizing)
}

func (f *fakeVersions) MarkFinalized(showID int64, version, finalKey string) error {
	if err := f.setStatus(showID, version, model.VersionStatusFinalized); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[fmt.Sprintf("%d/%s", showID, version)].FinalKey = &finalKey
	return nil
}

func (f *fakeVersions) MarkFailed(showID int64, version, errorMessage string) error {
	if err := f.setStatus(showID, version, model.VersionStatusFailed); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[fmt.Sprintf("%d/%s", showID, version)].ErrorMessage = &errorMessage
	return nil
}

func (f *fakeVersions) status(showID int64, version string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[fmt.Sprintf("%d/%s", showID, version)].Status
}

type fakeProber struct{}

func (fakeProber) DurationMs(ctx context.Context, path string) (int64, error) {
	return 600000, nil
}

// fakeMixer writes a fixed output file, or fails until unblocked.
type fakeMixer struct {
	mu         sync.Mutex
	calls      int
	failNext   bool
	trackLens  []int
	blockUntil chan struct{}
}

func (m *fakeMixer) Mix(ctx context.Context, rawPath string, markers []model.TrackMarker, trackFiles map[string]string, outputPath string) error {
	m.mu.Lock()
	m.calls++
	m.trackLens = append(m.trackLens, len(trackFiles))
	fail := m.failNext
	m.failNext = false
	block := m.blockUntil
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return errors.New("injected mix failure")
	}
	return os.WriteFile(outputPath, []byte("mixed audio"), 0644)
}

func (m *fakeMixer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func seedRecording(t *testing.T, store *fakeStore, showID int64, version string, markers []model.TrackMarker) {
	t.Helper()
	data, err := json.Marshal(markers)
	if err != nil {
		t.Fatalf("marshal markers: %v", err)
	}
	ctx := context.Background()
	if err := store.Put(ctx, storage.MarkersKey(showID, version), data, "application/json"); err != nil {
		t.Fatalf("seed markers: %v", err)
	}
	if err := store.Put(ctx, storage.RawKey(showID, version), []byte("raw capture"), "audio/webm"); err != nil {
		t.Fatalf("seed raw: %v", err)
	}
	for _, m := range markers {
		if err := store.Put(ctx, m.TrackKey, []byte("track "+m.TrackKey), "audio/mpeg"); err != nil {
			t.Fatalf("seed track: %v", err)
		}
	}
}

func TestFinalizeZeroMarkers(t *testing.T) {
	const showID = 42
	version := "2026-01-10T20-00-00"

	store := newFakeStore()
	seedRecording(t, store, showID, version, nil)
	versions := newFakeVersions(showID, version)
	mixer := &fakeMixer{}
	o := NewOrchestrator(store, versions, fakeProber{}, mixer, t.TempDir())

	var events []Progress
	finalKey, err := o.Finalize(context.Background(), showID, version, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if want := storage.FinalKey(showID, version); finalKey != want {
		t.Fatalf("finalKey = %q, want %q", finalKey, want)
	}
	if !store.has(finalKey) {
		t.Fatal("final mix was not uploaded")
	}
	if store.has(storage.CheckpointKey(showID, version)) {
		t.Fatal("checkpoint should be deleted after success")
	}
	if got := versions.status(showID, version); got != model.VersionStatusFinalized {
		t.Fatalf("status = %q, want finalized", got)
	}
	if mixer.callCount() != 1 {
		t.Fatalf("mixer calls = %d, want 1", mixer.callCount())
	}
	if mixer.trackLens[0] != 0 {
		t.Fatalf("mixer received %d track files, want 0", mixer.trackLens[0])
	}

	// Percent never regresses within a phase.
	last := map[string]int{}
	for _, e := range events {
		if prev, ok := last[e.Phase]; ok && e.Percent < prev {
			t.Fatalf("percent regressed in phase %s: %d -> %d", e.Phase, prev, e.Percent)
		}
		last[e.Phase] = e.Percent
	}
}

func TestFinalizeUnknownVersion(t *testing.T) {
	store := newFakeStore()
	versions := newFakeVersions(1, "v")
	o := NewOrchestrator(store, versions, fakeProber{}, &fakeMixer{}, t.TempDir())

	if _, err := o.Finalize(context.Background(), 99, "missing", nil); err == nil {
		t.Fatal("expected error for unknown recording version")
	}
}

func TestFinalizeResumeAfterMergeFailure(t *testing.T) {
	const showID = 42
	version := "2026-01-10T20-00-00"
	markers := []model.TrackMarker{
		{OffsetMs: 120000, DurationMs: 180000, ArtistID: 7, TrackType: model.KindTrack1, TrackKey: "artists/7/track1.mp3"},
		{OffsetMs: 330000, DurationMs: 30000, ArtistID: 7, TrackType: model.KindVoiceMessage, TrackKey: "artists/7/voice.mp3"},
	}

	store := newFakeStore()
	seedRecording(t, store, showID, version, markers)
	versions := newFakeVersions(showID, version)
	mixer := &fakeMixer{failNext: true}
	o := NewOrchestrator(store, versions, fakeProber{}, mixer, t.TempDir())

	if _, err := o.Finalize(context.Background(), showID, version, nil); err == nil {
		t.Fatal("first attempt should fail at merge")
	}
	if got := versions.status(showID, version); got != model.VersionStatusFailed {
		t.Fatalf("status after failure = %q, want failed", got)
	}
	if !store.has(storage.CheckpointKey(showID, version)) {
		t.Fatal("checkpoint should survive a failed attempt")
	}

	rawGets := store.gets(storage.RawKey(showID, version))
	track1Gets := store.gets(markers[0].TrackKey)
	voiceGets := store.gets(markers[1].TrackKey)
	if rawGets != 1 || track1Gets != 1 || voiceGets != 1 {
		t.Fatalf("first attempt downloads = raw:%d t1:%d voice:%d, want 1 each", rawGets, track1Gets, voiceGets)
	}

	var firstEvent *Progress
	finalKey, err := o.Finalize(context.Background(), showID, version, func(p Progress) {
		if firstEvent == nil {
			cp := p
			firstEvent = &cp
		}
	})
	if err != nil {
		t.Fatalf("resumed attempt: %v", err)
	}
	if firstEvent == nil || firstEvent.Resumed == nil || !*firstEvent.Resumed {
		t.Fatalf("resumed attempt should announce resumption, got %+v", firstEvent)
	}

	// Nothing was re-downloaded.
	if got := store.gets(storage.RawKey(showID, version)); got != rawGets {
		t.Fatalf("raw downloaded again: %d gets", got)
	}
	if got := store.gets(markers[0].TrackKey); got != track1Gets {
		t.Fatalf("track1 downloaded again: %d gets", got)
	}
	if got := store.gets(markers[1].TrackKey); got != voiceGets {
		t.Fatalf("voice downloaded again: %d gets", got)
	}

	if !store.has(finalKey) {
		t.Fatal("final mix was not uploaded")
	}
	if store.has(storage.CheckpointKey(showID, version)) {
		t.Fatal("checkpoint should be deleted after success")
	}
	if got := versions.status(showID, version); got != model.VersionStatusFinalized {
		t.Fatalf("status = %q, want finalized", got)
	}
}

func TestFinalizeResumePartialDownload(t *testing.T) {
	const showID = 5
	version := "2026-02-01T19-30-00"
	markers := []model.TrackMarker{
		{OffsetMs: 1000, TrackType: model.KindTrack1, TrackKey: "artists/1/track1.mp3"},
		{OffsetMs: 2000, TrackType: model.KindTrack2, TrackKey: "artists/1/track2.mp3"},
	}

	store := newFakeStore()
	seedRecording(t, store, showID, version, markers)
	store.failGets[markers[1].TrackKey] = true
	versions := newFakeVersions(showID, version)
	o := NewOrchestrator(store, versions, fakeProber{}, &fakeMixer{}, t.TempDir())

	if _, err := o.Finalize(context.Background(), showID, version, nil); err == nil {
		t.Fatal("first attempt should fail on the second track download")
	}
	if got := store.gets(markers[0].TrackKey); got != 1 {
		t.Fatalf("first track gets = %d, want 1", got)
	}

	store.failGets[markers[1].TrackKey] = false
	if _, err := o.Finalize(context.Background(), showID, version, nil); err != nil {
		t.Fatalf("resumed attempt: %v", err)
	}

	// First track came from the checkpoint, second was fetched once more.
	if got := store.gets(markers[0].TrackKey); got != 1 {
		t.Fatalf("first track gets after resume = %d, want 1", got)
	}
	if got := store.gets(markers[1].TrackKey); got != 2 {
		t.Fatalf("second track gets after resume = %d, want 2", got)
	}
	if got := versions.status(showID, version); got != model.VersionStatusFinalized {
		t.Fatalf("status = %q, want finalized", got)
	}
}

func TestFinalizeDeduplicatesTrackDownloads(t *testing.T) {
	const showID = 8
	version := "2026-03-03T21-00-00"
	markers := []model.TrackMarker{
		{OffsetMs: 1000, TrackType: model.KindTrack1, TrackKey: "artists/2/track1.mp3"},
		{OffsetMs: 60000, TrackType: model.KindTrack1, TrackKey: "artists/2/track1.mp3"},
		{OffsetMs: 120000, TrackType: model.KindTrack2, TrackKey: "artists/2/track2.mp3"},
	}

	store := newFakeStore()
	seedRecording(t, store, showID, version, markers)
	versions := newFakeVersions(showID, version)
	mixer := &fakeMixer{}
	o := NewOrchestrator(store, versions, fakeProber{}, mixer, t.TempDir())

	if _, err := o.Finalize(context.Background(), showID, version, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got := store.gets(markers[0].TrackKey); got != 1 {
		t.Fatalf("repeated track downloaded %d times, want 1", got)
	}
	if mixer.trackLens[0] != 2 {
		t.Fatalf("mixer received %d track files, want 2 unique", mixer.trackLens[0])
	}
}

func TestFinalizeRejectsConcurrentAttempt(t *testing.T) {
	const showID = 3
	version := "2026-04-04T18-00-00"

	store := newFakeStore()
	seedRecording(t, store, showID, version, nil)
	versions := newFakeVersions(showID, version)
	release := make(chan struct{})
	mixer := &fakeMixer{blockUntil: release}
	o := NewOrchestrator(store, versions, fakeProber{}, mixer, t.TempDir())

	done := make(chan error, 1)
	go func() {
		_, err := o.Finalize(context.Background(), showID, version, nil)
		done <- err
	}()

	// Wait for the first attempt to reach the blocked mixer.
	for mixer.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if _, err := o.Finalize(context.Background(), showID, version, nil); !errors.Is(err, ErrFinalizeInProgress) {
		t.Fatalf("second attempt = %v, want ErrFinalizeInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first attempt: %v", err)
	}
}
