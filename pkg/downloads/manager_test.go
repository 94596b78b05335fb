package downloads

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexstash/plexstash/commons"
	"github.com/plexstash/plexstash/pkg/plexapi"
	"github.com/plexstash/plexstash/store"
)

type stubLibrary struct {
	meta     map[string]*plexapi.MediaInfo
	children map[string][]plexapi.MediaInfo
	stopped  chan string
}

func (s *stubLibrary) Metadata(_ context.Context, ratingKey string) (*plexapi.MediaInfo, error) {
	info, ok := s.meta[ratingKey]
	if !ok {
		return nil, errors.Errorf("no metadata for %s", ratingKey)
	}
	return info, nil
}

func (s *stubLibrary) Children(_ context.Context, ratingKey string) ([]plexapi.MediaInfo, error) {
	return s.children[ratingKey], nil
}

func (s *stubLibrary) TranscodeURL(metadataPath, session string) string {
	return "https://server.example/video/:/transcode/universal/start.m3u8?path=" + metadataPath + "&session=" + session
}

func (s *stubLibrary) StopTranscode(_ context.Context, session string) error {
	if s.stopped != nil {
		s.stopped <- session
	}
	return nil
}

func (s *stubLibrary) MediaURL(partKey string) string {
	return "https://server.example" + partKey
}

func (s *stubLibrary) ImageURL(thumbPath string, _, _ int) string {
	return "https://server.example" + thumbPath
}

func (s *stubLibrary) Fetch(context.Context, string) ([]byte, int, error) {
	return nil, 404, nil
}

type startCall struct {
	tag    string
	rawURL string
}

type fakeEngine struct {
	started chan startCall
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: make(chan startCall, 8)}
}

func (f *fakeEngine) Start(_ context.Context, tag, rawURL string, _ chan<- event) {
	f.started <- startCall{tag: tag, rawURL: rawURL}
}

func mediaParts(key string) []plexapi.MediaEntry {
	return []plexapi.MediaEntry{{Parts: []plexapi.PartEntry{{Key: key}}}}
}

func testLayout(t *testing.T) *store.Layout {
	t.Helper()
	home := t.TempDir()
	l := &store.Layout{Root: filepath.Join(home, "downloads"), Home: home}
	require.NoError(t, os.MkdirAll(l.Root, 0755))
	require.NoError(t, os.MkdirAll(l.AssetsRoot(), 0755))
	return l
}

func testManager(t *testing.T, lib *stubLibrary) (*Manager, *fakeEngine, *fakeEngine) {
	t.Helper()
	m, err := NewManager(Opts{
		Layout:  testLayout(t),
		Library: lib,
		Client:  http.DefaultClient,
	})
	require.NoError(t, err)
	simple := newFakeEngine()
	segmented := newFakeEngine()
	m.simple = simple
	m.segmented = segmented
	m.warm = func(context.Context, *http.Client, string) bool { return true }
	return m, simple, segmented
}

func waitStart(t *testing.T, eng *fakeEngine) startCall {
	t.Helper()
	select {
	case c := <-eng.started:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never started")
		return startCall{}
	}
}

func libraryWithTrack(ratingKey string) *stubLibrary {
	info := &plexapi.MediaInfo{
		RatingKey: ratingKey,
		Key:       "/library/metadata/" + ratingKey,
		Kind:      commons.KindTrack,
		Title:     "Test Track",
	}
	info.Media = mediaParts("/library/parts/1/file.mp3")
	return &stubLibrary{meta: map[string]*plexapi.MediaInfo{ratingKey: info}}
}

func libraryWithMovie(ratingKey string) *stubLibrary {
	info := &plexapi.MediaInfo{
		RatingKey: ratingKey,
		Key:       "/library/metadata/" + ratingKey,
		Kind:      commons.KindMovie,
		Title:     "Test Movie",
	}
	return &stubLibrary{
		meta:    map[string]*plexapi.MediaInfo{ratingKey: info},
		stopped: make(chan string, 8),
	}
}

func TestEnqueueSeasonTakesOnlyEpisodes(t *testing.T) {
	ep1 := &plexapi.MediaInfo{RatingKey: "e1", Key: "/library/metadata/e1", Kind: commons.KindEpisode, Title: "Ep 1"}
	ep2 := &plexapi.MediaInfo{RatingKey: "e2", Key: "/library/metadata/e2", Kind: commons.KindEpisode, Title: "Ep 2"}
	lib := &stubLibrary{
		meta: map[string]*plexapi.MediaInfo{"e1": ep1, "e2": ep2},
		children: map[string][]plexapi.MediaInfo{
			"s1": {*ep1, *ep2, {RatingKey: "x1", Kind: commons.KindTrack}},
		},
	}
	m, _, segmented := testManager(t, lib)

	require.NoError(t, m.EnqueueSeason(context.Background(), "s1"))
	first := waitStart(t, segmented)
	second := waitStart(t, segmented)
	assert.NotEqual(t, first.tag, second.tag)
	assert.Len(t, m.Items(), 2)
}

func TestEnqueueDedup(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))

	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	waitStart(t, simple)
	require.NoError(t, m.Enqueue(context.Background(), "r1"))

	items := m.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "r1", items[0].Metadata.RatingKey)
}

func TestEnqueueSkipsUnsupportedKinds(t *testing.T) {
	lib := &stubLibrary{meta: map[string]*plexapi.MediaInfo{
		"show1": {RatingKey: "show1", Kind: commons.KindShow, Title: "A Show"},
	}}
	m, _, _ := testManager(t, lib)

	require.NoError(t, m.Enqueue(context.Background(), "show1"))
	assert.Empty(t, m.Items())
}

func TestRetryClearsFailedRecord(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))

	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	call := waitStart(t, simple)
	m.handleEvent(failedEvent{Tag: call.tag, Err: errors.New("boom")})

	items := m.Items()
	require.Len(t, items, 1)
	require.Equal(t, StatusFailed, items[0].Status)
	oldDir := m.layout.ItemDir(items[0].ID)
	marker := filepath.Join(oldDir, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0644))

	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	waitStart(t, simple)

	items = m.Items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Status.IsActive())
	assert.NoFileExists(t, marker)
}

func TestRestartMarksActiveItemsInterrupted(t *testing.T) {
	layout := testLayout(t)
	items := []*Item{
		{ID: "a", Status: StatusDownloading, Metadata: Metadata{RatingKey: "r1", Title: "Half done"}},
		{ID: "b", Status: StatusCompleted, Metadata: Metadata{RatingKey: "r2", FileSize: 42}},
	}
	require.NoError(t, saveIndex(layout.IndexPath(), items))

	m, err := NewManager(Opts{Layout: layout, Library: &stubLibrary{}, Client: http.DefaultClient})
	require.NoError(t, err)

	loaded := m.Items()
	require.Len(t, loaded, 2)
	byID := map[string]Item{loaded[0].ID: loaded[0], loaded[1].ID: loaded[1]}
	assert.Equal(t, StatusFailed, byID["a"].Status)
	assert.Equal(t, InterruptedMessage, byID["a"].ErrorMessage)
	assert.Equal(t, StatusCompleted, byID["b"].Status)
}

func TestProgressThrottle(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))
	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	call := waitStart(t, simple)

	m.handleEvent(progressEvent{Tag: call.tag, Written: 100, Total: 10_000})
	items := m.Items()
	require.Len(t, items, 1)
	first := items[0].Progress
	assert.InDelta(t, 0.01, first, 1e-9)

	// Less than one percent further: dropped.
	m.handleEvent(progressEvent{Tag: call.tag, Written: 150, Total: 10_000})
	assert.Equal(t, first, m.Items()[0].Progress)

	// One percent further: accepted.
	m.handleEvent(progressEvent{Tag: call.tag, Written: 250, Total: 10_000})
	assert.InDelta(t, 0.025, m.Items()[0].Progress, 1e-9)

	// Terminal update always lands.
	m.handleEvent(progressEvent{Tag: call.tag, Written: 10_000, Total: 10_000})
	assert.Equal(t, 1.0, m.Items()[0].Progress)
	assert.Equal(t, StatusDownloading, m.Items()[0].Status)
}

func stagedFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func TestSimpleCompletion(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))
	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	call := waitStart(t, simple)

	m.handleEvent(simpleDoneEvent{Tag: call.tag, StagedPath: stagedFile(t, 20_000), StatusCode: 200})

	it := m.Items()[0]
	assert.Equal(t, StatusCompleted, it.Status)
	assert.Equal(t, int64(20_000), it.Metadata.FileSize)
	assert.Equal(t, "Test Track.mp3", it.Metadata.MediaFileName)

	path, ok := m.LocalMediaPath(it.ID)
	require.True(t, ok)
	assert.FileExists(t, path)
	assert.Equal(t, int64(20_000), m.StorageSummary().DownloadsBytes)
}

func TestUndersizedFileRejected(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))
	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	call := waitStart(t, simple)

	m.handleEvent(simpleDoneEvent{Tag: call.tag, StagedPath: stagedFile(t, 5_000), StatusCode: 200})

	it := m.Items()[0]
	assert.Equal(t, StatusFailed, it.Status)
	assert.Contains(t, it.ErrorMessage, "5000 bytes")
	assert.NoFileExists(t, filepath.Join(m.layout.ItemDir(it.ID), it.Metadata.MediaFileName))
	assert.Zero(t, m.StorageSummary().DownloadsBytes)
}

func TestNonSuccessStatusRejected(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))
	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	call := waitStart(t, simple)

	staged := stagedFile(t, 20_000)
	m.handleEvent(simpleDoneEvent{Tag: call.tag, StagedPath: staged, StatusCode: 404})

	it := m.Items()[0]
	assert.Equal(t, StatusFailed, it.Status)
	assert.Contains(t, it.ErrorMessage, "HTTP 404")
	assert.NoFileExists(t, staged)
}

func TestSegmentedCompletionRecordsRelativeLocation(t *testing.T) {
	lib := libraryWithMovie("m1")
	m, _, segmented := testManager(t, lib)
	require.NoError(t, m.Enqueue(context.Background(), "m1"))
	call := waitStart(t, segmented)
	assert.Contains(t, call.rawURL, "/video/:/transcode/universal/start.m3u8")

	bundle := filepath.Join(m.layout.AssetsRoot(), call.tag+".hls")
	require.NoError(t, os.MkdirAll(bundle, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "index.m3u8"), []byte("#EXTM3U\n"), 0644))

	m.handleEvent(assetDoneEvent{Tag: call.tag, Location: bundle, Size: 123_456})

	it := m.Items()[0]
	assert.Equal(t, StatusCompleted, it.Status)
	require.NotEmpty(t, it.Metadata.AssetLocation)
	assert.NotContains(t, it.Metadata.AssetLocation, m.layout.Home)

	path, ok := m.LocalMediaPath(it.ID)
	require.True(t, ok)
	assert.Equal(t, bundle, path)

	// Completion tears the remote transcode session down.
	select {
	case session := <-lib.stopped:
		assert.Contains(t, call.rawURL, session)
	case <-time.After(2 * time.Second):
		t.Fatal("transcode session never stopped")
	}
}

func TestDeleteCancelsAndSuppressesFailureEcho(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))
	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	call := waitStart(t, simple)

	id := m.Items()[0].ID
	itemDir := m.layout.ItemDir(id)
	require.NoError(t, m.Delete(id))

	assert.Empty(t, m.Items())
	assert.NoDirExists(t, itemDir)

	// The cancellation-triggered failure callback must be swallowed.
	m.handleEvent(failedEvent{Tag: call.tag, Err: context.Canceled})
	assert.Empty(t, m.Items())
	m.mu.Lock()
	assert.Empty(t, m.ignored)
	m.mu.Unlock()
}

func TestDeleteCompletedReducesDownloadsBytes(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))
	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	call := waitStart(t, simple)
	m.handleEvent(simpleDoneEvent{Tag: call.tag, StagedPath: stagedFile(t, 20_000), StatusCode: 200})
	require.Equal(t, int64(20_000), m.StorageSummary().DownloadsBytes)

	require.NoError(t, m.Delete(m.Items()[0].ID))
	assert.Zero(t, m.StorageSummary().DownloadsBytes)
}

func TestDismissHidesWithoutDeleting(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))
	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	call := waitStart(t, simple)
	m.handleEvent(simpleDoneEvent{Tag: call.tag, StagedPath: stagedFile(t, 20_000), StatusCode: 200})

	id := m.Items()[0].ID
	m.Dismiss(id)
	assert.Empty(t, m.VisibleItems())
	assert.Len(t, m.Items(), 1)

	// Active items cannot be dismissed.
	m2, simple2, _ := testManager(t, libraryWithTrack("r2"))
	require.NoError(t, m2.Enqueue(context.Background(), "r2"))
	waitStart(t, simple2)
	m2.Dismiss(m2.Items()[0].ID)
	assert.Len(t, m2.VisibleItems(), 1)
}

func TestStatusForAndPlaybackPosition(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))
	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	waitStart(t, simple)

	it, ok := m.StatusFor("r1")
	require.True(t, ok)
	assert.Equal(t, "r1", it.Metadata.RatingKey)

	m.SavePlaybackPosition("r1", 42.5)
	it, _ = m.StatusFor("r1")
	assert.Equal(t, 42.5, it.Metadata.ViewOffset)
	assert.NotNil(t, it.Metadata.LastViewedAt)

	_, ok = m.StatusFor("unknown")
	assert.False(t, ok)
}

func TestLocalMediaPathRequiresCompletion(t *testing.T) {
	m, simple, _ := testManager(t, libraryWithTrack("r1"))
	require.NoError(t, m.Enqueue(context.Background(), "r1"))
	waitStart(t, simple)

	_, ok := m.LocalMediaPath(m.Items()[0].ID)
	assert.False(t, ok)
}
