// Package downloads coordinates the lifecycle of media download requests:
// queuing, whole-file and segmented transfers, crash-safe persistence, and
// storage accounting.
package downloads

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flytam/filenamify"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"github.com/plexstash/plexstash/commons"
	. "github.com/plexstash/plexstash/pkg/log"
	"github.com/plexstash/plexstash/pkg/plexapi"
	"github.com/plexstash/plexstash/pkg/warmup"
	"github.com/plexstash/plexstash/store"
)

// minMediaFileBytes rejects completed downloads whose body is an error page
// rather than media.
const minMediaFileBytes = 10_000

// progressStep is the minimum fraction change persisted between progress
// callbacks. Persisting every byte-count update would thrash storage I/O.
const progressStep = 0.01

// Summary is the storage view exposed to callers.
type Summary struct {
	TotalBytes     int64
	UsedBytes      int64
	AvailableBytes int64
	DownloadsBytes int64
}

type warmupFunc func(ctx context.Context, client *http.Client, hlsURL string) bool

// Manager owns the download item index. All mutating operations are
// serialized through one mutex; engine callbacks arrive as events pumped by
// Run onto the same lock.
type Manager struct {
	layout  *store.Layout
	library plexapi.Library
	client  *http.Client

	simple    engine
	segmented engine
	warm      warmupFunc
	events    chan event

	mu           sync.Mutex
	items        []*Item
	dismissed    map[string]struct{}
	ignored      map[string]struct{}
	sessions     map[string]string
	lastProgress map[string]float64
	loading      bool
	summary      Summary
}

type Opts struct {
	Layout  *store.Layout
	Library plexapi.Library
	// Client issues warm-up and transfer requests. Defaults to the
	// trust-overriding client.
	Client *http.Client
}

func NewManager(opts Opts) (*Manager, error) {
	if opts.Layout == nil {
		return nil, errors.New("downloads: layout required")
	}
	if opts.Library == nil {
		return nil, errors.New("downloads: library required")
	}
	client := opts.Client
	if client == nil {
		client = plexapi.NewTrustedHTTPClient()
	}
	m := &Manager{
		layout:       opts.Layout,
		library:      opts.Library,
		client:       client,
		simple:       &simpleEngine{client: client},
		segmented:    &segmentedEngine{client: client, layout: opts.Layout},
		warm:         warmup.Probe,
		events:       make(chan event, 64),
		dismissed:    make(map[string]struct{}),
		ignored:      make(map[string]struct{}),
		sessions:     make(map[string]string),
		lastProgress: make(map[string]float64),
	}
	m.loading = true
	m.items = loadIndex(m.layout.IndexPath())
	m.loading = false
	// Interrupted items were rewritten during load; write them back once.
	m.persist()
	m.refreshSummary()
	return m, nil
}

// Run pumps engine events into the manager until ctx is done. Without a
// running pump no transfer callbacks are applied.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(ev)
		}
	}
}

// Enqueue requests a download of one library item. Movies and episodes go
// through the segmented HLS path, tracks through a direct fetch; anything
// else is skipped silently. The item is persisted as queued before the
// transfer spins up.
func (m *Manager) Enqueue(ctx context.Context, ratingKey string) error {
	if m.alreadyScheduled(ratingKey) {
		Logger.Debug("already scheduled, skipping", "ratingKey", ratingKey)
		return nil
	}
	m.removeFailed(ratingKey)

	info, err := m.library.Metadata(ctx, ratingKey)
	if err != nil {
		return errors.Wrap(err, "resolve metadata")
	}
	switch {
	case info.Kind.IsSegmented():
		return m.enqueueSegmented(ctx, info)
	case info.Kind.IsSimple():
		return m.enqueueSimple(ctx, info)
	default:
		Logger.Debug("unsupported kind for direct download, skipping",
			"ratingKey", ratingKey, "kind", info.Kind)
		return nil
	}
}

// EnqueueAlbum downloads every track of an album. Best effort per child.
func (m *Manager) EnqueueAlbum(ctx context.Context, ratingKey string) error {
	children, err := m.library.Children(ctx, ratingKey)
	if err != nil {
		return errors.Wrap(err, "resolve album children")
	}
	for _, child := range children {
		if child.Kind != commons.KindTrack {
			continue
		}
		if err := m.Enqueue(ctx, child.RatingKey); err != nil {
			Logger.Warn("enqueueing track failed", "ratingKey", child.RatingKey, "err", err)
		}
	}
	return nil
}

// EnqueueSeason downloads every episode of a season. Best effort per child.
func (m *Manager) EnqueueSeason(ctx context.Context, ratingKey string) error {
	children, err := m.library.Children(ctx, ratingKey)
	if err != nil {
		return errors.Wrap(err, "resolve season children")
	}
	for _, child := range children {
		if child.Kind != commons.KindEpisode {
			continue
		}
		if err := m.Enqueue(ctx, child.RatingKey); err != nil {
			Logger.Warn("enqueueing episode failed", "ratingKey", child.RatingKey, "err", err)
		}
	}
	return nil
}

func (m *Manager) enqueueSegmented(ctx context.Context, info *plexapi.MediaInfo) error {
	item, err := m.createItem(ctx, info, "")
	if err != nil {
		return err
	}
	session := uuid.NewString()
	hlsURL := m.library.TranscodeURL(info.Key, session)
	m.mu.Lock()
	m.sessions[item.ID] = session
	m.mu.Unlock()

	go func() {
		tctx, cancel := context.WithCancel(context.Background())
		// Prime the transcoder first; best effort, proceed regardless.
		m.warm(tctx, m.client, hlsURL)
		m.startTransfer(tctx, cancel, item.ID, m.segmented, hlsURL)
	}()
	return nil
}

func (m *Manager) enqueueSimple(ctx context.Context, info *plexapi.MediaInfo) error {
	partKey := info.PartKey()
	if partKey == "" {
		return errors.Errorf("no media part for rating key %s", info.RatingKey)
	}
	mediaURL := m.library.MediaURL(partKey)
	fileName := mediaFileName(info.Title, commons.ExtFromLink(mediaURL))

	item, err := m.createItem(ctx, info, fileName)
	if err != nil {
		return err
	}
	go func() {
		tctx, cancel := context.WithCancel(context.Background())
		m.startTransfer(tctx, cancel, item.ID, m.simple, mediaURL)
	}()
	return nil
}

// createItem builds the item folder, fetches the poster best-effort, and
// persists the queued record.
func (m *Manager) createItem(ctx context.Context, info *plexapi.MediaInfo, fileName string) (*Item, error) {
	id := uuid.NewString()
	if _, err := m.layout.EnsureItemDir(id); err != nil {
		return nil, err
	}
	poster := m.fetchPoster(ctx, info, id)

	item := &Item{
		ID:     id,
		Status: StatusQueued,
		Metadata: Metadata{
			RatingKey:            info.RatingKey,
			GUID:                 info.GUID,
			Kind:                 info.Kind,
			Title:                info.Title,
			Summary:              info.Summary,
			Year:                 info.Year,
			Duration:             info.Duration,
			ContentRating:        info.ContentRating,
			Studio:               info.Studio,
			Tagline:              info.Tagline,
			ParentRatingKey:      info.ParentRatingKey,
			GrandparentRatingKey: info.GrandparentRatingKey,
			ParentTitle:          info.ParentTitle,
			GrandparentTitle:     info.GrandparentTitle,
			ParentIndex:          info.ParentIndex,
			Index:                info.Index,
			PosterFileName:       poster,
			MediaFileName:        fileName,
			CreatedAt:            time.Now(),
		},
	}
	m.mu.Lock()
	m.items = append(m.items, item)
	m.persist()
	m.mu.Unlock()
	Logger.Info("queued download", "id", id, "title", info.Title, "kind", info.Kind)
	return item, nil
}

// fetchPoster stores a poster image inside the item folder. Failure never
// fails the enqueue.
func (m *Manager) fetchPoster(ctx context.Context, info *plexapi.MediaInfo, id string) string {
	if info.ThumbPath == "" {
		return ""
	}
	height := 240
	if info.Kind == commons.KindTrack {
		height = 160
	}
	posterURL := m.library.ImageURL(info.ThumbPath, 160, height)
	data, status, err := m.library.Fetch(ctx, posterURL)
	if err != nil || status != 200 || len(data) == 0 {
		Logger.Debug("poster fetch failed", "ratingKey", info.RatingKey, "status", status, "err", err)
		return ""
	}
	name := "poster" + mimetype.Detect(data).Extension()
	if err := os.WriteFile(filepath.Join(m.layout.ItemDir(id), name), data, 0644); err != nil {
		Logger.Debug("poster write failed", "id", id, "err", err)
		return ""
	}
	return name
}

func (m *Manager) startTransfer(ctx context.Context, cancel context.CancelFunc, id string, eng engine, rawURL string) {
	m.mu.Lock()
	idx := m.indexOf(id)
	if idx < 0 {
		// Deleted while warming up.
		m.mu.Unlock()
		cancel()
		return
	}
	m.items[idx].Status = StatusDownloading
	m.items[idx].handle = &transferHandle{tag: id, cancel: cancel}
	m.persist()
	m.mu.Unlock()

	eng.Start(ctx, id, rawURL, m.events)
}

// Delete cancels any live transfer and removes the item, its folder, and
// its segmented asset. The cancellation's failure callback is expected and
// suppressed.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	idx := m.indexOf(id)
	if idx < 0 {
		m.mu.Unlock()
		return errors.Errorf("no download with id %s", id)
	}
	item := m.items[idx]
	if item.handle != nil {
		m.ignored[id] = struct{}{}
		item.handle.Cancel()
	}
	if item.Metadata.AssetLocation != "" {
		if err := os.RemoveAll(m.layout.HomeAbsolute(item.Metadata.AssetLocation)); err != nil {
			Logger.Warn("removing asset bundle failed", "id", id, "err", err)
		}
	}
	m.stopSessionLocked(id)
	m.layout.RemoveItem(id)
	m.items = append(m.items[:idx], m.items[idx+1:]...)
	delete(m.lastProgress, id)
	delete(m.dismissed, id)
	m.persist()
	m.refreshSummaryLocked()
	m.mu.Unlock()
	Logger.Info("deleted download", "id", id)
	return nil
}

// Dismiss hides a terminal item from the visible list without deleting it.
func (m *Manager) Dismiss(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(id)
	if idx < 0 || m.items[idx].Status.IsActive() {
		return
	}
	m.dismissed[id] = struct{}{}
}

// ClearList dismisses every terminal item.
func (m *Manager) ClearList() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if !it.Status.IsActive() {
			m.dismissed[it.ID] = struct{}{}
		}
	}
}

// Items returns a snapshot of every item.
func (m *Manager) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(func(*Item) bool { return true })
}

// VisibleItems returns a snapshot of items not dismissed.
func (m *Manager) VisibleItems() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(func(it *Item) bool {
		_, hidden := m.dismissed[it.ID]
		return !hidden
	})
}

// StatusFor looks an item up by its remote identifier.
func (m *Manager) StatusFor(ratingKey string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.Metadata.RatingKey == ratingKey {
			var cp Item
			_ = copier.Copy(&cp, it)
			return cp, true
		}
	}
	return Item{}, false
}

// SavePlaybackPosition records the playback offset for a downloaded item.
func (m *Manager) SavePlaybackPosition(ratingKey string, offset float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.Metadata.RatingKey == ratingKey {
			now := time.Now()
			it.Metadata.ViewOffset = offset
			it.Metadata.LastViewedAt = &now
			m.persist()
			return
		}
	}
}

// LocalMediaPath resolves the playable local address of a completed item:
// the segmented bundle re-rooted against the current home directory when
// present, the plain media file inside the item folder otherwise.
func (m *Manager) LocalMediaPath(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(id)
	if idx < 0 || m.items[idx].Status != StatusCompleted {
		return "", false
	}
	it := m.items[idx]
	if it.Metadata.AssetLocation != "" {
		path := m.layout.HomeAbsolute(it.Metadata.AssetLocation)
		if _, err := os.Stat(path); err != nil {
			return "", false
		}
		return path, true
	}
	if it.Metadata.MediaFileName == "" {
		return "", false
	}
	path := filepath.Join(m.layout.ItemDir(id), it.Metadata.MediaFileName)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// LocalPosterPath resolves the stored poster, when one was fetched.
func (m *Manager) LocalPosterPath(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(id)
	if idx < 0 || m.items[idx].Metadata.PosterFileName == "" {
		return "", false
	}
	path := filepath.Join(m.layout.ItemDir(id), m.items[idx].Metadata.PosterFileName)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// LocalMediaInfo rebuilds library metadata from a persisted item so offline
// views can render without the server.
func (m *Manager) LocalMediaInfo(it Item) plexapi.MediaInfo {
	md := it.Metadata
	return plexapi.MediaInfo{
		RatingKey:            md.RatingKey,
		GUID:                 md.GUID,
		Kind:                 md.Kind,
		Title:                md.Title,
		Summary:              md.Summary,
		Year:                 md.Year,
		Duration:             md.Duration,
		ContentRating:        md.ContentRating,
		Studio:               md.Studio,
		Tagline:              md.Tagline,
		ParentRatingKey:      md.ParentRatingKey,
		GrandparentRatingKey: md.GrandparentRatingKey,
		ParentTitle:          md.ParentTitle,
		GrandparentTitle:     md.GrandparentTitle,
		ParentIndex:          md.ParentIndex,
		Index:                md.Index,
	}
}

// StorageSummary returns the last computed storage figures.
func (m *Manager) StorageSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// --- internals ---

func (m *Manager) alreadyScheduled(ratingKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.Metadata.RatingKey == ratingKey && it.Status != StatusFailed {
			return true
		}
	}
	return false
}

// removeFailed drops failed records for a rating key so a retry starts
// fresh.
func (m *Manager) removeFailed(ratingKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	removed := false
	for _, it := range m.items {
		if it.Metadata.RatingKey == ratingKey && it.Status == StatusFailed {
			m.layout.RemoveItem(it.ID)
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	m.items = kept
	if removed {
		m.persist()
	}
}

func (m *Manager) indexOf(id string) int {
	for i, it := range m.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) snapshot(keep func(*Item) bool) []Item {
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		if !keep(it) {
			continue
		}
		var cp Item
		_ = copier.Copy(&cp, it)
		out = append(out, cp)
	}
	return out
}

func (m *Manager) persist() {
	if m.loading {
		return
	}
	if err := saveIndex(m.layout.IndexPath(), m.items); err != nil {
		Logger.Error("persisting download index failed", "err", err)
	}
}

func (m *Manager) refreshSummary() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshSummaryLocked()
}

func (m *Manager) refreshSummaryLocked() {
	var downloads int64
	for _, it := range m.items {
		if it.Status == StatusCompleted {
			downloads += it.Metadata.FileSize
		}
	}
	usage, err := m.layout.Usage()
	if err != nil {
		Logger.Warn("volume usage unavailable", "err", err)
	}
	m.summary = Summary{
		TotalBytes:     usage.Total,
		UsedBytes:      usage.Used,
		AvailableBytes: usage.Available,
		DownloadsBytes: downloads,
	}
}

func (m *Manager) handleEvent(ev event) {
	switch e := ev.(type) {
	case progressEvent:
		m.handleProgress(e)
	case simpleDoneEvent:
		m.handleSimpleDone(e)
	case assetDoneEvent:
		m.handleAssetDone(e)
	case failedEvent:
		m.handleFailed(e)
	}
}

func (m *Manager) handleProgress(ev progressEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Total <= 0 {
		return
	}
	fraction := float64(ev.Written) / float64(ev.Total)
	previous, seen := m.lastProgress[ev.Tag]
	if !seen {
		previous = -1
	}
	if fraction-previous < progressStep && fraction != 1 {
		return
	}
	idx := m.indexOf(ev.Tag)
	if idx < 0 {
		return
	}
	m.lastProgress[ev.Tag] = fraction
	it := m.items[idx]
	it.Status = StatusDownloading
	it.Progress = fraction
	it.BytesWritten = ev.Written
	it.TotalBytes = ev.Total
	m.persist()
}

func (m *Manager) handleSimpleDone(ev simpleDoneEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(ev.Tag)
	if idx < 0 {
		os.Remove(ev.StagedPath)
		return
	}
	it := m.items[idx]

	if ev.StatusCode < 200 || ev.StatusCode >= 400 {
		os.Remove(ev.StagedPath)
		m.failLocked(it, fmt.Sprintf("Server error (HTTP %d)", ev.StatusCode))
		return
	}

	if it.Metadata.MediaFileName == "" {
		it.Metadata.MediaFileName = "media"
	}
	dest := filepath.Join(m.layout.ItemDir(it.ID), it.Metadata.MediaFileName)
	if err := moveFile(ev.StagedPath, dest); err != nil {
		m.failLocked(it, err.Error())
		return
	}
	info, err := os.Stat(dest)
	if err != nil {
		m.failLocked(it, err.Error())
		return
	}
	size := info.Size()
	if size < minMediaFileBytes {
		os.Remove(dest)
		m.failLocked(it, fmt.Sprintf("received %d bytes, not a valid media file", size))
		return
	}

	it.Status = StatusCompleted
	it.Progress = 1
	it.BytesWritten = size
	it.TotalBytes = size
	it.ErrorMessage = ""
	it.handle = nil
	it.Metadata.FileSize = size
	m.persist()
	m.refreshSummaryLocked()
	Logger.Info("download completed", "id", it.ID, "title", it.Metadata.Title, "size", size)
}

func (m *Manager) handleAssetDone(ev assetDoneEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopSessionLocked(ev.Tag)
	idx := m.indexOf(ev.Tag)
	if idx < 0 {
		return
	}
	it := m.items[idx]

	// The bundle stays where the engine put it; only a home-relative
	// reference is recorded.
	it.Status = StatusCompleted
	it.Progress = 1
	it.BytesWritten = ev.Size
	it.TotalBytes = ev.Size
	it.ErrorMessage = ""
	it.handle = nil
	it.Metadata.AssetLocation = m.layout.HomeRelative(ev.Location)
	it.Metadata.FileSize = ev.Size
	m.persist()
	m.refreshSummaryLocked()
	Logger.Info("segmented download completed", "id", it.ID, "title", it.Metadata.Title, "size", ev.Size)
}

func (m *Manager) handleFailed(ev failedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopSessionLocked(ev.Tag)
	if _, expected := m.ignored[ev.Tag]; expected {
		// A user-initiated delete already canceled this transfer.
		delete(m.ignored, ev.Tag)
		return
	}
	idx := m.indexOf(ev.Tag)
	if idx < 0 {
		return
	}
	m.failLocked(m.items[idx], ev.Err.Error())
}

// stopSessionLocked tears down the remote transcode session tied to an
// item, when one exists. Best effort, off the lock.
func (m *Manager) stopSessionLocked(id string) {
	session, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.library.StopTranscode(ctx, session); err != nil {
			Logger.Debug("stopping transcode session failed", "session", session, "err", err)
		}
	}()
}

func (m *Manager) failLocked(it *Item, msg string) {
	it.Status = StatusFailed
	it.ErrorMessage = msg
	it.handle = nil
	m.persist()
	Logger.Warn("download failed", "id", it.ID, "title", it.Metadata.Title, "reason", msg)
}

func mediaFileName(title, ext string) string {
	name, err := filenamify.Filenamify(title, filenamify.Options{Replacement: "_"})
	if err != nil || name == "" {
		name = "media"
	}
	if ext != "" {
		name += "." + ext
	}
	return name
}
