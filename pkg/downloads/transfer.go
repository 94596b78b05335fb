package downloads

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	. "github.com/plexstash/plexstash/pkg/log"
	"github.com/plexstash/plexstash/store"
)

// Transfer engines report back through these events. The manager's loop is
// the only consumer, which keeps all state mutation on one owner.
type event interface {
	tag() string
}

type progressEvent struct {
	Tag     string
	Written int64
	Total   int64
}

// simpleDoneEvent carries the staged file of a finished whole-file fetch.
// Validation and the move into the item folder happen on the manager side.
type simpleDoneEvent struct {
	Tag        string
	StagedPath string
	StatusCode int
}

// assetDoneEvent carries the system-owned location of a finished segmented
// bundle. The bundle must not be moved.
type assetDoneEvent struct {
	Tag      string
	Location string
	Size     int64
}

type failedEvent struct {
	Tag string
	Err error
}

func (e progressEvent) tag() string   { return e.Tag }
func (e simpleDoneEvent) tag() string { return e.Tag }
func (e assetDoneEvent) tag() string  { return e.Tag }
func (e failedEvent) tag() string     { return e.Tag }

// engine starts a background transfer identified by tag. Implementations
// spawn their own goroutine and push events until a terminal one.
type engine interface {
	Start(ctx context.Context, tag, rawURL string, events chan<- event)
}

// simpleEngine performs one direct GET into a staging file.
type simpleEngine struct {
	client *http.Client
}

func (e *simpleEngine) Start(ctx context.Context, tag, rawURL string, events chan<- event) {
	go func() {
		staged, status, err := e.fetch(ctx, tag, rawURL, events)
		if err != nil {
			events <- failedEvent{Tag: tag, Err: err}
			return
		}
		events <- simpleDoneEvent{Tag: tag, StagedPath: staged, StatusCode: status}
	}()
}

func (e *simpleEngine) fetch(ctx context.Context, tag, rawURL string, events chan<- event) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, errors.Wrap(err, "build request")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "fetch media")
	}
	defer resp.Body.Close()

	stagingDir := filepath.Join(os.TempDir(), "plexstash-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", 0, errors.Wrap(err, "create staging dir")
	}
	staged := filepath.Join(stagingDir, uuid.NewString())
	out, err := os.Create(staged)
	if err != nil {
		return "", 0, errors.Wrap(err, "create staging file")
	}
	defer out.Close()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 128*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				os.Remove(staged)
				return "", 0, errors.Wrap(werr, "write staging file")
			}
			written += int64(n)
			events <- progressEvent{Tag: tag, Written: written, Total: total}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			os.Remove(staged)
			return "", 0, errors.Wrap(rerr, "read media body")
		}
	}
	return staged, resp.StatusCode, nil
}

// segmentedEngine downloads an HLS transcode session into a self-contained
// bundle: the first variant's segments plus a localized playlist, written
// under the assets root.
type segmentedEngine struct {
	client *http.Client
	layout *store.Layout
}

func (e *segmentedEngine) Start(ctx context.Context, tag, rawURL string, events chan<- event) {
	go func() {
		location, size, err := e.download(ctx, tag, rawURL, events)
		if err != nil {
			events <- failedEvent{Tag: tag, Err: err}
			return
		}
		events <- assetDoneEvent{Tag: tag, Location: location, Size: size}
	}()
}

func (e *segmentedEngine) download(ctx context.Context, tag, rawURL string, events chan<- event) (string, int64, error) {
	masterBody, err := e.get(ctx, rawURL)
	if err != nil {
		return "", 0, errors.Wrap(err, "master playlist")
	}
	variantRef := firstPlaylistLine(masterBody, "")
	if variantRef == "" {
		return "", 0, errors.New("no variant in master playlist")
	}
	variantURL, err := resolveRef(rawURL, variantRef)
	if err != nil {
		return "", 0, err
	}
	variantBody, err := e.get(ctx, variantURL)
	if err != nil {
		return "", 0, errors.Wrap(err, "variant playlist")
	}

	bundle := filepath.Join(e.layout.AssetsRoot(), tag+".hls")
	if err := os.MkdirAll(bundle, 0755); err != nil {
		return "", 0, errors.Wrap(err, "create bundle dir")
	}

	segments, localized := localizePlaylist(variantBody)
	if len(segments) == 0 {
		return "", 0, errors.New("no segments in variant playlist")
	}
	if err := os.WriteFile(filepath.Join(bundle, "index.m3u8"), []byte(localized), 0644); err != nil {
		return "", 0, errors.Wrap(err, "write bundle playlist")
	}

	var written int64
	for i, seg := range segments {
		segURL, err := resolveRef(variantURL, seg.remote)
		if err != nil {
			return "", 0, err
		}
		n, err := e.getToFile(ctx, segURL, filepath.Join(bundle, seg.local))
		if err != nil {
			return "", 0, errors.Wrapf(err, "segment %d", i)
		}
		written += n
		// Total bytes are unknown ahead of time; scale the running byte
		// count by segment completion instead.
		estimated := written * int64(len(segments)) / int64(i+1)
		events <- progressEvent{Tag: tag, Written: written, Total: estimated}
	}
	return bundle, store.DirSize(bundle), nil
}

func (e *segmentedEngine) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", errors.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (e *segmentedEngine) getToFile(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return 0, errors.Errorf("HTTP %d", resp.StatusCode)
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, resp.Body)
}

type segmentRef struct {
	remote string
	local  string
}

// localizePlaylist rewrites a variant playlist so every media reference
// points at a file inside the bundle, and returns the references to fetch.
func localizePlaylist(body string) ([]segmentRef, string) {
	var segments []segmentRef
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	segIdx := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "#EXT-X-MAP:") && strings.Contains(trimmed, `URI="`):
			start := strings.Index(trimmed, `URI="`) + len(`URI="`)
			end := strings.Index(trimmed[start:], `"`)
			if end < 0 {
				out = append(out, line)
				continue
			}
			remote := trimmed[start : start+end]
			local := "init" + remoteExt(remote, ".mp4")
			segments = append(segments, segmentRef{remote: remote, local: local})
			out = append(out, strings.Replace(trimmed, remote, local, 1))
		case trimmed != "" && !strings.HasPrefix(trimmed, "#"):
			local := segmentName(segIdx, remoteExt(trimmed, ".ts"))
			segIdx++
			segments = append(segments, segmentRef{remote: trimmed, local: local})
			out = append(out, local)
		default:
			out = append(out, line)
		}
	}
	return segments, strings.Join(out, "\n")
}

func segmentName(i int, ext string) string {
	return fmt.Sprintf("seg%05d%s", i, ext)
}

func remoteExt(ref string, fallback string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return fallback
	}
	if ext := filepath.Ext(u.Path); ext != "" {
		return ext
	}
	return fallback
}

func firstPlaylistLine(body, suffix string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if suffix != "" && !strings.HasSuffix(line, suffix) {
			continue
		}
		return line
	}
	return ""
}

func resolveRef(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", errors.Wrap(err, "parse reference")
	}
	return base.ResolveReference(r).String(), nil
}

// moveFile renames where possible and falls back to copy+remove when the
// staging area sits on a different filesystem.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open staged file")
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return errors.Wrap(err, "copy staged file")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "flush destination")
	}
	if err := os.Remove(src); err != nil {
		Logger.Debug("removing staged file failed", "err", err)
	}
	return nil
}
