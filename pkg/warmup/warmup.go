// Package warmup primes a remote transcode session before a segmented
// download begins. HLS download engines issue their own first request for
// the manifest chain with no sequencing guarantees; fetching the master and
// variant playlists here starts the transcoder, and polling the first
// segment gives it time to produce output before the engine races it.
package warmup

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"

	. "github.com/plexstash/plexstash/pkg/log"
)

const pollAttempts = 20

// pollInterval is shortened by tests.
var pollInterval = 1500 * time.Millisecond

// Probe runs the warm-up sequence against an HLS session URL. The result is
// best effort: callers proceed with the download either way.
func Probe(ctx context.Context, client *http.Client, hlsURL string) bool {
	// Master playlist; this request alone allocates the transcode session.
	masterBody, status, err := get(ctx, client, hlsURL)
	if err != nil || status != 200 {
		Logger.Warn("warmup: master playlist failed", "status", status, "err", err)
		return false
	}

	variantURL, err := firstReference(masterBody, hlsURL, "")
	if err != nil {
		Logger.Warn("warmup: no variant in master playlist", "err", err)
		return false
	}

	// Variant playlist; this is what actually starts segment generation.
	variantBody, status, err := get(ctx, client, variantURL)
	if err != nil || status != 200 {
		Logger.Warn("warmup: variant playlist failed", "status", status, "err", err)
		return false
	}

	segURL, err := firstReference(variantBody, variantURL, ".ts")
	if err != nil {
		Logger.Warn("warmup: no segment in variant playlist", "err", err)
		return false
	}

	// Poll until the transcoder has produced the first segment. On
	// exhaustion proceed optimistically; the download itself will succeed
	// or fail on its own.
	attempt := 0
	poll := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(pollInterval), pollAttempts-1),
		ctx,
	)
	err = backoff.Retry(func() error {
		attempt++
		status, err := head(ctx, client, segURL)
		if err != nil {
			return err
		}
		if status != 200 {
			return errors.Errorf("segment not ready: HTTP %d", status)
		}
		return nil
	}, poll)
	if err != nil {
		Logger.Warn("warmup: segment never became ready, proceeding anyway", "attempts", attempt)
		return true
	}
	Logger.Debug("warmup: first segment ready", "attempts", attempt)
	return true
}

func get(ctx context.Context, client *http.Client, rawURL string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

func head(ctx context.Context, client *http.Client, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// firstReference finds the first non-comment, non-empty playlist line
// (optionally requiring a suffix) and resolves it against the playlist URL.
func firstReference(body, baseURL, suffix string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse playlist url")
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if suffix != "" && !strings.HasSuffix(line, suffix) {
			continue
		}
		ref, err := url.Parse(line)
		if err != nil {
			return "", errors.Wrap(err, "parse reference")
		}
		return base.ResolveReference(ref).String(), nil
	}
	return "", errors.New("no reference line found")
}
