package plexapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/go-faster/errors"
)

// TranscodeURL builds the HLS transcode session URL for a library item.
// The /video/:/transcode path segment contains a literal colon the server
// routes on, so the path is attached verbatim rather than escaped.
func (c *Client) TranscodeURL(metadataPath, session string) string {
	q := url.Values{}
	q.Set("path", metadataPath)
	q.Set("session", session)
	q.Set("protocol", "hls")
	q.Set("directPlay", "0")
	q.Set("directStream", "1")
	q.Set("videoCodec", "h264")
	q.Set("audioCodec", "aac")
	q.Set("maxVideoBitrate", "2000")
	q.Set("videoResolution", "480x360")
	q.Set("mediaIndex", "0")
	q.Set("partIndex", "0")
	q.Set("offset", "0")
	q.Set("fastSeek", "1")
	q.Set("copyts", "1")
	q.Set("X-Plex-Token", c.opts.Token)
	q.Set("X-Plex-Client-Identifier", c.opts.ClientIdentifier)
	return c.base.String() + "/video/:/transcode/universal/start.m3u8?" + q.Encode()
}

// StopTranscode tears down a transcode session on the server.
func (c *Client) StopTranscode(ctx context.Context, session string) error {
	u := c.base.String() + "/video/:/transcode/universal/stop?session=" + url.QueryEscape(session)
	_, status, err := c.Fetch(ctx, u)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return errors.Errorf("stop transcode: HTTP %d", status)
	}
	return nil
}

// MediaURL turns a part key into a direct whole-file download URL.
func (c *Client) MediaURL(partKey string) string {
	return fmt.Sprintf("%s%s?download=1&X-Plex-Token=%s", c.base.String(), partKey, url.QueryEscape(c.opts.Token))
}

// ImageURL builds a poster transcode URL for the given thumb path.
func (c *Client) ImageURL(thumbPath string, width, height int) string {
	q := url.Values{}
	q.Set("url", thumbPath)
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))
	q.Set("minSize", "1")
	q.Set("X-Plex-Token", c.opts.Token)
	return c.base.String() + "/photo/:/transcode?" + q.Encode()
}
