package plexapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/plexstash/plexstash/commons"
)

// MediaInfo is the subset of library metadata the download pipeline needs.
type MediaInfo struct {
	RatingKey            string            `json:"ratingKey"`
	Key                  string            `json:"key"`
	GUID                 string            `json:"guid"`
	Kind                 commons.MediaKind `json:"type"`
	Title                string            `json:"title"`
	Summary              string            `json:"summary"`
	Year                 int               `json:"year"`
	Duration             int64             `json:"duration"`
	ContentRating        string            `json:"contentRating"`
	Studio               string            `json:"studio"`
	Tagline              string            `json:"tagline"`
	ParentRatingKey      string            `json:"parentRatingKey"`
	GrandparentRatingKey string            `json:"grandparentRatingKey"`
	ParentTitle          string            `json:"parentTitle"`
	GrandparentTitle     string            `json:"grandparentTitle"`
	ParentIndex          int               `json:"parentIndex"`
	Index                int               `json:"index"`
	ThumbPath            string            `json:"thumb"`
	Media                []MediaEntry      `json:"Media"`
}

type MediaEntry struct {
	Parts []PartEntry `json:"Part"`
}

type PartEntry struct {
	Key string `json:"key"`
}

// PartKey returns the first media part key, the relative path a direct
// download URL is built from.
func (m *MediaInfo) PartKey() string {
	if len(m.Media) == 0 || len(m.Media[0].Parts) == 0 {
		return ""
	}
	return m.Media[0].Parts[0].Key
}

type mediaContainer struct {
	MediaContainer struct {
		Metadata []MediaInfo `json:"Metadata"`
	} `json:"MediaContainer"`
}

// Library is the metadata-lookup collaborator the download manager consumes.
type Library interface {
	Metadata(ctx context.Context, ratingKey string) (*MediaInfo, error)
	Children(ctx context.Context, ratingKey string) ([]MediaInfo, error)
	TranscodeURL(metadataPath, session string) string
	StopTranscode(ctx context.Context, session string) error
	MediaURL(partKey string) string
	ImageURL(thumbPath string, width, height int) string
	Fetch(ctx context.Context, rawURL string) ([]byte, int, error)
}

func (c *Client) Metadata(ctx context.Context, ratingKey string) (*MediaInfo, error) {
	items, err := c.metadataAt(ctx, fmt.Sprintf("%s/library/metadata/%s?checkFiles=1", c.base.String(), ratingKey))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Errorf("no metadata for rating key %s", ratingKey)
	}
	return &items[0], nil
}

func (c *Client) Children(ctx context.Context, ratingKey string) ([]MediaInfo, error) {
	return c.metadataAt(ctx, fmt.Sprintf("%s/library/metadata/%s/children", c.base.String(), ratingKey))
}

func (c *Client) metadataAt(ctx context.Context, u string) ([]MediaInfo, error) {
	body, status, err := c.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, errors.Errorf("metadata fetch: HTTP %d", status)
	}
	var mc mediaContainer
	if err := json.Unmarshal(body, &mc); err != nil {
		return nil, errors.Wrap(err, "decode media container")
	}
	return mc.MediaContainer.Metadata, nil
}
