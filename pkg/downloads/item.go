package downloads

import (
	"context"
	"time"

	"github.com/plexstash/plexstash/commons"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// IsActive reports whether further transfer callbacks are expected.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading
}

func (s Status) IsTerminal() bool {
	return !s.IsActive()
}

// Metadata is everything persisted about a downloaded piece of media.
type Metadata struct {
	RatingKey            string            `json:"ratingKey"`
	GUID                 string            `json:"guid"`
	Kind                 commons.MediaKind `json:"type"`
	Title                string            `json:"title"`
	Summary              string            `json:"summary,omitempty"`
	Year                 int               `json:"year,omitempty"`
	Duration             int64             `json:"duration,omitempty"`
	ContentRating        string            `json:"contentRating,omitempty"`
	Studio               string            `json:"studio,omitempty"`
	Tagline              string            `json:"tagline,omitempty"`
	ParentRatingKey      string            `json:"parentRatingKey,omitempty"`
	GrandparentRatingKey string            `json:"grandparentRatingKey,omitempty"`
	ParentTitle          string            `json:"parentTitle,omitempty"`
	GrandparentTitle     string            `json:"grandparentTitle,omitempty"`
	ParentIndex          int               `json:"parentIndex,omitempty"`
	Index                int               `json:"index,omitempty"`
	PosterFileName       string            `json:"posterFileName,omitempty"`
	MediaFileName        string            `json:"mediaFileName,omitempty"`
	// AssetLocation is set for segmented downloads only: the finished
	// bundle's path relative to the home directory. Never absolute; the
	// home directory can move between installs.
	AssetLocation string     `json:"assetLocation,omitempty"`
	FileSize      int64      `json:"fileSize,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastViewedAt  *time.Time `json:"lastViewedAt,omitempty"`
	ViewOffset    float64    `json:"viewOffset,omitempty"`
}

// Item is one requested acquisition.
type Item struct {
	ID           string   `json:"id"`
	Status       Status   `json:"status"`
	Progress     float64  `json:"progress"`
	BytesWritten int64    `json:"bytesWritten"`
	TotalBytes   int64    `json:"totalBytes"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	Metadata     Metadata `json:"metadata"`

	// handle ties the item to its running transfer. Active transfers
	// cannot survive a restart, so it is never persisted.
	handle *transferHandle
}

// transferHandle identifies and cancels a running background transfer.
type transferHandle struct {
	tag    string
	cancel context.CancelFunc
}

func (h *transferHandle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}
