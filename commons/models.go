package commons

type MediaKind string

const (
	KindMovie   MediaKind = "movie"
	KindShow    MediaKind = "show"
	KindSeason  MediaKind = "season"
	KindEpisode MediaKind = "episode"
	KindAlbum   MediaKind = "album"
	KindTrack   MediaKind = "track"
)

// IsSegmented reports whether the kind downloads through the HLS transcode
// path rather than a single direct fetch.
func (k MediaKind) IsSegmented() bool {
	return k == KindMovie || k == KindEpisode
}

func (k MediaKind) IsSimple() bool {
	return k == KindTrack
}
