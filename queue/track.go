package queue

import "strings"

// SourceType is where a track was ingested from.
type SourceType string

const (
	SourceYouTube SourceType = "youtube"
	SourceUpload  SourceType = "upload"
)

// Track is a resolved, playable track. It is immutable once resolved.
type Track struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Duration    int        `json:"duration"` // seconds
	SourceType  SourceType `json:"source_type"`
	SourceURL   string     `json:"source_url"`
	PlaybackURL string     `json:"playback_url"`
	AddedBy     string     `json:"added_by,omitempty"`
	CanonicalID string     `json:"canonical_id,omitempty"`
}

// IsValid returns true if the track carries the fields playback needs.
func (t *Track) IsValid() bool {
	return strings.TrimSpace(t.Title) != "" && t.Duration > 0 && t.PlaybackURL != ""
}
