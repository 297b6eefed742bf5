package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pravuX/ksunira/errs"
	"github.com/pravuX/ksunira/queue"
	"go.uber.org/zap"
)

const (
	// DefaultCacheSize bounds the number of cached video lookups.
	DefaultCacheSize = 512
	// DefaultCacheTTL stays well below the lifetime of the signed stream
	// urls yt-dlp returns.
	DefaultCacheTTL = time.Hour
)

var (
	videoIDPattern = regexp.MustCompile(`(?:v=|/)([0-9A-Za-z_-]{11})`)
	droppedParams  = []string{"si", "t", "feature", "list"}
)

// CleanURL normalises user input into a canonical watch URL: whitespace is
// trimmed, a scheme added, short links expanded and tracking parameters
// removed. Hosts other than YouTube are rejected.
func CleanURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty source: %w", errs.ErrUnresolvableSource)
	}
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, errs.ErrUnresolvableSource)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	q := u.Query()
	switch host {
	case "youtube.com", "music.youtube.com":
	case "youtu.be":
		// youtu.be/ID -> youtube.com/watch?v=ID
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return "", fmt.Errorf("%q has no video id: %w", raw, errs.ErrUnresolvableSource)
		}
		u.Host = "youtube.com"
		u.Path = "/watch"
		q.Set("v", id)
	default:
		return "", fmt.Errorf("%q is not a youtube url: %w", raw, errs.ErrUnresolvableSource)
	}

	for _, p := range droppedParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// ExtractVideoID returns the 11 character video id of a YouTube url, or "".
func ExtractVideoID(u string) string {
	m := videoIDPattern.FindStringSubmatch(u)
	if m == nil {
		return ""
	}
	return m[1]
}

// VideoInfo is the subset of yt-dlp's json output the resolver needs.
type VideoInfo struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Duration float64  `json:"duration"`
	URL      string   `json:"url"`
	Formats  []Format `json:"formats"`
}

// Format is one of the streams yt-dlp found.
type Format struct {
	URL    string `json:"url"`
	ACodec string `json:"acodec"`
	VCodec string `json:"vcodec"`
}

// PlaybackURL picks the direct url, falling back to the first audio-only
// format and then to any format.
func (v *VideoInfo) PlaybackURL() string {
	if v.URL != "" {
		return v.URL
	}
	for _, f := range v.Formats {
		if f.ACodec != "none" && f.VCodec == "none" && f.URL != "" {
			return f.URL
		}
	}
	if len(v.Formats) > 0 {
		return v.Formats[0].URL
	}
	return ""
}

// Extractor fetches metadata for a video url.
type Extractor interface {
	Extract(ctx context.Context, url string) (*VideoInfo, error)
}

// YTDLP runs the yt-dlp binary.
type YTDLP struct {
	Path string
}

func (y YTDLP) Extract(ctx context.Context, u string) (*VideoInfo, error) {
	path := y.Path
	if path == "" {
		path = "yt-dlp"
	}
	cmd := exec.CommandContext(ctx, path,
		"--dump-single-json", "--no-warnings", "--no-playlist",
		"-f", "bestaudio/best", u)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("yt-dlp: %w", err)
	}
	var info VideoInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("yt-dlp output: %w", err)
	}
	return &info, nil
}

// YouTube resolves YouTube urls, caching results by video id.
type YouTube struct {
	extractor Extractor
	cache     *expirable.LRU[string, queue.Track]
	logger    *zap.Logger
}

// NewYouTube creates a YouTube resolver backed by extractor. Cached
// lookups are dropped after cacheTTL so stale stream urls are re-extracted.
func NewYouTube(extractor Extractor, cacheSize int, cacheTTL time.Duration, logger *zap.Logger) *YouTube {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &YouTube{
		extractor: extractor,
		cache:     expirable.NewLRU[string, queue.Track](cacheSize, nil, cacheTTL),
		logger:    logger,
	}
}

func (y *YouTube) Resolve(ctx context.Context, source string) (queue.Track, error) {
	cleaned, err := CleanURL(source)
	if err != nil {
		return queue.Track{}, err
	}
	id := ExtractVideoID(cleaned)
	if id != "" {
		if t, ok := y.cache.Get(id); ok {
			y.logger.Debug("resolver cache hit", zap.String("video_id", id))
			return t, nil
		}
	}

	info, err := y.extractor.Extract(ctx, cleaned)
	if err != nil {
		y.logger.Warn("extract failed", zap.String("url", cleaned), zap.Error(err))
		return queue.Track{}, fmt.Errorf("%s: %w", cleaned, errs.ErrUnresolvableSource)
	}
	if info.ID != "" {
		id = info.ID
	}

	t := queue.Track{
		Title:       info.Title,
		Duration:    int(info.Duration),
		SourceType:  queue.SourceYouTube,
		SourceURL:   cleaned,
		PlaybackURL: info.PlaybackURL(),
		CanonicalID: id,
	}
	if t.Title == "" {
		t.Title = "Unknown Title"
	}
	if !t.IsValid() {
		return queue.Track{}, fmt.Errorf("%s has no playable audio: %w", cleaned, errs.ErrUnresolvableSource)
	}
	if id != "" {
		y.cache.Add(id, t)
	}
	return t, nil
}
