package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pravuX/ksunira/errs"
	"github.com/pravuX/ksunira/queue"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// DefaultMaxUploadBytes caps a single upload.
const DefaultMaxUploadBytes = 50 << 20

// StaticPrefix is the url path the upload directory is served under.
const StaticPrefix = "/static/"

// Uploads stores uploaded MP3 files under dir/sessions/{session}/{sha256}.mp3.
// Identical content uploaded twice to the same session shares one file.
type Uploads struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
}

// NewUploads creates the upload store rooted at dir.
func NewUploads(dir string, maxBytes int64, logger *zap.Logger) (*Uploads, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, err
	}
	return &Uploads{dir: dir, maxBytes: maxBytes, logger: logger}, nil
}

// Dir is the root served under StaticPrefix.
func (u *Uploads) Dir() string { return u.dir }

// MaxBytes is the upload size limit.
func (u *Uploads) MaxBytes() int64 { return u.maxBytes }

func (u *Uploads) sessionDir(sessionID string) string {
	return filepath.Join(u.dir, "sessions", filepath.Base(sessionID))
}

// Save ingests an upload and returns the resulting track. Only audio/mpeg
// (or its audio/mp3 alias) is accepted.
func (u *Uploads) Save(ctx context.Context, sessionID, filename, contentType string, r io.Reader) (queue.Track, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || (mediaType != "audio/mpeg" && mediaType != "audio/mp3") {
		return queue.Track{}, fmt.Errorf("content type %q: %w", contentType, errs.ErrUnresolvableSource)
	}

	dir := u.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return queue.Track{}, err
	}

	tmp, err := os.CreateTemp(dir, "upload-"+xid.New().String()+"-*")
	if err != nil {
		return queue.Track{}, err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, u.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return queue.Track{}, fmt.Errorf("write upload: %w", err)
	}
	if n > u.maxBytes {
		return queue.Track{}, fmt.Errorf("upload exceeds %d bytes: %w", u.maxBytes, errs.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return queue.Track{}, err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	name := sum + ".mp3"
	final := filepath.Join(dir, name)

	if _, err := os.Stat(final); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(tmp.Name(), final); err != nil {
			return queue.Track{}, err
		}
	} else {
		u.logger.Debug("reusing stored upload", zap.String("session_id", sessionID), zap.String("sha256", sum))
	}

	info, err := ProbeMP3(final)
	if err != nil {
		os.Remove(final)
		return queue.Track{}, fmt.Errorf("probe %s: %v: %w", filename, err, errs.ErrUnresolvableSource)
	}
	duration := int(math.Round(info.Duration))
	if duration < 1 {
		duration = 1
	}

	title := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if title == "" || title == "." {
		title = "Untitled upload"
	}
	return queue.Track{
		Title:       title,
		Duration:    duration,
		SourceType:  queue.SourceUpload,
		SourceURL:   filename,
		PlaybackURL: path.Join(StaticPrefix, "sessions", sessionID, name),
		CanonicalID: "upload:" + sum,
	}, nil
}

// RemoveSession deletes every file uploaded to the session.
func (u *Uploads) RemoveSession(sessionID string) error {
	return os.RemoveAll(u.sessionDir(sessionID))
}
