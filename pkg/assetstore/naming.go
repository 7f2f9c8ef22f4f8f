package assetstore

import (
	"fmt"
	"path"
	"strings"
	"time"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

// Kind distinguishes still captures from clips.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

const (
	// CaptureLayout is the filename stem layout, local wall clock treated as UTC.
	CaptureLayout = "20060102_150405"
	// DayLayout is the per-day directory name.
	DayLayout = "2006-01-02"
)

var videoExts = map[string]bool{
	".mp4":  true,
	".h264": true,
	".mov":  true,
	".avi":  true,
}

var knownExts = map[string]bool{
	".jpg":  true,
	".mp4":  true,
	".h264": true,
	".mov":  true,
	".avi":  true,
}

// KindOf reports the asset kind for a filename, defaulting to image.
func KindOf(filename string) Kind {
	if videoExts[strings.ToLower(path.Ext(filename))] {
		return KindVideo
	}
	return KindImage
}

// ValidExt reports whether the extension is one the devices produce.
func ValidExt(filename string) bool {
	return knownExts[strings.ToLower(path.Ext(filename))]
}

// ParseCaptureTime extracts the capture time from a canonical filename such
// as 20250101_093000.jpg. Timestamps are device wall clock, stored as UTC.
func ParseCaptureTime(filename string) (time.Time, error) {
	stem := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	ts, err := time.ParseInLocation(CaptureLayout, stem, time.UTC)
	if err != nil {
		return time.Time{}, apperrors.NewInputError(
			fmt.Sprintf("filename %q does not encode a capture time", filename))
	}
	return ts, nil
}

// CanonicalRelPath builds the canonical relative path for a capture time and
// extension: YYYY-MM-DD/YYYYMMDD_HHMMSS.<ext>.
func CanonicalRelPath(ts time.Time, ext string) string {
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(ts.UTC().Format(DayLayout), ts.UTC().Format(CaptureLayout)+strings.ToLower(ext))
}

// DateOf returns the YYYY-MM-DD day directory for a canonical relpath.
func DateOf(relpath string) string {
	dir := path.Dir(relpath)
	if dir == "." {
		return ""
	}
	return dir
}

// CaptureTimeMillis converts a capture time to the epoch-milliseconds value
// stored on asset records.
func CaptureTimeMillis(ts time.Time) int64 {
	return ts.UnixMilli()
}
