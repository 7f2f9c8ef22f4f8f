package assetstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
	"github.com/lifelogd/lifelogd/pkg/shared/logging"
)

// Asset describes a landed capture. Identity is (Device, Path).
type Asset struct {
	Device      string
	Path        string
	CaptureTime time.Time
	Kind        Kind
	ContentHash string
}

// Store is the filesystem layout of originals and thumbnails:
// <root>/<device>/<YYYY-MM-DD>/<YYYYMMDD_HHMMSS>.<ext> and
// <thumb_root>/<device>/<YYYY-MM-DD>/<YYYYMMDD_HHMMSS>.webp.
type Store struct {
	root      string
	thumbRoot string
	logger    *zap.Logger
}

// NewStore creates a store over the given roots, creating them if absent.
func NewStore(root, thumbRoot string, logger *zap.Logger) (*Store, error) {
	for _, dir := range []string{root, thumbRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.NewTransientIOError("create storage root", err)
		}
	}
	return &Store{root: root, thumbRoot: thumbRoot, logger: logger}, nil
}

// Root returns the assets root directory.
func (s *Store) Root() string { return s.root }

// ThumbRoot returns the thumbnails root directory.
func (s *Store) ThumbRoot() string { return s.thumbRoot }

// AbsPath resolves a device-relative path under the assets root.
func (s *Store) AbsPath(device, relpath string) string {
	return filepath.Join(s.root, device, filepath.FromSlash(relpath))
}

// ThumbnailPath returns the canonical thumbnail location for an asset.
func (s *Store) ThumbnailPath(device, relpath string) string {
	ext := filepath.Ext(relpath)
	return filepath.Join(s.thumbRoot, device, filepath.FromSlash(strings.TrimSuffix(relpath, ext)+".webp"))
}

// Put writes bytes atomically under <root>/<device>/<relpath>. A put over an
// existing identical file is a no-op; a partial write never replaces a good
// file. Returns the landed Asset.
func (s *Store) Put(device, relpath string, data []byte) (*Asset, error) {
	ts, err := ParseCaptureTime(relpath)
	if err != nil {
		return nil, err
	}

	dst := s.AbsPath(device, relpath)
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if existing, err := os.ReadFile(dst); err == nil {
		if bytes.Equal(existing, data) {
			s.logger.Debug("put is a no-op, identical content",
				logging.NewFields().Component("assetstore").Device(device).Asset(relpath).Zap()...)
			return &Asset{Device: device, Path: relpath, CaptureTime: ts, Kind: KindOf(relpath), ContentHash: hash}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, apperrors.NewTransientIOError("create asset directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return nil, apperrors.NewTransientIOError("create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, apperrors.NewTransientIOError("write asset bytes", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, apperrors.NewTransientIOError("close temp file", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return nil, apperrors.NewTransientIOError("rename temp file", err)
	}

	return &Asset{Device: device, Path: relpath, CaptureTime: ts, Kind: KindOf(relpath), ContentHash: hash}, nil
}

// Exists reports whether the original asset file is present.
func (s *Store) Exists(device, relpath string) bool {
	info, err := os.Stat(s.AbsPath(device, relpath))
	return err == nil && !info.IsDir()
}

// ThumbnailExists reports whether the asset's thumbnail is present.
func (s *Store) ThumbnailExists(device, relpath string) bool {
	info, err := os.Stat(s.ThumbnailPath(device, relpath))
	return err == nil && !info.IsDir()
}

// Open returns a reader over the original asset bytes.
func (s *Store) Open(device, relpath string) (io.ReadCloser, error) {
	f, err := os.Open(s.AbsPath(device, relpath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("asset %s/%s", device, relpath))
		}
		return nil, apperrors.NewTransientIOError("open asset", err)
	}
	return f, nil
}

// Delete removes the original file if present. Missing files are not errors.
func (s *Store) Delete(device, relpath string) error {
	err := os.Remove(s.AbsPath(device, relpath))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.NewTransientIOError("delete asset", err)
	}
	return nil
}

// DeleteThumbnail removes the thumbnail if present.
func (s *Store) DeleteThumbnail(device, relpath string) error {
	err := os.Remove(s.ThumbnailPath(device, relpath))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.NewTransientIOError("delete thumbnail", err)
	}
	return nil
}

// ListDevices returns every device directory under the root, sorted.
func (s *Store) ListDevices() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, apperrors.NewTransientIOError("list devices", err)
	}
	var devices []string
	for _, e := range entries {
		if e.IsDir() {
			devices = append(devices, e.Name())
		}
	}
	sort.Strings(devices)
	return devices, nil
}

// ListDates returns every day directory for a device, sorted ascending.
func (s *Store) ListDates(device string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, device))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewTransientIOError("list dates", err)
	}
	var dates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(DayLayout, e.Name()); err != nil {
			continue
		}
		dates = append(dates, e.Name())
	}
	sort.Strings(dates)
	return dates, nil
}

// ListFiles returns the canonical relpaths of a device-date, sorted ascending.
func (s *Store) ListFiles(device, date string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, device, date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewTransientIOError("list files", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !ValidExt(e.Name()) {
			continue
		}
		files = append(files, date+"/"+e.Name())
	}
	sort.Strings(files)
	return files, nil
}
