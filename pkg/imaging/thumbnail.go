package imaging

import (
	"image"
	"os"
	"path/filepath"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

// Thumbnail geometry: longest side capped at 1080px, WebP quality 80.
const (
	ThumbnailMaxSide = 1080
	ThumbnailQuality = 80
)

// LoadImage decodes an image from disk. Unreadable files come back as
// corrupt_asset so the caller can trigger full cleanup.
func LoadImage(absPath string) (image.Image, error) {
	img, err := imaging.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("source image")
		}
		return nil, apperrors.NewCorruptAssetError(absPath, err)
	}
	return img, nil
}

// DecodeImage decodes raw bytes, classifying failures as corrupt_asset.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := imaging.Decode(newBytesReader(data))
	if err != nil {
		return nil, apperrors.NewCorruptAssetError("uploaded bytes", err)
	}
	return img, nil
}

// SaveThumbnail shrinks img to the thumbnail bound and writes it as WebP,
// creating parent directories. The write is atomic.
func SaveThumbnail(img image.Image, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperrors.NewTransientIOError("create thumbnail directory", err)
	}
	resized := imaging.Fit(img, ThumbnailMaxSide, ThumbnailMaxSide, imaging.Lanczos)

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".thumb-*")
	if err != nil {
		return apperrors.NewTransientIOError("create thumbnail temp file", err)
	}
	tmpName := tmp.Name()
	if err := webp.Encode(tmp, resized, &webp.Options{Quality: ThumbnailQuality}); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.NewTransientIOError("encode thumbnail", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.NewTransientIOError("close thumbnail", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return apperrors.NewTransientIOError("rename thumbnail", err)
	}
	return nil
}
