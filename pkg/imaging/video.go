package imaging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

// newBytesReader avoids importing bytes at every call site in thumbnail.go.
func newBytesReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}

// TranscodeH264 remuxes a raw .h264 capture into an MP4 with the 90-degree
// rotation flag the wearable cameras need, replacing srcPath with the .mp4
// next to it. Returns the new path.
func TranscodeH264(ctx context.Context, srcPath string) (string, error) {
	dst := strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + ".mp4"
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-framerate", "30",
		"-i", srcPath,
		"-c", "copy",
		"-metadata:s:v:0", "rotate=90",
		dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(dst)
		return "", apperrors.NewCorruptAssetError(srcPath,
			fmt.Errorf("transcode failed: %w: %s", err, truncate(stderr.String(), 256)))
	}
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return "", apperrors.NewTransientIOError("remove raw video", err)
	}
	return dst, nil
}

// ExtractKeyframe writes the frame at t=1s of a video as a WebP thumbnail at
// dst. The frame is scaled to the thumbnail bound by ffmpeg.
func ExtractKeyframe(ctx context.Context, videoPath, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperrors.NewTransientIOError("create thumbnail directory", err)
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-i", videoPath,
		"-ss", "00:00:01.000",
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", ThumbnailMaxSide),
		dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(dst)
		return apperrors.NewCorruptAssetError(videoPath,
			fmt.Errorf("keyframe extraction failed: %w: %s", err, truncate(stderr.String(), 256)))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
