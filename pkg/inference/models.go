package inference

import (
	"context"
	"encoding/base64"

	"go.uber.org/zap"

	"github.com/lifelogd/lifelogd/pkg/records"
)

// HTTPEmbedder calls the image-text embedding service.
type HTTPEmbedder struct {
	model *httpModel
	dim   int
}

// NewHTTPEmbedder creates an embedder client for a model of dimension dim.
func NewHTTPEmbedder(endpoint string, dim int, opts Options, logger *zap.Logger) *HTTPEmbedder {
	return &HTTPEmbedder{model: newHTTPModel("embedder", endpoint, opts, logger), dim: dim}
}

func (e *HTTPEmbedder) Dim() int { return e.dim }

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *HTTPEmbedder) EncodeImage(ctx context.Context, absPath string) ([]float32, error) {
	var resp embeddingResponse
	if err := e.model.postJSON(ctx, "/encode-image", map[string]string{"path": absPath}, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

func (e *HTTPEmbedder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	var resp embeddingResponse
	if err := e.model.postJSON(ctx, "/encode-text", map[string]string{"text": text}, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// HTTPObjectDetector calls the object-detection service.
type HTTPObjectDetector struct {
	model *httpModel
}

func NewHTTPObjectDetector(endpoint string, opts Options, logger *zap.Logger) *HTTPObjectDetector {
	return &HTTPObjectDetector{model: newHTTPModel("object-detector", endpoint, opts, logger)}
}

type detectResponse struct {
	Objects []records.Detection `json:"objects"`
}

func (d *HTTPObjectDetector) Detect(ctx context.Context, absPath string) ([]records.Detection, error) {
	var resp detectResponse
	if err := d.model.postJSON(ctx, "/detect", map[string]string{"path": absPath}, &resp); err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// HTTPFaceDetector calls the face detection + embedding service.
type HTTPFaceDetector struct {
	model *httpModel
}

func NewHTTPFaceDetector(endpoint string, opts Options, logger *zap.Logger) *HTTPFaceDetector {
	return &HTTPFaceDetector{model: newHTTPModel("face-detector", endpoint, opts, logger)}
}

type facesResponse struct {
	Faces []records.FaceDetection `json:"faces"`
}

func (d *HTTPFaceDetector) DetectFaces(ctx context.Context, absPath string) ([]records.FaceDetection, error) {
	var resp facesResponse
	if err := d.model.postJSON(ctx, "/faces", map[string]string{"path": absPath}, &resp); err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

func (d *HTTPFaceDetector) DetectFacesInBytes(ctx context.Context, image []byte) ([]records.FaceDetection, error) {
	var resp facesResponse
	body := map[string]string{"image": base64.StdEncoding.EncodeToString(image)}
	if err := d.model.postJSON(ctx, "/faces", body, &resp); err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

// HTTPMaskSegmenter calls the promptable segmentation service.
type HTTPMaskSegmenter struct {
	model *httpModel
}

func NewHTTPMaskSegmenter(endpoint string, opts Options, logger *zap.Logger) *HTTPMaskSegmenter {
	return &HTTPMaskSegmenter{model: newHTTPModel("mask-segmenter", endpoint, opts, logger)}
}

type segmentRequest struct {
	Path   string   `json:"path"`
	Labels []string `json:"labels"`
}

type segmentResponse struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mask   string `json:"mask"` // base64, one byte per pixel, row-major
}

func (s *HTTPMaskSegmenter) SegmentLabels(ctx context.Context, absPath string, labels []string) (*Mask, error) {
	var resp segmentResponse
	if err := s.model.postJSON(ctx, "/segment", segmentRequest{Path: absPath, Labels: labels}, &resp); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Mask)
	if err != nil {
		return nil, err
	}
	mask := NewMask(resp.Width, resp.Height)
	for i := range raw {
		if i >= len(mask.Bits) {
			break
		}
		mask.Bits[i] = raw[i] != 0
	}
	return mask, nil
}
