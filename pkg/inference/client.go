package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
	"github.com/lifelogd/lifelogd/pkg/records"
)

// Embedder is the image-text embedding model. Vectors come back
// L2-normalisable; dimension is model-fixed.
type Embedder interface {
	EncodeImage(ctx context.Context, absPath string) ([]float32, error)
	EncodeText(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// ObjectDetector returns labelled boxes for an image on disk.
type ObjectDetector interface {
	Detect(ctx context.Context, absPath string) ([]records.Detection, error)
}

// FaceDetector detects faces and their 512-float embeddings, either on a
// stored image or on raw crop bytes.
type FaceDetector interface {
	DetectFaces(ctx context.Context, absPath string) ([]records.FaceDetection, error)
	DetectFacesInBytes(ctx context.Context, image []byte) ([]records.FaceDetection, error)
}

// MaskSegmenter runs a promptable segmenter over an image and returns the
// union mask for the given label texts, as a row-major boolean bitmap.
type MaskSegmenter interface {
	SegmentLabels(ctx context.Context, absPath string, labels []string) (*Mask, error)
}

// Mask is a row-major boolean bitmap in image coordinates.
type Mask struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bits   []bool `json:"bits"`
}

// At reports the mask value at (x, y); out-of-range is false.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Bits[y*m.Width+x]
}

// Set marks (x, y) in range.
func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Bits[y*m.Width+x] = v
}

// NewMask allocates an empty mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Bits: make([]bool, width*height)}
}

// Options configure the shared HTTP client behaviour.
type Options struct {
	Timeout    time.Duration
	RetryCount int
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RetryCount == 0 {
		o.RetryCount = 3
	}
	return o
}

// httpModel is the shared transport under each model client: one circuit
// breaker per endpoint, bounded retries, hard timeout per call.
type httpModel struct {
	name     string
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	retries  int
	logger   *zap.Logger
}

func newHTTPModel(name, endpoint string, opts Options, logger *zap.Logger) *httpModel {
	opts = opts.withDefaults()
	return &httpModel{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: opts.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		retries: opts.RetryCount,
		logger:  logger,
	}
}

// postJSON sends the request body and decodes the response into out,
// retrying up to the budget. State is never mutated on failure; the caller
// maps the returned error to a model_failure.
func (m *httpModel) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := m.breaker.Execute(func() (any, error) {
			return nil, m.doOnce(ctx, path, payload, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		m.logger.Warn("inference call failed",
			zap.String("model", m.name),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return apperrors.NewModelFailureError(m.name, lastErr)
}

func (m *httpModel) doOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", m.name, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
