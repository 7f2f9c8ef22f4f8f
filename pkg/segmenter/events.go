package segmenter

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lifelogd/lifelogd/pkg/shared/logging"
)

// ActivityWriter is how describer output lands back on the records.
type ActivityWriter interface {
	SetActivity(ctx context.Context, device string, segmentID int, activity, description, confidence string) error
}

// HTTPDescriber ships segment events to the external description worker and
// writes its classification back onto the segment's records. Each event is
// handled in its own goroutine; failures are logged and dropped.
type HTTPDescriber struct {
	endpoint string
	client   *http.Client
	writer   ActivityWriter
	logger   *zap.Logger
}

// NewHTTPDescriber creates a describer sink with a hard per-call timeout.
func NewHTTPDescriber(endpoint string, timeout time.Duration, writer ActivityWriter, logger *zap.Logger) *HTTPDescriber {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPDescriber{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		writer:   writer,
		logger:   logger,
	}
}

type describeResponse struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Confidence  string `json:"confidence"`
}

func (d *HTTPDescriber) SegmentCreated(ctx context.Context, event Event) {
	go d.describe(context.WithoutCancel(ctx), event)
}

func (d *HTTPDescriber) describe(ctx context.Context, event Event) {
	fields := logging.NewFields().Component("segment-describer").
		Device(event.Device).Date(event.Date).Segment(event.SegmentID)

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Warn("failed to encode segment event", fields.Error(err).Zap()...)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/describe-segment", bytes.NewReader(payload))
	if err != nil {
		d.logger.Warn("failed to build describe request", fields.Error(err).Zap()...)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("segment describe call failed", fields.Error(err).Zap()...)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.logger.Warn("segment describe rejected",
			fields.Merge(map[string]any{"status": resp.StatusCode}).Zap()...)
		return
	}

	var out describeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		d.logger.Warn("segment describe response unreadable", fields.Error(err).Zap()...)
		return
	}
	if out.Category == "" && out.Description == "" {
		return
	}
	if err := d.writer.SetActivity(ctx, event.Device, event.SegmentID, out.Category, out.Description, out.Confidence); err != nil {
		d.logger.Warn("failed to store segment activity", fields.Error(err).Zap()...)
	}
}
