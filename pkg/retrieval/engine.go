package retrieval

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
	"github.com/lifelogd/lifelogd/pkg/device"
	"github.com/lifelogd/lifelogd/pkg/imaging"
	"github.com/lifelogd/lifelogd/pkg/inference"
	"github.com/lifelogd/lifelogd/pkg/metrics"
	"github.com/lifelogd/lifelogd/pkg/records"
	"github.com/lifelogd/lifelogd/pkg/shared/logging"
	"github.com/lifelogd/lifelogd/pkg/vectorindex"
)

// SortBy orders result groups.
type SortBy string

const (
	SortByRelevance SortBy = "relevance"
	SortByTime      SortBy = "time"
)

// AccessPredicate filters records per caller access level. nil admits all.
type AccessPredicate func(*records.AssetRecord) bool

// Options shape one query.
type Options struct {
	TopK   int
	SortBy SortBy
	// Remove is a caller-supplied set of paths to exclude, on top of the
	// deletion tombstones.
	Remove map[string]bool
	Access AccessPredicate
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = 100
	}
	if o.SortBy == "" {
		o.SortBy = SortByRelevance
	}
	return o
}

// RecordSource is the read-only slice of the record store retrieval needs.
type RecordSource interface {
	ListByPaths(ctx context.Context, device string, paths []string) ([]records.AssetRecord, error)
	DeletedPaths(ctx context.Context, device string) (map[string]bool, error)
	GroupBySegment(ctx context.Context, device, date string, hour int) (map[int][]records.AssetRecord, error)
}

// DeviceSource resolves per-device transforms.
type DeviceSource interface {
	Register(ctx context.Context, deviceID string) (*device.Device, error)
}

// Engine answers text→image, image→image and face→image queries, filtered
// through the tombstone set and the caller's access predicate, grouped by
// segment.
type Engine struct {
	repo     RecordSource
	vectors  vectorindex.Provider
	devices  DeviceSource
	embedder inference.Embedder
	faces    inference.FaceDetector
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New wires the engine.
func New(
	repo RecordSource,
	vectors vectorindex.Provider,
	devices DeviceSource,
	embedder inference.Embedder,
	faces inference.FaceDetector,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		repo:     repo,
		vectors:  vectors,
		devices:  devices,
		embedder: embedder,
		faces:    faces,
		metrics:  m,
		logger:   logger,
	}
}

// SearchText encodes the query text, rotates it into the device's embedding
// space and returns segment groups.
func (e *Engine) SearchText(ctx context.Context, deviceID, text string, opts Options) ([][]records.AssetRecord, error) {
	opts = opts.withDefaults()
	started := time.Now()
	defer func() {
		e.metrics.QueryLatency.WithLabelValues("text").Observe(time.Since(started).Seconds())
	}()

	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewInputError("query text is required")
	}

	vec, err := e.embedder.EncodeText(ctx, text)
	if err != nil {
		return nil, err
	}
	vec, err = e.deviceVector(ctx, deviceID, vec)
	if err != nil {
		return nil, err
	}

	collection, err := e.vectors.Collection(ctx, deviceID, vectorindex.DefaultModel)
	if err != nil {
		return nil, err
	}
	matches, err := collection.QueryByVector(ctx, vec, opts.TopK)
	if err != nil {
		return nil, err
	}
	return e.groupMatches(ctx, deviceID, matches, opts)
}

// SearchImage finds assets similar to a query image. Known asset paths go
// through query-by-id; anything else is treated as an image on disk, encoded
// fresh (videos via their keyframe).
func (e *Engine) SearchImage(ctx context.Context, deviceID, image string, opts Options) ([][]records.AssetRecord, error) {
	opts = opts.withDefaults()
	started := time.Now()
	defer func() {
		e.metrics.QueryLatency.WithLabelValues("image").Observe(time.Since(started).Seconds())
	}()

	collection, err := e.vectors.Collection(ctx, deviceID, vectorindex.DefaultModel)
	if err != nil {
		return nil, err
	}

	var matches []vectorindex.Match
	if _, known, err := collection.Get(ctx, vectorindex.SanitizeID(image)); err == nil && known {
		matches, err = collection.QueryByID(ctx, vectorindex.SanitizeID(image), opts.TopK)
		if err != nil {
			return nil, err
		}
	} else {
		src := image
		if ext := strings.ToLower(path.Ext(image)); ext == ".mp4" || ext == ".h264" || ext == ".mov" || ext == ".avi" {
			thumb := strings.TrimSuffix(image, path.Ext(image)) + ".webp"
			if err := imaging.ExtractKeyframe(ctx, image, thumb); err != nil {
				return nil, err
			}
			src = thumb
		}
		vec, err := e.embedder.EncodeImage(ctx, src)
		if err != nil {
			return nil, err
		}
		if vec, err = e.deviceVector(ctx, deviceID, vec); err != nil {
			return nil, err
		}
		if matches, err = collection.QueryByVector(ctx, vec, opts.TopK); err != nil {
			return nil, err
		}
	}
	return e.groupMatches(ctx, deviceID, matches, opts)
}

// faceTopK is the per-reference hit count for face search.
const faceTopK = 5

// SearchFaces unions the nearest assets for each reference face crop,
// ordered by capture time descending. No segment grouping.
func (e *Engine) SearchFaces(ctx context.Context, deviceID string, crops [][]byte, opts Options) ([]records.AssetRecord, error) {
	opts = opts.withDefaults()
	started := time.Now()
	defer func() {
		e.metrics.QueryLatency.WithLabelValues("face").Observe(time.Since(started).Seconds())
	}()

	collection, err := e.vectors.Collection(ctx, deviceID, vectorindex.FaceModel)
	if err != nil {
		return nil, err
	}

	pathSet := make(map[string]bool)
	var paths []string
	for _, crop := range crops {
		faces, err := e.faces.DetectFacesInBytes(ctx, crop)
		if err != nil {
			return nil, err
		}
		if len(faces) == 0 {
			continue
		}
		vec, err := vectorindex.Normalize(faces[0].Embedding)
		if err != nil {
			continue
		}
		matches, err := collection.QueryByVector(ctx, vec, faceTopK)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !pathSet[m.Path] {
				pathSet[m.Path] = true
				paths = append(paths, m.Path)
			}
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}

	tombstones, err := e.repo.DeletedPaths(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	var alive []string
	for _, p := range paths {
		if !tombstones[p] && !opts.Remove[p] {
			alive = append(alive, p)
		}
	}

	recs, err := e.repo.ListByPaths(ctx, deviceID, alive)
	if err != nil {
		return nil, err
	}
	recs = applyAccess(recs, opts.Access)
	sort.Slice(recs, func(i, j int) bool { return recs[i].CaptureTime > recs[j].CaptureTime })
	return recs, nil
}

// DayTimeline returns a device-date's segment groups for UI timeline views.
// hour < 0 means the whole day.
func (e *Engine) DayTimeline(ctx context.Context, deviceID, date string, hour int, access AccessPredicate) (map[int][]records.AssetRecord, error) {
	groups, err := e.repo.GroupBySegment(ctx, deviceID, date, hour)
	if err != nil {
		return nil, err
	}
	if access == nil {
		return groups, nil
	}
	out := make(map[int][]records.AssetRecord, len(groups))
	for id, recs := range groups {
		filtered := applyAccess(recs, access)
		if len(filtered) > 0 {
			out[id] = filtered
		}
	}
	return out, nil
}

// deviceVector normalises the raw model vector and applies the device's
// stored rotation so queries live in the same space as the indexed vectors.
func (e *Engine) deviceVector(ctx context.Context, deviceID string, vec []float32) ([]float32, error) {
	vec, err := vectorindex.Normalize(vec)
	if err != nil {
		return nil, apperrors.NewModelFailureError("embedder", err)
	}
	dev, err := e.devices.Register(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev.Transform == nil {
		return vec, nil
	}
	rotated, err := dev.Transform.Apply(vec)
	if err != nil {
		return nil, apperrors.NewModelFailureError("device transform", err)
	}
	return rotated, nil
}

// groupMatches drops tombstoned and removed paths, applies the access
// predicate, groups the survivors by segment id and orders the groups.
func (e *Engine) groupMatches(ctx context.Context, deviceID string, matches []vectorindex.Match, opts Options) ([][]records.AssetRecord, error) {
	tombstones, err := e.repo.DeletedPaths(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	var ranked []string
	for _, m := range matches {
		if m.Path == "" || tombstones[m.Path] || opts.Remove[m.Path] {
			continue
		}
		ranked = append(ranked, m.Path)
	}
	if len(ranked) == 0 {
		return nil, nil
	}

	recs, err := e.repo.ListByPaths(ctx, deviceID, ranked)
	if err != nil {
		return nil, err
	}
	recs = applyAccess(recs, opts.Access)

	byPath := make(map[string]records.AssetRecord, len(recs))
	for _, rec := range recs {
		byPath[rec.Path] = rec
	}

	// Unsegmented records share one group keyed below any real id.
	const nullGroup = -1
	groupOf := func(rec records.AssetRecord) int {
		if rec.SegmentID == nil {
			return nullGroup
		}
		return *rec.SegmentID
	}

	type group struct {
		firstRank int
		recs      []records.AssetRecord
	}
	groups := make(map[int]*group)
	var order []int
	for rank, p := range ranked {
		rec, ok := byPath[p]
		if !ok {
			continue
		}
		id := groupOf(rec)
		g, ok := groups[id]
		if !ok {
			g = &group{firstRank: rank}
			groups[id] = g
			order = append(order, id)
		}
		g.recs = append(g.recs, rec)
	}

	if opts.SortBy == SortByTime {
		sort.Slice(order, func(i, j int) bool {
			return maxCaptureTime(groups[order[i]].recs) > maxCaptureTime(groups[order[j]].recs)
		})
	} else {
		sort.Slice(order, func(i, j int) bool {
			return groups[order[i]].firstRank < groups[order[j]].firstRank
		})
	}

	out := make([][]records.AssetRecord, 0, len(order))
	for _, id := range order {
		recs := groups[id].recs
		sort.Slice(recs, func(i, j int) bool { return recs[i].CaptureTime > recs[j].CaptureTime })
		out = append(out, recs)
	}

	e.logger.Debug("query grouped",
		logging.NewFields().Component("retrieval").Device(deviceID).Count(len(out)).Zap()...)
	return out, nil
}

func applyAccess(recs []records.AssetRecord, access AccessPredicate) []records.AssetRecord {
	if access == nil {
		return recs
	}
	out := recs[:0]
	for _, rec := range recs {
		if access(&rec) {
			out = append(out, rec)
		}
	}
	return out
}

func maxCaptureTime(recs []records.AssetRecord) int64 {
	var maxTS int64
	for _, rec := range recs {
		if rec.CaptureTime > maxTS {
			maxTS = rec.CaptureTime
		}
	}
	return maxTS
}
