package segmenter

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lifelogd/lifelogd/pkg/metrics"
	"github.com/lifelogd/lifelogd/pkg/records"
	"github.com/lifelogd/lifelogd/pkg/shared/logging"
	sharedmath "github.com/lifelogd/lifelogd/pkg/shared/math"
	"github.com/lifelogd/lifelogd/pkg/vectorindex"
)

// RecordStore is the slice of the record repository the segmenter drives.
type RecordStore interface {
	ListDay(ctx context.Context, device, date string, opts records.ListDayOptions) ([]records.AssetRecord, error)
	ClearSegmentIDsFrom(ctx context.Context, device, date string, fromMillis int64) error
	MaxSegmentID(ctx context.Context, device, date string) (int, error)
	EarliestUnsegmented(ctx context.Context, device, date string) (int64, bool, error)
	SetSegmentIDs(ctx context.Context, device string, paths []string, segmentID int) error
	Get(ctx context.Context, device, path string) (*records.AssetRecord, error)
}

// Event is the post-emit payload handed to the external description worker.
type Event struct {
	Device    string   `json:"device"`
	Date      string   `json:"date"`
	SegmentID int      `json:"segmentId"`
	Paths     []string `json:"paths"`
}

// EventSink receives segment events. Delivery is fire-and-forget from the
// segmenter's standpoint.
type EventSink interface {
	SegmentCreated(ctx context.Context, event Event)
}

// NopSink drops events.
type NopSink struct{}

func (NopSink) SegmentCreated(context.Context, Event) {}

// Knobs are the segmentation tunables, read per call so they can be
// hot-reloaded.
type Knobs struct {
	Gap        time.Duration // boundary on timestamp gap
	ThetaFloor float64       // lower clamp for the adaptive distance threshold
	MinSize    int           // segments smaller than this may be absorbed
}

// DefaultKnobs matches the fixed design values.
func DefaultKnobs() Knobs {
	return Knobs{Gap: 120 * time.Second, ThetaFloor: 0.9, MinSize: 3}
}

// Segmenter partitions one device-date's embedded photo stream into
// contiguous activity segments. Work per (device, date) is serialised by an
// advisory lock; different keys run concurrently.
type Segmenter struct {
	repo    RecordStore
	vectors vectorindex.Provider
	events  EventSink
	knobs   func() Knobs
	locks   keyedMutex
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New wires a segmenter. knobs may be nil for the defaults.
func New(repo RecordStore, vectors vectorindex.Provider, events EventSink, knobs func() Knobs, m *metrics.Metrics, logger *zap.Logger) *Segmenter {
	if knobs == nil {
		knobs = DefaultKnobs
	}
	if events == nil {
		events = NopSink{}
	}
	return &Segmenter{
		repo:    repo,
		vectors: vectors,
		events:  events,
		knobs:   knobs,
		metrics: m,
		logger:  logger,
	}
}

// AssignProvisional is the pipeline's stage-1 hook. Segment ids require the
// embedded flag, so fresh records always get nil here and are assigned by
// the next Resegment pass; only a reprocessed, already-embedded record whose
// predecessor sits within the gap inherits that predecessor's id.
func (s *Segmenter) AssignProvisional(ctx context.Context, device, date, relpath string, captureTimeMillis int64) (*int, error) {
	rec, err := s.repo.Get(ctx, device, relpath)
	if err != nil || !rec.Embedded {
		return nil, nil
	}

	day, err := s.repo.ListDay(ctx, device, date, records.ListDayOptions{OnlyEmbedded: true})
	if err != nil {
		return nil, err
	}
	var prev *records.AssetRecord
	for i := range day {
		if day[i].CaptureTime < captureTimeMillis {
			prev = &day[i]
		}
	}
	if prev == nil || prev.SegmentID == nil {
		return nil, nil
	}
	if captureTimeMillis-prev.CaptureTime > s.knobs().Gap.Milliseconds() {
		return nil, nil
	}
	id := *prev.SegmentID
	return &id, nil
}

// Refresh runs Resegment and logs failures; the caller treats segmentation
// as fire-and-forget.
func (s *Segmenter) Refresh(ctx context.Context, device, date string) {
	if err := s.Resegment(ctx, device, date); err != nil {
		s.logger.Warn("segmentation refresh failed",
			logging.NewFields().Component("segmenter").Device(device).Date(date).Error(err).Zap()...)
	}
}

// Resegment recomputes segment assignments for the suffix of the device-date
// starting at the earliest unsegmented record. The prefix is untouched; new
// ids are strictly greater than any pre-existing id on the device-date.
func (s *Segmenter) Resegment(ctx context.Context, device, date string) error {
	unlock := s.locks.lock(device + "/" + date)
	defer unlock()

	tStar, ok, err := s.repo.EarliestUnsegmented(ctx, device, date)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	// Read the max id before clearing: new ids must be strictly greater
	// than every id that existed on the device-date at call time.
	maxID, err := s.repo.MaxSegmentID(ctx, device, date)
	if err != nil {
		return err
	}

	if err := s.repo.ClearSegmentIDsFrom(ctx, device, date, tStar); err != nil {
		return err
	}

	suffix, err := s.repo.ListDay(ctx, device, date, records.ListDayOptions{
		OnlyEmbedded: true,
		FromMillis:   tStar,
	})
	if err != nil {
		return err
	}
	if len(suffix) == 0 {
		return nil
	}

	vectors, err := s.fetchVectors(ctx, device, suffix)
	if err != nil {
		return err
	}

	knobs := s.knobs()
	segments := s.partition(suffix, vectors, knobs)

	nextID := maxID + 1
	for _, segment := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		paths := make([]string, len(segment))
		for i, rec := range segment {
			paths[i] = rec.Path
		}
		if err := s.repo.SetSegmentIDs(ctx, device, paths, nextID); err != nil {
			return err
		}
		s.metrics.SegmentsAssigned.Inc()
		s.events.SegmentCreated(ctx, Event{Device: device, Date: date, SegmentID: nextID, Paths: paths})
		nextID++
	}

	s.logger.Info("device-date resegmented",
		logging.NewFields().Component("segmenter").Device(device).Date(date).
			Count(len(segments)).Merge(map[string]any{"first_new_id": maxID + 1}).Zap()...)
	return nil
}

func (s *Segmenter) fetchVectors(ctx context.Context, device string, recs []records.AssetRecord) (map[string][]float32, error) {
	collection, err := s.vectors.Collection(ctx, device, vectorindex.DefaultModel)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = vectorindex.SanitizeID(rec.Path)
	}
	embs, err := collection.Fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(embs))
	for _, emb := range embs {
		out[emb.Path] = emb.Vector
	}
	return out, nil
}

// partition applies the boundary predicate, then merge-back and
// small-segment absorption.
func (s *Segmenter) partition(recs []records.AssetRecord, vectors map[string][]float32, knobs Knobs) [][]records.AssetRecord {
	theta := adaptiveTheta(recs, vectors, knobs.ThetaFloor)
	gapMillis := knobs.Gap.Milliseconds()

	var segments [][]records.AssetRecord
	current := []records.AssetRecord{recs[0]}
	for i := 1; i < len(recs); i++ {
		boundary := recs[i].CaptureTime-recs[i-1].CaptureTime > gapMillis
		if !boundary {
			prev, okPrev := vectors[recs[i-1].Path]
			cur, okCur := vectors[recs[i].Path]
			if okPrev && okCur && vectorindex.EuclideanDistance(prev, cur) > theta {
				boundary = true
			}
		}
		if boundary {
			segments = append(segments, current)
			current = nil
		}
		current = append(current, recs[i])
	}
	segments = append(segments, current)

	segments = mergeBack(segments, vectors, theta, gapMillis)
	return absorbSmall(segments, knobs, gapMillis)
}

// adaptiveTheta is mean(d) + 1.5*std(d) over consecutive distances, clamped
// to the floor, with a degenerate-statistics fallback to the floor.
func adaptiveTheta(recs []records.AssetRecord, vectors map[string][]float32, floor float64) float64 {
	var distances []float64
	for i := 1; i < len(recs); i++ {
		prev, okPrev := vectors[recs[i-1].Path]
		cur, okCur := vectors[recs[i].Path]
		if okPrev && okCur && len(prev) == len(cur) {
			distances = append(distances, vectorindex.EuclideanDistance(prev, cur))
		}
	}
	if len(distances) < 2 {
		return floor
	}

	theta := sharedmath.Mean(distances) + 1.5*sharedmath.StdDev(distances)
	if !sharedmath.IsFinite(theta) || theta < floor {
		return floor
	}
	return theta
}

// mergeBack joins adjacent segments whose centroids are within theta/2.
// Segments separated by more than the time gap stay apart; merge-back only
// undoes over-eager visual boundaries.
func mergeBack(segments [][]records.AssetRecord, vectors map[string][]float32, theta float64, gapMillis int64) [][]records.AssetRecord {
	if len(segments) < 2 {
		return segments
	}
	out := [][]records.AssetRecord{segments[0]}
	for _, segment := range segments[1:] {
		prev := out[len(out)-1]
		if segment[0].CaptureTime-prev[len(prev)-1].CaptureTime > gapMillis {
			out = append(out, segment)
			continue
		}
		prevCentroid, okPrev := centroid(prev, vectors)
		curCentroid, okCur := centroid(segment, vectors)
		if okPrev && okCur && vectorindex.EuclideanDistance(prevCentroid, curCentroid) < theta/2 {
			out[len(out)-1] = append(prev, segment...)
			continue
		}
		out = append(out, segment)
	}
	return out
}

// absorbSmall merges undersized segments into their predecessor when the
// time gap to it is under the boundary gap.
func absorbSmall(segments [][]records.AssetRecord, knobs Knobs, gapMillis int64) [][]records.AssetRecord {
	if len(segments) < 2 {
		return segments
	}
	out := [][]records.AssetRecord{segments[0]}
	for _, segment := range segments[1:] {
		prev := out[len(out)-1]
		gap := segment[0].CaptureTime - prev[len(prev)-1].CaptureTime
		if len(segment) < knobs.MinSize && gap < gapMillis {
			out[len(out)-1] = append(prev, segment...)
			continue
		}
		out = append(out, segment)
	}
	return out
}

func centroid(recs []records.AssetRecord, vectors map[string][]float32) ([]float32, bool) {
	var acc []float64
	n := 0
	for _, rec := range recs {
		v, ok := vectors[rec.Path]
		if !ok {
			continue
		}
		if acc == nil {
			acc = make([]float64, len(v))
		}
		if len(v) != len(acc) {
			continue
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil, false
	}
	out := make([]float32, len(acc))
	for i, x := range acc {
		out[i] = float32(x / float64(n))
	}
	return out, true
}

// Compact densifies a device-date's segment ids to 0..k preserving
// chronological order. The reconciler runs this lazily; deletions can leave
// holes that suffix-only reassignment never fills.
func (s *Segmenter) Compact(ctx context.Context, device, date string) error {
	unlock := s.locks.lock(device + "/" + date)
	defer unlock()

	recs, err := s.repo.ListDay(ctx, device, date, records.ListDayOptions{OnlyEmbedded: true})
	if err != nil {
		return err
	}

	var orderedIDs []int
	seen := make(map[int]bool)
	byID := make(map[int][]string)
	for _, rec := range recs {
		if rec.SegmentID == nil {
			continue
		}
		id := *rec.SegmentID
		byID[id] = append(byID[id], rec.Path)
		if !seen[id] {
			seen[id] = true
			orderedIDs = append(orderedIDs, id)
		}
	}
	sort.Ints(orderedIDs)

	for target, id := range orderedIDs {
		if id == target {
			continue
		}
		if err := s.repo.SetSegmentIDs(ctx, device, byID[id], target); err != nil {
			return err
		}
	}
	return nil
}

// keyedMutex serialises work per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
