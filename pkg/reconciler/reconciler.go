package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lifelogd/lifelogd/pkg/assetstore"
	"github.com/lifelogd/lifelogd/pkg/metrics"
	"github.com/lifelogd/lifelogd/pkg/records"
	"github.com/lifelogd/lifelogd/pkg/shared/logging"
	"github.com/lifelogd/lifelogd/pkg/vectorindex"
	"github.com/lifelogd/lifelogd/pkg/worker"
)

// RecordStore is the slice of the record repository the reconciler reads
// and repairs through.
type RecordStore interface {
	Get(ctx context.Context, device, path string) (*records.AssetRecord, error)
	DistinctPaths(ctx context.Context, device string) ([]string, error)
	MarkDeleted(ctx context.Context, device, path string, deleteTimeMillis int64) error
	DeletedBefore(ctx context.Context, cutoffMillis int64) ([]records.AssetRecord, error)
	ActiveDates(ctx context.Context, device string) ([]string, error)
	EarliestUnsegmented(ctx context.Context, device, date string) (int64, bool, error)
	Devices(ctx context.Context) ([]string, error)
}

// Repairer exposes the pipeline's targeted repair actions.
type Repairer interface {
	Redact(ctx context.Context, device, relpath string) error
	Embed(ctx context.Context, device, relpath string) error
	Cleanup(ctx context.Context, device, relpath string) error
}

// Resegmenter is the segmenter surface the refresh step drives.
type Resegmenter interface {
	Resegment(ctx context.Context, device, date string) error
	Compact(ctx context.Context, device, date string) error
}

// Enqueuer feeds full pipeline runs back into the worker pool.
type Enqueuer interface {
	Enqueue(job worker.Job) bool
}

// Knobs are the retention tunables, read per sweep.
type Knobs struct {
	RetentionWindow time.Duration
	FaceMaxAge      time.Duration
	Interval        time.Duration
}

// DefaultKnobs matches the design values: 30-day retention, 1-hour face
// aging, hourly sweeps.
func DefaultKnobs() Knobs {
	return Knobs{
		RetentionWindow: 30 * 24 * time.Hour,
		FaceMaxAge:      time.Hour,
		Interval:        time.Hour,
	}
}

// Reconciler keeps the filesystem, the record store and the vector index
// mutually consistent, and applies retention. It never aborts: every failure
// is logged and retried on the next cycle.
type Reconciler struct {
	store   *assetstore.Store
	repo    RecordStore
	vectors vectorindex.Provider
	repair  Repairer
	seg     Resegmenter
	pool    Enqueuer
	knobs   func() Knobs
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New wires a reconciler. knobs may be nil for the defaults.
func New(
	store *assetstore.Store,
	repo RecordStore,
	vectors vectorindex.Provider,
	repair Repairer,
	seg Resegmenter,
	pool Enqueuer,
	knobs func() Knobs,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Reconciler {
	if knobs == nil {
		knobs = DefaultKnobs
	}
	return &Reconciler{
		store:   store,
		repo:    repo,
		vectors: vectors,
		repair:  repair,
		seg:     seg,
		pool:    pool,
		knobs:   knobs,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

// Run executes sweeps on the configured cadence until ctx is cancelled.
// Face aging runs on its own ticker at a quarter of the sweep interval.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.knobs().Interval
	sweep := time.NewTicker(interval)
	faces := time.NewTicker(interval / 4)
	defer sweep.Stop()
	defer faces.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-faces.C:
			r.AgeFaces(ctx)
		case <-sweep.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes one full sweep: three-way sync, retention, face aging
// and segmentation refresh.
func (r *Reconciler) RunOnce(ctx context.Context) {
	started := r.now()
	r.SyncStores(ctx)
	r.ApplyRetention(ctx)
	r.AgeFaces(ctx)
	r.RefreshSegments(ctx)
	r.metrics.ReconcileSweeps.Inc()
	r.logger.Info("reconciler sweep finished",
		logging.NewFields().Component("reconciler").Duration(time.Since(started)).Zap()...)
}

// SyncStores computes per-device set differences between the filesystem,
// the records and the vector index, and resolves each difference.
func (r *Reconciler) SyncStores(ctx context.Context) {
	devices := r.allDevices(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, deviceID := range devices {
		g.Go(func() error {
			r.syncDevice(gctx, deviceID)
			return nil
		})
	}
	g.Wait()
}

func (r *Reconciler) allDevices(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string
	if fsDevices, err := r.store.ListDevices(); err == nil {
		for _, d := range fsDevices {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	} else {
		r.logger.Warn("failed to list filesystem devices", zap.Error(err))
	}
	if recDevices, err := r.repo.Devices(ctx); err == nil {
		for _, d := range recDevices {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	} else {
		r.logger.Warn("failed to list record devices", zap.Error(err))
	}
	return out
}

func (r *Reconciler) syncDevice(ctx context.Context, deviceID string) {
	fields := logging.NewFields().Component("reconciler").Device(deviceID)

	fsPaths := r.filesystemPaths(deviceID)
	recPaths, err := r.repo.DistinctPaths(ctx, deviceID)
	if err != nil {
		r.logger.Warn("failed to scan records", fields.Error(err).Zap()...)
		return
	}
	recSet := make(map[string]bool, len(recPaths))
	for _, p := range recPaths {
		recSet[p] = true
	}

	// Present on disk, absent from records: run the pipeline from stage 1.
	for p := range fsPaths {
		if !recSet[p] {
			r.pool.Enqueue(worker.Job{Device: deviceID, Path: p})
		}
	}

	// Known records: repair missing files, thumbnails and vectors.
	collection, err := r.vectors.Collection(ctx, deviceID, vectorindex.DefaultModel)
	if err != nil {
		r.logger.Warn("failed to open vector collection", fields.Error(err).Zap()...)
		return
	}
	vecIDs, err := collection.IDs(ctx)
	if err != nil {
		r.logger.Warn("failed to scan vector ids", fields.Error(err).Zap()...)
		return
	}
	vecSet := make(map[string]bool, len(vecIDs))
	for _, id := range vecIDs {
		vecSet[id] = true
	}

	for _, p := range recPaths {
		if err := ctx.Err(); err != nil {
			return
		}
		rec, err := r.repo.Get(ctx, deviceID, p)
		if err != nil {
			continue
		}

		if !fsPaths[p] {
			// Original gone: preserve the tombstone; retention purges later.
			if !rec.Deleted {
				if err := r.repo.MarkDeleted(ctx, deviceID, p, r.now().UnixMilli()); err != nil {
					r.logger.Warn("failed to tombstone orphan record", fields.Error(err).Zap()...)
				}
			}
			continue
		}
		if rec.Deleted {
			continue
		}

		if !rec.Detected || !rec.Redacted || !rec.Embedded {
			r.pool.Enqueue(worker.Job{Device: deviceID, Path: p})
			continue
		}
		if !r.store.ThumbnailExists(deviceID, p) {
			if err := r.repair.Redact(ctx, deviceID, p); err != nil {
				r.logger.Warn("thumbnail repair failed", fields.Merge(map[string]any{"asset_path": p}).Error(err).Zap()...)
			}
		}
		if !vecSet[vectorindex.SanitizeID(p)] {
			if err := r.repair.Embed(ctx, deviceID, p); err != nil {
				r.logger.Warn("embedding repair failed", fields.Merge(map[string]any{"asset_path": p}).Error(err).Zap()...)
			}
		}
	}

	// Vectors with no file behind them are deleted, whether or not a record
	// still exists.
	fsSanitized := make(map[string]bool, len(fsPaths))
	for p := range fsPaths {
		fsSanitized[vectorindex.SanitizeID(p)] = true
	}
	for _, id := range vecIDs {
		if !fsSanitized[id] {
			if err := collection.Delete(ctx, id); err != nil {
				r.logger.Warn("failed to delete orphan embedding", fields.Error(err).Zap()...)
			}
		}
	}
}

func (r *Reconciler) filesystemPaths(deviceID string) map[string]bool {
	out := make(map[string]bool)
	dates, err := r.store.ListDates(deviceID)
	if err != nil {
		r.logger.Warn("failed to list dates", logging.NewFields().Device(deviceID).Error(err).Zap()...)
		return out
	}
	for _, date := range dates {
		files, err := r.store.ListFiles(deviceID, date)
		if err != nil {
			continue
		}
		for _, f := range files {
			out[f] = true
		}
	}
	return out
}

// ApplyRetention physically removes soft-deleted assets whose retention
// window has elapsed. Idempotent and partial-failure tolerant: whatever
// survives this pass is retried on the next.
func (r *Reconciler) ApplyRetention(ctx context.Context) {
	cutoff := r.now().Add(-r.knobs().RetentionWindow).UnixMilli()
	expired, err := r.repo.DeletedBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warn("retention scan failed", zap.Error(err))
		return
	}
	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := r.repair.Cleanup(ctx, rec.Device, rec.Path); err != nil {
			r.logger.Warn("retention cleanup failed",
				logging.NewFields().Component("reconciler").Device(rec.Device).
					Asset(rec.Path).Error(err).Zap()...)
			continue
		}
		r.metrics.RetentionPurged.Inc()
	}
}

// AgeFaces deletes non-whitelisted face embeddings older than the face age
// limit. Whitelisted faces persist indefinitely.
func (r *Reconciler) AgeFaces(ctx context.Context) {
	cutoff := r.now().Add(-r.knobs().FaceMaxAge).UnixMilli()
	for _, deviceID := range r.allDevices(ctx) {
		collection, err := r.vectors.Collection(ctx, deviceID, vectorindex.FaceModel)
		if err != nil {
			continue
		}
		removed, err := collection.DeleteStale(ctx, cutoff)
		if err != nil {
			r.logger.Warn("face aging failed",
				logging.NewFields().Component("reconciler").Device(deviceID).Error(err).Zap()...)
			continue
		}
		if removed > 0 {
			r.logger.Info("aged face embeddings",
				logging.NewFields().Component("reconciler").Device(deviceID).Count(removed).Zap()...)
		}
	}
}

// RefreshSegments resegments every device-date with unsegmented records and
// lazily compacts segment ids back to a dense prefix.
func (r *Reconciler) RefreshSegments(ctx context.Context) {
	for _, deviceID := range r.allDevices(ctx) {
		dates, err := r.repo.ActiveDates(ctx, deviceID)
		if err != nil {
			continue
		}
		for _, date := range dates {
			if err := ctx.Err(); err != nil {
				return
			}
			if _, pending, err := r.repo.EarliestUnsegmented(ctx, deviceID, date); err == nil && pending {
				if err := r.seg.Resegment(ctx, deviceID, date); err != nil {
					r.logger.Warn("resegmentation failed",
						logging.NewFields().Component("reconciler").Device(deviceID).Date(date).Error(err).Zap()...)
					continue
				}
			}
			if err := r.seg.Compact(ctx, deviceID, date); err != nil {
				r.logger.Warn("segment compaction failed",
					logging.NewFields().Component("reconciler").Device(deviceID).Date(date).Error(err).Zap()...)
			}
		}
	}
}
