package reconciler_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/lifelogd/lifelogd/pkg/assetstore"
	"github.com/lifelogd/lifelogd/pkg/metrics"
	"github.com/lifelogd/lifelogd/pkg/reconciler"
	"github.com/lifelogd/lifelogd/pkg/records"
	"github.com/lifelogd/lifelogd/pkg/testutil"
	"github.com/lifelogd/lifelogd/pkg/vectorindex"
	"github.com/lifelogd/lifelogd/pkg/worker"
)

func TestReconciler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reconciler Suite")
}

type fakeRepairer struct {
	mu       sync.Mutex
	redacted []string
	embedded []string
	store    *assetstore.Store
	repo     *testutil.RecordStore
	vectors  *vectorindex.MemoryProvider
}

func (f *fakeRepairer) Redact(ctx context.Context, device, relpath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, device+"/"+relpath)
	return nil
}

func (f *fakeRepairer) Embed(ctx context.Context, device, relpath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedded = append(f.embedded, device+"/"+relpath)
	return nil
}

func (f *fakeRepairer) Cleanup(ctx context.Context, device, relpath string) error {
	f.store.Delete(device, relpath)
	f.store.DeleteThumbnail(device, relpath)
	f.repo.DeleteRow(ctx, device, relpath)
	if c, err := f.vectors.Collection(ctx, device, vectorindex.DefaultModel); err == nil {
		c.Delete(ctx, vectorindex.SanitizeID(relpath))
	}
	return nil
}

type fakeSegmenter struct {
	mu          sync.Mutex
	resegmented []string
	compacted   []string
}

func (f *fakeSegmenter) Resegment(ctx context.Context, device, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resegmented = append(f.resegmented, device+"/"+date)
	return nil
}

func (f *fakeSegmenter) Compact(ctx context.Context, device, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compacted = append(f.compacted, device+"/"+date)
	return nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []worker.Job
}

func (f *fakeEnqueuer) Enqueue(job worker.Job) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return true
}

func (f *fakeEnqueuer) enqueued() []worker.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]worker.Job, len(f.jobs))
	copy(out, f.jobs)
	return out
}

var _ = Describe("Reconciler", func() {
	const deviceID = "D1"

	var (
		rec       *reconciler.Reconciler
		store     *assetstore.Store
		repo      *testutil.RecordStore
		vectors   *vectorindex.MemoryProvider
		repair    *fakeRepairer
		seg       *fakeSegmenter
		pool      *fakeEnqueuer
		root      string
		thumbRoot string
		ctx       context.Context
		nowMillis int64
	)

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "recon-assets")
		Expect(err).NotTo(HaveOccurred())
		thumbRoot, err = os.MkdirTemp("", "recon-thumbs")
		Expect(err).NotTo(HaveOccurred())
		store, err = assetstore.NewStore(root, thumbRoot, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		repo = testutil.NewRecordStore()
		vectors = vectorindex.NewMemoryProvider(4, 4, zap.NewNop())
		repair = &fakeRepairer{store: store, repo: repo, vectors: vectors}
		seg = &fakeSegmenter{}
		pool = &fakeEnqueuer{}

		rec = reconciler.New(store, repo, vectors, repair, seg, pool, nil, metrics.NewNop(), zap.NewNop())
		ctx = context.Background()
		nowMillis = time.Now().UnixMilli()
	})

	AfterEach(func() {
		os.RemoveAll(root)
		os.RemoveAll(thumbRoot)
	})

	fullRecord := func(relpath string, captureTime int64) *records.AssetRecord {
		return &records.AssetRecord{
			Device:      deviceID,
			Path:        relpath,
			Date:        assetstore.DateOf(relpath),
			CaptureTime: captureTime,
			Kind:        "image",
			StageFlags:  records.StageFlags{Detected: true, Redacted: true, Embedded: true},
		}
	}

	insertVector := func(relpath string) {
		c, err := vectors.Collection(ctx, deviceID, vectorindex.DefaultModel)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Insert(ctx, vectorindex.Embedding{
			ID: vectorindex.SanitizeID(relpath), Path: relpath, Vector: []float32{1, 0, 0, 0},
		})).To(Succeed())
	}

	writeThumb := func(relpath string) {
		thumb := store.ThumbnailPath(deviceID, relpath)
		Expect(os.MkdirAll(filepath.Dir(thumb), 0o755)).To(Succeed())
		Expect(os.WriteFile(thumb, []byte("webp"), 0o644)).To(Succeed())
	}

	Describe("SyncStores", func() {
		It("should enqueue pipeline runs for files with no record", func() {
			_, err := store.Put(deviceID, "2025-01-01/20250101_093000.jpg", []byte("img"))
			Expect(err).NotTo(HaveOccurred())

			rec.SyncStores(ctx)

			jobs := pool.enqueued()
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Path).To(Equal("2025-01-01/20250101_093000.jpg"))
		})

		It("should tombstone records whose file is gone", func() {
			Expect(repo.Upsert(ctx, fullRecord("2025-01-01/20250101_093000.jpg", nowMillis))).To(Succeed())

			rec.SyncStores(ctx)

			stored, err := repo.Get(ctx, deviceID, "2025-01-01/20250101_093000.jpg")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Deleted).To(BeTrue())
			Expect(stored.DeleteTime).NotTo(BeNil())
		})

		It("should repair a missing thumbnail for a completed record", func() {
			relpath := "2025-01-01/20250101_093000.jpg"
			_, err := store.Put(deviceID, relpath, []byte("img"))
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.Upsert(ctx, fullRecord(relpath, nowMillis))).To(Succeed())
			insertVector(relpath)

			rec.SyncStores(ctx)

			Expect(repair.redacted).To(ContainElement(deviceID + "/" + relpath))
		})

		It("should repair a missing embedding for a completed record", func() {
			relpath := "2025-01-01/20250101_093000.jpg"
			_, err := store.Put(deviceID, relpath, []byte("img"))
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.Upsert(ctx, fullRecord(relpath, nowMillis))).To(Succeed())
			writeThumb(relpath)

			rec.SyncStores(ctx)

			Expect(repair.embedded).To(ContainElement(deviceID + "/" + relpath))
		})

		It("should re-enqueue records with incomplete stages", func() {
			relpath := "2025-01-01/20250101_093000.jpg"
			_, err := store.Put(deviceID, relpath, []byte("img"))
			Expect(err).NotTo(HaveOccurred())
			partial := fullRecord(relpath, nowMillis)
			partial.Embedded = false
			Expect(repo.Upsert(ctx, partial)).To(Succeed())

			rec.SyncStores(ctx)

			Expect(pool.enqueued()).To(HaveLen(1))
		})

		It("should delete embeddings with no file behind them", func() {
			insertVector("2025-01-01/20250101_093000.jpg")

			rec.SyncStores(ctx)

			c, err := vectors.Collection(ctx, deviceID, vectorindex.DefaultModel)
			Expect(err).NotTo(HaveOccurred())
			ids, err := c.IDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(BeEmpty())
		})
	})

	Describe("ApplyRetention", func() {
		It("should purge assets past the retention window entirely", func() {
			relpath := "2024-11-01/20241101_120000.jpg"
			_, err := store.Put(deviceID, relpath, []byte("old"))
			Expect(err).NotTo(HaveOccurred())
			writeThumb(relpath)

			old := fullRecord(relpath, nowMillis-40*24*3600*1000)
			Expect(repo.Upsert(ctx, old)).To(Succeed())
			Expect(repo.MarkDeleted(ctx, deviceID, relpath, nowMillis-31*24*3600*1000)).To(Succeed())
			insertVector(relpath)

			rec.ApplyRetention(ctx)

			Expect(store.Exists(deviceID, relpath)).To(BeFalse())
			_, err = repo.Get(ctx, deviceID, relpath)
			Expect(err).To(HaveOccurred())
			c, err := vectors.Collection(ctx, deviceID, vectorindex.DefaultModel)
			Expect(err).NotTo(HaveOccurred())
			_, found, err := c.Get(ctx, vectorindex.SanitizeID(relpath))
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})

		It("should keep soft-deleted assets inside the window", func() {
			relpath := "2025-01-01/20250101_093000.jpg"
			_, err := store.Put(deviceID, relpath, []byte("recent"))
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.Upsert(ctx, fullRecord(relpath, nowMillis))).To(Succeed())
			Expect(repo.MarkDeleted(ctx, deviceID, relpath, nowMillis-24*3600*1000)).To(Succeed())

			rec.ApplyRetention(ctx)

			Expect(store.Exists(deviceID, relpath)).To(BeTrue())
			stored, err := repo.Get(ctx, deviceID, relpath)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Deleted).To(BeTrue())
		})
	})

	Describe("AgeFaces", func() {
		It("should delete stale non-whitelisted faces only", func() {
			// Device must be visible via records for discovery.
			Expect(repo.Upsert(ctx, fullRecord("2025-01-01/20250101_093000.jpg", nowMillis))).To(Succeed())
			_, err := store.Put(deviceID, "2025-01-01/20250101_093000.jpg", []byte("img"))
			Expect(err).NotTo(HaveOccurred())

			faces, err := vectors.Collection(ctx, deviceID, vectorindex.FaceModel)
			Expect(err).NotTo(HaveOccurred())
			Expect(faces.InsertBatch(ctx, []vectorindex.Embedding{
				{ID: "old", Vector: []float32{1, 0, 0, 0}, Timestamp: nowMillis - 2*3600*1000},
				{ID: "old-wl", Vector: []float32{0, 1, 0, 0}, Timestamp: nowMillis - 2*3600*1000, Whitelist: true},
				{ID: "fresh", Vector: []float32{0, 0, 1, 0}, Timestamp: nowMillis},
			})).To(Succeed())

			rec.AgeFaces(ctx)

			ids, err := faces.IDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(ConsistOf("fresh", "old-wl"))
		})
	})

	Describe("RefreshSegments", func() {
		It("should resegment device-dates with unsegmented records and compact", func() {
			record := fullRecord("2025-01-01/20250101_093000.jpg", nowMillis)
			Expect(repo.Upsert(ctx, record)).To(Succeed())

			rec.RefreshSegments(ctx)

			Expect(seg.resegmented).To(ContainElement("D1/2025-01-01"))
			Expect(seg.compacted).To(ContainElement("D1/2025-01-01"))
		})

		It("should skip resegmentation when everything is assigned", func() {
			record := fullRecord("2025-01-01/20250101_093000.jpg", nowMillis)
			id := 0
			record.SegmentID = &id
			Expect(repo.Upsert(ctx, record)).To(Succeed())

			rec.RefreshSegments(ctx)

			Expect(seg.resegmented).To(BeEmpty())
			Expect(seg.compacted).To(ContainElement("D1/2025-01-01"))
		})
	})
})
