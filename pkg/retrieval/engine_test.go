package retrieval_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/lifelogd/lifelogd/pkg/metrics"
	"github.com/lifelogd/lifelogd/pkg/records"
	"github.com/lifelogd/lifelogd/pkg/retrieval"
	"github.com/lifelogd/lifelogd/pkg/testutil"
	"github.com/lifelogd/lifelogd/pkg/vectorindex"
)

func TestRetrieval(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Retrieval Engine Suite")
}

type fakeEmbedder struct {
	textVectors  map[string][]float32
	imageVectors map[string][]float32
	dim          int
}

func (f *fakeEmbedder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	return f.textVectors[text], nil
}

func (f *fakeEmbedder) EncodeImage(ctx context.Context, absPath string) ([]float32, error) {
	return f.imageVectors[absPath], nil
}

func (f *fakeEmbedder) Dim() int { return f.dim }

type fakeFaceDetector struct {
	byCrop map[string][]records.FaceDetection
}

func (f *fakeFaceDetector) DetectFaces(ctx context.Context, absPath string) ([]records.FaceDetection, error) {
	return nil, nil
}

func (f *fakeFaceDetector) DetectFacesInBytes(ctx context.Context, image []byte) ([]records.FaceDetection, error) {
	return f.byCrop[string(image)], nil
}

var _ = Describe("Engine", func() {
	const (
		deviceID = "D1"
		dim      = 4
	)

	var (
		repo     *testutil.RecordStore
		vectors  *vectorindex.MemoryProvider
		devices  *testutil.DeviceSource
		embedder *fakeEmbedder
		faces    *fakeFaceDetector
		engine   *retrieval.Engine
		ctx      context.Context
	)

	BeforeEach(func() {
		repo = testutil.NewRecordStore()
		vectors = vectorindex.NewMemoryProvider(dim, dim, zap.NewNop())
		devices = testutil.NewDeviceSource(0) // no rotation by default
		embedder = &fakeEmbedder{
			dim:          dim,
			textVectors:  map[string][]float32{},
			imageVectors: map[string][]float32{},
		}
		faces = &fakeFaceDetector{byCrop: map[string][]records.FaceDetection{}}
		engine = retrieval.New(repo, vectors, devices, embedder, faces, metrics.NewNop(), zap.NewNop())
		ctx = context.Background()
	})

	addAsset := func(relpath string, captureTime int64, segmentID *int, vec []float32, deleted bool) {
		rec := &records.AssetRecord{
			Device:      deviceID,
			Path:        relpath,
			Date:        "2025-01-01",
			CaptureTime: captureTime,
			Kind:        "image",
			SegmentID:   segmentID,
			StageFlags:  records.StageFlags{Detected: true, Redacted: true, Embedded: true},
		}
		Expect(repo.Upsert(ctx, rec)).To(Succeed())
		if deleted {
			Expect(repo.MarkDeleted(ctx, deviceID, relpath, captureTime)).To(Succeed())
		}
		collection, err := vectors.Collection(ctx, deviceID, vectorindex.DefaultModel)
		Expect(err).NotTo(HaveOccurred())
		Expect(collection.Insert(ctx, vectorindex.Embedding{
			ID: vectorindex.SanitizeID(relpath), Path: relpath, Vector: vec,
		})).To(Succeed())
	}

	segID := func(n int) *int { return &n }

	Describe("SearchText", func() {
		BeforeEach(func() {
			embedder.textVectors["a cup of coffee"] = []float32{1, 0, 0, 0}
			// A: on-topic, segment 0. B: on-topic but deleted. C: off-topic.
			addAsset("2025-01-01/20250101_090000.jpg", 1000, segID(0), []float32{0.95, 0.05, 0, 0}, false)
			addAsset("2025-01-01/20250101_090100.jpg", 2000, segID(0), []float32{0.9, 0.1, 0, 0}, true)
			addAsset("2025-01-01/20250101_120000.jpg", 3000, segID(1), []float32{0, 0, 1, 0}, false)
		})

		It("should never return tombstoned paths", func() {
			groups, err := engine.SearchText(ctx, deviceID, "a cup of coffee", retrieval.Options{TopK: 10})
			Expect(err).NotTo(HaveOccurred())

			for _, group := range groups {
				for _, rec := range group {
					Expect(rec.Path).NotTo(Equal("2025-01-01/20250101_090100.jpg"))
				}
			}
		})

		It("should group results by segment and order by rank of first occurrence", func() {
			groups, err := engine.SearchText(ctx, deviceID, "a cup of coffee", retrieval.Options{TopK: 10})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(2))
			// The coffee image ranks first, so its segment group leads.
			Expect(*groups[0][0].SegmentID).To(Equal(0))
			Expect(*groups[1][0].SegmentID).To(Equal(1))
		})

		It("should honour the caller-supplied remove set", func() {
			groups, err := engine.SearchText(ctx, deviceID, "a cup of coffee", retrieval.Options{
				TopK:   10,
				Remove: map[string]bool{"2025-01-01/20250101_090000.jpg": true},
			})
			Expect(err).NotTo(HaveOccurred())
			for _, group := range groups {
				for _, rec := range group {
					Expect(rec.Path).NotTo(Equal("2025-01-01/20250101_090000.jpg"))
				}
			}
		})

		It("should apply the access predicate post-query", func() {
			groups, err := engine.SearchText(ctx, deviceID, "a cup of coffee", retrieval.Options{
				TopK:   10,
				Access: func(rec *records.AssetRecord) bool { return rec.CaptureTime >= 3000 },
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))
			Expect(groups[0][0].CaptureTime).To(Equal(int64(3000)))
		})

		It("should order groups by max capture time when sorting by time", func() {
			groups, err := engine.SearchText(ctx, deviceID, "a cup of coffee", retrieval.Options{
				TopK:   10,
				SortBy: retrieval.SortByTime,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(2))
			Expect(*groups[0][0].SegmentID).To(Equal(1)) // 12:00 segment is newest
		})

		It("should sort records inside a group by capture time descending", func() {
			embedder.textVectors["anything"] = []float32{0.9, 0.1, 0, 0}
			addAsset("2025-01-01/20250101_090200.jpg", 1500, segID(0), []float32{0.93, 0.07, 0, 0}, false)

			groups, err := engine.SearchText(ctx, deviceID, "anything", retrieval.Options{TopK: 10})
			Expect(err).NotTo(HaveOccurred())
			first := groups[0]
			for i := 1; i < len(first); i++ {
				Expect(first[i-1].CaptureTime).To(BeNumerically(">=", first[i].CaptureTime))
			}
		})

		It("should reject empty query text", func() {
			_, err := engine.SearchText(ctx, deviceID, "   ", retrieval.Options{})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("SearchText with device rotation", func() {
		It("should match when indexed vectors carry the same rotation", func() {
			devices = testutil.NewDeviceSource(dim)
			engine = retrieval.New(repo, vectors, devices, embedder, faces, metrics.NewNop(), zap.NewNop())

			dev, err := devices.Register(ctx, deviceID)
			Expect(err).NotTo(HaveOccurred())

			raw := []float32{1, 0, 0, 0}
			rotated, err := dev.Transform.Apply(raw)
			Expect(err).NotTo(HaveOccurred())

			rec := &records.AssetRecord{
				Device: deviceID, Path: "2025-01-01/20250101_090000.jpg",
				Date: "2025-01-01", CaptureTime: 1000,
				StageFlags: records.StageFlags{Embedded: true},
			}
			Expect(repo.Upsert(ctx, rec)).To(Succeed())
			collection, err := vectors.Collection(ctx, deviceID, vectorindex.DefaultModel)
			Expect(err).NotTo(HaveOccurred())
			Expect(collection.Insert(ctx, vectorindex.Embedding{
				ID: "r", Path: "2025-01-01/20250101_090000.jpg", Vector: rotated,
			})).To(Succeed())

			embedder.textVectors["query"] = raw
			groups, err := engine.SearchText(ctx, deviceID, "query", retrieval.Options{TopK: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))
			Expect(groups[0][0].Path).To(Equal("2025-01-01/20250101_090000.jpg"))
		})
	})

	Describe("SearchImage", func() {
		It("should use query-by-id for known paths", func() {
			addAsset("2025-01-01/20250101_090000.jpg", 1000, segID(0), []float32{1, 0, 0, 0}, false)
			addAsset("2025-01-01/20250101_090100.jpg", 2000, segID(0), []float32{0.98, 0.02, 0, 0}, false)

			groups, err := engine.SearchImage(ctx, deviceID, "2025-01-01/20250101_090000.jpg", retrieval.Options{TopK: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))
			Expect(groups[0]).To(HaveLen(2))
		})

		It("should encode unknown images fresh", func() {
			addAsset("2025-01-01/20250101_090000.jpg", 1000, segID(0), []float32{1, 0, 0, 0}, false)
			embedder.imageVectors["/tmp/query.jpg"] = []float32{1, 0, 0, 0}

			groups, err := engine.SearchImage(ctx, deviceID, "/tmp/query.jpg", retrieval.Options{TopK: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(groups).To(HaveLen(1))
			Expect(groups[0][0].Path).To(Equal("2025-01-01/20250101_090000.jpg"))
		})
	})

	Describe("SearchFaces", func() {
		BeforeEach(func() {
			collection, err := vectors.Collection(ctx, deviceID, vectorindex.FaceModel)
			Expect(err).NotTo(HaveOccurred())

			for i, p := range []string{
				"2025-01-01/20250101_090000.jpg",
				"2025-01-01/20250101_100000.jpg",
			} {
				rec := &records.AssetRecord{
					Device: deviceID, Path: p, Date: "2025-01-01",
					CaptureTime: int64((i + 1) * 1000),
					StageFlags:  records.StageFlags{Embedded: true},
				}
				Expect(repo.Upsert(ctx, rec)).To(Succeed())
			}
			Expect(collection.Insert(ctx, vectorindex.Embedding{
				ID: "f1", Path: "2025-01-01/20250101_090000.jpg",
				Vector: []float32{1, 0, 0, 0}, Timestamp: 1000,
			})).To(Succeed())
			Expect(collection.Insert(ctx, vectorindex.Embedding{
				ID: "f2", Path: "2025-01-01/20250101_100000.jpg",
				Vector: []float32{0.97, 0.03, 0, 0}, Timestamp: 2000,
			})).To(Succeed())

			faces.byCrop["alice-crop"] = []records.FaceDetection{{
				Detection: records.Detection{Label: "face", Confidence: 0.95, BBox: [4]int{0, 0, 10, 10}},
				Embedding: []float32{1, 0, 0, 0},
			}}
		})

		It("should union hits across references ordered newest first", func() {
			results, err := engine.SearchFaces(ctx, deviceID, [][]byte{[]byte("alice-crop")}, retrieval.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(results[0].CaptureTime).To(BeNumerically(">", results[1].CaptureTime))
		})

		It("should skip crops with no detectable face", func() {
			results, err := engine.SearchFaces(ctx, deviceID, [][]byte{[]byte("no-face")}, retrieval.Options{})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())
		})

		It("should filter tombstoned assets", func() {
			Expect(repo.MarkDeleted(ctx, deviceID, "2025-01-01/20250101_090000.jpg", 99)).To(Succeed())

			results, err := engine.SearchFaces(ctx, deviceID, [][]byte{[]byte("alice-crop")}, retrieval.Options{})
			Expect(err).NotTo(HaveOccurred())
			for _, rec := range results {
				Expect(rec.Path).NotTo(Equal("2025-01-01/20250101_090000.jpg"))
			}
		})
	})
})

var _ = Describe("Representative selection", func() {
	vec := func(dir float32) []float32 { return []float32{dir, 1 - dir, 0, 0} }

	Describe("RepresentativeCount", func() {
		It("should clamp ceil(n/100) to [3, 8] and to n", func() {
			testCases := []struct{ n, want int }{
				{0, 0},
				{1, 1},
				{2, 2},
				{3, 3},
				{50, 3},
				{100, 3},
				{301, 4},
				{650, 7},
				{800, 8},
				{5000, 8},
			}
			for _, tc := range testCases {
				Expect(retrieval.RepresentativeCount(tc.n)).To(Equal(tc.want), "n=%d", tc.n)
			}
		})
	})

	Describe("SelectRepresentatives", func() {
		It("should return the count dictated by the cardinality rule", func() {
			var candidates []retrieval.PathVector
			for i := 0; i < 10; i++ {
				candidates = append(candidates, retrieval.PathVector{
					Path:   time.Unix(int64(i), 0).Format("150405") + ".jpg",
					Vector: vec(0.9),
				})
			}
			Expect(retrieval.SelectRepresentatives(candidates, nil)).To(HaveLen(3))
		})

		It("should prefer vectors near the centroid without a query", func() {
			candidates := []retrieval.PathVector{
				{Path: "outlier.jpg", Vector: []float32{0, 0, 0, 1}},
				{Path: "central-1.jpg", Vector: vec(0.9)},
				{Path: "central-2.jpg", Vector: vec(0.88)},
				{Path: "central-3.jpg", Vector: vec(0.92)},
			}
			picks := retrieval.SelectRepresentatives(candidates, nil)
			Expect(picks).To(HaveLen(3))
			Expect(picks).NotTo(ContainElement("outlier.jpg"))
		})

		It("should blend in the query embedding when present", func() {
			candidates := []retrieval.PathVector{
				{Path: "a.jpg", Vector: []float32{1, 0, 0, 0}},
				{Path: "b.jpg", Vector: []float32{0.7, 0.7, 0, 0}},
				{Path: "c.jpg", Vector: []float32{0, 1, 0, 0}},
			}
			query := []float32{0, 1, 0, 0}
			picks := retrieval.SelectRepresentatives(candidates, query)
			Expect(picks).To(HaveLen(3))
			// With the query pulling towards c, it must not rank last.
			Expect(picks[2]).NotTo(Equal("c.jpg"))
		})

		It("should handle an empty candidate set", func() {
			Expect(retrieval.SelectRepresentatives(nil, nil)).To(BeEmpty())
		})
	})
})
