package records

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

func TestRecordRepository(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Record Repository Suite")
}

var recordCols = []string{
	"device", "path", "date", "capture_time", "kind", "content_hash",
	"thumbnail_path", "objects", "people", "segment_id", "activity",
	"activity_description", "activity_confidence", "deleted", "delete_time",
	"detected", "redacted", "embedded",
}

var _ = Describe("Repository", func() {
	var (
		repo   *Repository
		mockDB *sql.DB
		mock   sqlmock.Sqlmock
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		mockDB, mock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())

		repo = NewRepository(sqlx.NewDb(mockDB, "sqlmock"), zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	newRow := func(device, path, date string, captureTime int64, segmentID any) *sqlmock.Rows {
		return sqlmock.NewRows(recordCols).AddRow(
			device, path, date, captureTime, "image", "", "",
			[]byte(`[]`), []byte(`[]`), segmentID, "", "", "",
			false, nil, false, false, false)
	}

	Describe("Get", func() {
		It("should return the record when present", func() {
			mock.ExpectQuery(`FROM asset_records WHERE device = \$1 AND path = \$2`).
				WithArgs("D1", "2025-01-01/20250101_093000.jpg").
				WillReturnRows(newRow("D1", "2025-01-01/20250101_093000.jpg", "2025-01-01", 1735723800000, nil))

			rec, err := repo.Get(ctx, "D1", "2025-01-01/20250101_093000.jpg")

			Expect(err).ToNot(HaveOccurred())
			Expect(rec.Device).To(Equal("D1"))
			Expect(rec.CaptureTime).To(Equal(int64(1735723800000)))
			Expect(rec.Segmented()).To(BeFalse())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("should return not_found for a missing row", func() {
			mock.ExpectQuery(`FROM asset_records WHERE device = \$1 AND path = \$2`).
				WithArgs("D1", "2025-01-01/missing.jpg").
				WillReturnError(sql.ErrNoRows)

			_, err := repo.Get(ctx, "D1", "2025-01-01/missing.jpg")

			Expect(err).To(HaveOccurred())
			Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
		})
	})

	Describe("Upsert", func() {
		It("should insert with conflict clause preserving stage flags", func() {
			mock.ExpectExec(`ON CONFLICT \(device, path\) DO UPDATE SET`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			rec := &AssetRecord{
				Device:      "D1",
				Path:        "2025-01-01/20250101_093000.jpg",
				Date:        "2025-01-01",
				CaptureTime: 1735723800000,
				Kind:        "image",
			}
			Expect(repo.Upsert(ctx, rec)).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("should surface transient_io on database failure", func() {
			mock.ExpectExec(`INSERT INTO asset_records`).
				WillReturnError(sql.ErrConnDone)

			err := repo.Upsert(ctx, &AssetRecord{Device: "D1", Path: "p", Date: "2025-01-01"})

			Expect(apperrors.IsType(err, apperrors.ErrorTypeTransientIO)).To(BeTrue())
		})
	})

	Describe("Stage flag updates", func() {
		It("should mark detected with detection payloads", func() {
			mock.ExpectExec(`UPDATE asset_records SET objects = \$3, people = \$4, detected = TRUE`).
				WillReturnResult(sqlmock.NewResult(0, 1))

			objects := DetectionList{{Label: "cup", Confidence: 0.8, BBox: [4]int{1, 2, 3, 4}}}
			people := FaceList{{Detection: Detection{Label: RedactedFaceLabel, Confidence: 0.9, BBox: [4]int{5, 6, 7, 8}}}}
			Expect(repo.MarkDetected(ctx, "D1", "p", objects, people)).To(Succeed())
		})

		It("should mark redacted with the thumbnail path", func() {
			mock.ExpectExec(`UPDATE asset_records SET thumbnail_path = \$3, redacted = TRUE`).
				WithArgs("D1", "p", "/thumbs/D1/2025-01-01/20250101_093000.webp").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.MarkRedacted(ctx, "D1", "p", "/thumbs/D1/2025-01-01/20250101_093000.webp")).To(Succeed())
		})

		It("should mark embedded", func() {
			mock.ExpectExec(`UPDATE asset_records SET embedded = TRUE`).
				WithArgs("D1", "p").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.MarkEmbedded(ctx, "D1", "p")).To(Succeed())
		})

		It("should report not_found when the row does not exist", func() {
			mock.ExpectExec(`UPDATE asset_records SET embedded = TRUE`).
				WithArgs("D1", "absent").
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := repo.MarkEmbedded(ctx, "D1", "absent")
			Expect(apperrors.IsType(err, apperrors.ErrorTypeNotFound)).To(BeTrue())
		})
	})

	Describe("Segment assignment", func() {
		It("should clear segment ids from the suffix start", func() {
			mock.ExpectExec(`UPDATE asset_records SET segment_id = NULL`).
				WithArgs("D1", "2025-01-01", int64(1735723830000)).
				WillReturnResult(sqlmock.NewResult(0, 3))

			Expect(repo.ClearSegmentIDsFrom(ctx, "D1", "2025-01-01", 1735723830000)).To(Succeed())
		})

		It("should assign a segment id to a batch of paths", func() {
			mock.ExpectExec(`UPDATE asset_records SET segment_id = \$1 WHERE device = \$2 AND path IN \(\$3, \$4\)`).
				WithArgs(2, "D1", "a.jpg", "b.jpg").
				WillReturnResult(sqlmock.NewResult(0, 2))

			Expect(repo.SetSegmentIDs(ctx, "D1", []string{"a.jpg", "b.jpg"}, 2)).To(Succeed())
		})

		It("should skip empty batches without touching the database", func() {
			Expect(repo.SetSegmentIDs(ctx, "D1", nil, 2)).To(Succeed())
		})

		It("should return -1 when the device-date has no segments", func() {
			mock.ExpectQuery(`SELECT MAX\(segment_id\) FROM asset_records`).
				WithArgs("D1", "2025-01-01").
				WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

			maxID, err := repo.MaxSegmentID(ctx, "D1", "2025-01-01")
			Expect(err).ToNot(HaveOccurred())
			Expect(maxID).To(Equal(-1))
		})

		It("should return the earliest unsegmented capture time", func() {
			mock.ExpectQuery(`SELECT MIN\(capture_time\) FROM asset_records`).
				WithArgs("D1", "2025-01-01").
				WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(int64(1735723830000)))

			ts, ok, err := repo.EarliestUnsegmented(ctx, "D1", "2025-01-01")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(ts).To(Equal(int64(1735723830000)))
		})

		It("should report ok=false when everything is segmented", func() {
			mock.ExpectQuery(`SELECT MIN\(capture_time\) FROM asset_records`).
				WithArgs("D1", "2025-01-01").
				WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

			_, ok, err := repo.EarliestUnsegmented(ctx, "D1", "2025-01-01")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Scans", func() {
		It("should list a day in chronological order", func() {
			rows := newRow("D1", "2025-01-01/20250101_093000.jpg", "2025-01-01", 1735723800000, 0).
				AddRow("D1", "2025-01-01/20250101_093100.jpg", "2025-01-01", 1735723860000, "image", "", "",
					[]byte(`[]`), []byte(`[]`), 0, "", "", "", false, nil, true, true, true)
			mock.ExpectQuery(`FROM asset_records WHERE device = \$1 AND date = \$2 AND deleted = FALSE ORDER BY capture_time ASC`).
				WithArgs("D1", "2025-01-01").
				WillReturnRows(rows)

			recs, err := repo.ListDay(ctx, "D1", "2025-01-01", ListDayOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(recs).To(HaveLen(2))
			Expect(recs[0].CaptureTime).To(BeNumerically("<", recs[1].CaptureTime))
		})

		It("should restrict to embedded records when asked", func() {
			mock.ExpectQuery(`AND deleted = FALSE AND embedded = TRUE ORDER BY capture_time ASC`).
				WithArgs("D1", "2025-01-01").
				WillReturnRows(newRow("D1", "p", "2025-01-01", 1, nil))

			_, err := repo.ListDay(ctx, "D1", "2025-01-01", ListDayOptions{OnlyEmbedded: true})
			Expect(err).ToNot(HaveOccurred())
		})

		It("should fetch the tombstone set", func() {
			mock.ExpectQuery(`SELECT path FROM asset_records WHERE device = \$1 AND deleted = TRUE`).
				WithArgs("D1").
				WillReturnRows(sqlmock.NewRows([]string{"path"}).AddRow("2025-01-01/b.jpg"))

			tombstones, err := repo.DeletedPaths(ctx, "D1")
			Expect(err).ToNot(HaveOccurred())
			Expect(tombstones).To(HaveKey("2025-01-01/b.jpg"))
		})

		It("should group a day's records by segment id", func() {
			rows := newRow("D1", "a.jpg", "2025-01-01", 1, 0).
				AddRow("D1", "b.jpg", "2025-01-01", 2, "image", "", "",
					[]byte(`[]`), []byte(`[]`), 0, "", "", "", false, nil, true, true, true).
				AddRow("D1", "c.jpg", "2025-01-01", 3, "image", "", "",
					[]byte(`[]`), []byte(`[]`), 1, "", "", "", false, nil, true, true, true)
			mock.ExpectQuery(`AND deleted = FALSE AND segment_id IS NOT NULL ORDER BY capture_time ASC`).
				WithArgs("D1", "2025-01-01").
				WillReturnRows(rows)

			groups, err := repo.GroupBySegment(ctx, "D1", "2025-01-01", -1)
			Expect(err).ToNot(HaveOccurred())
			Expect(groups).To(HaveLen(2))
			Expect(groups[0]).To(HaveLen(2))
			Expect(groups[1]).To(HaveLen(1))
		})
	})

	Describe("Soft delete and retention", func() {
		It("should stamp delete_time only once", func() {
			mock.ExpectExec(`UPDATE asset_records SET deleted = TRUE, delete_time = COALESCE\(delete_time, \$3\)`).
				WithArgs("D1", "p", int64(1735723800000)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.MarkDeleted(ctx, "D1", "p", 1735723800000)).To(Succeed())
		})

		It("should find records past the retention cutoff", func() {
			rows := sqlmock.NewRows(recordCols).AddRow(
				"D1", "old.jpg", "2024-11-01", int64(1730419200000), "image", "", "",
				[]byte(`[]`), []byte(`[]`), nil, "", "", "",
				true, int64(1730419200000), true, true, true)
			mock.ExpectQuery(`WHERE deleted = TRUE AND delete_time IS NOT NULL AND delete_time < \$1`).
				WithArgs(int64(1733011200000)).
				WillReturnRows(rows)

			recs, err := repo.DeletedBefore(ctx, 1733011200000)
			Expect(err).ToNot(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Deleted).To(BeTrue())
		})

		It("should delete rows permanently", func() {
			mock.ExpectExec(`DELETE FROM asset_records WHERE device = \$1 AND path = \$2`).
				WithArgs("D1", "old.jpg").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.DeleteRow(ctx, "D1", "old.jpg")).To(Succeed())
		})
	})

	Describe("SetActivity", func() {
		It("should write describer output across the segment", func() {
			mock.ExpectExec(`SET activity = \$3, activity_description = \$4, activity_confidence = \$5`).
				WithArgs("D1", 2, "Making Coffee", "Standing at the machine", "High").
				WillReturnResult(sqlmock.NewResult(0, 4))

			Expect(repo.SetActivity(ctx, "D1", 2, "Making Coffee", "Standing at the machine", "High")).To(Succeed())
		})
	})
})
