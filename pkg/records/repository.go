package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

// Repository is the single writer for asset_records rows.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRepository wraps the given database handle.
func NewRepository(db *sqlx.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

const recordColumns = `device, path, date, capture_time, kind, content_hash,
	thumbnail_path, objects, people, segment_id, activity,
	activity_description, activity_confidence, deleted, delete_time,
	detected, redacted, embedded`

// Get returns the record for (device, path), or a not_found error.
func (r *Repository) Get(ctx context.Context, device, path string) (*AssetRecord, error) {
	var rec AssetRecord
	query := `SELECT ` + recordColumns + ` FROM asset_records WHERE device = $1 AND path = $2`
	if err := r.db.GetContext(ctx, &rec, query, device, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("asset record %s/%s", device, path))
		}
		return nil, apperrors.NewTransientIOError("get asset record", err)
	}
	return &rec, nil
}

// Upsert inserts the record or refreshes an existing row. Stage flags only
// ever transition false to true; the OR in the conflict clause enforces it.
func (r *Repository) Upsert(ctx context.Context, rec *AssetRecord) error {
	query := `INSERT INTO asset_records (` + recordColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (device, path) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			thumbnail_path = CASE WHEN EXCLUDED.thumbnail_path <> '' THEN EXCLUDED.thumbnail_path ELSE asset_records.thumbnail_path END,
			objects = EXCLUDED.objects,
			people = EXCLUDED.people,
			detected = asset_records.detected OR EXCLUDED.detected,
			redacted = asset_records.redacted OR EXCLUDED.redacted,
			embedded = asset_records.embedded OR EXCLUDED.embedded`
	_, err := r.db.ExecContext(ctx, query,
		rec.Device, rec.Path, rec.Date, rec.CaptureTime, rec.Kind, rec.ContentHash,
		rec.ThumbnailPath, rec.Objects, rec.People, rec.SegmentID, rec.Activity,
		rec.ActivityDescription, rec.ActivityConfidence, rec.Deleted, rec.DeleteTime,
		rec.Detected, rec.Redacted, rec.Embedded)
	if err != nil {
		return apperrors.NewTransientIOError("upsert asset record", err)
	}
	return nil
}

// MarkDetected stores detection output and sets the detected flag.
func (r *Repository) MarkDetected(ctx context.Context, device, path string, objects DetectionList, people FaceList) error {
	query := `UPDATE asset_records SET objects = $3, people = $4, detected = TRUE
		WHERE device = $1 AND path = $2`
	if err := r.execOne(ctx, "mark detected", query, device, path, objects, people); err != nil {
		return err
	}
	return nil
}

// MarkRedacted records the thumbnail location and sets the redacted flag.
func (r *Repository) MarkRedacted(ctx context.Context, device, path, thumbnailPath string) error {
	query := `UPDATE asset_records SET thumbnail_path = $3, redacted = TRUE
		WHERE device = $1 AND path = $2`
	return r.execOne(ctx, "mark redacted", query, device, path, thumbnailPath)
}

// MarkEmbedded sets the embedded flag.
func (r *Repository) MarkEmbedded(ctx context.Context, device, path string) error {
	query := `UPDATE asset_records SET embedded = TRUE WHERE device = $1 AND path = $2`
	return r.execOne(ctx, "mark embedded", query, device, path)
}

// SetSegmentID assigns one record's segment id (provisional assignment).
func (r *Repository) SetSegmentID(ctx context.Context, device, path string, segmentID int) error {
	query := `UPDATE asset_records SET segment_id = $3 WHERE device = $1 AND path = $2`
	return r.execOne(ctx, "set segment id", query, device, path, segmentID)
}

// SetSegmentIDs assigns one segment id to a batch of paths.
func (r *Repository) SetSegmentIDs(ctx context.Context, device string, paths []string, segmentID int) error {
	if len(paths) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE asset_records SET segment_id = ? WHERE device = ? AND path IN (?)`,
		segmentID, device, paths)
	if err != nil {
		return apperrors.NewTransientIOError("build segment update", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return apperrors.NewTransientIOError("set segment ids", err)
	}
	return nil
}

// ClearSegmentIDsFrom nulls segment ids for all non-deleted records of the
// device-date with capture_time at or after fromMillis. Only the segmenter
// calls this, under the device-date lock.
func (r *Repository) ClearSegmentIDsFrom(ctx context.Context, device, date string, fromMillis int64) error {
	query := `UPDATE asset_records SET segment_id = NULL
		WHERE device = $1 AND date = $2 AND capture_time >= $3 AND deleted = FALSE`
	if _, err := r.db.ExecContext(ctx, query, device, date, fromMillis); err != nil {
		return apperrors.NewTransientIOError("clear segment ids", err)
	}
	return nil
}

// MaxSegmentID returns the highest segment id on a device-date, or -1.
func (r *Repository) MaxSegmentID(ctx context.Context, device, date string) (int, error) {
	var maxID sql.NullInt64
	query := `SELECT MAX(segment_id) FROM asset_records
		WHERE device = $1 AND date = $2 AND deleted = FALSE`
	if err := r.db.GetContext(ctx, &maxID, query, device, date); err != nil {
		return -1, apperrors.NewTransientIOError("max segment id", err)
	}
	if !maxID.Valid {
		return -1, nil
	}
	return int(maxID.Int64), nil
}

// EarliestUnsegmented returns the smallest capture_time with a null segment
// id among non-deleted, embedded records of the device-date. ok is false
// when every record is segmented.
func (r *Repository) EarliestUnsegmented(ctx context.Context, device, date string) (int64, bool, error) {
	var ts sql.NullInt64
	query := `SELECT MIN(capture_time) FROM asset_records
		WHERE device = $1 AND date = $2 AND deleted = FALSE AND embedded = TRUE AND segment_id IS NULL`
	if err := r.db.GetContext(ctx, &ts, query, device, date); err != nil {
		return 0, false, apperrors.NewTransientIOError("earliest unsegmented", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// ListDayOptions narrow a device-date scan.
type ListDayOptions struct {
	OnlyEmbedded   bool
	IncludeDeleted bool
	FromMillis     int64 // inclusive lower bound when > 0
	Limit          int
	Offset         int
	OrderByPath    bool // default ordering is capture_time ascending
}

// ListDay returns a device-date's records in chronological order.
func (r *Repository) ListDay(ctx context.Context, device, date string, opts ListDayOptions) ([]AssetRecord, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + recordColumns + ` FROM asset_records WHERE device = $1 AND date = $2`)
	args := []any{device, date}
	if !opts.IncludeDeleted {
		sb.WriteString(` AND deleted = FALSE`)
	}
	if opts.OnlyEmbedded {
		sb.WriteString(` AND embedded = TRUE`)
	}
	if opts.FromMillis > 0 {
		args = append(args, opts.FromMillis)
		fmt.Fprintf(&sb, ` AND capture_time >= $%d`, len(args))
	}
	if opts.OrderByPath {
		sb.WriteString(` ORDER BY path ASC`)
	} else {
		sb.WriteString(` ORDER BY capture_time ASC`)
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&sb, ` OFFSET $%d`, len(args))
	}

	var recs []AssetRecord
	if err := r.db.SelectContext(ctx, &recs, sb.String(), args...); err != nil {
		return nil, apperrors.NewTransientIOError("list day records", err)
	}
	return recs, nil
}

// ListByPaths returns the device's records for the given paths, newest first.
func (r *Repository) ListByPaths(ctx context.Context, device string, paths []string) ([]AssetRecord, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+recordColumns+` FROM asset_records
		WHERE device = ? AND path IN (?) ORDER BY capture_time DESC`,
		device, paths)
	if err != nil {
		return nil, apperrors.NewTransientIOError("build path query", err)
	}
	var recs []AssetRecord
	if err := r.db.SelectContext(ctx, &recs, r.db.Rebind(query), args...); err != nil {
		return nil, apperrors.NewTransientIOError("list records by path", err)
	}
	return recs, nil
}

// DistinctPaths returns every path known for the device, deleted included.
func (r *Repository) DistinctPaths(ctx context.Context, device string) ([]string, error) {
	var paths []string
	query := `SELECT DISTINCT path FROM asset_records WHERE device = $1`
	if err := r.db.SelectContext(ctx, &paths, query, device); err != nil {
		return nil, apperrors.NewTransientIOError("distinct paths", err)
	}
	return paths, nil
}

// DeletedPaths returns the deletion tombstone set for a device.
func (r *Repository) DeletedPaths(ctx context.Context, device string) (map[string]bool, error) {
	var paths []string
	query := `SELECT path FROM asset_records WHERE device = $1 AND deleted = TRUE`
	if err := r.db.SelectContext(ctx, &paths, query, device); err != nil {
		return nil, apperrors.NewTransientIOError("deleted paths", err)
	}
	tombstones := make(map[string]bool, len(paths))
	for _, p := range paths {
		tombstones[p] = true
	}
	return tombstones, nil
}

// MarkDeleted soft-deletes a record, stamping delete_time once.
func (r *Repository) MarkDeleted(ctx context.Context, device, path string, deleteTimeMillis int64) error {
	query := `UPDATE asset_records SET deleted = TRUE, delete_time = COALESCE(delete_time, $3)
		WHERE device = $1 AND path = $2`
	return r.execOne(ctx, "mark deleted", query, device, path, deleteTimeMillis)
}

// DeletedBefore returns soft-deleted records whose delete_time is older than
// the cutoff, ready for physical cleanup.
func (r *Repository) DeletedBefore(ctx context.Context, cutoffMillis int64) ([]AssetRecord, error) {
	var recs []AssetRecord
	query := `SELECT ` + recordColumns + ` FROM asset_records
		WHERE deleted = TRUE AND delete_time IS NOT NULL AND delete_time < $1`
	if err := r.db.SelectContext(ctx, &recs, query, cutoffMillis); err != nil {
		return nil, apperrors.NewTransientIOError("deleted before", err)
	}
	return recs, nil
}

// DeleteRow removes the record permanently. Used by the retention sweep and
// by full cleanup of corrupt or missing assets.
func (r *Repository) DeleteRow(ctx context.Context, device, path string) error {
	query := `DELETE FROM asset_records WHERE device = $1 AND path = $2`
	if _, err := r.db.ExecContext(ctx, query, device, path); err != nil {
		return apperrors.NewTransientIOError("delete asset record", err)
	}
	return nil
}

// SetActivity writes the external describer's output onto every record of a
// device segment.
func (r *Repository) SetActivity(ctx context.Context, device string, segmentID int, activity, description, confidence string) error {
	query := `UPDATE asset_records
		SET activity = $3, activity_description = $4, activity_confidence = $5
		WHERE device = $1 AND segment_id = $2`
	if _, err := r.db.ExecContext(ctx, query, device, segmentID, activity, description, confidence); err != nil {
		return apperrors.NewTransientIOError("set activity", err)
	}
	return nil
}

// GroupBySegment returns a device-date's non-deleted records grouped by
// segment id, each group in chronological order. hour < 0 means whole day.
func (r *Repository) GroupBySegment(ctx context.Context, device, date string, hour int) (map[int][]AssetRecord, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + recordColumns + ` FROM asset_records
		WHERE device = $1 AND date = $2 AND deleted = FALSE AND segment_id IS NOT NULL`)
	args := []any{device, date}
	if hour >= 0 {
		start, end, err := hourBounds(date, hour)
		if err != nil {
			return nil, err
		}
		args = append(args, start, end)
		fmt.Fprintf(&sb, ` AND capture_time >= $%d AND capture_time < $%d`, len(args)-1, len(args))
	}
	sb.WriteString(` ORDER BY capture_time ASC`)

	var recs []AssetRecord
	if err := r.db.SelectContext(ctx, &recs, sb.String(), args...); err != nil {
		return nil, apperrors.NewTransientIOError("group by segment", err)
	}
	groups := make(map[int][]AssetRecord)
	for _, rec := range recs {
		if rec.SegmentID == nil {
			continue
		}
		groups[*rec.SegmentID] = append(groups[*rec.SegmentID], rec)
	}
	return groups, nil
}

// ActiveDates returns the distinct dates a device has non-deleted records on.
func (r *Repository) ActiveDates(ctx context.Context, device string) ([]string, error) {
	var dates []string
	query := `SELECT DISTINCT date FROM asset_records
		WHERE device = $1 AND deleted = FALSE ORDER BY date ASC`
	if err := r.db.SelectContext(ctx, &dates, query, device); err != nil {
		return nil, apperrors.NewTransientIOError("active dates", err)
	}
	return dates, nil
}

// Devices returns every device that owns at least one record.
func (r *Repository) Devices(ctx context.Context) ([]string, error) {
	var devices []string
	query := `SELECT DISTINCT device FROM asset_records ORDER BY device ASC`
	if err := r.db.SelectContext(ctx, &devices, query); err != nil {
		return nil, apperrors.NewTransientIOError("list record devices", err)
	}
	return devices, nil
}

func (r *Repository) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewTransientIOError(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError("asset record")
	}
	return nil
}

func hourBounds(date string, hour int) (int64, int64, error) {
	day, err := parseDate(date)
	if err != nil {
		return 0, 0, apperrors.NewInputError(fmt.Sprintf("invalid date %q", date))
	}
	start := day.Add(hourDuration(hour))
	end := start.Add(hourDuration(1))
	return start.UnixMilli(), end.UnixMilli(), nil
}
