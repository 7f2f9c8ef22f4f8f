package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
	"github.com/lifelogd/lifelogd/pkg/records"
)

// RecordStore is an in-memory stand-in for the SQL repository, honouring the
// same invariants: stage flags only rise, delete_time stamps once, scans are
// chronological.
type RecordStore struct {
	mu   sync.RWMutex
	rows map[string]*records.AssetRecord
}

// NewRecordStore returns an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{rows: make(map[string]*records.AssetRecord)}
}

func key(device, path string) string { return device + "\x00" + path }

func (s *RecordStore) Get(ctx context.Context, device, path string) (*records.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[key(device, path)]
	if !ok {
		return nil, apperrors.NewNotFoundError("asset record")
	}
	out := *rec
	return &out, nil
}

func (s *RecordStore) Upsert(ctx context.Context, rec *records.AssetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.Device, rec.Path)
	if existing, ok := s.rows[k]; ok {
		existing.ContentHash = rec.ContentHash
		if rec.ThumbnailPath != "" {
			existing.ThumbnailPath = rec.ThumbnailPath
		}
		existing.Objects = rec.Objects
		existing.People = rec.People
		existing.Detected = existing.Detected || rec.Detected
		existing.Redacted = existing.Redacted || rec.Redacted
		existing.Embedded = existing.Embedded || rec.Embedded
		return nil
	}
	clone := *rec
	s.rows[k] = &clone
	return nil
}

func (s *RecordStore) mutate(device, path string, fn func(*records.AssetRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[key(device, path)]
	if !ok {
		return apperrors.NewNotFoundError("asset record")
	}
	fn(rec)
	return nil
}

func (s *RecordStore) MarkDetected(ctx context.Context, device, path string, objects records.DetectionList, people records.FaceList) error {
	return s.mutate(device, path, func(r *records.AssetRecord) {
		r.Objects = objects
		r.People = people
		r.Detected = true
	})
}

func (s *RecordStore) MarkRedacted(ctx context.Context, device, path, thumbnailPath string) error {
	return s.mutate(device, path, func(r *records.AssetRecord) {
		r.ThumbnailPath = thumbnailPath
		r.Redacted = true
	})
}

func (s *RecordStore) MarkEmbedded(ctx context.Context, device, path string) error {
	return s.mutate(device, path, func(r *records.AssetRecord) {
		r.Embedded = true
	})
}

func (s *RecordStore) SetSegmentID(ctx context.Context, device, path string, segmentID int) error {
	id := segmentID
	return s.mutate(device, path, func(r *records.AssetRecord) {
		r.SegmentID = &id
	})
}

func (s *RecordStore) SetSegmentIDs(ctx context.Context, device string, paths []string, segmentID int) error {
	for _, p := range paths {
		if err := s.SetSegmentID(ctx, device, p, segmentID); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecordStore) ClearSegmentIDsFrom(ctx context.Context, device, date string, fromMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.rows {
		if rec.Device == device && rec.Date == date && !rec.Deleted && rec.CaptureTime >= fromMillis {
			rec.SegmentID = nil
		}
	}
	return nil
}

func (s *RecordStore) MaxSegmentID(ctx context.Context, device, date string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	maxID := -1
	for _, rec := range s.rows {
		if rec.Device == device && rec.Date == date && !rec.Deleted && rec.SegmentID != nil && *rec.SegmentID > maxID {
			maxID = *rec.SegmentID
		}
	}
	return maxID, nil
}

func (s *RecordStore) EarliestUnsegmented(ctx context.Context, device, date string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var earliest int64
	found := false
	for _, rec := range s.rows {
		if rec.Device == device && rec.Date == date && !rec.Deleted && rec.Embedded && rec.SegmentID == nil {
			if !found || rec.CaptureTime < earliest {
				earliest = rec.CaptureTime
				found = true
			}
		}
	}
	return earliest, found, nil
}

func (s *RecordStore) ListDay(ctx context.Context, device, date string, opts records.ListDayOptions) ([]records.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []records.AssetRecord
	for _, rec := range s.rows {
		if rec.Device != device || rec.Date != date {
			continue
		}
		if !opts.IncludeDeleted && rec.Deleted {
			continue
		}
		if opts.OnlyEmbedded && !rec.Embedded {
			continue
		}
		if opts.FromMillis > 0 && rec.CaptureTime < opts.FromMillis {
			continue
		}
		out = append(out, *rec)
	}
	if opts.OrderByPath {
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].CaptureTime < out[j].CaptureTime })
	}
	if opts.Offset > 0 && opts.Offset < len(out) {
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *RecordStore) ListByPaths(ctx context.Context, device string, paths []string) ([]records.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	var out []records.AssetRecord
	for _, rec := range s.rows {
		if rec.Device == device && want[rec.Path] {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaptureTime > out[j].CaptureTime })
	return out, nil
}

func (s *RecordStore) DistinctPaths(ctx context.Context, device string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, rec := range s.rows {
		if rec.Device == device {
			out = append(out, rec.Path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *RecordStore) DeletedPaths(ctx context.Context, device string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, rec := range s.rows {
		if rec.Device == device && rec.Deleted {
			out[rec.Path] = true
		}
	}
	return out, nil
}

func (s *RecordStore) MarkDeleted(ctx context.Context, device, path string, deleteTimeMillis int64) error {
	return s.mutate(device, path, func(r *records.AssetRecord) {
		r.Deleted = true
		if r.DeleteTime == nil {
			t := deleteTimeMillis
			r.DeleteTime = &t
		}
	})
}

func (s *RecordStore) DeletedBefore(ctx context.Context, cutoffMillis int64) ([]records.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []records.AssetRecord
	for _, rec := range s.rows {
		if rec.Deleted && rec.DeleteTime != nil && *rec.DeleteTime < cutoffMillis {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *RecordStore) DeleteRow(ctx context.Context, device, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key(device, path))
	return nil
}

func (s *RecordStore) SetActivity(ctx context.Context, device string, segmentID int, activity, description, confidence string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.rows {
		if rec.Device == device && rec.SegmentID != nil && *rec.SegmentID == segmentID {
			rec.Activity = activity
			rec.ActivityDescription = description
			rec.ActivityConfidence = confidence
		}
	}
	return nil
}

func (s *RecordStore) GroupBySegment(ctx context.Context, device, date string, hour int) (map[int][]records.AssetRecord, error) {
	recs, err := s.ListDay(ctx, device, date, records.ListDayOptions{})
	if err != nil {
		return nil, err
	}
	groups := make(map[int][]records.AssetRecord)
	for _, rec := range recs {
		if rec.SegmentID == nil {
			continue
		}
		groups[*rec.SegmentID] = append(groups[*rec.SegmentID], rec)
	}
	return groups, nil
}

func (s *RecordStore) ActiveDates(ctx context.Context, device string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, rec := range s.rows {
		if rec.Device == device && !rec.Deleted {
			seen[rec.Date] = true
		}
	}
	var out []string
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (s *RecordStore) Devices(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, rec := range s.rows {
		seen[rec.Device] = true
	}
	var out []string
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

// SegmentIDsFor is a test helper: the ordered (by capture time) segment ids
// of a device-date's non-deleted records, nils skipped.
func (s *RecordStore) SegmentIDsFor(device, date string) []int {
	recs, _ := s.ListDay(context.Background(), device, date, records.ListDayOptions{})
	var ids []int
	for _, rec := range recs {
		if rec.SegmentID != nil {
			ids = append(ids, *rec.SegmentID)
		}
	}
	return ids
}

// PathsWithPrefix is a test helper for asserting cleanup.
func (s *RecordStore) PathsWithPrefix(device, prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, rec := range s.rows {
		if rec.Device == device && strings.HasPrefix(rec.Path, prefix) {
			out = append(out, rec.Path)
		}
	}
	sort.Strings(out)
	return out
}
