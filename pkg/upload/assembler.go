package upload

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
	"github.com/lifelogd/lifelogd/pkg/assetstore"
	"github.com/lifelogd/lifelogd/pkg/metrics"
	"github.com/lifelogd/lifelogd/pkg/shared/logging"
	"github.com/lifelogd/lifelogd/pkg/worker"
)

// SegmentScheduler triggers a device-date resegmentation once an import has
// drained through the pipeline.
type SegmentScheduler interface {
	Refresh(ctx context.Context, device, date string)
}

// Enqueuer is the slice of the worker pool the assembler needs.
type Enqueuer interface {
	Enqueue(job worker.Job) bool
	Depth() int
}

// Assembler drives the chunked-upload state machine:
// INIT → RECEIVING → COMPLETE → PROCESSING → DONE|ERROR.
type Assembler struct {
	sessions  *SessionStore
	jobs      *JobStore
	store     *assetstore.Store
	pool      Enqueuer
	segments  SegmentScheduler
	highWater func() int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewAssembler wires the assembler. highWater is read per call so the knob
// can be hot-reloaded.
func NewAssembler(
	sessions *SessionStore,
	jobs *JobStore,
	store *assetstore.Store,
	pool Enqueuer,
	segments SegmentScheduler,
	highWater func() int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Assembler {
	return &Assembler{
		sessions:  sessions,
		jobs:      jobs,
		store:     store,
		pool:      pool,
		segments:  segments,
		highWater: highWater,
		logger:    logger,
		metrics:   m,
	}
}

func (a *Assembler) overCapacity() bool {
	return a.pool.Depth() >= a.highWater()
}

// Init allocates an upload session and its empty partial file.
func (a *Assembler) Init(ctx context.Context, device, dateFormat string) (string, error) {
	if device == "" {
		return "", apperrors.NewInputError("device is required")
	}
	if _, err := GoLayout(dateFormat); err != nil {
		return "", err
	}
	if a.overCapacity() {
		return "", apperrors.NewCapacityError("processing queue above high-water mark")
	}

	uploadID := uuid.NewString()
	partial := filepath.Join(a.store.Root(), device, uploadID+".zip.part")
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		return "", apperrors.NewTransientIOError("create upload directory", err)
	}
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", apperrors.NewTransientIOError("create partial file", err)
	}
	f.Close()

	session := &UploadSession{
		UploadID:    uploadID,
		Device:      device,
		DateFormat:  dateFormat,
		PartialPath: partial,
	}
	if err := a.sessions.Create(ctx, session); err != nil {
		os.Remove(partial)
		return "", err
	}

	a.logger.Info("upload session initialized",
		logging.NewFields().Component("upload-assembler").Device(device).Upload(uploadID).Zap()...)
	return uploadID, nil
}

// AppendChunk appends chunk bytes to the partial file in client-submitted
// order. Duplicate indices are not deduplicated; clients serialise chunks.
func (a *Assembler) AppendChunk(ctx context.Context, uploadID string, index, total int, chunk []byte) error {
	if a.overCapacity() {
		return apperrors.NewCapacityError("processing queue above high-water mark")
	}
	session, err := a.sessions.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if session.Completed {
		return apperrors.NewInputError("upload already completed")
	}

	f, err := os.OpenFile(session.PartialPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.NewTransientIOError("open partial file", err)
	}
	if _, err := f.Write(chunk); err != nil {
		f.Close()
		return apperrors.NewTransientIOError("append chunk", err)
	}
	if err := f.Close(); err != nil {
		return apperrors.NewTransientIOError("close partial file", err)
	}

	a.metrics.UploadBytes.Add(float64(len(chunk)))
	if err := a.sessions.AddReceivedBytes(ctx, uploadID, int64(len(chunk))); err != nil {
		return err
	}
	a.logger.Debug("chunk appended",
		logging.NewFields().Component("upload-assembler").Upload(uploadID).
			Merge(map[string]any{"chunk_index": index, "total_chunks": total, "bytes": len(chunk)}).Zap()...)
	return nil
}

// Complete finalizes the archive, creates the processing job and starts the
// extraction pass in the background.
func (a *Assembler) Complete(ctx context.Context, uploadID string) (string, error) {
	session, err := a.sessions.Get(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if session.Completed {
		return "", apperrors.NewInputError("upload already completed")
	}

	archivePath := strings.TrimSuffix(session.PartialPath, ".part")
	if err := os.Rename(session.PartialPath, archivePath); err != nil {
		return "", apperrors.NewTransientIOError("finalize archive", err)
	}
	if err := a.sessions.MarkCompleted(ctx, uploadID, archivePath); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	job := &ProcessingJob{
		JobID:       jobID,
		Status:      JobPending,
		Device:      session.Device,
		DateFormat:  session.DateFormat,
		ArchivePath: archivePath,
	}
	if err := a.jobs.Create(ctx, job); err != nil {
		return "", err
	}
	a.metrics.UploadsCompleted.Inc()

	// Background, not awaited: the response carries only the job id.
	go a.processArchive(context.WithoutCancel(ctx), jobID, uploadID)

	return jobID, nil
}

// Status returns the externally pollable job state.
func (a *Assembler) Status(ctx context.Context, jobID string) (*ProcessingJob, error) {
	return a.jobs.Get(ctx, jobID)
}

// extractionShare is the progress fraction covered by the extraction pass.
const extractionShare = 0.3

func (a *Assembler) processArchive(ctx context.Context, jobID, uploadID string) {
	job, err := a.jobs.Get(ctx, jobID)
	if err != nil {
		a.logger.Error("processing job vanished", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	fields := logging.NewFields().Component("upload-assembler").Device(job.Device).Job(jobID)

	a.jobs.SetStatus(ctx, jobID, JobProcessing, "Extracting archive")

	tracked, err := a.extractArchive(ctx, job)
	if err != nil {
		a.jobs.SetStatus(ctx, jobID, JobError, apperrors.SafeErrorMessage(err))
		a.jobs.SetProgress(ctx, jobID, 0, err.Error())
		a.logger.Error("archive extraction failed", fields.Error(err).Zap()...)
		return
	}

	// The archive is no longer needed once every member landed.
	if err := os.Remove(job.ArchivePath); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("failed to remove source archive", fields.Error(err).Zap()...)
	}
	a.sessions.Delete(ctx, uploadID)

	if len(tracked) == 0 {
		a.jobs.SetProgress(ctx, jobID, 1.0, "No files found in archive.")
		a.jobs.SetStatus(ctx, jobID, JobDone, "No files found in archive.")
		return
	}

	if err := a.jobs.SetTracked(ctx, jobID, tracked); err != nil {
		a.logger.Error("failed to persist tracked files", fields.Error(err).Zap()...)
	}
	a.jobs.SetProgress(ctx, jobID, extractionShare,
		fmt.Sprintf("Saved %d files. Moving to processing.", len(tracked)))

	for _, relpath := range tracked {
		if !a.pool.Enqueue(worker.Job{Device: job.Device, Path: relpath, JobID: jobID}) {
			// Dropped items still count as attempted; the reconciler will
			// pick the asset up on its next sweep.
			a.OnItemDone(ctx, worker.Job{Device: job.Device, Path: relpath, JobID: jobID},
				apperrors.NewCapacityError("queue full, deferred to reconciler"))
		}
	}

	a.logger.Info("archive import scheduled", fields.Count(len(tracked)).Zap()...)
}

// extractArchive lands every parseable member in canonical layout and
// returns the tracked relpaths. Unparseable members are skipped with a
// logged reason and do not fail the job.
func (a *Assembler) extractArchive(ctx context.Context, job *ProcessingJob) ([]string, error) {
	layout, err := GoLayout(job.DateFormat)
	if err != nil {
		return nil, err
	}

	reader, err := zip.OpenReader(job.ArchivePath)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInputInvalid, "archive unreadable")
	}
	defer reader.Close()

	var members []*zip.File
	for _, member := range reader.File {
		if member.FileInfo().IsDir() {
			continue
		}
		members = append(members, member)
	}

	var tracked []string
	for i, member := range members {
		relpath, err := a.extractMember(member, job.Device, layout)
		if err != nil {
			a.logger.Warn("skipping archive member",
				logging.NewFields().Component("upload-assembler").Job(job.JobID).
					Merge(map[string]any{"member": member.Name}).Error(err).Zap()...)
			continue
		}
		tracked = append(tracked, relpath)

		if (i+1)%200 == 0 || i+1 == len(members) {
			progress := float64(i+1) / float64(len(members)) * extractionShare
			a.jobs.SetProgress(ctx, job.JobID, progress,
				fmt.Sprintf("Saved %d/%d files.", i+1, len(members)))
		}
	}
	return tracked, nil
}

func (a *Assembler) extractMember(member *zip.File, device, layout string) (string, error) {
	filename := path.Base(member.Name)
	ext := strings.ToLower(path.Ext(filename))
	if !assetstore.ValidExt(filename) {
		return "", apperrors.Newf(apperrors.ErrorTypeInputInvalid, "unsupported extension %q", ext)
	}
	stem := strings.TrimSuffix(filename, path.Ext(filename))
	ts, err := time.ParseInLocation(layout, stem, time.UTC)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrorTypeInputInvalid,
			"failed to parse date from filename %q with format %q", filename, layout)
	}

	rc, err := member.Open()
	if err != nil {
		return "", apperrors.NewTransientIOError("open archive member", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", apperrors.NewTransientIOError("read archive member", err)
	}

	relpath := assetstore.CanonicalRelPath(ts, ext)
	if _, err := a.store.Put(device, relpath, data); err != nil {
		return "", err
	}
	return relpath, nil
}

// UploadImage is the single-file path: it lands the asset and schedules a
// single-item pipeline job. Re-uploads of identical bytes are no-ops at the
// store level and short-circuit in the pipeline.
func (a *Assembler) UploadImage(ctx context.Context, device, filename string, data []byte) (string, error) {
	ts, err := assetstore.ParseCaptureTime(filename)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(path.Ext(filename))
	if !assetstore.ValidExt(filename) {
		return "", apperrors.Newf(apperrors.ErrorTypeInputInvalid, "unsupported extension %q", ext)
	}

	relpath := assetstore.CanonicalRelPath(ts, ext)
	if _, err := a.store.Put(device, relpath, data); err != nil {
		return "", err
	}
	a.metrics.UploadBytes.Add(float64(len(data)))

	if !a.pool.Enqueue(worker.Job{Device: device, Path: relpath}) {
		a.logger.Warn("single-file upload deferred to reconciler",
			logging.NewFields().Component("upload-assembler").Device(device).Asset(relpath).Zap()...)
	}
	return relpath, nil
}

// OnItemDone accounts one pipeline item of an archive import. Item failures
// accumulate into the job message; the job still finishes with partial
// success. When the last item lands, the affected device-dates are
// resegmented and the job closes at progress 1.0.
func (a *Assembler) OnItemDone(ctx context.Context, job worker.Job, itemErr error) {
	if job.JobID == "" {
		return
	}
	state, err := a.jobs.Get(ctx, job.JobID)
	if err != nil || len(state.TrackedFiles) == 0 {
		return
	}

	if itemErr != nil {
		a.jobs.AppendError(ctx, job.JobID, fmt.Sprintf("%s: %s", job.Path, itemErr.Error()))
	}
	a.jobs.AddProgress(ctx, job.JobID, (1.0-extractionShare)/float64(len(state.TrackedFiles)))

	remaining, err := a.jobs.DecrRemaining(ctx, job.JobID)
	if err != nil || remaining > 0 {
		return
	}

	for _, date := range distinctDates(state.TrackedFiles) {
		a.segments.Refresh(ctx, state.Device, date)
	}

	final := fmt.Sprintf("Processed %d files.", len(state.TrackedFiles))
	if closing, err := a.jobs.Get(ctx, job.JobID); err == nil && closing.Message != "" {
		final = final + " Errors: " + closing.Message
	}
	a.jobs.SetProgress(ctx, job.JobID, 1.0, final)
	a.jobs.SetStatus(ctx, job.JobID, JobDone, final)
}

func distinctDates(relpaths []string) []string {
	seen := make(map[string]bool)
	var dates []string
	for _, p := range relpaths {
		date := assetstore.DateOf(p)
		if date == "" || seen[date] {
			continue
		}
		seen[date] = true
		dates = append(dates, date)
	}
	return dates
}
