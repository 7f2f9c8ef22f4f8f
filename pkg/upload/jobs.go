package upload

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

// JobStatus is the processing-job state machine's observable state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobError      JobStatus = "error"
)

// ProcessingJob is the externally pollable state of an archive import.
type ProcessingJob struct {
	JobID        string    `json:"jobId"`
	Status       JobStatus `json:"status"`
	Progress     float64   `json:"progress"`
	Message      string    `json:"message"`
	Device       string    `json:"device"`
	DateFormat   string    `json:"dateFormat"`
	ArchivePath  string    `json:"archivePath,omitempty"`
	TrackedFiles []string  `json:"trackedFiles,omitempty"`
	Remaining    int64     `json:"remaining"`
}

const jobTTL = 7 * 24 * time.Hour

func jobKey(jobID string) string { return "processing_job:" + jobID }

// JobStore keeps processing jobs as Redis hashes. Progress accounting uses
// atomic hash increments so concurrent pipeline workers never lose updates.
type JobStore struct {
	rdb *redis.Client
}

// NewJobStore wraps a Redis client.
func NewJobStore(rdb *redis.Client) *JobStore {
	return &JobStore{rdb: rdb}
}

// Create persists a fresh pending job.
func (s *JobStore) Create(ctx context.Context, job *ProcessingJob) error {
	tracked, err := json.Marshal(job.TrackedFiles)
	if err != nil {
		return apperrors.NewTransientIOError("encode tracked files", err)
	}
	key := jobKey(job.JobID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":       string(job.Status),
		"progress":     job.Progress,
		"message":      job.Message,
		"device":       job.Device,
		"date_format":  job.DateFormat,
		"archive_path": job.ArchivePath,
		"tracked":      string(tracked),
		"remaining":    job.Remaining,
	})
	pipe.Expire(ctx, key, jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewTransientIOError("create processing job", err)
	}
	return nil
}

// Get loads a job, returning not_found for unknown ids.
func (s *JobStore) Get(ctx context.Context, jobID string) (*ProcessingJob, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, apperrors.NewTransientIOError("get processing job", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.NewNotFoundError("processing job")
	}
	job := &ProcessingJob{
		JobID:       jobID,
		Status:      JobStatus(fields["status"]),
		Message:     fields["message"],
		Device:      fields["device"],
		DateFormat:  fields["date_format"],
		ArchivePath: fields["archive_path"],
	}
	if v := fields["progress"]; v != "" {
		job.Progress, _ = strconv.ParseFloat(v, 64)
	}
	if v := fields["remaining"]; v != "" {
		job.Remaining, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := fields["tracked"]; v != "" {
		_ = json.Unmarshal([]byte(v), &job.TrackedFiles)
	}
	if job.Progress > 1.0 {
		job.Progress = 1.0
	}
	return job, nil
}

// SetStatus updates status and message.
func (s *JobStore) SetStatus(ctx context.Context, jobID string, status JobStatus, message string) error {
	err := s.rdb.HSet(ctx, jobKey(jobID), map[string]any{
		"status":  string(status),
		"message": message,
	}).Err()
	if err != nil {
		return apperrors.NewTransientIOError("set job status", err)
	}
	return nil
}

// SetProgress writes an absolute progress value. Used during extraction,
// where a single goroutine owns the job.
func (s *JobStore) SetProgress(ctx context.Context, jobID string, progress float64, message string) error {
	err := s.rdb.HSet(ctx, jobKey(jobID), map[string]any{
		"progress": progress,
		"message":  message,
	}).Err()
	if err != nil {
		return apperrors.NewTransientIOError("set job progress", err)
	}
	return nil
}

// SetTracked records the canonical relpaths the job will drive through the
// pipeline, and arms the remaining-items counter.
func (s *JobStore) SetTracked(ctx context.Context, jobID string, files []string) error {
	tracked, err := json.Marshal(files)
	if err != nil {
		return apperrors.NewTransientIOError("encode tracked files", err)
	}
	err = s.rdb.HSet(ctx, jobKey(jobID), map[string]any{
		"tracked":   string(tracked),
		"remaining": len(files),
	}).Err()
	if err != nil {
		return apperrors.NewTransientIOError("set tracked files", err)
	}
	return nil
}

// AddProgress atomically bumps progress by delta and returns the new value.
func (s *JobStore) AddProgress(ctx context.Context, jobID string, delta float64) (float64, error) {
	v, err := s.rdb.HIncrByFloat(ctx, jobKey(jobID), "progress", delta).Result()
	if err != nil {
		return 0, apperrors.NewTransientIOError("bump job progress", err)
	}
	return v, nil
}

// DecrRemaining atomically counts one finished item and returns how many
// are left.
func (s *JobStore) DecrRemaining(ctx context.Context, jobID string) (int64, error) {
	v, err := s.rdb.HIncrBy(ctx, jobKey(jobID), "remaining", -1).Result()
	if err != nil {
		return 0, apperrors.NewTransientIOError("count finished item", err)
	}
	return v, nil
}

// AppendError accumulates a per-item failure into the job message without
// failing the job.
func (s *JobStore) AppendError(ctx context.Context, jobID, itemError string) error {
	current, err := s.rdb.HGet(ctx, jobKey(jobID), "message").Result()
	if err != nil && err != redis.Nil {
		return apperrors.NewTransientIOError("read job message", err)
	}
	message := itemError
	if current != "" {
		message = current + "; " + itemError
	}
	if len(message) > 4096 {
		message = message[:4096]
	}
	if err := s.rdb.HSet(ctx, jobKey(jobID), "message", message).Err(); err != nil {
		return apperrors.NewTransientIOError("append job error", err)
	}
	return nil
}
