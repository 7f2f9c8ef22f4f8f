package upload

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

// UploadSession is the ephemeral chunked-upload state. It lives in Redis
// until its archive has been extracted; sessions that never get that far
// expire after sessionTTL.
type UploadSession struct {
	UploadID      string
	Device        string
	DateFormat    string
	PartialPath   string
	ReceivedBytes int64
	Completed     bool
}

// sessionTTL bounds abandoned sessions.
const sessionTTL = 24 * time.Hour

func sessionKey(uploadID string) string { return "upload:" + uploadID }

// SessionStore keeps upload sessions as Redis hashes.
type SessionStore struct {
	rdb *redis.Client
}

// NewSessionStore wraps a Redis client.
func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb}
}

// Create persists a fresh session.
func (s *SessionStore) Create(ctx context.Context, session *UploadSession) error {
	key := sessionKey(session.UploadID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"device":         session.Device,
		"date_format":    session.DateFormat,
		"partial_path":   session.PartialPath,
		"received_bytes": session.ReceivedBytes,
		"completed":      session.Completed,
	})
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.NewTransientIOError("create upload session", err)
	}
	return nil
}

// Get loads a session, returning not_found for unknown ids.
func (s *SessionStore) Get(ctx context.Context, uploadID string) (*UploadSession, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionKey(uploadID)).Result()
	if err != nil {
		return nil, apperrors.NewTransientIOError("get upload session", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.NewNotFoundError("upload session")
	}
	session := &UploadSession{
		UploadID:    uploadID,
		Device:      fields["device"],
		DateFormat:  fields["date_format"],
		PartialPath: fields["partial_path"],
		Completed:   fields["completed"] == "1" || fields["completed"] == "true",
	}
	if v, ok := fields["received_bytes"]; ok {
		session.ReceivedBytes = parseInt64(v)
	}
	return session, nil
}

// AddReceivedBytes atomically accounts appended chunk bytes.
func (s *SessionStore) AddReceivedBytes(ctx context.Context, uploadID string, n int64) error {
	if err := s.rdb.HIncrBy(ctx, sessionKey(uploadID), "received_bytes", n).Err(); err != nil {
		return apperrors.NewTransientIOError("account chunk bytes", err)
	}
	return nil
}

// MarkCompleted flips the session to completed with its final archive path.
func (s *SessionStore) MarkCompleted(ctx context.Context, uploadID, archivePath string) error {
	err := s.rdb.HSet(ctx, sessionKey(uploadID), map[string]any{
		"completed":    true,
		"partial_path": archivePath,
	}).Err()
	if err != nil {
		return apperrors.NewTransientIOError("complete upload session", err)
	}
	return nil
}

// Delete removes the session once its archive has been extracted.
func (s *SessionStore) Delete(ctx context.Context, uploadID string) error {
	if err := s.rdb.Del(ctx, sessionKey(uploadID)).Err(); err != nil {
		return apperrors.NewTransientIOError("delete upload session", err)
	}
	return nil
}

func parseInt64(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
