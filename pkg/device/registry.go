package device

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

// WhitelistFace is a named identity whose embeddings exempt matching faces
// from redaction.
type WhitelistFace struct {
	Name       string      `json:"name"`
	Embeddings [][]float32 `json:"embeddings"`
	Cropped    []string    `json:"cropped,omitempty"` // base64 jpeg crops
}

// WhitelistMatchThreshold is the dot-product similarity above which a
// detected face takes a whitelist name.
const WhitelistMatchThreshold = 0.9

type whitelist []WhitelistFace

func (w whitelist) Value() (driver.Value, error) {
	if w == nil {
		return "[]", nil
	}
	b, err := json.Marshal(w)
	return string(b), err
}

func (w *whitelist) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, w)
	case string:
		return json.Unmarshal([]byte(v), w)
	}
	return errors.New("unsupported whitelist source type")
}

// Device is the per-device state the pipeline and retrieval consult. The
// transform and whitelist are read-mostly; mutation goes through the
// registry.
type Device struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time
	Transform *Transform
	Whitelist []WhitelistFace
	PublicKey []byte
}

type deviceRow struct {
	DeviceID        string    `db:"device_id"`
	CreatedAt       int64     `db:"created_at"`
	LastSeen        int64     `db:"last_seen"`
	TransformMatrix []byte    `db:"transform_matrix"`
	TransformDim    int       `db:"transform_dim"`
	PublicKey       []byte    `db:"public_key"`
	Whitelist       whitelist `db:"whitelist"`
}

// Registry owns the devices table and an in-process read cache. Entries are
// created at registration and only dropped at shutdown or device deletion.
type Registry struct {
	db     *sqlx.DB
	dim    int
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Device
}

// NewRegistry creates a registry generating transforms of the given
// dimension.
func NewRegistry(db *sqlx.DB, dim int, logger *zap.Logger) *Registry {
	return &Registry{
		db:     db,
		dim:    dim,
		logger: logger,
		cache:  make(map[string]*Device),
	}
}

// Register creates the device if it does not exist, sampling and persisting
// its rotation matrix, and returns it.
func (r *Registry) Register(ctx context.Context, deviceID string) (*Device, error) {
	if deviceID == "" {
		return nil, apperrors.NewInputError("device id is required")
	}
	if dev, err := r.Get(ctx, deviceID); err == nil {
		return dev, nil
	} else if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return nil, err
	}

	transform, err := NewHaarTransform(r.dim)
	if err != nil {
		return nil, apperrors.NewTransientIOError("generate device transform", err)
	}
	now := time.Now().UnixMilli()
	query := `INSERT INTO devices (device_id, created_at, last_seen, transform_matrix, transform_dim, whitelist)
		VALUES ($1, $2, $2, $3, $4, '[]')
		ON CONFLICT (device_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, deviceID, now, transform.Marshal(), r.dim); err != nil {
		return nil, apperrors.NewTransientIOError("register device", err)
	}
	// Re-read: a concurrent registration may have won the insert.
	r.invalidate(deviceID)
	return r.Get(ctx, deviceID)
}

// Get returns the device, from cache when possible.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Device, error) {
	r.mu.RLock()
	if dev, ok := r.cache[deviceID]; ok {
		r.mu.RUnlock()
		return dev, nil
	}
	r.mu.RUnlock()

	var row deviceRow
	query := `SELECT device_id, created_at, last_seen, transform_matrix, transform_dim, public_key, whitelist
		FROM devices WHERE device_id = $1`
	if err := r.db.GetContext(ctx, &row, query, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("device")
		}
		return nil, apperrors.NewTransientIOError("get device", err)
	}

	dev := &Device{
		ID:        row.DeviceID,
		CreatedAt: time.UnixMilli(row.CreatedAt),
		LastSeen:  time.UnixMilli(row.LastSeen),
		Whitelist: row.Whitelist,
		PublicKey: row.PublicKey,
	}
	if len(row.TransformMatrix) > 0 && row.TransformDim > 0 {
		transform, err := UnmarshalTransform(row.TransformMatrix, row.TransformDim)
		if err != nil {
			return nil, apperrors.NewTransientIOError("decode device transform", err)
		}
		dev.Transform = transform
	}

	r.mu.Lock()
	r.cache[deviceID] = dev
	r.mu.Unlock()
	return dev, nil
}

// TouchLastSeen stamps the device's last activity.
func (r *Registry) TouchLastSeen(ctx context.Context, deviceID string) error {
	query := `UPDATE devices SET last_seen = $2 WHERE device_id = $1`
	if _, err := r.db.ExecContext(ctx, query, deviceID, time.Now().UnixMilli()); err != nil {
		return apperrors.NewTransientIOError("touch device", err)
	}
	return nil
}

// AddWhitelistFace appends a named face entry and invalidates the cache.
func (r *Registry) AddWhitelistFace(ctx context.Context, deviceID, name string, embedding []float32, croppedJPEG []byte) error {
	dev, err := r.Get(ctx, deviceID)
	if err != nil {
		return err
	}

	updated := make(whitelist, len(dev.Whitelist))
	copy(updated, dev.Whitelist)
	found := false
	for i := range updated {
		if updated[i].Name == name {
			updated[i].Embeddings = append(updated[i].Embeddings, embedding)
			if croppedJPEG != nil {
				updated[i].Cropped = append(updated[i].Cropped, encodeCrop(croppedJPEG))
			}
			found = true
			break
		}
	}
	if !found {
		entry := WhitelistFace{Name: name, Embeddings: [][]float32{embedding}}
		if croppedJPEG != nil {
			entry.Cropped = []string{encodeCrop(croppedJPEG)}
		}
		updated = append(updated, entry)
	}

	query := `UPDATE devices SET whitelist = $2 WHERE device_id = $1`
	if _, err := r.db.ExecContext(ctx, query, deviceID, updated); err != nil {
		return apperrors.NewTransientIOError("update whitelist", err)
	}
	r.invalidate(deviceID)
	return nil
}

// SetPublicKey stores the device's NaCl public key for sealed uploads.
func (r *Registry) SetPublicKey(ctx context.Context, deviceID string, publicKey []byte) error {
	query := `UPDATE devices SET public_key = $2 WHERE device_id = $1`
	if _, err := r.db.ExecContext(ctx, query, deviceID, publicKey); err != nil {
		return apperrors.NewTransientIOError("set device public key", err)
	}
	r.invalidate(deviceID)
	return nil
}

// MatchWhitelist compares a face embedding against every whitelist entry of
// the device by dot product and returns the matched name, or "" when the
// best similarity is below the threshold.
func MatchWhitelist(entries []WhitelistFace, embedding []float32) string {
	for _, entry := range entries {
		for _, ref := range entry.Embeddings {
			if len(ref) != len(embedding) {
				continue
			}
			var dot float64
			for i := range ref {
				dot += float64(ref[i]) * float64(embedding[i])
			}
			if dot >= WhitelistMatchThreshold {
				return entry.Name
			}
		}
	}
	return ""
}

func (r *Registry) invalidate(deviceID string) {
	r.mu.Lock()
	delete(r.cache, deviceID)
	r.mu.Unlock()
}

// Close drops the cache.
func (r *Registry) Close() {
	r.mu.Lock()
	r.cache = make(map[string]*Device)
	r.mu.Unlock()
}
