package upload

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
	"github.com/lifelogd/lifelogd/pkg/assetstore"
	"github.com/lifelogd/lifelogd/pkg/device"
	"github.com/lifelogd/lifelogd/pkg/shared/logging"
)

// maxChunkBytes bounds one multipart chunk read into memory.
const maxChunkBytes = 64 << 20

// DeviceResolver turns an X-Device-ID token into a registered device.
type DeviceResolver interface {
	Resolve(r *http.Request) (string, error)
}

// TokenResolver verifies attestation tokens and registers devices on first
// contact.
type TokenResolver struct {
	Verifier *device.TokenVerifier
	Registry *device.Registry
}

func (t *TokenResolver) Resolve(r *http.Request) (string, error) {
	token := r.Header.Get("X-Device-ID")
	if token == "" {
		return "", apperrors.NewAuthError("missing X-Device-ID header")
	}
	deviceID, err := t.Verifier.Verify(token)
	if err != nil {
		return "", err
	}
	if _, err := t.Registry.Register(r.Context(), deviceID); err != nil {
		return "", err
	}
	t.Registry.TouchLastSeen(r.Context(), deviceID)
	return deviceID, nil
}

// Handler serves the chunked upload surface.
type Handler struct {
	assembler *Assembler
	store     *assetstore.Store
	resolver  DeviceResolver
	unsealer  *device.Unsealer
	logger    *zap.Logger
}

// NewHandler wires the HTTP surface. unsealer may be nil when sealed
// uploads are not configured.
func NewHandler(assembler *Assembler, store *assetstore.Store, resolver DeviceResolver, unsealer *device.Unsealer, logger *zap.Logger) *Handler {
	return &Handler{
		assembler: assembler,
		store:     store,
		resolver:  resolver,
		unsealer:  unsealer,
		logger:    logger,
	}
}

// Routes mounts the surface on a chi router.
func (h *Handler) Routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Post("/init", h.initUpload)
	r.Post("/chunk", h.appendChunk)
	r.Post("/complete", h.completeUpload)
	r.Get("/processing-status/{jobId}", h.processingStatus)
	r.Put("/upload-image", h.uploadImage)
	r.Get("/check-image", h.checkImage)
	r.Post("/check-all-images-uploaded", h.checkAllImages)
	return r
}

type initRequest struct {
	Device     string `json:"device"`
	DateFormat string `json:"dateFormat"`
}

type initResponse struct {
	UploadID string `json:"uploadId"`
}

func (h *Handler) initUpload(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.NewInputError("invalid request body"))
		return
	}
	uploadID, err := h.assembler.Init(r.Context(), req.Device, req.DateFormat)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, initResponse{UploadID: uploadID})
}

type chunkResponse struct {
	OK          bool `json:"ok"`
	ChunkIndex  int  `json:"chunkIndex"`
	TotalChunks int  `json:"totalChunks"`
}

func (h *Handler) appendChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkBytes); err != nil {
		h.writeError(w, apperrors.NewInputError("invalid multipart form"))
		return
	}
	uploadID := r.FormValue("uploadId")
	chunkIndex := atoi(r.FormValue("chunkIndex"))
	totalChunks := atoi(r.FormValue("totalChunks"))
	if uploadID == "" {
		h.writeError(w, apperrors.NewInputError("uploadId is required"))
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		h.writeError(w, apperrors.NewInputError("chunk file is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxChunkBytes))
	if err != nil {
		h.writeError(w, apperrors.NewTransientIOError("read chunk", err))
		return
	}

	if err := h.assembler.AppendChunk(r.Context(), uploadID, chunkIndex, totalChunks, data); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chunkResponse{OK: true, ChunkIndex: chunkIndex, TotalChunks: totalChunks})
}

type completeRequest struct {
	UploadID string `json:"uploadId"`
}

type completeResponse struct {
	JobID string `json:"jobId"`
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.NewInputError("invalid request body"))
		return
	}
	jobID, err := h.assembler.Complete(r.Context(), req.UploadID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, completeResponse{JobID: jobID})
}

type statusResponse struct {
	JobID    string  `json:"jobId"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

func (h *Handler) processingStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := h.assembler.Status(r.Context(), jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statusResponse{
		JobID:    job.JobID,
		Status:   string(job.Status),
		Progress: job.Progress,
		Message:  job.Message,
	})
}

func (h *Handler) uploadImage(w http.ResponseWriter, r *http.Request) {
	deviceID, err := h.resolver.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxChunkBytes); err != nil {
		h.writeError(w, apperrors.NewInputError("invalid multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, apperrors.NewInputError("file is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxChunkBytes))
	if err != nil {
		h.writeError(w, apperrors.NewTransientIOError("read upload", err))
		return
	}

	// Sealed envelopes fall back to the direct decode-as-image path.
	if h.unsealer != nil {
		data, _ = h.unsealer.TryOpen(data)
	}

	relpath, err := h.assembler.UploadImage(r.Context(), deviceID, header.Filename, data)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"path": relpath})
}

type checkImageResponse struct {
	Exists  bool   `json:"exists"`
	Message string `json:"message"`
}

func (h *Handler) checkImage(w http.ResponseWriter, r *http.Request) {
	deviceID, err := h.resolver.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	millis := atoi64(r.URL.Query().Get("timestamp"))
	if millis <= 0 {
		h.writeJSON(w, http.StatusOK, checkImageResponse{Exists: false, Message: "Invalid timestamp format."})
		return
	}
	ts := time.UnixMilli(millis).UTC()
	relpath := assetstore.CanonicalRelPath(ts, ".jpg")
	if h.store.Exists(deviceID, relpath) {
		h.writeJSON(w, http.StatusOK, checkImageResponse{Exists: true, Message: "Image " + relpath + " exists."})
		return
	}
	h.writeJSON(w, http.StatusOK, checkImageResponse{Exists: false, Message: "Image " + relpath + " does not exist."})
}

type checkAllRequest struct {
	Date     string   `json:"date"`
	AllFiles []string `json:"allFiles"`
}

func (h *Handler) checkAllImages(w http.ResponseWriter, r *http.Request) {
	deviceID, err := h.resolver.Resolve(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req checkAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Date == "" {
		h.writeError(w, apperrors.NewInputError("date is required"))
		return
	}

	existing, err := h.store.ListFiles(deviceID, req.Date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	present := make(map[string]bool, len(existing))
	for _, rel := range existing {
		present[rel] = true
	}

	missing := []string{}
	for _, name := range req.AllFiles {
		if !present[req.Date+"/"+name] {
			missing = append(missing, name)
		}
	}
	h.writeJSON(w, http.StatusOK, missing)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.GetStatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", logging.NewFields().Component("upload-http").Error(err).Zap()...)
	}
	h.writeJSON(w, status, map[string]string{"error": apperrors.SafeErrorMessage(err)})
}

func atoi(s string) int {
	return int(atoi64(s))
}

func atoi64(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
