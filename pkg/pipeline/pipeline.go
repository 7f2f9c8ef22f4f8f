package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
	"github.com/lifelogd/lifelogd/pkg/assetstore"
	"github.com/lifelogd/lifelogd/pkg/device"
	"github.com/lifelogd/lifelogd/pkg/imaging"
	"github.com/lifelogd/lifelogd/pkg/inference"
	"github.com/lifelogd/lifelogd/pkg/metrics"
	"github.com/lifelogd/lifelogd/pkg/records"
	"github.com/lifelogd/lifelogd/pkg/shared/logging"
	"github.com/lifelogd/lifelogd/pkg/vectorindex"
)

// ProvisionalAssigner is the segmenter hook the index stage calls. A nil id
// means "let the segmenter assign later".
type ProvisionalAssigner interface {
	AssignProvisional(ctx context.Context, device, date, relpath string, captureTimeMillis int64) (*int, error)
}

// RecordStore is the slice of the record repository the pipeline writes
// through.
type RecordStore interface {
	Get(ctx context.Context, device, path string) (*records.AssetRecord, error)
	Upsert(ctx context.Context, rec *records.AssetRecord) error
	MarkDetected(ctx context.Context, device, path string, objects records.DetectionList, people records.FaceList) error
	MarkRedacted(ctx context.Context, device, path, thumbnailPath string) error
	MarkEmbedded(ctx context.Context, device, path string) error
	SetSegmentID(ctx context.Context, device, path string, segmentID int) error
	DeleteRow(ctx context.Context, device, path string) error
}

// DeviceSource resolves per-device state, registering devices on first use.
type DeviceSource interface {
	Register(ctx context.Context, deviceID string) (*device.Device, error)
}

// Pipeline runs the four per-asset stages: index → detect → redact → embed.
// Every stage is independently resumable off the record's stage flags.
type Pipeline struct {
	store       *assetstore.Store
	repo        RecordStore
	vectors     vectorindex.Provider
	devices     DeviceSource
	embedder    inference.Embedder
	detector    inference.ObjectDetector
	faces       inference.FaceDetector
	masks       inference.MaskSegmenter
	provisional ProvisionalAssigner
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New wires the pipeline. masks may be nil when no promptable segmenter is
// deployed; redaction then falls back to face ovals alone.
func New(
	store *assetstore.Store,
	repo RecordStore,
	vectors vectorindex.Provider,
	devices DeviceSource,
	embedder inference.Embedder,
	detector inference.ObjectDetector,
	faces inference.FaceDetector,
	masks inference.MaskSegmenter,
	provisional ProvisionalAssigner,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		store:       store,
		repo:        repo,
		vectors:     vectors,
		devices:     devices,
		embedder:    embedder,
		detector:    detector,
		faces:       faces,
		masks:       masks,
		provisional: provisional,
		metrics:     m,
		logger:      logger,
	}
}

// Process pushes one asset through all remaining stages. A missing or
// corrupt source anywhere triggers full cleanup of the asset.
func (p *Pipeline) Process(ctx context.Context, deviceID, relpath string) error {
	fields := logging.NewFields().Component("pipeline").Device(deviceID).Asset(relpath)

	rec, err := p.indexStage(ctx, deviceID, relpath)
	if err != nil {
		return p.handleStageError(ctx, deviceID, relpath, "index", err)
	}
	relpath = rec.Path // may have changed via video transcode

	stages := []struct {
		name string
		run  func(context.Context, *records.AssetRecord) error
	}{
		{"detect", p.detectStage},
		{"redact", p.redactStage},
		{"embed", p.embedStage},
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Re-read flags between stages so concurrent progress is honoured.
		fresh, err := p.repo.Get(ctx, deviceID, relpath)
		if err != nil {
			return p.handleStageError(ctx, deviceID, relpath, stage.name, err)
		}
		if stageDone(fresh, stage.name) {
			p.metrics.StageRuns.WithLabelValues(stage.name, "skipped").Inc()
			continue
		}
		if err := stage.run(ctx, fresh); err != nil {
			p.metrics.StageRuns.WithLabelValues(stage.name, "error").Inc()
			return p.handleStageError(ctx, deviceID, relpath, stage.name, err)
		}
		p.metrics.StageRuns.WithLabelValues(stage.name, "ok").Inc()
	}

	p.logger.Debug("asset processed", fields.Zap()...)
	return nil
}

func stageDone(rec *records.AssetRecord, stage string) bool {
	switch stage {
	case "detect":
		return rec.Detected
	case "redact":
		return rec.Redacted
	case "embed":
		return rec.Embedded
	}
	return false
}

func (p *Pipeline) handleStageError(ctx context.Context, deviceID, relpath, stage string, err error) error {
	p.logger.Warn("pipeline stage failed",
		logging.NewFields().Component("pipeline").Device(deviceID).Asset(relpath).
			Stage(stage).Error(err).Zap()...)

	t := apperrors.GetType(err)
	if t == apperrors.ErrorTypeCorruptAsset ||
		(t == apperrors.ErrorTypeNotFound && !p.store.Exists(deviceID, relpath)) {
		if cleanupErr := p.Cleanup(ctx, deviceID, relpath); cleanupErr != nil {
			p.logger.Error("asset cleanup failed",
				logging.NewFields().Component("pipeline").Device(deviceID).Asset(relpath).
					Error(cleanupErr).Zap()...)
		}
	}
	return err
}

// indexStage parses the capture time, transcodes raw video, upserts the
// record and asks for a provisional segment id.
func (p *Pipeline) indexStage(ctx context.Context, deviceID, relpath string) (*records.AssetRecord, error) {
	if strings.EqualFold(path.Ext(relpath), ".h264") {
		if _, err := imaging.TranscodeH264(ctx, p.store.AbsPath(deviceID, relpath)); err != nil {
			return nil, err
		}
		relpath = strings.TrimSuffix(relpath, path.Ext(relpath)) + ".mp4"
	}

	ts, err := assetstore.ParseCaptureTime(relpath)
	if err != nil {
		return nil, err
	}
	if !p.store.Exists(deviceID, relpath) {
		return nil, apperrors.NewNotFoundError("source asset")
	}

	if existing, err := p.repo.Get(ctx, deviceID, relpath); err == nil {
		return existing, nil
	} else if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return nil, err
	}

	rec := &records.AssetRecord{
		Device:      deviceID,
		Path:        relpath,
		Date:        assetstore.DateOf(relpath),
		CaptureTime: assetstore.CaptureTimeMillis(ts),
		Kind:        string(assetstore.KindOf(relpath)),
	}
	if err := p.repo.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	if p.provisional != nil {
		id, err := p.provisional.AssignProvisional(ctx, deviceID, rec.Date, relpath, rec.CaptureTime)
		if err != nil {
			p.logger.Warn("provisional segment assignment failed",
				logging.NewFields().Component("pipeline").Device(deviceID).Asset(relpath).Error(err).Zap()...)
		} else if id != nil {
			if err := p.repo.SetSegmentID(ctx, deviceID, relpath, *id); err != nil {
				return nil, err
			}
			rec.SegmentID = id
		}
	}
	return rec, nil
}

// sourceImagePath returns the image the detection/redaction/embedding stages
// operate on: the original for photos, the extracted keyframe for videos.
func (p *Pipeline) sourceImagePath(ctx context.Context, rec *records.AssetRecord) (string, error) {
	abs := p.store.AbsPath(rec.Device, rec.Path)
	if rec.Kind != string(assetstore.KindVideo) {
		return abs, nil
	}
	thumb := p.store.ThumbnailPath(rec.Device, rec.Path)
	if !p.store.ThumbnailExists(rec.Device, rec.Path) {
		if err := imaging.ExtractKeyframe(ctx, abs, thumb); err != nil {
			return "", err
		}
	}
	return thumb, nil
}

func (p *Pipeline) detectStage(ctx context.Context, rec *records.AssetRecord) error {
	src, err := p.sourceImagePath(ctx, rec)
	if err != nil {
		return err
	}

	objects, err := p.detector.Detect(ctx, src)
	if err != nil {
		return err
	}

	dev, err := p.devices.Register(ctx, rec.Device)
	if err != nil {
		return err
	}

	img, err := imaging.LoadImage(src)
	if err != nil {
		return err
	}

	var people records.FaceList
	for _, obj := range objects {
		if obj.Label != "person" {
			continue
		}
		faces, err := p.detectFacesInPerson(ctx, img, obj.BBox)
		if err != nil {
			return err
		}
		for _, face := range faces {
			label := device.MatchWhitelist(dev.Whitelist, face.Embedding)
			if label == "" {
				label = records.RedactedFaceLabel
			}
			face.Label = label
			people = append(people, face)
		}
	}

	if err := p.repo.MarkDetected(ctx, rec.Device, rec.Path, objects, people); err != nil {
		return err
	}
	rec.Objects = objects
	rec.People = people
	rec.Detected = true

	return p.indexFaceEmbeddings(ctx, rec, people)
}

// detectFacesInPerson crops the person box, runs face detection on the crop
// and translates boxes back into full-image coordinates.
func (p *Pipeline) detectFacesInPerson(ctx context.Context, img image.Image, box [4]int) ([]records.FaceDetection, error) {
	bounds := img.Bounds()
	crop := image.Rect(
		bounds.Min.X+box[0], bounds.Min.Y+box[1],
		bounds.Min.X+box[2], bounds.Min.Y+box[3],
	).Intersect(bounds)
	if crop.Empty() {
		return nil, nil
	}

	cropped := imageCrop(img, crop)
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, cropped, &jpeg.Options{Quality: 90}); err != nil {
		return nil, apperrors.NewTransientIOError("encode person crop", err)
	}

	faces, err := p.faces.DetectFacesInBytes(ctx, buf.Bytes())
	if err != nil {
		return nil, err
	}
	for i := range faces {
		faces[i].BBox = [4]int{
			faces[i].BBox[0] + box[0],
			faces[i].BBox[1] + box[1],
			faces[i].BBox[2] + box[0],
			faces[i].BBox[3] + box[1],
		}
	}
	return faces, nil
}

// indexFaceEmbeddings mirrors each detected face into the device's face
// collection for face→image retrieval and retention-aged deletion.
func (p *Pipeline) indexFaceEmbeddings(ctx context.Context, rec *records.AssetRecord, people records.FaceList) error {
	if len(people) == 0 {
		return nil
	}
	collection, err := p.vectors.Collection(ctx, rec.Device, vectorindex.FaceModel)
	if err != nil {
		return err
	}
	embs := make([]vectorindex.Embedding, 0, len(people))
	for i, face := range people {
		if len(face.Embedding) == 0 {
			continue
		}
		embs = append(embs, vectorindex.Embedding{
			ID:        vectorindex.SanitizeID(rec.Path) + "_" + strconv.Itoa(i),
			Path:      rec.Path,
			Vector:    face.Embedding,
			Timestamp: rec.CaptureTime,
			Whitelist: face.Whitelisted(),
		})
	}
	if len(embs) == 0 {
		return nil
	}
	return collection.InsertBatch(ctx, embs)
}

func (p *Pipeline) redactStage(ctx context.Context, rec *records.AssetRecord) error {
	src, err := p.sourceImagePath(ctx, rec)
	if err != nil {
		return err
	}
	img, err := imaging.LoadImage(src)
	if err != nil {
		return err
	}
	bounds := img.Bounds()

	var redactBoxes, whitelistBoxes [][4]int
	for _, face := range rec.People {
		if face.Whitelisted() {
			whitelistBoxes = append(whitelistBoxes, face.BBox)
		} else {
			redactBoxes = append(redactBoxes, face.BBox)
		}
	}

	mask := imaging.OvalMask(redactBoxes, bounds.Dx(), bounds.Dy())
	if p.masks != nil {
		samMask, err := p.masks.SegmentLabels(ctx, src, imaging.PrivateLabels)
		if err != nil {
			return err
		}
		imaging.Union(mask, samMask)
	}
	imaging.Subtract(mask, whitelistBoxes)

	redacted := imaging.MosaicMasked(img, mask)
	thumb := p.store.ThumbnailPath(rec.Device, rec.Path)
	if err := imaging.SaveThumbnail(redacted, thumb); err != nil {
		return err
	}
	return p.repo.MarkRedacted(ctx, rec.Device, rec.Path, thumb)
}

func (p *Pipeline) embedStage(ctx context.Context, rec *records.AssetRecord) error {
	src, err := p.sourceImagePath(ctx, rec)
	if err != nil {
		return err
	}

	vec, err := p.embedder.EncodeImage(ctx, src)
	if err != nil {
		return err
	}
	vec, err = vectorindex.Normalize(vec)
	if err != nil {
		return apperrors.NewModelFailureError("embedder", err)
	}

	dev, err := p.devices.Register(ctx, rec.Device)
	if err != nil {
		return err
	}
	if dev.Transform != nil {
		if vec, err = dev.Transform.Apply(vec); err != nil {
			return apperrors.NewModelFailureError("device transform", err)
		}
	}

	collection, err := p.vectors.Collection(ctx, rec.Device, vectorindex.DefaultModel)
	if err != nil {
		return err
	}
	if err := collection.Insert(ctx, vectorindex.Embedding{
		ID:     vectorindex.SanitizeID(rec.Path),
		Path:   rec.Path,
		Vector: vec,
	}); err != nil {
		return err
	}
	return p.repo.MarkEmbedded(ctx, rec.Device, rec.Path)
}

// Redact regenerates the redacted thumbnail regardless of the stage flag.
// The reconciler uses this when the thumbnail file went missing after the
// stage had completed.
func (p *Pipeline) Redact(ctx context.Context, deviceID, relpath string) error {
	rec, err := p.repo.Get(ctx, deviceID, relpath)
	if err != nil {
		return p.handleStageError(ctx, deviceID, relpath, "redact", err)
	}
	if err := p.redactStage(ctx, rec); err != nil {
		return p.handleStageError(ctx, deviceID, relpath, "redact", err)
	}
	return nil
}

// Embed reinserts the asset's embedding regardless of the stage flag. The
// reconciler uses this when the vector went missing from the index.
func (p *Pipeline) Embed(ctx context.Context, deviceID, relpath string) error {
	rec, err := p.repo.Get(ctx, deviceID, relpath)
	if err != nil {
		return p.handleStageError(ctx, deviceID, relpath, "embed", err)
	}
	if err := p.embedStage(ctx, rec); err != nil {
		return p.handleStageError(ctx, deviceID, relpath, "embed", err)
	}
	return nil
}

// Cleanup removes every trace of an asset: bytes, thumbnail, record row and
// embeddings. Idempotent and partial-failure tolerant.
func (p *Pipeline) Cleanup(ctx context.Context, deviceID, relpath string) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(p.store.Delete(deviceID, relpath))
	keep(p.store.DeleteThumbnail(deviceID, relpath))
	keep(p.repo.DeleteRow(ctx, deviceID, relpath))

	if collection, err := p.vectors.Collection(ctx, deviceID, vectorindex.DefaultModel); err == nil {
		keep(collection.Delete(ctx, vectorindex.SanitizeID(relpath)))
	} else {
		keep(err)
	}
	if faces, err := p.vectors.Collection(ctx, deviceID, vectorindex.FaceModel); err == nil {
		ids, err := faces.IDs(ctx)
		keep(err)
		prefix := vectorindex.SanitizeID(relpath) + "_"
		for _, id := range ids {
			if strings.HasPrefix(id, prefix) {
				keep(faces.Delete(ctx, id))
			}
		}
	} else {
		keep(err)
	}

	p.logger.Info("asset cleaned up",
		logging.NewFields().Component("pipeline").Device(deviceID).Asset(relpath).Zap()...)
	return firstErr
}

func imageCrop(img image.Image, r image.Rectangle) image.Image {
	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	out := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			out.Set(x, y, img.At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return out
}
