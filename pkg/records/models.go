package records

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Detection is one object-detector hit in image coordinates.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       [4]int  `json:"bbox"`
}

// FaceDetection is a detected face with its 512-float identity embedding.
// BBox is translated back into full-image coordinates.
type FaceDetection struct {
	Detection
	Embedding []float32 `json:"embedding,omitempty"`
}

// RedactedFaceLabel marks a face that matched no whitelist entry.
const RedactedFaceLabel = "redacted face"

// Whitelisted reports whether the face matched a named whitelist entry.
func (f FaceDetection) Whitelisted() bool {
	return f.Label != RedactedFaceLabel && f.Label != "face" && f.Label != ""
}

// DetectionList is the jsonb column shape for object detections.
type DetectionList []Detection

func (l DetectionList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *DetectionList) Scan(src any) error {
	return scanJSON(src, l)
}

// FaceList is the jsonb column shape for face detections.
type FaceList []FaceDetection

func (l FaceList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *FaceList) Scan(src any) error {
	return scanJSON(src, l)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}

// StageFlags track pipeline progress for one asset. Each flag is set once
// and only cleared by full cleanup.
type StageFlags struct {
	Detected bool `db:"detected" json:"detected"`
	Redacted bool `db:"redacted" json:"redacted"`
	Embedded bool `db:"embedded" json:"embedded"`
}

// AssetRecord is the structured shadow of an asset. Keyed by (Device, Path).
type AssetRecord struct {
	Device              string        `db:"device" json:"device"`
	Path                string        `db:"path" json:"path"`
	Date                string        `db:"date" json:"date"`
	CaptureTime         int64         `db:"capture_time" json:"captureTime"`
	Kind                string        `db:"kind" json:"kind"`
	ContentHash         string        `db:"content_hash" json:"contentHash,omitempty"`
	ThumbnailPath       string        `db:"thumbnail_path" json:"thumbnailPath,omitempty"`
	Objects             DetectionList `db:"objects" json:"objects"`
	People              FaceList      `db:"people" json:"people"`
	SegmentID           *int          `db:"segment_id" json:"segmentId"`
	Activity            string        `db:"activity" json:"activity,omitempty"`
	ActivityDescription string        `db:"activity_description" json:"activityDescription,omitempty"`
	ActivityConfidence  string        `db:"activity_confidence" json:"activityConfidence,omitempty"`
	Deleted             bool          `db:"deleted" json:"deleted"`
	DeleteTime          *int64        `db:"delete_time" json:"deleteTime,omitempty"`
	StageFlags
}

// Segmented reports whether the record has a segment assignment.
func (r *AssetRecord) Segmented() bool {
	return r.SegmentID != nil
}
