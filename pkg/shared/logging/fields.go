package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields is an accumulating set of standard structured-log fields. The
// builder methods skip empty values so call sites never have to branch.
type Fields map[string]any

// NewFields returns an empty field set.
func NewFields() Fields {
	return Fields{}
}

// Component records the component emitting the log line.
func (f Fields) Component(name string) Fields {
	if name != "" {
		f["component"] = name
	}
	return f
}

// Operation records the operation being performed.
func (f Fields) Operation(op string) Fields {
	if op != "" {
		f["operation"] = op
	}
	return f
}

// Device records the device id the work belongs to.
func (f Fields) Device(device string) Fields {
	if device != "" {
		f["device"] = device
	}
	return f
}

// Asset records the relative asset path.
func (f Fields) Asset(path string) Fields {
	if path != "" {
		f["asset_path"] = path
	}
	return f
}

// Date records a device-date in YYYY-MM-DD form.
func (f Fields) Date(date string) Fields {
	if date != "" {
		f["date"] = date
	}
	return f
}

// Job records a processing-job id.
func (f Fields) Job(jobID string) Fields {
	if jobID != "" {
		f["job_id"] = jobID
	}
	return f
}

// Upload records an upload-session id.
func (f Fields) Upload(uploadID string) Fields {
	if uploadID != "" {
		f["upload_id"] = uploadID
	}
	return f
}

// Stage records a pipeline stage name.
func (f Fields) Stage(stage string) Fields {
	if stage != "" {
		f["stage"] = stage
	}
	return f
}

// Segment records a segment id.
func (f Fields) Segment(id int) Fields {
	f["segment_id"] = id
	return f
}

// Duration records elapsed time in milliseconds.
func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Count records an item count.
func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

// Error records the error message, skipping nil.
func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// Merge copies all entries of other into f.
func (f Fields) Merge(other map[string]any) Fields {
	for k, v := range other {
		f[k] = v
	}
	return f
}

// Zap renders the field set for a zap call site.
func (f Fields) Zap() []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}
