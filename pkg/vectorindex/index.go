package vectorindex

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// DefaultModel names the collection the image embeddings live in.
const DefaultModel = "conclip"

// FaceModel names the per-device face collection.
const FaceModel = "faces"

// Embedding is one (asset, model) vector plus its payload fields. Timestamp
// and Whitelist are only meaningful in face collections.
type Embedding struct {
	ID        string
	Path      string
	Vector    []float32
	Timestamp int64
	Whitelist bool
}

// Match is one ranked query hit. Score is cosine similarity.
type Match struct {
	ID    string
	Path  string
	Score float32
}

// Index is a single collection of fixed-dimension L2-normalised vectors.
// Re-insert of an id replaces its vector and fields; queries over a missing
// id return empty, not an error.
type Index interface {
	Insert(ctx context.Context, emb Embedding) error
	InsertBatch(ctx context.Context, embs []Embedding) error
	Get(ctx context.Context, id string) (*Embedding, bool, error)
	Fetch(ctx context.Context, ids []string) (map[string]Embedding, error)
	Delete(ctx context.Context, id string) error
	// DeleteStale removes entries with Timestamp < cutoffMillis and
	// Whitelist = false, returning the number removed.
	DeleteStale(ctx context.Context, cutoffMillis int64) (int, error)
	QueryByVector(ctx context.Context, vec []float32, k int) ([]Match, error)
	QueryByID(ctx context.Context, id string, k int) ([]Match, error)
	IDs(ctx context.Context) ([]string, error)
	// Flush makes pending writes queryable. Idempotent.
	Flush(ctx context.Context) error
	Dim() int
}

// Provider opens per-(device, model) collections, creating them on first use.
type Provider interface {
	Collection(ctx context.Context, device, model string) (Index, error)
	Close()
}

// CollectionName builds the canonical <device>_<model> collection name.
func CollectionName(device, model string) string {
	return fmt.Sprintf("%s_%s", device, model)
}

// SanitizeID substitutes path separators so an asset path can be used as a
// vector id.
func SanitizeID(path string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(path)
}

// Normalize returns an L2-normalised copy of v. Degenerate vectors error:
// the collection never stores non-normalised vectors.
func Normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, fmt.Errorf("cannot normalise degenerate vector")
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out, nil
}

// Dot is the inner product of two equal-length vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// EuclideanDistance between two equal-length vectors.
func EuclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
