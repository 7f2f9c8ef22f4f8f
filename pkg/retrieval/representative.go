package retrieval

import (
	"math"
	"sort"

	"github.com/lifelogd/lifelogd/pkg/vectorindex"
)

// PathVector pairs a candidate path with its stored vector.
type PathVector struct {
	Path   string
	Vector []float32
}

const (
	framesPerRepresentative = 100
	minRepresentatives      = 3
	maxRepresentatives      = 8
)

// RepresentativeCount is clamp(ceil(n/100), 3, 8), further clamped to n.
func RepresentativeCount(n int) int {
	if n <= 0 {
		return 0
	}
	count := int(math.Ceil(float64(n) / framesPerRepresentative))
	if count < minRepresentatives {
		count = minRepresentatives
	}
	if count > maxRepresentatives {
		count = maxRepresentatives
	}
	if count > n {
		count = n
	}
	return count
}

// SelectRepresentatives picks timeline thumbnails for a segment: vectors are
// scored against the segment centroid, blended half-and-half with the query
// embedding when one is present.
func SelectRepresentatives(candidates []PathVector, query []float32) []string {
	if len(candidates) == 0 {
		return nil
	}
	count := RepresentativeCount(len(candidates))

	dim := len(candidates[0].Vector)
	centroidAcc := make([]float64, dim)
	n := 0
	for _, c := range candidates {
		if len(c.Vector) != dim {
			continue
		}
		for i, x := range c.Vector {
			centroidAcc[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	centroid := make([]float32, dim)
	for i, x := range centroidAcc {
		centroid[i] = float32(x / float64(n))
	}
	centroid, err := vectorindex.Normalize(centroid)
	if err != nil {
		// Pathological centroid; fall back to the first paths in order.
		out := make([]string, 0, count)
		for _, c := range candidates[:count] {
			out = append(out, c.Path)
		}
		return out
	}

	alpha := 1.0
	if query != nil {
		alpha = 0.5
	}

	type scored struct {
		path  string
		score float64
	}
	scores := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Vector) != dim {
			continue
		}
		s := alpha * float64(vectorindex.Dot(c.Vector, centroid))
		if query != nil && len(query) == dim {
			s += (1 - alpha) * float64(vectorindex.Dot(c.Vector, query))
		}
		scores = append(scores, scored{path: c.Path, score: s})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if count > len(scores) {
		count = len(scores)
	}
	out := make([]string, count)
	for i := 0; i < count; i++ {
		out[i] = scores[i].path
	}
	return out
}
