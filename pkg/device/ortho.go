package device

import (
	"bytes"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Transform is a per-device orthonormal map applied to every vector before
// storage and to query vectors before search. It scrambles embeddings across
// devices without changing in-device cosine geometry.
type Transform struct {
	Dim int
	// row-major Dim x Dim
	m []float32
}

// NewHaarTransform samples a Haar-uniform orthonormal matrix: a Gaussian
// matrix is QR-decomposed and Q's columns are sign-corrected by R's
// diagonal. The Gaussian draw is seeded from crypto/rand.
func NewHaarTransform(dim int) (*Transform, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("transform dimension must be positive, got %d", dim)
	}

	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to seed transform generation: %w", err)
	}
	rng := rand.New(rand.NewChaCha8(seed))

	data := make([]float64, dim*dim)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	a := mat.NewDense(dim, dim, data)

	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	// Sign-correct so the distribution is Haar, not biased by QR convention.
	out := make([]float32, dim*dim)
	for j := 0; j < dim; j++ {
		sign := 1.0
		if r.At(j, j) < 0 {
			sign = -1.0
		}
		for i := 0; i < dim; i++ {
			out[i*dim+j] = float32(q.At(i, j) * sign)
		}
	}
	return &Transform{Dim: dim, m: out}, nil
}

// Apply computes M·v.
func (t *Transform) Apply(v []float32) ([]float32, error) {
	if len(v) != t.Dim {
		return nil, fmt.Errorf("vector dimension %d does not match transform dimension %d", len(v), t.Dim)
	}
	out := make([]float32, t.Dim)
	for i := 0; i < t.Dim; i++ {
		var sum float64
		row := t.m[i*t.Dim : (i+1)*t.Dim]
		for j, x := range v {
			sum += float64(row[j]) * float64(x)
		}
		out[i] = float32(sum)
	}
	return out, nil
}

// Marshal serialises the matrix as little-endian float32s.
func (t *Transform) Marshal() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, t.m)
	return buf.Bytes()
}

// UnmarshalTransform restores a matrix persisted with Marshal.
func UnmarshalTransform(data []byte, dim int) (*Transform, error) {
	if len(data) != dim*dim*4 {
		return nil, fmt.Errorf("transform blob is %d bytes, want %d for dimension %d", len(data), dim*dim*4, dim)
	}
	m := make([]float32, dim*dim)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &m); err != nil {
		return nil, err
	}
	return &Transform{Dim: dim, m: m}, nil
}

// orthonormalityError measures the worst deviation of MᵀM from identity.
// Exported for tests via Orthonormal.
func (t *Transform) orthonormalityError() float64 {
	worst := 0.0
	for i := 0; i < t.Dim; i++ {
		for j := 0; j < t.Dim; j++ {
			var dot float64
			for k := 0; k < t.Dim; k++ {
				dot += float64(t.m[k*t.Dim+i]) * float64(t.m[k*t.Dim+j])
			}
			want := 0.0
			if i == j {
				want = 1.0
			}
			if d := math.Abs(dot - want); d > worst {
				worst = d
			}
		}
	}
	return worst
}

// Orthonormal reports whether MᵀM is the identity within tol.
func (t *Transform) Orthonormal(tol float64) bool {
	return t.orthonormalityError() <= tol
}
