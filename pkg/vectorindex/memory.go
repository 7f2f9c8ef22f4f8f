package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryIndex is an in-process Index used by unit tests and single-box
// deployments. It applies the same normalisation and id semantics as the
// pgvector implementation.
type MemoryIndex struct {
	mu     sync.RWMutex
	dim    int
	docs   map[string]Embedding
	logger *zap.Logger
}

// NewMemoryIndex creates an empty collection of the given dimension.
func NewMemoryIndex(dim int, logger *zap.Logger) *MemoryIndex {
	return &MemoryIndex{
		dim:    dim,
		docs:   make(map[string]Embedding),
		logger: logger,
	}
}

func (m *MemoryIndex) Dim() int { return m.dim }

// Count returns the number of stored embeddings.
func (m *MemoryIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryIndex) validate(emb Embedding) error {
	if emb.ID == "" {
		return fmt.Errorf("embedding id cannot be empty")
	}
	if len(emb.Vector) != m.dim {
		return fmt.Errorf("embedding dimension %d does not match collection dimension %d", len(emb.Vector), m.dim)
	}
	return nil
}

func (m *MemoryIndex) Insert(ctx context.Context, emb Embedding) error {
	if err := m.validate(emb); err != nil {
		return err
	}
	vec, err := Normalize(emb.Vector)
	if err != nil {
		return err
	}
	emb.Vector = vec

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[emb.ID] = emb
	return nil
}

func (m *MemoryIndex) InsertBatch(ctx context.Context, embs []Embedding) error {
	for _, emb := range embs {
		if err := m.Insert(ctx, emb); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryIndex) Get(ctx context.Context, id string) (*Embedding, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	emb, ok := m.docs[id]
	if !ok {
		return nil, false, nil
	}
	out := emb
	return &out, true, nil
}

func (m *MemoryIndex) Fetch(ctx context.Context, ids []string) (map[string]Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Embedding, len(ids))
	for _, id := range ids {
		if emb, ok := m.docs[id]; ok {
			out[id] = emb
		}
	}
	return out, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *MemoryIndex) DeleteStale(ctx context.Context, cutoffMillis int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, emb := range m.docs {
		if !emb.Whitelist && emb.Timestamp < cutoffMillis {
			delete(m.docs, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryIndex) QueryByVector(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if len(vec) != m.dim {
		return nil, fmt.Errorf("query dimension %d does not match collection dimension %d", len(vec), m.dim)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, len(m.docs))
	for id, emb := range m.docs {
		matches = append(matches, Match{ID: id, Path: emb.Path, Score: Dot(vec, emb.Vector)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *MemoryIndex) QueryByID(ctx context.Context, id string, k int) ([]Match, error) {
	m.mu.RLock()
	emb, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.QueryByVector(ctx, emb.Vector, k)
}

func (m *MemoryIndex) IDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryIndex) Flush(ctx context.Context) error { return nil }

// MemoryProvider hands out MemoryIndex collections keyed by name.
type MemoryProvider struct {
	mu          sync.Mutex
	dim         int
	faceDim     int
	collections map[string]*MemoryIndex
	logger      *zap.Logger
}

// NewMemoryProvider creates a provider producing collections of dim, with
// face collections of faceDim.
func NewMemoryProvider(dim, faceDim int, logger *zap.Logger) *MemoryProvider {
	return &MemoryProvider{
		dim:         dim,
		faceDim:     faceDim,
		collections: make(map[string]*MemoryIndex),
		logger:      logger,
	}
}

func (p *MemoryProvider) Collection(ctx context.Context, device, model string) (Index, error) {
	name := CollectionName(device, model)
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.collections[name]; ok {
		return idx, nil
	}
	dim := p.dim
	if model == FaceModel {
		dim = p.faceDim
	}
	idx := NewMemoryIndex(dim, p.logger)
	p.collections[name] = idx
	return idx, nil
}

func (p *MemoryProvider) Close() {}
