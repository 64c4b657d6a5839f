package knowledge

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/chative/agent-runtime/internal/agent/model"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

// VectorIndex is the semantic search primitive behind the retriever.
type VectorIndex interface {
	Search(ctx context.Context, tenantID string, vector []float64, topK int, categories []string) ([]model.SearchResult, error)
}

// MemoryIndex is a brute-force cosine index kept in memory, suitable for
// small tenants and tests.
type MemoryIndex struct {
	mu         sync.RWMutex
	chunks     map[string]model.KnowledgeChunk // key: tenant:id
	maxVectors int
}

func NewMemoryIndex(maxVectors int) *MemoryIndex {
	if maxVectors <= 0 {
		maxVectors = 50_000
	}
	return &MemoryIndex{chunks: make(map[string]model.KnowledgeChunk), maxVectors: maxVectors}
}

// Upsert adds or replaces chunks. Chunks without an embedding are ignored.
func (m *MemoryIndex) Upsert(_ context.Context, chunks ...model.KnowledgeChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, c := range chunks {
		if _, ok := m.chunks[indexKey(c.TenantID, c.ID)]; !ok && len(c.Embedding) > 0 {
			added++
		}
	}
	if total := len(m.chunks) + added; total > m.maxVectors {
		return fmt.Errorf("vector index capacity exceeded: %d > %d", total, m.maxVectors)
	}
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		m.chunks[indexKey(c.TenantID, c.ID)] = c
	}
	if len(m.chunks) > m.maxVectors*9/10 {
		logx.Warn().Int("count", len(m.chunks)).Int("max", m.maxVectors).Msg("vector index nearing capacity")
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, tenantID string, vector []float64, topK int, categories []string) ([]model.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.SearchResult
	for _, c := range m.chunks {
		if c.TenantID != tenantID || len(c.Embedding) != len(vector) {
			continue
		}
		if len(categories) > 0 && !slices.Contains(categories, c.Category) {
			continue
		}
		out = append(out, toResult(c, cosineSimilarity(vector, c.Embedding)))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Citation.Score > out[j].Citation.Score
	})
	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

func indexKey(tenantID, id string) string {
	return tenantID + ":" + id
}

func toResult(c model.KnowledgeChunk, score float64) model.SearchResult {
	return model.SearchResult{
		Content:  c.Content,
		Category: c.Category,
		Citation: model.Citation{
			DocumentID:   c.SourceID,
			DocumentName: c.SourceName,
			ChunkIndex:   c.ChunkIndex,
			Score:        score,
		},
	}
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
