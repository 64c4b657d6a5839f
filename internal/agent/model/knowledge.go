package model

// KnowledgeSource is one ingested document of a tenant.
type KnowledgeSource struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// KnowledgeChunk is a retrievable slice of a source.
type KnowledgeChunk struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	SourceName string    `json:"source_name"`
	TenantID   string    `json:"tenant_id"`
	Category   string    `json:"category"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float64 `json:"-"`
}

// SearchResult is a ranked chunk with its citation.
type SearchResult struct {
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Citation Citation `json:"citation"`
}

// SearchQuery parameters of a knowledge search.
type SearchQuery struct {
	Query      string
	TenantID   string
	Categories []string
	Limit      int
	// Threshold is the minimum score; nil uses the configured default.
	Threshold *float64
}

// Threshold returns v as an explicit SearchQuery threshold.
func Threshold(v float64) *float64 { return &v }
