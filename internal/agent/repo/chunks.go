package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/pkg/sqlite"
	"github.com/google/uuid"
)

// ChunkMigrations creates the knowledge tables used by keyword fallback search.
var ChunkMigrations = []sqlite.Migration{
	{
		Version: 1,
		Name:    "knowledge_sources_and_chunks",
		SQL: `
			CREATE TABLE knowledge_sources (
				id         TEXT PRIMARY KEY,
				tenant_id  TEXT NOT NULL,
				name       TEXT NOT NULL,
				category   TEXT NOT NULL DEFAULT 'general',
				created_at TEXT NOT NULL
			);
			CREATE INDEX idx_knowledge_sources_tenant ON knowledge_sources(tenant_id, category);

			CREATE TABLE knowledge_chunks (
				id          TEXT PRIMARY KEY,
				source_id   TEXT NOT NULL REFERENCES knowledge_sources(id) ON DELETE CASCADE,
				chunk_index INTEGER NOT NULL,
				content     TEXT NOT NULL,
				embedding   TEXT,
				UNIQUE(source_id, chunk_index)
			);
		`,
	},
}

// SQLiteChunkStore is the relational store of knowledge chunks.
type SQLiteChunkStore struct {
	db *sql.DB
}

func NewSQLiteChunkStore(db *sql.DB) *SQLiteChunkStore {
	return &SQLiteChunkStore{db: db}
}

// AddSource inserts a source document and returns it with an id assigned.
func (s *SQLiteChunkStore) AddSource(ctx context.Context, src model.KnowledgeSource) (*model.KnowledgeSource, error) {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.Category == "" {
		src.Category = "general"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_sources (id, tenant_id, name, category, created_at) VALUES (?, ?, ?, ?, ?)`,
		src.ID, src.TenantID, src.Name, src.Category, time.Now().UTC().Format(time.DateTime),
	)
	if err != nil {
		return nil, fmt.Errorf("insert knowledge source: %w", err)
	}
	return &src, nil
}

// AddChunk stores one chunk of a source. The embedding is optional.
func (s *SQLiteChunkStore) AddChunk(ctx context.Context, sourceID string, index int, content string, embedding []float64) (string, error) {
	id := uuid.New().String()
	var emb sql.NullString
	if len(embedding) > 0 {
		b, err := json.Marshal(embedding)
		if err != nil {
			return "", fmt.Errorf("marshal embedding: %w", err)
		}
		emb = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_chunks (id, source_id, chunk_index, content, embedding) VALUES (?, ?, ?, ?, ?)`,
		id, sourceID, index, content, emb,
	)
	if err != nil {
		return "", fmt.Errorf("insert knowledge chunk: %w", err)
	}
	return id, nil
}

// MatchKeywords returns the tenant's chunks whose content contains at least one
// keyword, optionally restricted to categories. Matching is case-insensitive
// under Unicode case folding, so it runs in Go rather than in SQLite, whose
// lower() only folds ASCII.
func (s *SQLiteChunkStore) MatchKeywords(ctx context.Context, tenantID string, categories, keywords []string) ([]model.KnowledgeChunk, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}

	var (
		b    strings.Builder
		args = []any{tenantID}
	)
	b.WriteString(`SELECT c.id, c.source_id, s.name, s.tenant_id, s.category, c.chunk_index, c.content
		FROM knowledge_chunks c
		JOIN knowledge_sources s ON s.id = c.source_id
		WHERE s.tenant_id = ?`)
	if len(categories) > 0 {
		b.WriteString(" AND s.category IN (" + placeholders(len(categories)) + ")")
		for _, c := range categories {
			args = append(args, c)
		}
	}
	b.WriteString(" ORDER BY s.name, c.chunk_index")

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query knowledge chunks: %w", err)
	}
	defer rows.Close()

	var out []model.KnowledgeChunk
	for rows.Next() {
		var c model.KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.SourceID, &c.SourceName, &c.TenantID, &c.Category, &c.ChunkIndex, &c.Content); err != nil {
			return nil, fmt.Errorf("scan knowledge chunk: %w", err)
		}
		if containsAny(strings.ToLower(c.Content), lowered) {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ListEmbedded returns every chunk with a stored embedding, for warming a vector index.
func (s *SQLiteChunkStore) ListEmbedded(ctx context.Context) ([]model.KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.source_id, s.name, s.tenant_id, s.category, c.chunk_index, c.content, c.embedding
		FROM knowledge_chunks c
		JOIN knowledge_sources s ON s.id = c.source_id
		WHERE c.embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query embedded chunks: %w", err)
	}
	defer rows.Close()

	var out []model.KnowledgeChunk
	for rows.Next() {
		var (
			c   model.KnowledgeChunk
			emb string
		)
		if err := rows.Scan(&c.ID, &c.SourceID, &c.SourceName, &c.TenantID, &c.Category, &c.ChunkIndex, &c.Content, &emb); err != nil {
			return nil, fmt.Errorf("scan embedded chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(emb), &c.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding of chunk %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
