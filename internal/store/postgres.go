package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Postgres implements Capability over a pgx pool, one chunks table per
// corpus plus a shared documents table, both bootstrapped on demand.
type Postgres struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPostgres wraps an existing pool. dim is the embedding vector
// dimensionality (1536 for the default embedding model).
func NewPostgres(pool *pgxpool.Pool, dim int) *Postgres {
	return &Postgres{pool: pool, dim: dim}
}

// EnsureCorpus creates the chunks table for corpus if it does not exist,
// along with the documents table and an IVFFlat index on the embedding
// column.
func (p *Postgres) EnsureCorpus(ctx context.Context, corpus string) error {
	if err := validateCorpusName(corpus); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS regulatory_documents (
    id BIGSERIAL PRIMARY KEY,
    document_type TEXT NOT NULL DEFAULT '',
    document_title TEXT NOT NULL,
    issuing_authority TEXT NOT NULL DEFAULT '',
    publication_date DATE,
    effective_date DATE,
    jurisdiction TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    document_number TEXT NOT NULL DEFAULT '',
    official_source TEXT NOT NULL DEFAULT '',
    original_url TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`); err != nil {
		return fmt.Errorf("create regulatory_documents: %w", err)
	}

	createChunks := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    document_id BIGINT REFERENCES regulatory_documents(id),
    url TEXT NOT NULL DEFAULT '',
    chunk_number INT NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    embedding vector(%d),
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, pq(corpus), p.dim)
	if _, err := p.pool.Exec(ctx, createChunks); err != nil {
		return fmt.Errorf("create chunks table %s: %w", corpus, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`, pq(corpus), pq(corpus))
	if _, err := p.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("create embedding index on %s: %w", corpus, err)
	}
	return nil
}

// validateCorpusName guards against SQL injection through a corpus name
// that ultimately becomes a table identifier: only letters, digits and
// underscore are allowed.
func validateCorpusName(corpus string) error {
	if corpus == "" {
		return fmt.Errorf("corpus name required")
	}
	for _, r := range corpus {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return fmt.Errorf("invalid corpus name %q", corpus)
		}
	}
	return nil
}

func pq(ident string) string { return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"` }

func (p *Postgres) VectorMatch(ctx context.Context, corpus string, queryEmbedding []float32, matchCount int) ([]Row, error) {
	if err := validateCorpusName(corpus); err != nil {
		return nil, err
	}
	if matchCount <= 0 {
		matchCount = 25
	}
	q := fmt.Sprintf(`SELECT id, title, content, metadata || jsonb_build_object('summary', summary, 'document_id', document_id) FROM %s ORDER BY embedding <=> $1 LIMIT $2`, pq(corpus))
	return p.queryRows(ctx, q, pgvector.NewVector(queryEmbedding), matchCount)
}

func (p *Postgres) ClusterMatch(ctx context.Context, corpus string, clusterID int, matchCount int) ([]Row, error) {
	if err := validateCorpusName(corpus); err != nil {
		return nil, err
	}
	if matchCount <= 0 {
		matchCount = 5
	}
	q := fmt.Sprintf(`SELECT id, title, content, metadata || jsonb_build_object('summary', summary, 'document_id', document_id) FROM %s WHERE (metadata->>'cluster_id')::int = $1 LIMIT $2`, pq(corpus))
	return p.queryRows(ctx, q, clusterID, matchCount)
}

func (p *Postgres) Scan(ctx context.Context, corpus string, columns []string) ([]Row, error) {
	if err := validateCorpusName(corpus); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, title, content, metadata || jsonb_build_object('summary', summary, 'document_id', document_id) FROM %s`, pq(corpus))
	return p.queryRows(ctx, q)
}

func (p *Postgres) Filter(ctx context.Context, corpus string, predicates []Predicate) ([]Row, error) {
	if err := validateCorpusName(corpus); err != nil {
		return nil, err
	}
	if len(predicates) == 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(predicates))
	args := make([]any, 0, len(predicates))
	for _, pr := range predicates {
		col := "content"
		if pr.Column == "title" {
			col = "title"
		}
		args = append(args, "%"+pr.Contains+"%")
		clauses = append(clauses, fmt.Sprintf("%s ILIKE $%d", col, len(args)))
	}
	q := fmt.Sprintf(`SELECT id, title, content, metadata || jsonb_build_object('summary', summary, 'document_id', document_id) FROM %s WHERE %s`, pq(corpus), strings.Join(clauses, " OR "))
	return p.queryRows(ctx, q, args...)
}

func (p *Postgres) queryRows(ctx context.Context, q string, args ...any) ([]Row, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var md []byte
		if err := rows.Scan(&r.ID, &r.Title, &r.Content, &md); err != nil {
			return nil, err
		}
		r.Metadata = map[string]any{}
		if len(md) > 0 {
			_ = json.Unmarshal(md, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertChunk(ctx context.Context, corpus string, c Chunk) error {
	if err := validateCorpusName(corpus); err != nil {
		return err
	}
	md, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal chunk metadata: %w", err)
	}
	q := fmt.Sprintf(`
INSERT INTO %s (id, document_id, url, chunk_number, title, summary, content, embedding, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  document_id=EXCLUDED.document_id, url=EXCLUDED.url, chunk_number=EXCLUDED.chunk_number,
  title=EXCLUDED.title, summary=EXCLUDED.summary, content=EXCLUDED.content,
  embedding=EXCLUDED.embedding, metadata=EXCLUDED.metadata`, pq(corpus))
	_, err = p.pool.Exec(ctx, q, c.ID, c.DocumentID, c.URL, c.ChunkNumber, c.Title, c.Summary, c.Content, pgvector.NewVector(c.Embedding), md)
	return err
}

func (p *Postgres) UpdateChunk(ctx context.Context, corpus string, c Chunk) error {
	return p.InsertChunk(ctx, corpus, c)
}

func (p *Postgres) DeleteChunk(ctx context.Context, corpus string, id string) error {
	if err := validateCorpusName(corpus); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, pq(corpus)), id)
	return err
}

func (p *Postgres) InsertDocument(ctx context.Context, doc Document) (int64, error) {
	md, err := json.Marshal(doc.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal document metadata: %w", err)
	}
	if strings.TrimSpace(doc.DocumentTitle) == "" {
		return 0, fmt.Errorf("document_title must not be empty")
	}
	var id int64
	err = p.pool.QueryRow(ctx, `
INSERT INTO regulatory_documents
  (document_type, document_title, issuing_authority, publication_date, effective_date,
   jurisdiction, status, document_number, official_source, original_url, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id`,
		doc.DocumentType, doc.DocumentTitle, doc.IssuingAuthority, doc.PublicationDate, doc.EffectiveDate,
		doc.Jurisdiction, doc.Status, doc.DocumentNumber, doc.OfficialSource, doc.OriginalURL, md,
	).Scan(&id)
	return id, err
}

func (p *Postgres) GetDocument(ctx context.Context, id int64) (Document, error) {
	var d Document
	var md []byte
	var pub, eff *time.Time
	err := p.pool.QueryRow(ctx, `
SELECT id, document_type, document_title, issuing_authority, publication_date, effective_date,
       jurisdiction, status, document_number, official_source, original_url, metadata
FROM regulatory_documents WHERE id=$1`, id).Scan(
		&d.ID, &d.DocumentType, &d.DocumentTitle, &d.IssuingAuthority, &pub, &eff,
		&d.Jurisdiction, &d.Status, &d.DocumentNumber, &d.OfficialSource, &d.OriginalURL, &md,
	)
	if err != nil {
		return Document{}, err
	}
	d.PublicationDate, d.EffectiveDate = pub, eff
	d.Metadata = map[string]any{}
	if len(md) > 0 {
		_ = json.Unmarshal(md, &d.Metadata)
	}
	return d, nil
}

func (p *Postgres) DocumentStatus(ctx context.Context, id int64) (string, bool, error) {
	var status string
	err := p.pool.QueryRow(ctx, `SELECT status FROM regulatory_documents WHERE id=$1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}
