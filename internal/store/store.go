// Package store defines the vector store + relational store capability:
// vector match, cluster match, scan, filter, insert, update, delete over a
// named corpus. Corpus names (e.g. "pd_peru", "pd_mex") are configuration,
// not code: per-jurisdiction table names arrive as a runtime parameter.
package store

import (
	"context"
	"time"
)

// Row is the shape returned by vector_match/cluster_match/scan/filter: one
// retrievable chunk and its enclosing document's replicated metadata.
type Row struct {
	ID       string
	Title    string
	Content  string
	Metadata map[string]any
}

// Document is one regulatory publication.
type Document struct {
	ID               int64
	DocumentType     string
	DocumentTitle    string
	IssuingAuthority string
	PublicationDate  *time.Time
	EffectiveDate    *time.Time
	Jurisdiction     string
	Status           string // "vigente" | "derogado" | ...
	DocumentNumber   string
	OfficialSource   string
	OriginalURL      string
	Metadata         map[string]any
}

// Chunk is one retrievable fragment of a Document.
type Chunk struct {
	ID          string
	DocumentID  *int64
	URL         string
	ChunkNumber int
	Title       string
	Summary     string
	Content     string
	Embedding   []float32
	Metadata    map[string]any
}

// Predicate describes a case-insensitive substring match against one or
// more chunk columns, used by entity search.
type Predicate struct {
	Column   string // "title" | "content"
	Contains string
}

// Capability is the vector+relational store interface every retrieval and
// ingest component depends on. A single implementation may back it with
// Postgres+pgvector (default) or an external vector engine like Qdrant for
// the vector-match half while relational calls stay on Postgres.
type Capability interface {
	VectorMatch(ctx context.Context, corpus string, queryEmbedding []float32, matchCount int) ([]Row, error)
	ClusterMatch(ctx context.Context, corpus string, clusterID int, matchCount int) ([]Row, error)
	Scan(ctx context.Context, corpus string, columns []string) ([]Row, error)
	Filter(ctx context.Context, corpus string, predicates []Predicate) ([]Row, error)

	InsertChunk(ctx context.Context, corpus string, c Chunk) error
	UpdateChunk(ctx context.Context, corpus string, c Chunk) error
	DeleteChunk(ctx context.Context, corpus string, id string) error

	InsertDocument(ctx context.Context, doc Document) (int64, error)
	GetDocument(ctx context.Context, id int64) (Document, error)
	// DocumentStatus looks up just the parent document's status, used by the
	// vigente predicate in lexical search. ok is false
	// if no parent document record exists.
	DocumentStatus(ctx context.Context, id int64) (status string, ok bool, err error)
}
