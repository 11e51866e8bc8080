// Package checkpoint tracks per-document ingest stage progress: a
// file-per-document JSON record, rewritten after every stage transition,
// that lets the ingest orchestrator resume crashed runs without re-doing
// completed work.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArtifactStore persists the sibling ingest-stage artifacts (the
// "<doc_id>_text.txt", "<doc_id>_chunks.json", "<doc_id>_processed.json"
// files) as named blobs. LocalArtifactStore is the default; cmd/ragingest
// swaps in an internal/objectstore-backed ArtifactStore when S3 is
// configured, so ingest intermediates can live off local disk.
type ArtifactStore interface {
	WriteArtifact(ctx context.Context, path string, data []byte) error
	ReadArtifact(ctx context.Context, path string) ([]byte, error)
}

// LocalArtifactStore is the filesystem-backed ArtifactStore; path is used
// verbatim as the file path.
type LocalArtifactStore struct{}

func (LocalArtifactStore) WriteArtifact(_ context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir artifact dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (LocalArtifactStore) ReadArtifact(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Checkpoint is one document's ingest state.
type Checkpoint struct {
	DocID             string     `json:"doc_id"`
	FilePath          string     `json:"file_path"`
	MetadataExtracted bool       `json:"metadata_extracted"`
	TextExtracted     bool       `json:"text_extracted"`
	ChunksCreated     bool       `json:"chunks_created"`
	ChunksProcessed   bool       `json:"chunks_processed"`
	Ingested          bool       `json:"ingested"`
	DocumentIDDB      *int64     `json:"document_id_db,omitempty"`
	TextArtifact      string     `json:"text_artifact,omitempty"`
	ChunksArtifact    string     `json:"chunks_artifact,omitempty"`
	ProcessedArtifact string     `json:"processed_artifact,omitempty"`
	Error             string     `json:"error,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// DocID derives the 12-hex-char checkpoint id from a file path.
func DocID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:12]
}

// Store persists checkpoints at <dir>/<doc_id>_checkpoint.json, with
// sibling artifacts <doc_id>_text.txt, <doc_id>_chunks.json and
// <doc_id>_processed.json. Quarantine lives under a sibling
// pending_chunks/ directory, handled by internal/ingester.
type Store struct {
	dir       string
	Artifacts ArtifactStore
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, Artifacts: LocalArtifactStore{}}
}

// NewStoreWithArtifacts constructs a Store backed by a non-default
// ArtifactStore (e.g. an S3-backed one), keeping the checkpoint JSON itself
// on local disk at dir (it is small and polled on every resume) while
// routing the larger sibling artifacts through artifacts.
func NewStoreWithArtifacts(dir string, artifacts ArtifactStore) *Store {
	return &Store{dir: dir, Artifacts: artifacts}
}

// WriteTextArtifact, WriteChunksArtifact and WriteProcessedArtifact persist
// a stage's artifact through the Store's ArtifactStore and return the path
// recorded into the checkpoint's *Artifact field.
func (s *Store) WriteTextArtifact(ctx context.Context, docID string, data []byte) (string, error) {
	p := s.TextArtifactPath(docID)
	return p, s.Artifacts.WriteArtifact(ctx, p, data)
}

func (s *Store) WriteChunksArtifact(ctx context.Context, docID string, data []byte) (string, error) {
	p := s.ChunksArtifactPath(docID)
	return p, s.Artifacts.WriteArtifact(ctx, p, data)
}

func (s *Store) WriteProcessedArtifact(ctx context.Context, docID string, data []byte) (string, error) {
	p := s.ProcessedArtifactPath(docID)
	return p, s.Artifacts.WriteArtifact(ctx, p, data)
}

// ReadArtifact reads back any of the three sibling artifacts by path, as
// recorded in a loaded Checkpoint's *Artifact field.
func (s *Store) ReadArtifact(ctx context.Context, path string) ([]byte, error) {
	return s.Artifacts.ReadArtifact(ctx, path)
}

func (s *Store) path(docID string) string {
	return filepath.Join(s.dir, docID+"_checkpoint.json")
}

// TextArtifactPath, ChunksArtifactPath and ProcessedArtifactPath are the
// sibling artifact paths for a given doc id.
func (s *Store) TextArtifactPath(docID string) string { return filepath.Join(s.dir, docID+"_text.txt") }
func (s *Store) ChunksArtifactPath(docID string) string {
	return filepath.Join(s.dir, docID+"_chunks.json")
}
func (s *Store) ProcessedArtifactPath(docID string) string {
	return filepath.Join(s.dir, docID+"_processed.json")
}

// Load reads an existing checkpoint, or returns a fresh one (started now)
// if none exists yet — first run and resume share this path.
func (s *Store) Load(path string) (Checkpoint, error) {
	docID := DocID(path)
	raw, err := os.ReadFile(s.path(docID))
	if os.IsNotExist(err) {
		now := time.Now().UTC()
		return Checkpoint{DocID: docID, FilePath: path, StartedAt: &now}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: load %s: %w", docID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parse %s: %w", docID, err)
	}
	return cp, nil
}

// LoadByDocID reads an existing checkpoint by its doc id directly, without
// needing the original file path that DocID was derived from (the path hash
// is one-way). Used by retry_failed(file), which only has the doc id
// recoverable from the quarantine file's name, not the source file path.
func (s *Store) LoadByDocID(docID string) (Checkpoint, error) {
	raw, err := os.ReadFile(s.path(docID))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: load %s: %w", docID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parse %s: %w", docID, err)
	}
	return cp, nil
}

// Save rewrites the checkpoint file. Invariant: the caller is
// responsible for only advancing flags monotonically unless Error is set.
func (s *Store) Save(cp Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	tmp := s.path(cp.DocID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	return os.Rename(tmp, s.path(cp.DocID))
}

// Fail marks the checkpoint as failed at the current stage:
// "any stage failure writes error/failed_at to the checkpoint and stops
// that document".
func (s *Store) Fail(cp Checkpoint, cause error) error {
	now := time.Now().UTC()
	cp.Error = cause.Error()
	cp.FailedAt = &now
	return s.Save(cp)
}

// Complete marks the checkpoint ingested and stamps CompletedAt.
func (s *Store) Complete(cp Checkpoint) error {
	now := time.Now().UTC()
	cp.Ingested = true
	cp.CompletedAt = &now
	cp.Error = ""
	return s.Save(cp)
}
