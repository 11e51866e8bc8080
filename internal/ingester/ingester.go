// Package ingester inserts processed chunks into the store in batches,
// quarantines per-chunk failures for later retry, and advances the
// document checkpoint.
package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"regdocqa/internal/checkpoint"
	"regdocqa/internal/chunkproc"
	"regdocqa/internal/store"
)

const insertBatchSize = 5
const batchPause = 1 * time.Second

// QuarantinedChunk is one failed insert recorded for later retry, carrying
// the chunk itself, its error string and a retry count.
type QuarantinedChunk struct {
	Chunk      chunkproc.ProcessedChunk `json:"chunk"`
	ChunkIndex int                      `json:"chunk_index"`
	Error      string                   `json:"error"`
	RetryCount int                      `json:"retry_count"`
}

// Ingester inserts processed chunks into the store and manages the
// pending_chunks/ quarantine.
type Ingester struct {
	store      store.Capability
	cps        *checkpoint.Store
	pendingDir string
}

func New(s store.Capability, cps *checkpoint.Store, pendingChunksDir string) *Ingester {
	return &Ingester{store: s, cps: cps, pendingDir: pendingChunksDir}
}

func (ig *Ingester) quarantinePath(docID string) string {
	return filepath.Join(ig.pendingDir, fmt.Sprintf("%s_failed_%d.json", docID, time.Now().UTC().Unix()))
}

// Ingest implements the ingest(doc_id) operation over the processed chunks
// the caller passes in: insert in batches of 5 with a 1s pause between
// batches, quarantine per-chunk failures, and
// mark the checkpoint ingested iff every chunk succeeded.
func (ig *Ingester) Ingest(ctx context.Context, corpus string, documentID int64, originalURL string, cp checkpoint.Checkpoint, chunks []chunkproc.ProcessedChunk) error {
	var failures []QuarantinedChunk
	for start := 0; start < len(chunks); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		for i := start; i < end; i++ {
			if err := ig.insertOne(ctx, corpus, documentID, originalURL, i, chunks[i]); err != nil {
				// RetryCount starts at 1: the failed first insert counts as
				// the first attempt.
				failures = append(failures, QuarantinedChunk{Chunk: chunks[i], ChunkIndex: i, Error: err.Error(), RetryCount: 1})
			}
		}
		if end < len(chunks) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(batchPause):
			}
		}
	}

	if len(failures) > 0 {
		if err := ig.writeQuarantine(cp.DocID, failures); err != nil {
			return fmt.Errorf("ingester: write quarantine: %w", err)
		}
		_ = ig.cps.Fail(cp, fmt.Errorf("%d of %d chunks failed to ingest", len(failures), len(chunks)))
		return fmt.Errorf("ingester: %d of %d chunks failed to ingest", len(failures), len(chunks))
	}

	return ig.cps.Complete(cp)
}

func (ig *Ingester) insertOne(ctx context.Context, corpus string, documentID int64, originalURL string, index int, pc chunkproc.ProcessedChunk) error {
	metadata := map[string]any{
		"chunk_size":     pc.ChunkSize,
		"source":         pc.Source,
		"date":           pc.Date,
		"category":       pc.Category,
		"subcategory":    pc.Subcategory,
		"keywords":       pc.Keywords,
		"cluster_id":     pc.ClusterID,
		"cluster_size":   pc.ClusterSize,
		"document_title": pc.DocumentTitle,
		"jurisdiction":   pc.Jurisdiction,
		"status":         pc.Status,
		"embedding_type": "enriched",
	}
	if pc.ArticleNumber != "" {
		metadata["article_number"] = pc.ArticleNumber
	}
	if pc.ArticleTitle != "" {
		metadata["article_title"] = pc.ArticleTitle
	}
	if len(pc.Hierarchy) > 0 {
		metadata["hierarchy"] = pc.Hierarchy
	}

	docIDPtr := &documentID
	return ig.store.InsertChunk(ctx, corpus, store.Chunk{
		// Deterministic id: re-running the same document upserts rather
		// than duplicating.
		ID:          fmt.Sprintf("%d-%04d", documentID, index),
		DocumentID:  docIDPtr,
		URL:         originalURL,
		ChunkNumber: index,
		Title:       pc.Title,
		Summary:     pc.Summary,
		Content:     pc.Content,
		Embedding:   pc.Embedding,
		Metadata:    metadata,
	})
}

func (ig *Ingester) writeQuarantine(docID string, failures []QuarantinedChunk) error {
	if err := os.MkdirAll(ig.pendingDir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(failures, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ig.quarantinePath(docID), raw, 0o644)
}

// RetryFailed implements the retry_failed(file): re-attempt every
// quarantined chunk, rewrite the file with remaining failures (incrementing
// retry_count), and delete it if all succeed.
func (ig *Ingester) RetryFailed(ctx context.Context, corpus string, documentID int64, originalURL string, quarantineFile string) error {
	raw, err := os.ReadFile(quarantineFile)
	if err != nil {
		return fmt.Errorf("ingester: read quarantine: %w", err)
	}
	var failures []QuarantinedChunk
	if err := json.Unmarshal(raw, &failures); err != nil {
		return fmt.Errorf("ingester: parse quarantine: %w", err)
	}

	var remaining []QuarantinedChunk
	for _, f := range failures {
		if err := ig.insertOne(ctx, corpus, documentID, originalURL, f.ChunkIndex, f.Chunk); err != nil {
			f.Error = err.Error()
			f.RetryCount++
			remaining = append(remaining, f)
		}
	}

	if len(remaining) == 0 {
		if err := os.Remove(quarantineFile); err != nil {
			return err
		}
		cp, err := ig.cps.LoadByDocID(docIDFromQuarantinePath(quarantineFile))
		if err != nil {
			return fmt.Errorf("ingester: load checkpoint after retry: %w", err)
		}
		return ig.cps.Complete(cp)
	}
	updated, err := json.MarshalIndent(remaining, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(quarantineFile, updated, 0o644)
}

// docIDFromQuarantinePath recovers the doc id from a pending_chunks/
// quarantine file name, which quarantinePath names "<doc_id>_failed_<ts>.json".
func docIDFromQuarantinePath(quarantineFile string) string {
	base := filepath.Base(quarantineFile)
	if i := strings.Index(base, "_failed_"); i >= 0 {
		return base[:i]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
