package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"regdocqa/internal/checkpoint"
	"regdocqa/internal/chunkproc"
	"regdocqa/internal/store"
)

type fakeStore struct {
	store.Capability
	failOn   map[int]bool
	inserted []store.Chunk
}

func (f *fakeStore) InsertChunk(ctx context.Context, corpus string, c store.Chunk) error {
	if f.failOn[c.ChunkNumber] {
		return errors.New("insert failed")
	}
	f.inserted = append(f.inserted, c)
	return nil
}

func TestIngestAllSucceedMarksCheckpointIngested(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.NewStore(dir)
	fs := &fakeStore{}
	ig := New(fs, cps, filepath.Join(dir, "pending_chunks"))

	cp, err := cps.Load(filepath.Join(dir, "doc.pdf"))
	require.NoError(t, err)

	chunks := []chunkproc.ProcessedChunk{{Title: "a"}, {Title: "b"}}
	err = ig.Ingest(context.Background(), "corpus", 1, "", cp, chunks)
	require.NoError(t, err)
	require.Len(t, fs.inserted, 2)

	reloaded, err := cps.Load(filepath.Join(dir, "doc.pdf"))
	require.NoError(t, err)
	require.True(t, reloaded.Ingested)
	require.NotNil(t, reloaded.CompletedAt)
}

func TestIngestPartialFailureQuarantinesAndFailsCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.NewStore(dir)
	fs := &fakeStore{failOn: map[int]bool{1: true}}
	pendingDir := filepath.Join(dir, "pending_chunks")
	ig := New(fs, cps, pendingDir)

	cp, err := cps.Load(filepath.Join(dir, "doc.pdf"))
	require.NoError(t, err)

	chunks := []chunkproc.ProcessedChunk{{Title: "a"}, {Title: "b"}}
	err = ig.Ingest(context.Background(), "corpus", 1, "", cp, chunks)
	require.Error(t, err)

	entries, err := os.ReadDir(pendingDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(pendingDir, entries[0].Name()))
	require.NoError(t, err)
	var failures []QuarantinedChunk
	require.NoError(t, json.Unmarshal(raw, &failures))
	require.Len(t, failures, 1)
	require.Equal(t, 1, failures[0].ChunkIndex)

	reloaded, err := cps.Load(filepath.Join(dir, "doc.pdf"))
	require.NoError(t, err)
	require.False(t, reloaded.Ingested)
	require.NotEmpty(t, reloaded.Error)
}

func TestRetryFailedRemovesFileWhenAllSucceedAndCompletesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.NewStore(dir)
	fs := &fakeStore{}
	ig := New(fs, cps, dir)

	cp, err := cps.Load(filepath.Join(dir, "doc.pdf"))
	require.NoError(t, err)
	require.NoError(t, cps.Fail(cp, errors.New("2 of 10 chunks failed to ingest")))

	quarantineFile := filepath.Join(dir, cp.DocID+"_failed_1.json")
	failures := []QuarantinedChunk{{Chunk: chunkproc.ProcessedChunk{Title: "a"}, ChunkIndex: 0, Error: "boom", RetryCount: 1}}
	raw, _ := json.Marshal(failures)
	require.NoError(t, os.WriteFile(quarantineFile, raw, 0o644))

	require.NoError(t, ig.RetryFailed(context.Background(), "corpus", 1, "", quarantineFile))
	_, err = os.Stat(quarantineFile)
	require.True(t, os.IsNotExist(err))

	reloaded, err := cps.Load(filepath.Join(dir, "doc.pdf"))
	require.NoError(t, err)
	require.True(t, reloaded.Ingested)
	require.Empty(t, reloaded.Error)
}

func TestRetryFailedKeepsRemainingAndIncrementsCount(t *testing.T) {
	dir := t.TempDir()
	cps := checkpoint.NewStore(dir)
	fs := &fakeStore{failOn: map[int]bool{0: true}}
	ig := New(fs, cps, dir)

	quarantineFile := filepath.Join(dir, "q.json")
	failures := []QuarantinedChunk{{Chunk: chunkproc.ProcessedChunk{Title: "a"}, ChunkIndex: 0, Error: "boom", RetryCount: 1}}
	raw, _ := json.Marshal(failures)
	require.NoError(t, os.WriteFile(quarantineFile, raw, 0o644))

	require.NoError(t, ig.RetryFailed(context.Background(), "corpus", 1, "", quarantineFile))
	updated, err := os.ReadFile(quarantineFile)
	require.NoError(t, err)
	var remaining []QuarantinedChunk
	require.NoError(t, json.Unmarshal(updated, &remaining))
	require.Len(t, remaining, 1)
	require.Equal(t, 2, remaining[0].RetryCount)
}
