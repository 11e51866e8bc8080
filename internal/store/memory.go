package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Capability implementation for tests: no network,
// deterministic.
type Memory struct {
	mu        sync.RWMutex
	corpora   map[string]map[string]Chunk // corpus -> chunk id -> chunk
	documents map[int64]Document
	nextDocID int64
}

func NewMemory() *Memory {
	return &Memory{corpora: map[string]map[string]Chunk{}, documents: map[int64]Document{}}
}

func (m *Memory) chunks(corpus string) map[string]Chunk {
	if m.corpora[corpus] == nil {
		m.corpora[corpus] = map[string]Chunk{}
	}
	return m.corpora[corpus]
}

func (m *Memory) VectorMatch(_ context.Context, corpus string, queryEmbedding []float32, matchCount int) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if matchCount <= 0 {
		matchCount = 25
	}
	type scored struct {
		row   Row
		score float64
	}
	qn := norm(queryEmbedding)
	var scores []scored
	for _, c := range m.chunks(corpus) {
		scores = append(scores, scored{row: toRow(c), score: cosine(queryEmbedding, c.Embedding, qn)})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if len(scores) > matchCount {
		scores = scores[:matchCount]
	}
	out := make([]Row, len(scores))
	for i, s := range scores {
		out[i] = s.row
	}
	return out, nil
}

func (m *Memory) ClusterMatch(_ context.Context, corpus string, clusterID int, matchCount int) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if matchCount <= 0 {
		matchCount = 5
	}
	var out []Row
	for _, c := range m.chunks(corpus) {
		if cid, ok := c.Metadata["cluster_id"].(int); ok && cid == clusterID {
			out = append(out, toRow(c))
			if len(out) >= matchCount {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Scan(_ context.Context, corpus string, _ []string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, c := range m.chunks(corpus) {
		out = append(out, toRow(c))
	}
	return out, nil
}

func (m *Memory) Filter(_ context.Context, corpus string, predicates []Predicate) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Row
	for _, c := range m.chunks(corpus) {
		for _, p := range predicates {
			hay := c.Content
			if p.Column == "title" {
				hay = c.Title
			}
			if strings.Contains(strings.ToLower(hay), strings.ToLower(p.Contains)) {
				out = append(out, toRow(c))
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) InsertChunk(_ context.Context, corpus string, c Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks(corpus)[c.ID] = c
	return nil
}

func (m *Memory) UpdateChunk(ctx context.Context, corpus string, c Chunk) error {
	return m.InsertChunk(ctx, corpus, c)
}

func (m *Memory) DeleteChunk(_ context.Context, corpus string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks(corpus), id)
	return nil
}

func (m *Memory) InsertDocument(_ context.Context, doc Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDocID++
	doc.ID = m.nextDocID
	m.documents[doc.ID] = doc
	return doc.ID, nil
}

func (m *Memory) GetDocument(_ context.Context, id int64) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return Document{}, errNotFound
	}
	return d, nil
}

func (m *Memory) DocumentStatus(_ context.Context, id int64) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return "", false, nil
	}
	return d.Status, true, nil
}

var errNotFound = &storeError{"document not found"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }

// toRow mirrors the SQL backends' read shape: summary and document_id are
// folded into the metadata map the read side exposes.
func toRow(c Chunk) Row {
	md := make(map[string]any, len(c.Metadata)+2)
	for k, v := range c.Metadata {
		md[k] = v
	}
	if c.Summary != "" {
		md["summary"] = c.Summary
	}
	if c.DocumentID != nil {
		md["document_id"] = *c.DocumentID
	}
	return Row{ID: c.ID, Title: c.Title, Content: c.Content, Metadata: md}
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, bNorm float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNorm += float64(b[i]) * float64(b[i])
	}
	bNorm = math.Sqrt(bNorm)
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}
