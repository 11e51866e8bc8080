// Package retrieve implements the hybrid retriever: vector search first
// (its hits seed the cluster fan-out), then cluster/lexical/entity search
// run concurrently, results merge in a fixed order, rerank trims to a
// complexity-dependent target, and a token-budget pass produces the final
// joined context.
package retrieve

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"regdocqa/internal/bm25"
	"regdocqa/internal/llm"
	"regdocqa/internal/llmcap"
	"regdocqa/internal/queryunderstanding"
	"regdocqa/internal/rerank"
	"regdocqa/internal/store"
	"regdocqa/internal/tokenizer"
)

// ErrNoResults names the all-zero-embedding (provider failure) case.
// Retrieve does not return it: in that case it returns
// NoRelevantDocumentationMarker with a nil error.
var ErrNoResults = fmt.Errorf("retrieve: embedding unavailable, no results")

// NoRelevantDocumentationMarker is the human-readable string returned in
// place of a context when the embedding call fails or nothing is found.
const NoRelevantDocumentationMarker = "No se encontró documentación normativa relevante para esta consulta."

// Options configures one Retrieve call; defaults come from config.RetrievalConfig
// and config.RerankConfig at the call site.
type Options struct {
	Corpus                string
	MaxChunksReturned     int
	ClusterMatchCount     int
	LexicalMatchLimit     int
	MaxChunksForReranking int
	MaxChunksKeepNormal   int
	MaxChunksKeepReports  int
	MaxTotalTokens        int
	TokenizerModel        string
}

var reportKeywords = []string{
	"reporte", "informe", "análisis detallado", "documento",
	"generar reporte", "crear informe", "análisis completo",
}

// entityTypesForSearch are the QueryInfo entity types eligible for entity
// search.
var entityTypesForSearch = map[string]struct{}{
	"regulation":            {},
	"program":               {},
	"process":               {},
	"technical_requirement": {},
}

// RequestCache holds per-request fingerprint dedup state. It is never
// shared across requests; callers construct one fresh RequestCache per
// inbound request.
type RequestCache struct {
	mu      sync.Mutex
	results map[string]string
}

func NewRequestCache() *RequestCache {
	return &RequestCache{results: make(map[string]string)}
}

// Retriever implements the retrieve(query, query_info?) operation.
type Retriever struct {
	store      store.Capability
	llm        llmcap.Capability
	reranker   rerank.Reranker
	tokenizer  tokenizer.Tokenizer
	embedModel string
}

func New(s store.Capability, llm llmcap.Capability, reranker rerank.Reranker, tok tokenizer.Tokenizer, embedModel string) *Retriever {
	return &Retriever{store: s, llm: llm, reranker: reranker, tokenizer: tok, embedModel: embedModel}
}

// Retrieve runs the full pipeline: dedup, embed, vector seed, parallel
// fan-out, merge, rerank, token budget. qi may be nil (no query
// understanding was run).
func (r *Retriever) Retrieve(ctx context.Context, query string, qi *queryunderstanding.QueryInfo, cache *RequestCache, opt Options) (string, error) {
	fp := fingerprintQuery(query)
	if cache != nil {
		cache.mu.Lock()
		if cached, ok := cache.results[fp]; ok {
			cache.mu.Unlock()
			return cached, nil
		}
		cache.mu.Unlock()
	}

	searchQuery := selectSearchQuery(query, qi)

	embeddings, err := r.llm.Embed(ctx, r.embedModel, []string{searchQuery})
	if err != nil || len(embeddings) == 0 || isZeroVector(embeddings[0]) {
		return NoRelevantDocumentationMarker, nil
	}
	queryEmbedding := embeddings[0]

	maxChunksReturned := defaultInt(opt.MaxChunksReturned, 30)
	vectorHits, err := r.store.VectorMatch(ctx, opt.Corpus, queryEmbedding, maxChunksReturned)
	if err != nil {
		return "", fmt.Errorf("retrieve: vector search: %w", err)
	}
	if len(vectorHits) == 0 {
		return NoRelevantDocumentationMarker, nil
	}

	matched := make(map[string]struct{}, len(vectorHits)*3)
	for _, row := range vectorHits {
		matched[row.ID] = struct{}{}
	}
	clusterIDs := distinctClusterIDs(vectorHits)

	var (
		clusterHits []store.Row
		bm25Hits    []store.Row
		entityHits  []store.Row
	)
	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		hits, cerr := r.clusterSearch(gctx, opt.Corpus, clusterIDs, defaultInt(opt.ClusterMatchCount, 5), matched, &mu)
		if cerr != nil {
			return nil // partial-failure semantics: degrade to empty, don't fail the request
		}
		mu.Lock()
		clusterHits = hits
		mu.Unlock()
		return nil
	})
	group.Go(func() error {
		hits, berr := r.lexicalSearch(gctx, opt.Corpus, searchQuery, qi, defaultInt(opt.LexicalMatchLimit, 15), matched, &mu)
		if berr != nil {
			return nil
		}
		mu.Lock()
		bm25Hits = hits
		mu.Unlock()
		return nil
	})
	group.Go(func() error {
		hits, eerr := r.entitySearch(gctx, opt.Corpus, qi, matched, &mu)
		if eerr != nil {
			return nil
		}
		mu.Lock()
		entityHits = hits
		mu.Unlock()
		return nil
	})
	_ = group.Wait() // errors already swallowed per-source above

	merged := make([]store.Row, 0, len(vectorHits)+len(clusterHits)+len(bm25Hits)+len(entityHits))
	merged = append(merged, vectorHits...)
	merged = append(merged, clusterHits...)
	merged = append(merged, bm25Hits...)
	merged = append(merged, entityHits...)

	target := rerankTarget(query, qi, defaultInt(opt.MaxChunksKeepNormal, 8), defaultInt(opt.MaxChunksKeepReports, 12))
	var final []store.Row
	if len(merged) < 4 {
		final = merged
	} else {
		final, err = r.rerank(ctx, query, merged, defaultInt(opt.MaxChunksForReranking, 15), target)
		if err != nil {
			final = merged
		}
	}

	tokenizerModel := defaultString(opt.TokenizerModel, "gpt-4")
	joined := r.buildContext(final, defaultInt(opt.MaxTotalTokens, defaultContextBudget(tokenizerModel)), tokenizerModel)

	if cache != nil {
		cache.mu.Lock()
		cache.results[fp] = joined
		cache.mu.Unlock()
	}
	return joined, nil
}

func (r *Retriever) clusterSearch(ctx context.Context, corpus string, clusterIDs []int, matchCount int, matched map[string]struct{}, mu *sync.Mutex) ([]store.Row, error) {
	if len(clusterIDs) == 0 {
		return nil, nil
	}
	var out []store.Row
	var innerMu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	for _, cid := range clusterIDs {
		cid := cid
		group.Go(func() error {
			rows, err := r.store.ClusterMatch(gctx, corpus, cid, matchCount)
			if err != nil {
				return nil
			}
			innerMu.Lock()
			for _, row := range rows {
				mu.Lock()
				_, already := matched[row.ID]
				if !already {
					matched[row.ID] = struct{}{}
				}
				mu.Unlock()
				if !already {
					out = append(out, row)
				}
			}
			innerMu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return out, nil
}

// lexicalSearch implements the BM25 fan-out, including
// the vigente predicate and the keyword-override tokenization rule.
func (r *Retriever) lexicalSearch(ctx context.Context, corpus, searchQuery string, qi *queryunderstanding.QueryInfo, limit int, matched map[string]struct{}, mu *sync.Mutex) ([]store.Row, error) {
	rows, err := r.store.Scan(ctx, corpus, []string{"id", "title", "content", "metadata"})
	if err != nil {
		return nil, err
	}
	vigente := make([]store.Row, 0, len(rows))
	for _, row := range rows {
		if isVigente(ctx, r.store, row) {
			vigente = append(vigente, row)
		}
	}
	if len(vigente) == 0 {
		return nil, nil
	}

	docs := make([][]string, len(vigente))
	for i, row := range vigente {
		docs[i] = bm25.Tokenize(row.Title + " " + row.Content + " " + stringifyMetadata(row.Metadata))
	}
	idx := bm25.NewIndex(docs)

	queryTokens := bm25.Tokenize(searchQuery)
	if qi != nil {
		var strong []string
		for _, kw := range qi.Keywords {
			if kw.Importance > 0.7 {
				strong = append(strong, bm25.Tokenize(kw.Word)...)
			}
		}
		if len(strong) > 0 {
			queryTokens = strong
		}
	}
	scores := idx.Score(queryTokens)
	top := bm25.TopN(scores, len(vigente))

	out := make([]store.Row, 0, limit)
	for _, i := range top {
		if len(out) >= limit {
			break
		}
		row := vigente[i]
		mu.Lock()
		_, already := matched[row.ID]
		if !already {
			matched[row.ID] = struct{}{}
		}
		mu.Unlock()
		if !already {
			out = append(out, row)
		}
	}
	return out, nil
}

// isVigente implements the three-way vigente rule.
func isVigente(ctx context.Context, s store.Capability, row store.Row) bool {
	chunkStatus, chunkHasStatus := row.Metadata["status"].(string)
	docIDVal, hasDocID := row.Metadata["document_id"]
	if docIDVal == nil {
		hasDocID = false
	}
	if !hasDocID {
		if chunkHasStatus {
			return chunkStatus == "vigente"
		}
		return true // (c): no status information on either side
	}
	var docID int64
	switch v := docIDVal.(type) {
	case int64:
		docID = v
	case int:
		docID = int64(v)
	case float64:
		docID = int64(v)
	default:
		if chunkHasStatus {
			return chunkStatus == "vigente"
		}
		return true
	}
	status, ok, err := s.DocumentStatus(ctx, docID)
	if err != nil || !ok {
		if chunkHasStatus {
			return chunkStatus == "vigente"
		}
		return true
	}
	return status == "vigente"
}

func (r *Retriever) entitySearch(ctx context.Context, corpus string, qi *queryunderstanding.QueryInfo, matched map[string]struct{}, mu *sync.Mutex) ([]store.Row, error) {
	if qi == nil || len(qi.Entities) == 0 {
		return nil, nil
	}
	var predicates []store.Predicate
	for _, e := range qi.Entities {
		if _, ok := entityTypesForSearch[e.Type]; !ok {
			continue
		}
		predicates = append(predicates, store.Predicate{Column: "title", Contains: e.Value})
		predicates = append(predicates, store.Predicate{Column: "content", Contains: e.Value})
	}
	if len(predicates) == 0 {
		return nil, nil
	}
	rows, err := r.store.Filter(ctx, corpus, predicates)
	if err != nil {
		return nil, err
	}
	out := make([]store.Row, 0, len(rows))
	for _, row := range rows {
		mu.Lock()
		_, already := matched[row.ID]
		if !already {
			matched[row.ID] = struct{}{}
		}
		mu.Unlock()
		if !already {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *Retriever) rerank(ctx context.Context, query string, rows []store.Row, maxToRerank, maxToReturn int) ([]store.Row, error) {
	candidates := make([]rerank.Candidate, len(rows))
	byID := make(map[string]store.Row, len(rows))
	for i, row := range rows {
		candidates[i] = rowToCandidate(row)
		byID[row.ID] = row
	}
	ranked, err := r.reranker.Rerank(ctx, query, candidates, maxToRerank, maxToReturn, true)
	if err != nil {
		return nil, err
	}
	out := make([]store.Row, 0, len(ranked))
	for _, c := range ranked {
		out = append(out, byID[c.ID])
	}
	return out, nil
}

func rowToCandidate(row store.Row) rerank.Candidate {
	var summary string
	if s, ok := row.Metadata["summary"].(string); ok {
		summary = s
	}
	var embedding []float32
	if e, ok := row.Metadata["embedding"].([]float32); ok {
		embedding = e
	}
	return rerank.Candidate{ID: row.ID, Title: row.Title, Summary: summary, Content: row.Content, Embedding: embedding, Metadata: row.Metadata}
}

// buildContext implements join with separators, trim
// from the end to fit the token budget, truncating the last surviving
// chunk rather than dropping it outright.
func (r *Retriever) buildContext(rows []store.Row, maxTotalTokens int, model string) string {
	if len(rows) == 0 {
		return NoRelevantDocumentationMarker
	}
	const sep = "\n\n---\n\n"
	var kept []string
	total := 0
	for _, row := range rows {
		n, err := r.tokenizer.CountTokens(row.Content, model)
		if err != nil {
			n = len(row.Content) / 4
		}
		if total+n <= maxTotalTokens {
			kept = append(kept, row.Content)
			total += n
			continue
		}
		remaining := maxTotalTokens - total
		if remaining > 0 {
			truncated, terr := r.tokenizer.TruncateToTokens(row.Content, remaining, model)
			if terr == nil && truncated != "" {
				kept = append(kept, truncated)
			}
		}
		break
	}
	if len(kept) == 0 && len(rows) > 0 {
		// Never emit 0 chunks when the vector search returned something:
		// always keep at least a truncated first chunk.
		truncated, err := r.tokenizer.TruncateToTokens(rows[0].Content, maxTotalTokens, model)
		if err == nil {
			kept = []string{truncated}
		} else {
			kept = []string{rows[0].Content}
		}
	}
	return strings.Join(kept, sep)
}

func selectSearchQuery(query string, qi *queryunderstanding.QueryInfo) string {
	if qi == nil {
		return query
	}
	if qi.SearchQuery != "" {
		return qi.SearchQuery
	}
	if qi.ExpandedQuery != "" {
		return qi.ExpandedQuery
	}
	return query
}

func rerankTarget(query string, qi *queryunderstanding.QueryInfo, normal, reports int) int {
	if qi != nil && qi.Complexity == queryunderstanding.ComplexityComplex {
		return reports
	}
	lower := strings.ToLower(query)
	for _, kw := range reportKeywords {
		if strings.Contains(lower, kw) {
			return reports
		}
	}
	return normal
}

func distinctClusterIDs(rows []store.Row) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, row := range rows {
		cid, ok := clusterIDOf(row)
		if !ok || cid == -1 {
			continue
		}
		if _, dup := seen[cid]; dup {
			continue
		}
		seen[cid] = struct{}{}
		out = append(out, cid)
	}
	sort.Ints(out)
	return out
}

func clusterIDOf(row store.Row) (int, bool) {
	v, ok := row.Metadata["cluster_id"]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func stringifyMetadata(md map[string]any) string {
	var b strings.Builder
	for k, v := range md {
		fmt.Fprintf(&b, "%s:%v ", k, v)
	}
	return b.String()
}

func isZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

func fingerprintQuery(query string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:])[:8]
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// defaultContextBudget sizes the token budget off the answering model's
// known context window (llm.ContextSize) rather than a single hardcoded
// constant, reserving half the window for the prompt/instructions/answer.
func defaultContextBudget(model string) int {
	if size, known := llm.ContextSize(model); known {
		return size / 2
	}
	return 100000
}
