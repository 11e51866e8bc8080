// Package rerank scores retrieval candidates against a query by combining
// a lexical (BM25), semantic (cosine) and LLM-judged signal into one
// weighted score, adapting the weights to the query, applying greedy
// diversification, and returning the top-K.
package rerank

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"regdocqa/internal/bm25"
	"regdocqa/internal/llmcap"
)

// Candidate is the reranker's view of a retrievable chunk; the retrieve
// package maps store.Row into this shape before calling Rerank.
type Candidate struct {
	ID        string
	Title     string
	Summary   string
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

// Reranker is the capability the hybrid retriever delegates to.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, maxToRerank, maxToReturn int, diversify bool) ([]Candidate, error)
}

// EmbedFunc embeds a batch of texts, used for the semantic signal.
type EmbedFunc func(ctx context.Context, model string, inputs []string) ([][]float32, error)

// LLMReranker is the default Reranker.
type LLMReranker struct {
	llm        llmcap.Capability
	embed      EmbedFunc
	embedModel string
	chatModel  string
	cache      *ttlCache
}

// New constructs an LLMReranker. cacheTTL/cacheCapacity size the result
// cache (default 1h/100).
func New(llm llmcap.Capability, embed EmbedFunc, embedModel, chatModel string, cacheTTL time.Duration, cacheCapacity int) *LLMReranker {
	return &LLMReranker{
		llm:        llm,
		embed:      embed,
		embedModel: embedModel,
		chatModel:  chatModel,
		cache:      newTTLCache(cacheCapacity, cacheTTL),
	}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []Candidate, maxToRerank, maxToReturn int, diversify bool) ([]Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	if len(candidates) == 1 {
		// Boundary behavior: exactly one candidate, no LLM calls.
		return candidates, nil
	}

	key := fingerprint(query, candidates)
	if cached, ok := r.cache.get(key); ok {
		return truncate(cached, maxToReturn), nil
	}

	bm25Scores := r.lexicalSignal(query, candidates)
	cosScores, candEmbeddings, semErr := r.semanticSignal(ctx, query, candidates)
	if semErr != nil {
		// Semantic signal unavailable: treat as all-zero rather than failing
		// the whole rerank.
		cosScores = make([]float64, len(candidates))
	}
	// Attach the freshly computed embeddings so diversification can compare
	// candidates; without them every cosine check degenerates to 0.
	for i := range candidates {
		if len(candidates[i].Embedding) == 0 && i < len(candEmbeddings) {
			candidates[i].Embedding = candEmbeddings[i]
		}
	}

	preRank := combinePrelim(bm25Scores, cosScores)
	order := argsortDesc(preRank)
	if maxToRerank <= 0 || maxToRerank > len(candidates) {
		maxToRerank = len(candidates)
		if maxToRerank > 15 {
			maxToRerank = 15
		}
	}
	if maxToRerank > len(order) {
		maxToRerank = len(order)
	}
	evalIdx := order[:maxToRerank]

	llmScores, err := r.llmSignal(ctx, query, candidates, evalIdx)
	if err != nil {
		// Catastrophic LLM failure: fall back to the simpler LLM-only
		// reranker over the first maxToRerank candidates.
		fallback, fbErr := r.simpleLLMFallback(ctx, query, candidates, evalIdx, maxToReturn)
		if fbErr == nil {
			r.cache.set(key, fallback)
			return truncate(fallback, maxToReturn), nil
		}
		// Last resort: input order unchanged.
		return truncate(candidates, maxToReturn), nil
	}

	bm25N := normalize(bm25Scores)
	cosN := normalize(cosScores)
	llmFull := make([]float64, len(candidates))
	for i, idx := range evalIdx {
		llmFull[idx] = llmScores[i]
	}
	llmN := normalize(llmFull)

	weights := adaptWeights(query)
	combined := make([]float64, len(candidates))
	for i := range candidates {
		combined[i] = weights.BM25*bm25N[i] + weights.Cos*cosN[i] + weights.LLM*llmN[i]
	}

	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	rankedScores := make([]float64, len(combined))
	copy(rankedScores, combined)
	sort.SliceStable(ranked, func(i, j int) bool {
		return combined[indexOf(candidates, ranked[i])] > combined[indexOf(candidates, ranked[j])]
	})

	final := ranked
	if diversify && len(ranked) >= 4 {
		final = diversifySelection(ranked, combined, candidates)
	}
	final = truncate(final, maxToReturn)

	r.cache.set(key, final)
	return final, nil
}

func indexOf(cands []Candidate, c Candidate) int {
	for i, cc := range cands {
		if cc.ID == c.ID {
			return i
		}
	}
	return -1
}

func truncate(cands []Candidate, n int) []Candidate {
	if n <= 0 || n >= len(cands) {
		return cands
	}
	return cands[:n]
}

// --- Signals -----------------------------------------------------------

func (r *LLMReranker) lexicalSignal(query string, candidates []Candidate) []float64 {
	docs := make([][]string, len(candidates))
	for i, c := range candidates {
		docs[i] = bm25.Tokenize(c.Title + " " + c.Summary + " " + c.Content)
	}
	idx := bm25.NewIndex(docs)
	return idx.Score(bm25.Tokenize(query))
}

func (r *LLMReranker) semanticSignal(ctx context.Context, query string, candidates []Candidate) ([]float64, [][]float32, error) {
	if r.embed == nil {
		return nil, nil, fmt.Errorf("rerank: no embedding backend configured")
	}
	batchSize := maxInt(1, minInt(16, len(candidates)/2))
	var embeddings [][]float32
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Title + "\n" + c.Summary + "\n" + c.Content
	}
	for batchSize >= 1 {
		var err error
		embeddings, err = r.embedBatched(ctx, texts, batchSize)
		if err == nil {
			break
		}
		batchSize /= 2
		if batchSize < 1 {
			return nil, nil, err
		}
	}
	queryEmb, err := r.embed(ctx, r.embedModel, []string{query})
	if err != nil || len(queryEmb) == 0 {
		return nil, nil, fmt.Errorf("rerank: query embedding failed: %w", err)
	}
	scores := make([]float64, len(candidates))
	for i, e := range embeddings {
		scores[i] = cosineSimilarity(e, queryEmb[0])
	}
	return scores, embeddings, nil
}

func (r *LLMReranker) embedBatched(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := minInt(start+batchSize, len(texts))
		batch, err := r.embed(ctx, r.embedModel, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type llmScoreResponse struct {
	Pertinence    float64 `json:"pertinence"`
	Applicability float64 `json:"applicability"`
	Completeness  float64 `json:"completeness"`
	Hierarchy     float64 `json:"hierarchy"`
	References    float64 `json:"references"`
	Global        float64 `json:"global_score"`
}

var jsonObjPattern = regexp.MustCompile(`(?s)\{.*\}`)
var numberPattern = regexp.MustCompile(`-?[0-9]+(?:\.[0-9]+)?`)

func (r *LLMReranker) llmSignal(ctx context.Context, query string, candidates []Candidate, evalIdx []int) ([]float64, error) {
	out := make([]float64, len(evalIdx))
	for i, idx := range evalIdx {
		c := candidates[idx]
		segment := representativeSegment(c.Content, 800)
		prompt := fmt.Sprintf(
			"Query: %s\n\nChunk title: %s\nChunk summary: %s\nChunk text: %s\n\n"+
				"Score this chunk 0-10 on each: thematic fit (pertinence), direct applicability, "+
				"completeness, normative hierarchy, cross-references. Respond with JSON: "+
				`{"pertinence":n,"applicability":n,"completeness":n,"hierarchy":n,"references":n,"global_score":n}`,
			query, c.Title, c.Summary, segment)
		res, err := r.llm.Chat(ctx, llmcap.ChatRequest{
			Model:        r.chatModel,
			JSONMode:     true,
			SystemPrompt: "You are a regulatory-text relevance judge. Respond with a single JSON object only.",
			Messages:     []llmcap.ChatMessage{{Role: "user", Content: prompt}},
		})
		if err != nil {
			out[i] = 0
			continue
		}
		out[i] = parseLLMScore(res.Content)
	}
	return out, nil
}

func parseLLMScore(content string) float64 {
	var parsed llmScoreResponse
	body := strings.TrimSpace(content)
	if json.Unmarshal([]byte(body), &parsed) == nil {
		return scoreFromParsed(parsed)
	}
	if m := jsonObjPattern.FindString(body); m != "" {
		if json.Unmarshal([]byte(m), &parsed) == nil {
			return scoreFromParsed(parsed)
		}
	}
	if m := numberPattern.FindString(body); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			return clip(v, 0, 10)
		}
	}
	return 0
}

func scoreFromParsed(p llmScoreResponse) float64 {
	if p.Global != 0 {
		return clip(p.Global, 0, 10)
	}
	weighted := 0.35*p.Pertinence + 0.25*p.Applicability + 0.15*p.Completeness + 0.15*p.Hierarchy + 0.10*p.References
	return clip(weighted, 0, 10)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// representativeSegment caps token cost: chunks over
// maxLen chars are replaced with the opening half of the first and middle
// thirds and the closing half of the last third, joined by " ... ".
func representativeSegment(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	third := len(content) / 3
	return content[:third/2] + " ... " + content[third:third+third/2] + " ... " + content[len(content)-third/2:]
}

func (r *LLMReranker) simpleLLMFallback(ctx context.Context, query string, candidates []Candidate, evalIdx []int, maxToReturn int) ([]Candidate, error) {
	scores := make([]float64, len(evalIdx))
	for i, idx := range evalIdx {
		c := candidates[idx]
		prompt := fmt.Sprintf("Query: %s\n\nChunk: %s\n\nScore relevance 0-10, respond with just the number.", query, representativeSegment(c.Content, 800))
		res, err := r.llm.Chat(ctx, llmcap.ChatRequest{Model: r.chatModel, Messages: []llmcap.ChatMessage{{Role: "user", Content: prompt}}})
		if err != nil {
			scores[i] = 0
			continue
		}
		if m := numberPattern.FindString(res.Content); m != "" {
			if v, perr := strconv.ParseFloat(m, 64); perr == nil {
				scores[i] = clip(v, 0, 10)
			}
		}
	}
	ordered := make([]Candidate, len(evalIdx))
	for i, idx := range evalIdx {
		ordered[i] = candidates[idx]
	}
	sort.SliceStable(ordered, func(i, j int) bool { return scores[i] > scores[j] })
	return truncate(ordered, maxToReturn), nil
}

// --- Normalization, weighting, diversification --------------------------

// normalize maps a constant vector to all zeros (when zero) or all ones;
// otherwise min-max, log1p(x+0.1), re-min-max.
func normalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return scores
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		if hi == 0 {
			return out // all zeros
		}
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	for i, v := range out {
		out[i] = math.Log1p(v + 0.1)
	}
	lo2, hi2 := out[0], out[0]
	for _, v := range out {
		if v < lo2 {
			lo2 = v
		}
		if v > hi2 {
			hi2 = v
		}
	}
	if hi2 == lo2 {
		for i := range out {
			out[i] = 0
		}
		return out
	}
	for i, v := range out {
		out[i] = (v - lo2) / (hi2 - lo2)
	}
	return out
}

func combinePrelim(bm25Scores, cosScores []float64) []float64 {
	bm25N := normalize(bm25Scores)
	cosN := normalize(cosScores)
	out := make([]float64, len(bm25Scores))
	for i := range out {
		out[i] = 0.5*bm25N[i] + 0.5*cosN[i]
	}
	return out
}

func argsortDesc(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return scores[idx[i]] > scores[idx[j]] })
	return idx
}

// Weights are the three-signal combination weights.
type Weights struct {
	BM25, Cos, LLM float64
}

var (
	articlePattern      = regexp.MustCompile(`(?i)art[íi]culo|art\.|inciso|fracci[óo]n`)
	interpretivePattern = regexp.MustCompile(`(?i)significa|interpretar|criterio`)
	technicalPattern    = regexp.MustCompile(`(?i)financier|fiscal|privacidad|impuesto`)
	temporalPattern     = regexp.MustCompile(`(?i)vigencia|desde|hasta|fecha|período|periodo`)
	jurisdictionPattern = regexp.MustCompile(`(?i)federal|estatal|municipal|nacional`)
)

// adaptWeights picks the signal weights from the query's shape, applies
// the additive nudges, and renormalizes to sum to 1.
func adaptWeights(query string) Weights {
	words := strings.Fields(query)
	var w Weights
	switch {
	case articlePattern.MatchString(query):
		w = Weights{0.50, 0.25, 0.25}
	case interpretivePattern.MatchString(query):
		w = Weights{0.20, 0.30, 0.50}
	case technicalPattern.MatchString(query):
		w = Weights{0.40, 0.30, 0.30}
	case len(words) <= 3:
		w = Weights{0.25, 0.30, 0.45}
	case len(words) >= 20:
		w = Weights{0.20, 0.25, 0.55}
	default:
		w = Weights{0.35, 0.35, 0.30}
	}
	if temporalPattern.MatchString(query) {
		w.LLM += 0.10
	}
	if jurisdictionPattern.MatchString(query) {
		w.BM25 += 0.05
	}
	if technicalPattern.MatchString(query) {
		w.BM25 += 0.05
	}
	sum := w.BM25 + w.Cos + w.LLM
	if sum <= 0 {
		return Weights{1.0 / 3, 1.0 / 3, 1.0 / 3}
	}
	return Weights{w.BM25 / sum, w.Cos / sum, w.LLM / sum}
}

// diversifySelection implements greedy MMR-style
// diversification against the last three selected embeddings.
func diversifySelection(ranked []Candidate, _ []float64, _ []Candidate) []Candidate {
	remaining := make([]Candidate, len(ranked))
	copy(remaining, ranked)

	selected := make([]Candidate, 0, len(ranked))
	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	for len(remaining) > 0 {
		bestIdx := 0
		recent := lastN(selected, 3)
		for i, cand := range remaining {
			tooSimilar := false
			for _, r := range recent {
				if cosineSimilarity(cand.Embedding, r.Embedding) > 0.8 {
					tooSimilar = true
					break
				}
			}
			if !tooSimilar {
				bestIdx = i
				break
			}
		}
		pick := remaining[bestIdx]
		selected = append(selected, pick)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func lastN(c []Candidate, n int) []Candidate {
	if len(c) <= n {
		return c
	}
	return c[len(c)-n:]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- Fingerprinting & cache ----------------------------------------------

// fingerprint implements the sampling scheme: hash the
// query, the chunk count, and concatenated 200-char samples from the first,
// middle, and last chunks (or a three-span sample from each when few
// chunks).
func fingerprint(query string, candidates []Candidate) string {
	h := md5.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(query))))
	h.Write([]byte(strconv.Itoa(len(candidates))))
	for _, s := range sampleSpans(candidates) {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sampleSpans(candidates []Candidate) []string {
	if len(candidates) == 0 {
		return nil
	}
	sample := func(c Candidate) string { return sampleText(c.Content, 200) }
	if len(candidates) >= 3 {
		mid := len(candidates) / 2
		return []string{sample(candidates[0]), sample(candidates[mid]), sample(candidates[len(candidates)-1])}
	}
	out := make([]string, 0, len(candidates)*3)
	for _, c := range candidates {
		third := len(c.Content) / 3
		if third == 0 {
			out = append(out, sample(c))
			continue
		}
		out = append(out, c.Content[:minInt(third, len(c.Content))])
		out = append(out, sample(c))
		out = append(out, c.Content[len(c.Content)-third:])
	}
	return out
}

func sampleText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type cacheEntry struct {
	value   []Candidate
	expires time.Time
}

// ttlCache is a capacity-bounded LRU with per-entry TTL ( step
// 1: "TTL cache of 1h, capacity 100, LRU eviction").
type ttlCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    []string
	entries  map[string]cacheEntry
}

func newTTLCache(capacity int, ttl time.Duration) *ttlCache {
	if capacity <= 0 {
		capacity = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ttlCache{capacity: capacity, ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) ([]Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil, false
	}
	c.touch(key)
	return e.value, true
}

func (c *ttlCache) set(key string, value []Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	} else {
		c.touch(key)
	}
	c.entries[key] = cacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}

func (c *ttlCache) touch(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *ttlCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
