// Package bm25 implements the classical Okapi BM25 lexical ranking
// function over token multisets, used by both the hybrid retriever's
// lexical fan-out and the reranker's lexical signal.
package bm25

import (
	"math"
	"regexp"
	"strings"
)

const (
	k1 = 1.5
	b  = 0.75
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize lowercases and splits on runs of letters/digits, discarding
// punctuation, consistent with the corpus being predominantly Spanish
// regulatory prose.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// Index is a BM25 index built once over a fixed document batch.
type Index struct {
	docs      [][]string
	docLen    []int
	avgDocLen float64
	df        map[string]int // document frequency per term
	n         int
}

// NewIndex builds an Index over docs, each already tokenized by Tokenize (or
// an equivalent tokenizer).
func NewIndex(docs [][]string) *Index {
	idx := &Index{
		docs:   docs,
		docLen: make([]int, len(docs)),
		df:     make(map[string]int),
		n:      len(docs),
	}
	total := 0
	for i, toks := range docs {
		idx.docLen[i] = len(toks)
		total += len(toks)
		seen := make(map[string]struct{}, len(toks))
		for _, t := range toks {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			idx.df[t]++
		}
	}
	if idx.n > 0 {
		idx.avgDocLen = float64(total) / float64(idx.n)
	}
	return idx
}

func (idx *Index) idf(term string) float64 {
	df := idx.df[term]
	// BM25's standard IDF (the +1 variant), floored at zero so no query
	// term can produce a negative score.
	v := math.Log(1 + (float64(idx.n)-float64(df)+0.5)/(float64(df)+0.5))
	if v < 0 {
		v = 0
	}
	return v
}

// Score returns the BM25 score of every document against the given
// (already-tokenized) query, in document order.
func (idx *Index) Score(queryTokens []string) []float64 {
	scores := make([]float64, idx.n)
	if idx.n == 0 || len(queryTokens) == 0 {
		return scores
	}
	termFreqCache := make([]map[string]int, idx.n)
	for i, toks := range idx.docs {
		tf := make(map[string]int, len(toks))
		for _, t := range toks {
			tf[t]++
		}
		termFreqCache[i] = tf
	}
	for _, qt := range dedupe(queryTokens) {
		idf := idx.idf(qt)
		if idf == 0 {
			continue
		}
		for i := 0; i < idx.n; i++ {
			f := float64(termFreqCache[i][qt])
			if f == 0 {
				continue
			}
			dl := float64(idx.docLen[i])
			denom := f + k1*(1-b+b*dl/nonZero(idx.avgDocLen))
			scores[i] += idf * (f * (k1 + 1)) / denom
		}
	}
	return scores
}

func nonZero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func dedupe(toks []string) []string {
	seen := make(map[string]struct{}, len(toks))
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TopN returns the indices of the top n scores, descending, ties broken by
// original order.
func TopN(scores []float64, n int) []int {
	type kv struct {
		i int
		s float64
	}
	kvs := make([]kv, len(scores))
	for i, s := range scores {
		kvs[i] = kv{i, s}
	}
	// simple insertion-based partial sort; corpora here are small (single
	// ingest-batch or retrieval-candidate scale), not web-scale.
	for i := 1; i < len(kvs); i++ {
		j := i
		for j > 0 && (kvs[j].s > kvs[j-1].s) {
			kvs[j], kvs[j-1] = kvs[j-1], kvs[j]
			j--
		}
	}
	if n > len(kvs) {
		n = len(kvs)
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if kvs[i].s <= 0 {
			break
		}
		out = append(out, kvs[i].i)
	}
	return out
}
