package splitter

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// EmbedFunc batch-embeds paragraphs for clustering.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

var conclusionCueRe = regexp.MustCompile(`(?i)(por tanto|en conclusi[óo]n|en consecuencia|as[íi] las cosas)\s*$`)
var transitionCueRe = regexp.MustCompile(`(?i)^\s*(sin embargo|por otro lado|no obstante|asimismo)\b`)

// SplitSemantic implements the semantic-cluster mode: disabled for the
// current (regulatory) corpora, but kept as part of the data model for
// non-regulatory input.
func SplitSemantic(ctx context.Context, text string, embed EmbedFunc, opt Options) ([]Chunk, error) {
	opt = opt.withDefaults()
	paragraphs := splitParagraphs(text)
	if len(text) < 2*opt.DefaultChunkSize || len(paragraphs) < 2 {
		return []Chunk{{Text: strings.TrimSpace(text), ClusterID: 0, ClusterSize: 1}}, nil
	}

	vectors, err := embed(ctx, paragraphs)
	if err != nil {
		return nil, fmt.Errorf("splitter: embed paragraphs: %w", err)
	}

	target := maxInt(1, len(text)/opt.DefaultChunkSize)
	kMax := minInt(target, len(paragraphs)/3)
	if kMax < 2 {
		kMax = 2
	}
	assignments := bestClustering(vectors, 2, kMax, target)
	assignments = consolidateSmallClusters(assignments, paragraphs, opt.MinChunkSize)

	return buildClusterChunks(paragraphs, assignments, opt), nil
}

func splitParagraphs(text string) []string {
	raw := paragraphSplitRe.Split(text, -1)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// bestClustering runs agglomerative (Ward-style, Euclidean) clustering for
// each k in [kMin, kMax] and keeps the k maximizing silhouette score minus a
// size penalty.
func bestClustering(vectors [][]float32, kMin, kMax, target int) []int {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	var best []int
	bestScore := math.Inf(-1)
	for k := kMin; k <= kMax && k <= n; k++ {
		assign := wardCluster(vectors, k)
		score := silhouette(vectors, assign, k) - sizePenalty(assign, k, n, target)
		if score > bestScore {
			bestScore = score
			best = assign
		}
	}
	if best == nil {
		best = make([]int, n)
	}
	return best
}

// wardCluster runs a simple agglomerative merge minimizing the increase in
// within-cluster squared-error (Ward's criterion) until k clusters remain.
func wardCluster(vectors [][]float32, k int) []int {
	n := len(vectors)
	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}
	for len(clusters) > k {
		bi, bj, bestCost := -1, -1, math.Inf(1)
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				cost := wardCost(vectors, clusters[i], clusters[j])
				if cost < bestCost {
					bestCost, bi, bj = cost, i, j
				}
			}
		}
		merged := append(append([]int{}, clusters[bi]...), clusters[bj]...)
		next := make([][]int, 0, len(clusters)-1)
		for idx, c := range clusters {
			if idx != bi && idx != bj {
				next = append(next, c)
			}
		}
		clusters = append(next, merged)
	}
	assign := make([]int, n)
	for cid, c := range clusters {
		for _, idx := range c {
			assign[idx] = cid
		}
	}
	return assign
}

func wardCost(vectors [][]float32, a, b []int) float64 {
	ca := centroid(vectors, a)
	cb := centroid(vectors, b)
	d := euclidean(ca, cb)
	na, nb := float64(len(a)), float64(len(b))
	return (na * nb) / (na + nb) * d * d
}

func centroid(vectors [][]float32, idxs []int) []float64 {
	if len(idxs) == 0 {
		return nil
	}
	dim := len(vectors[idxs[0]])
	sum := make([]float64, dim)
	for _, idx := range idxs {
		for d, v := range vectors[idx] {
			sum[d] += float64(v)
		}
	}
	for d := range sum {
		sum[d] /= float64(len(idxs))
	}
	return sum
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// silhouette computes the mean silhouette coefficient over all points.
func silhouette(vectors [][]float32, assign []int, k int) float64 {
	n := len(vectors)
	if n <= k {
		return 0
	}
	floatVecs := make([][]float64, n)
	for i, v := range vectors {
		fv := make([]float64, len(v))
		for d, x := range v {
			fv[d] = float64(x)
		}
		floatVecs[i] = fv
	}

	var total float64
	for i := 0; i < n; i++ {
		a := meanDistanceToCluster(floatVecs, assign, i, assign[i])
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == assign[i] {
				continue
			}
			d := meanDistanceToCluster(floatVecs, assign, i, c)
			if d < b {
				b = d
			}
		}
		if math.IsInf(b, 1) {
			continue
		}
		m := math.Max(a, b)
		if m == 0 {
			continue
		}
		total += (b - a) / m
	}
	return total / float64(n)
}

func meanDistanceToCluster(vectors [][]float64, assign []int, point int, cluster int) float64 {
	var sum float64
	count := 0
	for i, c := range assign {
		if c != cluster || i == point {
			continue
		}
		sum += euclidean(vectors[point], vectors[i])
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// sizePenalty implements the size-deviation penalty:
// 0.3 for any cluster under 30% of target, 0.2 for any cluster over 200%.
func sizePenalty(assign []int, k, n, target int) float64 {
	sizes := make([]int, k)
	for _, c := range assign {
		sizes[c]++
	}
	penalty := 0.0
	for _, s := range sizes {
		if float64(s) < 0.3*float64(target) {
			penalty += 0.3
		}
		if float64(s) > 2.0*float64(target) {
			penalty += 0.2
		}
	}
	return penalty
}

// consolidateSmallClusters merges clusters whose total paragraph length is
// below MinChunkSize into the nearest neighbor by average paragraph-index
// distance.
func consolidateSmallClusters(assign []int, paragraphs []string, minSize int) []int {
	sizes := map[int]int{}
	indices := map[int][]int{}
	for i, c := range assign {
		sizes[c] += len(paragraphs[i])
		indices[c] = append(indices[c], i)
	}
	for c, total := range sizes {
		if total >= minSize {
			continue
		}
		nearest := nearestCluster(c, indices)
		if nearest == c {
			continue
		}
		for i := range assign {
			if assign[i] == c {
				assign[i] = nearest
			}
		}
	}
	return assign
}

func nearestCluster(c int, indices map[int][]int) int {
	myAvg := avgIndex(indices[c])
	best, bestDist := c, math.Inf(1)
	for other, idxs := range indices {
		if other == c {
			continue
		}
		d := math.Abs(myAvg - avgIndex(idxs))
		if d < bestDist {
			bestDist, best = d, other
		}
	}
	return best
}

func avgIndex(idxs []int) float64 {
	if len(idxs) == 0 {
		return 0
	}
	sum := 0
	for _, i := range idxs {
		sum += i
	}
	return float64(sum) / float64(len(idxs))
}

// buildClusterChunks builds chunks in document order within each cluster,
// opening a new chunk at 1.3x target size or at a detected natural break
// point, with a tail-sentence overlap capped at OverlapSize.
func buildClusterChunks(paragraphs []string, assign []int, opt Options) []Chunk {
	clusterOf := map[int][]int{}
	for i, c := range assign {
		clusterOf[c] = append(clusterOf[c], i)
	}
	// Emit clusters in document order (by first paragraph index), not map
	// iteration order.
	order := make([]int, 0, len(clusterOf))
	for c := range clusterOf {
		order = append(order, c)
	}
	sort.Slice(order, func(i, j int) bool { return clusterOf[order[i]][0] < clusterOf[order[j]][0] })
	target := opt.DefaultChunkSize
	var chunks []Chunk
	clusterSize := len(clusterOf)
	for _, c := range order {
		idxs := clusterOf[c]
		var current strings.Builder
		for pos, i := range idxs {
			p := paragraphs[i]
			natural := false
			if current.Len() > 0 {
				prev := idxs[pos-1]
				if conclusionCueRe.MatchString(paragraphs[prev]) || transitionCueRe.MatchString(p) {
					natural = true
				}
			}
			if current.Len() > 0 && (float64(current.Len()+len(p)) > 1.3*float64(target) && current.Len() >= opt.MinChunkSize || natural) {
				chunks = append(chunks, Chunk{Text: strings.TrimSpace(current.String()), ClusterID: c, ClusterSize: clusterSize})
				overlap := tailOverlap(current.String(), opt.OverlapSize)
				current.Reset()
				current.WriteString(overlap)
			}
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(p)
		}
		if current.Len() > 0 {
			chunks = append(chunks, Chunk{Text: strings.TrimSpace(current.String()), ClusterID: c, ClusterSize: clusterSize})
		}
	}
	return chunks
}

// tailOverlap keeps trailing sentences summing at most maxLen chars,
// preserving sentence boundaries.
func tailOverlap(text string, maxLen int) string {
	sentences := sentenceSplitRe.Split(text, -1)
	var kept []string
	total := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		s := strings.TrimSpace(sentences[i])
		if s == "" {
			continue
		}
		if total+len(s) > maxLen {
			break
		}
		kept = append([]string{s}, kept...)
		total += len(s)
	}
	return strings.Join(kept, ". ")
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
