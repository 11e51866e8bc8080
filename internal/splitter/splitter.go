// Package splitter turns extracted document text into ordered chunks:
// regulatory article-boundary splitting (preferred, always used for the
// target corpora) and a semantic-cluster fallback for non-regulatory
// input. Boundary detection drives chunk-open decisions; overlap is
// extracted at sentence granularity.
package splitter

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Chunk is one emitted chunk-plus-metadata record.
type Chunk struct {
	Text           string
	ClusterID      int
	ClusterSize    int
	ArticleNumber  string
	ArticleTitle   string
	Hierarchy      []string
	IsSubdivision  bool
	SubdivisionKey string // "<num>.<part>" when IsSubdivision
}

// Options configures both modes.
type Options struct {
	DefaultChunkSize  int // 8000
	MinChunkSize      int // paragraph/sentence subdivision floor
	OverlapSize       int // 75, semantic mode only
	EnableSubdivision bool
}

func (o Options) withDefaults() Options {
	if o.DefaultChunkSize <= 0 {
		o.DefaultChunkSize = 8000
	}
	if o.MinChunkSize <= 0 {
		o.MinChunkSize = 500
	}
	if o.OverlapSize <= 0 {
		o.OverlapSize = 75
	}
	return o
}

var regulatoryMarkerTypes = []string{"ley", "reglamento", "decreto", "circular", "directiva", "norma", "código", "resolución", "acuerdo"}

var regulatoryMarkerRe = regexp.MustCompile(`(?i)art[íi]culo\s+\d+|cap[íi]tulo\s+[ivxlcdm0-9]|t[íi]tulo\s+[ivxlcdm0-9]|secci[óo]n\s+[ivxlcdm0-9]|\b(ley|reglamento|decreto|c[óo]digo)\s+(federal|general|de)\b|norma\s+\d+`)

// IsRegulatory decides the splitting mode: document_type
// naming a regulatory kind, or ≥2 regulatory markers in the first 10000
// chars of the text.
func IsRegulatory(documentType string, text string) bool {
	lowerType := strings.ToLower(documentType)
	for _, marker := range regulatoryMarkerTypes {
		if strings.Contains(lowerType, marker) {
			return true
		}
	}
	sample := text
	if len(sample) > 10000 {
		sample = sample[:10000]
	}
	return len(regulatoryMarkerRe.FindAllString(sample, -1)) >= 2
}

var (
	articlePrimaryRe    = regexp.MustCompile(`(?i)Art[íi]culo\s+(\d+[a-zA-Z]?)\s*\.\s*-\s*([^\n]*)`)
	articleFallbackRe   = regexp.MustCompile(`(?i)Art[íi]culo\s+(\d+[a-zA-Z]?)\b\s*[.:]?\s*([^\n]*)`)
	articlePermissiveRe = regexp.MustCompile(`(?i)Art[íi]culo\s+(\d+[a-zA-Z]?)`)
	hierarchyRe         = regexp.MustCompile(`(?i)(CAP[ÍI]TULO|T[ÍI]TULO|SECCI[ÓO]N)\s+([IVXLCDM0-9]+)\s*[-–—]\s*([^\n]*)`)
	documentTitleRe     = regexp.MustCompile(`(?i)\b(LEY|C[ÓO]DIGO|REGLAMENTO|DECRETO)\b[^\n]*`)
)

type articleMatch struct {
	number string
	start  int
	title  string
}

// findArticles runs the primary/fallback/permissive cascade: use the
// first pattern that yields at least one match.
func findArticles(text string) []articleMatch {
	for _, re := range []*regexp.Regexp{articlePrimaryRe, articleFallbackRe, articlePermissiveRe} {
		matches := re.FindAllStringSubmatchIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		out := make([]articleMatch, 0, len(matches))
		for _, m := range matches {
			number := text[m[2]:m[3]]
			title := ""
			if len(m) >= 6 && m[4] >= 0 {
				title = strings.TrimSpace(text[m[4]:m[5]])
			}
			out = append(out, articleMatch{number: number, start: m[0], title: title})
		}
		return out
	}
	return nil
}

type hierarchyMarker struct {
	kind   string
	offset int
	text   string
}

func findHierarchy(text string) []hierarchyMarker {
	matches := hierarchyRe.FindAllStringSubmatchIndex(text, -1)
	out := make([]hierarchyMarker, 0, len(matches))
	for _, m := range matches {
		kind := strings.ToUpper(text[m[2]:m[3]])
		number := text[m[4]:m[5]]
		title := strings.TrimSpace(text[m[6]:m[7]])
		out = append(out, hierarchyMarker{kind: kind, offset: m[0], text: number + " – " + title})
	}
	return out
}

// hierarchyAt returns the latest-of-each-type hierarchy markers preceding
// offset, one per type, in CAPÍTULO/TÍTULO/SECCIÓN encounter order.
func hierarchyAt(markers []hierarchyMarker, offset int) []string {
	latest := map[string]string{}
	order := []string{"CAPÍTULO", "TÍTULO", "SECCIÓN"}
	for _, m := range markers {
		if m.offset > offset {
			break
		}
		latest[m.kind] = m.text
	}
	out := make([]string, 0, 3)
	for _, kind := range order {
		if v, ok := latest[kind]; ok {
			out = append(out, kind+" "+v)
		}
	}
	return out
}

// DocumentTitle resolves document_title: prefer the
// given metadata title, else the first LEY|CÓDIGO|REGLAMENTO|DECRETO phrase
// found in the text.
func DocumentTitle(metadataTitle string, text string) string {
	if strings.TrimSpace(metadataTitle) != "" {
		return metadataTitle
	}
	if m := documentTitleRe.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	return ""
}

var paragraphSplitRe = regexp.MustCompile(`\n\s*\n`)
var sentenceSplitRe = regexp.MustCompile(`(?:[.!?]\s+)`)

// SplitRegulatory implements the regulatory mode end to end.
func SplitRegulatory(text string, opt Options) []Chunk {
	opt = opt.withDefaults()
	articles := findArticles(text)
	if len(articles) == 0 {
		return nil
	}
	sort.Slice(articles, func(i, j int) bool { return articles[i].start < articles[j].start })
	markers := findHierarchy(text)

	var chunks []Chunk
	for i, art := range articles {
		end := len(text)
		if i+1 < len(articles) {
			end = articles[i+1].start
		}
		content := cleanArticleText(text[art.start:end])
		hierarchy := hierarchyAt(markers, art.start)

		if opt.EnableSubdivision && len(content) > opt.DefaultChunkSize {
			for _, sub := range subdivide(content, opt) {
				chunks = append(chunks, Chunk{
					Text:           sub.text,
					ClusterID:      i,
					ArticleNumber:  art.number,
					ArticleTitle:   art.title + " (Parte " + sub.part + ")",
					Hierarchy:      hierarchy,
					IsSubdivision:  true,
					SubdivisionKey: art.number + "." + sub.part,
				})
			}
			continue
		}
		chunks = append(chunks, Chunk{
			Text:          content,
			ClusterID:     i,
			ArticleNumber: art.number,
			ArticleTitle:  art.title,
			Hierarchy:     hierarchy,
		})
	}
	for i := range chunks {
		chunks[i].ClusterSize = len(articles)
	}
	return chunks
}

type subChunk struct {
	text string
	part string
}

// subdivide splits an oversized article at paragraph boundaries, falling
// back to sentence boundaries, opening a new sub-chunk once the running
// size plus the next paragraph exceeds target size and the running size is
// already at least MinChunkSize.
func subdivide(content string, opt Options) []subChunk {
	paragraphs := paragraphSplitRe.Split(content, -1)
	if len(paragraphs) <= 1 {
		paragraphs = sentenceSplitRe.Split(content, -1)
	}

	var out []subChunk
	var current strings.Builder
	part := 1
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p) > opt.DefaultChunkSize && current.Len() >= opt.MinChunkSize {
			out = append(out, subChunk{text: strings.TrimSpace(current.String()), part: strconv.Itoa(part)})
			part++
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		out = append(out, subChunk{text: strings.TrimSpace(current.String()), part: strconv.Itoa(part)})
	}
	return out
}

var repeatedLineThreshold = 3

// cleanArticleText strips lines repeated often enough across the article
// body to be a running header/footer artifact ( post-process,
// reapplied here since subdivision works on raw article slices).
func cleanArticleText(text string) string {
	lines := strings.Split(text, "\n")
	counts := map[string]int{}
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t != "" {
			counts[t]++
		}
	}
	var out []string
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t != "" && counts[t] >= repeatedLineThreshold {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
