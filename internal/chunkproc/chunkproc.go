// Package chunkproc enriches each raw split chunk with an LLM
// title+summary, an enriched embedding, a category/keyword classification
// and derived date/source, in batches with a pause between batches.
package chunkproc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"regdocqa/internal/llmcap"
	"regdocqa/internal/splitter"
)

// DocumentContext carries the replicated document-level fields every
// processed chunk needs.
type DocumentContext struct {
	DocumentTitle string
	DocumentType  string
	IssuingBody   string
	Jurisdiction  string
	Status        string
	OriginalURL   string
}

// ProcessedChunk is the enriched record ready for the Ingester.
type ProcessedChunk struct {
	Title         string
	Summary       string
	Content       string
	Embedding     []float32
	ChunkSize     int
	Source        string
	Date          string
	Category      string
	Subcategory   string
	Keywords      []string
	ClusterID     int
	ClusterSize   int
	ArticleNumber string
	ArticleTitle  string
	Hierarchy     []string
	DocumentContext
}

// Taxonomy is the fixed two-level category taxonomy.
var Taxonomy = map[string][]string{
	"Sostenibilidad":           {"Riesgo Climático", "Finanzas Verdes", "Reporte ESG"},
	"Riesgos Financieros":      {"Riesgo de Crédito", "Riesgo de Mercado", "Riesgo Operacional"},
	"Regulación y Supervisión": {"Supervisión Prudencial", "Cumplimiento Normativo", "Sanciones"},
	"Seguridad Financiera":     {"Prevención de Fraude", "Lavado de Activos", "Ciberseguridad"},
	"Reporting Regulatorio":    {"Reportes Periódicos", "Divulgación", "Auditoría"},
	"Tesorería":                {"Liquidez", "Gestión de Capital", "Operaciones de Mercado"},
}

const fallbackCategory = "Otros"
const fallbackKeyword = "Otros"

const PROCESS_BATCH_SIZE = 5
const batchPause = 2 * time.Second

// EmbedFunc batch-embeds a single enriched input.
type EmbedFunc func(ctx context.Context, model string, inputs []string) ([][]float32, error)

// Processor implements the chunk-processor pipeline. workers bounds how
// many chunks of a batch are enriched concurrently.
type Processor struct {
	llm        llmcap.Capability
	model      string
	embedModel string
	workers    int
}

func New(llm llmcap.Capability, model, embedModel string, workers int) *Processor {
	if workers <= 0 {
		workers = PROCESS_BATCH_SIZE
	}
	return &Processor{llm: llm, model: model, embedModel: embedModel, workers: workers}
}

// ProcessAll enriches chunks in batches of PROCESS_BATCH_SIZE, fanning each
// batch out across the worker pool, sleeping batchPause between batches.
// Output order matches input order regardless of which worker finished
// first.
func (p *Processor) ProcessAll(ctx context.Context, docID string, chunks []splitter.Chunk, docCtx DocumentContext) ([]ProcessedChunk, error) {
	out := make([]ProcessedChunk, len(chunks))
	for start := 0; start < len(chunks); start += PROCESS_BATCH_SIZE {
		end := start + PROCESS_BATCH_SIZE
		if end > len(chunks) {
			end = len(chunks)
		}
		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(p.workers)
		for i := start; i < end; i++ {
			i := i
			group.Go(func() error {
				pc, err := p.processOne(gctx, docID, chunks[i], docCtx)
				if err != nil {
					return fmt.Errorf("chunkproc: process chunk %d: %w", chunks[i].ClusterID, err)
				}
				out[i] = pc
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		if end < len(chunks) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(batchPause):
			}
		}
	}
	return out, nil
}

func (p *Processor) processOne(ctx context.Context, docID string, c splitter.Chunk, docCtx DocumentContext) (ProcessedChunk, error) {
	title, summary := p.titleAndSummary(ctx, docID, c)
	enrichedInput := buildEnrichedInput(c, summary, docCtx)

	vectors, err := p.llm.Embed(ctx, p.embedModel, []string{enrichedInput})
	if err != nil {
		return ProcessedChunk{}, fmt.Errorf("embed enriched input: %w", err)
	}
	var embedding []float32
	if len(vectors) > 0 {
		embedding = vectors[0]
	}

	category, subcategory := p.classify(ctx, c)
	keywords := p.keywords(ctx, c)
	date, source := deriveDateSource(docCtx.OriginalURL)

	return ProcessedChunk{
		Title:           title,
		Summary:         summary,
		Content:         c.Text,
		Embedding:       embedding,
		ChunkSize:       len(c.Text),
		Source:          source,
		Date:            date,
		Category:        category,
		Subcategory:     subcategory,
		Keywords:        keywords,
		ClusterID:       c.ClusterID,
		ClusterSize:     c.ClusterSize,
		ArticleNumber:   c.ArticleNumber,
		ArticleTitle:    c.ArticleTitle,
		Hierarchy:       c.Hierarchy,
		DocumentContext: docCtx,
	}, nil
}

type titleSummary struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// titleAndSummary asks the LLM for a {title, summary} pair; summary must
// situate the chunk, not paraphrase it. On failure or
// unparseable output, falls back to the article title (if any) and an
// empty summary rather than blocking the pipeline.
func (p *Processor) titleAndSummary(ctx context.Context, docID string, c splitter.Chunk) (string, string) {
	res, err := p.llm.Chat(ctx, llmcap.ChatRequest{
		Model: p.model,
		SystemPrompt: "Given a fragment of a regulatory document, respond with JSON {\"title\": short title, " +
			"\"summary\": a one or two sentence blurb situating this fragment within the broader document — " +
			"do not paraphrase its content}.",
		Messages: []llmcap.ChatMessage{{Role: "user", Content: fmt.Sprintf("Documento: %s\n\n%s", docID, c.Text)}},
	})
	if err != nil {
		return c.ArticleTitle, ""
	}
	var parsed titleSummary
	if ok := parseJSONLenient(res.Content, &parsed); !ok {
		return c.ArticleTitle, ""
	}
	if parsed.Title == "" {
		parsed.Title = c.ArticleTitle
	}
	return parsed.Title, parsed.Summary
}

// buildEnrichedInput prepends situating context lines ahead of the chunk
// body, omitting unset fields.
func buildEnrichedInput(c splitter.Chunk, summary string, docCtx DocumentContext) string {
	var lines []string
	if c.ArticleNumber != "" {
		lines = append(lines, "Artículo: "+c.ArticleNumber)
	}
	if c.ArticleTitle != "" {
		lines = append(lines, "Título del artículo: "+c.ArticleTitle)
	}
	if summary != "" {
		lines = append(lines, "Contexto del fragmento: "+summary)
	}
	if docCtx.DocumentType != "" {
		lines = append(lines, "Tipo de documento: "+docCtx.DocumentType)
	}
	if docCtx.IssuingBody != "" {
		lines = append(lines, "Autoridad emisora: "+docCtx.IssuingBody)
	}
	if docCtx.DocumentTitle != "" {
		lines = append(lines, "Documento: "+docCtx.DocumentTitle)
	}
	if docCtx.Jurisdiction != "" {
		lines = append(lines, "Jurisdicción: "+docCtx.Jurisdiction)
	}
	lines = append(lines, "Contenido del fragmento:", c.Text)
	return strings.Join(lines, "\n")
}

type categoryResponse struct {
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
}

// classify asks the LLM to pick a category from the fixed taxonomy,
// falling back to "Otros" on any failure or an unrecognized category.
func (p *Processor) classify(ctx context.Context, c splitter.Chunk) (string, string) {
	var taxonomyDesc strings.Builder
	for cat, subs := range Taxonomy {
		fmt.Fprintf(&taxonomyDesc, "%s: %s\n", cat, strings.Join(subs, ", "))
	}
	res, err := p.llm.Chat(ctx, llmcap.ChatRequest{
		Model: p.model,
		SystemPrompt: "Classify the fragment into exactly one category and subcategory from this taxonomy:\n" +
			taxonomyDesc.String() + "Respond with JSON {\"category\":..., \"subcategory\":...} only.",
		Messages: []llmcap.ChatMessage{{Role: "user", Content: c.Text}},
	})
	if err != nil {
		return fallbackCategory, ""
	}
	var parsed categoryResponse
	if ok := parseJSONLenient(res.Content, &parsed); !ok {
		return fallbackCategory, ""
	}
	subs, known := Taxonomy[parsed.Category]
	if !known {
		return fallbackCategory, ""
	}
	for _, s := range subs {
		if s == parsed.Subcategory {
			return parsed.Category, parsed.Subcategory
		}
	}
	return parsed.Category, ""
}

type keywordsResponse struct {
	Keywords []string `json:"keywords"`
}

// keywords asks the LLM to extract two representative keywords, falling
// back to ["Otros"].
func (p *Processor) keywords(ctx context.Context, c splitter.Chunk) []string {
	res, err := p.llm.Chat(ctx, llmcap.ChatRequest{
		Model:        p.model,
		SystemPrompt: "Extract exactly two representative keywords from this fragment. Respond with JSON {\"keywords\": [\"...\", \"...\"]} only.",
		Messages:     []llmcap.ChatMessage{{Role: "user", Content: c.Text}},
	})
	if err != nil {
		return []string{fallbackKeyword}
	}
	var parsed keywordsResponse
	if ok := parseJSONLenient(res.Content, &parsed); !ok || len(parsed.Keywords) == 0 {
		return []string{fallbackKeyword}
	}
	return parsed.Keywords
}

var urlDateSegmentRe = regexp.MustCompile(`(\d{4})[-/](\d{2})[-/](\d{2})`)

// deriveDateSource parses a date from URL path segments if present (else
// now), and picks the host for URLs or the basename for plain paths as the
// source.
func deriveDateSource(originalURL string) (date string, source string) {
	now := time.Now().UTC().Format("2006-01-02")
	if originalURL == "" {
		return now, ""
	}
	if m := urlDateSegmentRe.FindStringSubmatch(originalURL); m != nil {
		date = m[1] + "-" + m[2] + "-" + m[3]
	} else {
		date = now
	}
	if u, err := url.Parse(originalURL); err == nil && u.Host != "" {
		return date, u.Host
	}
	return date, path.Base(originalURL)
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseJSONLenient follows the robustness pattern: strict parse,
// then extract the first {...} block and retry.
func parseJSONLenient(raw string, out interface{}) bool {
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return true
	}
	block := jsonBlockRe.FindString(raw)
	if block == "" {
		return false
	}
	return json.Unmarshal([]byte(block), out) == nil
}
