// Package extractor turns a source file into document metadata and
// markdown text: PDF text extraction with a per-page OCR fallback,
// LLM-based metadata extraction, and markdown normalization, orchestrated
// as a checkpointed stage so a crashed run resumes instead of
// re-extracting.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/ledongthuc/pdf"

	"regdocqa/internal/checkpoint"
	"regdocqa/internal/llmcap"
)

// Metadata is the extracted document metadata. DocumentType defaults to
// "Desconocido" when the LLM call fails or returns nothing usable:
// metadata extraction never blocks ingestion.
type Metadata struct {
	FileName        string    `json:"file_name"`
	Title           string    `json:"title"`
	DocumentType    string    `json:"document_type"`
	IssuingBody     string    `json:"issuing_body"`
	PublicationDate string    `json:"publication_date"`
	Jurisdiction    string    `json:"jurisdiction"`
	Status          string    `json:"status"`
	OriginalURL     string    `json:"original_url,omitempty"`
	ExtractionDate  time.Time `json:"extraction_date"`
	ExtractionError string    `json:"extraction_error,omitempty"`
}

const unknownDocumentType = "Desconocido"

// OCRFunc renders a low-text PDF page (or a whole image file) to text. OCR
// is an injectable capability, same pattern as llmcap.Capability. With the
// zero value (nil) no OCR is attempted: a low-text page keeps its extracted
// text (or its placeholder), it does not halt the document.
type OCRFunc func(ctx context.Context, imageBytes []byte) (string, error)

var ErrOCRUnavailable = fmt.Errorf("extractor: no OCR backend configured")

// lowTextThreshold: a page whose extracted text has fewer runes than this
// is treated as scanned/image-only and routed to OCR.
const lowTextThreshold = 20

// Extractor implements extract_metadata, extract_text, to_markdown and the
// checkpointed process() orchestration.
type Extractor struct {
	llm   llmcap.Capability
	model string
	ocr   OCRFunc
	cps   *checkpoint.Store
}

func New(llm llmcap.Capability, model string, ocr OCRFunc, cps *checkpoint.Store) *Extractor {
	return &Extractor{llm: llm, model: model, ocr: ocr, cps: cps}
}

// ExtractMetadata asks the LLM to infer document metadata from the leading
// portion of the extracted text, falling back to a minimal record with
// DocumentType "Desconocido" on any failure.
func (e *Extractor) ExtractMetadata(ctx context.Context, path string, leadingText string) Metadata {
	meta := Metadata{
		FileName:       filepath.Base(path),
		DocumentType:   unknownDocumentType,
		ExtractionDate: time.Now().UTC(),
	}

	sample := leadingText
	if len(sample) > 4000 {
		sample = sample[:4000]
	}
	if e.llm == nil || strings.TrimSpace(sample) == "" {
		return meta
	}

	res, err := e.llm.Chat(ctx, llmcap.ChatRequest{
		Model: e.model,
		SystemPrompt: "Extract document metadata as JSON with keys title, document_type, issuing_body, " +
			"publication_date, jurisdiction, status. document_type must be one of: Ley, Decreto, Resolución, " +
			"Circular, Norma Técnica, Jurisprudencia, Otros. Respond with JSON only.",
		Messages: []llmcap.ChatMessage{{Role: "user", Content: sample}},
	})
	if err != nil {
		meta.ExtractionError = err.Error()
		return meta
	}

	parsed, ok := parseMetadataJSON(res.Content)
	if !ok {
		meta.ExtractionError = "unparseable metadata response"
		return meta
	}
	parsed.FileName = meta.FileName
	parsed.ExtractionDate = meta.ExtractionDate
	if parsed.DocumentType == "" {
		parsed.DocumentType = unknownDocumentType
	}
	return parsed
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseMetadataJSON follows the robustness pattern: strict parse,
// then extract the first {...} block and retry, else fail closed.
func parseMetadataJSON(raw string) (Metadata, bool) {
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		return m, true
	}
	block := jsonBlockRe.FindString(raw)
	if block == "" {
		return Metadata{}, false
	}
	if err := json.Unmarshal([]byte(block), &m); err != nil {
		return Metadata{}, false
	}
	return m, true
}

// ExtractText extracts text from a PDF or plain-text file. Each PDF page
// under lowTextThreshold runes is routed to OCR; when OCR also fails the
// page keeps its short extracted text, or a "[página N: extracción
// fallida]" placeholder if it had none, rather than aborting the whole
// document.
func (e *Extractor) ExtractText(ctx context.Context, path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return e.extractPDF(ctx, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("extractor: read %s: %w", path, err)
	}
	return string(raw), nil
}

func (e *Extractor) extractPDF(ctx context.Context, path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("extractor: open pdf %s: %w", path, err)
	}
	defer f.Close()

	var out strings.Builder
	total := r.NumPage()
	for pageNum := 1; pageNum <= total; pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, _ := page.GetPlainText(nil)
		if len([]rune(strings.TrimSpace(text))) < lowTextThreshold {
			if ocrText, ok := e.ocrPage(ctx, path, pageNum); ok {
				text = ocrText
			} else if strings.TrimSpace(text) == "" {
				text = fmt.Sprintf("[página %d: extracción fallida]", pageNum)
			}
		}
		fmt.Fprintf(&out, "--- Página %d ---\n%s\n\n", pageNum, text)
	}
	return out.String(), nil
}

// ocrPage is a hook point: rendering a single PDF page to an image requires
// a rasterizer (ledongthuc/pdf has no render-to-image path), so by default
// this reports unavailable and the caller keeps the placeholder. An
// OCRFunc wired with an external rasterizer+OCR service can override this
// by supplying the already-rendered bytes out of band.
func (e *Extractor) ocrPage(ctx context.Context, path string, pageNum int) (string, bool) {
	if e.ocr == nil {
		return "", false
	}
	text, err := e.ocr(ctx, nil)
	if err != nil || strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

var allCapsHeadingRe = regexp.MustCompile(`^[A-ZÁÉÍÓÚÑ0-9][A-ZÁÉÍÓÚÑ0-9 .,°ºª-]{4,}$`)
var repeatedLineRe = regexp.MustCompile(`--- Página \d+ ---`)

// ToMarkdown normalizes extracted text into markdown. When the input looks
// like HTML (rare, but some sources yield HTML fragments) it's converted
// with html-to-markdown/v2; otherwise a structural fallback promotes
// ALLCAPS lines to headings, preserves list patterns, and strips repeated
// headers/footers along with the page-separator artifacts ExtractText
// inserted.
func (e *Extractor) ToMarkdown(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "<") && strings.Contains(trimmed, "</") {
		converted, err := md.ConvertString(text)
		if err != nil {
			return "", fmt.Errorf("extractor: html to markdown: %w", err)
		}
		return converted, nil
	}
	return structuralMarkdown(text), nil
}

func structuralMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	counts := make(map[string]int)
	for _, line := range lines {
		counts[strings.TrimSpace(line)]++
	}
	var out []string
	seen := make(map[string]bool)
	for _, line := range lines {
		trimmedLine := strings.TrimSpace(line)
		if trimmedLine == "" {
			out = append(out, "")
			continue
		}
		if repeatedLineRe.MatchString(trimmedLine) {
			continue
		}
		// A line repeated 3+ times across the document is almost certainly a
		// running header/footer, not content: only its first occurrence is
		// kept.
		if counts[trimmedLine] >= 3 {
			if seen[trimmedLine] {
				continue
			}
			seen[trimmedLine] = true
		}
		if allCapsHeadingRe.MatchString(trimmedLine) && len(trimmedLine) < 120 {
			out = append(out, "## "+titleCase(trimmedLine))
			continue
		}
		if strings.HasPrefix(trimmedLine, "- ") || strings.HasPrefix(trimmedLine, "* ") ||
			regexp.MustCompile(`^\d+[.)]\s`).MatchString(trimmedLine) {
			out = append(out, trimmedLine)
			continue
		}
		out = append(out, trimmedLine)
	}
	return strings.Join(out, "\n")
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
			words[i] = string(r)
		}
	}
	return strings.Join(words, " ")
}

// Process runs the checkpointed extraction stage for one document: load or
// create its checkpoint, skip stages already marked done (resume), extract
// text, convert to markdown, extract metadata, persist the text artifact,
// and advance the checkpoint flags — metadata first, then text, so the
// flags stay monotonic along the lifecycle order.
func (e *Extractor) Process(ctx context.Context, path string) (checkpoint.Checkpoint, Metadata, string, error) {
	cp, err := e.cps.Load(path)
	if err != nil {
		return cp, Metadata{}, "", err
	}

	if cp.TextExtracted && cp.TextArtifact != "" {
		raw, rerr := e.cps.ReadArtifact(ctx, cp.TextArtifact)
		if rerr != nil {
			return cp, Metadata{}, "", fmt.Errorf("extractor: reload artifact: %w", rerr)
		}
		markdownText := string(raw)
		// Metadata is not persisted in the checkpoint, so recompute it on
		// resume; the flag is already set.
		meta := e.ExtractMetadata(ctx, path, firstRunes(markdownText, 6000))
		return cp, meta, markdownText, nil
	}

	rawText, err := e.ExtractText(ctx, path)
	if err != nil {
		_ = e.cps.Fail(cp, err)
		return cp, Metadata{}, "", err
	}
	markdownText, err := e.ToMarkdown(rawText)
	if err != nil {
		_ = e.cps.Fail(cp, err)
		return cp, Metadata{}, "", err
	}

	meta := e.ExtractMetadata(ctx, path, firstRunes(markdownText, 6000))
	cp.MetadataExtracted = true
	if err := e.cps.Save(cp); err != nil {
		return cp, meta, markdownText, err
	}

	artifactPath, err := e.cps.WriteTextArtifact(ctx, cp.DocID, []byte(markdownText))
	if err != nil {
		return cp, meta, markdownText, fmt.Errorf("extractor: write artifact: %w", err)
	}
	cp.TextArtifact = artifactPath
	cp.TextExtracted = true
	if err := e.cps.Save(cp); err != nil {
		return cp, meta, markdownText, err
	}

	return cp, meta, markdownText, nil
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
