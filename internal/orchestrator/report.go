package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"regdocqa/internal/llmcap"
)

// ReportFiller fills a plain-text report template by substituting named
// `{{section_name}}` placeholders with section-specific LLM-generated
// content. The caller is responsible for wrapping the filled text into a
// .docx if one is needed, via whatever document-export path the deployment
// already has.
type ReportFiller struct {
	template string
	sections []string
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// DefaultTemplate is the report template used when no REPORT_TEMPLATE file
// is configured: the executive-summary-first shape compliance teams expect
// from a normative report.
const DefaultTemplate = `# Informe Normativo

## Resumen Ejecutivo

{{resumen_ejecutivo}}

## Marco Normativo Aplicable

{{marco_normativo}}

## Análisis

{{analisis_detallado}}

## Conclusiones y Recomendaciones

{{conclusiones}}
`

// NewReportFiller parses the template's placeholder names up front so Fill
// can request exactly the sections the template needs.
func NewReportFiller(template string) *ReportFiller {
	seen := map[string]bool{}
	var sections []string
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			sections = append(sections, m[1])
		}
	}
	return &ReportFiller{template: template, sections: sections}
}

// Fill asks the LLM for each section's content given the compliance
// analysis text, then substitutes every placeholder.
func (rf *ReportFiller) Fill(ctx context.Context, llm llmcap.Capability, model, query, analysis string) (string, error) {
	out := rf.template
	for _, section := range rf.sections {
		content, err := rf.sectionContent(ctx, llm, model, section, query, analysis)
		if err != nil {
			return "", fmt.Errorf("orchestrator: fill section %q: %w", section, err)
		}
		out = strings.ReplaceAll(out, "{{"+section+"}}", content)
		out = strings.ReplaceAll(out, "{{ "+section+" }}", content)
	}
	return out, nil
}

func (rf *ReportFiller) sectionContent(ctx context.Context, llm llmcap.Capability, model, section, query, analysis string) (string, error) {
	res, err := llm.Chat(ctx, llmcap.ChatRequest{
		Model: model,
		SystemPrompt: fmt.Sprintf("Write the %q section of a regulatory compliance report, using only the "+
			"provided analysis. Be concise and cite article numbers when present.", section),
		Messages: []llmcap.ChatMessage{
			{Role: "user", Content: fmt.Sprintf("Consulta original: %s\n\nAnálisis:\n%s", query, analysis)},
		},
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}
