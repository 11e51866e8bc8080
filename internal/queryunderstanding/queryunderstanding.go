// Package queryunderstanding turns a raw user query into a structured
// QueryInfo: cheap complexity triage, then a single LLM
// JSON-mode call sized to that complexity, with a three-level parse/repair
// fallback chain since no LLM provider guarantees well-formed JSON on every
// call.
package queryunderstanding

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"regdocqa/internal/llmcap"
)

type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

type Entity struct {
	Type  string `json:"type"` // regulation | region | program | process | technical_requirement | ...
	Value string `json:"value"`
}

type Keyword struct {
	Word       string  `json:"word"`
	Importance float64 `json:"importance"`
}

type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// QueryInfo is the transient, per-request analysis of a user query.
type QueryInfo struct {
	OriginalQuery          string     `json:"original_query"`
	ExpandedQuery          string     `json:"expanded_query"`
	SearchQuery            string     `json:"search_query"`
	DecomposedQueries      []string   `json:"decomposed_queries"`
	Intents                []Intent   `json:"intents"`
	Entities               []Entity   `json:"entities"`
	Keywords               []Keyword  `json:"keywords"`
	Complexity             Complexity `json:"complexity"`
	Language               string     `json:"language"`
	EstimatedSearchQuality float64    `json:"estimated_search_quality"`
}

const (
	complexWordCount = 20
	complexQMarks    = 1
	simpleWordCount  = 10
	simpleQMarks     = 1
)

type Understander struct {
	llm   llmcap.Capability
	model string
}

func New(llm llmcap.Capability, model string) *Understander {
	return &Understander{llm: llm, model: model}
}

// Understand implements the understand(query) operation.
func (u *Understander) Understand(ctx context.Context, query string) (QueryInfo, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return QueryInfo{
			OriginalQuery: query,
			SearchQuery:   "consulta vacía",
			Complexity:    ComplexitySimple,
		}, nil
	}

	complexity, err := u.triage(ctx, trimmed)
	if err != nil {
		complexity = ComplexityMedium
	}

	var info QueryInfo
	var callErr error
	if complexity == ComplexitySimple {
		info, callErr = u.simplePath(ctx, trimmed)
	} else {
		info, callErr = u.complexPath(ctx, trimmed)
	}

	if callErr != nil || info.OriginalQuery == "" {
		// Complex path failed entirely: retry the simple path once before
		// synthesizing a fallback.
		if complexity != ComplexitySimple {
			if retryInfo, retryErr := u.simplePath(ctx, trimmed); retryErr == nil {
				info = retryInfo
				callErr = nil
			}
		}
	}
	if callErr != nil || info.OriginalQuery == "" {
		info = fallbackQueryInfo(trimmed)
	}

	postFill(&info, trimmed)
	return info, nil
}

func (u *Understander) triage(ctx context.Context, query string) (Complexity, error) {
	words := len(strings.Fields(query))
	qMarks := strings.Count(query, "?")
	if words > complexWordCount || qMarks > complexQMarks {
		return ComplexityComplex, nil
	}
	if words <= simpleWordCount && qMarks <= simpleQMarks {
		return ComplexitySimple, nil
	}

	res, err := u.llm.Chat(ctx, llmcap.ChatRequest{
		Model:        u.model,
		JSONMode:     true,
		SystemPrompt: "Decide whether the following user query requires complex, multi-step retrieval. Respond with JSON: {\"is_complex\": bool, \"reason\": string}.",
		Messages:     []llmcap.ChatMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return ComplexityMedium, err
	}
	var triage struct {
		IsComplex bool `json:"is_complex"`
	}
	if !parseJSON(res.Content, &triage) {
		return ComplexityMedium, nil
	}
	if triage.IsComplex {
		return ComplexityComplex, nil
	}
	return ComplexityMedium, nil
}

func (u *Understander) simplePath(ctx context.Context, query string) (QueryInfo, error) {
	res, err := u.llm.Chat(ctx, llmcap.ChatRequest{
		Model:    u.model,
		JSONMode: true,
		SystemPrompt: "Analyze the user query and respond with a single JSON object: " +
			`{"language": string, "entities": [{"type": string, "value": string}], ` +
			`"keywords": [{"word": string, "importance": number}], ` +
			`"intents": [{"name": string, "confidence": number}], ` +
			`"complexity": "simple"|"medium"|"complex", "search_query": string}`,
		Messages: []llmcap.ChatMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return QueryInfo{}, err
	}
	var raw rawQueryInfo
	if !parseWithRepair(res.Content, &raw) {
		return QueryInfo{}, errParseFailed
	}
	info := raw.toQueryInfo(query)
	if info.Complexity == "" {
		info.Complexity = ComplexitySimple
	}
	return info, nil
}

func (u *Understander) complexPath(ctx context.Context, query string) (QueryInfo, error) {
	res, err := u.llm.Chat(ctx, llmcap.ChatRequest{
		Model:    u.model,
		JSONMode: true,
		SystemPrompt: "Analyze the user query thoroughly and respond with a single JSON object: " +
			`{"language": string, "expanded_query": string, "search_query": string, ` +
			`"decomposed_queries": [string], "domain_terms": [string], ` +
			`"entities": [{"type": string, "value": string}], ` +
			`"keywords": [{"word": string, "importance": number}], ` +
			`"intents": [{"name": string, "confidence": number}], ` +
			`"complexity": "simple"|"medium"|"complex", "estimated_search_quality": number}`,
		Messages: []llmcap.ChatMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return QueryInfo{}, err
	}
	var raw rawQueryInfo
	if !parseWithRepair(res.Content, &raw) {
		return QueryInfo{}, errParseFailed
	}
	info := raw.toQueryInfo(query)
	if info.Complexity == "" {
		info.Complexity = ComplexityComplex
	}
	return info, nil
}

type rawQueryInfo struct {
	Language               string    `json:"language"`
	ExpandedQuery          string    `json:"expanded_query"`
	SearchQuery            string    `json:"search_query"`
	DecomposedQueries      []string  `json:"decomposed_queries"`
	DomainTerms            []string  `json:"domain_terms"`
	Entities               []Entity  `json:"entities"`
	Keywords               []Keyword `json:"keywords"`
	Intents                []Intent  `json:"intents"`
	Complexity             string    `json:"complexity"`
	EstimatedSearchQuality float64   `json:"estimated_search_quality"`
}

func (r rawQueryInfo) toQueryInfo(original string) QueryInfo {
	return QueryInfo{
		OriginalQuery:          original,
		ExpandedQuery:          r.ExpandedQuery,
		SearchQuery:            r.SearchQuery,
		DecomposedQueries:      r.DecomposedQueries,
		Intents:                r.Intents,
		Entities:               r.Entities,
		Keywords:               r.Keywords,
		Complexity:             Complexity(r.Complexity),
		Language:               r.Language,
		EstimatedSearchQuality: r.EstimatedSearchQuality,
	}
}

var errParseFailed = &parseError{"query understanding: could not parse LLM JSON response"}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// parseWithRepair tries a strict parse first, then a regex-extracted first
// {...} block on failure.
func parseWithRepair(content string, out *rawQueryInfo) bool {
	if parseJSON(content, out) {
		return true
	}
	if match := jsonObjectPattern.FindString(content); match != "" {
		return parseJSON(match, out)
	}
	return false
}

func parseJSON(content string, out any) bool {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return json.Unmarshal([]byte(strings.TrimSpace(content)), out) == nil
}

// fallbackQueryInfo is the last-resort synthesis when both the primary
// call and the simple-path retry fail to parse.
func fallbackQueryInfo(query string) QueryInfo {
	firstWord := query
	if fields := strings.Fields(query); len(fields) > 0 {
		firstWord = fields[0]
	}
	return QueryInfo{
		OriginalQuery: query,
		Intents:       []Intent{{Name: "consulta_general", Confidence: 1}},
		Keywords:      []Keyword{{Word: firstWord, Importance: 1}},
		Complexity:    ComplexitySimple,
	}
}

// postFill backfills search/expanded queries and the estimated search
// quality when the model left them empty.
func postFill(info *QueryInfo, original string) {
	if info.SearchQuery == "" {
		if info.ExpandedQuery != "" {
			info.SearchQuery = info.ExpandedQuery
		} else {
			info.SearchQuery = original
		}
	}
	if info.ExpandedQuery == "" {
		info.ExpandedQuery = original
	}
	if info.EstimatedSearchQuality == 0 {
		q := 0.5
		if len(info.Entities) > 0 {
			q += 0.2
		}
		if len(info.Keywords) > 2 {
			q += 0.2
		}
		if info.Complexity != ComplexitySimple {
			q += 0.1
		}
		info.EstimatedSearchQuality = q
	}
}
