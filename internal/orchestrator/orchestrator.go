// Package orchestrator is a thin state machine driven by one LLM planning
// call, routing to the compliance or report path, with optional
// query-understanding, decomposed-query synthesis, and a regulatory
// GAP-analysis operation. A request goes in, a structured result comes
// out, and errors are returned wrapped with the step that failed.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"regdocqa/internal/llmcap"
	"regdocqa/internal/memory"
	"regdocqa/internal/queryunderstanding"
	"regdocqa/internal/retrieve"
)

// PrimaryAgent is the planner's routing decision.
type PrimaryAgent string

const (
	AgentCompliance         PrimaryAgent = "compliance"
	AgentReport             PrimaryAgent = "report"
	AgentQueryUnderstanding PrimaryAgent = "query_understanding"
)

// Plan is the OrchestratorPlan.
type Plan struct {
	PrimaryAgent               PrimaryAgent `json:"primary_agent"`
	RequiresQueryUnderstanding bool         `json:"requires_query_understanding"`
	RequiresComplexHandling    bool         `json:"requires_complex_handling"`
	AdditionalInfo             string       `json:"additional_info"`
}

const plannerSystemPrompt = `You are a routing planner. You never answer the user directly.
Decide primary_agent: "compliance" for compliance/GAP-analysis questions, "report" for explicit
report-generation requests, "query_understanding" otherwise. Set requires_query_understanding
true unless the query is trivially simple. Set requires_complex_handling true for multi-part
questions. Respond with JSON {"primary_agent":..., "requires_query_understanding":...,
"requires_complex_handling":..., "additional_info":...} only.`

// Orchestrator wires together query understanding, the hybrid retriever,
// an answer-composition LLM call and memory persistence.
type Orchestrator struct {
	llm          llmcap.Capability
	model        string
	understander *queryunderstanding.Understander
	retriever    *retrieve.Retriever
	memory       *memory.Manager
	reportFiller *ReportFiller
}

func New(llm llmcap.Capability, model string, understander *queryunderstanding.Understander, retriever *retrieve.Retriever, mem *memory.Manager, reportFiller *ReportFiller) *Orchestrator {
	return &Orchestrator{llm: llm, model: model, understander: understander, retriever: retriever, memory: mem, reportFiller: reportFiller}
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// plan runs the single LLM planning call, falling back to
// the compliance path with query understanding enabled on any parse or
// call failure — the safest default when the planner itself is unreachable.
func (o *Orchestrator) plan(ctx context.Context, query string) Plan {
	fallback := Plan{PrimaryAgent: AgentCompliance, RequiresQueryUnderstanding: true}
	res, err := o.llm.Chat(ctx, llmcap.ChatRequest{
		Model:        o.model,
		SystemPrompt: plannerSystemPrompt,
		Messages:     []llmcap.ChatMessage{{Role: "user", Content: query}},
	})
	if err != nil {
		return fallback
	}
	var p Plan
	if json.Unmarshal([]byte(res.Content), &p) != nil {
		block := jsonBlockRe.FindString(res.Content)
		if block == "" || json.Unmarshal([]byte(block), &p) != nil {
			return fallback
		}
	}
	if p.PrimaryAgent == "" {
		p.PrimaryAgent = AgentCompliance
	}
	return p
}

// Result is what Answer returns to the caller. FirstTurn reports whether
// the session had no prior history before this turn — callers use it to
// decide whether the answer is safe to cache for unrelated future queries.
type Result struct {
	Plan      Plan
	Answer    string
	FirstTurn bool
}

// Answer implements the execution: plan, optionally run query
// understanding, optionally decompose-and-synthesize, then dispatch to the
// compliance or report path, finally persisting the turn to memory.
func (o *Orchestrator) Answer(ctx context.Context, sessionID, query string, retrieveOpt retrieve.Options, cache *retrieve.RequestCache) (Result, error) {
	p := o.plan(ctx, query)
	effectiveQuery := query

	// Load the session's prior turns (if any) so the answer-composition
	// call sees the conversation so far.
	var history []llmcap.ChatMessage
	firstTurn := true
	if o.memory != nil && sessionID != "" {
		if _, err := o.memory.CreateOrGetSession(ctx, sessionID, ""); err == nil {
			if msgs, lerr := o.memory.LoadMessages(ctx, sessionID, 0); lerr == nil {
				firstTurn = len(msgs) == 0
				for _, m := range msgs {
					history = append(history, llmcap.ChatMessage{Role: m.Role, Content: m.Content})
				}
			}
		}
	}

	var qi *queryunderstanding.QueryInfo
	if p.RequiresQueryUnderstanding && o.understander != nil {
		info, err := o.understander.Understand(ctx, query)
		if err == nil {
			qi = &info
			if info.ExpandedQuery != "" {
				effectiveQuery = info.ExpandedQuery
			}
		}
	}

	var answer string
	var err error
	if p.RequiresComplexHandling && qi != nil && len(qi.DecomposedQueries) > 0 {
		answer, err = o.answerDecomposed(ctx, effectiveQuery, qi, retrieveOpt, cache)
	} else {
		switch p.PrimaryAgent {
		case AgentReport:
			answer, err = o.reportPath(ctx, effectiveQuery, qi, retrieveOpt, cache)
		default:
			answer, err = o.compliancePath(ctx, effectiveQuery, qi, history, retrieveOpt, cache)
		}
	}
	if err != nil {
		return Result{Plan: p, FirstTurn: firstTurn}, err
	}

	if o.memory != nil && sessionID != "" {
		saveErr := o.memory.SaveTurn(ctx, sessionID, []memory.Message{
			{Role: "user", Content: query},
			{Role: "assistant", Content: answer},
		})
		if saveErr != nil {
			return Result{Plan: p, Answer: answer, FirstTurn: firstTurn}, fmt.Errorf("orchestrator: persist turn: %w", saveErr)
		}
		o.updateSessionContext(ctx, sessionID, qi)
	}

	return Result{Plan: p, Answer: answer, FirstTurn: firstTurn}, nil
}

// updateSessionContext folds the turn's query analysis into the session's
// rolling context bag and refreshes the conversation summary (regenerated
// only past the staleness threshold). Both are best-effort: the answer has
// already been produced and saved.
func (o *Orchestrator) updateSessionContext(ctx context.Context, sessionID string, qi *queryunderstanding.QueryInfo) {
	if qi != nil {
		update := memory.ContextMetadata{}
		for _, e := range qi.Entities {
			if e.Type == "regulation" {
				update.Regulations = append(update.Regulations, e.Value)
			} else {
				update.Entities = append(update.Entities, e.Value)
			}
		}
		for _, kw := range qi.Keywords {
			if kw.Importance > 0.7 {
				update.Topics = append(update.Topics, kw.Word)
			}
		}
		if len(update.Topics)+len(update.Entities)+len(update.Regulations) > 0 {
			_ = o.memory.MergeContextMetadata(ctx, sessionID, update)
		}
	}
	_, _ = o.memory.Summarize(ctx, sessionID)
}

// compliancePath runs hybrid retrieval then an LLM answer-composition
// call over the retrieved context, with the session's prior turns (if any)
// ahead of the final user message.
func (o *Orchestrator) compliancePath(ctx context.Context, query string, qi *queryunderstanding.QueryInfo, history []llmcap.ChatMessage, opt retrieve.Options, cache *retrieve.RequestCache) (string, error) {
	retrievedContext, err := o.retriever.Retrieve(ctx, query, qi, cache, opt)
	if err != nil {
		return "", fmt.Errorf("orchestrator: retrieve: %w", err)
	}
	msgs := make([]llmcap.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, llmcap.ChatMessage{Role: "user", Content: fmt.Sprintf("Contexto:\n%s\n\nPregunta: %s", retrievedContext, query)})
	res, err := o.llm.Chat(ctx, llmcap.ChatRequest{
		Model:        o.model,
		SystemPrompt: "Answer the user's question using only the provided regulatory context. Cite article numbers when available.",
		Messages:     msgs,
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: compose answer: %w", err)
	}
	return res.Content, nil
}

// answerDecomposed runs the compliance path once per sub-query sequentially,
// then synthesizes the sub-answers with one more LLM call.
func (o *Orchestrator) answerDecomposed(ctx context.Context, query string, qi *queryunderstanding.QueryInfo, opt retrieve.Options, cache *retrieve.RequestCache) (string, error) {
	var subAnswers []string
	for _, sub := range qi.DecomposedQueries {
		ans, err := o.compliancePath(ctx, sub, qi, nil, opt, cache)
		if err != nil {
			return "", fmt.Errorf("orchestrator: sub-query %q: %w", sub, err)
		}
		subAnswers = append(subAnswers, fmt.Sprintf("Pregunta: %s\nRespuesta: %s", sub, ans))
	}
	res, err := o.llm.Chat(ctx, llmcap.ChatRequest{
		Model:        o.model,
		SystemPrompt: "Synthesize these sub-answers into one coherent response to the original question. Preserve citations.",
		Messages: []llmcap.ChatMessage{
			{Role: "user", Content: fmt.Sprintf("Pregunta original: %s\n\n%s", query, strings.Join(subAnswers, "\n\n"))},
		},
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: synthesize sub-answers: %w", err)
	}
	return res.Content, nil
}

// reportPath is the report path: run the compliance path for
// analysis text, then fill a report template with section content.
func (o *Orchestrator) reportPath(ctx context.Context, query string, qi *queryunderstanding.QueryInfo, opt retrieve.Options, cache *retrieve.RequestCache) (string, error) {
	analysis, err := o.compliancePath(ctx, query, qi, nil, opt, cache)
	if err != nil {
		return "", err
	}
	if o.reportFiller == nil {
		return analysis, nil
	}
	return o.reportFiller.Fill(ctx, o.llm, o.model, query, analysis)
}

// GapFinding is one structured gap in a ComplianceGapAnalysis result.
type GapFinding struct {
	Requirement string `json:"requirement"`
	Gap         string `json:"gap"`
	Severity    string `json:"severity"`
}

// ComplianceGapAnalysis: runs the
// retrieval core against a policy document's text as the query, and asks
// the LLM to produce a structured list of gaps.
func (o *Orchestrator) ComplianceGapAnalysis(ctx context.Context, policyText, query string, opt retrieve.Options, cache *retrieve.RequestCache) ([]GapFinding, error) {
	retrievedContext, err := o.retriever.Retrieve(ctx, policyText, nil, cache, opt)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: gap analysis retrieve: %w", err)
	}
	res, err := o.llm.Chat(ctx, llmcap.ChatRequest{
		Model: o.model,
		SystemPrompt: "Compare the policy text against the applicable regulatory context. Respond with a JSON array " +
			"of objects {\"requirement\":..., \"gap\":..., \"severity\": one of low|medium|high}.",
		Messages: []llmcap.ChatMessage{
			{Role: "user", Content: fmt.Sprintf("Contexto regulatorio:\n%s\n\nPolítica:\n%s\n\nConsulta: %s", retrievedContext, policyText, query)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: gap analysis compose: %w", err)
	}
	var findings []GapFinding
	if json.Unmarshal([]byte(res.Content), &findings) == nil {
		return findings, nil
	}
	if block := jsonBlockRe.FindString(res.Content); block != "" {
		_ = json.Unmarshal([]byte(block), &findings)
	}
	return findings, nil
}
