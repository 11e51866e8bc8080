// Command ragserver is the query-time HTTP API: retrieve, answer and
// memory endpoints backed by the Orchestrator. config.Load(), then
// observability init, then one struct of constructed dependencies, then a
// signal.NotifyContext-driven graceful shutdown around the http.Server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"regdocqa/internal/analytics"
	"regdocqa/internal/config"
	"regdocqa/internal/embedding"
	"regdocqa/internal/llm"
	"regdocqa/internal/llm/anthropic"
	"regdocqa/internal/llm/openai"
	"regdocqa/internal/llmcap"
	"regdocqa/internal/memory"
	"regdocqa/internal/observability"
	"regdocqa/internal/orchestrator"
	"regdocqa/internal/queryunderstanding"
	"regdocqa/internal/ratelimit"
	"regdocqa/internal/rerank"
	"regdocqa/internal/respcache"
	"regdocqa/internal/retrieve"
	"regdocqa/internal/store"
	"regdocqa/internal/tokenizer"
	"regdocqa/internal/version"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("ragserver exited")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)
	llm.ConfigureLogging(cfg.LogPayloads, 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	limiter := ratelimit.New(ratelimit.Config{
		RPMLimit:    cfg.RateLimit.RPMLimit,
		MaxAttempts: cfg.RateLimit.MaxAttempts,
		MinBackoff:  time.Duration(cfg.RateLimit.MinBackoffS) * time.Second,
		MaxBackoff:  time.Duration(cfg.RateLimit.MaxBackoffS) * time.Second,
	})

	httpClient := observability.NewHTTPClient(nil)
	embedFn := llmcap.EmbedFunc(func(ctx context.Context, model string, inputs []string) ([][]float32, error) {
		embCfg := cfg.Embedding
		if model != "" {
			embCfg.Model = model
		}
		return embedding.EmbedText(ctx, embCfg, inputs)
	})

	chatLLM, tokenCounter, err := buildLLM(cfg, limiter, httpClient, embedFn)
	if err != nil {
		return fmt.Errorf("build llm capability: %w", err)
	}

	dsn := firstNonEmpty(cfg.DB.Vector.DSN, cfg.DB.DefaultDSN)
	if dsn == "" {
		return errors.New("no database DSN configured (DATABASE_URL or VECTOR_DSN)")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	s, err := buildStore(ctx, cfg, pool)
	if err != nil {
		return err
	}
	if err := s.EnsureCorpus(ctx, cfg.Retrieval.Corpus); err != nil {
		return fmt.Errorf("ensure corpus %q: %w", cfg.Retrieval.Corpus, err)
	}

	tok := tokenizer.New()
	reranker := rerank.New(chatLLM, rerank.EmbedFunc(chatLLM.Embed), cfg.Ingest.EmbeddingModel, cfg.Ingest.LLMModel,
		time.Duration(cfg.Rerank.CacheTTLSeconds)*time.Second, cfg.Rerank.CacheCapacity)
	retriever := retrieve.New(s, chatLLM, reranker, tok, cfg.Ingest.EmbeddingModel)
	understander := queryunderstanding.New(chatLLM, cfg.Ingest.LLMModel)

	var memStore memory.Store
	memPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres (memory): %w", err)
	}
	defer memPool.Close()
	pgMem := memory.NewPostgres(memPool)
	if err := pgMem.Init(ctx); err != nil {
		return fmt.Errorf("init memory schema: %w", err)
	}
	memStore = pgMem
	mem := memory.New(memStore, chatLLM, cfg.Ingest.LLMModel)

	var cache respcache.Store
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisAddr != "" {
		cache = respcache.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		}), time.Duration(cfg.Rerank.CacheTTLSeconds)*time.Second)
	} else {
		cache = respcache.New(cfg.Rerank.CacheCapacity, time.Duration(cfg.Rerank.CacheTTLSeconds)*time.Second)
	}

	reportTemplate := orchestrator.DefaultTemplate
	if cfg.Report.TemplatePath != "" {
		raw, rerr := os.ReadFile(cfg.Report.TemplatePath)
		if rerr != nil {
			return fmt.Errorf("read report template %s: %w", cfg.Report.TemplatePath, rerr)
		}
		reportTemplate = string(raw)
	}
	orch := orchestrator.New(chatLLM, cfg.Ingest.LLMModel, understander, retriever, mem, orchestrator.NewReportFiller(reportTemplate))

	var sink analytics.Sink = analytics.NopSink{}
	if cfg.Analytics.ClickHouseDSN != "" {
		chSink, err := analytics.NewClickHouseSink(ctx, cfg.Analytics.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("configure clickhouse analytics: %w", err)
		}
		sink = chSink
	}

	srv := newServer(cfg, orch, mem, cache, sink, tokenCounter)
	httpSrv := &http.Server{
		Addr:              firstNonEmpty(os.Getenv("RAGSERVER_ADDR"), ":8080"),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("ragserver listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// buildLLM selects the chat capability adapter per cfg.LLMClient.Provider,
// along with the provider's precise token counter (used off the hot path
// for answer-size accounting). Only openai and anthropic have adapters;
// anything else fails fast here rather than silently falling back to a
// different provider.
func buildLLM(cfg config.Config, limiter *ratelimit.Limiter, httpClient *http.Client, embedFn llmcap.EmbedFunc) (llmcap.Capability, llm.Tokenizer, error) {
	tokenCache := llm.NewTokenCache(llm.TokenCacheConfig{})
	switch cfg.LLMClient.Provider {
	case "", "openai":
		client := openai.New(cfg.LLMClient.OpenAI, httpClient)
		counter := openai.NewResponsesTokenizer(client, cfg.LLMClient.OpenAI.Model, tokenCache)
		return llmcap.NewOpenAIAdapter(client, limiter, embedFn, cfg.Embedding.Model), counter, nil
	case "anthropic":
		client := anthropic.New(cfg.LLMClient.Anthropic, httpClient)
		return llmcap.NewAnthropicAdapter(client, limiter, embedFn), client.Tokenizer(tokenCache), nil
	default:
		return nil, nil, fmt.Errorf("unsupported LLM_PROVIDER %q: only openai and anthropic have adapters wired", cfg.LLMClient.Provider)
	}
}

// corpusStore is the subset of store.Capability plus the bootstrap step
// both backends expose, letting buildStore return either without the
// caller needing to know which one it got.
type corpusStore interface {
	store.Capability
	EnsureCorpus(ctx context.Context, corpus string) error
}

// buildStore selects the store.Capability backend per VECTOR_BACKEND:
// "postgres" (default) uses pgvector alone, "qdrant" additionally upserts
// embeddings into a Qdrant collection and serves vector match from there.
func buildStore(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (corpusStore, error) {
	switch cfg.DB.Vector.Backend {
	case "", "postgres":
		return store.NewPostgres(pool, cfg.DB.Vector.Dimensions), nil
	case "qdrant":
		dsn := firstNonEmpty(cfg.DB.Vector.DSN, "http://localhost:6334")
		return store.NewQdrant(dsn, cfg.Retrieval.Corpus, cfg.DB.Vector.Dimensions, cfg.DB.Vector.Metric, pool)
	default:
		return nil, fmt.Errorf("unsupported VECTOR_BACKEND %q: only postgres and qdrant are wired", cfg.DB.Vector.Backend)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// server implements the HTTP surface: POST /query answers a question
// within a conversation session, POST /gap-analysis runs the compliance
// gap analysis, and GET /healthz reports readiness.
type server struct {
	cfg          config.Config
	orch         *orchestrator.Orchestrator
	memory       *memory.Manager
	cache        respcache.Store
	analytics    analytics.Sink
	tokenCounter llm.Tokenizer
	mux          *http.ServeMux
}

func newServer(cfg config.Config, orch *orchestrator.Orchestrator, mem *memory.Manager, cache respcache.Store, sink analytics.Sink, counter llm.Tokenizer) *server {
	s := &server{cfg: cfg, orch: orch, memory: mem, cache: cache, analytics: sink, tokenCounter: counter, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/query", s.handleQuery)
	s.mux.HandleFunc("/gap-analysis", s.handleGapAnalysis)
	s.mux.HandleFunc("/sessions/", s.handleSession)
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	totals, _ := llm.TokenTotalsForWindow(time.Hour)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"version":         version.Version,
		"token_totals_1h": totals,
		"cache_hit_rate":  cacheHitRate(s.cache),
	})
}

// cacheHitRate reports the in-process cache's hit rate; the Redis backend
// doesn't track one, so it reports 0.
func cacheHitRate(store respcache.Store) float64 {
	if c, ok := store.(*respcache.Cache); ok {
		return c.HitRate()
	}
	return 0
}

type queryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

type queryResponse struct {
	Answer       string `json:"answer"`
	PrimaryAgent string `json:"primary_agent"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	ctx := observability.LoggerWithTrace(r.Context()).WithContext(r.Context())

	if cached, ok := s.cache.Get(respcache.Key(req.Query)); ok {
		writeJSON(w, queryResponse{Answer: cached})
		return
	}

	opt := retrieve.Options{
		Corpus:                s.cfg.Retrieval.Corpus,
		MaxChunksReturned:     s.cfg.Retrieval.MaxChunksReturned,
		MaxTotalTokens:        s.cfg.Retrieval.MaxTotalTokens,
		ClusterMatchCount:     s.cfg.Retrieval.ClusterMatchCount,
		LexicalMatchLimit:     s.cfg.Retrieval.LexicalMatchLimit,
		TokenizerModel:        s.cfg.Retrieval.TokenizerModel,
		MaxChunksForReranking: s.cfg.Rerank.MaxChunksForReranking,
		MaxChunksKeepNormal:   s.cfg.Rerank.MaxChunksKeepNormal,
		MaxChunksKeepReports:  s.cfg.Rerank.MaxChunksKeepReports,
	}

	started := time.Now()
	res, err := s.orch.Answer(ctx, req.SessionID, req.Query, opt, retrieve.NewRequestCache())
	if s.analytics != nil {
		_ = s.analytics.RecordRetrieval(ctx, req.Query, time.Since(started), 0)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Only first-turn answers are cacheable: a turn composed against prior
	// history would leak context-dependent answers to unrelated queries.
	if res.FirstTurn {
		s.cache.Set(respcache.Key(req.Query), res.Answer)
	}
	// Precise answer-size accounting happens off the hot path: the count is
	// a provider API call and must not delay the response.
	if s.tokenCounter != nil {
		go func(answer string) {
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			n, cerr := s.tokenCounter.CountTokens(cctx, answer)
			if cerr != nil {
				n = llm.EstimateTokens(answer)
			}
			log.Debug().Int("answer_tokens", n).Bool("estimated", cerr != nil).Msg("answer_token_count")
		}(res.Answer)
	}
	writeJSON(w, queryResponse{Answer: res.Answer, PrimaryAgent: string(res.Plan.PrimaryAgent)})
}

type gapAnalysisRequest struct {
	Policy string `json:"policy"`
	Query  string `json:"query"`
}

func (s *server) handleGapAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req gapAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Policy == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	opt := retrieve.Options{
		Corpus:                s.cfg.Retrieval.Corpus,
		MaxChunksReturned:     s.cfg.Retrieval.MaxChunksReturned,
		MaxTotalTokens:        s.cfg.Retrieval.MaxTotalTokens,
		ClusterMatchCount:     s.cfg.Retrieval.ClusterMatchCount,
		LexicalMatchLimit:     s.cfg.Retrieval.LexicalMatchLimit,
		TokenizerModel:        s.cfg.Retrieval.TokenizerModel,
		MaxChunksForReranking: s.cfg.Rerank.MaxChunksForReranking,
		MaxChunksKeepReports:  s.cfg.Rerank.MaxChunksKeepReports,
	}
	findings, err := s.orch.ComplianceGapAnalysis(r.Context(), req.Policy, req.Query, opt, retrieve.NewRequestCache())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, findings)
}

// handleSession serves DELETE /sessions/<id>: sessions are terminally
// deletable, taking their message batches with them.
func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if err := s.memory.DeleteSession(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
