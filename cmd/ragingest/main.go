/*
ragingest runs the batch document-ingestion pipeline: extract, split, process and ingest one or more regulatory documents into
the vector store, with file-per-document checkpointing so a crashed or
killed run can resume without reprocessing finished stages.

Usage:

	ragingest process -files a.pdf,b.html [-concurrent 2]
	ragingest process -folder ./inbox [-concurrent 2]
	ragingest resume -folder ./inbox
	ragingest status [-report status.json]
	ragingest retry-failed -file ./data/pending_chunks/<doc>_failed_<ts>.json
	ragingest enqueue -folder ./inbox -brokers localhost:9092 -topic ingest-jobs
	ragingest worker -brokers localhost:9092 -topic ingest-jobs -group ingest-workers

Flags are parsed per-subcommand with flag.NewFlagSet, with env-var
fallbacks for DATABASE_URL/WORKDIR.
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"regdocqa/internal/analytics"
	"regdocqa/internal/checkpoint"
	"regdocqa/internal/chunkproc"
	"regdocqa/internal/config"
	"regdocqa/internal/embedding"
	"regdocqa/internal/extractor"
	"regdocqa/internal/ingester"
	"regdocqa/internal/ingestqueue"
	"regdocqa/internal/llm"
	"regdocqa/internal/llm/anthropic"
	"regdocqa/internal/llm/openai"
	"regdocqa/internal/llmcap"
	"regdocqa/internal/objectstore"
	"regdocqa/internal/observability"
	"regdocqa/internal/ratelimit"
	"regdocqa/internal/splitter"
	"regdocqa/internal/store"
	"regdocqa/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)
	llm.ConfigureLogging(cfg.LogPayloads, 0)

	ctx := context.Background()
	var runErr error
	switch os.Args[1] {
	case "process":
		runErr = runProcess(ctx, cfg, os.Args[2:], false)
	case "resume":
		runErr = runProcess(ctx, cfg, os.Args[2:], true)
	case "status":
		runErr = runStatus(cfg, os.Args[2:])
	case "retry-failed":
		runErr = runRetryFailed(ctx, cfg, os.Args[2:])
	case "enqueue":
		runErr = runEnqueue(ctx, os.Args[2:])
	case "worker":
		runErr = runWorker(ctx, cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ragingest <process|resume|status|retry-failed|enqueue|worker> [flags]")
}

// pipeline bundles the constructed stage objects every subcommand needs.
type pipeline struct {
	cfg       config.Config
	cps       *checkpoint.Store
	extractor *extractor.Extractor
	ingester  *ingester.Ingester
	chunkproc *chunkproc.Processor
	store     store.Capability
	pool      *pgxpool.Pool
	analytics analytics.Sink
}

func buildPipeline(ctx context.Context, cfg config.Config) (*pipeline, error) {
	limiter := ratelimit.New(ratelimit.Config{
		RPMLimit:    cfg.RateLimit.RPMLimit,
		MaxAttempts: cfg.RateLimit.MaxAttempts,
	})
	httpClient := observability.NewHTTPClient(nil)
	embedFn := llmcap.EmbedFunc(func(ctx context.Context, model string, inputs []string) ([][]float32, error) {
		embCfg := cfg.Embedding
		if model != "" {
			embCfg.Model = model
		}
		return embedding.EmbedText(ctx, embCfg, inputs)
	})

	var chatLLM llmcap.Capability
	switch cfg.LLMClient.Provider {
	case "", "openai":
		chatLLM = llmcap.NewOpenAIAdapter(openai.New(cfg.LLMClient.OpenAI, httpClient), limiter, embedFn, cfg.Embedding.Model)
	case "anthropic":
		chatLLM = llmcap.NewAnthropicAdapter(anthropic.New(cfg.LLMClient.Anthropic, httpClient), limiter, embedFn)
	default:
		return nil, fmt.Errorf("unsupported LLM_PROVIDER %q: only openai and anthropic have adapters wired", cfg.LLMClient.Provider)
	}

	dsn := firstNonEmpty(cfg.DB.Vector.DSN, cfg.DB.DefaultDSN)
	if dsn == "" {
		return nil, fmt.Errorf("no database DSN configured (DATABASE_URL or VECTOR_DSN)")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := buildStore(ctx, cfg, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureCorpus(ctx, cfg.Retrieval.Corpus); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure corpus %q: %w", cfg.Retrieval.Corpus, err)
	}

	cps := checkpoint.NewStore(cfg.Ingest.CheckpointDir)
	if cfg.S3.Bucket != "" {
		s3Store, err := objectstore.NewS3Store(ctx, cfg.S3)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("configure S3 artifact store: %w", err)
		}
		cps = checkpoint.NewStoreWithArtifacts(cfg.Ingest.CheckpointDir, objectstore.ArtifactAdapter{Store: s3Store})
	}
	ext := extractor.New(chatLLM, cfg.Ingest.LLMModel, nil, cps)
	cp := chunkproc.New(chatLLM, cfg.Ingest.LLMModel, cfg.Ingest.EmbeddingModel, cfg.Ingest.MaxProcessWorkers)
	ig := ingester.New(s, cps, cfg.Ingest.PendingChunksDir)

	var sink analytics.Sink = analytics.NopSink{}
	if cfg.Analytics.ClickHouseDSN != "" {
		chSink, err := analytics.NewClickHouseSink(ctx, cfg.Analytics.ClickHouseDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("configure clickhouse analytics: %w", err)
		}
		sink = chSink
	}

	return &pipeline{cfg: cfg, cps: cps, extractor: ext, ingester: ig, chunkproc: cp, store: s, pool: pool, analytics: sink}, nil
}

// timeStage records a stage's wall-clock duration to the analytics sink,
// matching cmd/ragserver's per-query timing.
func (p *pipeline) timeStage(ctx context.Context, docID, stage string, started time.Time, stageErr error) {
	if p.analytics == nil {
		return
	}
	msg := ""
	if stageErr != nil {
		msg = stageErr.Error()
	}
	_ = p.analytics.RecordIngestStage(ctx, docID, stage, time.Since(started), msg)
}

func (p *pipeline) close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// corpusStore is the subset of store.Capability plus the bootstrap step
// both backends expose (see cmd/ragserver's identical definition).
type corpusStore interface {
	store.Capability
	EnsureCorpus(ctx context.Context, corpus string) error
}

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

func runProcess(ctx context.Context, cfg config.Config, args []string, resumeOnly bool) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	files := fs.String("files", "", "comma-separated list of document paths")
	folder := fs.String("folder", "", "directory of documents to ingest")
	concurrent := fs.Int("concurrent", cfg.Ingest.MaxConcurrentDocs, "max documents processed concurrently")
	_ = fs.Parse(args)

	paths, err := collectPaths(*files, *folder)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no input documents: pass -files or -folder")
	}

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	if resumeOnly {
		// Resume only touches documents with an existing, incomplete
		// checkpoint; fresh and already-ingested documents are skipped.
		var incomplete []string
		for _, path := range paths {
			cp, lerr := p.cps.LoadByDocID(checkpoint.DocID(path))
			if lerr != nil || cp.Ingested {
				continue
			}
			incomplete = append(incomplete, path)
		}
		paths = incomplete
		if len(paths) == 0 {
			log.Info().Msg("nothing to resume")
			return nil
		}
	}

	sem := make(chan struct{}, maxInt(*concurrent, 1))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []string
	for _, path := range paths {
		wg.Add(1)
		sem <- struct{}{}
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.processOne(ctx, path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("document failed")
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", path, err))
				mu.Unlock()
			}
		}(path)
	}
	wg.Wait()

	for _, total := range llm.TokenTotalsSnapshot() {
		log.Info().Str("model", total.Model).Int64("prompt_tokens", total.Prompt).
			Int64("completion_tokens", total.Completion).Msg("llm token usage")
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d documents failed:\n%s", len(failures), len(paths), strings.Join(failures, "\n"))
	}
	log.Info().Int("count", len(paths)).Msg("ingest run complete")
	return nil
}

func collectPaths(filesFlag, folder string) ([]string, error) {
	var paths []string
	if filesFlag != "" {
		for _, f := range strings.Split(filesFlag, ",") {
			f = strings.TrimSpace(f)
			if f != "" {
				paths = append(paths, f)
			}
		}
	}
	if folder != "" {
		entries, err := os.ReadDir(folder)
		if err != nil {
			return nil, fmt.Errorf("read folder %q: %w", folder, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				paths = append(paths, filepath.Join(folder, e.Name()))
			}
		}
	}
	return paths, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// processOne drives one document through every stage, resuming from
// whatever the checkpoint records as already done: completed stages reload
// their persisted artifact instead of re-running, and a fully ingested
// document is a no-op, so a second run over the same directory produces no
// additional rows.
func (p *pipeline) processOne(ctx context.Context, path string) error {
	extractStart := time.Now()
	cp, meta, text, err := p.extractor.Process(ctx, path)
	p.timeStage(ctx, checkpoint.DocID(path), "extract", extractStart, err)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if cp.Ingested {
		log.Info().Str("path", path).Msg("already ingested, skipping")
		return nil
	}

	splitChunks, err := p.splitStage(ctx, path, &cp, meta, text)
	if err != nil {
		return err
	}

	docCtx := chunkproc.DocumentContext{
		DocumentTitle: splitter.DocumentTitle(meta.Title, text),
		DocumentType:  meta.DocumentType,
		IssuingBody:   meta.IssuingBody,
		Jurisdiction:  meta.Jurisdiction,
		Status:        meta.Status,
		OriginalURL:   meta.OriginalURL,
	}
	processed, err := p.processStage(ctx, &cp, splitChunks, docCtx)
	if err != nil {
		return err
	}

	var docID int64
	if cp.DocumentIDDB != nil {
		docID = *cp.DocumentIDDB
	} else {
		doc := store.Document{
			DocumentType:     meta.DocumentType,
			DocumentTitle:    docCtx.DocumentTitle,
			IssuingAuthority: meta.IssuingBody,
			Jurisdiction:     meta.Jurisdiction,
			Status:           meta.Status,
			OriginalURL:      meta.OriginalURL,
			Metadata:         map[string]any{"extracted_text_length": len(text)},
		}
		docID, err = p.store.InsertDocument(ctx, doc)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		cp.DocumentIDDB = &docID
		if err := p.cps.Save(cp); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
	}

	ingestStart := time.Now()
	err = p.ingester.Ingest(ctx, p.cfg.Retrieval.Corpus, docID, meta.OriginalURL, cp, processed)
	p.timeStage(ctx, cp.DocID, "ingest", ingestStart, err)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

// splitStage returns the document's split chunks, reloading the persisted
// chunks artifact when the checkpoint already marks the stage done.
func (p *pipeline) splitStage(ctx context.Context, path string, cp *checkpoint.Checkpoint, meta extractor.Metadata, text string) ([]splitter.Chunk, error) {
	if cp.ChunksCreated && cp.ChunksArtifact != "" {
		raw, err := p.cps.ReadArtifact(ctx, cp.ChunksArtifact)
		if err != nil {
			return nil, fmt.Errorf("reload chunks artifact: %w", err)
		}
		var chunks []splitter.Chunk
		if err := json.Unmarshal(raw, &chunks); err != nil {
			return nil, fmt.Errorf("parse chunks artifact: %w", err)
		}
		return chunks, nil
	}

	splitStart := time.Now()
	opt := splitter.Options{
		DefaultChunkSize:  p.cfg.Ingest.DefaultChunkSize,
		MinChunkSize:      p.cfg.Ingest.MinChunkSize,
		OverlapSize:       p.cfg.Ingest.OverlapSize,
		EnableSubdivision: p.cfg.Ingest.EnableSubdivision,
	}

	var splitChunks []splitter.Chunk
	var err error
	if splitter.IsRegulatory(meta.DocumentType, text) {
		splitChunks = splitter.SplitRegulatory(text, opt)
	} else {
		splitChunks, err = splitter.SplitSemantic(ctx, text, func(ctx context.Context, texts []string) ([][]float32, error) {
			return embedding.EmbedText(ctx, p.cfg.Embedding, texts)
		}, opt)
		if err != nil {
			return nil, fmt.Errorf("split: %w", err)
		}
	}
	if len(splitChunks) == 0 {
		p.timeStage(ctx, cp.DocID, "split", splitStart, fmt.Errorf("no chunks produced"))
		return nil, fmt.Errorf("split: no chunks produced for %s", path)
	}
	p.timeStage(ctx, cp.DocID, "split", splitStart, nil)
	for _, w := range splitter.Validate(splitChunks, opt) {
		log.Warn().Str("path", path).Int("chunk", w.ChunkIndex).Str("reason", w.Reason).Msg("chunk validation warning")
	}

	raw, err := json.Marshal(splitChunks)
	if err != nil {
		return nil, fmt.Errorf("marshal chunks artifact: %w", err)
	}
	artifactPath, err := p.cps.WriteChunksArtifact(ctx, cp.DocID, raw)
	if err != nil {
		return nil, fmt.Errorf("write chunks artifact: %w", err)
	}
	cp.ChunksArtifact = artifactPath
	cp.ChunksCreated = true
	if err := p.cps.Save(*cp); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return splitChunks, nil
}

// processStage returns the enriched chunks, reloading the persisted
// processed artifact when the checkpoint already marks the stage done.
func (p *pipeline) processStage(ctx context.Context, cp *checkpoint.Checkpoint, splitChunks []splitter.Chunk, docCtx chunkproc.DocumentContext) ([]chunkproc.ProcessedChunk, error) {
	if cp.ChunksProcessed && cp.ProcessedArtifact != "" {
		raw, err := p.cps.ReadArtifact(ctx, cp.ProcessedArtifact)
		if err != nil {
			return nil, fmt.Errorf("reload processed artifact: %w", err)
		}
		var processed []chunkproc.ProcessedChunk
		if err := json.Unmarshal(raw, &processed); err != nil {
			return nil, fmt.Errorf("parse processed artifact: %w", err)
		}
		return processed, nil
	}

	processStart := time.Now()
	processed, err := p.chunkproc.ProcessAll(ctx, cp.DocID, splitChunks, docCtx)
	p.timeStage(ctx, cp.DocID, "process", processStart, err)
	if err != nil {
		return nil, fmt.Errorf("process chunks: %w", err)
	}

	raw, err := json.Marshal(processed)
	if err != nil {
		return nil, fmt.Errorf("marshal processed artifact: %w", err)
	}
	artifactPath, err := p.cps.WriteProcessedArtifact(ctx, cp.DocID, raw)
	if err != nil {
		return nil, fmt.Errorf("write processed artifact: %w", err)
	}
	cp.ProcessedArtifact = artifactPath
	cp.ChunksProcessed = true
	if err := p.cps.Save(*cp); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return processed, nil
}

// statusReport is the JSON shape written by `status -report`.
type statusReport struct {
	DocID     string `json:"doc_id"`
	FilePath  string `json:"file_path"`
	Extracted bool   `json:"metadata_extracted"`
	Chunked   bool   `json:"chunks_created"`
	Processed bool   `json:"chunks_processed"`
	Ingested  bool   `json:"ingested"`
	Error     string `json:"error,omitempty"`
}

// statusDocument is the top-level `status -report` envelope: the ingester
// version plus one statusReport per checkpointed document.
type statusDocument struct {
	Version   string         `json:"version"`
	Documents []statusReport `json:"documents"`
}

func runStatus(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	reportPath := fs.String("report", "", "write a JSON status report to this path instead of stdout")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(cfg.Ingest.CheckpointDir)
	if err != nil {
		return fmt.Errorf("read checkpoint dir: %w", err)
	}
	var reports []statusReport
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_checkpoint.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(cfg.Ingest.CheckpointDir, e.Name()))
		if err != nil {
			continue
		}
		var cp checkpoint.Checkpoint
		if json.Unmarshal(raw, &cp) != nil {
			continue
		}
		reports = append(reports, statusReport{
			DocID: cp.DocID, FilePath: cp.FilePath,
			Extracted: cp.MetadataExtracted, Chunked: cp.ChunksCreated,
			Processed: cp.ChunksProcessed, Ingested: cp.Ingested, Error: cp.Error,
		})
	}

	out, err := json.MarshalIndent(statusDocument{Version: version.Version, Documents: reports}, "", "  ")
	if err != nil {
		return err
	}
	if *reportPath != "" {
		return os.WriteFile(*reportPath, out, 0o644)
	}
	fmt.Println(string(out))
	return nil
}

func runRetryFailed(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("retry-failed", flag.ExitOnError)
	file := fs.String("file", "", "quarantine file under pending_chunks/")
	documentID := fs.Int64("document-id", 0, "numeric document id the quarantined chunks belong to")
	originalURL := fs.String("url", "", "original document URL, for date/source metadata")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	return p.ingester.RetryFailed(ctx, cfg.Retrieval.Corpus, *documentID, *originalURL, *file)
}

// runEnqueue publishes one ingest job per file to the Kafka-backed queue,
// for deployments that fan ingest out across worker machines instead of
// the in-process pool "process" already runs.
func runEnqueue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	files := fs.String("files", "", "comma-separated list of document paths")
	folder := fs.String("folder", "", "directory of documents to enqueue")
	brokers := fs.String("brokers", os.Getenv("KAFKA_BROKERS"), "comma-separated Kafka broker addresses")
	topic := fs.String("topic", "ingest-jobs", "Kafka topic to publish jobs to")
	_ = fs.Parse(args)

	paths, err := collectPaths(*files, *folder)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no input documents: pass -files or -folder")
	}
	w, err := ingestqueue.NewWriter(*brokers, *topic)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := ingestqueue.Enqueue(ctx, w, paths); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	log.Info().Int("count", len(paths)).Str("topic", *topic).Msg("ingest jobs enqueued")
	return nil
}

// runWorker consumes the ingest job queue and drives processOne for each
// job; a per-job failure stops that document only and never kills the
// worker loop.
func runWorker(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	brokers := fs.String("brokers", os.Getenv("KAFKA_BROKERS"), "comma-separated Kafka broker addresses")
	topic := fs.String("topic", "ingest-jobs", "Kafka topic to consume jobs from")
	group := fs.String("group", "ingest-workers", "Kafka consumer group id")
	_ = fs.Parse(args)

	r, err := ingestqueue.NewReader(*brokers, *topic, *group)
	if err != nil {
		return err
	}
	defer r.Close()

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	return ingestqueue.Run(ctx, r, func(ctx context.Context, job ingestqueue.Job) error {
		if err := p.processOne(ctx, job.Path); err != nil {
			log.Error().Err(err).Str("path", job.Path).Msg("document failed")
			return err
		}
		return nil
	})
}
