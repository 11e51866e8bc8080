// Package config loads environment-driven configuration:
// godotenv.Overload() picks up a local .env, strings.TrimSpace(os.Getenv)
// plus typed helpers parse scalars, defaults are applied post-merge, and
// required provider keys fail fast. An optional CONFIG_FILE YAML overlay
// pins retrieval/rerank/ingest tunables in a deployable file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Config is the process-wide configuration tree. It is always
// constructor-passed (via Load) and never held in a package-level global.
type Config struct {
	Workdir     string
	LogPath     string
	LogLevel    string
	LogPayloads bool

	LLMClient LLMClientConfig
	OpenAI    OpenAIConfig // convenience alias kept in sync with LLMClient.OpenAI
	Embedding EmbeddingConfig

	DB  DBConfig
	Obs ObsConfig
	S3  S3Config

	Retrieval RetrievalConfig
	Rerank    RerankConfig
	Report    ReportConfig
	Ingest    IngestConfig
	RateLimit RateLimitConfig
	Tokenizer TokenizerConfig
	Cache     CacheConfig
	Analytics AnalyticsConfig
}

// LLMClientConfig selects and configures the active LLM capability
// backend: both provider adapters may be configured at once, with Provider
// picking the active one.
type LLMClientConfig struct {
	Provider  string // "openai" | "anthropic"
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
}

type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	SummaryModel   string
	SummaryBaseURL string
	API            string // "completions" (default) or "responses"
	ExtraParams    map[string]any
	ExtraHeaders   map[string]string
	LogPayloads    bool
}

type AnthropicPromptCacheConfig struct {
	Enabled       bool
	CacheSystem   bool
	CacheTools    bool
	CacheMessages bool
}

type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	PromptCache AnthropicPromptCacheConfig
	ExtraParams map[string]any
}

// EmbeddingConfig is the embedding capability backend. A bare HTTP
// endpoint is supported directly (used by self-hosted embedding servers);
// provider SDKs route through llmcap instead.
type EmbeddingConfig struct {
	BaseURL   string
	Path      string
	Model     string
	APIKey    string
	APIHeader string // header name carrying APIKey, e.g. "Authorization"
	Provider  string
	Timeout   int // seconds
}

// DBConfig is the relational + vector store capability backend selection.
type DBConfig struct {
	DefaultDSN string
	Vector     VectorConfig
}

type VectorConfig struct {
	Backend    string // "postgres" | "qdrant"
	DSN        string
	Dimensions int
	Metric     string
	Index      string
}

// ObsConfig configures the OpenTelemetry tracing/metrics exporters.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

type S3SSEConfig struct {
	Mode     string // "" | "AES256" | "aws:kms"
	KMSKeyID string
}

// S3Config backs internal/objectstore's remote artifact store for ingest
// intermediates when WORKDIR points at an S3-compatible bucket.
type S3Config struct {
	Bucket                string
	Prefix                string
	Region                string
	Endpoint              string
	AccessKey             string
	SecretKey             string
	UsePathStyle          bool
	TLSInsecureSkipVerify bool
	SSE                   S3SSEConfig
}

// RetrievalConfig carries the hybrid retriever's tunables. Corpus is a
// runtime parameter so per-jurisdiction table names (pd_peru, pd_mex, ...)
// are configuration, not code.
type RetrievalConfig struct {
	Corpus            string
	MaxChunksReturned int // vector fan-out width, 25-35
	MaxTotalTokens    int // 100000
	ClusterMatchCount int // per-cluster fan-out width, default 5
	LexicalMatchLimit int // BM25 result cap, default 15
	TokenizerModel    string
}

// RerankConfig carries the LLM reranker's tunables.
type RerankConfig struct {
	MaxChunksForReranking int // 15-35, pre-rank cutoff before LLM scoring
	MaxChunksKeepNormal   int // 8-22
	MaxChunksKeepReports  int // 12-28
	CacheTTLSeconds       int // 3600
	CacheCapacity         int // 100
	DiversifyThreshold    float64
}

// ReportConfig configures the report path's template. TemplatePath points
// at a plain-text template whose {{section}} placeholders the orchestrator
// fills; empty selects the built-in default template.
type ReportConfig struct {
	TemplatePath string
}

// IngestConfig carries the ingestion pipeline's tunables.
type IngestConfig struct {
	CheckpointDir     string
	PendingChunksDir  string
	DefaultChunkSize  int // 8000
	MinChunkSize      int // 200
	OverlapSize       int // 75
	ProcessBatchSize  int // 5
	InsertBatchSize   int // 5
	MaxProcessWorkers int // 5
	MaxConcurrentDocs int // 2
	LLMModel          string
	LLMModelAdvanced  string
	EmbeddingModel    string
	EnableSubdivision bool
}

// RateLimitConfig configures the rate-limited external call wrapper.
type RateLimitConfig struct {
	RPMLimit    int // 450
	MaxAttempts int // 5
	MinBackoffS int // 1
	MaxBackoffS int // 60
}

type TokenizerConfig struct {
	Model string // cl100k_base-class model name used for CountTokens/TruncateToTokens
}

// AnalyticsConfig configures the ClickHouse ingest+retrieval telemetry
// sink. Empty DSN means analytics.NopSink is used.
type AnalyticsConfig struct {
	ClickHouseDSN string
}

// CacheConfig selects the ResponseCache backing store: "memory" (default,
// a single replica) or "redis" (shared across replicas). The reranker's TTL
// cache is always in-process.
type CacheConfig struct {
	Backend       string // "memory" | "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads configuration from environment variables (optionally from a
// local .env via godotenv.Overload), applies defaults, and fails fast if a
// required provider key is missing for the selected LLMClient.Provider.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}
	cfg.Workdir = strings.TrimSpace(os.Getenv("WORKDIR"))
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	cfg.LogPayloads = envBool("LOG_PAYLOADS", false)

	cfg.LLMClient.Provider = firstNonEmpty(strings.TrimSpace(os.Getenv("LLM_PROVIDER")), "openai")
	cfg.OpenAI = OpenAIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL:        strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		Model:          firstNonEmpty(strings.TrimSpace(os.Getenv("LLM_MODEL")), strings.TrimSpace(os.Getenv("OPENAI_MODEL"))),
		SummaryModel:   strings.TrimSpace(os.Getenv("OPENAI_SUMMARY_MODEL")),
		SummaryBaseURL: strings.TrimSpace(os.Getenv("OPENAI_SUMMARY_URL")),
		API:            firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_API")), "completions"),
		LogPayloads:    cfg.LogPayloads,
	}
	cfg.LLMClient.OpenAI = cfg.OpenAI
	cfg.LLMClient.Anthropic = AnthropicConfig{
		APIKey:  strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		BaseURL: strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")),
		Model:   strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")),
	}
	cfg.Embedding = EmbeddingConfig{
		BaseURL:   strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL")),
		Path:      firstNonEmpty(strings.TrimSpace(os.Getenv("EMBEDDING_PATH")), "/v1/embeddings"),
		Model:     firstNonEmpty(strings.TrimSpace(os.Getenv("EMBEDDING_MODEL")), "text-embedding-3-small"),
		APIKey:    strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY")),
		APIHeader: firstNonEmpty(strings.TrimSpace(os.Getenv("EMBEDDING_API_HEADER")), "Authorization"),
		Timeout:   envInt("EMBEDDING_TIMEOUT_SECONDS", 30),
	}

	cfg.DB = DBConfig{
		DefaultDSN: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Vector: VectorConfig{
			Backend:    firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_BACKEND")), "postgres"),
			DSN:        strings.TrimSpace(os.Getenv("VECTOR_DSN")),
			Dimensions: envInt("EMBEDDING_DIMENSIONS", 1536),
			Metric:     firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_METRIC")), "cosine"),
		},
	}

	cfg.Obs = ObsConfig{
		OTLP:           strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:    firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "regdocqa"),
		ServiceVersion: strings.TrimSpace(os.Getenv("OTEL_SERVICE_VERSION")),
		Environment:    firstNonEmpty(strings.TrimSpace(os.Getenv("APP_ENV")), "development"),
	}

	cfg.S3 = S3Config{
		Bucket:                strings.TrimSpace(os.Getenv("S3_BUCKET")),
		Prefix:                strings.TrimSpace(os.Getenv("S3_PREFIX")),
		Region:                strings.TrimSpace(os.Getenv("S3_REGION")),
		Endpoint:              strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		AccessKey:             strings.TrimSpace(os.Getenv("S3_ACCESS_KEY")),
		SecretKey:             strings.TrimSpace(os.Getenv("S3_SECRET_KEY")),
		UsePathStyle:          envBool("S3_USE_PATH_STYLE", false),
		TLSInsecureSkipVerify: envBool("S3_TLS_INSECURE_SKIP_VERIFY", false),
	}

	cfg.Retrieval = RetrievalConfig{
		Corpus:            firstNonEmpty(strings.TrimSpace(os.Getenv("RETRIEVAL_CORPUS")), "pd_mex"),
		MaxChunksReturned: envInt("MAX_CHUNKS_RETURNED", 30),
		MaxTotalTokens:    envInt("MAX_TOTAL_TOKENS", 100000),
		ClusterMatchCount: envInt("CLUSTER_MATCH_COUNT", 5),
		LexicalMatchLimit: envInt("LEXICAL_MATCH_LIMIT", 15),
		TokenizerModel:    firstNonEmpty(strings.TrimSpace(os.Getenv("TOKENIZER_MODEL")), "gpt-4"),
	}

	cfg.Rerank = RerankConfig{
		MaxChunksForReranking: envInt("MAX_CHUNKS_FOR_RERANKING", 15),
		MaxChunksKeepNormal:   envInt("MAX_CHUNKS_TO_KEEP_NORMAL", 8),
		MaxChunksKeepReports:  envInt("MAX_CHUNKS_TO_KEEP_REPORTS", 12),
		CacheTTLSeconds:       envInt("RERANK_CACHE_TTL_SECONDS", 3600),
		CacheCapacity:         envInt("RERANK_CACHE_CAPACITY", 100),
		DiversifyThreshold:    envFloat("RERANK_DIVERSIFY_THRESHOLD", 0.8),
	}

	cfg.Report = ReportConfig{
		TemplatePath: strings.TrimSpace(os.Getenv("REPORT_TEMPLATE")),
	}

	cfg.Ingest = IngestConfig{
		CheckpointDir:     firstNonEmpty(strings.TrimSpace(os.Getenv("CHECKPOINT_DIR")), "./data/checkpoints"),
		PendingChunksDir:  firstNonEmpty(strings.TrimSpace(os.Getenv("PENDING_CHUNKS_DIR")), "./data/pending_chunks"),
		DefaultChunkSize:  envInt("DEFAULT_CHUNK_SIZE", 8000),
		MinChunkSize:      envInt("MIN_CHUNK_SIZE", 200),
		OverlapSize:       envInt("OVERLAP_SIZE", 75),
		ProcessBatchSize:  envInt("PROCESS_BATCH_SIZE", 5),
		InsertBatchSize:   envInt("INSERT_BATCH_SIZE", 5),
		MaxProcessWorkers: envInt("MAX_PROCESS_WORKERS", 5),
		MaxConcurrentDocs: envInt("MAX_CONCURRENT_DOCUMENTS", 2),
		LLMModel:          strings.TrimSpace(os.Getenv("LLM_MODEL")),
		LLMModelAdvanced:  strings.TrimSpace(os.Getenv("LLM_MODEL_ADVANCED")),
		EmbeddingModel:    cfg.Embedding.Model,
	}

	cfg.RateLimit = RateLimitConfig{
		RPMLimit:    envInt("OPENAI_RPM_LIMIT", 450),
		MaxAttempts: envInt("RATE_LIMIT_MAX_ATTEMPTS", 5),
		MinBackoffS: envInt("RATE_LIMIT_MIN_BACKOFF_SECONDS", 1),
		MaxBackoffS: envInt("RATE_LIMIT_MAX_BACKOFF_SECONDS", 60),
	}

	cfg.Tokenizer = TokenizerConfig{
		Model: cfg.Retrieval.TokenizerModel,
	}

	cfg.Cache = CacheConfig{
		Backend:       firstNonEmpty(strings.TrimSpace(os.Getenv("CACHE_BACKEND")), "memory"),
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		RedisDB:       envInt("REDIS_DB", 0),
	}

	cfg.Analytics = AnalyticsConfig{
		ClickHouseDSN: strings.TrimSpace(os.Getenv("CLICKHOUSE_DSN")),
	}

	if cfg.Workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, fmt.Errorf("resolve workdir: %w", err)
		}
		cfg.Workdir = wd
	}
	abs, err := filepath.Abs(cfg.Workdir)
	if err != nil {
		return cfg, fmt.Errorf("resolve workdir: %w", err)
	}
	cfg.Workdir = abs

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyOverlayFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.validateProviderKey(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// overlay is an optional YAML file (CONFIG_FILE) that can override the
// tunables env vars leave at their defaults. os.ExpandEnv runs over the
// raw bytes before yaml.Unmarshal so ${VAR} references still resolve
// against the process environment.
type overlay struct {
	Retrieval *struct {
		Corpus            string `yaml:"corpus"`
		MaxChunksReturned int    `yaml:"maxChunksReturned"`
		MaxTotalTokens    int    `yaml:"maxTotalTokens"`
		ClusterMatchCount int    `yaml:"clusterMatchCount"`
		LexicalMatchLimit int    `yaml:"lexicalMatchLimit"`
	} `yaml:"retrieval"`
	Rerank *struct {
		MaxChunksForReranking int     `yaml:"maxChunksForReranking"`
		MaxChunksKeepNormal   int     `yaml:"maxChunksKeepNormal"`
		MaxChunksKeepReports  int     `yaml:"maxChunksKeepReports"`
		DiversifyThreshold    float64 `yaml:"diversifyThreshold"`
	} `yaml:"rerank"`
	Ingest *struct {
		DefaultChunkSize  int `yaml:"defaultChunkSize"`
		MinChunkSize      int `yaml:"minChunkSize"`
		OverlapSize       int `yaml:"overlapSize"`
		MaxProcessWorkers int `yaml:"maxProcessWorkers"`
		MaxConcurrentDocs int `yaml:"maxConcurrentDocs"`
	} `yaml:"ingest"`
}

// applyOverlayFile loads path and merges any set fields onto cfg. A missing
// file is an error (the operator asked for it explicitly via CONFIG_FILE);
// a set field always wins over the env-derived default.
func applyOverlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read CONFIG_FILE %s: %w", path, err)
	}
	data = []byte(os.ExpandEnv(string(data)))
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("config: parse CONFIG_FILE %s: %w", path, err)
	}
	if o.Retrieval != nil {
		if o.Retrieval.Corpus != "" {
			cfg.Retrieval.Corpus = o.Retrieval.Corpus
		}
		if o.Retrieval.MaxChunksReturned > 0 {
			cfg.Retrieval.MaxChunksReturned = o.Retrieval.MaxChunksReturned
		}
		if o.Retrieval.MaxTotalTokens > 0 {
			cfg.Retrieval.MaxTotalTokens = o.Retrieval.MaxTotalTokens
		}
		if o.Retrieval.ClusterMatchCount > 0 {
			cfg.Retrieval.ClusterMatchCount = o.Retrieval.ClusterMatchCount
		}
		if o.Retrieval.LexicalMatchLimit > 0 {
			cfg.Retrieval.LexicalMatchLimit = o.Retrieval.LexicalMatchLimit
		}
	}
	if o.Rerank != nil {
		if o.Rerank.MaxChunksForReranking > 0 {
			cfg.Rerank.MaxChunksForReranking = o.Rerank.MaxChunksForReranking
		}
		if o.Rerank.MaxChunksKeepNormal > 0 {
			cfg.Rerank.MaxChunksKeepNormal = o.Rerank.MaxChunksKeepNormal
		}
		if o.Rerank.MaxChunksKeepReports > 0 {
			cfg.Rerank.MaxChunksKeepReports = o.Rerank.MaxChunksKeepReports
		}
		if o.Rerank.DiversifyThreshold > 0 {
			cfg.Rerank.DiversifyThreshold = o.Rerank.DiversifyThreshold
		}
	}
	if o.Ingest != nil {
		if o.Ingest.DefaultChunkSize > 0 {
			cfg.Ingest.DefaultChunkSize = o.Ingest.DefaultChunkSize
		}
		if o.Ingest.MinChunkSize > 0 {
			cfg.Ingest.MinChunkSize = o.Ingest.MinChunkSize
		}
		if o.Ingest.OverlapSize > 0 {
			cfg.Ingest.OverlapSize = o.Ingest.OverlapSize
		}
		if o.Ingest.MaxProcessWorkers > 0 {
			cfg.Ingest.MaxProcessWorkers = o.Ingest.MaxProcessWorkers
		}
		if o.Ingest.MaxConcurrentDocs > 0 {
			cfg.Ingest.MaxConcurrentDocs = o.Ingest.MaxConcurrentDocs
		}
	}
	return nil
}

func (c Config) validateProviderKey() error {
	switch strings.ToLower(c.LLMClient.Provider) {
	case "", "openai":
		if c.LLMClient.OpenAI.APIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required for llm provider %q", c.LLMClient.Provider)
		}
	case "anthropic":
		if c.LLMClient.Anthropic.APIKey == "" {
			return fmt.Errorf("config: ANTHROPIC_API_KEY is required for llm provider anthropic")
		}
	default:
		return fmt.Errorf("config: unsupported LLM_PROVIDER %q", c.LLMClient.Provider)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
