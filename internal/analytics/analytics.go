// Package analytics is the ingest + retrieval telemetry sink, an
// analytical store separate from the hot-path Postgres: parse a ClickHouse
// DSN, open a native connection, bootstrap an append-only table, insert
// one row per observation (per-stage ingest latency, per-query retrieval
// latency and chunk counts).
package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Sink records the operational events the hot and batch paths produce.
// NopSink is the default when no ClickHouse DSN is configured.
type Sink interface {
	RecordRetrieval(ctx context.Context, query string, duration time.Duration, chunkCount int) error
	RecordIngestStage(ctx context.Context, docID, stage string, duration time.Duration, errMsg string) error
}

type NopSink struct{}

func (NopSink) RecordRetrieval(context.Context, string, time.Duration, int) error { return nil }
func (NopSink) RecordIngestStage(context.Context, string, string, time.Duration, string) error {
	return nil
}

// ClickHouseSink is the default non-trivial Sink.
type ClickHouseSink struct {
	conn clickhouse.Conn
}

// NewClickHouseSink opens a native ClickHouse connection from dsn and
// bootstraps the two append-only tables this package writes to. Callers
// with no DSN configured should use NopSink instead of calling this.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("analytics: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, retrievalTableDDL); err != nil {
		return nil, fmt.Errorf("analytics: bootstrap retrieval_events: %w", err)
	}
	if err := conn.Exec(ctx, ingestTableDDL); err != nil {
		return nil, fmt.Errorf("analytics: bootstrap ingest_stage_events: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

const retrievalTableDDL = `
CREATE TABLE IF NOT EXISTS retrieval_events (
    ts DateTime DEFAULT now(),
    query String,
    duration_ms UInt32,
    chunk_count UInt16
) ENGINE = MergeTree() ORDER BY ts`

const ingestTableDDL = `
CREATE TABLE IF NOT EXISTS ingest_stage_events (
    ts DateTime DEFAULT now(),
    doc_id String,
    stage String,
    duration_ms UInt32,
    error String
) ENGINE = MergeTree() ORDER BY ts`

func (s *ClickHouseSink) RecordRetrieval(ctx context.Context, query string, duration time.Duration, chunkCount int) error {
	return s.conn.Exec(ctx, `INSERT INTO retrieval_events (query, duration_ms, chunk_count) VALUES (?, ?, ?)`,
		query, uint32(duration.Milliseconds()), uint16(chunkCount))
}

func (s *ClickHouseSink) RecordIngestStage(ctx context.Context, docID, stage string, duration time.Duration, errMsg string) error {
	return s.conn.Exec(ctx, `INSERT INTO ingest_stage_events (doc_id, stage, duration_ms, error) VALUES (?, ?, ?, ?)`,
		docID, stage, uint32(duration.Milliseconds()), errMsg)
}
