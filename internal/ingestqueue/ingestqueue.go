// Package ingestqueue is the Kafka-backed ingest job queue: the enqueue
// side publishes one job per file, the worker side consumes jobs in a
// reader loop. This lets ingest fan out across machines instead of only
// the in-process worker pool cmd/ragingest's "process" subcommand already
// runs locally.
package ingestqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Job is one file-path ingest task placed on the queue.
type Job struct {
	Path       string    `json:"path"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewWriter builds a kafka.Writer for brokers/topic.
func NewWriter(brokers, topic string) (*kafka.Writer, error) {
	list := splitBrokers(brokers)
	if len(list) == 0 {
		return nil, fmt.Errorf("ingestqueue: no brokers configured")
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(list...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}, nil
}

// Enqueue publishes one job per path.
func Enqueue(ctx context.Context, w *kafka.Writer, paths []string) error {
	msgs := make([]kafka.Message, len(paths))
	now := time.Now().UTC()
	for i, p := range paths {
		body, err := json.Marshal(Job{Path: p, EnqueuedAt: now})
		if err != nil {
			return fmt.Errorf("ingestqueue: marshal job: %w", err)
		}
		msgs[i] = kafka.Message{Key: []byte(p), Value: body}
	}
	return w.WriteMessages(ctx, msgs...)
}

// NewReader builds a kafka.Reader for brokers/topic/groupID, one consumer
// group per worker pool deployment.
func NewReader(brokers, topic, groupID string) (*kafka.Reader, error) {
	list := splitBrokers(brokers)
	if len(list) == 0 {
		return nil, fmt.Errorf("ingestqueue: no brokers configured")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: list,
		Topic:   topic,
		GroupID: groupID,
	}), nil
}

// Run reads jobs from r until ctx is cancelled, calling handle for each.
// Run itself only stops on read errors or cancellation: one bad job must
// not kill the worker loop, so handle errors are left to the handler's own
// logging.
func Run(ctx context.Context, r *kafka.Reader, handle func(ctx context.Context, job Job) error) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingestqueue: fetch: %w", err)
		}
		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			_ = r.CommitMessages(ctx, msg)
			continue
		}
		_ = handle(ctx, job) // per-document failures don't stop the worker loop
		if err := r.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("ingestqueue: commit: %w", err)
		}
	}
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}
