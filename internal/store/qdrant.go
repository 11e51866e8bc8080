package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/qdrant/go-client/qdrant"
)

// Qdrant only accepts UUID or positive-integer point ids, so a non-UUID
// chunk id is rehashed into a deterministic UUID and the original id is
// carried in the payload under this key.
const qdrantOriginalIDField = "_original_id"

// Qdrant is the Capability implementation selected by VECTOR_BACKEND=qdrant,
// for deployments that externalize vector search from Postgres. It
// delegates every relational and scan/filter call to an embedded Postgres;
// only vector match and the chunk write/delete path additionally touch
// Qdrant.
type Qdrant struct {
	*Postgres
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string
}

// NewQdrant dials Qdrant's gRPC API (default port 6334) and wraps pool for
// the relational half of Capability. dsn accepts an optional api_key query
// parameter, e.g. "http://localhost:6334?api_key=...".
func NewQdrant(dsn string, collection string, dimensions int, metric string, pool *pgxpool.Pool) (*Qdrant, error) {
	if collection == "" {
		return nil, fmt.Errorf("store: qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("store: invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create qdrant client: %w", err)
	}
	q := &Qdrant{
		Postgres:   NewPostgres(pool, dimensions),
		client:     client,
		collection: collection,
		dimension:  dimensions,
		metric:     strings.ToLower(strings.TrimSpace(metric)),
	}
	return q, nil
}

// EnsureCorpus bootstraps the relational tables (via the embedded Postgres)
// plus the Qdrant collection for corpus. Qdrant collections are global, not
// per-corpus, so corpus is folded into the collection name.
func (q *Qdrant) EnsureCorpus(ctx context.Context, corpus string) error {
	if err := q.Postgres.EnsureCorpus(ctx, corpus); err != nil {
		return err
	}
	return q.ensureCollection(ctx, corpus)
}

func (q *Qdrant) ensureCollection(ctx context.Context, corpus string) error {
	name := q.collectionName(corpus)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("store: check qdrant collection: %w", err)
	}
	if exists {
		return nil
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	if q.dimension <= 0 {
		return fmt.Errorf("store: qdrant requires positive embedding dimensions")
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: distance,
		}),
	})
	if err != nil {
		return fmt.Errorf("store: create qdrant collection: %w", err)
	}
	return nil
}

func (q *Qdrant) collectionName(corpus string) string { return q.collection + "_" + corpus }

func qdrantPointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// InsertChunk writes the chunk to Postgres (source of truth for scan/filter
// and content retrieval) and upserts its embedding into Qdrant.
func (q *Qdrant) InsertChunk(ctx context.Context, corpus string, c Chunk) error {
	if err := q.Postgres.InsertChunk(ctx, corpus, c); err != nil {
		return err
	}
	pointID := qdrantPointID(c.ID)
	payload := map[string]any{}
	if pointID != c.ID {
		payload[qdrantOriginalIDField] = c.ID
	}
	vec := make([]float32, len(c.Embedding))
	copy(vec, c.Embedding)
	points := []*qdrant.PointStruct{{
		Id:      qdrant.NewIDUUID(pointID),
		Vectors: qdrant.NewVectorsDense(vec),
		Payload: qdrant.NewValueMap(payload),
	}}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName(corpus),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("store: qdrant upsert: %w", err)
	}
	return nil
}

func (q *Qdrant) UpdateChunk(ctx context.Context, corpus string, c Chunk) error {
	return q.InsertChunk(ctx, corpus, c)
}

func (q *Qdrant) DeleteChunk(ctx context.Context, corpus string, id string) error {
	if err := q.Postgres.DeleteChunk(ctx, corpus, id); err != nil {
		return err
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName(corpus),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(qdrantPointID(id))),
	})
	if err != nil {
		return fmt.Errorf("store: qdrant delete: %w", err)
	}
	return nil
}

// VectorMatch queries Qdrant for the nearest chunk ids, then fetches their
// content/title/metadata from Postgres, since Qdrant's payload here only
// carries the id remap, not full chunk content.
func (q *Qdrant) VectorMatch(ctx context.Context, corpus string, queryEmbedding []float32, matchCount int) ([]Row, error) {
	if err := validateCorpusName(corpus); err != nil {
		return nil, err
	}
	if matchCount <= 0 {
		matchCount = 25
	}
	vec := make([]float32, len(queryEmbedding))
	copy(vec, queryEmbedding)
	limit := uint64(matchCount)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collectionName(corpus),
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("store: qdrant query: %w", err)
	}
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, originalChunkID(hit))
	}
	return q.rowsByID(ctx, corpus, ids)
}

func originalChunkID(hit *qdrant.ScoredPoint) string {
	if hit.Payload != nil {
		if v, ok := hit.Payload[qdrantOriginalIDField]; ok {
			if s := v.GetStringValue(); s != "" {
				return s
			}
		}
	}
	if uuidStr := hit.Id.GetUuid(); uuidStr != "" {
		return uuidStr
	}
	return hit.Id.String()
}

// rowsByID fetches rows for ids from Postgres, preserving Qdrant's
// relevance order (the corpus table has no ORDER BY ARRAY_POSITION
// portability guarantee across the pgvector/pgx stack used elsewhere in
// this package, so ordering is restored client-side).
func (q *Qdrant) rowsByID(ctx context.Context, corpus string, ids []string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.Postgres.queryRows(ctx,
		fmt.Sprintf(`SELECT id, title, content, metadata || jsonb_build_object('summary', summary, 'document_id', document_id) FROM %s WHERE id = ANY($1)`, pq(corpus)), ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Row, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	ordered := make([]Row, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			ordered = append(ordered, r)
		}
	}
	return ordered, nil
}

// Close releases the underlying Qdrant gRPC connection.
func (q *Qdrant) Close() error { return q.client.Close() }
