package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadIDField stashes the caller-supplied id in the payload, because
// Qdrant point ids must be a UUID or a positive integer: we derive a
// deterministic UUID from the caller id and keep the original around for
// round-tripping it back out of Query results.
const payloadIDField = "_original_id"

// QdrantIndex is the production Index implementation, grounded on this
// codebase's Qdrant-backed vector store: a gRPC client, deterministic
// UUIDs for non-UUID ids, and filter-based upsert/query/delete.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string
}

// NewQdrantIndex parses dsn (host[:port] with an optional api_key query
// param, e.g. "http://localhost:6334?api_key=...") and ensures the
// collection exists with the requested dimension/metric.
func NewQdrantIndex(dsn, collection string, dimensions int, metric string) (*QdrantIndex, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if key := parsed.Query().Get("api_key"); key != "" {
		cfg.APIKey = key
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	idx := &QdrantIndex{
		client:     client,
		collection: collection,
		dimension:  dimensions,
		metric:     strings.ToLower(strings.TrimSpace(metric)),
	}
	if err := idx.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
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
		return fmt.Errorf("qdrant requires dimensions > 0")
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: distance,
		}),
	})
}

func pointIDFor(id string) (uuidStr string, stashOriginal bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

func (q *QdrantIndex) Upsert(ctx context.Context, vectors []Vector) error {
	points := make([]*qdrant.PointStruct, 0, len(vectors))
	for _, v := range vectors {
		uuidStr, stash := pointIDFor(v.ID)
		metadataAny := make(map[string]any, len(v.Metadata)+1)
		for k, val := range v.Metadata {
			metadataAny[k] = val
		}
		if stash {
			metadataAny[payloadIDField] = v.ID
		}
		vec := make([]float32, len(v.Values))
		copy(vec, v.Values)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(metadataAny),
		})
	}
	if len(points) == 0 {
		return nil
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func buildFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		must = append(must, qdrant.NewMatch(k, v))
	}
	return &qdrant.Filter{Must: must}
}

func (q *QdrantIndex) Query(ctx context.Context, vector []float32, filter Filter, k int) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	limit := uint64(k)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         buildFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}
	out := make([]Match, 0, len(hits))
	for _, hit := range hits {
		uuidStr := hit.Id.GetUuid()
		if uuidStr == "" {
			uuidStr = hit.Id.String()
		}
		metadata := make(map[string]string)
		originalID := ""
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == payloadIDField {
					originalID = v.GetStringValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		id := originalID
		if id == "" {
			id = uuidStr
		}
		out = append(out, Match{ID: id, Score: float64(hit.Score), Metadata: metadata})
	}
	return out, nil
}

func (q *QdrantIndex) DeleteByFilter(ctx context.Context, filter Filter) error {
	f := buildFilter(filter)
	if f == nil {
		return fmt.Errorf("delete by filter requires a non-empty filter")
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: f},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant delete by filter: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Dimension() int { return q.dimension }

func (q *QdrantIndex) Close() error { return q.client.Close() }

var _ Index = (*QdrantIndex)(nil)
