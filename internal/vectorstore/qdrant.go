package vectorstore

import (
	"context"
	"fmt"
	"strings"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ozanlx/lexvec/internal/observability"
)

// Qdrant implements Store against a Qdrant instance over gRPC. The single
// gRPC connection multiplexes all worker traffic, bounding socket use.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrant connects to Qdrant and returns a Store for the collection.
func NewQdrant(ctx context.Context, host string, port int, collection string) (*Qdrant, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// EnsureCollection checks for the collection, creates it when absent and
// reports whether it did.
// A creation race with another ensure call is swallowed: the collection
// existing is the success condition.
func (q *Qdrant) EnsureCollection(ctx context.Context, vectorSize int, distance string) (bool, error) {
	_, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection})
	if err == nil {
		return false, nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != codes.NotFound {
		return false, fmt.Errorf("qdrant get collection: %w", err)
	}

	dist, err := parseDistance(distance)
	if err != nil {
		return false, err
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(vectorSize),
					Distance: dist,
				},
			},
		},
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.AlreadyExists {
			return false, nil
		}
		if strings.Contains(err.Error(), "already exists") {
			return false, nil
		}
		return false, fmt.Errorf("qdrant create collection: %w", err)
	}
	return true, nil
}

func parseDistance(distance string) (pb.Distance, error) {
	switch strings.ToLower(distance) {
	case "", "cosine":
		return pb.Distance_Cosine, nil
	case "dot":
		return pb.Distance_Dot, nil
	case "euclid", "euclidean":
		return pb.Distance_Euclid, nil
	default:
		return pb.Distance_UnknownDistance, fmt.Errorf("unknown distance metric %q", distance)
	}
}

// UpsertPoints writes points in a single request.
func (q *Qdrant) UpsertPoints(ctx context.Context, points []Point) error {
	pts := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		pts[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: toPayload(p.Payload),
		}
	}

	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Points:         pts,
	})
	return err
}

// ScrollDocIDs pages through the whole collection reading only the doc_id
// payload field.
func (q *Qdrant) ScrollDocIDs(ctx context.Context) (map[string]struct{}, error) {
	ctx, span := observability.StartScrollSpan(ctx, q.collection)
	defer span.End()

	ids := make(map[string]struct{})
	limit := uint32(1000)
	var offset *pb.PointId

	for {
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: q.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Include{
					Include: &pb.PayloadIncludeSelector{Fields: []string{"doc_id"}},
				},
			},
		})
		if err != nil {
			err = fmt.Errorf("qdrant scroll: %w", err)
			observability.RecordError(span, err)
			return nil, err
		}
		for _, pt := range resp.Result {
			if v, ok := pt.Payload["doc_id"]; ok {
				if id := v.GetStringValue(); id != "" {
					ids[id] = struct{}{}
				}
			}
		}
		if resp.NextPageOffset == nil {
			return ids, nil
		}
		offset = resp.NextPageOffset
	}
}

// Search finds the top-k most similar points.
func (q *Qdrant) Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	ctx, span := observability.StartSearchSpan(ctx, q.collection, topK)
	defer span.End()

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	results := make([]SearchResult, len(resp.Result))
	for i, pt := range resp.Result {
		results[i] = SearchResult{
			ID:      pt.Id.GetUuid(),
			Score:   pt.Score,
			Payload: fromPayload(pt.Payload),
		}
	}
	return results, nil
}

// Ping verifies the store is reachable and the collection exists. A
// single metadata read, cheap enough for readiness probes.
func (q *Qdrant) Ping(ctx context.Context) error {
	if _, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection}); err != nil {
		return fmt.Errorf("qdrant get collection: %w", err)
	}
	return nil
}

func (q *Qdrant) Close() error {
	return q.conn.Close()
}

func toPayload(payload map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: val}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: val}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(val)}}
		}
	}
	return out
}

func fromPayload(payload map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.Kind.(type) {
		case *pb.Value_StringValue:
			out[k] = kind.StringValue
		case *pb.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *pb.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *pb.Value_BoolValue:
			out[k] = kind.BoolValue
		default:
			out[k] = v.String()
		}
	}
	return out
}

var _ Store = (*Qdrant)(nil)
