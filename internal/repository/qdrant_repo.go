package repository

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksuzuki/vaultsearch/internal/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	defaultVectorDimension = 1024
)

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	Collection      string
	APIKey          string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS          bool   // Explicitly enable TLS without API Key
	VectorDimension int
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository handles vector index operations against Qdrant.
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
}

// NewQdrantRepository creates a new QdrantRepository.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key).
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	vectorDimension := cfg.VectorDimension
	if vectorDimension <= 0 {
		vectorDimension = defaultVectorDimension
	}

	var opts []grpc.DialOption

	useTLS := cfg.UseTLS || cfg.APIKey != ""
	if useTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		collectionName:  cfg.Collection,
		vectorDimension: vectorDimension,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok {
			if size != uint64(r.vectorDimension) {
				return fmt.Errorf("collection %s has vector size %d, expected %d", r.collectionName, size, r.vectorDimension)
			}
		}
		return nil
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}
	config := info.GetConfig()
	if config == nil {
		return 0, false
	}
	params := config.GetParams()
	if params == nil {
		return 0, false
	}
	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}
	if paramsMap := vectors.GetParamsMap(); paramsMap != nil {
		for _, vectorParams := range paramsMap.GetMap() {
			if vectorParams == nil {
				continue
			}
			if size := vectorParams.GetSize(); size > 0 {
				return size, true
			}
		}
	}
	return 0, false
}

// PointIDForFile derives the Qdrant point UUID for a file id. The mapping is
// deterministic so re-indexing the same file always overwrites the same
// point, never appends a duplicate.
func PointIDForFile(fileID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("vaultsearch:"+fileID)).String()
}

// FilePayload represents the payload stored with each vector point.
type FilePayload struct {
	FileID     string `json:"file_id"`
	Path       string `json:"path"`
	Name       string `json:"name"`
	MediaKind  string `json:"media_kind"`
	ModifiedAt int64  `json:"modified_at"`
}

// Upsert inserts or updates the vector point for a file.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - fileID: vault file id; the point id is derived from it.
//   - vector: embedding vector.
//   - payload: filterable metadata stored with the point.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *QdrantRepository) Upsert(ctx context.Context, fileID string, vector []float32, payload *FilePayload) error {
	points := []*pb.PointStruct{
		{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{
					Uuid: PointIDForFile(fileID),
				},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{
						Data: vector,
					},
				},
			},
			Payload: map[string]*pb.Value{
				"file_id":     {Kind: &pb.Value_StringValue{StringValue: payload.FileID}},
				"path":        {Kind: &pb.Value_StringValue{StringValue: payload.Path}},
				"name":        {Kind: &pb.Value_StringValue{StringValue: payload.Name}},
				"media_kind":  {Kind: &pb.Value_StringValue{StringValue: payload.MediaKind}},
				"modified_at": {Kind: &pb.Value_IntegerValue{IntegerValue: payload.ModifiedAt}},
			},
		},
	}

	_, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}

	return nil
}

// VectorHit is one scored result from a vector search.
type VectorHit struct {
	FileID     string
	Score      float32
	Path       string
	Name       string
	MediaKind  string
	ModifiedAt time.Time
}

// Search performs an approximate nearest-neighbor search with an optional
// score floor and structured pre-filters.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - vector: query embedding.
//   - limit: maximum hits to return.
//   - scoreFloor: minimum similarity score; 0 disables the floor.
//   - filters: optional structured filters applied inside the query.
// Returns:
//   - []VectorHit: scored hits.
//   - error: non-nil if the search fails.
func (r *QdrantRepository) Search(ctx context.Context, vector []float32, limit int, scoreFloor float32, filters *domain.SearchFilters) ([]VectorHit, error) {
	req := &pb.SearchPoints{
		CollectionName: r.collectionName,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}

	if scoreFloor > 0 {
		req.ScoreThreshold = &scoreFloor
	}
	if filters != nil {
		req.Filter = buildFilter(filters)
	}

	resp, err := r.pointsClient.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]VectorHit, 0, len(resp.Result))
	for _, scored := range resp.Result {
		hit := VectorHit{Score: scored.Score}
		if p := scored.Payload; p != nil {
			if v, ok := p["file_id"]; ok {
				hit.FileID = v.GetStringValue()
			}
			if v, ok := p["path"]; ok {
				hit.Path = v.GetStringValue()
			}
			if v, ok := p["name"]; ok {
				hit.Name = v.GetStringValue()
			}
			if v, ok := p["media_kind"]; ok {
				hit.MediaKind = v.GetStringValue()
			}
			if v, ok := p["modified_at"]; ok {
				hit.ModifiedAt = time.Unix(v.GetIntegerValue(), 0).UTC()
			}
		}
		if hit.FileID == "" {
			continue
		}
		results = append(results, hit)
	}

	return results, nil
}

func buildFilter(filters *domain.SearchFilters) *pb.Filter {
	var conditions []*pb.Condition

	if filters.MediaKind != nil && *filters.MediaKind != "" {
		conditions = append(conditions, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: "media_kind",
					Match: &pb.Match{
						MatchValue: &pb.Match_Keyword{Keyword: string(*filters.MediaKind)},
					},
				},
			},
		})
	}

	if filters.PathPrefix != nil && *filters.PathPrefix != "" {
		conditions = append(conditions, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: "path",
					Match: &pb.Match{
						MatchValue: &pb.Match_Text{Text: *filters.PathPrefix},
					},
				},
			},
		})
	}

	if filters.ModifiedAfter != nil || filters.ModifiedBefore != nil {
		rangeCond := &pb.Range{}
		if filters.ModifiedAfter != nil {
			gte := float64(filters.ModifiedAfter.Unix())
			rangeCond.Gte = &gte
		}
		if filters.ModifiedBefore != nil {
			lte := float64(filters.ModifiedBefore.Unix())
			rangeCond.Lte = &lte
		}
		conditions = append(conditions, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   "modified_at",
					Range: rangeCond,
				},
			},
		})
	}

	if len(conditions) == 0 {
		return nil
	}

	return &pb.Filter{
		Must: conditions,
	}
}

// Delete removes the vector point for a file id. Deleting a point that does
// not exist is not an error.
func (r *QdrantRepository) Delete(ctx context.Context, fileID string) error {
	_, err := r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{
						{PointIdOptions: &pb.PointId_Uuid{Uuid: PointIDForFile(fileID)}},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}

	return nil
}
