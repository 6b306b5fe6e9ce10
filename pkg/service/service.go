// Package service ties the coercion layer, the inference pipeline, the face
// index and the descriptor cache together behind one interface.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gogo/status"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/visagekit/face-backend/config"
	"github.com/visagekit/face-backend/pkg/datamodel"
	"github.com/visagekit/face-backend/pkg/engine"
	"github.com/visagekit/face-backend/pkg/logger"
	"github.com/visagekit/face-backend/pkg/netinput"
	"github.com/visagekit/face-backend/pkg/pipeline"
	"github.com/visagekit/face-backend/pkg/repository"
	"github.com/visagekit/face-backend/pkg/weightstore"
)

// Match is one face-index hit of a descriptor search.
type Match struct {
	Face     *datamodel.IndexedFace `json:"face"`
	Distance float32                `json:"distance"`
}

type Service interface {
	Analyze(ctx context.Context, in netinput.Input, minConfidence float32, maxResults int) ([]datamodel.FullFaceDescription, error)
	DetectFaces(ctx context.Context, in netinput.Input, minConfidence float32, maxResults int) ([]datamodel.Detection, error)
	IndexFace(ctx context.Context, in netinput.Input, label string) (*datamodel.IndexedFace, error)
	SearchFaces(ctx context.Context, in netinput.Input, threshold float32, topK int) ([]Match, error)
	DeployModels(ctx context.Context) error
	IsReady(ctx context.Context) bool
}

type service struct {
	eng         engine.Engine
	coercer     *netinput.Coercer
	pipe        *pipeline.Pipeline
	repo        repository.Repository
	redisClient *redis.Client
	weights     weightstore.WeightStore
	engCfg      config.EngineConfig
	pipeCfg     config.PipelineConfig
	cacheTTL    time.Duration
}

// NewService assembles the face service. redisClient and weights may be nil;
// caching and model deployment are then disabled.
func NewService(
	eng engine.Engine,
	coercer *netinput.Coercer,
	pipe *pipeline.Pipeline,
	repo repository.Repository,
	redisClient *redis.Client,
	weights weightstore.WeightStore,
	engCfg config.EngineConfig,
	pipeCfg config.PipelineConfig,
	cacheTTL time.Duration,
) Service {
	return &service{
		eng:         eng,
		coercer:     coercer,
		pipe:        pipe,
		repo:        repo,
		redisClient: redisClient,
		weights:     weights,
		engCfg:      engCfg,
		pipeCfg:     pipeCfg,
		cacheTTL:    cacheTTL,
	}
}

func (s *service) Analyze(ctx context.Context, in netinput.Input, minConfidence float32, maxResults int) ([]datamodel.FullFaceDescription, error) {
	log, _ := logger.GetZapLogger(ctx)

	if !s.eng.IsReady(ctx) {
		return nil, ErrEngineNotReady
	}

	netIn, err := s.coercer.Coerce(ctx, in, true)
	if err != nil {
		return nil, err
	}
	defer netIn.Release(s.eng)

	cacheKey := s.analyzeCacheKey(netIn, minConfidence, maxResults)
	if cached, ok := s.cachedAnalysis(ctx, cacheKey); ok {
		log.Debug("analysis cache hit", zap.String("key", cacheKey))
		return cached, nil
	}

	results, err := s.pipe.Run(ctx, netIn, minConfidence, maxResults)
	if err != nil {
		return nil, err
	}

	s.cacheAnalysis(ctx, cacheKey, results)
	return results, nil
}

func (s *service) DetectFaces(ctx context.Context, in netinput.Input, minConfidence float32, maxResults int) ([]datamodel.Detection, error) {
	if !s.eng.IsReady(ctx) {
		return nil, ErrEngineNotReady
	}

	netIn, err := s.coercer.Coerce(ctx, in, true)
	if err != nil {
		return nil, err
	}
	defer netIn.Release(s.eng)

	detections, _, err := s.pipe.Detect(ctx, netIn, minConfidence, maxResults)
	if err != nil {
		return nil, err
	}
	return detections, nil
}

func (s *service) IndexFace(ctx context.Context, in netinput.Input, label string) (*datamodel.IndexedFace, error) {
	if label == "" {
		return nil, status.Error(codes.InvalidArgument, "a label is required to index a face")
	}

	// Keep only the most confident face of the input.
	results, err := s.Analyze(ctx, in, s.pipeCfg.MinConfidence, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoFaceDetected
	}

	face := &datamodel.IndexedFace{Label: label}
	if err := face.SetDescriptor(results[0].Descriptor); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if err := s.repo.CreateFace(ctx, face); err != nil {
		return nil, err
	}
	return face, nil
}

func (s *service) SearchFaces(ctx context.Context, in netinput.Input, threshold float32, topK int) ([]Match, error) {
	results, err := s.Analyze(ctx, in, s.pipeCfg.MinConfidence, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoFaceDetected
	}
	query := results[0].Descriptor

	faces, err := s.repo.ListFaces(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, face := range faces {
		descriptor, err := face.GetDescriptor()
		if err != nil {
			return nil, ErrInvalidDescriptor
		}
		if len(descriptor) != len(query) {
			continue
		}
		distance := query.EuclideanDistance(descriptor)
		if distance <= threshold {
			matches = append(matches, Match{Face: face, Distance: distance})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeployModels fetches the pretrained weight blobs of the three face models
// from the weight store and hands them to the engine unmodified.
func (s *service) DeployModels(ctx context.Context) error {
	if s.weights == nil {
		return nil
	}
	log, _ := logger.GetZapLogger(ctx)

	for _, model := range []config.EngineModelConfig{
		s.engCfg.Detector,
		s.engCfg.Landmarker,
		s.engCfg.Recognizer,
	} {
		files, err := s.weights.GetFilesByPaths(ctx, []string{
			model.Name + "/model.weights",
			model.Name + "/config.json",
		})
		if err != nil {
			return fmt.Errorf("fetching weights for model %v: %w", model.Name, err)
		}

		blobs := make(map[string][]byte, len(files))
		for _, f := range files {
			blobs[f.Name] = f.Content
		}
		if err := s.eng.LoadModel(ctx, model.Name, blobs); err != nil {
			return fmt.Errorf("loading model %v: %w", model.Name, err)
		}
		log.Info("model deployed", zap.String("model", model.Name), zap.String("version", model.Version))
	}

	return nil
}

func (s *service) IsReady(ctx context.Context) bool {
	return s.eng.IsReady(ctx)
}

// analyzeCacheKey builds a stable cache key from the input content digests.
// Inputs without digests (raw tensors) are not cacheable.
func (s *service) analyzeCacheKey(netIn *netinput.NetInput, minConfidence float32, maxResults int) string {
	digests := netIn.Digests()
	if len(digests) == 0 {
		return ""
	}
	key := "analysis"
	for _, d := range digests {
		if d == "" {
			return ""
		}
		key += ":" + d
	}
	return fmt.Sprintf("%s:%v:%v", key, minConfidence, maxResults)
}

func (s *service) cachedAnalysis(ctx context.Context, key string) ([]datamodel.FullFaceDescription, bool) {
	if s.redisClient == nil || key == "" {
		return nil, false
	}
	payload, err := s.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var results []datamodel.FullFaceDescription
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, false
	}
	return results, true
}

func (s *service) cacheAnalysis(ctx context.Context, key string, results []datamodel.FullFaceDescription) {
	if s.redisClient == nil || key == "" {
		return
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return
	}
	s.redisClient.Set(ctx, key, payload, s.cacheTTL)
}
