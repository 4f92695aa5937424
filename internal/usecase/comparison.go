package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-compare/internal/faceembed"
	"github.com/example/face-compare/internal/logging"
	"github.com/example/face-compare/internal/scratch"
)

// ErrResultNotFound is returned when a comparison is no longer (or never was) cached.
var ErrResultNotFound = errors.New("result not found")

const defaultMaxImageSide = 2048

// Upload is one image submitted for comparison.
type Upload struct {
	Name string
	Data []byte
}

// Options tunes a ComparisonUseCase.
type Options struct {
	Threshold    float64
	ScratchDir   string
	MaxImageSide int
	// MaxImagePixels caps the declared size of an upload; zero uses scratch.DefaultMaxPixels.
	MaxImagePixels int
	EmbeddingTTL   time.Duration
	ResultTTL      time.Duration
}

// Comparison is the outcome of comparing the first face of two images.
type Comparison struct {
	RequestID string    `json:"request_id"`
	Distance  float64   `json:"distance"`
	Threshold float64   `json:"threshold"`
	Matched   bool      `json:"matched"`
	Message   string    `json:"message"`
	Boxes     [2][4]int `json:"boxes"`
	Backend   string    `json:"backend"`
	ElapsedMs float64   `json:"elapsed_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// DistanceMessage describes the measured distance.
func (c *Comparison) DistanceMessage() string {
	return "Euclidean distance between the two faces: " + strconv.FormatFloat(c.Distance, 'f', -1, 64)
}

// ThresholdMessage describes the threshold the distance was compared against.
func (c *Comparison) ThresholdMessage() string {
	return "Face embedding match threshold: " + strconv.FormatFloat(c.Threshold, 'f', -1, 64)
}

func resultMessage(matched bool) string {
	if matched {
		return "The distance is below the match threshold: match, the two faces belong to the same person."
	}
	return "The distance is not below the match threshold: no match, the two faces belong to different people."
}

type cachedFace struct {
	Box       [4]int    `json:"box"`
	Embedding []float32 `json:"embedding"`
}

// ComparisonUseCase encapsulates the two-image face comparison flow.
type ComparisonUseCase struct {
	extractor      faceembed.Extractor
	cache          Cache
	logger         *zap.Logger
	threshold      float64
	scratchDir     string
	limits         scratch.Limits
	embeddingTTL   time.Duration
	resultTTL      time.Duration
	retryAttempts  uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
	metrics        *metricsRecorder
}

// NewComparisonUseCase constructs a new use case instance. A nil cache disables caching.
func NewComparisonUseCase(extractor faceembed.Extractor, cache Cache, logger *zap.Logger, opts Options) *ComparisonUseCase {
	if cache == nil {
		cache = NopCache{}
	}
	if opts.Threshold <= 0 {
		opts.Threshold = faceembed.DefaultThreshold
	}
	if opts.MaxImageSide <= 0 {
		opts.MaxImageSide = defaultMaxImageSide
	}
	return &ComparisonUseCase{
		extractor:      extractor,
		cache:          cache,
		logger:         logger.Named("comparison_usecase"),
		threshold:      opts.Threshold,
		scratchDir:     opts.ScratchDir,
		limits:         scratch.Limits{MaxSide: opts.MaxImageSide, MaxPixels: opts.MaxImagePixels},
		embeddingTTL:   opts.EmbeddingTTL,
		resultTTL:      opts.ResultTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		metrics:        &metricsRecorder{},
	}
}

// Threshold returns the configured match threshold.
func (uc *ComparisonUseCase) Threshold() float64 {
	return uc.threshold
}

// Backend names the extractor in use.
func (uc *ComparisonUseCase) Backend() string {
	return uc.extractor.Name()
}

// Compare extracts the first face of each upload and compares their embeddings.
func (uc *ComparisonUseCase) Compare(ctx context.Context, known, candidate Upload) (*Comparison, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.compare", requestID)
	start := time.Now()

	faces, err := uc.extractPair(ctx, requestID, opLogger, [2]Upload{known, candidate})
	if err != nil {
		uc.metrics.recordFailure(time.Since(start))
		opLogger.Warn("comparison failed", zap.Error(err))
		return nil, err
	}

	match, err := faceembed.Compare(faces[0].Embedding, faces[1].Embedding, uc.threshold)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.compare_embeddings", requestID, err)
		uc.metrics.recordFailure(time.Since(start))
		opLogger.Warn("comparison failed", zap.Error(wrapped))
		return nil, wrapped
	}

	elapsed := time.Since(start)
	comparison := &Comparison{
		RequestID: requestID,
		Distance:  match.Distance,
		Threshold: match.Threshold,
		Matched:   match.Matched,
		Message:   resultMessage(match.Matched),
		Boxes:     [2][4]int{boxArray(faces[0].Box), boxArray(faces[1].Box)},
		Backend:   uc.extractor.Name(),
		ElapsedMs: float64(elapsed) / float64(time.Millisecond),
		CreatedAt: time.Now().UTC(),
	}
	uc.metrics.recordSuccess(match.Distance, match.Matched, elapsed)
	opLogger.Info("faces compared",
		zap.Float64("distance", match.Distance),
		zap.Float64("threshold", match.Threshold),
		zap.Bool("matched", match.Matched),
		zap.Duration("elapsed", elapsed),
	)

	if uc.resultTTL > 0 {
		uc.storeResult(ctx, comparison)
	}
	return comparison, nil
}

// extractPair stores both uploads in a private workspace and extracts their first faces in parallel.
func (uc *ComparisonUseCase) extractPair(ctx context.Context, requestID string, opLogger *zap.Logger, uploads [2]Upload) ([2]faceembed.Face, error) {
	var faces [2]faceembed.Face

	ws, err := scratch.New(uc.scratchDir, requestID)
	if err != nil {
		return faces, logging.NewOperationError("usecase.open_workspace", requestID, err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			opLogger.Warn("failed to clean workspace", zap.Error(err), zap.String("dir", ws.Dir()))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := range uploads {
		i := i
		g.Go(func() error {
			file, err := ws.Save(uploads[i].Name, uploads[i].Data, uc.limits)
			if err != nil {
				return err
			}
			f, err := uc.firstFace(gctx, requestID, file)
			if err != nil {
				return err
			}
			faces[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return faces, err
	}
	return faces, nil
}

func (uc *ComparisonUseCase) firstFace(ctx context.Context, requestID string, file *scratch.File) (faceembed.Face, error) {
	faces, err := uc.extractFaces(ctx, requestID, file)
	if err != nil {
		return faceembed.Face{}, err
	}
	f, err := faceembed.First(faces)
	if err != nil {
		return faceembed.Face{}, fmt.Errorf("%s: %w", file.Name, err)
	}
	if len(faces) > 1 {
		logging.WithOperation(uc.logger, "usecase.first_face", requestID).Debug("multiple faces detected, using the first",
			zap.String("upload", file.Name), zap.Int("count", len(faces)))
	}
	return f, nil
}

func (uc *ComparisonUseCase) extractFaces(ctx context.Context, requestID string, file *scratch.File) ([]faceembed.Face, error) {
	cacheKey := fmt.Sprintf("faces:%s:%s", uc.extractor.Name(), file.Digest)
	if uc.embeddingTTL > 0 {
		if faces, ok := uc.cachedFaces(ctx, requestID, cacheKey); ok {
			return faces, nil
		}
	}

	faces, err := uc.extractor.ExtractFile(ctx, file.Path)
	if err != nil {
		return nil, logging.NewOperationError("usecase.extract_faces", requestID, fmt.Errorf("%s: %w", file.Name, err))
	}

	if uc.embeddingTTL > 0 && len(faces) > 0 {
		uc.storeFaces(ctx, requestID, cacheKey, faces)
	}
	return faces, nil
}

func (uc *ComparisonUseCase) cachedFaces(ctx context.Context, requestID, cacheKey string) ([]faceembed.Face, bool) {
	opLogger := logging.WithOperation(uc.logger, "usecase.cached_faces", requestID)

	cached, err := uc.withCacheGet(ctx, requestID, "cache.get.faces", cacheKey)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var payload []cachedFace
	if err := json.Unmarshal([]byte(cached), &payload); err != nil || len(payload) == 0 {
		opLogger.Warn("failed to decode cached faces", zap.Error(err))
		return nil, false
	}

	faces := make([]faceembed.Face, len(payload))
	for i, p := range payload {
		faces[i] = faceembed.Face{
			Box:       image.Rect(p.Box[0], p.Box[1], p.Box[2], p.Box[3]),
			Embedding: faceembed.Embedding(p.Embedding),
		}
	}
	opLogger.Debug("faces served from cache", zap.String("key", cacheKey))
	return faces, true
}

func (uc *ComparisonUseCase) storeFaces(ctx context.Context, requestID, cacheKey string, faces []faceembed.Face) {
	payload := make([]cachedFace, len(faces))
	for i, f := range faces {
		payload[i] = cachedFace{Box: boxArray(f.Box), Embedding: f.Embedding}
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		uc.logger.Error("failed to serialize faces", zap.Error(err))
		return
	}

	if err := uc.withCacheRetry(ctx, requestID, "cache.set.faces", func(ctx context.Context) error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.embeddingTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.store_faces", requestID).Warn("failed to cache faces", zap.Error(err))
	}
}

func (uc *ComparisonUseCase) storeResult(ctx context.Context, comparison *Comparison) {
	opLogger := logging.WithOperation(uc.logger, "usecase.store_result", comparison.RequestID)

	serialized, err := json.Marshal(comparison)
	if err != nil {
		opLogger.Error("failed to serialize comparison", zap.Error(err))
		return
	}
	if err := uc.withCacheRetry(ctx, comparison.RequestID, "cache.set.result", func(ctx context.Context) error {
		return uc.cache.Set(ctx, resultKey(comparison.RequestID), string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache comparison", zap.Error(err))
	}
}

// GetResult retrieves a recently cached comparison.
func (uc *ComparisonUseCase) GetResult(ctx context.Context, requestID string) (*Comparison, error) {
	cached, err := uc.withCacheGet(ctx, requestID, "cache.get.result", resultKey(requestID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}

	var comparison Comparison
	if err := json.Unmarshal([]byte(cached), &comparison); err != nil {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		return nil, ErrResultNotFound
	}
	return &comparison, nil
}

func resultKey(requestID string) string {
	return fmt.Sprintf("comparison:%s", requestID)
}

func boxArray(r image.Rectangle) [4]int {
	return [4]int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
}

func (uc *ComparisonUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func(context.Context) error) error {
	opLogger := logging.WithOperation(uc.logger, operation, requestID)

	var backoff retry.Backoff = retry.NewExponential(uc.initialBackoff)
	backoff = retry.WithCappedDuration(uc.maxBackoff, backoff)
	if uc.retryAttempts > 0 {
		backoff = retry.WithMaxRetries(uc.retryAttempts-1, backoff)
	}

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if isTransientError(err) {
			opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt))
		}
		return logging.NewOperationError(operation, requestID, err)
	}
	return nil
}

func (uc *ComparisonUseCase) withCacheGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func(ctx context.Context) error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
