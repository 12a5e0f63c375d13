package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bg-studio/internal/logging"
	"github.com/example/bg-studio/internal/pipeline"
	"github.com/example/bg-studio/internal/rembg"
	"github.com/example/bg-studio/internal/repository"
	"github.com/example/bg-studio/internal/sku"
)

// ErrLookupUnavailable reports that the SKU catalog was not loaded; loading
// images by SKU is disabled but uploads keep working.
var ErrLookupUnavailable = errors.New("sku lookup unavailable")

// ErrAssetNotFound reports that an asset id is unknown or its TTL expired.
var ErrAssetNotFound = errors.New("asset not found or expired")

// ImageFetcher downloads the bytes behind a resolved SKU URL.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// JobRepository defines the persistence operations needed by the studio.
type JobRepository interface {
	Save(ctx context.Context, job *repository.CutoutJob) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.CutoutJob, error)
	ListRecent(ctx context.Context, limit int) ([]*repository.CutoutJob, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Asset is an image held transiently for one interaction: the uploaded or
// fetched original, or a processed cutout. Stored in the cache with a TTL.
type Asset struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	SKU         string    `json:"sku,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Data        []byte    `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
}

// Asset sources.
const (
	SourceUpload = "upload"
	SourceSKU    = "sku"
	SourceCutout = "cutout"
)

// CutoutResult is the outcome of one background-removal run.
type CutoutResult struct {
	RequestID string
	Asset     *Asset
	Format    pipeline.Format
	Duration  time.Duration
	Reused    bool
}

type cachedCutout struct {
	RequestID   string `json:"request_id"`
	ProcessedID string `json:"processed_id"`
}

type cachedJob struct {
	RequestID  string    `json:"request_id"`
	SKU        string    `json:"sku"`
	Source     string    `json:"source"`
	Format     string    `json:"format"`
	InputSHA1  string    `json:"input_sha1"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// StudioUseCase orchestrates catalog lookup, image fetching, the removal model
// and asset storage for the web handlers.
type StudioUseCase struct {
	catalog        *sku.Catalog
	fetcher        ImageFetcher
	remover        rembg.Remover
	cache          Cache
	repo           JobRepository
	logger         *zap.Logger
	assetTTL       time.Duration
	jobTTL         time.Duration
	maxDisplayDim  int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewStudioUseCase constructs the studio. catalog may be nil when the SKU
// table file is absent.
func NewStudioUseCase(
	catalog *sku.Catalog,
	fetcher ImageFetcher,
	remover rembg.Remover,
	cache Cache,
	repo JobRepository,
	assetTTL time.Duration,
	maxDisplayDim int,
	logger *zap.Logger,
) *StudioUseCase {
	return &StudioUseCase{
		catalog:        catalog,
		fetcher:        fetcher,
		remover:        remover,
		cache:          cache,
		repo:           repo,
		logger:         logger.Named("studio_usecase"),
		assetTTL:       assetTTL,
		jobTTL:         5 * time.Minute,
		maxDisplayDim:  maxDisplayDim,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// LookupEnabled reports whether loading images by SKU is possible.
func (uc *StudioUseCase) LookupEnabled() bool {
	return uc.catalog != nil
}

// LoadFromUpload validates uploaded image bytes and registers them as an asset.
func (uc *StudioUseCase) LoadFromUpload(ctx context.Context, filename string, data []byte) (*Asset, error) {
	img, format, err := pipeline.Decode(data)
	if err != nil {
		return nil, err
	}

	asset := uc.newAsset(SourceUpload, filename, "image/"+format, data, img)
	if err := uc.storeAsset(ctx, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// LoadFromSKU resolves a SKU to its image URL, fetches the bytes and registers
// them as an asset.
func (uc *StudioUseCase) LoadFromSKU(ctx context.Context, skuCode string) (*Asset, error) {
	if uc.catalog == nil {
		return nil, ErrLookupUnavailable
	}

	record, err := uc.catalog.Lookup(skuCode)
	if err != nil {
		return nil, err
	}

	data, err := uc.fetcher.Fetch(ctx, record.ImageURL)
	if err != nil {
		return nil, err
	}

	img, format, err := pipeline.Decode(data)
	if err != nil {
		return nil, err
	}

	asset := uc.newAsset(SourceSKU, fmt.Sprintf("original_%s.%s", record.SKU, format), "image/"+format, data, img)
	asset.SKU = record.SKU
	asset.SourceURL = record.ImageURL
	if err := uc.storeAsset(ctx, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// GetAsset loads an asset by id from the cache.
func (uc *StudioUseCase) GetAsset(ctx context.Context, id string) (*Asset, error) {
	raw, err := uc.withCacheGet(ctx, id, "cache.get.asset", assetKey(id))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}

	var asset Asset
	if err := json.Unmarshal([]byte(raw), &asset); err != nil {
		return nil, logging.NewOperationError("usecase.decode_asset", id, err)
	}
	return &asset, nil
}

// Preview returns a PNG of the asset scaled down for on-page display. The
// stored asset itself is never resized; downloads always get the full image.
func (uc *StudioUseCase) Preview(ctx context.Context, id string) ([]byte, string, error) {
	asset, err := uc.GetAsset(ctx, id)
	if err != nil {
		return nil, "", err
	}

	img, _, err := pipeline.Decode(asset.Data)
	if err != nil {
		return nil, "", err
	}

	resized := pipeline.ResizeForDisplay(img, uc.maxDisplayDim)
	data, err := pipeline.Encode(resized, pipeline.FormatPNG)
	if err != nil {
		return nil, "", logging.NewOperationError("usecase.encode_preview", id, err)
	}
	return data, pipeline.FormatPNG.ContentType(), nil
}

// RemoveBackground runs the cutout pipeline for an asset: model call, optional
// reuse of an earlier identical run, export encoding, job bookkeeping. The
// original asset stays available regardless of the outcome.
func (uc *StudioUseCase) RemoveBackground(ctx context.Context, assetID string, format pipeline.Format) (*CutoutResult, error) {
	asset, err := uc.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.remove_background", requestID)

	hash := sha1.Sum(asset.Data)
	hashHex := hex.EncodeToString(hash[:])

	if result := uc.reuseCutout(ctx, hashHex, format); result != nil {
		opLogger.Info("reusing earlier cutout", zap.String("processed_id", result.Asset.ID))
		return result, nil
	}

	start := time.Now()
	removed, err := uc.remover.Remove(ctx, asset.Data)
	if err != nil {
		uc.recordJob(ctx, requestID, asset, format, hashHex, time.Since(start), false, err.Error())
		opLogger.Error("model call failed", zap.Error(err))
		return nil, err
	}

	img, _, err := pipeline.Decode(removed.PNG)
	if err != nil {
		wrapped := &rembg.RemovalError{Err: fmt.Errorf("model returned undecodable image: %w", err)}
		uc.recordJob(ctx, requestID, asset, format, hashHex, time.Since(start), false, wrapped.Error())
		opLogger.Error("model returned undecodable image", zap.Error(err))
		return nil, wrapped
	}

	encoded, err := pipeline.Encode(img, format)
	if err != nil {
		uc.recordJob(ctx, requestID, asset, format, hashHex, time.Since(start), false, err.Error())
		return nil, logging.NewOperationError("usecase.encode_cutout", requestID, err)
	}
	elapsed := time.Since(start)

	name := asset.SKU
	if name == "" {
		name = "image"
	}
	processed := uc.newAsset(SourceCutout, fmt.Sprintf("removed_bg_%s.%s", name, format.Ext()), format.ContentType(), encoded, img)
	processed.SKU = asset.SKU
	if err := uc.storeAsset(ctx, processed); err != nil {
		return nil, err
	}

	uc.recordJob(ctx, requestID, asset, format, hashHex, elapsed, true, "")
	uc.cacheCutout(ctx, requestID, processed.ID, hashHex, format)

	opLogger.Info("background removed",
		zap.String("asset_id", assetID),
		zap.String("processed_id", processed.ID),
		zap.String("format", string(format)),
		zap.Duration("elapsed", elapsed))

	return &CutoutResult{
		RequestID: requestID,
		Asset:     processed,
		Format:    format,
		Duration:  elapsed,
	}, nil
}

// GetJob retrieves a cutout job record, cache-first with database fallback.
func (uc *StudioUseCase) GetJob(ctx context.Context, requestID string) (*repository.CutoutJob, error) {
	if raw, err := uc.withCacheGet(ctx, requestID, "cache.get.job", jobKey(requestID)); err == nil {
		var payload cachedJob
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_job", requestID).Warn("failed to decode cached job", zap.Error(err))
		} else {
			return &repository.CutoutJob{
				RequestID:  payload.RequestID,
				SKU:        payload.SKU,
				Source:     payload.Source,
				Format:     payload.Format,
				InputSHA1:  payload.InputSHA1,
				DurationMs: payload.DurationMs,
				Success:    payload.Success,
				Detail:     payload.Detail,
				CreatedAt:  payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_job", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestID(ctx, requestID)
}

// ListJobs returns recent cutout job records.
func (uc *StudioUseCase) ListJobs(ctx context.Context, limit int) ([]*repository.CutoutJob, error) {
	return uc.repo.ListRecent(ctx, limit)
}

func (uc *StudioUseCase) newAsset(source, filename, contentType string, data []byte, img image.Image) *Asset {
	bounds := img.Bounds()
	return &Asset{
		ID:          uuid.NewString(),
		Source:      source,
		Filename:    filename,
		ContentType: contentType,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}
}

func (uc *StudioUseCase) storeAsset(ctx context.Context, asset *Asset) error {
	serialized, err := json.Marshal(asset)
	if err != nil {
		return logging.NewOperationError("usecase.encode_asset", asset.ID, err)
	}
	return uc.withCacheRetry(ctx, asset.ID, "cache.set.asset", func() error {
		return uc.cache.Set(ctx, assetKey(asset.ID), string(serialized), uc.assetTTL)
	})
}

// reuseCutout checks whether the same input bytes were already processed into
// the same format and the result is still cached.
func (uc *StudioUseCase) reuseCutout(ctx context.Context, hashHex string, format pipeline.Format) *CutoutResult {
	raw, err := uc.withCacheGet(ctx, "", "cache.get.cutout", cutoutKey(hashHex, format))
	if err != nil {
		return nil
	}
	var payload cachedCutout
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	processed, err := uc.GetAsset(ctx, payload.ProcessedID)
	if err != nil {
		return nil
	}
	return &CutoutResult{
		RequestID: payload.RequestID,
		Asset:     processed,
		Format:    format,
		Reused:    true,
	}
}

func (uc *StudioUseCase) cacheCutout(ctx context.Context, requestID, processedID, hashHex string, format pipeline.Format) {
	serialized, err := json.Marshal(cachedCutout{RequestID: requestID, ProcessedID: processedID})
	if err != nil {
		return
	}
	if err := uc.withCacheRetry(ctx, requestID, "cache.set.cutout", func() error {
		return uc.cache.Set(ctx, cutoutKey(hashHex, format), string(serialized), uc.assetTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_cutout", requestID).Warn("failed to cache cutout key", zap.Error(err))
	}
}

// recordJob persists and caches the job record. Bookkeeping is best-effort:
// a storage failure must not take down an otherwise finished user action.
func (uc *StudioUseCase) recordJob(ctx context.Context, requestID string, asset *Asset, format pipeline.Format, hashHex string, elapsed time.Duration, success bool, detail string) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record_job", requestID)

	job := &repository.CutoutJob{
		RequestID:  requestID,
		SKU:        asset.SKU,
		Source:     asset.Source,
		Format:     string(format),
		InputSHA1:  hashHex,
		DurationMs: elapsed.Milliseconds(),
		Success:    success,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.repo.Save(ctx, job); err != nil {
		opLogger.Warn("failed to persist job record", zap.Error(err))
	}

	serialized, err := json.Marshal(cachedJob{
		RequestID:  job.RequestID,
		SKU:        job.SKU,
		Source:     job.Source,
		Format:     job.Format,
		InputSHA1:  job.InputSHA1,
		DurationMs: job.DurationMs,
		Success:    job.Success,
		Detail:     job.Detail,
		CreatedAt:  job.CreatedAt,
	})
	if err != nil {
		return
	}
	if err := uc.withCacheRetry(ctx, requestID, "cache.set.job", func() error {
		return uc.cache.Set(ctx, jobKey(requestID), string(serialized), uc.jobTTL)
	}); err != nil {
		opLogger.Warn("failed to cache job record", zap.Error(err))
	}
}

func (uc *StudioUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		// A miss is a normal outcome, not a failure to retry or log.
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *StudioUseCase) withCacheGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
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
