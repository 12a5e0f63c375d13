package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/bg-studio/internal/pipeline"
	"github.com/example/bg-studio/internal/rembg"
	"github.com/example/bg-studio/internal/repository"
	"github.com/example/bg-studio/internal/sku"
)

type stubCache struct {
	data    map[string]string
	setErrs []error
}

func newStubCache() *stubCache {
	return &stubCache{data: make(map[string]string)}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.data[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	value, ok := s.data[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

type stubRepository struct {
	savedJobs []*repository.CutoutJob
	saveErr   error
	findJob   *repository.CutoutJob
	findErr   error
	findCalls int
}

func (s *stubRepository) Save(ctx context.Context, job *repository.CutoutJob) error {
	s.savedJobs = append(s.savedJobs, job)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.CutoutJob, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findJob != nil {
		return s.findJob, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) ListRecent(ctx context.Context, limit int) ([]*repository.CutoutJob, error) {
	return s.savedJobs, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	agg := &repository.MetricsAggregation{}
	var totalMs int64
	for _, job := range s.savedJobs {
		agg.TotalCount++
		if job.Success {
			agg.SuccessCount++
		}
		totalMs += job.DurationMs
	}
	if agg.TotalCount > 0 {
		agg.AverageDurationMs = float64(totalMs) / float64(agg.TotalCount)
	}
	return agg, nil
}

type stubFetcher struct {
	data    []byte
	err     error
	gotURLs []string
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	s.gotURLs = append(s.gotURLs, url)
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type stubRemover struct {
	result *rembg.Result
	err    error
	calls  int
}

func (s *stubRemover) Remove(ctx context.Context, imageBytes []byte) (*rembg.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func pngBytes(t *testing.T, width, height int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func testCatalog(t *testing.T) *sku.Catalog {
	t.Helper()
	catalog, err := sku.Parse(strings.NewReader("sku;image_url\nSKU001;https://x/a.jpg\n"))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return catalog
}

func newTestStudio(catalog *sku.Catalog, fetcher ImageFetcher, remover rembg.Remover, cache Cache, repo JobRepository) *StudioUseCase {
	return NewStudioUseCase(catalog, fetcher, remover, cache, repo, time.Minute, 550, zap.NewNop())
}

func TestLoadFromUploadStoresDecodedAsset(t *testing.T) {
	cache := newStubCache()
	uc := newTestStudio(nil, &stubFetcher{}, &stubRemover{}, cache, &stubRepository{})

	data := pngBytes(t, 6, 4, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	asset, err := uc.LoadFromUpload(context.Background(), "bottle.png", data)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if asset.Width != 6 || asset.Height != 4 {
		t.Fatalf("unexpected dimensions: %dx%d", asset.Width, asset.Height)
	}
	if asset.ContentType != "image/png" {
		t.Fatalf("unexpected content type: %s", asset.ContentType)
	}
	if asset.Source != SourceUpload {
		t.Fatalf("unexpected source: %s", asset.Source)
	}

	loaded, err := uc.GetAsset(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("get asset failed: %v", err)
	}
	if !bytes.Equal(loaded.Data, data) {
		t.Fatal("stored asset bytes differ from upload")
	}
}

func TestLoadFromUploadRejectsGarbage(t *testing.T) {
	uc := newTestStudio(nil, &stubFetcher{}, &stubRemover{}, newStubCache(), &stubRepository{})

	_, err := uc.LoadFromUpload(context.Background(), "bad.png", []byte("not an image"))

	var decodeErr *pipeline.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestLoadFromSKUResolvesAndFetches(t *testing.T) {
	fetcher := &stubFetcher{data: pngBytes(t, 2, 2, color.NRGBA{A: 255})}
	uc := newTestStudio(testCatalog(t), fetcher, &stubRemover{}, newStubCache(), &stubRepository{})

	asset, err := uc.LoadFromSKU(context.Background(), "SKU001")
	if err != nil {
		t.Fatalf("load by sku failed: %v", err)
	}

	if len(fetcher.gotURLs) != 1 || fetcher.gotURLs[0] != "https://x/a.jpg" {
		t.Fatalf("unexpected fetch urls: %v", fetcher.gotURLs)
	}
	if asset.SKU != "SKU001" {
		t.Fatalf("unexpected sku: %s", asset.SKU)
	}
	if asset.SourceURL != "https://x/a.jpg" {
		t.Fatalf("unexpected source url: %s", asset.SourceURL)
	}
	if asset.Source != SourceSKU {
		t.Fatalf("unexpected source: %s", asset.Source)
	}
}

func TestLoadFromSKUWithoutCatalogIsUnavailable(t *testing.T) {
	uc := newTestStudio(nil, &stubFetcher{}, &stubRemover{}, newStubCache(), &stubRepository{})

	if _, err := uc.LoadFromSKU(context.Background(), "SKU001"); !errors.Is(err, ErrLookupUnavailable) {
		t.Fatalf("expected ErrLookupUnavailable, got %v", err)
	}
}

func TestLoadFromSKUUnknownSKUPassesThroughNotFound(t *testing.T) {
	uc := newTestStudio(testCatalog(t), &stubFetcher{}, &stubRemover{}, newStubCache(), &stubRepository{})

	_, err := uc.LoadFromSKU(context.Background(), "SKU999")

	var notFound *sku.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestLoadFromSKUFetchErrorPassesThrough(t *testing.T) {
	fetcher := &stubFetcher{err: &pipeline.FetchError{URL: "https://x/a.jpg", StatusCode: 503}}
	uc := newTestStudio(testCatalog(t), fetcher, &stubRemover{}, newStubCache(), &stubRepository{})

	_, err := uc.LoadFromSKU(context.Background(), "SKU001")

	var fetchErr *pipeline.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestRemoveBackgroundProducesCutoutAndRecordsJob(t *testing.T) {
	cache := newStubCache()
	repo := &stubRepository{}
	remover := &stubRemover{result: &rembg.Result{PNG: pngBytes(t, 3, 3, color.NRGBA{A: 0})}}
	uc := newTestStudio(nil, &stubFetcher{}, remover, cache, repo)

	asset, err := uc.LoadFromUpload(context.Background(), "bottle.png", pngBytes(t, 3, 3, color.NRGBA{R: 9, A: 255}))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	result, err := uc.RemoveBackground(context.Background(), asset.ID, pipeline.FormatJPEG)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if result.Reused {
		t.Fatal("first run must not be marked reused")
	}
	if result.Asset.ContentType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", result.Asset.ContentType)
	}
	if result.Asset.Source != SourceCutout {
		t.Fatalf("unexpected source: %s", result.Asset.Source)
	}
	if len(repo.savedJobs) != 1 {
		t.Fatalf("expected 1 job record, got %d", len(repo.savedJobs))
	}
	if !repo.savedJobs[0].Success {
		t.Fatal("expected successful job record")
	}
	if repo.savedJobs[0].Format != "jpeg" {
		t.Fatalf("unexpected job format: %s", repo.savedJobs[0].Format)
	}
}

func TestRemoveBackgroundReusesIdenticalRun(t *testing.T) {
	cache := newStubCache()
	remover := &stubRemover{result: &rembg.Result{PNG: pngBytes(t, 3, 3, color.NRGBA{A: 0})}}
	uc := newTestStudio(nil, &stubFetcher{}, remover, cache, &stubRepository{})

	asset, err := uc.LoadFromUpload(context.Background(), "bottle.png", pngBytes(t, 3, 3, color.NRGBA{R: 9, A: 255}))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	first, err := uc.RemoveBackground(context.Background(), asset.ID, pipeline.FormatPNG)
	if err != nil {
		t.Fatalf("first remove failed: %v", err)
	}
	second, err := uc.RemoveBackground(context.Background(), asset.ID, pipeline.FormatPNG)
	if err != nil {
		t.Fatalf("second remove failed: %v", err)
	}

	if remover.calls != 1 {
		t.Fatalf("expected a single model call, got %d", remover.calls)
	}
	if !second.Reused {
		t.Fatal("second run should reuse the cached cutout")
	}
	if second.Asset.ID != first.Asset.ID {
		t.Fatalf("expected reused asset %s, got %s", first.Asset.ID, second.Asset.ID)
	}
}

func TestRemoveBackgroundDifferentFormatDoesNotReuse(t *testing.T) {
	remover := &stubRemover{result: &rembg.Result{PNG: pngBytes(t, 3, 3, color.NRGBA{A: 0})}}
	uc := newTestStudio(nil, &stubFetcher{}, remover, newStubCache(), &stubRepository{})

	asset, err := uc.LoadFromUpload(context.Background(), "bottle.png", pngBytes(t, 3, 3, color.NRGBA{R: 9, A: 255}))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if _, err := uc.RemoveBackground(context.Background(), asset.ID, pipeline.FormatPNG); err != nil {
		t.Fatalf("png remove failed: %v", err)
	}
	if _, err := uc.RemoveBackground(context.Background(), asset.ID, pipeline.FormatJPEG); err != nil {
		t.Fatalf("jpeg remove failed: %v", err)
	}

	if remover.calls != 2 {
		t.Fatalf("expected 2 model calls for distinct formats, got %d", remover.calls)
	}
}

func TestRemoveBackgroundModelFailureKeepsOriginalAvailable(t *testing.T) {
	cache := newStubCache()
	repo := &stubRepository{}
	remover := &stubRemover{err: &rembg.RemovalError{StatusCode: 500}}
	uc := newTestStudio(nil, &stubFetcher{}, remover, cache, repo)

	asset, err := uc.LoadFromUpload(context.Background(), "bottle.png", pngBytes(t, 3, 3, color.NRGBA{A: 255}))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	_, err = uc.RemoveBackground(context.Background(), asset.ID, pipeline.FormatPNG)

	var removalErr *rembg.RemovalError
	if !errors.As(err, &removalErr) {
		t.Fatalf("expected RemovalError, got %v", err)
	}
	if len(repo.savedJobs) != 1 || repo.savedJobs[0].Success {
		t.Fatal("expected a failed job record")
	}

	if _, err := uc.GetAsset(context.Background(), asset.ID); err != nil {
		t.Fatalf("original asset must stay available, got %v", err)
	}
}

func TestRemoveBackgroundUndecodableModelOutputIsRemovalError(t *testing.T) {
	remover := &stubRemover{result: &rembg.Result{PNG: []byte("garbage")}}
	uc := newTestStudio(nil, &stubFetcher{}, remover, newStubCache(), &stubRepository{})

	asset, err := uc.LoadFromUpload(context.Background(), "bottle.png", pngBytes(t, 3, 3, color.NRGBA{A: 255}))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	_, err = uc.RemoveBackground(context.Background(), asset.ID, pipeline.FormatPNG)

	var removalErr *rembg.RemovalError
	if !errors.As(err, &removalErr) {
		t.Fatalf("expected RemovalError, got %v", err)
	}
}

func TestRemoveBackgroundSurvivesJobPersistenceFailure(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	remover := &stubRemover{result: &rembg.Result{PNG: pngBytes(t, 3, 3, color.NRGBA{A: 0})}}
	uc := newTestStudio(nil, &stubFetcher{}, remover, newStubCache(), repo)

	asset, err := uc.LoadFromUpload(context.Background(), "bottle.png", pngBytes(t, 3, 3, color.NRGBA{A: 255}))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if _, err := uc.RemoveBackground(context.Background(), asset.ID, pipeline.FormatPNG); err != nil {
		t.Fatalf("removal should survive bookkeeping failure, got %v", err)
	}
}

func TestPreviewScalesDownLargeAssets(t *testing.T) {
	uc := newTestStudio(nil, &stubFetcher{}, &stubRemover{}, newStubCache(), &stubRepository{})

	asset, err := uc.LoadFromUpload(context.Background(), "big.png", pngBytes(t, 1100, 800, color.NRGBA{R: 5, A: 255}))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	data, contentType, err := uc.Preview(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if contentType != "image/png" {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	img, _, err := pipeline.Decode(data)
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if img.Bounds().Dx() != 550 {
		t.Fatalf("expected preview width 550, got %d", img.Bounds().Dx())
	}
	if img.Bounds().Dy() != 400 {
		t.Fatalf("expected preview height 400, got %d", img.Bounds().Dy())
	}
}

func TestGetAssetUnknownIDIsNotFound(t *testing.T) {
	uc := newTestStudio(nil, &stubFetcher{}, &stubRemover{}, newStubCache(), &stubRepository{})

	if _, err := uc.GetAsset(context.Background(), "nope"); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestGetJobFallsBackToRepositoryOnCacheMiss(t *testing.T) {
	expected := &repository.CutoutJob{RequestID: "req-1", Detail: "from-db"}
	repo := &stubRepository{findJob: expected}
	uc := newTestStudio(nil, &stubFetcher{}, &stubRemover{}, newStubCache(), repo)

	job, err := uc.GetJob(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get job failed: %v", err)
	}
	if job != expected {
		t.Fatalf("expected repository record, got %+v", job)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected one repository query, got %d", repo.findCalls)
	}
}
