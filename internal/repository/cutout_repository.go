package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/bg-studio/internal/logging"
)

// CutoutJob is a persisted record of one background-removal run.
type CutoutJob struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	SKU        string    `gorm:"column:sku;size:64"`
	Source     string    `gorm:"column:source;size:16"`
	Format     string    `gorm:"column:format;size:8"`
	InputSHA1  string    `gorm:"column:input_sha1;index;size:40"`
	DurationMs int64     `gorm:"column:duration_ms"`
	Success    bool      `gorm:"column:success"`
	Detail     string    `gorm:"column:detail;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (CutoutJob) TableName() string {
	return "cutout_jobs"
}

// CutoutRepository provides persistence for cutout job records.
type CutoutRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCutoutRepository creates a repository with default retry settings.
func NewCutoutRepository(db *gorm.DB, logger *zap.Logger) *CutoutRepository {
	return &CutoutRepository{
		db:             db,
		logger:         logger.Named("cutout_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *CutoutRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&CutoutJob{})
}

// Save persists a cutout job record.
func (r *CutoutRepository) Save(ctx context.Context, job *CutoutJob) error {
	return r.executeWithRetry(ctx, "repository.save_job", job.RequestID, func() error {
		return r.db.WithContext(ctx).Create(job).Error
	})
}

// FindByRequestID retrieves a single job record.
func (r *CutoutRepository) FindByRequestID(ctx context.Context, requestID string) (*CutoutJob, error) {
	var job CutoutJob
	err := r.executeWithRetry(ctx, "repository.find_job", requestID, func() error {
		return r.db.WithContext(ctx).First(&job, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListRecent returns the newest job records, newest first.
func (r *CutoutRepository) ListRecent(ctx context.Context, limit int) ([]*CutoutJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []*CutoutJob
	err := r.executeWithRetry(ctx, "repository.list_jobs", "", func() error {
		return r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&jobs).Error
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// MetricsAggregation holds raw aggregates over the cutout job table.
type MetricsAggregation struct {
	TotalCount        int64   `gorm:"column:total_count"`
	SuccessCount      int64   `gorm:"column:success_count"`
	AverageDurationMs float64 `gorm:"column:average_duration_ms"`
}

// AggregateMetrics computes job counts and the mean processing latency.
func (r *CutoutRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&CutoutJob{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration_ms").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *CutoutRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransient(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
