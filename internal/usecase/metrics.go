package usecase

import "context"

// MetricsSummary represents aggregated cutout statistics.
type MetricsSummary struct {
	TotalJobs         int64   `json:"total_jobs"`
	SuccessfulJobs    int64   `json:"successful_jobs"`
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// GetMetricsSummary aggregates statistics from persisted job records.
func (uc *StudioUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalJobs:         aggregation.TotalCount,
		SuccessfulJobs:    aggregation.SuccessCount,
		AverageDurationMs: aggregation.AverageDurationMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
