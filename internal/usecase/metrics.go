package usecase

import (
	"sync"
	"time"
)

// MetricsSummary represents aggregated comparison insights since process start.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	MatchedRequests            int64   `json:"matched_requests"`
	MatchRate                  float64 `json:"match_rate"`
	AverageDistance            float64 `json:"average_distance"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

type metricsRecorder struct {
	mu           sync.Mutex
	total        int64
	successful   int64
	matched      int64
	distanceSum  float64
	latencySumMs float64
}

func (m *metricsRecorder) recordFailure(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.latencySumMs += float64(elapsed) / float64(time.Millisecond)
}

func (m *metricsRecorder) recordSuccess(distance float64, matched bool, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.successful++
	if matched {
		m.matched++
	}
	m.distanceSum += distance
	m.latencySumMs += float64(elapsed) / float64(time.Millisecond)
}

// GetMetricsSummary aggregates comparison metrics recorded by this process.
func (uc *ComparisonUseCase) GetMetricsSummary() *MetricsSummary {
	m := uc.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &MetricsSummary{
		TotalRequests:      m.total,
		SuccessfulRequests: m.successful,
		MatchedRequests:    m.matched,
	}
	if m.successful > 0 {
		summary.MatchRate = float64(m.matched) / float64(m.successful)
		summary.AverageDistance = m.distanceSum / float64(m.successful)
	}
	if m.total > 0 {
		summary.AverageProcessingLatencyMs = m.latencySumMs / float64(m.total)
	}
	return summary
}
