package realtime

import (
	"sync"
	"time"

	"github.com/onyxchat/backend/internal/observability"
)

// CallStatsSnapshot is a point-in-time copy of the call counters.
type CallStatsSnapshot struct {
	TotalCalls             int64   `json:"totalCalls"`
	SuccessfulCalls        int64   `json:"successfulCalls"`
	MissedCalls            int64   `json:"missedCalls"`
	TotalDurationSeconds   float64 `json:"totalDurationSeconds"`
	AverageDurationSeconds float64 `json:"averageDurationSeconds"`
}

// CallStats aggregates process-wide call outcomes since start.
type CallStats struct {
	mu         sync.Mutex
	total      int64
	successful int64
	missed     int64
	duration   time.Duration
	metrics    *observability.Metrics
}

func NewCallStats(metrics *observability.Metrics) *CallStats {
	return &CallStats{metrics: metrics}
}

// Completed records a call that was answered and then ended.
func (s *CallStats) Completed(d time.Duration) {
	s.mu.Lock()
	s.total++
	s.successful++
	s.duration += d
	s.mu.Unlock()
	s.metrics.CallFinished("completed", d.Seconds())
}

// Missed records a rejected, timed-out or canceled call under status.
func (s *CallStats) Missed(status string) {
	s.mu.Lock()
	s.total++
	s.missed++
	s.mu.Unlock()
	s.metrics.CallFinished(status, 0)
}

// Snapshot returns the current counters. The average is over successful calls.
func (s *CallStats) Snapshot() CallStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := CallStatsSnapshot{
		TotalCalls:           s.total,
		SuccessfulCalls:      s.successful,
		MissedCalls:          s.missed,
		TotalDurationSeconds: s.duration.Seconds(),
	}
	if s.successful > 0 {
		snap.AverageDurationSeconds = s.duration.Seconds() / float64(s.successful)
	}
	return snap
}
