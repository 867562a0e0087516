package postgres

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyWindowSize is the number of most recent query latencies retained for
// the rolling average.
const latencyWindowSize = 1000

// Metrics is a read-only snapshot of pool health for operational dashboards.
type Metrics struct {
	TotalConnections int
	IdleConnections  int
	WaitingRequests  int
	TotalQueries     int64
	AverageQueryTime time.Duration
	SlowQueries      int64
	ErrorRate        float64
}

// queryStats accumulates per-query observations. Counters are atomic; the
// latency ring is guarded by a small mutex since appends are cheap.
type queryStats struct {
	totalQueries atomic.Int64
	errorCount   atomic.Int64
	slowQueries  atomic.Int64

	mu        sync.Mutex
	latencies [latencyWindowSize]time.Duration
	next      int
	filled    int
}

func (s *queryStats) recordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latencies[s.next] = d
	s.next = (s.next + 1) % latencyWindowSize

	if s.filled < latencyWindowSize {
		s.filled++
	}
}

func (s *queryStats) averageLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filled == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < s.filled; i++ {
		total += s.latencies[i]
	}

	return total / time.Duration(s.filled)
}

func (s *queryStats) errorRate() float64 {
	total := s.totalQueries.Load()
	if total == 0 {
		return 0
	}

	return float64(s.errorCount.Load()) / float64(total)
}

// reset clears all counters and the latency window.
func (s *queryStats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalQueries.Store(0)
	s.errorCount.Store(0)
	s.slowQueries.Store(0)
	s.next = 0
	s.filled = 0
}
