package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Health classifies a service from its rolling operation statistics.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Health classification thresholds.
const (
	minSamplesForRate    = 10
	degradedSuccessRate  = 0.95
	degradedAvgLatency   = 2000 * time.Millisecond
	degradedRetryRatio   = 0.5
	unhealthyFailures    = 10
	maxLatenciesRetained = 1024
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_external_operations_total",
		Help: "External service operations by type and outcome",
	}, []string{"operation", "outcome"})

	operationRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_external_operation_retries_total",
		Help: "Retries taken by external service operations",
	}, []string{"operation"})

	operationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voiceagent_external_operation_duration_seconds",
		Help:    "External service operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// Stats aggregates recorded attempts for one operation type.
type Stats struct {
	Operation    string
	Count        int
	Failures     int
	SuccessRate  float64
	AvgLatency   time.Duration
	P95Latency   time.Duration
	TotalRetries int
}

type opRecord struct {
	count        int
	failures     int
	totalRetries int
	totalLatency time.Duration
	// latencies is a bounded window used for the p95 estimate.
	latencies []time.Duration
}

// MetricsTracker records external-call outcomes per operation-type label.
// It is process-wide and safe for concurrent use; sessions append to it but
// never share any other mutable state.
type MetricsTracker struct {
	mu  sync.Mutex
	ops map[string]*opRecord
}

// NewMetricsTracker creates an empty tracker.
func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{ops: make(map[string]*opRecord)}
}

// Record registers one completed operation: its latency, the retries taken
// and whether it ultimately failed. The matching prometheus series are
// updated as well.
func (t *MetricsTracker) Record(operation string, d time.Duration, retries int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	operationsTotal.WithLabelValues(operation, outcome).Inc()
	if retries > 0 {
		operationRetriesTotal.WithLabelValues(operation).Add(float64(retries))
	}
	operationLatency.WithLabelValues(operation).Observe(d.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.ops[operation]
	if rec == nil {
		rec = &opRecord{}
		t.ops[operation] = rec
	}
	rec.count++
	if err != nil {
		rec.failures++
	}
	rec.totalRetries += retries
	rec.totalLatency += d
	rec.latencies = append(rec.latencies, d)
	if len(rec.latencies) > maxLatenciesRetained {
		rec.latencies = rec.latencies[len(rec.latencies)-maxLatenciesRetained:]
	}
}

// Stats returns the aggregate for one operation type; ok is false when the
// operation has never been recorded.
func (t *MetricsTracker) Stats(operation string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.ops[operation]
	if rec == nil {
		return Stats{}, false
	}
	return rec.stats(operation), true
}

// AllStats returns the aggregate for every recorded operation type, sorted
// by operation label for stable output.
func (t *MetricsTracker) AllStats() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Stats, 0, len(t.ops))
	for op, rec := range t.ops {
		out = append(out, rec.stats(op))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Health classifies the dependent services from the rolling statistics:
// failure count > 10 is unhealthy; a success rate below 95% over at least 10
// samples, average latency above 2s, or a retry ratio above 0.5 is degraded.
func (t *MetricsTracker) Health() Health {
	worst := HealthHealthy
	for _, s := range t.AllStats() {
		if s.Failures > unhealthyFailures {
			return HealthUnhealthy
		}
		degraded := false
		if s.Count >= minSamplesForRate && s.SuccessRate < degradedSuccessRate {
			degraded = true
		}
		if s.AvgLatency > degradedAvgLatency {
			degraded = true
		}
		if s.Count > 0 && float64(s.TotalRetries)/float64(s.Count) > degradedRetryRatio {
			degraded = true
		}
		if degraded {
			worst = HealthDegraded
		}
	}
	return worst
}

func (r *opRecord) stats(operation string) Stats {
	s := Stats{
		Operation:    operation,
		Count:        r.count,
		Failures:     r.failures,
		TotalRetries: r.totalRetries,
	}
	if r.count > 0 {
		s.SuccessRate = float64(r.count-r.failures) / float64(r.count)
		s.AvgLatency = r.totalLatency / time.Duration(r.count)
	}
	if len(r.latencies) > 0 {
		sorted := make([]time.Duration, len(r.latencies))
		copy(sorted, r.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		idx := (len(sorted) * 95) / 100
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		s.P95Latency = sorted[idx]
	}
	return s
}
