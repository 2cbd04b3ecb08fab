// Package metrics exposes Prometheus collectors for the sweep service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchesTotal         *prometheus.CounterVec
	matchesTotal          prometheus.Counter
	retriesTotal          prometheus.Counter
	batchesFlushedTotal   prometheus.Counter
	persistFailuresTotal  prometheus.Counter
	checkpointSavesTotal  prometheus.Counter
	activeWorkers         prometheus.Gauge
	throttleDelaySeconds  prometheus.Histogram
	queryDurationSeconds  prometheus.Histogram
	combinationsRemaining prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		searchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "curpsweep_searches_total",
				Help: "Total registry queries completed, labeled by outcome kind.",
			},
			[]string{"outcome"},
		)

		matchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "curpsweep_matches_total",
				Help: "Total confirmed CURP matches found.",
			},
		)

		retriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "curpsweep_retries_total",
				Help: "Total in-place retries of transient query errors.",
			},
		)

		batchesFlushedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "curpsweep_batches_flushed_total",
				Help: "Total result batches durably persisted.",
			},
		)

		persistFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "curpsweep_persist_failures_total",
				Help: "Total failed persist attempts (each is retried).",
			},
		)

		checkpointSavesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "curpsweep_checkpoint_saves_total",
				Help: "Total checkpoint records written.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "curpsweep_active_workers",
				Help: "Number of workers currently processing combinations.",
			},
		)

		throttleDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "curpsweep_throttle_delay_seconds",
				Help:    "Histogram of pacing delays applied between queries.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
		)

		queryDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "curpsweep_query_duration_seconds",
				Help:    "Histogram of external query latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 90},
			},
		)

		combinationsRemaining = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "curpsweep_combinations_remaining",
				Help: "Combinations left to claim for the active person.",
			},
		)
	})
}

// ObserveSearch records a completed query and its classified outcome.
func ObserveSearch(outcome string, dur time.Duration) {
	if searchesTotal == nil {
		return
	}
	searchesTotal.WithLabelValues(outcome).Inc()
	queryDurationSeconds.Observe(dur.Seconds())
}

// AddMatches counts confirmed matches.
func AddMatches(n int) {
	if matchesTotal == nil {
		return
	}
	matchesTotal.Add(float64(n))
}

// IncRetry counts one in-place retry.
func IncRetry() {
	if retriesTotal == nil {
		return
	}
	retriesTotal.Inc()
}

// IncBatchFlushed counts one durable batch flush.
func IncBatchFlushed() {
	if batchesFlushedTotal == nil {
		return
	}
	batchesFlushedTotal.Inc()
}

// IncPersistFailure counts one failed persist attempt.
func IncPersistFailure() {
	if persistFailuresTotal == nil {
		return
	}
	persistFailuresTotal.Inc()
}

// IncCheckpointSave counts one checkpoint write.
func IncCheckpointSave() {
	if checkpointSavesTotal == nil {
		return
	}
	checkpointSavesTotal.Inc()
}

// WorkerStarted increments the active worker gauge.
func WorkerStarted() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge.
func WorkerStopped() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// ObserveThrottleDelay records one pacing delay.
func ObserveThrottleDelay(d time.Duration) {
	if throttleDelaySeconds == nil {
		return
	}
	throttleDelaySeconds.Observe(d.Seconds())
}

// SetRemaining publishes the active person's unclaimed combination count.
func SetRemaining(n int64) {
	if combinationsRemaining == nil {
		return
	}
	combinationsRemaining.Set(float64(n))
}
