// Package metrics registers the engine's Prometheus collectors.
//
// Primary series:
//   - screener_tasks_total{result}        evaluation tasks by outcome
//   - screener_task_duration_seconds      filter evaluation latency
//   - screener_signals_total{trader_id}   persisted signals per trader
//   - screener_traders{state}             trader count per lifecycle state
//   - screener_symbols_tracked            size of the tracked universe
//   - screener_queue_depth                pending evaluation tasks
//   - screener_batches_total{timeframe}   dispatched evaluation batches
//   - screener_stream_reconnects_total    market stream reconnect count
//   - screener_compile_errors_total       filter compile failures
//
// All collectors register in init() and are served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcome label values.
const (
	ResultMatched = "matched"
	ResultNoMatch = "no_match"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_tasks_total",
			Help: "Evaluation tasks by outcome",
		},
		[]string{"result"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "screener_task_duration_seconds",
			Help:    "Filter evaluation latency per symbol",
			Buckets: prometheus.DefBuckets,
		},
	)

	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_signals_total",
			Help: "Persisted signals per trader, dedup bumps included",
		},
		[]string{"trader_id"},
	)

	TradersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "screener_traders",
			Help: "Trader count per lifecycle state",
		},
		[]string{"state"},
	)

	SymbolsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "screener_symbols_tracked",
			Help: "Symbols in the tracked universe",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "screener_queue_depth",
			Help: "Evaluation tasks waiting in the scheduler queue",
		},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screener_batches_total",
			Help: "Dispatched evaluation batches per timeframe",
		},
		[]string{"timeframe"},
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "screener_stream_reconnects_total",
			Help: "Market data stream reconnects",
		},
	)

	CompileErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "screener_compile_errors_total",
			Help: "Filter compile failures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TaskDuration,
		SignalsTotal,
		TradersByState,
		SymbolsTracked,
		QueueDepth,
		BatchesTotal,
		StreamReconnects,
		CompileErrors,
	)
}

// RegisterCacheStats exposes the market cache read counters as gauges. Call
// once after the cache is built.
func RegisterCacheStats(stats func() (hits, misses int64)) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "screener_cache_hits_total",
			Help: "Market cache snapshot hits",
		}, func() float64 {
			h, _ := stats()
			return float64(h)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "screener_cache_misses_total",
			Help: "Market cache snapshot misses",
		}, func() float64 {
			_, m := stats()
			return float64(m)
		}),
	)
}

// Handler serves the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
