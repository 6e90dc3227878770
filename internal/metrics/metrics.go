// Package metrics registers the pipeline's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchesTotal counts fetch outcomes per stage.
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poipipe_fetches_total",
		Help: "Fetch attempts by stage and result.",
	}, []string{"stage", "result"})

	// FetchDuration observes upstream response latency per stage.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poipipe_fetch_duration_seconds",
		Help:    "Fetch latency by stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// BlockEvents counts URLs dropped after exhausting the blocked-retry
	// budget.
	BlockEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poipipe_block_events_total",
		Help: "URLs dropped after repeated anti-scrape blocks.",
	})

	// QueueDepth tracks stage queue lengths as seen by the monitor.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poipipe_queue_depth",
		Help: "Stage queue depth.",
	}, []string{"stage"})

	// LLMCalls counts enrichment API calls by outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poipipe_llm_calls_total",
		Help: "LLM calls by result.",
	}, []string{"result"})

	// CacheHits counts enrichment results served from the disk cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poipipe_enrichment_cache_hits_total",
		Help: "Enrichment cache hits.",
	})

	// EnrichedPOIs counts documents that received deep_ fields.
	EnrichedPOIs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poipipe_enriched_pois_total",
		Help: "POI documents successfully enriched.",
	})
)
