package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokebin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokebin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	DetailedViews = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokebin_detailed_views_total",
		Help: "no. of detailed views built",
	})
	BlocksParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pokebin_blocks_parsed_total",
			Help: "no. of paste blocks parsed, by kind",
		},
		[]string{"kind"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pokebin_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"layer"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pokebin_cache_misses_total",
			Help: "no. of cache misses",
		},
		[]string{"layer"},
	)
	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pokebin_decode_failures_total",
		Help: "no. of stored records that failed to decode",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pokebin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pokebin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	RecentErrorRatePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pokebin_recent_error_rate_percent",
			Help: "rolling error rate percentage over the anomaly window, by endpoint class",
		},
		[]string{"class"},
	)
	WALCheckpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pokebin_wal_checkpoints_total",
			Help: "no. of sqlite WAL checkpoints, by outcome",
		},
		[]string{"result"},
	)
)
