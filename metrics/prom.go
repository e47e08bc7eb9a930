package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipsync_auth_exchanges_total",
			Help: "no. of google token exchanges by result",
		},
		[]string{"result"},
	)
	ItemsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipsync_items_created_total",
			Help: "no. of clipboard items created",
		},
		[]string{"kind"},
	)
	ItemsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_items_deleted_total",
		Help: "no. of clipboard items deleted",
	})
	ListRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_list_requests_total",
		Help: "no. of clipboard listings served",
	})
	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_upload_bytes_total",
		Help: "bytes accepted through file uploads",
	})
	StorageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipsync_storage_operation_duration_seconds",
			Help:    "storage backend call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_metadata_cache_hits_total",
		Help: "no. of item metadata cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsync_metadata_cache_misses_total",
		Help: "no. of item metadata cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipsync_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipsync_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipsync_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

const (
	ResultIssued   = "issued"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Init pre-creates the labelled series so dashboards see zeros before the
// first request.
func Init() {
	for _, r := range []string{ResultIssued, ResultRejected, ResultError} {
		AuthExchanges.WithLabelValues(r)
	}
	ItemsCreated.WithLabelValues("text")
	ItemsCreated.WithLabelValues("file")
}
