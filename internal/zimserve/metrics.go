package zimserve

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides low-cardinality Prometheus metrics for zimserve.
//
// Metrics are not labeled by full request path or status code; per-endpoint counters use
// the route name only, and per-archive counters use archive short name (bounded by the
// number of installed archives, not by request volume).
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpErrorsTotal     prometheus.Counter
	rateLimitedTotal    prometheus.Counter

	archivesDiscovered prometheus.Gauge

	poolOpenHandles *prometheus.GaugeVec

	searchRequestsTotal  *prometheus.CounterVec // label: phase (fast|full)
	searchRequestLatency *prometheus.HistogramVec
	searchCacheHits      prometheus.Counter
	searchCacheMisses    prometheus.Counter
	suggestCacheHits     prometheus.Counter
	suggestCacheMisses   prometheus.Counter

	titleIndexBuildsTotal  prometheus.Counter
	titleIndexBuildFailed  prometheus.Counter
	titleIndexCurrent      prometheus.Gauge

	contentBytesServed prometheus.Counter
	contentRangeReqs   prometheus.Counter

	downloadsActive   prometheus.Gauge
	downloadsTotal    *prometheus.CounterVec // label: outcome (ok|error|cancelled)
	downloadBytes     prometheus.Counter

	catalogFetchTotal   *prometheus.CounterVec // label: outcome (ok|error)
	catalogFetchLatency prometheus.Histogram
}

// NewMetrics constructs and registers the service's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zimserve",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route.",
		}, []string{"route"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zimserve",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		httpErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Total number of HTTP responses with status >= 500.",
		}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		}),

		archivesDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zimserve",
			Name:      "archives_discovered",
			Help:      "Number of archives currently discovered in the library.",
		}),

		poolOpenHandles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zimserve",
			Subsystem: "pool",
			Name:      "open_handles",
			Help:      "Number of open reader handles per pool.",
		}, []string{"pool"}),

		searchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zimserve",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total number of search requests by phase.",
		}, []string{"phase"}),
		searchRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zimserve",
			Subsystem: "search",
			Name:      "request_duration_seconds",
			Help:      "Duration of search requests in seconds by phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		searchCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "search_cache", Name: "hits_total", Help: "Search cache hits.",
		}),
		searchCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "search_cache", Name: "misses_total", Help: "Search cache misses.",
		}),
		suggestCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "suggest_cache", Name: "hits_total", Help: "Suggest cache hits.",
		}),
		suggestCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "suggest_cache", Name: "misses_total", Help: "Suggest cache misses.",
		}),

		titleIndexBuildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "title_index", Name: "builds_total", Help: "Total title index builds started.",
		}),
		titleIndexBuildFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "title_index", Name: "build_failed_total", Help: "Total title index builds that failed.",
		}),
		titleIndexCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zimserve", Subsystem: "title_index", Name: "current", Help: "Number of archives with a current title index.",
		}),

		contentBytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "content", Name: "bytes_served_total", Help: "Total bytes served by the content server.",
		}),
		contentRangeReqs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "content", Name: "range_requests_total", Help: "Total range requests served.",
		}),

		downloadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zimserve", Subsystem: "download", Name: "active", Help: "Number of in-flight downloads.",
		}),
		downloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "download", Name: "completed_total", Help: "Total completed downloads by outcome.",
		}, []string{"outcome"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "download", Name: "bytes_total", Help: "Total bytes downloaded.",
		}),

		catalogFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zimserve", Subsystem: "catalog", Name: "fetch_total", Help: "Total catalog fetches by outcome.",
		}, []string{"outcome"}),
		catalogFetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zimserve", Subsystem: "catalog", Name: "fetch_duration_seconds", Help: "Catalog fetch duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.httpRequestsTotal, m.httpRequestDuration, m.httpErrorsTotal, m.rateLimitedTotal,
		m.archivesDiscovered, m.poolOpenHandles,
		m.searchRequestsTotal, m.searchRequestLatency,
		m.searchCacheHits, m.searchCacheMisses, m.suggestCacheHits, m.suggestCacheMisses,
		m.titleIndexBuildsTotal, m.titleIndexBuildFailed, m.titleIndexCurrent,
		m.contentBytesServed, m.contentRangeReqs,
		m.downloadsActive, m.downloadsTotal, m.downloadBytes,
		m.catalogFetchTotal, m.catalogFetchLatency,
	)

	return m
}

func (m *Metrics) ObserveHTTPRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(d.Seconds())
	if status >= 500 {
		m.httpErrorsTotal.Inc()
	}
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

func (m *Metrics) SetArchivesDiscovered(n int) {
	if m == nil {
		return
	}
	m.archivesDiscovered.Set(float64(n))
}

func (m *Metrics) SetPoolOpenHandles(pool string, n int) {
	if m == nil {
		return
	}
	m.poolOpenHandles.WithLabelValues(pool).Set(float64(n))
}

func (m *Metrics) ObserveSearch(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.searchRequestsTotal.WithLabelValues(phase).Inc()
	m.searchRequestLatency.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) IncSearchCacheHit()  { if m != nil { m.searchCacheHits.Inc() } }
func (m *Metrics) IncSearchCacheMiss() { if m != nil { m.searchCacheMisses.Inc() } }
func (m *Metrics) IncSuggestCacheHit() { if m != nil { m.suggestCacheHits.Inc() } }
func (m *Metrics) IncSuggestCacheMiss(){ if m != nil { m.suggestCacheMisses.Inc() } }

func (m *Metrics) IncTitleIndexBuild()       { if m != nil { m.titleIndexBuildsTotal.Inc() } }
func (m *Metrics) IncTitleIndexBuildFailed() { if m != nil { m.titleIndexBuildFailed.Inc() } }
func (m *Metrics) SetTitleIndexCurrent(n int) {
	if m == nil {
		return
	}
	m.titleIndexCurrent.Set(float64(n))
}

func (m *Metrics) AddContentBytesServed(n int64) {
	if m == nil {
		return
	}
	m.contentBytesServed.Add(float64(n))
}

func (m *Metrics) IncContentRangeRequest() { if m != nil { m.contentRangeReqs.Inc() } }

func (m *Metrics) SetDownloadsActive(n int) {
	if m == nil {
		return
	}
	m.downloadsActive.Set(float64(n))
}

func (m *Metrics) IncDownloadCompleted(outcome string) {
	if m == nil {
		return
	}
	m.downloadsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddDownloadBytes(n int64) {
	if m == nil {
		return
	}
	m.downloadBytes.Add(float64(n))
}

func (m *Metrics) ObserveCatalogFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.catalogFetchTotal.WithLabelValues(outcome).Inc()
	m.catalogFetchLatency.Observe(d.Seconds())
}
