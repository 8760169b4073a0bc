package metrics

import (
	"sync"
	"time"

	apperrors "sjsage522/pricetracker/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics captures refresh, batch and fetch health signals
type Metrics struct {
	refreshRuns     *prometheus.CounterVec
	refreshProducts *prometheus.CounterVec
	batchRuns       *prometheus.CounterVec
	batchItems      *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec
	fetchDuration   *prometheus.HistogramVec
	fetchErrors     *prometheus.CounterVec
	priceChanges    *prometheus.CounterVec
	queueItems      *prometheus.GaugeVec
	recovered       prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the metrics registered with the default Prometheus registry
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates and registers the collectors with registerer
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricetracker",
			Name:      "refresh_runs_total",
			Help:      "Catalog refresh runs by outcome.",
		}, []string{"supermarket", "outcome"}),
		refreshProducts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricetracker",
			Name:      "refresh_products_total",
			Help:      "Products added, retired or reactivated by catalog refreshes.",
		}, []string{"supermarket", "change"}),
		batchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricetracker",
			Name:      "batch_runs_total",
			Help:      "Scan batches by outcome.",
		}, []string{"supermarket", "outcome"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricetracker",
			Name:      "batch_items_total",
			Help:      "Scanned items by result.",
		}, []string{"supermarket", "result"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pricetracker",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of scan batches.",
			Buckets:   []float64{1, 10, 60, 300, 600, 900, 1800},
		}, []string{"supermarket"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pricetracker",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of product fetches including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"supermarket"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricetracker",
			Name:      "fetch_errors_total",
			Help:      "Failed product fetches by error type.",
		}, []string{"supermarket", "type"}),
		priceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricetracker",
			Name:      "price_changes_total",
			Help:      "New price history versions.",
		}, []string{"supermarket"}),
		queueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pricetracker",
			Name:      "queue_items",
			Help:      "Scan queue items by state.",
		}, []string{"supermarket", "state"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricetracker",
			Name:      "queue_recovered_total",
			Help:      "Stale queue items returned to pending.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.refreshRuns, m.refreshProducts, m.batchRuns, m.batchItems, m.batchDuration,
			m.fetchDuration, m.fetchErrors, m.priceChanges, m.queueItems, m.recovered,
		)
	}
	return m
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(apperrors.Classify(err))
}

// ObserveRefresh records a refresh run
func (m *Metrics) ObserveRefresh(supermarket string, added, retired, reactivated int, err error) {
	if m == nil {
		return
	}
	m.refreshRuns.WithLabelValues(supermarket, outcome(err)).Inc()
	if err != nil {
		return
	}
	m.refreshProducts.WithLabelValues(supermarket, "added").Add(float64(added))
	m.refreshProducts.WithLabelValues(supermarket, "retired").Add(float64(retired))
	m.refreshProducts.WithLabelValues(supermarket, "reactivated").Add(float64(reactivated))
}

// ObserveBatch records a finished batch
func (m *Metrics) ObserveBatch(supermarket string, succeeded, failed int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.batchRuns.WithLabelValues(supermarket, outcome(err)).Inc()
	m.batchItems.WithLabelValues(supermarket, "succeeded").Add(float64(succeeded))
	m.batchItems.WithLabelValues(supermarket, "failed").Add(float64(failed))
	m.batchDuration.WithLabelValues(supermarket).Observe(elapsed.Seconds())
}

// ObserveFetch records a product fetch
func (m *Metrics) ObserveFetch(supermarket string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(supermarket).Observe(elapsed.Seconds())
	if err != nil {
		m.fetchErrors.WithLabelValues(supermarket, string(apperrors.Classify(err))).Inc()
	}
}

// IncPriceChange counts a new price version
func (m *Metrics) IncPriceChange(supermarket string) {
	if m == nil {
		return
	}
	m.priceChanges.WithLabelValues(supermarket).Inc()
}

// SetQueueItems publishes the queue size of one state
func (m *Metrics) SetQueueItems(supermarket, state string, n int64) {
	if m == nil {
		return
	}
	m.queueItems.WithLabelValues(supermarket, state).Set(float64(n))
}

// AddRecovered counts items returned by stale recovery
func (m *Metrics) AddRecovered(n int64) {
	if m == nil {
		return
	}
	m.recovered.Add(float64(n))
}
