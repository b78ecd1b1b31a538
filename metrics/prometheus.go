package metrics

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRegistry exposes instruments as Prometheus collectors
//
// Ids are converted to metric names by replacing dots with underscores, so
// "limit.partition" becomes <namespace>_limit_partition.
type PrometheusRegistry struct {
	registerer prometheus.Registerer
	namespace  string

	mu         sync.Mutex
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusRegistry creates a registry; a nil registerer uses prometheus.DefaultRegisterer
func NewPrometheusRegistry(registerer prometheus.Registerer, namespace string) *PrometheusRegistry {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "concurrency"
	}
	return &PrometheusRegistry{
		registerer: registerer,
		namespace:  namespace,
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// RTT distributions are recorded in nanoseconds: 100µs up to about 52s
var (
	rttBuckets   = prometheus.ExponentialBuckets(1e5, 2, 20)
	countBuckets = prometheus.ExponentialBuckets(1, 2, 16)
)

func bucketsFor(id string) []float64 {
	switch id {
	case IDMinRTT, IDMinWindowRTT:
		return rttBuckets
	default:
		return countBuckets
	}
}

func metricName(id string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(id)
}

// RegisterDistribution implements Registry
//
// Every registration of one id must use the same tag names.
func (r *PrometheusRegistry) RegisterDistribution(id string, tagNameValuePairs ...string) SampleListener {
	names, values := tagPairs(tagNameValuePairs)
	key := id + "|" + strings.Join(names, ",")

	r.mu.Lock()
	vec, ok := r.histograms[key]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: r.namespace,
			Name:      metricName(id),
			Help:      "Distribution of " + id,
			Buckets:   bucketsFor(id),
		}, names)

		if err := r.registerer.Register(vec); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				r.mu.Unlock()
				return noopListener
			}
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				vec = existing
			}
		}
		r.histograms[key] = vec
	}
	r.mu.Unlock()

	observer, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return noopListener
	}
	return SampleListenerFunc(observer.Observe)
}

// RegisterGauge implements Registry
//
// Registering the same id and tags twice keeps the first supplier.
func (r *PrometheusRegistry) RegisterGauge(id string, supplier func() float64, tagNameValuePairs ...string) {
	names, values := tagPairs(tagNameValuePairs)
	labels := make(prometheus.Labels, len(names))
	for i := range names {
		labels[names[i]] = values[i]
	}

	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   r.namespace,
		Name:        metricName(id),
		Help:        "Current value of " + id,
		ConstLabels: labels,
	}, supplier)

	if err := r.registerer.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
	}
}
