// Package metrics decouples limiters from the metrics backend.
//
// Limiters register gauges (sampled on scrape) and distributions (fed on every
// sample) by id plus tag name/value pairs. Empty discards everything; OTel and
// Prometheus backends are provided.
package metrics

// Well-known metric ids
const (
	IDLimit             = "limit"
	IDInflight          = "inflight"
	IDPartitionLimit    = "limit.partition"
	IDPartitionInflight = "inflight.partition"
	IDMinRTT            = "min_rtt"
	IDMinWindowRTT      = "min_window_rtt"
	IDQueueSize         = "queue_size"
)

// SampleListener receives individual observations of a distribution
type SampleListener interface {
	AddSample(value float64)
}

// SampleListenerFunc adapts a function to SampleListener
type SampleListenerFunc func(value float64)

// AddSample calls f(value)
func (f SampleListenerFunc) AddSample(value float64) { f(value) }

// Registry creates instruments for a metrics backend
type Registry interface {
	// RegisterDistribution returns a listener for observations of id
	RegisterDistribution(id string, tagNameValuePairs ...string) SampleListener

	// RegisterGauge exposes supplier as the current value of id
	RegisterGauge(id string, supplier func() float64, tagNameValuePairs ...string)
}

type emptyRegistry struct{}

var noopListener = SampleListenerFunc(func(float64) {})

// Empty returns a registry that records nothing
func Empty() Registry {
	return emptyRegistry{}
}

func (emptyRegistry) RegisterDistribution(string, ...string) SampleListener { return noopListener }

func (emptyRegistry) RegisterGauge(string, func() float64, ...string) {}

// tagPairs splits name/value pairs; a trailing name without value is dropped
func tagPairs(tagNameValuePairs []string) (names []string, values []string) {
	n := len(tagNameValuePairs) / 2
	names = make([]string, 0, n)
	values = make([]string, 0, n)
	for i := 0; i+1 < len(tagNameValuePairs); i += 2 {
		names = append(names, tagNameValuePairs[i])
		values = append(values, tagNameValuePairs[i+1])
	}
	return names, values
}
