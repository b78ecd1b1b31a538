package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultMeterName = "github.com/KOMKZ/go-yogan-concurrency"

// OTelRegistry records through an OpenTelemetry meter
//
// Instruments are named "<prefix>.<id>" and tags become attributes.
type OTelRegistry struct {
	meter  metric.Meter
	prefix string

	mu            sync.Mutex
	histograms    map[string]metric.Float64Histogram
	gauges        map[string]metric.Float64ObservableGauge
	registrations []metric.Registration
}

// NewOTelRegistry creates a registry on meter; a nil meter uses the global provider
func NewOTelRegistry(meter metric.Meter, prefix string) *OTelRegistry {
	if meter == nil {
		meter = otel.Meter(defaultMeterName)
	}
	if prefix == "" {
		prefix = "concurrency"
	}
	return &OTelRegistry{
		meter:      meter,
		prefix:     prefix,
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64ObservableGauge),
	}
}

func (r *OTelRegistry) name(id string) string {
	return r.prefix + "." + id
}

func attributes(tagNameValuePairs []string) []attribute.KeyValue {
	names, values := tagPairs(tagNameValuePairs)
	attrs := make([]attribute.KeyValue, len(names))
	for i := range names {
		attrs[i] = attribute.String(names[i], values[i])
	}
	return attrs
}

// RegisterDistribution implements Registry
func (r *OTelRegistry) RegisterDistribution(id string, tagNameValuePairs ...string) SampleListener {
	r.mu.Lock()
	defer r.mu.Unlock()

	histogram, ok := r.histograms[id]
	if !ok {
		var err error
		histogram, err = r.meter.Float64Histogram(r.name(id),
			metric.WithDescription("Distribution of "+id))
		if err != nil {
			otel.Handle(err)
			return noopListener
		}
		r.histograms[id] = histogram
	}

	opt := metric.WithAttributes(attributes(tagNameValuePairs)...)
	return SampleListenerFunc(func(value float64) {
		histogram.Record(context.Background(), value, opt)
	})
}

// RegisterGauge implements Registry
func (r *OTelRegistry) RegisterGauge(id string, supplier func() float64, tagNameValuePairs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	gauge, ok := r.gauges[id]
	if !ok {
		var err error
		gauge, err = r.meter.Float64ObservableGauge(r.name(id),
			metric.WithDescription("Current value of "+id))
		if err != nil {
			otel.Handle(err)
			return
		}
		r.gauges[id] = gauge
	}

	opt := metric.WithAttributes(attributes(tagNameValuePairs)...)
	reg, err := r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, supplier(), opt)
		return nil
	}, gauge)
	if err != nil {
		otel.Handle(err)
		return
	}
	r.registrations = append(r.registrations, reg)
}

// Close unregisters every gauge callback
func (r *OTelRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, reg := range r.registrations {
		if err := reg.Unregister(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.registrations = nil
	return firstErr
}
