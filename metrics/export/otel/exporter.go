package otel

import (
	"context"
	"errors"
	"fmt"

	authgate "github.com/ashmida/authgate"
	"github.com/ashmida/authgate/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authgate.MetricsSnapshot
	AuditDropped() uint64
}

// observeFunc publishes one metric family's data points from a snapshot.
// Binding the instrument handles in closures at registration time keeps the
// collect path a flat loop with no per-family type switching.
type observeFunc func(snapshot authgate.MetricsSnapshot, dropped uint64, observer metric.Observer)

// Exporter bridges engine snapshots into OpenTelemetry asynchronous
// instruments. All instruments share a single registered callback, so every
// collection sees one consistent snapshot.
type Exporter struct {
	registration metric.Registration
}

// New registers the engine's metrics with the meter.
func New(meter metric.Meter, engine *authgate.Engine) (*Exporter, error) {
	return NewFromSource(meter, engine)
}

// NewFromSource registers a custom metrics source with the meter.
func NewFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	var (
		observers   []observeFunc
		observables []metric.Observable
	)

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		id := def.ID
		observables = append(observables, ins)
		observers = append(observers, func(snapshot authgate.MetricsSnapshot, _ uint64, observer metric.Observer) {
			observer.ObserveInt64(ins, int64(snapshot.Counters[id]))
		})
	}

	for _, def := range internaldefs.HistogramDefs {
		var buckets [8]metric.Int64ObservableGauge
		for i := range internaldefs.HistogramBoundSuffix {
			name := def.Name + "_bucket_le_" + internaldefs.HistogramBoundSuffix[i]
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
			if err != nil {
				return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
			}
			buckets[i] = ins
			observables = append(observables, ins)
		}
		count, err := meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s_count: %w", def.Name, err)
		}
		observables = append(observables, count)

		id := def.ID
		observers = append(observers, func(snapshot authgate.MetricsSnapshot, _ uint64, observer metric.Observer) {
			cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[id]))
			for i := range cumulative {
				observer.ObserveInt64(buckets[i], int64(cumulative[i]))
			}
			observer.ObserveInt64(count, int64(cumulative[len(cumulative)-1]))
		})
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"authgate_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	observables = append(observables, auditDropped)
	observers = append(observers, func(_ authgate.MetricsSnapshot, dropped uint64, observer metric.Observer) {
		observer.ObserveInt64(auditDropped, int64(dropped))
	})

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := source.MetricsSnapshot()
		dropped := source.AuditDropped()
		for _, observe := range observers {
			observe(snapshot, dropped, observer)
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	return &Exporter{registration: registration}, nil
}

// Close unregisters the collection callback. Safe on a nil exporter.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
