package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the lease runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as acquire and release.
type Collector interface {
	IncAcquire(owner, outcome string)
	IncRelease(owner, mode string)
	IncHotSwap(owner string)
	SetBearerHeld(owner string, held bool)
	SetRefCount(owner string, count int)
	IncEventDropped(topic string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncAcquire(string, string)    {}
func (noopCollector) IncRelease(string, string)    {}
func (noopCollector) IncHotSwap(string)            {}
func (noopCollector) SetBearerHeld(string, bool)   {}
func (noopCollector) SetRefCount(string, int)      {}
func (noopCollector) IncEventDropped(string)       {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	acquires     *prometheus.CounterVec
	releases     *prometheus.CounterVec
	hotSwaps     *prometheus.CounterVec
	bearerHeld   *prometheus.GaugeVec
	refCount     *prometheus.GaugeVec
	eventDropped *prometheus.CounterVec
}

var (
	registryMu       sync.Mutex
	acquireCounter   *prometheus.CounterVec
	releaseCounter   *prometheus.CounterVec
	hotSwapCounter   *prometheus.CounterVec
	bearerHeldGauge  *prometheus.GaugeVec
	refCountGauge    *prometheus.GaugeVec
	eventDropCounter *prometheus.CounterVec
)

func registerCounterVec(reg prometheus.Registerer, cached **prometheus.CounterVec, opts prometheus.CounterOpts, labels []string) error {
	if *cached != nil {
		return nil
	}
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return err
		}
		*cached = existing
		return nil
	}
	*cached = counter
	return nil
}

func registerGaugeVec(reg prometheus.Registerer, cached **prometheus.GaugeVec, opts prometheus.GaugeOpts, labels []string) error {
	if *cached != nil {
		return nil
	}
	gauge := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(gauge); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return err
		}
		*cached = existing
		return nil
	}
	*cached = gauge
	return nil
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registryMu.Lock()
	defer registryMu.Unlock()

	if err := registerCounterVec(reg, &acquireCounter, prometheus.CounterOpts{
		Name: "netlease_acquire_total",
		Help: "Number of bearer acquire calls per owner, labelled by outcome.",
	}, []string{"owner", "outcome"}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &releaseCounter, prometheus.CounterOpts{
		Name: "netlease_release_total",
		Help: "Number of bearer release calls per owner, labelled by release mode.",
	}, []string{"owner", "mode"}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &hotSwapCounter, prometheus.CounterOpts{
		Name: "netlease_hot_swap_total",
		Help: "Number of in-use bearer replacements by a preferred-class bearer.",
	}, []string{"owner"}); err != nil {
		return nil, err
	}
	if err := registerGaugeVec(reg, &bearerHeldGauge, prometheus.GaugeOpts{
		Name: "netlease_bearer_held",
		Help: "Whether a bearer is currently held for the owner (0 or 1).",
	}, []string{"owner"}); err != nil {
		return nil, err
	}
	if err := registerGaugeVec(reg, &refCountGauge, prometheus.GaugeOpts{
		Name: "netlease_ref_count",
		Help: "Current acquire reference count per owner.",
	}, []string{"owner"}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &eventDropCounter, prometheus.CounterOpts{
		Name: "netlease_event_dropped_total",
		Help: "Number of notification events dropped because a subscriber was slow.",
	}, []string{"topic"}); err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		acquires:     acquireCounter,
		releases:     releaseCounter,
		hotSwaps:     hotSwapCounter,
		bearerHeld:   bearerHeldGauge,
		refCount:     refCountGauge,
		eventDropped: eventDropCounter,
	}, nil
}

// IncAcquire increments the acquire counter for the owner and outcome.
func (p *PrometheusCollector) IncAcquire(owner, outcome string) {
	if p == nil || p.acquires == nil {
		return
	}
	p.acquires.WithLabelValues(owner, outcome).Inc()
}

// IncRelease increments the release counter for the owner and mode.
func (p *PrometheusCollector) IncRelease(owner, mode string) {
	if p == nil || p.releases == nil {
		return
	}
	p.releases.WithLabelValues(owner, mode).Inc()
}

// IncHotSwap records a preferred-class bearer replacing a held one.
func (p *PrometheusCollector) IncHotSwap(owner string) {
	if p == nil || p.hotSwaps == nil {
		return
	}
	p.hotSwaps.WithLabelValues(owner).Inc()
}

// SetBearerHeld updates the held gauge for the owner.
func (p *PrometheusCollector) SetBearerHeld(owner string, held bool) {
	if p == nil || p.bearerHeld == nil {
		return
	}
	value := 0.0
	if held {
		value = 1.0
	}
	p.bearerHeld.WithLabelValues(owner).Set(value)
}

// SetRefCount updates the reference count gauge for the owner.
func (p *PrometheusCollector) SetRefCount(owner string, count int) {
	if p == nil || p.refCount == nil {
		return
	}
	p.refCount.WithLabelValues(owner).Set(float64(count))
}

// IncEventDropped records a dropped notification event for a topic.
func (p *PrometheusCollector) IncEventDropped(topic string) {
	if p == nil || p.eventDropped == nil {
		return
	}
	p.eventDropped.WithLabelValues(topic).Inc()
}
