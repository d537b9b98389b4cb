package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// StatsSink receives the scheduler's periodic dispatch statistics
// (every statsEmitInterval-th request). Implementations must not fail:
// statistics are purely observational and never affect dispatch.
type StatsSink interface {
	RecordDispatchStats(totalRequests int, perInstance map[string]int)
}

// LogStatsSink writes dispatch statistics as log lines, one per instance.
type LogStatsSink struct{}

// RecordDispatchStats implements StatsSink for LogStatsSink.
func (LogStatsSink) RecordDispatchStats(totalRequests int, perInstance map[string]int) {
	logrus.Infof("num_requests: %d", totalRequests)
	for instanceID, n := range perInstance {
		logrus.Infof("instance %s num_dispatched_requests: %d", instanceID, n)
	}
}

// PromStatsSink exports dispatch statistics as prometheus gauges on an
// injected registry. Gauges (not counters) because the scheduler reports
// absolute totals, and per-instance series disappear when an instance
// leaves the fleet.
type PromStatsSink struct {
	totalRequests prometheus.Gauge
	perInstance   *prometheus.GaugeVec
}

// NewPromStatsSink registers the dispatch statistics collectors on reg.
// A nil registry yields a sink whose collectors are unregistered but
// still usable, which keeps tests free of registry setup.
func NewPromStatsSink(reg *prometheus.Registry) *PromStatsSink {
	sink := &PromStatsSink{
		totalRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Name:      "scheduler_requests",
			Help:      "Total requests dispatched since scheduler construction.",
		}),
		perInstance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Name:      "instance_dispatched_requests",
			Help:      "Requests dispatched to each instance since it became eligible.",
		}, []string{"instance_id"}),
	}
	if reg != nil {
		reg.MustRegister(sink.totalRequests, sink.perInstance)
	}
	return sink
}

// RecordDispatchStats implements StatsSink for PromStatsSink.
func (s *PromStatsSink) RecordDispatchStats(totalRequests int, perInstance map[string]int) {
	s.totalRequests.Set(float64(totalRequests))
	s.perInstance.Reset()
	for instanceID, n := range perInstance {
		s.perInstance.WithLabelValues(instanceID).Set(float64(n))
	}
}

// MultiStatsSink fans statistics out to several sinks.
type MultiStatsSink []StatsSink

// RecordDispatchStats implements StatsSink for MultiStatsSink.
func (m MultiStatsSink) RecordDispatchStats(totalRequests int, perInstance map[string]int) {
	for _, sink := range m {
		sink.RecordDispatchStats(totalRequests, perInstance)
	}
}
