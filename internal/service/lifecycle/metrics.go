package lifecycle

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transitions *prometheus.CounterVec
	builds      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostingtele",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Project status transitions",
		}, []string{"from", "to"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostingtele",
			Subsystem: "lifecycle",
			Name:      "builds_total",
			Help:      "Completed project builds by result",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m.transitions = register(reg, m.transitions)
	m.builds = register(reg, m.builds)
	return m
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}
