package cleanout

import "github.com/prometheus/client_golang/prometheus"

var (
	registryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lizard",
			Subsystem: "cleanout",
			Name:      "registry_events",
			Help:      "Counter of undo header registry lookups.",
		}, []string{"type"})

	registryGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lizard",
			Subsystem: "cleanout",
			Name:      "registry_elements",
			Help:      "Number of undo headers in the registry.",
		})

	cleanoutCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lizard",
			Subsystem: "cleanout",
			Name:      "events",
			Help:      "Counter of cleanout attempts by result.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(registryCounter)
	prometheus.MustRegister(registryGauge)
	prometheus.MustRegister(cleanoutCounter)
}
