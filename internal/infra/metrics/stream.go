package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(streamConnections, streamDroppedTotal, streamEventsTotal)
}

var streamConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "stream_connections",
		Help: "Currently open event-stream connections.",
	},
)

var streamDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "stream_connections_dropped_total",
		Help: "Connections closed because the client could not keep up.",
	},
)

var streamEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stream_events_total",
		Help: "Events published to the bus, labeled by type.",
	},
	[]string{"type"},
)

func IncStreamConnections() { streamConnections.Inc() }
func DecStreamConnections() { streamConnections.Dec() }
func IncStreamDropped()     { streamDroppedTotal.Inc() }

func IncStreamEvent(typ string) { streamEventsTotal.WithLabelValues(norm(typ)).Inc() }
