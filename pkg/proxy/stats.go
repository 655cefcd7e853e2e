package proxy

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxyStats are the downstream statistics of all sessions sharing one ProxyConfig. Sessions only
// ever write to them.
type ProxyStats struct {
	DownstreamCxRxBytesTotal    prometheus.Counter
	DownstreamCxRxBytesBuffered prometheus.Gauge
	DownstreamCxTxBytesTotal    prometheus.Counter
	DownstreamCxTxBytesBuffered prometheus.Gauge
	DownstreamCxProtocolError   prometheus.Counter
	DownstreamCxTotal           prometheus.Counter
	DownstreamCxActive          prometheus.Gauge
	DownstreamCxDrainClose      prometheus.Counter
	DownstreamRqTotal           prometheus.Counter
	DownstreamRqActive          prometheus.Gauge
}

func sanitizeStatPrefix(prefix string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, strings.Trim(prefix, "."))
}

// GenerateStats creates the proxy statistics under redis_<prefix>_ and registers them with
// registerer. A nil registerer leaves them unregistered.
func GenerateStats(prefix string, registerer prometheus.Registerer) *ProxyStats {
	factory := promauto.With(registerer)
	subsystem := sanitizeStatPrefix(prefix)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "redis",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "redis",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &ProxyStats{
		DownstreamCxRxBytesTotal:    counter("downstream_cx_rx_bytes_total", "Bytes received from clients."),
		DownstreamCxRxBytesBuffered: gauge("downstream_cx_rx_bytes_buffered", "Bytes received from clients and held for an incomplete command."),
		DownstreamCxTxBytesTotal:    counter("downstream_cx_tx_bytes_total", "Bytes written to clients."),
		DownstreamCxTxBytesBuffered: gauge("downstream_cx_tx_bytes_buffered", "Bytes queued for clients and not yet written."),
		DownstreamCxProtocolError:   counter("downstream_cx_protocol_error", "Connections closed because of a RESP protocol error."),
		DownstreamCxTotal:           counter("downstream_cx_total", "Client connections accepted."),
		DownstreamCxActive:          gauge("downstream_cx_active", "Client connections open."),
		DownstreamCxDrainClose:      counter("downstream_cx_drain_close", "Client connections closed by draining."),
		DownstreamRqTotal:           counter("downstream_rq_total", "Commands received."),
		DownstreamRqActive:          gauge("downstream_rq_active", "Commands awaiting their reply."),
	}
}
