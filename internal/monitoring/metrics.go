package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway. Registered on the default registry
// and served from /metrics.
var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_current",
		Help: "Number of live WebSocket sessions",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "Total WebSocket sessions accepted since start",
	})

	ConnectionsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_superseded_total",
		Help: "Sessions closed because the same user reconnected",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_connections_rejected_total",
		Help: "Connections rejected before or during the handshake",
	}, []string{"reason"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_sent_total",
		Help: "Messages written to clients",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_received_total",
		Help: "Messages read from clients",
	})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_bytes_sent_total",
		Help: "Payload bytes written to clients",
	})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_bytes_received_total",
		Help: "Payload bytes read from clients",
	})

	DroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_dropped_sends_total",
		Help: "Quote deliveries dropped because a session buffer was full",
	})

	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_messages_total",
		Help: "Inbound client messages dropped by the per-session rate limiter",
	})

	FanoutTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_fanout_ticks_total",
		Help: "Fan-out loop iterations that performed a fetch",
	})

	FanoutTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_fanout_tick_seconds",
		Help:    "Wall time of a full fan-out tick (fetch plus dispatch)",
		Buckets: prometheus.DefBuckets,
	})

	UpstreamFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_upstream_fetch_errors_total",
		Help: "Upstream quote chunk requests that failed",
	})

	QuotesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_quotes_parsed_total",
		Help: "Quotes successfully parsed from the upstream payload",
	})

	QuotesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_quotes_failed_total",
		Help: "Requested codes that produced no usable quote",
	})

	AlertsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_alerts_opened_total",
		Help: "Alert OPEN transitions by rule type",
	}, []string{"rule_type"})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_notifications_sent_total",
		Help: "Outbound notifications delivered by channel",
	}, []string{"channel"})

	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_notifications_failed_total",
		Help: "Outbound notifications that failed by channel",
	}, []string{"channel"})

	MonitorChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_monitor_checks_total",
		Help: "Scheduled monitor sweeps executed",
	})
)

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
