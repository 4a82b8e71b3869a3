package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the client's Prometheus metrics. Each Collector owns its
// registry so several sessions (tests, load driver) can coexist.
type Collector struct {
	registry *prometheus.Registry

	// Transport metrics
	ConnectionState  prometheus.Gauge
	ConnectAttempts  *prometheus.CounterVec
	FramesSent       *prometheus.CounterVec
	FramesReceived   *prometheus.CounterVec
	SendQueueDepth   prometheus.Gauge
	DeliveryFailures *prometheus.CounterVec

	// Multiplexer metrics
	ActiveSubscriptions prometheus.Gauge
	DroppedFrames       *prometheus.CounterVec

	// Synchronizer metrics
	MessagesApplied prometheus.Counter
	Conversations   prometheus.Gauge
	RESTRequests    *prometheus.CounterVec
}

// New creates a collector registered on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 error)",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_connect_attempts_total",
			Help: "Connection attempts by result",
		}, []string{"result"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_frames_sent_total",
			Help: "STOMP frames written by command",
		}, []string{"command"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_frames_received_total",
			Help: "STOMP frames read by command",
		}, []string{"command"}),
		SendQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_send_queue_depth",
			Help: "Sends waiting for a connection",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_delivery_failures_total",
			Help: "Queued sends that were not flushed, by reason",
		}, []string{"reason"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_subscriptions",
			Help: "Channel subscriptions established on the transport",
		}),
		DroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_dropped_frames_total",
			Help: "Inbound frames dropped by the multiplexer, by reason",
		}, []string{"reason"}),
		MessagesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_applied_total",
			Help: "Chat messages applied to the conversation model",
		}),
		Conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_conversations",
			Help: "Conversations in the local list",
		}),
		RESTRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_rest_requests_total",
			Help: "REST collaborator requests by operation and outcome",
		}, []string{"operation", "outcome"}),
	}

	c.registry.MustRegister(
		c.ConnectionState,
		c.ConnectAttempts,
		c.FramesSent,
		c.FramesReceived,
		c.SendQueueDepth,
		c.DeliveryFailures,
		c.ActiveSubscriptions,
		c.DroppedFrames,
		c.MessagesApplied,
		c.Conversations,
		c.RESTRequests,
	)
	return c
}

// Registry exposes the underlying registry for gathering in tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Outcome maps an error to a label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
