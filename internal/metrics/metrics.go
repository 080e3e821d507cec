package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/XueKirby/mastodon-streaming/pkg/monitoring"
)

// Metrics holds the instruments the streaming server updates.
type Metrics struct {
	ConnectedClients  *prometheus.GaugeVec // by transport
	Subscriptions     prometheus.Gauge     // active upstream channel subscriptions
	MessagesDelivered *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	DeliveryLag       prometheus.Observer
	DBQueries         *prometheus.CounterVec
}

// New builds the server's instruments on the shared collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		ConnectedClients:  mc.NewGauge("connected_clients", "Connected streaming clients", []string{"transport"}),
		Subscriptions:     mc.NewGauge("subscriptions_active", "Active upstream channel subscriptions", nil).WithLabelValues(),
		MessagesDelivered: mc.NewCounter("messages_delivered_total", "Events delivered to clients", []string{"transport"}),
		MessagesDropped:   mc.NewCounter("messages_dropped_total", "Events dropped before delivery", []string{"reason"}),
		DeliveryLag:       mc.NewHistogram("delivery_lag_seconds", "Delay between event enqueue and delivery", nil, nil).WithLabelValues(),
		DBQueries:         mc.NewCounter("db_queries_total", "Database queries issued while filtering", []string{"query", "status"}),
	}
}

// NewNop builds unregistered instruments for tests.
func NewNop() *Metrics {
	return &Metrics{
		ConnectedClients:  prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "nop_connected_clients"}, []string{"transport"}),
		Subscriptions:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_subscriptions_active"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "nop_messages_delivered_total"}, []string{"transport"}),
		MessagesDropped:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "nop_messages_dropped_total"}, []string{"reason"}),
		DeliveryLag:       prometheus.NewHistogram(prometheus.HistogramOpts{Name: "nop_delivery_lag_seconds", Buckets: prometheus.DefBuckets}),
		DBQueries:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "nop_db_queries_total"}, []string{"query", "status"}),
	}
}
