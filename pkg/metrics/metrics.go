// Package metrics exposes Prometheus instrumentation for the fabric
// coordinator: index scans, transfer plans, job/request lifecycle, and
// agent health.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Index metrics
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fabric_index_scan_duration_seconds",
		Help: "Duration of a full inventory index scan",
	})

	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_index_scans_total",
		Help: "Total number of index scans by outcome",
	}, []string{"outcome"})

	ContainersTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_containers_tracked",
		Help: "Number of containers currently tracked by the index",
	})

	StockItemsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_stock_items_tracked",
		Help: "Number of distinct item keys with positive stock",
	})

	// Transfer engine metrics
	TransferPlanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fabric_transfer_plan_duration_seconds",
		Help: "Duration of a transfer plan execution",
	})

	TransferredItemsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_transferred_items_total",
		Help: "Total number of items moved by the transfer engine",
	})

	TransferTasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_transfer_tasks_failed_total",
		Help: "Total number of transfer tasks that returned zero transferred",
	})

	// Export policy metrics
	ExportTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fabric_export_tick_duration_seconds",
		Help: "Duration of one export policy tick",
	})

	// Smelting metrics
	SmeltingTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fabric_smelting_tick_duration_seconds",
		Help: "Duration of one smelting orchestrator tick",
	})

	// Job queue / request planner metrics
	JobsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_jobs_total",
		Help: "Number of jobs by status",
	}, []string{"status"})

	RequestsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_requests_total",
		Help: "Number of requests by status",
	}, []string{"status"})

	PlannerFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_planner_failures_total",
		Help: "Total planner failures by reason",
	}, []string{"reason"})

	// Agent registry metrics
	AgentsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_agents_total",
		Help: "Number of registered agents by kind and health",
	}, []string{"kind", "health"})

	// Message bus metrics
	MessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_messages_sent_total",
		Help: "Total messages sent on the bus by type",
	}, []string{"type"})

	MessagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_messages_received_total",
		Help: "Total messages received on the bus by type",
	}, []string{"type"})

	// Shop metrics
	PurchasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_shop_purchases_total",
		Help: "Total matched purchases dispensed",
	})

	RefundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_shop_refunds_total",
		Help: "Total refunds issued by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ScanDuration,
		ScansTotal,
		ContainersTracked,
		StockItemsTracked,
		TransferPlanDuration,
		TransferredItemsTotal,
		TransferTasksFailed,
		ExportTickDuration,
		SmeltingTickDuration,
		JobsTotal,
		RequestsTotal,
		PlannerFailuresTotal,
		AgentsTotal,
		MessagesSentTotal,
		MessagesReceivedTotal,
		PurchasesTotal,
		RefundsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
