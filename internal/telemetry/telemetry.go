// Package telemetry exposes the backend's counters, histograms, and
// gauges on a private Prometheus registry with a text scrape endpoint.
//
// Swap metrics are recorded by the aggregator, API metrics by the ops
// server middleware, user operations by the engines. System gauges are
// sampled every 60s and user gauges every 300s by Run.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	systemSampleInterval = 60 * time.Second
	userSampleInterval   = 300 * time.Second
	activeUserWindow     = 24 * time.Hour
)

// UserStatsProvider supplies the user gauges. Satisfied by the storage layer.
type UserStatsProvider interface {
	CountActiveUsers(ctx context.Context, since time.Time) (int64, error)
}

// Metrics is the full instrument set. One instance per process.
type Metrics struct {
	registry *prometheus.Registry

	SwapDuration *prometheus.HistogramVec // {venue,network}
	SwapVolume   *prometheus.CounterVec   // {venue,network,pair}
	SwapSuccess  *prometheus.CounterVec   // {venue,network}
	SwapFailure  *prometheus.CounterVec   // {venue,network,error_type}

	APILatency *prometheus.HistogramVec // {endpoint,method}
	APIErrors  *prometheus.CounterVec   // {endpoint,error_type}

	ActiveUsers    prometheus.Gauge
	UserOperations *prometheus.CounterVec // {type}

	CPUUsage  prometheus.Gauge
	MemUsage  prometheus.Gauge
	DiskUsage prometheus.Gauge
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SwapDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swap_duration_seconds",
			Help:    "Time from swap dispatch to terminal outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"venue", "network"}),
		SwapVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_volume_total",
			Help: "Input volume routed per venue and pair.",
		}, []string{"venue", "network", "pair"}),
		SwapSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_success_total",
			Help: "Swaps that reached a full or partial fill.",
		}, []string{"venue", "network"}),
		SwapFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_failure_total",
			Help: "Swaps that failed, by error type.",
		}, []string{"venue", "network", "error_type"}),
		APILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Ops API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		APIErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Ops API errors by endpoint and type.",
		}, []string{"endpoint", "error_type"}),
		ActiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_users",
			Help: "Users seen within the activity window.",
		}),
		UserOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "user_operations_total",
			Help: "User-facing operations by type.",
		}, []string{"type"}),
		CPUUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "Process host CPU utilization.",
		}),
		MemUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_percent",
			Help: "Process host memory utilization.",
		}),
		DiskUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "disk_usage_percent",
			Help: "Utilization of the data volume.",
		}),
	}

	reg.MustRegister(
		m.SwapDuration, m.SwapVolume, m.SwapSuccess, m.SwapFailure,
		m.APILatency, m.APIErrors,
		m.ActiveUsers, m.UserOperations,
		m.CPUUsage, m.MemUsage, m.DiskUsage,
	)
	return m
}

// Handler returns the Prometheus text scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Run samples system gauges every 60s and user gauges every 300s until
// ctx is cancelled. users may be nil (user gauges stay at zero).
func (m *Metrics) Run(ctx context.Context, users UserStatsProvider, logger *slog.Logger) {
	logger = logger.With("component", "telemetry")

	m.sampleSystem(logger)
	m.sampleUsers(ctx, users, logger)

	sysTicker := time.NewTicker(systemSampleInterval)
	defer sysTicker.Stop()
	userTicker := time.NewTicker(userSampleInterval)
	defer userTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sysTicker.C:
			m.sampleSystem(logger)
		case <-userTicker.C:
			m.sampleUsers(ctx, users, logger)
		}
	}
}

func (m *Metrics) sampleSystem(logger *slog.Logger) {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUUsage.Set(pct[0])
	} else if err != nil {
		logger.Warn("cpu sample failed", "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemUsage.Set(vm.UsedPercent)
	} else {
		logger.Warn("memory sample failed", "error", err)
	}
	if du, err := disk.Usage("/"); err == nil {
		m.DiskUsage.Set(du.UsedPercent)
	} else {
		logger.Warn("disk sample failed", "error", err)
	}
}

func (m *Metrics) sampleUsers(ctx context.Context, users UserStatsProvider, logger *slog.Logger) {
	if users == nil {
		return
	}
	n, err := users.CountActiveUsers(ctx, time.Now().Add(-activeUserWindow))
	if err != nil {
		logger.Warn("active user sample failed", "error", err)
		return
	}
	m.ActiveUsers.Set(float64(n))
}

// ObserveSwap records one terminal swap outcome in a single call site.
func (m *Metrics) ObserveSwap(venue string, network, pair string, duration time.Duration, inputVolume float64, errType string) {
	m.SwapDuration.WithLabelValues(venue, network).Observe(duration.Seconds())
	if errType == "" {
		m.SwapSuccess.WithLabelValues(venue, network).Inc()
		m.SwapVolume.WithLabelValues(venue, network, pair).Add(inputVolume)
		return
	}
	m.SwapFailure.WithLabelValues(venue, network, errType).Inc()
}
