package drs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor holds the planner and engine metrics. The zero value records nothing.
type Monitor struct {
	// How long each planning stage takes.
	stageRunTimer *prometheus.HistogramVec
	// How many migrations were planned, per reason.
	migrationsPlanned *prometheus.CounterVec
	// How many hosts were overloaded in the last cycle.
	overloadedHosts prometheus.Gauge
	// CPU utilization of each host at the start of the last cycle.
	hostUtilization *prometheus.GaugeVec
	// Cycles run, per outcome.
	cycles *prometheus.CounterVec
}

// NewMonitor creates the metrics and registers them with registry.
func NewMonitor(registry prometheus.Registerer) Monitor {
	stageRunTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consolidation_planner_stage_duration_seconds",
		Help:    "Duration of a migration planning stage",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
	}, []string{"stage"})
	migrationsPlanned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consolidation_planner_migrations_planned_total",
		Help: "Number of VM migrations planned",
	}, []string{"reason"})
	overloadedHosts := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "consolidation_planner_overloaded_hosts",
		Help: "Number of overloaded hosts found in the last planning cycle",
	})
	hostUtilization := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "consolidation_host_cpu_utilization",
		Help: "CPU utilization of a host at the start of the last planning cycle",
	}, []string{"host"})
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consolidation_engine_cycles_total",
		Help: "Number of planning cycles run by the engine",
	}, []string{"outcome"})
	registry.MustRegister(
		stageRunTimer,
		migrationsPlanned,
		overloadedHosts,
		hostUtilization,
		cycles,
	)
	return Monitor{
		stageRunTimer:     stageRunTimer,
		migrationsPlanned: migrationsPlanned,
		overloadedHosts:   overloadedHosts,
		hostUtilization:   hostUtilization,
		cycles:            cycles,
	}
}

func (m Monitor) observeStage(stage string, start time.Time) {
	if m.stageRunTimer != nil {
		m.stageRunTimer.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (m Monitor) countMigrations(migrations *MigrationMap) {
	if m.migrationsPlanned == nil {
		return
	}
	for _, mig := range migrations.entries {
		m.migrationsPlanned.WithLabelValues(string(mig.Reason)).Inc()
	}
}

func (m Monitor) setOverloadedHosts(n int) {
	if m.overloadedHosts != nil {
		m.overloadedHosts.Set(float64(n))
	}
}

func (m Monitor) setHostUtilization(host string, utilization float64) {
	if m.hostUtilization != nil {
		m.hostUtilization.WithLabelValues(host).Set(utilization)
	}
}

func (m Monitor) countCycle(outcome string) {
	if m.cycles != nil {
		m.cycles.WithLabelValues(outcome).Inc()
	}
}
