package main

import (
	"runtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
)

// Process-level gauges exported on /metrics next to the HTTP metrics.

// poolStater is implemented by the Postgres store.
type poolStater interface {
	Stat() *pgxpool.Stat
}

func registerPoolCollector(db poolStater) {
	gauge := func(name, help string, fn func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dpdp",
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(db.Stat()) })
	}
	prometheus.MustRegister(
		gauge("acquired_connections", "Connections currently checked out.", func(s *pgxpool.Stat) float64 {
			return float64(s.AcquiredConns())
		}),
		gauge("idle_connections", "Idle connections in the pool.", func(s *pgxpool.Stat) float64 {
			return float64(s.IdleConns())
		}),
		gauge("total_connections", "Open connections.", func(s *pgxpool.Stat) float64 {
			return float64(s.TotalConns())
		}),
		gauge("max_connections", "Configured pool ceiling.", func(s *pgxpool.Stat) float64 {
			return float64(s.MaxConns())
		}),
	)
}

func registerBuildInfo(cfg *config.Config) {
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dpdp",
		Name:      "build_info",
		Help:      "Always 1; labels carry the running version.",
	}, []string{"version", "environment", "go_version"})
	info.WithLabelValues(cfg.Version, cfg.Environment, runtime.Version()).Set(1)
	prometheus.MustRegister(info)
}
