package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

type poolMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(*pgxpool.Stat) float64
}

// poolCollector reads a fresh pgxpool snapshot on every scrape.
type poolCollector struct {
	pool    PoolStatter
	metrics []poolMetric
}

func poolDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, nil)
}

func newPoolCollector(pool PoolStatter) *poolCollector {
	gauge := func(name, help string, value func(*pgxpool.Stat) int32) poolMetric {
		return poolMetric{
			desc:      poolDesc(name, help),
			valueType: prometheus.GaugeValue,
			value:     func(s *pgxpool.Stat) float64 { return float64(value(s)) },
		}
	}
	counter := func(name, help string, value func(*pgxpool.Stat) float64) poolMetric {
		return poolMetric{desc: poolDesc(name, help), valueType: prometheus.CounterValue, value: value}
	}

	return &poolCollector{
		pool: pool,
		metrics: []poolMetric{
			gauge("acquired", "Number of currently acquired rule store connections.", (*pgxpool.Stat).AcquiredConns),
			gauge("idle", "Number of idle rule store connections in the pool.", (*pgxpool.Stat).IdleConns),
			gauge("total", "Total number of rule store connections in the pool.", (*pgxpool.Stat).TotalConns),
			gauge("max", "Maximum number of rule store connections allowed in the pool.", (*pgxpool.Stat).MaxConns),
			counter("acquires_total", "Connections acquired from the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			counter("empty_acquires_total", "Acquires that waited because the pool was empty.",
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			counter("canceled_acquires_total", "Acquires canceled by their context.",
				func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) }),
			counter("acquire_duration_seconds_total", "Time spent waiting to acquire connections.",
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
		},
	}
}

// RegisterPoolMetrics exposes pgxpool connection statistics for the rule
// store on reg.
func RegisterPoolMetrics(reg prometheus.Registerer, pool PoolStatter) {
	reg.MustRegister(newPoolCollector(pool))
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(stat))
	}
}
