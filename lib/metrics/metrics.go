// Package metrics 封装 go-metrics，默认写入内存 sink，可选同时导出到 Prometheus registry。
// nil *Metrics 的所有方法都是空操作。
package metrics

import (
	"fmt"
	"time"

	gometrics "github.com/hashicorp/go-metrics"
	promsink "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

type Label = gometrics.Label

type Config struct {
	ServiceName string
	// 内存 sink 的聚合间隔和保留时长
	Interval time.Duration
	Retain   time.Duration
	// Prometheus 为 true 时额外创建 Prometheus sink
	Prometheus bool
	Expiration time.Duration
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "asyncredis",
		Interval:    10 * time.Second,
		Retain:      time.Minute,
		Expiration:  time.Minute,
	}
}

type Metrics struct {
	m        *gometrics.Metrics
	inmem    *gometrics.InmemSink
	registry *prometheus.Registry
}

func New(cfg Config) (*Metrics, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "asyncredis"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Retain < cfg.Interval {
		cfg.Retain = cfg.Interval
	}

	inmem := gometrics.NewInmemSink(cfg.Interval, cfg.Retain)
	sinks := gometrics.FanoutSink{inmem}

	var registry *prometheus.Registry
	if cfg.Prometheus {
		registry = prometheus.NewRegistry()
		ps, err := promsink.NewPrometheusSinkFrom(promsink.PrometheusOpts{
			Expiration: cfg.Expiration,
			Registerer: registry,
		})
		if err != nil {
			return nil, fmt.Errorf("create prometheus sink: %w", err)
		}
		sinks = append(sinks, ps)
	}

	conf := gometrics.DefaultConfig(cfg.ServiceName)
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	m, err := gometrics.New(conf, sinks)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	return &Metrics{m: m, inmem: inmem, registry: registry}, nil
}

func (m *Metrics) IncrCounter(key []string, labels ...Label) {
	if m == nil {
		return
	}
	m.m.IncrCounterWithLabels(key, 1, labels)
}

func (m *Metrics) SetGauge(key []string, val float32, labels ...Label) {
	if m == nil {
		return
	}
	m.m.SetGaugeWithLabels(key, val, labels)
}

func (m *Metrics) MeasureSince(key []string, start time.Time, labels ...Label) {
	if m == nil {
		return
	}
	m.m.MeasureSinceWithLabels(key, start, labels)
}

// Registry 未开启 Prometheus 时返回 nil
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Counter 汇总内存 sink 中保留的所有区间内某个计数器的累加值，labels 不参与匹配
func (m *Metrics) Counter(key ...string) float64 {
	if m == nil {
		return 0
	}
	name := m.fullName(key)
	var total float64
	for _, intv := range m.inmem.Data() {
		for _, sv := range intv.Counters {
			if sv.Name == name {
				total += sv.Sum
			}
		}
	}
	return total
}

// Gauge 返回最近区间内某个 gauge 的值
func (m *Metrics) Gauge(key ...string) (float32, bool) {
	if m == nil {
		return 0, false
	}
	name := m.fullName(key)
	data := m.inmem.Data()
	for i := len(data) - 1; i >= 0; i-- {
		for _, gv := range data[i].Gauges {
			if gv.Name == name {
				return gv.Value, true
			}
		}
	}
	return 0, false
}

func (m *Metrics) fullName(key []string) string {
	name := m.m.ServiceName
	for _, k := range key {
		name += "." + k
	}
	return name
}
