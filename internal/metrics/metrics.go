// Package metrics 运行指标 (Prometheus) 及退出时的 JSON 快照
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ransomsentry"

// Metrics 所有指标注册在独立的 Registry 上
type Metrics struct {
	reg *prometheus.Registry

	EventsTotal      *prometheus.CounterVec
	IngestionErrors  *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	NotifierFailures *prometheus.CounterVec
	MitigationsTotal *prometheus.CounterVec
	FeedUpdates      *prometheus.CounterVec
	Indicators       *prometheus.GaugeVec
	AggregateCount   prometheus.Gauge
	AnomalyScore     prometheus.Gauge
	Resource         *prometheus.GaugeVec
	QuarantinedFiles prometheus.Counter
	USBEvents        *prometheus.CounterVec
	LoopPanics       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "File operation events ingested, by kind",
		}, []string{"kind"}),
		IngestionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_errors_total",
			Help:      "Event source read failures, by source",
		}, []string{"source"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts published, by level",
		}, []string{"level"}),
		AlertsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alerts below the minimum level",
		}),
		NotifierFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_failures_total",
			Help:      "Failed alert deliveries, by notifier",
		}, []string{"notifier"}),
		MitigationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mitigations_total",
			Help:      "Mitigation requests, by action and final state",
		}, []string{"action", "state"}),
		FeedUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intel_feed_updates_total",
			Help:      "Threat intelligence feed updates, by feed and result",
		}, []string{"feed", "result"}),
		Indicators: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intel_indicators",
			Help:      "Known-bad indicators loaded, by set",
		}, []string{"set"}),
		AggregateCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregate_count",
			Help:      "Operations within the retention horizon across all keys",
		}),
		AnomalyScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Latest anomaly score (negative is anomalous)",
		}),
		Resource: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource",
			Help:      "Latest host resource sample",
		}, []string{"metric"}),
		QuarantinedFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quarantined_files_total",
			Help:      "Files moved into quarantine",
		}),
		USBEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usb_events_total",
			Help:      "Removable media events, by action and device type",
		}, []string{"action", "device_type"}),
		LoopPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_panics_total",
			Help:      "Recovered panics, by loop",
		}, []string{"loop"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Snapshot 本进程的指标值，键为 name{label="v",...}
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			sort.Strings(labels)
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}

// WriteSnapshot 写入 <dir>/metrics_<ts>.json
func (m *Metrics) WriteSnapshot(dir string, now time.Time) (string, error) {
	snap, err := m.Snapshot()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(struct {
		Timestamp time.Time          `json:"timestamp"`
		Metrics   map[string]float64 `json:"metrics"`
	}{now, snap}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "metrics_"+now.Format("20060102_150405")+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	return path, os.Rename(tmp, path)
}
