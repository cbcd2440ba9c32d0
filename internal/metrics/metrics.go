package metrics

import (
	"bytes"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

var (
	latencyBuckets = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}
	jobBuckets     = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
)

// Registry keeps named metric vectors so callers can record by name without
// holding collector handles.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("memorial_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("memorial_job_duration_ms", "Background job duration in milliseconds by job.", jobBuckets, "job")
	r.RegisterCounter("memorial_session_transitions_total", "Session state machine events by event and result.", "event", "result")
	r.RegisterCounter("memorial_sessions_reclaimed_total", "Expired sessions handled by the sweeper by outcome.", "outcome")
	r.RegisterGauge("memorial_sessions", "Live sessions by status.", "status")
	r.RegisterGauge("memorial_live_connections", "Open live call sockets.")
	r.RegisterCounter("memorial_pipeline_calls_total", "External pipeline calls by provider and status.", "provider", "status")
	r.RegisterHistogram("memorial_pipeline_latency_ms", "External pipeline latency in milliseconds by provider and status.", latencyBuckets, "provider", "status")
	r.RegisterCounter("memorial_pipeline_results_dropped_total", "Pipeline results discarded because the session moved on, by reason.", "reason")
	r.RegisterCounter("memorial_audit_records_total", "Terminal audit records by sink and status.", "sink", "status")
	r.RegisterCounter("memorial_media_uploads_total", "Caller media uploads by backend and status.", "backend", "status")
	r.RegisterCounter("memorial_s3_operations_total", "S3 operation attempts by operation and status.", "op", "status")
	r.RegisterHistogram("memorial_s3_operation_latency_ms", "S3 operation latency in milliseconds by operation and status.", latencyBuckets, "op", "status")
	r.RegisterCounter("memorial_s3_retries_total", "S3 retries by operation and error code.", "op", "reason")
	r.RegisterCounter("memorial_s3_retry_exhausted_total", "S3 operations that exhausted retry attempts by operation.", "op")
}

func (r *Registry) RegisterCounter(name, help string, labelNames ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; ok {
		return
	}
	if err := r.reg.Register(vec); err != nil {
		return
	}
	r.counters[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: cp}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histograms[name]; ok {
		return
	}
	if err := r.reg.Register(vec); err != nil {
		return
	}
	r.histograms[name] = vec
}

func (r *Registry) RegisterGauge(name, help string, labelNames ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gauges[name]; ok {
		return
	}
	if err := r.reg.Register(vec); err != nil {
		return
	}
	r.gauges[name] = vec
}

// IncCounter ignores unknown metrics and label sets that do not match the
// registered label names.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Inc()
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	g, ok := r.gauge(name, labels)
	if ok {
		g.Set(value)
	}
}

func (r *Registry) AddGauge(name string, delta float64, labels map[string]string) {
	g, ok := r.gauge(name, labels)
	if ok {
		g.Add(delta)
	}
}

func (r *Registry) gauge(name string, labels map[string]string) (prometheus.Gauge, bool) {
	r.mu.RLock()
	vec, ok := r.gauges[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return nil, false
	}
	return g, true
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Render returns the text exposition of every family with at least one series.
func (r *Registry) Render() string {
	families, err := r.reg.Gather()
	if err != nil {
		return ""
	}
	var b bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&b, mf); err != nil {
			return b.String()
		}
	}
	return b.String()
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
