package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shipyard"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration *prom.HistogramVec
	phaseDuration *prom.HistogramVec
	stageResults  *prom.CounterVec
	buildOutcome  *prom.CounterVec
	fsRetries     *prom.CounterVec
	fsExhausted   *prom.CounterVec
	cacheLookups  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the pipeline metrics on reg.
// A nil registry gets a fresh one.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual bundle and transform stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		phaseDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of the bundling and transformation phases",
			Buckets:   prom.DefBuckets,
		}, []string{"phase"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"}),
		fsRetries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "fs_retries_total",
			Help:      "Filesystem operations retried after transient contention",
		}, []string{"op"}),
		fsExhausted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "fs_retry_exhausted_total",
			Help:      "Filesystem operations that failed after every attempt",
		}, []string{"op"}),
		cacheLookups: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "transform_cache_lookups_total",
			Help:      "Transform cache lookups by result",
		}, []string{"result"}),
	}
	reg.MustRegister(pr.stageDuration, pr.phaseDuration, pr.stageResults, pr.buildOutcome,
		pr.fsRetries, pr.fsExhausted, pr.cacheLookups)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObservePhaseDuration(phase string, d time.Duration) {
	if p == nil {
		return
	}
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome BuildOutcome) {
	if p == nil {
		return
	}
	p.buildOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) FSRetry(op string) {
	if p == nil {
		return
	}
	p.fsRetries.WithLabelValues(op).Inc()
}

func (p *PrometheusRecorder) FSExhausted(op string) {
	if p == nil {
		return
	}
	p.fsExhausted.WithLabelValues(op).Inc()
}

func (p *PrometheusRecorder) CacheHit() {
	if p == nil {
		return
	}
	p.cacheLookups.WithLabelValues("hit").Inc()
}

func (p *PrometheusRecorder) CacheMiss() {
	if p == nil {
		return
	}
	p.cacheLookups.WithLabelValues("miss").Inc()
}

// HTTPHandler returns an http.Handler that serves Prometheus metrics for the provided registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
