package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crateforge"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	reg           *prom.Registry
	outcomes      *prom.CounterVec
	stageDuration *prom.HistogramVec
	inFlight      prom.Gauge
	artifactBytes prom.Histogram
}

// NewPrometheusRecorder registers the compile metrics on reg. A nil reg gets
// a private registry that also carries the Go and process collectors.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	pr := &PrometheusRecorder{
		reg: reg,
		outcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "compile_requests_total",
			Help:      "Compile requests by outcome",
		}, []string{"outcome"}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual compile pipeline stages",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 180, 600},
		}, []string{"stage"}),
		inFlight: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_in_flight",
			Help:      "Toolchain invocations currently running",
		}),
		artifactBytes: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_bytes",
			Help:      "Size of returned artifacts",
			Buckets:   prom.ExponentialBuckets(4096, 4, 10),
		}),
	}
	reg.MustRegister(pr.outcomes, pr.stageDuration, pr.inFlight, pr.artifactBytes)
	return pr
}

func (p *PrometheusRecorder) IncCompileOutcome(outcome string) {
	if p == nil {
		return
	}
	p.outcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) AddBuildsInFlight(delta int) {
	if p == nil {
		return
	}
	p.inFlight.Add(float64(delta))
}

func (p *PrometheusRecorder) ObserveArtifactBytes(n int) {
	if p == nil {
		return
	}
	p.artifactBytes.Observe(float64(n))
}

// Handler serves the recorder's registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	if p == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

var _ Recorder = (*PrometheusRecorder)(nil)
