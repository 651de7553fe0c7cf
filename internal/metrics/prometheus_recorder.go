package metrics

import (
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	polls       *prom.CounterVec
	schedules   *prom.CounterVec
	callbacks   *prom.CounterVec
	apiRequests *prom.CounterVec
	activePRs   prom.Gauge
	queued      prom.Gauge
}

// NewPrometheusRecorder constructs and registers metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		polls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prbuild",
			Name:      "polls_total",
			Help:      "Watch loop iterations by outcome",
		}, []string{"outcome"}),
		schedules: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prbuild",
			Name:      "schedule_attempts_total",
			Help:      "Scheduling attempts by builder and outcome",
		}, []string{"builder", "outcome"}),
		callbacks: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prbuild",
			Name:      "executor_callbacks_total",
			Help:      "Executor callbacks by kind",
		}, []string{"kind"}),
		apiRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "prbuild",
			Name:      "api_requests_total",
			Help:      "JSON API requests by endpoint and status code",
		}, []string{"endpoint", "code"}),
		activePRs: prom.NewGauge(prom.GaugeOpts{
			Namespace: "prbuild",
			Name:      "active_pullrequests",
			Help:      "Number of open tracked pull requests",
		}),
		queued: prom.NewGauge(prom.GaugeOpts{
			Namespace: "prbuild",
			Name:      "queued_statuses",
			Help:      "Number of queued active statuses",
		}),
	}
	reg.MustRegister(pr.polls, pr.schedules, pr.callbacks, pr.apiRequests, pr.activePRs, pr.queued)
	return pr
}

func (p *PrometheusRecorder) IncPoll(outcome string) {
	if p == nil {
		return
	}
	p.polls.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncSchedule(builder, outcome string) {
	if p == nil {
		return
	}
	p.schedules.WithLabelValues(builder, outcome).Inc()
}

func (p *PrometheusRecorder) IncCallback(kind string) {
	if p == nil {
		return
	}
	p.callbacks.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) IncAPIRequest(endpoint string, code int) {
	if p == nil {
		return
	}
	p.apiRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

func (p *PrometheusRecorder) SetActivePullRequests(n int) {
	if p == nil {
		return
	}
	p.activePRs.Set(float64(n))
}

func (p *PrometheusRecorder) SetQueuedStatuses(n int) {
	if p == nil {
		return
	}
	p.queued.Set(float64(n))
}

// HTTPHandler serves the registry on /metrics.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
