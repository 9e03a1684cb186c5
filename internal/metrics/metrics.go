// Package metrics exposes pipeline counters and latencies in Prometheus
// format. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inboxbot"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	webhookRequests  *prometheus.CounterVec
	events           *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	intents          *prometheus.CounterVec
	replies          *prometheus.CounterVec
	backendAttempts  *prometheus.CounterVec
	backendLatency   *prometheus.HistogramVec
	sends            *prometheus.CounterVec
	sendLatency      prometheus.Histogram
	responseLatency  prometheus.Histogram
	breakerState     *prometheus.GaugeVec
	kvPruned         prometheus.Counter
	crmSyncs         *prometheus.CounterVec
	inflightHandlers prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_requests_total",
			Help: "Webhook requests by channel and HTTP status.",
		}, []string{"channel", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Messaging events by channel, kind and outcome.",
		}, []string{"channel", "kind", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests rejected by the ingress rate limiter.",
		}, []string{"class"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_total",
			Help: "Classified user turns by intent.",
		}, []string{"intent"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replies_total",
			Help: "Generated replies by source (cache, model, fallback, handoff).",
		}, []string{"source"}),
		backendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "generation_attempts_total",
			Help: "Generation backend calls by backend and result.",
		}, []string{"backend", "result"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "generation_latency_seconds",
			Help:    "Generation backend call latency.",
			Buckets: []float64{.1, .25, .5, 1, 2, 4, 8, 16},
		}, []string{"backend"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_total",
			Help: "Outbound sends by channel and result.",
		}, []string{"channel", "result"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "send_latency_seconds",
			Help:    "Outbound send latency including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		responseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "response_latency_seconds",
			Help:    "Time from the user's last message to the reply being sent.",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state",
			Help: "Circuit breaker state per destination (0 closed, 1 half-open, 2 open).",
		}, []string{"destination"}),
		kvPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "kv_pruned_keys_total",
			Help: "Expired KV keys removed by the janitor.",
		}),
		crmSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "crm_syncs_total",
			Help: "CRM contact pushes by result.",
		}, []string{"result"}),
		inflightHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inflight_events",
			Help: "Messaging events currently being processed.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookRequests, m.events, m.rateLimited, m.intents, m.replies,
		m.backendAttempts, m.backendLatency, m.sends, m.sendLatency,
		m.responseLatency, m.breakerState, m.kvPruned, m.crmSyncs, m.inflightHandlers,
	)
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds",
		Help: "Seconds since the process started.",
	}, func() float64 { return m.Uptime().Seconds() }))
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}

func (m *Metrics) WebhookRequest(channel string, status int) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(channel, statusClass(status)).Inc()
}

func (m *Metrics) Event(channel, kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(channel, kind, outcome).Inc()
}

func (m *Metrics) RateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}

func (m *Metrics) Intent(intent string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(intent).Inc()
}

func (m *Metrics) Reply(source string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(source).Inc()
}

func (m *Metrics) BackendAttempt(backend string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.backendAttempts.WithLabelValues(backend, result(err)).Inc()
	m.backendLatency.WithLabelValues(backend).Observe(elapsed.Seconds())
}

func (m *Metrics) Send(channel string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(channel, result(err)).Inc()
	m.sendLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) ResponseLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.responseLatency.Observe(d.Seconds())
}

// BreakerState records 0 closed, 1 half-open, 2 open.
func (m *Metrics) BreakerState(destination string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(destination).Set(float64(state))
}

func (m *Metrics) KVPruned(n int) {
	if m == nil {
		return
	}
	m.kvPruned.Add(float64(n))
}

func (m *Metrics) CRMSync(err error) {
	if m == nil {
		return
	}
	m.crmSyncs.WithLabelValues(result(err)).Inc()
}

// TrackInflight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInflight() func() {
	if m == nil {
		return func() {}
	}
	m.inflightHandlers.Inc()
	return m.inflightHandlers.Dec
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
