package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TriggerMetrics captures counters for trigger admission and dispatch.
type TriggerMetrics interface {
	IncTriggersReceived(engine string)
	IncTriggersRejected(reason string)
	IncTasksEnqueued(engine string)
	IncQueueRejections(engine string)
}

// GatewayMetrics captures request metrics for the HTTP surface.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// StreamMetrics captures console stream broker activity.
type StreamMetrics interface {
	IncStreamsOpened()
	DecStreamsOpen()
	IncConsoleLines()
	IncStreamShutdowns(reason string)
}

// Noop implements all metric interfaces without emitting anything.
type Noop struct{}

func (Noop) IncTriggersReceived(string)                     {}
func (Noop) IncTriggersRejected(string)                     {}
func (Noop) IncTasksEnqueued(string)                        {}
func (Noop) IncQueueRejections(string)                      {}
func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncStreamsOpened()                              {}
func (Noop) DecStreamsOpen()                                {}
func (Noop) IncConsoleLines()                               {}
func (Noop) IncStreamShutdowns(string)                      {}

// Prom implements the metric interfaces backed by Prometheus collectors.
type Prom struct {
	triggersReceived *prometheus.CounterVec
	triggersRejected *prometheus.CounterVec
	tasksEnqueued    *prometheus.CounterVec
	queueRejections  *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	streamsOpen      prometheus.Gauge
	consoleLines     prometheus.Counter
	streamShutdowns  *prometheus.CounterVec
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		triggersReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_received_total",
			Help:      "Trigger requests received by engine",
		}, []string{"engine"}),
		triggersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_rejected_total",
			Help:      "Trigger requests rejected by reason",
		}, []string{"reason"}),
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Execution tasks admitted to the work queue by engine",
		}, []string{"engine"}),
		queueRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejections_total",
			Help:      "Execution tasks rejected for queue capacity by engine",
		}, []string{"engine"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		streamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "console_streams_open",
			Help:      "Console streams currently open",
		}),
		consoleLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "console_lines_forwarded_total",
			Help:      "Console lines forwarded to stream clients",
		}),
		streamShutdowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "console_stream_shutdowns_total",
			Help:      "Console stream shutdowns by reason",
		}, []string{"reason"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.triggersReceived,
			p.triggersRejected,
			p.tasksEnqueued,
			p.queueRejections,
			p.requestDuration,
			p.streamsOpen,
			p.consoleLines,
			p.streamShutdowns,
		)
	})
}

func (p *Prom) IncTriggersReceived(engine string) { p.triggersReceived.WithLabelValues(engine).Inc() }
func (p *Prom) IncTriggersRejected(reason string) { p.triggersRejected.WithLabelValues(reason).Inc() }
func (p *Prom) IncTasksEnqueued(engine string)    { p.tasksEnqueued.WithLabelValues(engine).Inc() }
func (p *Prom) IncQueueRejections(engine string)  { p.queueRejections.WithLabelValues(engine).Inc() }

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requestDuration.WithLabelValues(method, route, status).Observe(durationSeconds)
}

func (p *Prom) IncStreamsOpened() { p.streamsOpen.Inc() }
func (p *Prom) DecStreamsOpen()   { p.streamsOpen.Dec() }
func (p *Prom) IncConsoleLines()  { p.consoleLines.Inc() }
func (p *Prom) IncStreamShutdowns(reason string) {
	p.streamShutdowns.WithLabelValues(reason).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics HTTP listener on addr. Blocking.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux) // #nosec G114 -- internal metrics listener.
}
