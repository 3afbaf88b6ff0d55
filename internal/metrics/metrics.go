// Package metrics exposes delivery counters in Prometheus format. Values are
// fed from the event bus so the engine never references this package.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentrelay/internal/bus"
)

// Metrics holds the relay collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	start    time.Time

	deliveries *prometheus.CounterVec
	forwards   *prometheus.CounterVec
	acks       *prometheus.CounterVec
	transport  *prometheus.CounterVec
	dispatch   *prometheus.HistogramVec
	queueDepth *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		start:    time.Now(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "deliveries_total",
			Help:      "Inbound messages by final disposition.",
		}, []string{"account", "outcome"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "forwards_total",
			Help:      "Human-channel forwards by result.",
		}, []string{"account", "result"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "acks_total",
			Help:      "Acknowledged message ids by result.",
		}, []string{"account", "result"}),
		transport: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "transport_events_total",
			Help:      "Stream connects, poll fallbacks and transport errors.",
		}, []string{"account", "event"}),
		dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrelay",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching a message to its consumer.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"account", "consumer"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrelay",
			Name:      "retry_queue_depth",
			Help:      "Messages pending in the local retry queue.",
		}, []string{"account"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "agentrelay",
		Name:      "uptime_seconds",
		Help:      "Seconds since the relay started.",
	}, func() float64 { return time.Since(m.start).Seconds() })

	m.registry.MustRegister(
		m.deliveries, m.forwards, m.acks, m.transport, m.dispatch, m.queueDepth, uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Subscribe feeds the collectors from bus events.
func (m *Metrics) Subscribe(eb *bus.EventBus) {
	eb.On("*", m.Observe)
}

// Observe records one event.
func (m *Metrics) Observe(ev bus.Event) {
	switch ev.Type {
	case bus.EventAccepted, bus.EventRejected, bus.EventQueued, bus.EventDeferred,
		bus.EventRetried, bus.EventDeadLettered:
		m.deliveries.WithLabelValues(ev.Account, outcome(ev.Type)).Inc()
	case bus.EventDispatched:
		m.deliveries.WithLabelValues(ev.Account, outcome(ev.Type)).Inc()
		if ev.Duration > 0 {
			m.dispatch.WithLabelValues(ev.Account, ev.Consumer).Observe(ev.Duration.Seconds())
		}
	case bus.EventForwarded:
		m.forwards.WithLabelValues(ev.Account, "ok").Inc()
	case bus.EventForwardFailed:
		m.forwards.WithLabelValues(ev.Account, "error").Inc()
	case bus.EventAcked:
		m.acks.WithLabelValues(ev.Account, "ok").Add(float64(max(ev.Count, 1)))
	case bus.EventAckFailed:
		m.acks.WithLabelValues(ev.Account, "error").Add(float64(max(ev.Count, 1)))
	case bus.EventTransportConnected:
		m.transport.WithLabelValues(ev.Account, "connected").Inc()
	case bus.EventTransportFallback:
		m.transport.WithLabelValues(ev.Account, "fallback").Inc()
	case bus.EventTransportError:
		m.transport.WithLabelValues(ev.Account, "error").Inc()
	case bus.EventQueueDepth:
		m.queueDepth.WithLabelValues(ev.Account).Set(float64(ev.Count))
	}
}

func outcome(eventType string) string {
	return eventType[len("delivery."):]
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, listen, path string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", listen, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
