// Package metrics exposes prometheus instrumentation for the streaming
// client: transport activity, query outcomes, and live job counts.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docuchat-ai/docuchat/internal/logging"
)

// Metrics holds the client's prometheus collectors. A nil *Metrics is valid
// everywhere it is accepted; callers guard their increments.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived    *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	DroppedFrames     prometheus.Counter
	ReconnectAttempts prometheus.Counter
	Connected         prometheus.Gauge
	QueriesSent       prometheus.Counter
	QueriesCompleted  prometheus.Counter
	QueriesFailed     prometheus.Counter
	JobsActive        prometheus.Gauge
}

// New creates and registers the client collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docuchat",
			Subsystem: "transport",
			Name:      "events_received_total",
			Help:      "Total decoded events received, by event name",
		}, []string{"event"}),

		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuchat",
			Subsystem: "transport",
			Name:      "decode_errors_total",
			Help:      "Total frames dropped because they failed to decode",
		}),

		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuchat",
			Subsystem: "transport",
			Name:      "dropped_frames_total",
			Help:      "Total frames dropped after disconnect",
		}),

		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuchat",
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnection attempts",
		}),

		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docuchat",
			Subsystem: "transport",
			Name:      "connected",
			Help:      "1 while the websocket channel is established",
		}),

		QueriesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuchat",
			Subsystem: "query",
			Name:      "sent_total",
			Help:      "Total queries sent over the channel",
		}),

		QueriesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuchat",
			Subsystem: "query",
			Name:      "completed_total",
			Help:      "Total queries that reached answer_complete",
		}),

		QueriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docuchat",
			Subsystem: "query",
			Name:      "failed_total",
			Help:      "Total queries that ended in query:error",
		}),

		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docuchat",
			Subsystem: "job",
			Name:      "active",
			Help:      "Background jobs currently tracked in a non-terminal state",
		}),
	}

	m.registry.MustRegister(
		m.EventsReceived,
		m.DecodeErrors,
		m.DroppedFrames,
		m.ReconnectAttempts,
		m.Connected,
		m.QueriesSent,
		m.QueriesCompleted,
		m.QueriesFailed,
		m.JobsActive,
	)

	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a debug listener with /metrics and /healthz until ctx is
// cancelled. Intended for long-lived watch sessions; errors other than
// server-closed are returned.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("metrics server shutdown")
		}
	}()

	logging.Info().Str("addr", addr).Msg("metrics listener started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
