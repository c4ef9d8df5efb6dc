package metrics

import (
	"context"
	"net/http"
	"time"

	"orderflow/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type PipelineMetrics struct {
	PublishedTotal     *prometheus.CounterVec
	PublishErrorsTotal prometheus.Counter
	ConsumedTotal      *prometheus.CounterVec
	OutboxBacklog      prometheus.Gauge

	registry *prometheus.Registry
	logger   *log.Logger
}

// BacklogSource reports how many outbox rows still await publication.
type BacklogSource interface {
	UnpublishedCount(ctx context.Context) (int64, error)
}

func New(registry *prometheus.Registry, logger *log.Logger) *PipelineMetrics {
	m := &PipelineMetrics{
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_outbox_published_total",
				Help: "Outbox events appended to the broker",
			},
			[]string{"stream"},
		),
		PublishErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orderflow_outbox_publish_errors_total",
				Help: "Publisher cycles that failed unexpectedly",
			},
		),
		ConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_consumer_messages_total",
				Help: "Messages processed by outcome (ack, retry, dlq)",
			},
			[]string{"stream", "group", "outcome"},
		),
		OutboxBacklog: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orderflow_outbox_backlog",
				Help: "Unpublished outbox rows",
			},
		),
		registry: registry,
		logger:   logger,
	}

	registry.MustRegister(
		m.PublishedTotal,
		m.PublishErrorsTotal,
		m.ConsumedTotal,
		m.OutboxBacklog,
	)
	return m
}

// Run serves /metrics and samples the outbox backlog until ctx is cancelled.
func (m *PipelineMetrics) Run(ctx context.Context, addr string, backlog BacklogSource) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go m.collect(ctx, backlog)

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *PipelineMetrics) collect(ctx context.Context, backlog BacklogSource) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			n, err := backlog.UnpublishedCount(ctx)
			if err != nil {
				m.logger.Error("Failed to sample outbox backlog", zap.Error(err))
				continue
			}
			m.OutboxBacklog.Set(float64(n))
		}
	}
}
