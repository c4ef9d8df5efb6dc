package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"orderflow/internal/broker"
	"orderflow/internal/config"
	"orderflow/internal/consumer"
	"orderflow/internal/event"
	"orderflow/internal/log"
	"orderflow/internal/metrics"
	"orderflow/internal/outbox"
	"orderflow/internal/saga"
	"orderflow/internal/server"
	"orderflow/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	st, err := store.New(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()
	if err := st.Ping(context.Background()); err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	br := broker.New(rdb, logger)

	pipelineMetrics := metrics.New(prometheus.NewRegistry(), logger)
	publisher := outbox.NewPublisher(st, br, pipelineMetrics, logger,
		cfg.PublishBatch, cfg.PublishInterval, cfg.PublishBackoff)
	gateway := &saga.RandomGateway{ApprovalRate: cfg.PaymentApproval}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go pipelineMetrics.Run(ctx, cfg.MetricsAddr, st)
	go runLoop(ctx, logger, "outbox publisher", publisher.Run)

	consumers := []*consumer.Consumer{
		newSagaConsumer(br, pipelineMetrics, logger, cfg,
			event.StreamOrderCreated, event.GroupPayment, "payment",
			event.TypeOrderCreated, saga.NewPaymentHandler(gateway, st, logger)),
		newSagaConsumer(br, pipelineMetrics, logger, cfg,
			event.StreamPaymentConfirmed, event.GroupStock, "stock",
			event.TypePaymentConfirmed, saga.NewStockHandler(st, logger)),
		newSagaConsumer(br, pipelineMetrics, logger, cfg,
			event.StreamPaymentFailed, event.GroupPaymentFailed, "payment_failed",
			event.TypePaymentFailed, saga.NewPaymentFailedHandler(st, logger)),
	}
	for _, c := range consumers {
		c := c
		go runLoop(ctx, logger, "consumer", c.Run)
	}

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, st, br, logger)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

func newSagaConsumer(br *broker.Broker, m *metrics.PipelineMetrics, logger *log.Logger, cfg *config.Config,
	stream, group, name, eventType string, handler consumer.Handler) *consumer.Consumer {
	mux := consumer.NewMux()
	mux.On(eventType, handler)
	return consumer.New(br, consumer.Options{
		Stream:     stream,
		Group:      group,
		Consumer:   name + "-" + cfg.ConsumerName,
		Handler:    mux,
		MaxRetries: cfg.MaxRetries,
		Batch:      int64(cfg.ConsumeBatch),
		Block:      cfg.ConsumeBlock,
	}, m, logger)
}

// runLoop keeps a loop's exit visible: anything other than a context cancel
// is a crash worth flagging at process level.
func runLoop(ctx context.Context, logger *log.Logger, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("Loop exited unexpectedly", zap.String("loop", name), zap.Error(err))
	}
}
