//go:build integration
// +build integration

package tests

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/consumer"
	"orderflow/internal/event"
	"orderflow/internal/log"
	"orderflow/internal/metrics"
	"orderflow/internal/outbox"
	"orderflow/internal/saga"
	"orderflow/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestDB(ctx context.Context, t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url
	}
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("orderflow"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string for postgres: %v", err)
	}
	return dbURL
}

func setupTestRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisAddr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	return redisAddr
}

func setupStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(setupTestDB(ctx, t), log.NewNop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return st
}

func setupBroker(ctx context.Context, t *testing.T) *broker.Broker {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: setupTestRedis(ctx, t)})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	return broker.New(rdb, log.NewNop())
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOrderTotalsAndOutboxRow(t *testing.T) {
	ctx := context.Background()
	st := setupStore(ctx, t)

	p1, err := st.CreateProduct(ctx, "widget", 100, 5)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	p2, err := st.CreateProduct(ctx, "gadget", 50, 5)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	order, items, err := st.PlaceOrder(ctx, 1, []store.OrderLine{
		{ProductID: p1.ID, Quantity: 2},
		{ProductID: p2.ID, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != store.StatusPendingPayment {
		t.Fatalf("status = %s, want PENDING_PAYMENT", order.Status)
	}
	if order.Amount != 250.00 {
		t.Fatalf("amount = %v, want 250.00", order.Amount)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	var sum float64
	for _, item := range items {
		sum += item.Amount
	}
	if sum != order.Amount {
		t.Fatalf("sum(items.amount) = %v, order amount = %v", sum, order.Amount)
	}

	backlog, err := st.UnpublishedCount(ctx)
	if err != nil {
		t.Fatalf("UnpublishedCount: %v", err)
	}
	if backlog != 1 {
		t.Fatalf("unpublished outbox rows = %d, want 1", backlog)
	}
}

func TestOrderRollbackLeavesNoOutboxRow(t *testing.T) {
	ctx := context.Background()
	st := setupStore(ctx, t)

	product, err := st.CreateProduct(ctx, "scarce", 10, 10)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	_, _, err = st.PlaceOrder(ctx, 1, []store.OrderLine{{ProductID: product.ID, Quantity: 9999}})
	var be *store.BusinessError
	if !errors.As(err, &be) || be.Code != "out_of_stock" {
		t.Fatalf("PlaceOrder error = %v, want out_of_stock", err)
	}

	orders, err := st.ListOrders(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("orders = %v, want none after rollback", orders)
	}
	backlog, err := st.UnpublishedCount(ctx)
	if err != nil {
		t.Fatalf("UnpublishedCount: %v", err)
	}
	if backlog != 0 {
		t.Fatalf("unpublished outbox rows = %d, want 0 after rollback", backlog)
	}
}

func TestDuplicateLineItemRejected(t *testing.T) {
	ctx := context.Background()
	st := setupStore(ctx, t)

	product, err := st.CreateProduct(ctx, "single", 10, 10)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	_, _, err = st.PlaceOrder(ctx, 1, []store.OrderLine{
		{ProductID: product.ID, Quantity: 1},
		{ProductID: product.ID, Quantity: 2},
	})
	if !errors.Is(err, store.ErrDuplicateItem) {
		t.Fatalf("PlaceOrder error = %v, want ErrDuplicateItem", err)
	}
}

func TestSettlementCancelsWhenStockInsufficient(t *testing.T) {
	ctx := context.Background()
	st := setupStore(ctx, t)

	product, err := st.CreateProduct(ctx, "dwindling", 10, 10)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	order, _, err := st.PlaceOrder(ctx, 1, []store.OrderLine{{ProductID: product.ID, Quantity: 5}})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	// Stock shrinks between placement and settlement.
	if _, err := st.DB().ExecContext(ctx, `UPDATE products SET stock = 1 WHERE id = $1`, product.ID); err != nil {
		t.Fatalf("shrink stock: %v", err)
	}

	outcome, err := st.SettleOrderStock(ctx, order.ID)
	if err != nil {
		t.Fatalf("SettleOrderStock: %v", err)
	}
	if outcome != store.SettlementCancelled {
		t.Fatalf("outcome = %s, want cancelled", outcome)
	}

	got, _, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != store.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	p, err := st.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.Stock != 1 {
		t.Fatalf("stock = %d, want untouched 1", p.Stock)
	}
}

func TestSettlementIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := setupStore(ctx, t)

	product, err := st.CreateProduct(ctx, "steady", 20, 10)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	order, _, err := st.PlaceOrder(ctx, 1, []store.OrderLine{{ProductID: product.ID, Quantity: 4}})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	outcome, err := st.SettleOrderStock(ctx, order.ID)
	if err != nil || outcome != store.SettlementConfirmed {
		t.Fatalf("first settlement = %s, %v; want confirmed", outcome, err)
	}
	outcome, err = st.SettleOrderStock(ctx, order.ID)
	if err != nil || outcome != store.SettlementSkipped {
		t.Fatalf("second settlement = %s, %v; want skipped", outcome, err)
	}

	p, err := st.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.Stock != 6 {
		t.Fatalf("stock = %d, want decremented exactly once to 6", p.Stock)
	}
}

func TestMarkPaymentFailedGuardsTerminalStates(t *testing.T) {
	ctx := context.Background()
	st := setupStore(ctx, t)

	product, err := st.CreateProduct(ctx, "guarded", 20, 10)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	order, _, err := st.PlaceOrder(ctx, 1, []store.OrderLine{{ProductID: product.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if _, err := st.SettleOrderStock(ctx, order.ID); err != nil {
		t.Fatalf("SettleOrderStock: %v", err)
	}

	updated, err := st.MarkPaymentFailed(ctx, order.ID)
	if err != nil {
		t.Fatalf("MarkPaymentFailed: %v", err)
	}
	if updated {
		t.Fatal("MarkPaymentFailed touched a CONFIRMED order")
	}
	got, _, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != store.StatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED unchanged", got.Status)
	}
}

// TestPipelineConfirmsOrder drives the whole chain with an always-approving
// gateway: order.created -> payment.confirmed -> stock settlement.
func TestPipelineConfirmsOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := setupStore(ctx, t)
	br := setupBroker(ctx, t)
	m := metrics.New(prometheus.NewRegistry(), log.NewNop())
	logger := log.NewNop()

	publisher := outbox.NewPublisher(st, br, m, logger, 10, 200*time.Millisecond, 200*time.Millisecond)
	go publisher.Run(ctx)

	gateway := &saga.RandomGateway{ApprovalRate: 1}
	startSaga := func(stream, group, name, eventType string, h consumer.Handler) {
		mux := consumer.NewMux()
		mux.On(eventType, h)
		c := consumer.New(br, consumer.Options{
			Stream:     stream,
			Group:      group,
			Consumer:   name,
			Handler:    mux,
			MaxRetries: 3,
			Batch:      10,
			Block:      200 * time.Millisecond,
		}, m, logger)
		go c.Run(ctx)
	}
	startSaga(event.StreamOrderCreated, event.GroupPayment, "payment-test",
		event.TypeOrderCreated, saga.NewPaymentHandler(gateway, st, logger))
	startSaga(event.StreamPaymentConfirmed, event.GroupStock, "stock-test",
		event.TypePaymentConfirmed, saga.NewStockHandler(st, logger))
	startSaga(event.StreamPaymentFailed, event.GroupPaymentFailed, "failed-test",
		event.TypePaymentFailed, saga.NewPaymentFailedHandler(st, logger))

	product, err := st.CreateProduct(ctx, "pipeline", 100, 10)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	order, _, err := st.PlaceOrder(ctx, 1, []store.OrderLine{{ProductID: product.ID, Quantity: 3}})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	waitFor(t, 30*time.Second, "order to confirm", func() bool {
		got, _, err := st.GetOrder(ctx, order.ID)
		return err == nil && got.Status == store.StatusConfirmed
	})

	p, err := st.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.Stock != 7 {
		t.Fatalf("stock = %d, want 7", p.Stock)
	}
	backlog, err := st.UnpublishedCount(ctx)
	if err != nil {
		t.Fatalf("UnpublishedCount: %v", err)
	}
	if backlog != 0 {
		t.Fatalf("unpublished outbox rows = %d, want all published", backlog)
	}
}

// TestPipelineMarksPaymentFailed drives the chain with an always-declining
// gateway: order.created -> payment.failed -> PAYMENT_FAILED.
func TestPipelineMarksPaymentFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := setupStore(ctx, t)
	br := setupBroker(ctx, t)
	m := metrics.New(prometheus.NewRegistry(), log.NewNop())
	logger := log.NewNop()

	publisher := outbox.NewPublisher(st, br, m, logger, 10, 200*time.Millisecond, 200*time.Millisecond)
	go publisher.Run(ctx)

	gateway := &saga.RandomGateway{ApprovalRate: 0}
	paymentMux := consumer.NewMux()
	paymentMux.On(event.TypeOrderCreated, saga.NewPaymentHandler(gateway, st, logger))
	go consumer.New(br, consumer.Options{
		Stream: event.StreamOrderCreated, Group: event.GroupPayment, Consumer: "payment-test",
		Handler: paymentMux, MaxRetries: 3, Batch: 10, Block: 200 * time.Millisecond,
	}, m, logger).Run(ctx)

	failedMux := consumer.NewMux()
	failedMux.On(event.TypePaymentFailed, saga.NewPaymentFailedHandler(st, logger))
	go consumer.New(br, consumer.Options{
		Stream: event.StreamPaymentFailed, Group: event.GroupPaymentFailed, Consumer: "failed-test",
		Handler: failedMux, MaxRetries: 3, Batch: 10, Block: 200 * time.Millisecond,
	}, m, logger).Run(ctx)

	product, err := st.CreateProduct(ctx, "declined", 10, 10)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	order, _, err := st.PlaceOrder(ctx, 1, []store.OrderLine{{ProductID: product.ID, Quantity: 2}})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	waitFor(t, 30*time.Second, "payment to fail", func() bool {
		got, _, err := st.GetOrder(ctx, order.ID)
		return err == nil && got.Status == store.StatusPaymentFailed
	})

	p, err := st.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.Stock != 10 {
		t.Fatalf("stock = %d, want untouched 10", p.Stock)
	}
}

// TestConsumerDeadLettersPoisonMessage exercises retry accounting and the
// DLQ against a real broker.
func TestConsumerDeadLettersPoisonMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br := setupBroker(ctx, t)
	m := metrics.New(prometheus.NewRegistry(), log.NewNop())

	stream := fmt.Sprintf("poison.%d", time.Now().UnixNano())
	mux := consumer.NewMux()
	mux.On("POISON", consumer.HandlerFunc(func(context.Context, broker.Message) error {
		return errors.New("always broken")
	}))
	go consumer.New(br, consumer.Options{
		Stream: stream, Group: "poison_group", Consumer: "poison-test",
		Handler: mux, MaxRetries: 3, Batch: 10, Block: 200 * time.Millisecond,
	}, m, log.NewNop()).Run(ctx)

	env, err := event.New("POISON", event.OrderPayload{OrderID: 1})
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	if _, err := br.Append(ctx, stream, env); err != nil {
		t.Fatalf("Append: %v", err)
	}

	waitFor(t, 30*time.Second, "message to dead-letter", func() bool {
		entries, err := br.ReadDeadLetters(ctx, stream, 10)
		return err == nil && len(entries) == 1
	})

	entries, err := br.ReadDeadLetters(ctx, stream, 10)
	if err != nil {
		t.Fatalf("ReadDeadLetters: %v", err)
	}
	fields := entries[0].Values
	if fields["original_stream"] != stream {
		t.Fatalf("original_stream = %q", fields["original_stream"])
	}
	if fields["original_type"] != "POISON" {
		t.Fatalf("original_type = %q", fields["original_type"])
	}
	if fields["attempts"] != "3" {
		t.Fatalf("attempts = %q, want 3", fields["attempts"])
	}
}
