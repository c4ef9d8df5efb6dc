package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orderflow/internal/event"

	"github.com/lib/pq"
)

// PlaceOrder runs the whole order-creation transaction: lock the requested
// products, create the order in PENDING_PAYMENT, validate and create each
// line, persist the total and append the ORDER_CREATED outbox event. Any
// failure rolls everything back, outbox row included.
func (s *Store) PlaceOrder(ctx context.Context, customerID int64, lines []OrderLine) (*Order, []OrderItem, error) {
	if len(lines) == 0 {
		return nil, nil, ErrEmptyOrder
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, nil, ErrInvalidQuantity
		}
	}

	var (
		order Order
		items []OrderItem
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids := make([]int64, 0, len(lines))
		for _, line := range lines {
			ids = append(ids, line.ProductID)
		}

		// Lock products first so concurrent placements on the same
		// products serialize before the stock check.
		products, err := lockProducts(ctx, tx, ids)
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, `
               INSERT INTO orders (customer_id, status)
               VALUES ($1, 'PENDING_PAYMENT')
               RETURNING id, customer_id, status, amount, created_at, updated_at
           `, customerID).Scan(&order.ID, &order.CustomerID, &order.Status, &order.Amount, &order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		var total float64
		for _, line := range lines {
			product, ok := products[line.ProductID]
			if !ok {
				return ErrProductNotFound
			}
			if product.Stock < line.Quantity {
				return ErrOutOfStock(product.ID)
			}

			amount := product.Amount * float64(line.Quantity)
			total += amount

			var item OrderItem
			err := tx.QueryRowContext(ctx, `
                   INSERT INTO order_items (order_id, product_id, quantity, amount)
                   VALUES ($1, $2, $3, $4)
                   RETURNING id, order_id, product_id, quantity, amount
               `, order.ID, line.ProductID, line.Quantity, amount).Scan(
				&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.Amount)
			if err != nil {
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Constraint == "uniq_order_items_order_product" {
					return ErrDuplicateItem
				}
				return fmt.Errorf("insert order item: %w", err)
			}
			items = append(items, item)
		}

		err = tx.QueryRowContext(ctx, `
               UPDATE orders
               SET amount = $1, updated_at = NOW()
               WHERE id = $2
               RETURNING amount, updated_at
           `, total, order.ID).Scan(&order.Amount, &order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update order amount: %w", err)
		}

		env, err := event.New(event.TypeOrderCreated, event.OrderPayload{OrderID: order.ID})
		if err != nil {
			return err
		}
		if _, err := s.AppendOutbox(ctx, tx, event.StreamOrderCreated, env); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &order, items, nil
}

// RecordPaymentOutcome appends the follow-up event the payment saga decided
// on. The order row itself is not touched here.
func (s *Store) RecordPaymentOutcome(ctx context.Context, orderID int64, approved bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stream, eventType := event.StreamPaymentFailed, event.TypePaymentFailed
		if approved {
			stream, eventType = event.StreamPaymentConfirmed, event.TypePaymentConfirmed
		}
		env, err := event.New(eventType, event.OrderPayload{OrderID: orderID})
		if err != nil {
			return err
		}
		_, err = s.AppendOutbox(ctx, tx, stream, env)
		return err
	})
}

// SettleOrderStock decrements stock and confirms the order, or cancels it
// when any line cannot be covered. The status guard makes duplicate
// deliveries of payment.confirmed a no-op: anything past PENDING_PAYMENT is
// terminal. Decrement and status change commit together.
func (s *Store) SettleOrderStock(ctx context.Context, orderID int64) (SettlementOutcome, error) {
	outcome := SettlementSkipped
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status OrderStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			outcome = SettlementNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("load order status: %w", err)
		}
		if status != StatusPendingPayment {
			outcome = SettlementSkipped
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT product_id FROM order_items WHERE order_id = $1 ORDER BY id ASC`, orderID)
		if err != nil {
			return fmt.Errorf("load order items: %w", err)
		}
		var productIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan order item: %w", err)
			}
			productIDs = append(productIDs, id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close order items: %w", err)
		}

		if len(productIDs) > 0 {
			if _, err := tx.ExecContext(ctx,
				`SELECT id FROM products WHERE id = ANY($1) FOR UPDATE`, pq.Array(productIDs)); err != nil {
				return fmt.Errorf("lock products: %w", err)
			}
		}

		var insufficient int
		err = tx.QueryRowContext(ctx, `
               SELECT COUNT(*)
               FROM products
               JOIN order_items ON order_items.product_id = products.id
               WHERE order_items.order_id = $1
                 AND products.stock < order_items.quantity
           `, orderID).Scan(&insufficient)
		if err != nil {
			return fmt.Errorf("check stock: %w", err)
		}

		if insufficient > 0 {
			if _, err := tx.ExecContext(ctx, `
                   UPDATE orders
                   SET status = 'CANCELLED', updated_at = NOW()
                   WHERE id = $1
               `, orderID); err != nil {
				return fmt.Errorf("cancel order: %w", err)
			}
			outcome = SettlementCancelled
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
               UPDATE products
               SET stock = products.stock - order_items.quantity, updated_at = NOW()
               FROM order_items
               WHERE order_items.order_id = $1
                 AND order_items.product_id = products.id
           `, orderID); err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
               UPDATE orders
               SET status = 'CONFIRMED', updated_at = NOW()
               WHERE id = $1
           `, orderID); err != nil {
			return fmt.Errorf("confirm order: %w", err)
		}
		outcome = SettlementConfirmed
		return nil
	})
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

// MarkPaymentFailed moves the order to PAYMENT_FAILED only while it is still
// PENDING_PAYMENT. Returns false when no row matched, which the caller
// treats as a duplicate or out-of-order delivery.
func (s *Store) MarkPaymentFailed(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
           UPDATE orders
           SET status = 'PAYMENT_FAILED', updated_at = NOW()
           WHERE id = $1 AND status = 'PENDING_PAYMENT'
       `, orderID)
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*Order, []OrderItem, error) {
	var order Order
	err := s.db.QueryRowContext(ctx, `
           SELECT id, customer_id, status, amount, created_at, updated_at
           FROM orders WHERE id = $1
       `, id).Scan(&order.ID, &order.CustomerID, &order.Status, &order.Amount, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
           SELECT id, order_id, product_id, quantity, amount
           FROM order_items WHERE order_id = $1 ORDER BY id ASC
       `, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.Amount); err != nil {
			return nil, nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	return &order, items, nil
}

func (s *Store) ListOrders(ctx context.Context, limit, offset int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `
           SELECT id, customer_id, status, amount, created_at, updated_at
           FROM orders ORDER BY id ASC LIMIT $1 OFFSET $2
       `, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var order Order
		if err := rows.Scan(&order.ID, &order.CustomerID, &order.Status, &order.Amount, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func lockProducts(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]Product, error) {
	rows, err := tx.QueryContext(ctx, `
           SELECT id, name, amount, stock, created_at, updated_at
           FROM products WHERE id = ANY($1)
           FOR UPDATE
       `, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]Product)
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Amount, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products[p.ID] = p
	}
	return products, nil
}
