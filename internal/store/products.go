package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

func (s *Store) CreateProduct(ctx context.Context, name string, amount float64, stock int) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
           INSERT INTO products (name, amount, stock)
           VALUES ($1, $2, $3)
           RETURNING id, name, amount, stock, created_at, updated_at
       `, normalizeName(name), amount, stock).Scan(&p.ID, &p.Name, &p.Amount, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Constraint == "uniq_products_name" {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("insert product: %w", err)
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
           SELECT id, name, amount, stock, created_at, updated_at
           FROM products WHERE id = $1
       `, id).Scan(&p.ID, &p.Name, &p.Amount, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, limit, offset int) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, `
           SELECT id, name, amount, stock, created_at, updated_at
           FROM products ORDER BY id ASC LIMIT $1 OFFSET $2
       `, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Amount, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, nil
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
