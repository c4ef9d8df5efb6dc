package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"orderflow/internal/broker"
	"orderflow/internal/config"
	"orderflow/internal/log"
	"orderflow/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

func SetupRouter(r *chi.Mux, cfg *config.Config, st *store.Store, br *broker.Broker, logger *log.Logger) {
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := br.Ping(r.Context()); err != nil {
			logger.Error("Redis health check failed", zap.Error(err))
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				CustomerID int64             `json:"customer_id"`
				Items      []store.OrderLine `json:"items"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode order request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.CustomerID <= 0 || len(req.Items) == 0 {
				http.Error(w, "Invalid parameters", http.StatusBadRequest)
				return
			}

			start := time.Now()
			order, items, err := st.PlaceOrder(r.Context(), req.CustomerID, req.Items)
			if err != nil {
				writeStoreError(w, logger, err)
				return
			}
			logger.Info("Order placed",
				zap.Int64("order_id", order.ID), zap.Float64("amount", order.Amount),
				zap.Duration("duration", time.Since(start)))

			w.WriteHeader(http.StatusCreated)
			writeJSON(w, logger, orderResponse(order, items))
		})

		r.Get("/orders", func(w http.ResponseWriter, r *http.Request) {
			limit, offset := pageParams(r)
			orders, err := st.ListOrders(r.Context(), limit, offset)
			if err != nil {
				logger.Error("Failed to list orders", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, orders)
		})

		r.Get("/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
			if err != nil {
				http.Error(w, "Invalid order id", http.StatusBadRequest)
				return
			}
			order, items, err := st.GetOrder(r.Context(), id)
			if err != nil {
				writeStoreError(w, logger, err)
				return
			}
			writeJSON(w, logger, orderResponse(order, items))
		})

		r.Get("/products", func(w http.ResponseWriter, r *http.Request) {
			limit, offset := pageParams(r)
			products, err := st.ListProducts(r.Context(), limit, offset)
			if err != nil {
				logger.Error("Failed to list products", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, products)
		})

		r.Post("/products", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Name   string  `json:"name"`
				Amount float64 `json:"amount"`
				Stock  int     `json:"stock"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode product request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.Name == "" || req.Amount < 0 || req.Stock < 0 {
				http.Error(w, "Invalid parameters", http.StatusBadRequest)
				return
			}
			product, err := st.CreateProduct(r.Context(), req.Name, req.Amount, req.Stock)
			if err != nil {
				writeStoreError(w, logger, err)
				return
			}
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, logger, product)
		})

		// Dead-letter streams double as the manual-intervention queue;
		// this exposes them to operational tooling read-only.
		r.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
			stream := r.URL.Query().Get("stream")
			if stream == "" {
				http.Error(w, "Missing stream", http.StatusBadRequest)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			messages, err := br.ReadDeadLetters(r.Context(), stream, int64(limit))
			if err != nil {
				logger.Error("Failed to read DLQ", zap.String("stream", stream), zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, dlqResponse(stream, messages))
		})
	})
}

type orderView struct {
	ID         int64             `json:"id"`
	CustomerID int64             `json:"customer_id"`
	Status     store.OrderStatus `json:"status"`
	Amount     float64           `json:"amount"`
	Items      []store.OrderItem `json:"items"`
}

func orderResponse(order *store.Order, items []store.OrderItem) orderView {
	if items == nil {
		items = []store.OrderItem{}
	}
	return orderView{
		ID:         order.ID,
		CustomerID: order.CustomerID,
		Status:     order.Status,
		Amount:     order.Amount,
		Items:      items,
	}
}

type dlqEntry struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

func dlqResponse(stream string, messages []broker.Message) map[string]interface{} {
	entries := make([]dlqEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, dlqEntry{ID: m.ID, Fields: m.Values})
	}
	return map[string]interface{}{
		"stream":  broker.DeadLetterStream(stream),
		"entries": entries,
	}
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// writeStoreError maps typed business errors to 4xx with their stable
// message; anything else is a 500.
func writeStoreError(w http.ResponseWriter, logger *log.Logger, err error) {
	var be *store.BusinessError
	if errors.As(err, &be) {
		status := http.StatusBadRequest
		switch be {
		case store.ErrOrderNotFound, store.ErrProductNotFound:
			status = http.StatusNotFound
		case store.ErrDuplicateItem, store.ErrDuplicateName:
			status = http.StatusConflict
		}
		http.Error(w, be.Message, status)
		return
	}
	logger.Error("Request failed", zap.Error(err))
	http.Error(w, "Internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsKey struct{}

// Claims returns the verified JWT claims stored by the auth middleware.
func Claims(ctx context.Context) (jwt.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(jwt.Claims)
	return claims, ok
}
