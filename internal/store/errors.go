package store

import (
	"errors"
	"fmt"
)

// BusinessError is a rule violation surfaced to callers with a stable code.
// The transaction that produced it is always rolled back in full.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return e.Message
}

var (
	ErrEmptyOrder      = &BusinessError{Code: "empty_order", Message: "order must have at least one item"}
	ErrInvalidQuantity = &BusinessError{Code: "invalid_quantity", Message: "quantity must be a positive integer"}
	ErrProductNotFound = &BusinessError{Code: "product_not_found", Message: "product not found"}
	ErrDuplicateItem   = &BusinessError{Code: "duplicate_item", Message: "product already exists in this order"}
	ErrDuplicateName   = &BusinessError{Code: "duplicate_product", Message: "product already registered"}
	ErrOrderNotFound   = &BusinessError{Code: "order_not_found", Message: "order not found"}
)

// ErrOutOfStock reports which product could not cover the requested quantity.
func ErrOutOfStock(productID int64) *BusinessError {
	return &BusinessError{
		Code:    "out_of_stock",
		Message: fmt.Sprintf("product %d out of stock", productID),
	}
}

func IsBusiness(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}
