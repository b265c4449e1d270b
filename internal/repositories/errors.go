package repositories

import "fmt"

// StockErrorCode enumerates repository error causes for stock and reservation operations.
type StockErrorCode string

const (
	// StockErrorUnknown represents an unspecified failure.
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorInsufficientStock indicates requested quantity exceeds availability.
	StockErrorInsufficientStock StockErrorCode = "stock_insufficient"
	// StockErrorVariantNotFound indicates the variant has no ledger row.
	StockErrorVariantNotFound StockErrorCode = "stock_variant_not_found"
	// StockErrorNoActiveReservation indicates no reservation record exists for the owner.
	StockErrorNoActiveReservation StockErrorCode = "stock_no_active_reservation"
	// StockErrorReservationExists indicates the owner already holds an active reservation.
	StockErrorReservationExists StockErrorCode = "stock_reservation_exists"
)

// StockError wraps stock-specific failures with machine readable codes. For
// insufficient-stock failures it carries the shortfall so clients can adjust.
type StockError struct {
	Op        string
	Code      StockErrorCode
	Message   string
	VariantID string
	Available int
	Requested int
	Err       error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStockError constructs a typed stock error.
func NewStockError(code StockErrorCode, message string, err error) *StockError {
	if message == "" {
		message = string(code)
	}
	return &StockError{Code: code, Message: message, Err: err}
}

// NewInsufficientStockError records the per-variant shortfall alongside the code.
func NewInsufficientStockError(variantID string, available, requested int) *StockError {
	return &StockError{
		Code:      StockErrorInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for %s: available %d, requested %d", variantID, available, requested),
		VariantID: variantID,
		Available: available,
		Requested: requested,
	}
}

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	// CounterErrorUnknown represents an unspecified failure.
	CounterErrorUnknown CounterErrorCode = "counter_unknown"
	// CounterErrorInvalidInput indicates the caller supplied invalid arguments.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
)

// CounterError wraps counter-specific failures with machine readable codes.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterError constructs a typed counter error.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message, Err: err}
}
