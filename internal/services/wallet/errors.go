package wallet

import (
	"errors"
	"fmt"

	"github.com/fastprodman/ticketeconomy/internal/infra/breaker"
	"github.com/fastprodman/ticketeconomy/internal/repos/entries"
	"github.com/fastprodman/ticketeconomy/internal/services/fraud"
	"github.com/fastprodman/ticketeconomy/internal/services/idempotency"
	"github.com/fastprodman/ticketeconomy/internal/services/ratelimit"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConcurrencyConflict = errors.New("concurrent modification")
	ErrMaxRetriesExceeded  = errors.New("retries exhausted under contention")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

// Errors owned by the layers the wallet composes, re-exported so callers
// only need this package to match them.
var (
	ErrReferenceConflict = idempotency.ErrReferenceConflict
	ErrFraudBlocked      = fraud.ErrBlocked
	ErrRateLimited       = ratelimit.ErrRateLimited
	ErrCircuitOpen       = breaker.ErrOpen
	ErrEntryNotFound     = entries.ErrEntryNotFound
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// StorageError hides the underlying failure behind a correlation id that
// also appears in the server log.
type StorageError struct {
	CorrelationID string
	Err           error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable (correlation id %s)", e.CorrelationID)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }
