package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruby14-bit/LIZ-EVENTS/models"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("not allowed to access this event")
	ErrAlreadyPaid  = errors.New("event is already paid")

	// ErrInitiationUnconfirmed means the push request timed out and may or
	// may not have reached the provider. The event is left in Processing and
	// settled later by a callback or by the sweep.
	ErrInitiationUnconfirmed = errors.New("payment request sent but not confirmed by the provider")
)

// PersistenceError is a store failure that survived every retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// retryable reports whether a store error is worth another attempt. Domain
// rejections and cancellation are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, models.ErrEventNotFound),
		errors.Is(err, models.ErrCorrelationNotFound),
		errors.Is(err, models.ErrQuoteMissing),
		errors.Is(err, models.ErrPaymentLocked),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrDuplicateCorrelation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
