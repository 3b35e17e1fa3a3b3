package models

import "errors"

var (
	ErrEventNotFound        = errors.New("event not found")
	ErrCorrelationNotFound  = errors.New("payment correlation not found")
	ErrQuoteMissing         = errors.New("event has no quoted amount")
	ErrPaymentLocked        = errors.New("payment fields are locked for this event")
	ErrInvalidTransition    = errors.New("payment status transition not allowed")
	ErrDuplicateCorrelation = errors.New("payment correlation already recorded")
)
