package payments

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInvalidPhone     ErrorKind = "InvalidPhone"
	KindInvalidAmount    ErrorKind = "InvalidAmount"
	KindAuthFailed       ErrorKind = "AuthFailed"
	KindProviderRejected ErrorKind = "ProviderRejected"
	KindTimeout          ErrorKind = "Timeout"
	KindTransport        ErrorKind = "Transport"
)

// stillProcessingCode is the error code the STK query endpoint answers with
// while the payer has not yet acted on the prompt.
const stillProcessingCode = "500.001.1001"

// stillProcessingResult is the ResultCode of a query answer for a push the
// provider has not finished with.
const stillProcessingResult = "4999"

// GatewayError is every failure the M-Pesa client reports. Detail carries the
// provider body verbatim so it can be logged for diagnostics.
type GatewayError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Code       string
	Detail     string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("mpesa %s: %s", e.Kind, e.Message)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a GatewayError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.Kind == kind
}

// IsStillProcessing reports whether a status query answered that the payer
// has not finished yet.
func IsStillProcessing(err error) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.Kind == KindProviderRejected && gerr.Code == stillProcessingCode
}
