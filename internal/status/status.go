package status

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidArgument     = errors.New("request: invalid argument")
	ErrNotFound            = errors.New("lookup: not found")
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	ErrNoProviderAvailable = errors.New("matcher: no provider available")
	ErrCapacityExceeded    = errors.New("provider: capacity exceeded")
	ErrTimeout             = errors.New("session: heartbeat timeout")
	ErrCustomerBusy        = errors.New("session: customer already in an active session")
)

// Code is the stable string sent to clients next to the error message.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNoProviderAvailable):
		return "no_provider_available"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCustomerBusy):
		return "customer_busy"
	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrNoProviderAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrCustomerBusy):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
