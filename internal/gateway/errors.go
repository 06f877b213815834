package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrServiceNotFound is matched by every *ServiceNotFoundError.
var ErrServiceNotFound = errors.New("gateway: no service for model")

type ServiceNotFoundError struct {
	Model   string
	Message string
}

func (e *ServiceNotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	model := e.Model
	if model == "" {
		model = "(missing model)"
	}
	return "No service found for model: " + model
}

func (e *ServiceNotFoundError) Is(target error) bool { return target == ErrServiceNotFound }

func (e *ServiceNotFoundError) HTTPStatus() int { return http.StatusNotFound }

// BadRequestError is a client mistake detected before any upstream call.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string   { return e.Message }
func (e *BadRequestError) HTTPStatus() int { return http.StatusBadRequest }

// UpstreamStatusError reports an upstream that could not be reached or
// refused the call outright.
type UpstreamStatusError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *UpstreamStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("gateway: %s: upstream status %d", e.Service, e.StatusCode)
}

func (e *UpstreamStatusError) Unwrap() error { return e.Err }

func (e *UpstreamStatusError) HTTPStatus() int {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return http.StatusBadGateway
}

// BreakerOpenError rejects calls to a service whose circuit is open.
type BreakerOpenError struct {
	Service string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("gateway: %s is temporarily unavailable (circuit open)", e.Service)
}

func (e *BreakerOpenError) HTTPStatus() int { return http.StatusServiceUnavailable }
