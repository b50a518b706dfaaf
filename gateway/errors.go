package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrCursorStalled      = errors.New("transaction feed cursor did not advance")
)

// GatewayError carries the gateway's own error payload ({code, message}) when it sent one.
// Status is 0 when the request never got a response.
type GatewayError struct {
	Status  int
	Code    string
	Message string
	Body    string

	cause error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Status == 0 && e.cause != nil:
		return fmt.Sprintf("gateway request failed: %v", e.cause)
	case e.Code != "" || e.Message != "":
		return fmt.Sprintf("gateway api error %d: %s %s", e.Status, e.Code, e.Message)
	default:
		return fmt.Sprintf("gateway api error %d: %s", e.Status, e.Body)
	}
}

func (e *GatewayError) Is(target error) bool {
	return target == ErrGatewayUnavailable
}

func (e *GatewayError) Unwrap() error {
	return e.cause
}
