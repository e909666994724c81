package castprotocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// StatusCode mirrors the numeric status codes cast senders report for
// session failures. Values follow the Cast SDK so logs stay comparable.
type StatusCode int

const (
	StatusSuccess               StatusCode = 0
	StatusNetworkError          StatusCode = 7
	StatusInternalError         StatusCode = 8
	StatusInterrupted           StatusCode = 14
	StatusTimeout               StatusCode = 15
	StatusAuthenticationFailed  StatusCode = 2000
	StatusInvalidRequest        StatusCode = 2001
	StatusCanceled              StatusCode = 2002
	StatusNotAllowed            StatusCode = 2003
	StatusApplicationNotFound   StatusCode = 2004
	StatusApplicationNotRunning StatusCode = 2005
	StatusFailed                StatusCode = 2100
	StatusReplaced              StatusCode = 2103
	StatusServiceCreationFailed StatusCode = 2200
	StatusServiceDisconnected   StatusCode = 2201
)

func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNetworkError:
		return "NETWORK_ERROR"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusInterrupted:
		return "INTERRUPTED"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	case StatusInvalidRequest:
		return "INVALID_REQUEST"
	case StatusCanceled:
		return "CANCELED"
	case StatusNotAllowed:
		return "NOT_ALLOWED"
	case StatusApplicationNotFound:
		return "APPLICATION_NOT_FOUND"
	case StatusApplicationNotRunning:
		return "APPLICATION_NOT_RUNNING"
	case StatusFailed:
		return "FAILED"
	case StatusReplaced:
		return "REPLACED"
	case StatusServiceCreationFailed:
		return "SERVICE_CREATION_FAILED"
	case StatusServiceDisconnected:
		return "SERVICE_DISCONNECTED"
	default:
		return fmt.Sprintf("STATUS_%d", int(c))
	}
}

// isTimeoutError checks if an error is a timeout/deadline exceeded error.
// This typically happens when the TV needs to wake from sleep.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// ClassifyError maps an error from the cast connection to the status code
// reported with session events.
func ClassifyError(err error) StatusCode {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.Canceled):
		return StatusCanceled
	case isTimeoutError(err):
		return StatusTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return StatusNetworkError
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return StatusNetworkError
	}
	return StatusFailed
}
