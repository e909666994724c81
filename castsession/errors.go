package castsession

import (
	"fmt"

	"github.com/pkg/errors"

	"go2tv.app/castlink/castprotocol"
	"go2tv.app/castlink/devices"
)

// ErrorKind classifies coordinator failures.
type ErrorKind int

const (
	KindInvalidAppID ErrorKind = iota
	KindSessionActive
	KindTimeout
	KindTransient
	KindTerminal
	KindPlatformUnavailable
	KindCanceled
	KindNoSession
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidAppID:
		return "invalid_app_id"
	case KindSessionActive:
		return "session_error"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindPlatformUnavailable:
		return "platform_unavailable"
	case KindCanceled:
		return "canceled"
	case KindNoSession:
		return "no_session"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

var (
	ErrInvalidAppID        = devices.ErrInvalidAppID
	ErrSessionActive       = errors.New("castsession: session already active")
	ErrTimeout             = errors.New("castsession: timed out")
	ErrTransient           = errors.New("castsession: transient failure")
	ErrTerminal            = errors.New("castsession: terminal failure")
	ErrPlatformUnavailable = errors.New("castsession: cast platform unavailable")
	ErrCanceled            = errors.New("castsession: canceled")
	ErrNoSession           = errors.New("castsession: no session")
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidAppID:        ErrInvalidAppID,
	KindSessionActive:       ErrSessionActive,
	KindTimeout:             ErrTimeout,
	KindTransient:           ErrTransient,
	KindTerminal:            ErrTerminal,
	KindPlatformUnavailable: ErrPlatformUnavailable,
	KindCanceled:            ErrCanceled,
	KindNoSession:           ErrNoSession,
}

// Error is the structured failure returned in a Result. Code keeps the
// receiver status code for Terminal and Transient failures.
type Error struct {
	Kind    ErrorKind
	Code    castprotocol.StatusCode
	RouteID string
	Msg     string
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.RouteID != "" {
		s += " (route " + e.RouteID + ")"
	}
	if e.Kind == KindTerminal || e.Kind == KindTransient {
		s += fmt.Sprintf(" [code %d %s]", int(e.Code), e.Code)
	}
	return s
}

// Unwrap exposes the sentinel for the error's kind.
func (e *Error) Unwrap() error {
	return kindSentinels[e.Kind]
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}
