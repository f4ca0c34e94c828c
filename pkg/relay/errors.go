package relay

import (
	"errors"

	"github.com/NicolasHaas/gochat/pkg/protocol"
)

var (
	ErrValidation   = errors.New("relay: validation failed")
	ErrNotFound     = errors.New("relay: receiver not found")
	ErrPersistence  = errors.New("relay: persistence failed")
	ErrBadRequest   = errors.New("relay: bad request")
	ErrInvalidState = errors.New("relay: invalid session state")
)

// Error is a failure scoped to one inbound event. Detail is the text shown
// to the client.
type Error struct {
	Kind   error
	Detail string
	Err    error // underlying cause, never sent to clients
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ErrorCode maps an error to the code carried by the error event.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return protocol.CodeValidation
	case errors.Is(err, ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrBadRequest):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeInternal
	}
}

// errorEvent builds the error event reported to the originating session.
func errorEvent(err error) protocol.Outbound {
	code := ErrorCode(err)
	msg := "internal error"
	var re *Error
	if errors.As(err, &re) && re.Detail != "" {
		msg = re.Detail
	}
	return protocol.Outbound{
		Event: protocol.EventError,
		Data:  protocol.ErrorPayload{Code: code, Message: msg},
	}
}
