package server

import (
	"errors"
	"fmt"

	"github.com/EternisAI/silo-desktop/internal/protocol"
)

var (
	ErrAuth         = errors.New("authentication failed")
	ErrProtocol     = errors.New("protocol violation")
	ErrTimeout      = errors.New("timed out")
	ErrConflict     = errors.New("connection conflict")
	ErrNotFound     = errors.New("agent not connected")
	ErrDisconnected = errors.New("agent disconnected")
	ErrUnavailable  = errors.New("registry unavailable")
)

// Error is a channel failure. Kind is one of the sentinels above and is what
// callers match with errors.Is; Reason is the machine-readable detail that is
// also sent as the WebSocket close reason.
type Error struct {
	Kind   error
	Reason string
	Code   int
}

func NewError(kind error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Code: closeCodeFor(kind)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func closeCodeFor(kind error) int {
	switch kind {
	case ErrAuth:
		return protocol.CloseAuth
	case ErrProtocol:
		return protocol.CloseProtocol
	case ErrTimeout:
		return protocol.CloseTimeout
	case ErrConflict:
		return protocol.CloseConflict
	case ErrUnavailable:
		return protocol.CloseInternal
	default:
		return 1000
	}
}

func kindForCloseCode(code int) error {
	switch code {
	case protocol.CloseAuth:
		return ErrAuth
	case protocol.CloseProtocol:
		return ErrProtocol
	case protocol.CloseTimeout:
		return ErrTimeout
	case protocol.CloseConflict:
		return ErrConflict
	case protocol.CloseInternal:
		return ErrUnavailable
	default:
		return ErrDisconnected
	}
}

func errShutdown() *Error {
	return &Error{Kind: ErrDisconnected, Reason: protocol.ReasonShutdown, Code: protocol.CloseGoingAway}
}
