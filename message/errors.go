package message

import (
	"errors"
	"fmt"

	"shm-discovery/bounded"
	"shm-discovery/registry"
	"shm-discovery/service"
)

// ErrCode is the machine-readable failure reason carried in a response.
type ErrCode string

const (
	CodeOverflow        ErrCode = "OVERFLOW"
	CodeRegistryFull    ErrCode = "REGISTRY_FULL"
	CodeInvalidArgument ErrCode = "INVALID_ARGUMENT"
	CodeRateLimited     ErrCode = "RATE_LIMITED"
	CodeTimeout         ErrCode = "TIMEOUT"
	CodeTransport       ErrCode = "TRANSPORT"
	CodeUnavailable     ErrCode = "UNAVAILABLE"
	CodeInternal        ErrCode = "INTERNAL"
)

// ErrRateLimited and ErrUnavailable mean the request never reached the
// registry; both match ErrTransport.
var (
	ErrTransport       = errors.New("transport failure")
	ErrTimeout         = errors.New("request timed out")
	ErrRateLimited     = fmt.Errorf("rate limit exceeded: %w", ErrTransport)
	ErrUnavailable     = fmt.Errorf("registry unavailable: %w", ErrTransport)
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInternal        = errors.New("internal error")
)

var codeErrors = map[ErrCode]error{
	CodeOverflow:        bounded.ErrOverflow,
	CodeRegistryFull:    registry.ErrRegistryFull,
	CodeInvalidArgument: ErrInvalidArgument,
	CodeRateLimited:     ErrRateLimited,
	CodeTimeout:         ErrTimeout,
	CodeTransport:       ErrTransport,
	CodeUnavailable:     ErrUnavailable,
	CodeInternal:        ErrInternal,
}

// CodeOf classifies err for the wire. nil maps to "".
func CodeOf(err error) ErrCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, bounded.ErrOverflow):
		return CodeOverflow
	case errors.Is(err, registry.ErrRegistryFull):
		return CodeRegistryFull
	case errors.Is(err, service.ErrIDTooLong),
		errors.Is(err, service.ErrWildcardInDescription),
		errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrTransport):
		return CodeTransport
	default:
		return CodeInternal
	}
}

// Fail returns a response carrying err.
func Fail(kind Kind, err error) *Message {
	return &Message{Kind: kind, Code: CodeOf(err), Error: err.Error()}
}

// Err turns a failed response back into an error that matches the
// corresponding sentinel with errors.Is. It returns nil for successful responses.
func (m *Message) Err() error {
	if !m.Failed() {
		return nil
	}
	sentinel, ok := codeErrors[m.Code]
	if !ok {
		sentinel = ErrInternal
	}
	if m.Error == "" || m.Error == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%s: %w", m.Error, sentinel)
}
