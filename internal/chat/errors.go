package chat

import (
	"errors"
	"fmt"

	"github.com/omochice/relaychat/pkg/protocol"
)

// Error kinds. Handlers wrap one of these with a user-facing message; the
// session boundary turns the result into an ERROR acknowledgment.
var (
	ErrValidation   = errors.New("validation")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not_found")
	ErrBadChunk     = errors.New("bad_chunk")
	ErrProtocol     = errors.New("protocol")
	ErrStorage      = errors.New("storage")
)

var kinds = []error{ErrValidation, ErrUnauthorized, ErrNotFound, ErrBadChunk, ErrProtocol, ErrStorage}

// Error is a handler failure with a message meant for the client.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Code returns the taxonomy name of err, or "internal" when it has none.
func Code(err error) string {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "internal"
}

// ErrorResponse converts a handler error into an ERROR acknowledgment.
func ErrorResponse(err error) protocol.Outbound {
	message := "internal error"
	var chatErr *Error
	if errors.As(err, &chatErr) {
		message = chatErr.Message
	}
	return protocol.BuildResponse(protocol.TypeError, false, message, map[string]any{
		"code": Code(err),
	})
}
