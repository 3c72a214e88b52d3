package conversation

import (
	"context"
	"errors"

	"conversation-service/internal/repositories"
)

// ErrorKind classifies a failure for the transports.
type ErrorKind string

const (
	KindAuthentication ErrorKind = "authentication"
	KindForbidden      ErrorKind = "forbidden"
	KindNotFound       ErrorKind = "not_found"
	KindValidation     ErrorKind = "validation"
	KindConflict       ErrorKind = "conflict"
	KindPersistence    ErrorKind = "persistence"
)

// Error is returned by every service operation. Message is safe to show to
// clients; Err carries the underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrConversationEnded rejects any operation that needs a live conversation.
var ErrConversationEnded = &Error{Kind: KindConflict, Message: "conversation has ended"}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func forbidden(message string) *Error  { return NewError(KindForbidden, message) }
func notFound(message string) *Error   { return NewError(KindNotFound, message) }
func validation(message string) *Error { return NewError(KindValidation, message) }

// persistence wraps store failures, translating repository sentinels to their kinds.
func persistence(message string, err error) error {
	switch {
	case errors.Is(err, repositories.ErrConversationNotFound):
		return &Error{Kind: KindNotFound, Message: "conversation not found", Err: err}
	case errors.Is(err, repositories.ErrMessageNotFound):
		return &Error{Kind: KindNotFound, Message: "message not found", Err: err}
	case errors.Is(err, repositories.ErrPartnerNotFound):
		return &Error{Kind: KindNotFound, Message: "partner not found", Err: err}
	case errors.Is(err, repositories.ErrConversationClosed):
		return ErrConversationEnded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindPersistence, Message: "request cancelled", Err: err}
	}
	return &Error{Kind: KindPersistence, Message: message, Err: err}
}

// KindOf reports the kind of err. Unclassified errors count as persistence failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

// MessageOf returns the client-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
