package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindAuthFailure           Kind = "auth_failure"
	KindResourceNotFound      Kind = "resource_not_found"
	KindFetchFailure          Kind = "fetch_failure"
	KindRecipientNotFound     Kind = "recipient_not_found"
	KindAmbiguousRecipient    Kind = "ambiguous_recipient"
	KindChannelSendFailure    Kind = "channel_send_failure"
	KindSerializationFailure  Kind = "serialization_failure"
	KindReconciliationFailure Kind = "reconciliation_failure" // never returned to callers
)

func (k Kind) String() string { return string(k) }

// Error is a failed pipeline step.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels below by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
	ErrAuthFailure          = &Error{Kind: KindAuthFailure}
	ErrResourceNotFound     = &Error{Kind: KindResourceNotFound}
	ErrFetchFailure         = &Error{Kind: KindFetchFailure}
	ErrRecipientNotFound    = &Error{Kind: KindRecipientNotFound}
	ErrAmbiguousRecipient   = &Error{Kind: KindAmbiguousRecipient}
	ErrChannelSendFailure   = &Error{Kind: KindChannelSendFailure}
	ErrSerializationFailure = &Error{Kind: KindSerializationFailure}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

func fail(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
