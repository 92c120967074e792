package intent

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/peerlink/internal/identity"
	"github.com/danmuck/peerlink/internal/transport"
)

// Kind classifies why an intent failed.
type Kind string

const (
	KindTimeout                 Kind = "timeout"
	KindRejected                Kind = "rejected"
	KindAlreadyRegistered       Kind = "already_registered"
	KindTransportError          Kind = "transport_error"
	KindCancelled               Kind = "cancelled"
	KindInvalidTransition       Kind = "invalid_transition"
	KindTrustPreconditionFailed Kind = "trust_precondition_failed"
	KindUnknownIdentity         Kind = "unknown_identity"
)

var (
	ErrTimeout                 = errors.New("intent: timeout")
	ErrRejected                = errors.New("intent: rejected")
	ErrAlreadyRegistered       = errors.New("intent: already registered")
	ErrTransport               = errors.New("intent: transport error")
	ErrCancelled               = errors.New("intent: cancelled")
	ErrInvalidTransition       = errors.New("intent: invalid transition")
	ErrTrustPreconditionFailed = errors.New("intent: trust precondition failed")
	ErrUnknownIdentity         = errors.New("intent: unknown identity")
	ErrClosed                  = errors.New("intent: machine closed")
)

var sentinels = map[Kind]error{
	KindTimeout:                 ErrTimeout,
	KindRejected:                ErrRejected,
	KindAlreadyRegistered:       ErrAlreadyRegistered,
	KindTransportError:          ErrTransport,
	KindCancelled:               ErrCancelled,
	KindInvalidTransition:       ErrInvalidTransition,
	KindTrustPreconditionFailed: ErrTrustPreconditionFailed,
	KindUnknownIdentity:         ErrUnknownIdentity,
}

// Sentinel returns the error value errors.Is matches for k.
func (k Kind) Sentinel() error {
	return sentinels[k]
}

// Op names the intent that failed.
type Op string

const (
	OpRegister   Op = "register"
	OpConnect    Op = "connect"
	OpTeardown   Op = "teardown"
	OpDeregister Op = "deregister"
	OpJoin       Op = "join"
	OpCreate     Op = "create"
	OpLeave      Op = "leave"
)

// Error is the typed failure of one intent against one identity.
type Error struct {
	Op     Op
	Kind   Kind
	ID     identity.ID
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("intent: %s %s: %s", e.Op, e.ID, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind.Sentinel()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed failure.
func NewError(op Op, id identity.ID, kind Kind, reason string, cause error) *Error {
	return &Error{Op: op, Kind: kind, ID: id, Reason: reason, Err: cause}
}

// KindOf extracts the failure kind carried by err.
func KindOf(err error) (Kind, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return "", false
}

// Retryable reports whether err is a failure worth retrying as is.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindTimeout || kind == KindTransportError)
}

// classify maps a transport failure onto the taxonomy. taskErr is the
// intent's own context error, which wins over whatever the transport saw.
func classify(op Op, id identity.ID, err error, taskErr error) *Error {
	switch {
	case errors.Is(taskErr, context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return NewError(op, id, KindTimeout, "intent deadline exceeded", err)
	case taskErr != nil, errors.Is(err, context.Canceled):
		return NewError(op, id, KindCancelled, "", err)
	case errors.Is(err, transport.ErrAlreadyRegistered):
		return NewError(op, id, KindAlreadyRegistered, err.Error(), err)
	case errors.Is(err, transport.ErrRejected):
		reason, _ := transport.RejectReason(err)
		return NewError(op, id, KindRejected, reason, err)
	}
	return NewError(op, id, KindTransportError, err.Error(), err)
}
