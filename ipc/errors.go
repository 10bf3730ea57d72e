package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned for operations on a handle that is not
	// Connected.
	ErrNotConnected = errors.New("ipc: not connected")
	// ErrConnectInProgress is returned by Connect while another Connect on
	// the same handle is waiting for the native handshake.
	ErrConnectInProgress = errors.New("ipc: connect already in progress")
	// ErrHandleClosed is returned by every call on a closed handle.
	ErrHandleClosed = errors.New("ipc: handle closed")
	// ErrConnectionClosed is the Failed reason when the native layer reports a
	// disconnect without an error.
	ErrConnectionClosed = errors.New("ipc: connection closed")
	// ErrSubscriptionActive is returned by Subscribe while the handle already
	// has an open subscription.
	ErrSubscriptionActive = errors.New("ipc: a subscription is already open on this handle")
)

// UnknownErrorMessage is used for application errors that carry no message.
const UnknownErrorMessage = "Unknown error"

// ConnectError is returned by Handle.Connect.
type ConnectError struct {
	// Status is the native status description, verbatim.
	Status string
	// Fatal is set when the native bootstrap or client could not be built.
	// Retrying a fatal error on the same handle will fail the same way.
	Fatal bool
	Err   error
}

func (e *ConnectError) Error() string {
	if e.Fatal {
		return "ipc: native client setup failed: " + e.Status
	}
	return "ipc: connect failed: " + e.Status
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ErrorKind classifies an OperationError.
type ErrorKind int

const (
	// KindActivation: the request could not be submitted.
	KindActivation ErrorKind = iota + 1
	// KindTimeout: no result within the operation timeout.
	KindTimeout
	// KindApplication: the service answered with a modeled error.
	KindApplication
	// KindTransport: the native layer failed outside the service model
	// (stream or connection teardown, protocol errors, not connected).
	KindTransport
	// KindDecode: the response could not be decoded.
	KindDecode
	// KindCanceled: the caller's context ended first.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindActivation:
		return "activation failed"
	case KindTimeout:
		return "timed out"
	case KindApplication:
		return "application error"
	case KindTransport:
		return "transport error"
	case KindDecode:
		return "decode error"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// OperationError is returned by Execute and Subscribe. Message is never
// empty.
type OperationError struct {
	Kind      ErrorKind
	Operation string
	Message   string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("ipc: %s: %s: %s", e.Operation, e.Kind, e.Message)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Timeout reports whether the operation timed out.
func (e *OperationError) Timeout() bool { return e.Kind == KindTimeout }

// IsKind reports whether err is an *OperationError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var oe *OperationError
	return errors.As(err, &oe) && oe.Kind == k
}

func newOperationError(kind ErrorKind, op string, err error) *OperationError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = kind.String()
	}
	return &OperationError{Kind: kind, Operation: op, Message: msg, Err: err}
}

// classifyResult maps a rejected result into Application or Transport.
func classifyResult(op string, err error) *OperationError {
	var ae *ApplicationError
	if errors.As(err, &ae) {
		msg := ae.Message
		if msg == "" {
			msg = UnknownErrorMessage
		}
		return &OperationError{Kind: KindApplication, Operation: op, Message: msg, Err: err}
	}
	return newOperationError(KindTransport, op, err)
}
