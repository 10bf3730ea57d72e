package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/nucleus-ipc-go/eventstream"
)

// Status codes carried by StatusError. They name the failing layer the same
// way the nucleus logs do, so operators can grep for them on both sides.
const (
	CodeSocketNotFound    = "AWS_IO_FILE_VALIDATION_FAILURE"
	CodeConnectionRefused = "AWS_IO_SOCKET_CONNECTION_REFUSED"
	CodeSocketTimeout     = "AWS_IO_SOCKET_TIMEOUT"
	CodeConnectionClosed  = "AWS_ERROR_EVENT_STREAM_RPC_CONNECTION_CLOSED"
	CodeAccessDenied      = "AWS_ERROR_EVENT_STREAM_RPC_CONNECTION_ACCESS_DENIED"
	CodeProtocolError     = "AWS_ERROR_EVENT_STREAM_RPC_PROTOCOL_ERROR"
	CodeInternalError     = "AWS_ERROR_EVENT_STREAM_RPC_INTERNAL_ERROR"
	CodeStreamClosed      = "AWS_ERROR_EVENT_STREAM_RPC_STREAM_CLOSED"
)

var (
	ErrNotConnected      = &StatusError{Code: CodeConnectionClosed, Err: errors.New("not connected")}
	ErrClientClosed      = &StatusError{Code: CodeConnectionClosed, Err: errors.New("client closed")}
	ErrStreamClosed      = &StatusError{Code: CodeStreamClosed, Err: errors.New("stream closed before a response arrived")}
	ErrAlreadyConnected  = errors.New("rpc: connect already in progress or established")
	ErrAlreadyActivated  = errors.New("rpc: operation already activated")
	ErrConnectionRefused = errors.New("connection not accepted by server")
)

// StatusError is a transport-level failure tagged with a status code.
type StatusError struct {
	Code string
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// ApplicationError is a modeled service error returned by the nucleus on an
// operation stream.
type ApplicationError struct {
	// ServiceModelType is the "service-model-type" header, e.g.
	// "aws.greengrass#ResourceNotFoundError".
	ServiceModelType string `json:"-"`
	Code             string `json:"_errorCode"`
	Message          string `json:"_message"`
	Payload          []byte `json:"-"`
}

func newApplicationError(m *eventstream.Message) *ApplicationError {
	e := &ApplicationError{Payload: m.Payload}
	e.ServiceModelType, _ = m.Headers.GetString(eventstream.HeaderServiceModelType)
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, e)
	}
	return e
}

func (e *ApplicationError) Error() string {
	name := e.Code
	if name == "" {
		name = e.ServiceModelType
	}
	if name == "" {
		name = "application error"
	}
	if e.Message == "" {
		return "rpc: " + name
	}
	return fmt.Sprintf("rpc: %s: %s", name, e.Message)
}

func messageError(typ eventstream.MessageType, m *eventstream.Message) *StatusError {
	code := CodeProtocolError
	if typ == eventstream.MessageInternalError {
		code = CodeInternalError
	}
	detail := string(m.Payload)
	if detail == "" {
		detail = typ.String()
	}
	return &StatusError{Code: code, Err: errors.New(detail)}
}
