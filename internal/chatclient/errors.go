package chatclient

import (
	"errors"
	"fmt"
)

// ErrorKind groups errors by how they are handled.
type ErrorKind int

const (
	// KindTransport errors are connection drops; the session recovers from them locally.
	KindTransport ErrorKind = iota
	// KindProtocol errors are malformed payloads; normalization absorbs them.
	KindProtocol
	// KindRequest errors are REST failures surfaced to the caller.
	KindRequest
	// KindAck errors are socket-level send rejections surfaced to the caller.
	KindAck
	// KindValidation errors are caught before any network activity.
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindRequest:
		return "request"
	case KindAck:
		return "ack"
	case KindValidation:
		return "validation"
	default:
		return fmt.Sprintf("unknown_kind_%d", int(k))
	}
}

// ErrorCode narrows an ErrorKind to a specific condition.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeNotConnected
	CodeDisconnected
	CodePermanentlyDisconnected
	CodeDial
	CodeMalformed
	CodeNetwork
	CodeServer
	CodeAckTimeout
	CodeServerRejected
	CodeEmptyContent
	CodeInvalidArgument
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUnknown:
		return "unknown"
	case CodeNotConnected:
		return "not_connected"
	case CodeDisconnected:
		return "disconnected"
	case CodePermanentlyDisconnected:
		return "permanently_disconnected"
	case CodeDial:
		return "dial_failed"
	case CodeMalformed:
		return "malformed_payload"
	case CodeNetwork:
		return "network_error"
	case CodeServer:
		return "server_error"
	case CodeAckTimeout:
		return "ack_timeout"
	case CodeServerRejected:
		return "server_rejected"
	case CodeEmptyContent:
		return "empty_content"
	case CodeInvalidArgument:
		return "invalid_argument"
	default:
		return fmt.Sprintf("unknown_code_%d", int(c))
	}
}

// Error is the structured error returned by every chatclient operation.
type Error struct {
	Kind    ErrorKind
	Code    ErrorCode
	Op      string
	Status  int    // HTTP status for CodeServer
	Reason  string // server supplied reason for CodeServerRejected/CodeServer
	Wrapped error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is matches on Code, or on Kind when the target carries CodeUnknown.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == CodeUnknown {
		return e.Kind == t.Kind
	}
	return e.Code == t.Code
}

var (
	ErrNotConnected            = &Error{Kind: KindTransport, Code: CodeNotConnected}
	ErrDisconnected            = &Error{Kind: KindTransport, Code: CodeDisconnected}
	ErrPermanentlyDisconnected = &Error{Kind: KindTransport, Code: CodePermanentlyDisconnected}
	ErrAckTimeout              = &Error{Kind: KindAck, Code: CodeAckTimeout}
	ErrServerRejected          = &Error{Kind: KindAck, Code: CodeServerRejected}
	ErrEmptyContent            = &Error{Kind: KindValidation, Code: CodeEmptyContent}
	ErrNetwork                 = &Error{Kind: KindRequest, Code: CodeNetwork}
	ErrServer                  = &Error{Kind: KindRequest, Code: CodeServer}

	// Kind-only targets for errors.Is.
	ErrTransport  = &Error{Kind: KindTransport}
	ErrRequest    = &Error{Kind: KindRequest}
	ErrAck        = &Error{Kind: KindAck}
	ErrValidation = &Error{Kind: KindValidation}
)

// ServerRejected builds the error for an ack that carried an error.
func ServerRejected(reason string) *Error {
	return &Error{Kind: KindAck, Code: CodeServerRejected, Op: "send", Reason: reason}
}

// NetworkError wraps a failure to reach the REST endpoint.
func NetworkError(op string, err error) *Error {
	return &Error{Kind: KindRequest, Code: CodeNetwork, Op: op, Wrapped: err}
}

// ServerError reports a non-2xx REST response.
func ServerError(op string, status int, reason string) *Error {
	return &Error{Kind: KindRequest, Code: CodeServer, Op: op, Status: status, Reason: reason}
}

func opError(op string, base *Error) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Op: op}
}

func transportError(op string, code ErrorCode, err error) *Error {
	return &Error{Kind: KindTransport, Code: code, Op: op, Wrapped: err}
}

// SendError is returned by Client.Send when a message could not be delivered.
// It carries the unsent content so the caller can offer a retry.
type SendError struct {
	To      Identity
	Content string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.To, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed send may succeed if attempted again later.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrServerRejected):
		return false
	case errors.Is(err, ErrTransport), errors.Is(err, ErrAckTimeout), errors.Is(err, ErrNetwork):
		return true
	default:
		return false
	}
}
