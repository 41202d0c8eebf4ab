// Package rpcwire implements the thin JSON-RPC 2.0 envelope shared by every
// HTTP surface in the substrate (directory, home server, client-facing
// long-poll). No example in the retrieved corpus ships a JSON-RPC client or
// server library, so this wraps net/http + encoding/json directly rather
// than reaching for a third-party RPC stack.
package rpcwire

import (
	"encoding/json"
	"errors"

	"github.com/nullspace-msg/sealmsg/sealerr"
)

// ErrRPCTransport wraps network-level failures (connection refused, DNS,
// timeout) that occur before any JSON-RPC envelope is involved. Callers
// that need to distinguish "server said no" from "couldn't reach server" use
// errors.Is against this.
var ErrRPCTransport = errors.New("rpcwire: transport error")

// Version is the only jsonrpc field value this package ever emits or accepts.
const Version = "2.0"

// Error codes. The reserved JSON-RPC range is -32768..-32000; the
// sealmsg-specific codes are -32000..-32004, inside its -32099..-32000
// band for implementation-defined server errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeAccessDenied   = -32000
	CodeRetryLater     = -32001
	CodeUpdateRejected = -32002
	CodeNotSupported   = -32003
	CodeProxyError     = -32004
)

// Request is one JSON-RPC call. Id is opaque to this package; callers that
// care about correlating responses set it themselves.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      json.RawMessage `json:"id,omitempty"`
}

// Response carries exactly one of Result or Error, per spec.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Id      json.RawMessage `json:"id,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// ErrorFromErr classifies a Go error from sealerr's kinds into a JSON-RPC
// Error. Anything unrecognized becomes CodeInternalError so that storage
// bugs never leak stack traces to callers.
func ErrorFromErr(err error) *Error {
	if err == nil {
		return nil
	}
	if ur, ok := sealerr.AsUpdateRejected(err); ok {
		return &Error{Code: CodeUpdateRejected, Message: "update rejected", Data: ur.Reason}
	}
	var pe *sealerr.ProxyError
	if errors.As(err, &pe) {
		return &Error{Code: CodeProxyError, Message: "proxy error", Data: pe.Upstream}
	}
	switch {
	case sealerr.IsAccessDenied(err):
		return &Error{Code: CodeAccessDenied, Message: "access denied"}
	case sealerr.IsRetryLater(err):
		return &Error{Code: CodeRetryLater, Message: "retry later"}
	case errors.Is(err, sealerr.NotSupported):
		return &Error{Code: CodeNotSupported, Message: "not supported"}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

// AsError reconstructs a sealerr-compatible error from a JSON-RPC Error, for
// callers on the client side of this package.
func (e *Error) AsError() error {
	switch e.Code {
	case CodeAccessDenied:
		return sealerr.AccessDenied
	case CodeRetryLater:
		return sealerr.RetryLater
	case CodeUpdateRejected:
		return sealerr.Rejected(e.Data)
	case CodeNotSupported:
		return sealerr.NotSupported
	case CodeProxyError:
		return &sealerr.ProxyError{Upstream: e.Data}
	default:
		return e
	}
}
