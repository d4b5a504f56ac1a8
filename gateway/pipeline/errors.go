package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Standard JSON-RPC 2.0 codes plus the gateway's server-error range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUpstreamError  = -32000
	CodeUnauthorized   = -32001
	CodeRateLimited    = -32005
	CodeTimeout        = -32008
)

// Error is a structured JSON-RPC error returned to the client.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *Error) WithData(data any) *Error {
	out := *e
	out.Data = data
	return &out
}

// AsError converts err into a wire error. Errors that are not already an
// *Error are reported as internal errors without leaking their text.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		return NewError(CodeTimeout, "request cancelled")
	default:
		return NewError(CodeInternalError, "internal error")
	}
}

// ErrorCode returns the wire code for err, or 0 for nil.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	return AsError(err).Code
}
