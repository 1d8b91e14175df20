package rpc

import (
	"errors"
	"fmt"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Bridge-specific codes.
	CodeTimeout           = -32001
	CodeEngineUnavailable = -32002
	CodeNotFound          = -32004
	CodeRateLimited       = -32029
)

var (
	// ErrTimeout means no response arrived within the request window.
	ErrTimeout = errors.New("rpc timeout")
	// ErrDisconnected means the engine process exited with the request in flight.
	ErrDisconnected = errors.New("engine process disconnected")
	// ErrConnectionLost means the client socket closed with the request in flight.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotConnected is returned by sends attempted while the socket is not open.
	ErrNotConnected = errors.New("not connected")
	// ErrPayloadShape marks a malformed or unrecognized message.
	ErrPayloadShape = errors.New("unrecognized payload shape")
)

// Error is an explicit error object returned by a peer. It is propagated to
// callers verbatim.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}
