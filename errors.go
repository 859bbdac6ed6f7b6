package api

import (
	"errors"
	"fmt"
)

// Error codes produced by this package. A server may send others in an error body.
const (
	ErrorCodeConnectionFailure = "connection_failure"
	ErrorCodeConnectionAborted = "connection_aborted"
	ErrorCodeNetworkTimeout    = "network_timeout"
	ErrorCodeParseError        = "parseerror"
)

var (
	ErrNotConnected    = errors.New("transport is not connected")
	ErrSendBufferFull  = errors.New("send buffer is full")
	ErrRequestAborted  = errors.New("request aborted")
	ErrInvalidConfig   = errors.New("invalid config")
	errClosedByClient  = errors.New("socket closed by client")
	errReconnectNeeded = errors.New("no pong from server, reconnecting")
)

// Error is the uniform error object every transport hands to OnError.
type Error struct {
	Result         string `json:"result"`
	ErrorCode      string `json:"errorCode"`
	ErrorMessage   string `json:"errorMessage"`
	TransportError any    `json:"-"`
}

func (e *Error) Error() string {
	if e.ErrorMessage == "" {
		return e.ErrorCode
	}
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.ErrorMessage)
}

func (e *Error) Unwrap() error {
	if err, ok := e.TransportError.(error); ok {
		return err
	}
	return nil
}

// ErrorInfo is passed next to an Error. Critical is set for request timeouts.
type ErrorInfo struct {
	Critical bool
}

func wrapError(transportError any) *Error {
	return &Error{
		Result:         "error",
		ErrorCode:      ErrorCodeConnectionFailure,
		ErrorMessage:   "",
		TransportError: transportError,
	}
}

// HTTPError describes a failed HTTP exchange. StatusText follows the jQuery
// vocabulary: "error", "timeout", "abort", "parsererror" or "parseerror".
type HTTPError struct {
	Status      int
	StatusText  string
	Body        []byte
	ContentType string
	Err         error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s", e.StatusText, e.Status, e.Err)
	}
	return fmt.Sprintf("%s (%d)", e.StatusText, e.Status)
}

func (e *HTTPError) Unwrap() error { return e.Err }
