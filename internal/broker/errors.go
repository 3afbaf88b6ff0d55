package broker

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrUnauthorized is returned when the broker rejects the bearer credential.
var ErrUnauthorized = errors.New("broker rejected credential")

// ErrReconnect may be returned by a stream event handler to end the current
// connection cleanly so the caller can reconnect.
var ErrReconnect = errors.New("stream reconnect requested")

// ErrStreamClosed is returned when the broker ends a stream without asking
// for a reconnect.
var ErrStreamClosed = errors.New("stream closed by broker")

// StatusError is a non-2xx broker response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// ConnectError marks a stream failure that happened before the server accepted
// the connection.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "stream connect: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// checkStatus drains and closes non-2xx responses into a *StatusError.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}
