package session

import "errors"

// ErrAlreadyStarted is returned when Run is called twice on one Session.
var ErrAlreadyStarted = errors.New("session already started")

// CommitError is returned when the revision commit cannot be resolved.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return "Failed to fetch commit data: " + e.Err.Error()
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// ConnectionError is returned when the handshake with the receiving server
// fails. It is not retried.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return "WebSocket connection failed: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
