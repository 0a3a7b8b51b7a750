package channel

import (
	"errors"
	"fmt"
)

// Protocol errors are always fatal to the specific channel: the connection is
// closed and never retried at this layer. Redial policy belongs to the caller.
var (
	ErrBadSignature     = errors.New("bad handshake signature")
	ErrStaleTimestamp   = errors.New("handshake timestamp outside clock-skew window")
	ErrConfirmMismatch  = errors.New("confirmation tag mismatch")
	ErrUnexpectedKey    = errors.New("remote static key does not match expected key")
	ErrBadRecord        = errors.New("malformed or unauthenticated record")
	ErrNonceOutOfOrder  = errors.New("record sequence not strictly increasing")
	ErrCounterExhausted = errors.New("record counter exhausted")
	ErrClosed           = errors.New("channel closed")
)

// Error wraps a channel failure with the operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func chanErr(op string, err error) error {
	return &Error{Op: op, Err: err}
}
