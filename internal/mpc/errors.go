package mpc

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSetupInvalid indicates a malformed or unverifiable setup descriptor.
	ErrSetupInvalid = errors.New("mpc: setup invalid")

	// ErrTransport indicates a peer could not be reached or a message was lost.
	ErrTransport = errors.New("mpc: transport failure")

	// ErrAbort indicates an active-adversary or corruption signal.
	ErrAbort = errors.New("mpc: protocol abort")

	// ErrExpired indicates the session ttl elapsed before completion.
	ErrExpired = errors.New("mpc: session expired")
)

// NoParty is reported when a failure cannot be attributed to a single party.
const NoParty = -1

// AbortError is a protocol abort with the offending party when it is known.
type AbortError struct {
	Party  int
	Reason string
}

func (e *AbortError) Error() string {
	if e.Party == NoParty {
		return fmt.Sprintf("mpc: protocol abort: %s", e.Reason)
	}
	return fmt.Sprintf("mpc: protocol abort by party %d: %s", e.Party, e.Reason)
}

func (e *AbortError) Is(target error) bool {
	return target == ErrAbort
}

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Party int
	Err   error
}

func (e *TransportError) Error() string {
	if e.Party == NoParty {
		return fmt.Sprintf("mpc: transport failure: %v", e.Err)
	}
	return fmt.Sprintf("mpc: transport failure with party %d: %v", e.Party, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Abort returns an *AbortError blaming party.
func Abort(party int, format string, args ...interface{}) error {
	return &AbortError{Party: party, Reason: fmt.Sprintf(format, args...)}
}

// SetupInvalid wraps a setup validation failure.
func SetupInvalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSetupInvalid, fmt.Sprintf(format, args...))
}

// Transport wraps err as a transport failure with party.
func Transport(party int, err error) error {
	return &TransportError{Party: party, Err: err}
}

// FromContext maps a done context to the session error it stands for.
func FromContext(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return err
	}
}

// AbortingParty returns the party blamed by err, if any.
func AbortingParty(err error) (int, bool) {
	var ae *AbortError
	if errors.As(err, &ae) && ae.Party != NoParty {
		return ae.Party, true
	}
	return NoParty, false
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSetupInvalid):
		return "setup_invalid"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAbort):
		return "abort"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
