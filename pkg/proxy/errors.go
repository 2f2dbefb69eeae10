// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"fmt"

	"github.com/pkg/errors"
)

// Failure kinds. Every error returned by the relay matches exactly one of
// these with errors.Is.
var (
	// ErrUpstreamUnreachable aborts an attach: the source could not be dialed
	// or failed before its preamble was complete.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrMalformedPreamble aborts an attach: the source never sent the blank
	// line terminating its preamble.
	ErrMalformedPreamble = errors.New("malformed upstream preamble")
	// ErrClientWrite is contained to a single client, which gets pruned.
	ErrClientWrite = errors.New("client write failed")
	// ErrUpstreamRead drops the source link and every attached client.
	ErrUpstreamRead = errors.New("upstream read failed")
	// ErrListener is fatal to Serve.
	ErrListener = errors.New("listener failed")
)

// relayError ties a failure kind to the operation and the underlying cause.
type relayError struct {
	Kind error  // Kind is one of the Err* sentinels above.
	Op   string // Op names what was being attempted, for logs.
	Err  error  // Err retains the original cause.
}

func newError(kind error, op string, err error) error {
	return &relayError{Kind: kind, Op: op, Err: err}
}

// Error implements the error interface for relayError.
func (e *relayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As checks.
func (e *relayError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the failure kind of e.
func (e *relayError) Is(target error) bool {
	return target == e.Kind
}
