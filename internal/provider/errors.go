package provider

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures so callers can tell a dead network from a
// provider-reported error from an undecodable response.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindProvider  Kind = "provider"
	KindMalformed Kind = "malformed"
)

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind from an error chain. Unclassified errors
// report KindNetwork, the conservative default for transport-level failures.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindNetwork
}
