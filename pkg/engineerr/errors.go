// Package engineerr defines the error-kind taxonomy shared across the
// engine's datastore, pipeline, worker, and IPC layers.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for the purposes of propagation and
// exit behavior. It does not replace Go's error values — every Error
// still wraps a concrete cause.
type Kind string

// Error kinds, per the engine's error-handling design.
const (
	Configuration Kind = "configuration"
	Transport     Kind = "transport"
	Protocol      Kind = "protocol"
	Runner        Kind = "runner"
	Datastore     Kind = "datastore"
	Simulation    Kind = "simulation"
	Fatal         Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// propagation behavior (abort the step, fail the worker, exit non-zero)
// without string-matching error messages.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf builds a new Error from a format string, analogous to fmt.Errorf.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Sentinel errors referenced by §8's boundary-behavior tests.
var (
	ErrSpecialKeyMissing   = errors.New("special key missing")
	ErrNotImplemented      = errors.New("not implemented")
	ErrTaskAlreadyExists   = errors.New("task already exists")
	ErrUnexpectedTarget    = errors.New("unexpected message target")
	ErrSnapshotNotUnique   = errors.New("failed to unwrap snapshot")
	ErrUnknownTask         = errors.New("unknown task")
	ErrLockNotAcquired     = errors.New("failed to acquire lock")
	ErrMetaversionStale    = errors.New("metaversion stale beyond recovery")
	ErrPresetArrowUnreach  = errors.New("preset arrow field kind is not supported")
	ErrReceiveInitTimeout  = errors.New("receive init message timeout")
	ErrProtocolFirstNotInit = errors.New("first orchestrator message was not Init")
)
