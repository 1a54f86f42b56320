package common

import (
	"errors"

	"golang.org/x/xerrors"
)

// The three error kinds the kernel distinguishes. Callers match them with
// errors.Is; everything else wrapped around them is context
var (
	// ErrInvalidOperation reports a malformed call from the application:
	// unknown neighbor, neighbor not a child of the given parent, duplicate
	// children, cycle found by invariant validation
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInconsistentState reports a collaborator contradicting the engine,
	// e.g. a node missing right after it was ensured. Indicates a store-level
	// bug or corruption
	ErrInconsistentState = errors.New("inconsistent state")
	// ErrStorage wraps errors reported by collaborators: I/O, serialization,
	// uniqueness violations, materialization protocol failures
	ErrStorage = errors.New("storage error")
)

func xerrInvalidf(format string, args ...interface{}) error {
	return xerrors.Errorf(format+": %w", append(args, ErrInvalidOperation)...)
}

func xerrInconsistentf(format string, args ...interface{}) error {
	return xerrors.Errorf(format+": %w", append(args, ErrInconsistentState)...)
}

func xerrStoragef(format string, args ...interface{}) error {
	return xerrors.Errorf(format+": %w", append(args, ErrStorage)...)
}

// ErrInvalidOperationf wraps ErrInvalidOperation with context
func ErrInvalidOperationf(format string, args ...interface{}) error {
	return xerrInvalidf(format, args...)
}

// ErrInconsistentStatef wraps ErrInconsistentState with context
func ErrInconsistentStatef(format string, args ...interface{}) error {
	return xerrInconsistentf(format, args...)
}

// ErrStoragef wraps ErrStorage with context
func ErrStoragef(format string, args ...interface{}) error {
	return xerrStoragef(format, args...)
}

// WrapStorage wraps a collaborator error into ErrStorage, keeping the cause
// reachable for errors.Is/errors.As. nil stays nil
func WrapStorage(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrInvalidOperation) || errors.Is(err, ErrInconsistentState) {
		return err
	}
	return xerrors.Errorf("%v: %w", err, ErrStorage)
}
