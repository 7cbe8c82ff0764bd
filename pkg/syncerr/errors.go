// Package syncerr defines the error taxonomy shared by the synchronization
// components.
//
// There are four kinds of failure:
//
//   - [ConfigurationError]: the link configuration is invalid. Returned only
//     while loading configuration, never while processing traffic.
//   - [ResolutionError]: a related record referenced by a link could not be
//     found. Recovered locally by the resolver and reported as a warning.
//   - [TransientStoreError]: a timeout or network failure on either store.
//     Retried a bounded number of times.
//   - [PermanentStoreError]: a failure that retrying cannot fix, such as a
//     malformed document or a constraint violation. Routed to the error sink.
//
// Use [IsTransient] to decide whether an arbitrary error should be retried.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNotFound is returned when a record or document does not exist.
var ErrNotFound = errors.New("not found")

// ConfigurationError reports an invalid link configuration.
type ConfigurationError struct {
	Entity string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("invalid link configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid link configuration for %q: %s", e.Entity, e.Reason)
}

// ResolutionError reports a broken relation reference encountered while
// building a document. Path is the dotted attribute path inside the document.
type ResolutionError struct {
	Entity   string
	RecordID any
	Path     string
	Target   string
	TargetID any
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s %v: link %q references missing %s %v", e.Entity, e.RecordID, e.Path, e.Target, e.TargetID)
}

// TransientStoreError wraps a failure that may succeed when retried.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// PermanentStoreError wraps a failure that will not succeed when retried.
type PermanentStoreError struct {
	Op  string
	Err error
}

func (e *PermanentStoreError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentStoreError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientStoreError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

// Permanent wraps err as a PermanentStoreError. A nil err stays nil.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentStoreError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried.
//
// An explicit [PermanentStoreError] or [TransientStoreError] anywhere in the
// chain decides, outermost first. Otherwise deadline and network errors are
// transient and everything else is permanent. Cancellation is never
// transient: the caller asked to stop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *PermanentStoreError:
			return false
		case *TransientStoreError:
			return true
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
