// Package assemblyerr defines the error taxonomy of the assembly engine.
//
// Every error carries a Kind. Configuration errors are fatal and raised
// before any target is touched; conversion and property access errors are
// per-mapping and normally collected into an execution report; container
// lookup and fetch errors abort the operations that depend on the namespace.
//
// Use errors.Is with the sentinel kinds to classify an error:
//
//	if errors.Is(err, assemblyerr.ErrConfiguration) { ... }
package assemblyerr

import (
	"errors"
	"fmt"
)

// Kind is the category of an engine error.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindContainerNotFound Kind = "container_not_found"
	KindFetch             Kind = "fetch"
	KindConversion        Kind = "conversion"
	KindPropertyAccess    Kind = "property_access"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrContainerNotFound = &Error{Kind: KindContainerNotFound}
	ErrFetch             = &Error{Kind: KindFetch}
	ErrConversion        = &Error{Kind: KindConversion}
	ErrPropertyAccess    = &Error{Kind: KindPropertyAccess}
)

// Error is an engine error with a kind, a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string

	// Namespace is the container namespace involved, if any.
	Namespace string
	// Path is the property path involved, if any.
	Path string

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Fatal reports whether the error should stop an execution.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindConversion, KindPropertyAccess:
		return false
	default:
		return true
	}
}

// Configuration creates a configuration error.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// ContainerNotFound creates an error for an unresolved namespace.
func ContainerNotFound(namespace string) *Error {
	return &Error{
		Kind:      KindContainerNotFound,
		Message:   fmt.Sprintf("container %q not found", namespace),
		Namespace: namespace,
	}
}

// Fetch wraps a container fetch failure.
func Fetch(namespace string, cause error) *Error {
	return &Error{
		Kind:      KindFetch,
		Message:   fmt.Sprintf("fetch from container %q", namespace),
		Namespace: namespace,
		Cause:     cause,
	}
}

// Conversion wraps a value conversion failure.
func Conversion(from, to string, cause error) *Error {
	return &Error{
		Kind:    KindConversion,
		Message: fmt.Sprintf("cannot convert %s to %s", from, to),
		Cause:   cause,
	}
}

// PropertyAccess wraps a property read or write failure on path.
func PropertyAccess(path string, cause error) *Error {
	return &Error{
		Kind:    KindPropertyAccess,
		Message: fmt.Sprintf("property %q", path),
		Path:    path,
		Cause:   cause,
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsFatal reports whether err should stop an execution. Errors that are not
// engine errors are treated as fatal.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal()
	}
	return err != nil
}
