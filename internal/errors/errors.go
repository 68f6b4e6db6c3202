package errors

import (
	"errors"
	"fmt"
)

// Code identifies the category of a failure as surfaced to tool callers.
type Code string

const (
	// CodeInvalidInput - missing or malformed tool argument
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeWorkspaceNotFound - workspace root does not exist or is unreadable
	CodeWorkspaceNotFound Code = "WORKSPACE_NOT_FOUND"
	// CodeSourceDirNotFound - source dir missing under the workspace
	CodeSourceDirNotFound Code = "SOURCE_DIR_NOT_FOUND"
	// CodeWorkspaceSandboxed - requested path not reachable from this runtime
	CodeWorkspaceSandboxed Code = "WORKSPACE_PATH_SANDBOXED"
	// CodeElementNotFound - a referenced graph entity does not exist
	CodeElementNotFound Code = "ELEMENT_NOT_FOUND"
	// CodeAnchorNotFound - a temporal anchor could not be resolved
	CodeAnchorNotFound Code = "ANCHOR_NOT_FOUND"
	// CodeStoreUnavailable - graph store unreachable after retry
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	// CodeInternal - unrecoverable internal invariant violation
	CodeInternal Code = "INTERNAL"
)

// Error is the structured error carried across component boundaries and
// rendered into the tool error envelope.
type Error struct {
	Code        Code
	Reason      string
	Recoverable bool
	Hint        string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on code so callers can test categories with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an error with the given code and reason.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason, Recoverable: recoverable(code)}
}

// Newf creates an error with a formatted reason.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new error with the given code.
func Wrap(code Code, reason string, cause error) *Error {
	e := New(code, reason)
	e.Cause = cause
	return e
}

// WithHint attaches a remediation hint for the caller.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// recoverable classifies codes per the error taxonomy: everything except
// internal invariant failures is recoverable with corrected input or a
// healthy backend.
func recoverable(code Code) bool {
	return code != CodeInternal
}

// CodeOf extracts the code from err, defaulting to INTERNAL for plain errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError coerces err to *Error, wrapping plain errors as INTERNAL.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Reason: err.Error(), Cause: err}
}
