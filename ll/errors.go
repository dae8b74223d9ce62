package ll

import (
	"errors"
	"fmt"
	"strings"
)

// A result code. Every failing Context call returns an error whose code can
// be recovered with CodeOf or matched with errors.Is.
type ErrorCode int

const (
	Success ErrorCode = iota

	// ID out of range for its table.
	InvalidHandle

	// The ID is in range but nothing has been created there.
	UnknownResource

	// Entry point missing from a module.
	ProgramNotFound

	// Ray type >= the configured ray type count.
	InvalidRayType

	// A user geometry already has a different bounds source.
	ConflictingBoundsSource

	// One or more modules failed to compile.
	CompilationFailure

	// Instance group nesting exceeds the configured maximum.
	InstancingDepthExceeded

	// The backend rejected an operation.
	BackendFailure

	// Malformed size, count, stride or length.
	InvalidArgument

	// Operation precondition not met.
	InvalidState
)

var codeNames = map[ErrorCode]string{
	Success:                 "success",
	InvalidHandle:           "invalid handle",
	UnknownResource:         "unknown resource",
	ProgramNotFound:         "program not found",
	InvalidRayType:          "invalid ray type",
	ConflictingBoundsSource: "conflicting bounds source",
	CompilationFailure:      "compilation failure",
	InstancingDepthExceeded: "instancing depth exceeded",
	BackendFailure:          "backend failure",
	InvalidArgument:         "invalid argument",
	InvalidState:            "invalid state",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Implements error so codes can be used as errors.Is targets.
func (c ErrorCode) Error() string {
	return "ll: " + c.String()
}

// The error type returned by Context operations.
type Error struct {
	Code ErrorCode

	// The operation that failed.
	Op string

	msg string

	// The underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("ll: ")
	sb.WriteString(e.Op)
	sb.WriteString(": ")
	if e.msg != "" {
		sb.WriteString(e.msg)
	} else {
		sb.WriteString(e.Code.String())
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.Code
}

func errorf(code ErrorCode, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, msg: fmt.Sprintf(format, args...)}
}

// Return the result code carried by err. Errors not produced by this package
// map to BackendFailure.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var llErr *Error
	if errors.As(err, &llErr) {
		return llErr.Code
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return BackendFailure
}

// A failure on a single device.
type DeviceError struct {
	Device int
	Err    error
}

func (e DeviceError) Error() string {
	return fmt.Sprintf("device %d: %v", e.Device, e.Err)
}

func (e DeviceError) Unwrap() error {
	return e.Err
}

// Per-device failures collected by an operation that runs on every device.
type DeviceErrors []DeviceError

func (e DeviceErrors) Error() string {
	msgs := make([]string, len(e))
	for i, devErr := range e {
		msgs[i] = devErr.Error()
	}
	return strings.Join(msgs, "; ")
}

// Allows errors.Is/As to match any of the collected device errors.
func (e DeviceErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, devErr := range e {
		errs[i] = devErr
	}
	return errs
}

// A module that failed to compile.
type ModuleError struct {
	Module int

	// Devices on which compilation failed.
	Devices []int

	// Compiler diagnostics.
	Log string
}

func (e ModuleError) Error() string {
	return fmt.Sprintf("module %d (devices %v): %s", e.Module, e.Devices, e.Log)
}

type ModuleErrors []ModuleError

func (e ModuleErrors) Error() string {
	msgs := make([]string, len(e))
	for i, modErr := range e {
		msgs[i] = modErr.Error()
	}
	return strings.Join(msgs, "; ")
}
