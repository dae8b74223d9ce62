package backend

import "errors"

var (
	ErrSymbolNotFound  = errors.New("backend: symbol not found in module")
	ErrOutOfMemory     = errors.New("backend: out of device memory")
	ErrInvalidAddress  = errors.New("backend: invalid device address")
	ErrDeviceClosed    = errors.New("backend: device closed")
	ErrInvalidProgram  = errors.New("backend: invalid program for this operation")
	ErrInvalidBuild    = errors.New("backend: invalid accel build input")
	ErrNoSuchDevice    = errors.New("backend: no such device")
	ErrStreamClosed    = errors.New("backend: stream closed")
	ErrInvalidLaunch   = errors.New("backend: invalid launch request")
	ErrAlreadyReleased = errors.New("backend: object already released")
)

// Returned by Device.CompileModule when the module source is rejected. Log
// holds the compiler diagnostics.
type CompileError struct {
	Log string
}

func (e *CompileError) Error() string {
	return "backend: module compilation failed: " + e.Log
}
