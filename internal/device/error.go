package device

import "errors"

// Error definitions for the device package.
var (
	ErrNoAccelerator = errors.New("no accelerator available")
	ErrUnknownDevice = errors.New("unknown device preference")
)
