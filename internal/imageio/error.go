package imageio

import "errors"

// Error definitions for the imageio package.
var (
	ErrImageNotFound = errors.New("image not found")
	ErrDecode        = errors.New("failed to decode image")
)
