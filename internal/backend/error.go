package backend

import "errors"

// Error definitions for the backend package.
var (
	ErrNotFound          = errors.New("backend not found in registry")
	ErrAlreadyRegistered = errors.New("backend is already registered in the registry")
	ErrNotLoaded         = errors.New("backend model is not loaded")
	ErrBadShape          = errors.New("unexpected tensor shape")
)
