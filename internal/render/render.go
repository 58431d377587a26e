// Package render writes or shows decoded frames.
package render

import (
	"context"
	"errors"
)

// Renderer consumes frames in order.
type Renderer interface {
	// Render handles one frame and returns once it is done with it.
	Render(ctx context.Context, frame Frame) error

	// Close flushes anything buffered.
	Close() error
}

// Multi renders every frame with each renderer in turn.
type Multi []Renderer

// Render implements Renderer.
func (m Multi) Render(ctx context.Context, frame Frame) error {
	var errs []error
	for _, r := range m {
		if err := r.Render(ctx, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Renderer.
func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every frame.
type Discard struct{}

// Render implements Renderer.
func (Discard) Render(context.Context, Frame) error { return nil }

// Close implements Renderer.
func (Discard) Close() error { return nil }
