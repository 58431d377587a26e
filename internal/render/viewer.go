package render

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/ekisa-team/latentmorph/internal/executor"
)

// Viewer shows each frame with an external program and waits for it to exit.
type Viewer struct {
	exec  *executor.Executor
	args  []string
	dir   string
	title bool
}

// NewViewer runs e with args plus the frame path for every frame.
func NewViewer(e *executor.Executor, args []string, title bool) (*Viewer, error) {
	dir, err := os.MkdirTemp("", "latentmorph-view-")
	if err != nil {
		return nil, fmt.Errorf("failed to create viewer directory: %w", err)
	}

	return &Viewer{exec: e, args: slices.Clone(args), dir: dir, title: title}, nil
}

// Render implements Renderer. It blocks until the viewer exits.
func (v *Viewer) Render(ctx context.Context, frame Frame) error {
	path := filepath.Join(v.dir, FrameName(frame.Index))

	var img image.Image = frame.Image()
	if v.title {
		img = Titled(img, frame.Title())
	}
	if _, err := writePNG(path, img); err != nil {
		return err
	}
	defer os.Remove(path)

	slog.Debug("Showing frame", "frame", frame.Index, "viewer", v.exec.BinaryPath())

	_, stderr, err := v.exec.Execute(ctx, append(slices.Clone(v.args), path), nil)
	if err != nil {
		if len(stderr) > 0 {
			return fmt.Errorf("viewer failed on %s: %w: %s", frame.Title(), err, stderr)
		}
		return fmt.Errorf("viewer failed on %s: %w", frame.Title(), err)
	}
	return nil
}

// Close implements Renderer.
func (v *Viewer) Close() error {
	return os.RemoveAll(v.dir)
}
