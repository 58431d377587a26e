package render

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// FrameName is the file name of frame i.
func FrameName(i int) string {
	return fmt.Sprintf("frame_%04d.png", i)
}

// PNG writes every frame to Dir as frame_NNNN.png.
type PNG struct {
	Dir   string
	Title bool

	paths []string
}

// NewPNG creates dir if needed.
func NewPNG(dir string, title bool) (*PNG, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}
	return &PNG{Dir: dir, Title: title}, nil
}

// Render implements Renderer.
func (p *PNG) Render(_ context.Context, frame Frame) error {
	path := filepath.Join(p.Dir, FrameName(frame.Index))

	var img image.Image = frame.Image()
	if p.Title {
		img = Titled(img, frame.Title())
	}

	size, err := writePNG(path, img)
	if err != nil {
		return err
	}

	p.paths = append(p.paths, path)
	slog.Debug("Frame written", "frame", frame.Index, "path", path, "size", humanize.Bytes(uint64(size)))
	return nil
}

// Paths lists the files written so far.
func (p *PNG) Paths() []string {
	return p.paths
}

// Close implements Renderer.
func (p *PNG) Close() error {
	return nil
}

func writePNG(path string, img image.Image) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to encode %s: %w", path, err)
	}

	info, statErr := f.Stat()
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", path, err)
	}
	if statErr != nil {
		return 0, nil
	}
	return info.Size(), nil
}
