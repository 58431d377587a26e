package render

import (
	"context"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// GIF collects frames and writes one animated GIF on Close.
type GIF struct {
	Path  string
	Delay time.Duration
	// Loop follows image/gif: 0 loops forever, -1 plays once.
	Loop  int
	Title bool

	anim gif.GIF
}

// NewGIF creates a GIF renderer writing to path.
func NewGIF(path string, delay time.Duration, loop int, title bool) *GIF {
	return &GIF{Path: path, Delay: delay, Loop: loop, Title: title}
}

// Render implements Renderer.
func (g *GIF) Render(_ context.Context, frame Frame) error {
	var img image.Image = frame.Image()
	if g.Title {
		img = Titled(img, frame.Title())
	}

	b := img.Bounds()
	pal := image.NewPaletted(b, palette.Plan9)
	draw.FloydSteinberg.Draw(pal, b, img, b.Min)

	g.anim.Image = append(g.anim.Image, pal)
	g.anim.Delay = append(g.anim.Delay, int(g.Delay/(10*time.Millisecond)))
	return nil
}

// Frames returns the number of buffered frames.
func (g *GIF) Frames() int {
	return len(g.anim.Image)
}

// Close implements Renderer. Nothing is written when no frame was rendered.
func (g *GIF) Close() error {
	if len(g.anim.Image) == 0 {
		return nil
	}

	f, err := os.Create(g.Path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", g.Path, err)
	}
	defer f.Close()

	g.anim.LoopCount = g.Loop
	if err := gif.EncodeAll(f, &g.anim); err != nil {
		return fmt.Errorf("failed to encode %s: %w", g.Path, err)
	}

	info, err := f.Stat()
	if err == nil {
		slog.Info("Animation written", "path", g.Path, "frames", len(g.anim.Image), "size", humanize.Bytes(uint64(info.Size())))
	}

	g.anim = gif.GIF{}
	return f.Close()
}
