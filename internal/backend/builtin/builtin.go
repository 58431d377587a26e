// Package builtin implements an in-process box-filter autoencoder.
//
// Encoding averages each Factor×Factor block into four latent channels (RGB
// means plus luma), matching the 4-channel, 1/8-resolution layout of the
// Stable Diffusion VAE. Decoding upsamples bilinearly and restores luma from
// the fourth channel. It needs no weights and runs on any CPU.
package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/tensor"
)

const (
	// DefaultFactor is the spatial downsampling factor.
	DefaultFactor = 8

	// DefaultLogVariance is the log-variance reported for every latent element.
	DefaultLogVariance = -20

	// LatentChannels is the number of latent channels.
	LatentChannels = 4
)

// Options configures the builtin autoencoder.
type Options struct {
	Factor      int
	LogVariance float32
}

// Backend implements backend.Autoencoder in pure Go.
type Backend struct {
	opts Options

	mu     sync.RWMutex
	spec   backend.ModelSpec
	loaded bool
}

// NewBackend creates a builtin backend. Zero options take defaults.
func NewBackend(opts Options) *Backend {
	if opts.Factor <= 0 {
		opts.Factor = DefaultFactor
	}
	if opts.LogVariance == 0 {
		opts.LogVariance = DefaultLogVariance
	}

	return &Backend{opts: opts}
}

// Provider implements backend.Autoencoder.
func (b *Backend) Provider() backend.Provider {
	return backend.ProviderBuiltin
}

// Load implements backend.Autoencoder. The builtin model has no weights; only the precision of the ModelSpec applies.
func (b *Backend) Load(_ context.Context, spec backend.ModelSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.spec = spec
	b.loaded = true

	slog.Debug("Builtin autoencoder ready", "factor", b.opts.Factor, "precision", spec.Precision, "device", spec.Device)
	return nil
}

// Encode implements backend.Autoencoder.
func (b *Backend) Encode(ctx context.Context, image *tensor.Tensor) (*backend.LatentDist, error) {
	prec, err := b.precision()
	if err != nil {
		return nil, err
	}

	if len(image.Shape) != 4 || image.Shape[1] != 3 {
		return nil, fmt.Errorf("%w: encode expects (N,3,H,W), got %v", backend.ErrBadShape, image.Shape)
	}

	n, h, w, f := image.Shape[0], image.Shape[2], image.Shape[3], b.opts.Factor
	if h%f != 0 || w%f != 0 {
		return nil, fmt.Errorf("%w: %dx%d is not divisible by %d", backend.ErrBadShape, w, h, f)
	}

	lh, lw := h/f, w/f
	mean := tensor.New(n, LatentChannels, lh, lw)
	plane := lh * lw
	norm := 1 / float32(f*f)

	for bi := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img := image.Data[bi*3*h*w:]
		lat := mean.Data[bi*LatentChannels*plane:]
		for c := range 3 {
			src := img[c*h*w:]
			dst := lat[c*plane:]
			for y := range h {
				row := src[y*w:]
				out := dst[(y/f)*lw:]
				for x := range w {
					out[x/f] += row[x] * norm
				}
			}
		}

		for i := range plane {
			lat[3*plane+i] = luma(lat[i], lat[plane+i], lat[2*plane+i])
		}
	}

	logvar := tensor.New(mean.Shape...)
	for i := range logvar.Data {
		logvar.Data[i] = b.opts.LogVariance
	}

	return &backend.LatentDist{
		Mean:   mean.Quantize(prec),
		LogVar: logvar,
	}, nil
}

// Decode implements backend.Autoencoder.
func (b *Backend) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	prec, err := b.precision()
	if err != nil {
		return nil, err
	}

	if len(latent.Shape) != 4 || latent.Shape[1] != LatentChannels {
		return nil, fmt.Errorf("%w: decode expects (N,%d,h,w), got %v", backend.ErrBadShape, LatentChannels, latent.Shape)
	}

	n, lh, lw, f := latent.Shape[0], latent.Shape[2], latent.Shape[3], b.opts.Factor
	h, w := lh*f, lw*f
	out := tensor.New(n, 3, h, w)
	plane := lh * lw

	for bi := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lat := latent.Data[bi*LatentChannels*plane:]

		// Shift RGB so its luma matches the stored luma channel.
		rgb := make([]float32, 3*plane)
		for i := range plane {
			r, g, bl := lat[i], lat[plane+i], lat[2*plane+i]
			d := lat[3*plane+i] - luma(r, g, bl)
			rgb[i], rgb[plane+i], rgb[2*plane+i] = r+d, g+d, bl+d
		}

		img := out.Data[bi*3*h*w:]
		for c := range 3 {
			upsample(img[c*h*w:c*h*w+h*w], rgb[c*plane:(c+1)*plane], lw, lh, f)
		}
	}

	return out.Quantize(prec), nil
}

// Close implements backend.Autoencoder.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.loaded = false
	return nil
}

func (b *Backend) precision() (tensor.Precision, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.loaded {
		return "", backend.ErrNotLoaded
	}
	return b.spec.Precision, nil
}

func luma(r, g, b float32) float32 {
	return 0.299*r + 0.587*g + 0.114*b
}

// upsample bilinearly scales a lw×lh plane by f into dst, sampling at pixel centres.
func upsample(dst, src []float32, lw, lh, f int) {
	w := lw * f
	scale := 1 / float32(f)

	for y := range lh * f {
		sy := (float32(y)+0.5)*scale - 0.5
		y0, wy := split(sy, lh)
		y1 := min(y0+1, lh-1)

		for x := range w {
			sx := (float32(x)+0.5)*scale - 0.5
			x0, wx := split(sx, lw)
			x1 := min(x0+1, lw-1)

			top := src[y0*lw+x0]*(1-wx) + src[y0*lw+x1]*wx
			bot := src[y1*lw+x0]*(1-wx) + src[y1*lw+x1]*wx
			dst[y*w+x] = top*(1-wy) + bot*wy
		}
	}
}

// split returns the integer cell and fractional weight of s, clamped to [0, n-1].
func split(s float32, n int) (int, float32) {
	if s <= 0 {
		return 0, 0
	}
	i := int(s)
	if i >= n-1 {
		return n - 1, 0
	}
	return i, s - float32(i)
}
