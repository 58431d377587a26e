// Package onnx runs the exported Stable Diffusion autoencoder with ONNX Runtime.
//
// The model directory holds two graphs, as published on the onnx revision of
// the Stable Diffusion repositories:
//
//	vae_encoder/model.onnx  sample (N,3,H,W)        -> latent parameters (N,8,H/8,W/8)
//	vae_decoder/model.onnx  latent_sample (N,4,h,w) -> sample (N,3,8h,8w)
//
// Older exports sample inside the encoder graph and return (N,4,H/8,W/8); the
// result is then used as the mean with no variance.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/tensor"
	"github.com/ekisa-team/latentmorph/internal/xfs"
)

const (
	// DefaultEncoderFile is the encoder graph relative to the model directory.
	DefaultEncoderFile = "vae_encoder/model.onnx"

	// DefaultDecoderFile is the decoder graph relative to the model directory.
	DefaultDecoderFile = "vae_decoder/model.onnx"

	// Factor is the spatial downsampling factor of the autoencoder.
	Factor = 8

	// LatentChannels is the number of latent channels.
	LatentChannels = 4
)

// ErrGraph reports a graph whose inputs or outputs do not look like an autoencoder.
var ErrGraph = errors.New("unsupported onnx graph")

// Options configures the ONNX Runtime backend.
type Options struct {
	// LibraryPath is the onnxruntime shared library. Empty leaves the default lookup.
	LibraryPath string
	EncoderFile string
	DecoderFile string
	// CUDA exposes cuda:0 as an accelerated device and runs on it when selected.
	CUDA    bool
	Threads int
}

// Backend implements backend.Autoencoder, backend.ModelLocator and backend.DeviceReporter.
type Backend struct {
	opts Options

	mu      sync.Mutex
	spec    backend.ModelSpec
	encoder *session
	decoder *session
}

// NewBackend creates an ONNX backend. The runtime library is only opened by Load.
func NewBackend(opts Options) *Backend {
	if opts.EncoderFile == "" {
		opts.EncoderFile = DefaultEncoderFile
	}
	if opts.DecoderFile == "" {
		opts.DecoderFile = DefaultDecoderFile
	}
	return &Backend{opts: opts}
}

// Provider implements backend.Autoencoder.
func (b *Backend) Provider() backend.Provider {
	return backend.ProviderONNX
}

// Devices implements backend.DeviceReporter.
func (b *Backend) Devices(context.Context) ([]backend.DeviceInfo, error) {
	if !b.opts.CUDA {
		return nil, nil
	}
	return []backend.DeviceInfo{{Name: "cuda:0", Kind: "cuda", Accelerated: true}}, nil
}

// ResolveModelPath implements backend.ModelLocator.
func (b *Backend) ResolveModelPath(basePath, subfolder string) (string, error) {
	dir := filepath.Join(basePath, subfolder)
	for _, name := range []string{b.opts.EncoderFile, b.opts.DecoderFile} {
		if path := filepath.Join(dir, name); !xfs.FileExists(path) {
			return "", fmt.Errorf("onnx: missing graph %s", path)
		}
	}
	return dir, nil
}

// Load implements backend.Autoencoder. It opens both graphs on spec.Device and
// replaces any graphs loaded before.
func (b *Backend) Load(_ context.Context, spec backend.ModelSpec) error {
	dir, err := b.ResolveModelPath(spec.Path, spec.Subfolder)
	if err != nil {
		return err
	}

	if err := acquireEnvironment(b.opts.LibraryPath); err != nil {
		return err
	}

	encoder, decoder, err := b.openSessions(dir, spec.Device)
	if err != nil {
		releaseEnvironment()
		return err
	}

	if err := checkEncoder(encoder); err != nil {
		encoder.close()
		decoder.close()
		releaseEnvironment()
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.closeSessions()
	b.spec = spec
	b.encoder, b.decoder = encoder, decoder

	if encoderChannels(encoder.output) == LatentChannels {
		slog.Warn("Encoder graph samples internally, sampling seed does not apply", "path", encoder.path)
	}
	slog.Info("ONNX autoencoder loaded", "path", dir, "device", spec.Device, "precision", spec.Precision,
		"encoder_input", encoder.input.DataType, "decoder_input", decoder.input.DataType)
	return nil
}

func (b *Backend) openSessions(dir, device string) (*session, *session, error) {
	encoder, err := openSession(filepath.Join(dir, b.opts.EncoderFile), device, b.opts.Threads)
	if err != nil {
		return nil, nil, err
	}
	decoder, err := openSession(filepath.Join(dir, b.opts.DecoderFile), device, b.opts.Threads)
	if err != nil {
		encoder.close()
		return nil, nil, err
	}
	return encoder, decoder, nil
}

// Encode implements backend.Autoencoder.
func (b *Backend) Encode(ctx context.Context, image *tensor.Tensor) (*backend.LatentDist, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.encoder == nil {
		return nil, backend.ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape, err := latentShape(image.Shape, encoderChannels(b.encoder.output))
	if err != nil {
		return nil, err
	}

	out, err := b.encoder.run(image.Clone().Quantize(b.spec.Precision), shape)
	if err != nil {
		return nil, fmt.Errorf("onnx: encode: %w", err)
	}
	return splitMoments(out.Quantize(b.spec.Precision))
}

// Decode implements backend.Autoencoder.
func (b *Backend) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.decoder == nil {
		return nil, backend.ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape, err := imageShape(latent.Shape)
	if err != nil {
		return nil, err
	}

	out, err := b.decoder.run(latent.Clone().Quantize(b.spec.Precision), shape)
	if err != nil {
		return nil, fmt.Errorf("onnx: decode: %w", err)
	}
	return out.Quantize(b.spec.Precision), nil
}

// Close implements backend.Autoencoder.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closeSessions()
	return nil
}

func (b *Backend) closeSessions() {
	if b.encoder == nil {
		return
	}
	b.encoder.close()
	b.decoder.close()
	b.encoder, b.decoder = nil, nil
	releaseEnvironment()
}

// encoderChannels reads the channel count of the encoder output. Dynamic
// channel dimensions fall back to the output name.
func encoderChannels(out ioInfo) int {
	if len(out.Dims) == 4 && out.Dims[1] > 0 {
		return int(out.Dims[1])
	}
	if strings.Contains(out.Name, "parameters") || strings.Contains(out.Name, "moments") {
		return 2 * LatentChannels
	}
	return LatentChannels
}

func checkEncoder(s *session) error {
	switch c := encoderChannels(s.output); c {
	case LatentChannels, 2 * LatentChannels:
		return nil
	default:
		return fmt.Errorf("%w: encoder output %q has %d channels", ErrGraph, s.output.Name, c)
	}
}

// latentShape is the encoder output shape for an (N,3,H,W) image.
func latentShape(image []int, channels int) ([]int, error) {
	if len(image) != 4 || image[1] != 3 {
		return nil, fmt.Errorf("%w: encode expects (N,3,H,W), got %v", backend.ErrBadShape, image)
	}
	if image[2]%Factor != 0 || image[3]%Factor != 0 {
		return nil, fmt.Errorf("%w: %dx%d is not divisible by %d", backend.ErrBadShape, image[3], image[2], Factor)
	}
	return []int{image[0], channels, image[2] / Factor, image[3] / Factor}, nil
}

// imageShape is the decoder output shape for an (N,4,h,w) latent.
func imageShape(latent []int) ([]int, error) {
	if len(latent) != 4 || latent[1] != LatentChannels {
		return nil, fmt.Errorf("%w: decode expects (N,%d,h,w), got %v", backend.ErrBadShape, LatentChannels, latent)
	}
	shape := []int{latent[0], 3, latent[2] * Factor, latent[3] * Factor}
	if _, err := tensor.ElementCount(shape); err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrBadShape, err)
	}
	return shape, nil
}

// splitMoments turns encoder output into a distribution. Eight channels are
// mean and log-variance stacked along the channel axis; four are a sample.
func splitMoments(out *tensor.Tensor) (*backend.LatentDist, error) {
	if len(out.Shape) != 4 {
		return nil, fmt.Errorf("%w: encoder output %v", backend.ErrBadShape, out.Shape)
	}

	n, c, h, w := out.Shape[0], out.Shape[1], out.Shape[2], out.Shape[3]
	switch c {
	case LatentChannels:
		return &backend.LatentDist{Mean: out}, nil
	case 2 * LatentChannels:
	default:
		return nil, fmt.Errorf("%w: encoder output has %d channels", backend.ErrBadShape, c)
	}

	half := LatentChannels * h * w
	mean := tensor.New(n, LatentChannels, h, w)
	logvar := tensor.New(n, LatentChannels, h, w)
	for i := range n {
		src := out.Data[i*2*half:]
		copy(mean.Data[i*half:(i+1)*half], src[:half])
		copy(logvar.Data[i*half:(i+1)*half], src[half:2*half])
	}
	return &backend.LatentDist{Mean: mean, LogVar: logvar}, nil
}
