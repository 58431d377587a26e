// Package external runs an autoencoder CLI once per call, exchanging
// wire-encoded tensors over stdin and stdout:
//
//	<bin> encode --model <dir> --precision fp16 --device cuda < Tensor > Latent
//	<bin> decode --model <dir> --precision fp16 --device cuda < Tensor > Tensor
package external

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/backend/wire"
	"github.com/ekisa-team/latentmorph/internal/executor"
	"github.com/ekisa-team/latentmorph/internal/tensor"
)

// DefaultTimeout bounds a single encode or decode invocation.
const DefaultTimeout = 2 * time.Minute

// weightFiles are checked in order inside the model directory.
var weightFiles = []string{
	"diffusion_pytorch_model.safetensors",
	"diffusion_pytorch_model.fp16.safetensors",
	"diffusion_pytorch_model.bin",
	"model.onnx",
}

// Backend implements backend.Autoencoder and backend.ModelLocator.
type Backend struct {
	executor *executor.Executor

	mu     sync.RWMutex
	spec   backend.ModelSpec
	loaded bool
}

// NewBackend creates an external backend for the given binary.
func NewBackend(binPath string, timeout time.Duration) (*Backend, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	e, err := executor.New(binPath, timeout)
	if err != nil {
		return nil, err
	}
	return &Backend{executor: e}, nil
}

// NewBackendWithExecutor creates an external backend around an existing executor.
func NewBackendWithExecutor(e *executor.Executor) *Backend {
	return &Backend{executor: e}
}

// Provider implements backend.Autoencoder.
func (b *Backend) Provider() backend.Provider {
	return backend.ProviderExternal
}

// ResolveModelPath implements backend.ModelLocator.
func (b *Backend) ResolveModelPath(basePath, subfolder string) (string, error) {
	dir := filepath.Join(basePath, subfolder)
	for _, name := range weightFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("external: no autoencoder weights in %s", dir)
}

// Load implements backend.Autoencoder. The CLI loads weights on every call, so
// this only checks the directory and remembers the ModelSpec.
func (b *Backend) Load(_ context.Context, spec backend.ModelSpec) error {
	if info, err := os.Stat(spec.Path); err != nil {
		return fmt.Errorf("external: model path: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("external: model path %s is not a directory", spec.Path)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.spec = spec
	b.loaded = true
	return nil
}

// Encode implements backend.Autoencoder.
func (b *Backend) Encode(ctx context.Context, image *tensor.Tensor) (*backend.LatentDist, error) {
	resp := new(wire.LatentMessage)
	if err := b.call(ctx, "encode", wire.NewTensorMessage(image), resp); err != nil {
		return nil, err
	}

	mean, err := resp.Mean.Tensor()
	if err != nil {
		return nil, fmt.Errorf("external: encode: mean: %w", err)
	}

	dist := &backend.LatentDist{Mean: mean}
	if resp.LogVar != nil {
		if dist.LogVar, err = resp.LogVar.Tensor(); err != nil {
			return nil, fmt.Errorf("external: encode: logvar: %w", err)
		}
	}
	if err := dist.Validate(); err != nil {
		return nil, fmt.Errorf("external: encode: %w", err)
	}
	return dist, nil
}

// Decode implements backend.Autoencoder.
func (b *Backend) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	resp := new(wire.TensorMessage)
	if err := b.call(ctx, "decode", wire.NewTensorMessage(latent), resp); err != nil {
		return nil, err
	}
	return resp.Tensor()
}

// Close implements backend.Autoencoder. Nothing stays resident between calls.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.loaded = false
	return nil
}

func (b *Backend) call(ctx context.Context, command string, in, out wire.Message) error {
	args, err := b.buildArgs(command)
	if err != nil {
		return err
	}

	stdout, stderr, err := b.executor.Execute(ctx, args, bytes.NewReader(wire.Marshal(in)))
	if err != nil {
		return fmt.Errorf("external: %s failed: %w\nstderr: %s", command, err, stderr)
	}

	if err := wire.Unmarshal(stdout, out); err != nil {
		return fmt.Errorf("external: %s: bad output: %w", command, err)
	}
	return nil
}

// buildArgs builds the CLI arguments for one call.
func (b *Backend) buildArgs(command string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.loaded {
		return nil, backend.ErrNotLoaded
	}

	args := []string{command, "--model", b.spec.Path}
	if b.spec.Subfolder != "" {
		args = append(args, "--subfolder", b.spec.Subfolder)
	}
	if b.spec.Precision != "" {
		args = append(args, "--precision", string(b.spec.Precision))
	}
	if b.spec.Device != "" {
		args = append(args, "--device", b.spec.Device)
	}
	return args, nil
}

var _ backend.ModelLocator = (*Backend)(nil)
