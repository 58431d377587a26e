package backend

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/ekisa-team/latentmorph/internal/tensor"
)

// Provider is a string identifier for an autoencoder backend.
type Provider string

const (
	ProviderBuiltin  Provider = "builtin"
	ProviderRemote   Provider = "remote"
	ProviderExternal Provider = "external"
	ProviderONNX     Provider = "onnx"
)

// Autoencoder defines the core interface for all encode/decode backends.
type Autoencoder interface {
	// Provider returns the backend identifier.
	Provider() Provider

	// Load prepares the model weights on the selected device.
	Load(ctx context.Context, spec ModelSpec) error

	// Encode maps a (1,3,H,W) image in [-1,1] to a latent distribution.
	Encode(ctx context.Context, image *tensor.Tensor) (*LatentDist, error)

	// Decode maps an unscaled latent back to a (1,3,H,W) image in roughly [-1,1].
	Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error)

	// Close cleans up resources.
	Close() error
}

// Releaser is an optional interface for backends holding transient device memory.
type Releaser interface {
	// Release frees caches left behind by the last call.
	Release(ctx context.Context) error
}

// DeviceReporter is an optional interface for backends that can enumerate compute devices.
type DeviceReporter interface {
	Devices(ctx context.Context) ([]DeviceInfo, error)
}

// ModelSpec describes which weights to load and how.
type ModelSpec struct {
	// Path is the local directory holding the model.
	Path string

	// Subfolder selects the autoencoder inside Path.
	Subfolder string

	// Device is the name of the device to load onto.
	Device string

	// Precision is the numeric precision to run in.
	Precision tensor.Precision
}

// DeviceInfo describes one compute device exposed by a backend.
type DeviceInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Accelerated bool   `json:"accelerated"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// LatentDist is the diagonal Gaussian returned by an encoder.
type LatentDist struct {
	Mean   *tensor.Tensor
	LogVar *tensor.Tensor
}

const (
	minLogVar = -30
	maxLogVar = 20
)

// Validate checks that the distribution has a mean and that LogVar, when set, matches its shape.
func (d *LatentDist) Validate() error {
	if d == nil || d.Mean == nil {
		return fmt.Errorf("%w: latent distribution has no mean", ErrBadShape)
	}
	if d.LogVar != nil && !d.LogVar.SameShape(d.Mean) {
		return fmt.Errorf("%w: logvar %v does not match mean %v", ErrBadShape, d.LogVar.Shape, d.Mean.Shape)
	}
	return nil
}

// Sample draws mean + exp(logvar/2)·ε with ε ~ N(0,1). A nil LogVar returns the mean.
func (d *LatentDist) Sample(rng *rand.Rand) (*tensor.Tensor, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	out := d.Mean.Clone()
	if d.LogVar == nil {
		return out, nil
	}

	for i, lv := range d.LogVar.Data {
		lv = min(max(lv, minLogVar), maxLogVar)
		std := math.Exp(0.5 * float64(lv))
		out.Data[i] += float32(std * rng.NormFloat64())
	}
	return out, nil
}
