package latent

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/imageio"
	"github.com/ekisa-team/latentmorph/internal/tensor"
)

// DefaultScalingFactor is the latent scale of Stable Diffusion 1.x autoencoders.
const DefaultScalingFactor = 0.18215

// Stages a Latent error can come from.
const (
	StagePreprocess = "preprocess"
	StageEncode     = "encode"
)

// Latent is the scaled latent of one source image.
type Latent struct {
	Index int
	Path  string
	Z     *tensor.Tensor

	// Stage names the failing stage when the producer yields an error.
	Stage string
}

// Encoder turns images into scaled latents: encode, sample once, multiply by Scale.
type Encoder struct {
	Autoencoder  backend.Autoencoder
	Preprocessor *imageio.Preprocessor
	RNG          *rand.Rand
	Scale        float32
}

// Encode encodes a preprocessed image tensor.
func (e *Encoder) Encode(ctx context.Context, image *tensor.Tensor) (*tensor.Tensor, error) {
	dist, err := e.Autoencoder.Encode(ctx, image)
	if err != nil {
		return nil, err
	}
	z, err := dist.Sample(e.RNG)
	if err != nil {
		return nil, err
	}
	return z.Scale(e.scale()), nil
}

// Latents lazily preprocesses and encodes paths in order.
// Failures are yielded with Stage set; iteration continues if the consumer keeps ranging.
func (e *Encoder) Latents(ctx context.Context, paths []string) iter.Seq2[Latent, error] {
	return func(yield func(Latent, error) bool) {
		for i, path := range paths {
			lat := Latent{Index: i, Path: path}

			if err := ctx.Err(); err != nil {
				lat.Stage = StageEncode
				yield(lat, err)
				return
			}

			image, err := e.Preprocessor.PreprocessFile(path)
			if err != nil {
				lat.Stage = StagePreprocess
				if !yield(lat, err) {
					return
				}
				continue
			}

			z, err := e.Encode(ctx, image)
			if err != nil {
				lat.Stage = StageEncode
				if !yield(lat, fmt.Errorf("encode %s: %w", path, err)) {
					return
				}
				continue
			}

			lat.Z = z
			if !yield(lat, nil) {
				return
			}
		}
	}
}

// Unscale undoes the latent scaling before decoding.
func (e *Encoder) Unscale(z *tensor.Tensor) *tensor.Tensor {
	return z.Scale(1 / e.scale())
}

func (e *Encoder) scale() float32 {
	if e.Scale == 0 {
		return DefaultScalingFactor
	}
	return e.Scale
}
