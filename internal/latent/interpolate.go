package latent

import (
	"errors"
	"fmt"
	"iter"

	"github.com/ekisa-team/latentmorph/internal/tensor"
)

// ErrFrameCount is returned for fewer than one frame per pair.
var ErrFrameCount = errors.New("frames per pair must be at least 1")

// Step is one interpolated latent.
type Step struct {
	// Index counts frames across all pairs, starting at 0.
	Index int
	// Pair counts consecutive image pairs, starting at 0.
	Pair int
	T    float32
	Z    *tensor.Tensor
}

// Timesteps returns n values evenly spaced over [0,1], both ends included.
// n == 1 yields just 0.
func Timesteps(n int) ([]float32, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d", ErrFrameCount, n)
	}

	ts := make([]float32, n)
	if n == 1 {
		return ts, nil
	}
	for i := range ts {
		ts[i] = float32(float64(i) / float64(n-1))
	}
	ts[n-1] = 1
	return ts, nil
}

// Interpolate returns n latents (1-t)·z1 + t·z2 over Timesteps(n).
func Interpolate(z1, z2 *tensor.Tensor, n int) ([]*tensor.Tensor, error) {
	ts, err := Timesteps(n)
	if err != nil {
		return nil, err
	}

	out := make([]*tensor.Tensor, 0, n)
	for _, t := range ts {
		z, err := tensor.Lerp(z1, z2, t)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, nil
}

// Pairwise lazily interpolates n steps between each consecutive pair in latents.
// Only the previous latent is held. With dedupe, the first step of every pair
// after the first is dropped, since it repeats the previous pair's last step.
func Pairwise(latents iter.Seq[*tensor.Tensor], n int, dedupe bool) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		ts, err := Timesteps(n)
		if err != nil {
			yield(Step{}, err)
			return
		}

		var (
			prev  *tensor.Tensor
			pair  = -1
			index int
		)
		for z := range latents {
			if prev == nil {
				prev = z
				continue
			}
			pair++

			for i, t := range ts {
				if dedupe && pair > 0 && i == 0 {
					continue
				}

				step, err := tensor.Lerp(prev, z, t)
				if err != nil {
					yield(Step{Index: index, Pair: pair, T: t}, fmt.Errorf("pair %d: %w", pair, err))
					return
				}
				if !yield(Step{Index: index, Pair: pair, T: t, Z: step}, nil) {
					return
				}
				index++
			}
			prev = z
		}
	}
}

// FrameCount is the number of steps Pairwise yields for k latents.
func FrameCount(k, n int, dedupe bool) int {
	if k < 2 || n < 1 {
		return 0
	}

	total := n * (k - 1)
	if dedupe {
		total -= k - 2
	}
	return total
}
