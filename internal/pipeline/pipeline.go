// Package pipeline runs encode, interpolate, decode and render over a list of images.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/imageio"
	"github.com/ekisa-team/latentmorph/internal/latent"
	"github.com/ekisa-team/latentmorph/internal/render"
	"github.com/ekisa-team/latentmorph/internal/tensor"
	"github.com/google/uuid"
)

// Result summarises a run.
type Result struct {
	RunID     uuid.UUID
	OutputDir string
	// Expected is the frame count had every image and frame succeeded.
	Expected int
	Frames   int
	Skipped  []*StepError
	// Kept holds every rendered frame when pipeline.keep_frames is set.
	Kept    []render.Frame
	Elapsed time.Duration
}

// Pipeline executes one run over a Runtime.
type Pipeline struct {
	rt      *Runtime
	encoder *latent.Encoder
	log     *slog.Logger
}

// New creates a Pipeline.
func New(rt *Runtime) *Pipeline {
	cfg := rt.Config
	return &Pipeline{
		rt: rt,
		encoder: &latent.Encoder{
			Autoencoder:  rt.Autoencoder,
			Preprocessor: imageio.New(cfg.Preprocess.Width, cfg.Preprocess.Height, rt.Device.Precision),
			RNG:          rt.RNG,
			Scale:        cfg.Model.ScalingFactor,
		},
		log: slog.With("run_id", rt.RunID.String()),
	}
}

// Run walks the images lazily: each image is encoded only when the frames of
// the previous pair are done, and each frame is decoded, released and rendered
// before the next one is produced.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	cfg := p.rt.Config
	start := time.Now()
	n := cfg.Interpolation.FramesPerPair
	dedupe := cfg.Interpolation.DedupeJunctions

	res := &Result{
		RunID:     p.rt.RunID,
		OutputDir: p.rt.OutputDir,
		Expected:  latent.FrameCount(len(p.rt.Images), n, dedupe),
	}

	if len(p.rt.Images) < 2 {
		p.log.Warn("Fewer than two images, nothing to interpolate", "images", len(p.rt.Images))
	}

	p.log.Info("Pipeline started",
		"images", len(p.rt.Images),
		"frames_per_pair", n,
		"expected_frames", res.Expected,
		"backend", p.rt.Autoencoder.Provider(),
		"device", p.rt.Device.Device.Name,
		"precision", p.rt.Device.Precision,
		"seed", p.rt.Seed,
	)

	var abort error
	latents := func(yield func(*tensor.Tensor) bool) {
		for lat, err := range p.encoder.Latents(ctx, p.rt.Images) {
			if err != nil {
				serr := &StepError{Step: lat.Stage, Index: lat.Index, Path: lat.Path, Err: err}
				if !p.tolerate(ctx, res, serr) {
					abort = serr
					return
				}
				continue
			}

			p.log.Debug("Image encoded", "index", lat.Index, "path", lat.Path, "latent", lat.Z, "size", humanize.IBytes(lat.Z.Bytes()))
			if !yield(lat.Z) {
				return
			}
		}
	}

	for step, err := range latent.Pairwise(latents, n, dedupe) {
		if err != nil {
			return p.finish(res, start, &StepError{Step: StepInterpolate, Index: step.Index, Err: err})
		}

		frame, err := p.decode(ctx, step)
		p.release(ctx)
		if err != nil {
			serr := &StepError{Step: StepDecode, Index: step.Index, Err: err}
			if !p.tolerate(ctx, res, serr) {
				return p.finish(res, start, serr)
			}
			continue
		}

		if cfg.Pipeline.KeepFrames {
			res.Kept = append(res.Kept, frame)
		}

		if err := p.rt.Renderer.Render(ctx, frame); err != nil {
			serr := &StepError{Step: StepRender, Index: step.Index, Err: err}
			if !p.tolerate(ctx, res, serr) {
				return p.finish(res, start, serr)
			}
			continue
		}

		res.Frames++
		p.log.Debug("Frame rendered", "frame", step.Index, "pair", step.Pair, "t", step.T, "size", humanize.IBytes(frame.Bytes()))
	}

	return p.finish(res, start, abort)
}

// decode unscales z, decodes it and converts the image to a channel-last frame in [0,1].
func (p *Pipeline) decode(ctx context.Context, step latent.Step) (render.Frame, error) {
	if err := ctx.Err(); err != nil {
		return render.Frame{}, err
	}

	x, err := p.rt.Autoencoder.Decode(ctx, p.encoder.Unscale(step.Z))
	if err != nil {
		return render.Frame{}, err
	}

	hwc, err := tensor.ToChannelLast(tensor.AffineClamp(x))
	if err != nil {
		return render.Frame{}, err
	}
	return render.FromTensor(step.Index, hwc)
}

// release frees backend caches and collects garbage after every frame.
func (p *Pipeline) release(ctx context.Context) {
	if !config.Enabled(p.rt.Config.Pipeline.ReleaseMemory, true) {
		return
	}

	if r, ok := p.rt.Autoencoder.(backend.Releaser); ok {
		if err := r.Release(ctx); err != nil {
			p.log.Warn("Failed to release backend memory", "error", err)
		}
	}
	runtime.GC()
}

// tolerate records serr and reports whether the run may continue.
func (p *Pipeline) tolerate(ctx context.Context, res *Result, serr *StepError) bool {
	if ctx.Err() != nil || p.rt.Config.Pipeline.FailurePolicy != config.FailurePolicySkip {
		return false
	}

	p.log.Warn("Step failed, skipping", "step", serr.Step, "index", serr.Index, "path", serr.Path, "error", serr.Err)
	res.Skipped = append(res.Skipped, serr)
	return true
}

func (p *Pipeline) finish(res *Result, start time.Time, err error) (*Result, error) {
	res.Elapsed = time.Since(start)

	if err != nil {
		var serr *StepError
		if errors.As(err, &serr) && errors.Is(serr.Err, context.Canceled) {
			p.log.Warn("Pipeline canceled", "frames", res.Frames, "elapsed", res.Elapsed.Round(time.Millisecond))
		} else {
			p.log.Error("Pipeline failed", "frames", res.Frames, "error", err)
		}
		return res, err
	}

	p.log.Info("Pipeline finished",
		"frames", res.Frames,
		"expected", res.Expected,
		"skipped", len(res.Skipped),
		"output_dir", res.OutputDir,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}
