package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/device"
	"github.com/ekisa-team/latentmorph/internal/executor"
	"github.com/ekisa-team/latentmorph/internal/imageio"
	"github.com/ekisa-team/latentmorph/internal/model"
	"github.com/ekisa-team/latentmorph/internal/render"
	"github.com/google/uuid"
)

// AnimationName is the file name of the GIF inside the run directory.
const AnimationName = "morph.gif"

// Runtime is everything a run needs, built once before the first step.
type Runtime struct {
	Config      *config.Config
	RunID       uuid.UUID
	Seed        uint64
	RNG         *rand.Rand
	Images      []string
	Autoencoder backend.Autoencoder
	Model       *model.ModelInstance
	Device      device.Selection
	Renderer    render.Renderer
	OutputDir   string
}

// RendererFunc builds the renderer for a run writing into outputDir.
type RendererFunc func(cfg *config.Config, outputDir string) (render.Renderer, error)

// Options supplies the long-lived parts of a Runtime.
type Options struct {
	Backends *backend.Registry
	Models   *model.Manager
	// NewRenderer defaults to NewRenderer.
	NewRenderer RendererFunc
}

// NewRuntime validates the inputs, then selects a device, loads the model and
// prepares the renderer. No model is loaded when an input is missing under the
// abort policy.
func NewRuntime(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	rt := &Runtime{
		Config: cfg,
		RunID:  uuid.New(),
	}

	images, err := validateImages(cfg)
	if err != nil {
		return nil, err
	}
	rt.Images = images

	rt.Seed = rand.Uint64()
	if cfg.Sampling.Seed != nil {
		rt.Seed = *cfg.Sampling.Seed
	}
	rt.RNG = rand.New(rand.NewPCG(rt.Seed, rt.Seed^0x9e3779b97f4a7c15))

	ae, ok := opts.Backends.Get(backend.Provider(cfg.Model.Backend))
	if !ok {
		return nil, &StepError{Step: StepLoad, Index: -1, Err: fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Model.Backend)}
	}
	rt.Autoencoder = ae

	sel, err := device.Select(ctx, cfg.Model, ae)
	if err != nil {
		return nil, &StepError{Step: StepLoad, Index: -1, Err: err}
	}
	rt.Device = sel

	instance, err := opts.Models.Load(ctx, cfg, ae, sel.Spec())
	if err != nil {
		return nil, &StepError{Step: StepLoad, Index: -1, Err: err}
	}
	rt.Model = instance

	rt.OutputDir = cfg.Render.OutputDir
	if config.Enabled(cfg.Render.RunSubdir, true) {
		rt.OutputDir = filepath.Join(rt.OutputDir, time.Now().Format("20060102-150405")+"-"+rt.RunID.String()[:8])
	}

	newRenderer := opts.NewRenderer
	if newRenderer == nil {
		newRenderer = NewRenderer
	}
	renderer, err := newRenderer(cfg, rt.OutputDir)
	if err != nil {
		return nil, &StepError{Step: StepRender, Index: -1, Err: err}
	}
	rt.Renderer = renderer

	return rt, nil
}

// Close flushes the renderer.
func (rt *Runtime) Close() error {
	if rt.Renderer == nil {
		return nil
	}
	return rt.Renderer.Close()
}

// validateImages checks every input exists. Under the skip policy missing
// inputs are dropped with a warning instead.
func validateImages(cfg *config.Config) ([]string, error) {
	err := imageio.Validate(cfg.Images)
	if err == nil {
		return cfg.Images, nil
	}
	if cfg.Pipeline.FailurePolicy != config.FailurePolicySkip {
		return nil, &StepError{Step: StepValidate, Index: -1, Err: err}
	}

	images := make([]string, 0, len(cfg.Images))
	for _, path := range cfg.Images {
		if err := imageio.Validate([]string{path}); err != nil {
			slog.Warn("Skipping missing image", "path", path, "error", err)
			continue
		}
		images = append(images, path)
	}
	if len(images) == 0 {
		return nil, &StepError{Step: StepValidate, Index: -1, Err: errors.Join(errors.New("no usable images"), err)}
	}
	return images, nil
}

// NewRenderer builds the renderers enabled in cfg.Render.
func NewRenderer(cfg *config.Config, outputDir string) (render.Renderer, error) {
	rc := cfg.Render
	title := config.Enabled(rc.Title, true)

	var renderers render.Multi
	if config.Enabled(rc.PNG, true) {
		r, err := render.NewPNG(outputDir, title)
		if err != nil {
			return nil, err
		}
		renderers = append(renderers, r)
	}

	if rc.GIF.Enabled {
		if err := ensureDir(outputDir); err != nil {
			return nil, err
		}
		renderers = append(renderers, render.NewGIF(filepath.Join(outputDir, AnimationName), rc.GIF.Delay, rc.GIF.Loop, title))
	}

	if rc.Viewer.Command != "" {
		e, err := executor.New(rc.Viewer.Command, rc.Viewer.Timeout)
		if err != nil {
			return nil, fmt.Errorf("viewer: %w", err)
		}
		v, err := render.NewViewer(e, rc.Viewer.Args, title)
		if err != nil {
			return nil, err
		}
		renderers = append(renderers, v)
	}

	switch len(renderers) {
	case 0:
		return render.Discard{}, nil
	case 1:
		return renderers[0], nil
	}
	return renderers, nil
}
