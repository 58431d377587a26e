package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/backend/builtin"
	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/model"
	"github.com/ekisa-team/latentmorph/internal/render"
	"github.com/ekisa-team/latentmorph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAutoencoder struct {
	mock.Mock
}

func (m *MockAutoencoder) Provider() backend.Provider { return backend.ProviderBuiltin }

func (m *MockAutoencoder) Load(ctx context.Context, spec backend.ModelSpec) error {
	return m.Called(ctx, spec).Error(0)
}

func (m *MockAutoencoder) Encode(ctx context.Context, image *tensor.Tensor) (*backend.LatentDist, error) {
	ret := m.Called(ctx, image)
	dist, _ := ret.Get(0).(*backend.LatentDist)
	return dist, ret.Error(1)
}

func (m *MockAutoencoder) Decode(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	ret := m.Called(ctx, z)
	out, _ := ret.Get(0).(*tensor.Tensor)
	return out, ret.Error(1)
}

func (m *MockAutoencoder) Close() error { return nil }

type releasingAutoencoder struct {
	*builtin.Backend
	releases atomic.Int32
}

func (r *releasingAutoencoder) Release(context.Context) error {
	r.releases.Add(1)
	return nil
}

type recorder struct {
	frames []render.Frame
	closed bool
}

func (r *recorder) Render(_ context.Context, f render.Frame) error {
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func writeImages(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range n {
		img := image.NewRGBA(image.Rect(0, 0, 40+i, 30))
		for y := range 30 {
			for x := range 40 + i {
				img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: uint8(i * 40), A: 255})
			}
		}
		paths[i] = filepath.Join(dir, fmt.Sprintf("img%d.png", i))
		f, err := os.Create(paths[i])
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	return paths
}

func newConfig(t *testing.T, images []string) *config.Config {
	t.Helper()
	seed := uint64(1234)
	cfg := &config.Config{Images: images}
	cfg.Model.Backend = config.BackendBuiltin
	cfg.Preprocess = config.PreprocessConfig{Width: 64, Height: 64}
	cfg.Sampling.Seed = &seed
	cfg.Render.OutputDir = t.TempDir()
	config.ApplyDefaults(cfg)
	return cfg
}

func newRuntime(t *testing.T, cfg *config.Config, ae backend.Autoencoder, r render.Renderer) *Runtime {
	t.Helper()
	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(ae))

	rt, err := NewRuntime(context.Background(), cfg, Options{
		Backends:    reg,
		Models:      model.NewManager(),
		NewRenderer: func(*config.Config, string) (render.Renderer, error) { return r, nil },
	})
	require.NoError(t, err)
	return rt
}

func TestRun_SixImagesGive120Frames(t *testing.T) {
	cfg := newConfig(t, writeImages(t, 6))
	cfg.Pipeline.KeepFrames = true

	rec := &recorder{}
	rt := newRuntime(t, cfg, builtin.NewBackend(builtin.Options{}), rec)

	res, err := New(rt).Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	assert.Equal(t, 120, res.Expected)
	assert.Equal(t, 120, res.Frames)
	assert.Empty(t, res.Skipped)
	require.Len(t, rec.frames, 120)
	assert.Len(t, res.Kept, 120)
	assert.True(t, rec.closed)

	for i, f := range rec.frames {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, 64, f.Width)
		assert.Equal(t, 64, f.Height)
	}
	for _, v := range rec.frames[57].Pix {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}

	// Frame 23 ends pair 0 and frame 24 starts pair 1 on the same latent.
	assert.Equal(t, rec.frames[23].Pix, rec.frames[24].Pix)
}

func TestRun_DedupeJunctions(t *testing.T) {
	cfg := newConfig(t, writeImages(t, 4))
	cfg.Interpolation.FramesPerPair = 5
	cfg.Interpolation.DedupeJunctions = true

	rec := &recorder{}
	res, err := New(newRuntime(t, cfg, builtin.NewBackend(builtin.Options{}), rec)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*3-2, res.Frames)
	assert.Len(t, rec.frames, 13)
}

func TestRun_SameSeedSameFrames(t *testing.T) {
	images := writeImages(t, 2)

	run := func() []render.Frame {
		rec := &recorder{}
		cfg := newConfig(t, images)
		cfg.Interpolation.FramesPerPair = 3
		cfg.Model.Builtin.LogVariance = -1
		_, err := New(newRuntime(t, cfg, builtin.NewBackend(builtin.Options{LogVariance: -1}), rec)).Run(context.Background())
		require.NoError(t, err)
		return rec.frames
	}

	a, b := run(), run()
	require.Len(t, a, 3)
	for i := range a {
		assert.Equal(t, a[i].Pix, b[i].Pix)
	}
}

func TestRun_ClampsDecodedValues(t *testing.T) {
	cfg := newConfig(t, writeImages(t, 2))
	cfg.Interpolation.FramesPerPair = 2

	wild := tensor.New(1, 3, 4, 4)
	for i := range wild.Data {
		wild.Data[i] = float32(i%7) - 3
	}

	ae := new(MockAutoencoder)
	ae.On("Load", mock.Anything, mock.Anything).Return(nil)
	ae.On("Encode", mock.Anything, mock.Anything).Return(&backend.LatentDist{Mean: tensor.New(1, 4, 1, 1)}, nil)
	ae.On("Decode", mock.Anything, mock.Anything).Return(wild, nil)

	rec := &recorder{}
	res, err := New(newRuntime(t, cfg, ae, rec)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Frames)

	for _, f := range rec.frames {
		assert.Equal(t, 4, f.Width)
		for _, v := range f.Pix {
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(1))
		}
	}
	ae.AssertNumberOfCalls(t, "Encode", 2)
	ae.AssertNumberOfCalls(t, "Decode", 2)
}

func TestRun_DecodeFailureAborts(t *testing.T) {
	cfg := newConfig(t, writeImages(t, 2))
	cfg.Interpolation.FramesPerPair = 4

	ae := new(MockAutoencoder)
	ae.On("Load", mock.Anything, mock.Anything).Return(nil)
	ae.On("Encode", mock.Anything, mock.Anything).Return(&backend.LatentDist{Mean: tensor.New(1, 4, 1, 1)}, nil)
	ae.On("Decode", mock.Anything, mock.Anything).Return(tensor.New(1, 3, 2, 2), nil).Once()
	ae.On("Decode", mock.Anything, mock.Anything).Return(nil, errors.New("out of memory")).Once()

	rec := &recorder{}
	res, err := New(newRuntime(t, cfg, ae, rec)).Run(context.Background())
	require.Error(t, err)

	var serr *StepError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StepDecode, serr.Step)
	assert.Equal(t, 1, serr.Index)
	assert.Equal(t, 1, res.Frames)
	assert.Len(t, rec.frames, 1)
}

func TestRun_SkipPolicyContinues(t *testing.T) {
	cfg := newConfig(t, writeImages(t, 2))
	cfg.Interpolation.FramesPerPair = 4
	cfg.Pipeline.FailurePolicy = config.FailurePolicySkip

	ae := new(MockAutoencoder)
	ae.On("Load", mock.Anything, mock.Anything).Return(nil)
	ae.On("Encode", mock.Anything, mock.Anything).Return(&backend.LatentDist{Mean: tensor.New(1, 4, 1, 1)}, nil)
	ae.On("Decode", mock.Anything, mock.Anything).Return(nil, errors.New("transient")).Once()
	ae.On("Decode", mock.Anything, mock.Anything).Return(tensor.New(1, 3, 2, 2), nil)

	rec := &recorder{}
	res, err := New(newRuntime(t, cfg, ae, rec)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Frames)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, StepDecode, res.Skipped[0].Step)
	assert.Equal(t, 0, res.Skipped[0].Index)
	assert.Equal(t, 1, rec.frames[0].Index)
}

func TestRun_SkipPolicyDropsBadImage(t *testing.T) {
	images := writeImages(t, 3)
	require.NoError(t, os.WriteFile(images[1], []byte("corrupt"), 0o644))

	cfg := newConfig(t, images)
	cfg.Interpolation.FramesPerPair = 3
	cfg.Pipeline.FailurePolicy = config.FailurePolicySkip

	rec := &recorder{}
	res, err := New(newRuntime(t, cfg, builtin.NewBackend(builtin.Options{}), rec)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Expected)
	assert.Equal(t, 3, res.Frames)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, StepPreprocess, res.Skipped[0].Step)
	assert.Equal(t, images[1], res.Skipped[0].Path)
}

func TestRun_AbortOnBadImage(t *testing.T) {
	images := writeImages(t, 3)
	require.NoError(t, os.WriteFile(images[2], []byte("corrupt"), 0o644))

	cfg := newConfig(t, images)
	cfg.Interpolation.FramesPerPair = 3

	rec := &recorder{}
	res, err := New(newRuntime(t, cfg, builtin.NewBackend(builtin.Options{}), rec)).Run(context.Background())

	var serr *StepError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StepPreprocess, serr.Step)
	assert.Equal(t, 2, serr.Index)
	assert.Equal(t, 3, res.Frames)
}

func TestRun_ReleasesAfterEveryFrame(t *testing.T) {
	cfg := newConfig(t, writeImages(t, 3))
	cfg.Interpolation.FramesPerPair = 4

	ae := &releasingAutoencoder{Backend: builtin.NewBackend(builtin.Options{})}
	res, err := New(newRuntime(t, cfg, ae, &recorder{})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(res.Frames), ae.releases.Load())

	disabled := false
	cfg.Pipeline.ReleaseMemory = &disabled
	ae = &releasingAutoencoder{Backend: builtin.NewBackend(builtin.Options{})}
	_, err = New(newRuntime(t, cfg, ae, &recorder{})).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ae.releases.Load())
}

func TestRun_SingleImageRendersNothing(t *testing.T) {
	cfg := newConfig(t, writeImages(t, 1))

	rec := &recorder{}
	res, err := New(newRuntime(t, cfg, builtin.NewBackend(builtin.Options{}), rec)).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Frames)
	assert.Zero(t, res.Expected)
	assert.Empty(t, rec.frames)
}

func TestRun_Canceled(t *testing.T) {
	cfg := newConfig(t, writeImages(t, 2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(newRuntime(t, cfg, builtin.NewBackend(builtin.Options{}), &recorder{})).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRuntime_MissingImageBeforeModelLoad(t *testing.T) {
	images := writeImages(t, 2)
	images = append(images, filepath.Join(t.TempDir(), "missing.png"))
	cfg := newConfig(t, images)

	ae := new(MockAutoencoder)
	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(ae))

	_, err := NewRuntime(context.Background(), cfg, Options{Backends: reg, Models: model.NewManager()})

	var serr *StepError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StepValidate, serr.Step)
	assert.ErrorContains(t, err, "missing.png")
	ae.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
}

func TestNewRuntime_SkipDropsMissingImage(t *testing.T) {
	images := writeImages(t, 2)
	missing := filepath.Join(t.TempDir(), "missing.png")
	cfg := newConfig(t, []string{images[0], missing, images[1]})
	cfg.Pipeline.FailurePolicy = config.FailurePolicySkip

	rt := newRuntime(t, cfg, builtin.NewBackend(builtin.Options{}), &recorder{})
	assert.Equal(t, images, rt.Images)
	assert.Equal(t, uint64(1234), rt.Seed)
	assert.Equal(t, model.ModelStatusLoaded, rt.Model.Status())
}

func TestNewRuntime_UnknownBackend(t *testing.T) {
	cfg := newConfig(t, writeImages(t, 2))
	cfg.Model.Backend = "external"

	_, err := NewRuntime(context.Background(), cfg, Options{Backends: backend.NewRegistry(), Models: model.NewManager()})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestNewRenderer(t *testing.T) {
	cfg := newConfig(t, nil)
	cfg.Render.GIF.Enabled = true
	out := filepath.Join(t.TempDir(), "run")

	r, err := NewRenderer(cfg, out)
	require.NoError(t, err)
	require.IsType(t, render.Multi{}, r)

	frame := render.Frame{Index: 0, Width: 2, Height: 2, Pix: make([]float32, 12)}
	require.NoError(t, r.Render(context.Background(), frame))
	require.NoError(t, r.Close())

	assert.FileExists(t, filepath.Join(out, render.FrameName(0)))
	assert.FileExists(t, filepath.Join(out, AnimationName))

	off := false
	cfg.Render.PNG = &off
	cfg.Render.GIF.Enabled = false
	r, err = NewRenderer(cfg, out)
	require.NoError(t, err)
	assert.IsType(t, render.Discard{}, r)
}

func TestNewRegistry(t *testing.T) {
	cfg := newConfig(t, nil)

	reg, err := NewRegistry(cfg.Model, backend.NewServerManager())
	require.NoError(t, err)
	assert.Equal(t, []backend.Provider{backend.ProviderBuiltin, backend.ProviderONNX, backend.ProviderRemote}, reg.Providers())

	cfg.Model.Backend = "external"
	cfg.Model.External.BinPath = filepath.Join(t.TempDir(), "no-such-vae")
	_, err = NewRegistry(cfg.Model, backend.NewServerManager())
	assert.Error(t, err)
}

func TestStepError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&StepError{Step: StepEncode, Index: 2, Path: "b.png", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "encode b.png: boom", err.Error())
	assert.Equal(t, "decode #7: boom", (&StepError{Step: StepDecode, Index: 7, Err: cause}).Error())
	assert.Equal(t, "load: boom", (&StepError{Step: StepLoad, Index: -1, Err: cause}).Error())
}
