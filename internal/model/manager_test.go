package model

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/config/source"
	"github.com/ekisa-team/latentmorph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAutoencoder struct {
	mock.Mock
}

func (m *MockAutoencoder) Provider() backend.Provider {
	return m.Called().Get(0).(backend.Provider)
}

func (m *MockAutoencoder) Load(ctx context.Context, spec backend.ModelSpec) error {
	return m.Called(ctx, spec).Error(0)
}

func (m *MockAutoencoder) Encode(ctx context.Context, image *tensor.Tensor) (*backend.LatentDist, error) {
	ret := m.Called(ctx, image)
	dist, _ := ret.Get(0).(*backend.LatentDist)
	return dist, ret.Error(1)
}

func (m *MockAutoencoder) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	ret := m.Called(ctx, latent)
	out, _ := ret.Get(0).(*tensor.Tensor)
	return out, ret.Error(1)
}

func (m *MockAutoencoder) Close() error {
	return m.Called().Error(0)
}

type locatingAutoencoder struct {
	*MockAutoencoder
}

func (l locatingAutoencoder) ResolveModelPath(basePath, subfolder string) (string, error) {
	return filepath.Join(basePath, subfolder, "model.onnx"), nil
}

type MockDownloader struct {
	mock.Mock
}

func (m *MockDownloader) Download(ctx context.Context, modelConfig *config.ModelConfig, targetDir string) (string, bool, error) {
	ret := m.Called(ctx, modelConfig, targetDir)
	return ret.String(0), ret.Bool(1), ret.Error(2)
}

func hubConfig(t *testing.T) *config.Config {
	cfg := &config.Config{Images: []string{"a.png", "b.png"}}
	cfg.Model.Backend = config.BackendExternal
	cfg.Storage.ModelsDir = t.TempDir()
	config.ApplyDefaults(cfg)
	return cfg
}

func TestManager_LoadFetchesAndLoads(t *testing.T) {
	cfg := hubConfig(t)

	dl := new(MockDownloader)
	dl.On("Download", mock.Anything, mock.Anything, cfg.Storage.ModelsDir).
		Return("/cache/runwayml/stable-diffusion-v1-5", false, nil).Once()

	ae := new(MockAutoencoder)
	ae.On("Provider").Return(backend.ProviderExternal)
	ae.On("Load", mock.Anything, backend.ModelSpec{
		Path:      "/cache/runwayml/stable-diffusion-v1-5",
		Subfolder: "vae",
		Device:    "cuda:0",
		Precision: tensor.PrecisionFloat16,
	}).Return(nil).Once()

	m := NewManagerWithDownloader(func(_ context.Context, st config.SourceType) (source.Downloader, error) {
		assert.Equal(t, config.SourceTypeHuggingFace, st)
		return dl, nil
	})

	inst, err := m.Load(context.Background(), cfg, ae, backend.ModelSpec{Device: "cuda:0", Precision: tensor.PrecisionFloat16})
	require.NoError(t, err)
	assert.Equal(t, ModelStatusLoaded, inst.Status())
	assert.False(t, inst.LoadedAt().IsZero())
	assert.Equal(t, config.DefaultModelID, inst.ID)

	got, ok := m.Registry().Get(inst.ID)
	require.True(t, ok)
	assert.Same(t, inst, got)

	dl.AssertExpectations(t)
	ae.AssertExpectations(t)
}

func TestManager_LoadFailureMarksInstance(t *testing.T) {
	cfg := hubConfig(t)

	dl := new(MockDownloader)
	dl.On("Download", mock.Anything, mock.Anything, mock.Anything).Return("/cache/x", true, nil)

	ae := new(MockAutoencoder)
	ae.On("Provider").Return(backend.ProviderExternal)
	ae.On("Load", mock.Anything, mock.Anything).Return(errors.New("out of memory"))

	m := NewManagerWithDownloader(func(context.Context, config.SourceType) (source.Downloader, error) { return dl, nil })

	_, err := m.Load(context.Background(), cfg, ae, backend.ModelSpec{})
	require.ErrorContains(t, err, "out of memory")

	inst, ok := m.Registry().Get(config.DefaultModelID)
	require.True(t, ok)
	assert.Equal(t, ModelStatusFailed, inst.Status())
	assert.ErrorContains(t, inst.Err(), "out of memory")
}

func TestManager_DownloadFailure(t *testing.T) {
	cfg := hubConfig(t)

	dl := new(MockDownloader)
	dl.On("Download", mock.Anything, mock.Anything, mock.Anything).Return("", false, errors.New("network down"))

	m := NewManagerWithDownloader(func(context.Context, config.SourceType) (source.Downloader, error) { return dl, nil })

	_, err := m.Load(context.Background(), cfg, new(MockAutoencoder), backend.ModelSpec{})
	assert.ErrorContains(t, err, "network down")
	assert.Empty(t, m.Registry().List())
}

func TestManager_BuiltinNeedsNoSource(t *testing.T) {
	cfg := &config.Config{Images: []string{"a.png"}}
	cfg.Model.Backend = config.BackendBuiltin
	config.ApplyDefaults(cfg)

	ae := new(MockAutoencoder)
	ae.On("Provider").Return(backend.ProviderBuiltin)
	ae.On("Load", mock.Anything, backend.ModelSpec{Device: "cpu", Precision: tensor.PrecisionFloat32}).Return(nil)

	m := NewManagerWithDownloader(func(context.Context, config.SourceType) (source.Downloader, error) {
		t.Fatal("builtin backend must not download")
		return nil, nil
	})

	inst, err := m.Load(context.Background(), cfg, ae, backend.ModelSpec{Device: "cpu", Precision: tensor.PrecisionFloat32})
	require.NoError(t, err)
	assert.Empty(t, inst.Path)
	ae.AssertExpectations(t)
}

func TestManager_ModelLocatorResolvesPath(t *testing.T) {
	cfg := &config.Config{Images: []string{"a.png"}}
	cfg.Model.Backend = "external"
	cfg.Model.SetLocalSource(config.LocalSource{Path: "/models/sd", Subfolder: "vae"})
	config.ApplyDefaults(cfg)

	dl := new(MockDownloader)
	dl.On("Download", mock.Anything, mock.Anything, mock.Anything).Return("/models/sd", true, nil)

	inner := new(MockAutoencoder)
	inner.On("Provider").Return(backend.ProviderExternal)
	inner.On("Load", mock.Anything, backend.ModelSpec{Path: filepath.Join("/models/sd", "vae", "model.onnx")}).Return(nil)

	m := NewManagerWithDownloader(func(context.Context, config.SourceType) (source.Downloader, error) { return dl, nil })

	inst, err := m.Load(context.Background(), cfg, locatingAutoencoder{inner}, backend.ModelSpec{})
	require.NoError(t, err)
	assert.Empty(t, inst.Spec.Subfolder)
	inner.AssertExpectations(t)
}

func TestManager_ReloadPrunesOldModel(t *testing.T) {
	ae := new(MockAutoencoder)
	ae.On("Provider").Return(backend.ProviderBuiltin)
	ae.On("Load", mock.Anything, mock.Anything).Return(nil)

	m := NewManager()

	first := &config.Config{Images: []string{"a.png"}}
	first.Model.ID = "first"
	first.Model.Backend = config.BackendBuiltin
	config.ApplyDefaults(first)
	_, err := m.Load(context.Background(), first, ae, backend.ModelSpec{})
	require.NoError(t, err)

	second := &config.Config{Images: []string{"a.png"}}
	second.Model.ID = "second"
	second.Model.Backend = config.BackendBuiltin
	config.ApplyDefaults(second)
	_, err = m.Load(context.Background(), second, ae, backend.ModelSpec{})
	require.NoError(t, err)

	list := m.Registry().List()
	require.Len(t, list, 1)
	assert.Equal(t, "second", list[0].ID)
}

func TestResolveModelsPath(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.ModelsDir = "/from/config"
	assert.Equal(t, "/from/config", resolveModelsPath(cfg))

	t.Setenv("LATENTMORPH_MODELS_DIR", "/from/env")
	assert.Equal(t, "/from/env", resolveModelsPath(cfg))
}
