package model

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/config/source"
	"github.com/ekisa-team/latentmorph/internal/envvar"
	"github.com/ekisa-team/latentmorph/internal/xfs"
)

// DownloaderFunc returns the downloader for a source type.
type DownloaderFunc func(ctx context.Context, sourceType config.SourceType) (source.Downloader, error)

// Manager fetches model weights and loads them into autoencoder backends.
type Manager struct {
	registry      *Registry
	getDownloader DownloaderFunc
	mu            sync.Mutex
}

// NewManager creates a Manager that fetches weights with the standard downloaders.
func NewManager() *Manager {
	return NewManagerWithDownloader(source.GetDownloader)
}

// NewManagerWithDownloader creates a Manager with a custom downloader lookup.
func NewManagerWithDownloader(fn DownloaderFunc) *Manager {
	return &Manager{
		registry:      NewRegistry(),
		getDownloader: fn,
	}
}

// Registry returns the model registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Load fetches the configured model source and loads it into ae.
// spec carries the device and precision; its paths are filled in here.
func (m *Manager) Load(ctx context.Context, cfg *config.Config, ae backend.Autoencoder, spec backend.ModelSpec) (*ModelInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	modelConfig := cfg.Model
	start := time.Now()

	path, err := m.fetch(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model %s: %w", modelConfig.ID, err)
	}

	instance := NewModelInstance(&modelConfig, modelConfig.ID, path)
	for _, old := range m.registry.Replace(instance) {
		slog.Info("Model removed from registry", "model_id", old.ID, "status", old.Status())
	}

	spec.Path = path
	spec.Subfolder = modelConfig.Subfolder()
	if locator, ok := ae.(backend.ModelLocator); ok && path != "" {
		resolved, err := locator.ResolveModelPath(path, spec.Subfolder)
		if err != nil {
			instance.Fail(err)
			return nil, fmt.Errorf("failed to resolve model path for %s: %w", modelConfig.ID, err)
		}
		spec.Path, spec.Subfolder = resolved, ""
	}
	instance.Spec = spec

	instance.SetStatus(ModelStatusLoading)
	slog.Info("Loading model", "model_id", instance.ID, "backend", ae.Provider(), "path", spec.Path, "device", spec.Device, "precision", spec.Precision)

	if err := ae.Load(ctx, spec); err != nil {
		instance.Fail(err)
		return nil, fmt.Errorf("failed to load model %s: %w", modelConfig.ID, err)
	}

	instance.SetStatus(ModelStatusLoaded)
	slog.Info("Model loaded", "model_id", instance.ID, "elapsed", time.Since(start).Round(time.Millisecond))

	return m.registry.Loaded(instance.ID)
}

// fetch returns the model directory, or "" when the backend needs no weights on disk.
func (m *Manager) fetch(ctx context.Context, cfg *config.Config) (string, error) {
	modelConfig := cfg.Model
	modelSource, err := modelConfig.GetSource()
	if err != nil {
		if modelConfig.Backend == string(backend.ProviderBuiltin) {
			return "", nil
		}
		return "", err
	}

	modelsPath := resolveModelsPath(cfg)
	if modelSource.Type() != config.SourceTypeLocal {
		if err := source.EnsureModelsDirectory(modelsPath); err != nil {
			return "", fmt.Errorf("failed to prepare models directory %s: %w", modelsPath, err)
		}
	}

	downloader, err := m.getDownloader(ctx, modelSource.Type())
	if err != nil {
		return "", fmt.Errorf("failed to get downloader: %w", err)
	}

	path, cached, err := downloader.Download(ctx, &modelConfig, modelsPath)
	if err != nil {
		return "", fmt.Errorf("failed to download into %s: %w", modelsPath, err)
	}

	slog.Debug("Model weights ready", "model_id", modelConfig.ID, "path", path, "cached", cached)
	return path, nil
}

// resolveModelsPath returns the path to the models directory.
// Precedence:
// 1. LATENTMORPH_MODELS_DIR environment variable.
// 2. ModelsDir field in the config.
// 3. Default models path.
func resolveModelsPath(cfg *config.Config) string {
	if p := os.Getenv(envvar.LatentmorphModelsDir); p != "" {
		return xfs.ExpandTilde(p)
	}
	if cfg.Storage.ModelsDir != "" {
		return xfs.ExpandTilde(cfg.Storage.ModelsDir)
	}
	return xfs.ExpandTilde(config.DefaultModelsPath())
}
