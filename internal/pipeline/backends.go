package pipeline

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/backend/builtin"
	"github.com/ekisa-team/latentmorph/internal/backend/external"
	"github.com/ekisa-team/latentmorph/internal/backend/onnx"
	"github.com/ekisa-team/latentmorph/internal/backend/remote"
	"github.com/ekisa-team/latentmorph/internal/config"
)

// NewRegistry registers every backend the model config can reach.
// The external backend is only registered when its binary is configured.
func NewRegistry(modelConfig config.ModelConfig, servers *backend.ServerManager) (*backend.Registry, error) {
	registry := backend.NewRegistry()

	if err := registry.Register(builtin.NewBackend(builtin.Options{
		Factor:      modelConfig.Builtin.Factor,
		LogVariance: modelConfig.Builtin.LogVariance,
	})); err != nil {
		return nil, err
	}

	if err := registry.Register(onnx.NewBackend(onnx.Options{
		LibraryPath: modelConfig.ONNX.LibraryPath,
		EncoderFile: modelConfig.ONNX.EncoderFile,
		DecoderFile: modelConfig.ONNX.DecoderFile,
		CUDA:        modelConfig.ONNX.CUDA,
		Threads:     modelConfig.ONNX.Threads,
	})); err != nil {
		return nil, err
	}

	opts := remote.Options{
		Address:         modelConfig.Remote.Address,
		MaxMessageBytes: modelConfig.Remote.MaxMessageBytes,
		Servers:         servers,
	}
	if srv := modelConfig.Remote.Server; srv != nil {
		args := slices.Clone(srv.Args)
		opts.Server = &backend.ServerConfig{
			Name:          "latentmorph-vae",
			BinPath:       srv.BinPath,
			Address:       modelConfig.Remote.Address,
			HealthService: remote.ServiceName,
			Args:          args,
			Env:           maps.Clone(srv.Env),
			ReadyTimeout:  srv.ReadyTimeout,
		}
	}
	if err := registry.Register(remote.NewBackend(opts)); err != nil {
		return nil, err
	}

	if ext := modelConfig.External; ext.BinPath != "" {
		b, err := external.NewBackend(ext.BinPath, ext.Timeout)
		if err != nil {
			if modelConfig.Backend == string(backend.ProviderExternal) {
				return nil, fmt.Errorf("external backend: %w", err)
			}
			slog.Warn("External backend unavailable", "bin_path", ext.BinPath, "error", err)
		} else if err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
