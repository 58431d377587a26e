package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Defaults for the autoencoder pipeline.
const (
	DefaultModelID         = "sd15-vae"
	DefaultRepo            = "runwayml/stable-diffusion-v1-5"
	DefaultSubfolder       = "vae"
	DefaultBackend         = BackendONNX
	DefaultONNXRevision    = "onnx"
	DefaultONNXEncoder     = "vae_encoder/model.onnx"
	DefaultONNXDecoder     = "vae_decoder/model.onnx"
	DefaultScalingFactor   = 0.18215
	DefaultWidth           = 512
	DefaultHeight          = 512
	DefaultFramesPerPair   = 24
	DefaultOutputDir       = "frames"
	DefaultGIFDelay        = 80 * time.Millisecond
	DefaultRemoteAddress   = "127.0.0.1:50051"
	DefaultReadyTimeout    = 60 * time.Second
	DefaultExternalTimeout = 2 * time.Minute

	DeviceAuto        = "auto"
	DeviceCPU         = "cpu"
	DeviceAccelerator = "accelerator"

	PrecisionAuto = "auto"
)

// DefaultConfigPath returns the default path for the latentmorph config directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "latentmorph", "config")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "latentmorph")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "latentmorph")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "latentmorph")
		}
		return filepath.Join(home, ".config", "latentmorph")
	}
}

// DefaultModelsPath returns the default path for the latentmorph model cache.
func DefaultModelsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "latentmorph", "models")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", "latentmorph", "models")
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "latentmorph", "models")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "latentmorph", "models")
		}
		return filepath.Join(home, ".cache", "latentmorph", "models")
	}
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	m := &cfg.Model
	if m.ID == "" {
		m.ID = DefaultModelID
	}
	if m.Backend == "" {
		m.Backend = DefaultBackend
	}
	if m.Source.HuggingFace == nil && m.Source.Local == nil && m.Backend != BackendBuiltin {
		m.SetHuggingFaceSource(defaultSource(m.Backend))
	}
	if m.ScalingFactor == 0 {
		m.ScalingFactor = DefaultScalingFactor
	}
	if m.Device == "" {
		m.Device = DeviceAuto
	}
	if m.Precision == "" {
		m.Precision = PrecisionAuto
	}
	if m.Remote.Address == "" {
		m.Remote.Address = DefaultRemoteAddress
	}
	if m.Remote.Server != nil && m.Remote.Server.ReadyTimeout == 0 {
		m.Remote.Server.ReadyTimeout = DefaultReadyTimeout
	}
	if m.External.Timeout == 0 {
		m.External.Timeout = DefaultExternalTimeout
	}
	if m.ONNX.EncoderFile == "" {
		m.ONNX.EncoderFile = DefaultONNXEncoder
	}
	if m.ONNX.DecoderFile == "" {
		m.ONNX.DecoderFile = DefaultONNXDecoder
	}

	if cfg.Preprocess.Width == 0 {
		cfg.Preprocess.Width = DefaultWidth
	}
	if cfg.Preprocess.Height == 0 {
		cfg.Preprocess.Height = DefaultHeight
	}
	if cfg.Interpolation.FramesPerPair == 0 {
		cfg.Interpolation.FramesPerPair = DefaultFramesPerPair
	}

	if cfg.Render.OutputDir == "" {
		cfg.Render.OutputDir = DefaultOutputDir
	}
	if cfg.Render.GIF.Delay == 0 {
		cfg.Render.GIF.Delay = DefaultGIFDelay
	}

	if cfg.Pipeline.FailurePolicy == "" {
		cfg.Pipeline.FailurePolicy = FailurePolicyAbort
	}
}

// defaultSource returns the hub source for backend. The ONNX export of the
// autoencoder lives on the repository's onnx revision as two graphs; the
// bundled gRPC server runs those too.
func defaultSource(backend string) HuggingFaceSource {
	if backend == BackendONNX || backend == BackendRemote {
		return HuggingFaceSource{
			Repo:     DefaultRepo,
			Revision: DefaultONNXRevision,
			Include:  []string{"vae_encoder/*", "vae_decoder/*"},
		}
	}
	return HuggingFaceSource{Repo: DefaultRepo, Subfolder: DefaultSubfolder}
}

// Validate checks cross-field constraints the schema cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("cannot verify config, config is nil")
	}

	if len(cfg.Images) == 0 {
		return errors.New("no images configured")
	}

	if _, err := cfg.Model.GetSource(); err != nil && cfg.Model.Backend != BackendBuiltin {
		return fmt.Errorf("model %s: %w", cfg.Model.ID, err)
	}

	if cfg.Model.Backend == BackendExternal && cfg.Model.External.BinPath == "" {
		return errors.New("missing external backend bin_path in config")
	}

	if cfg.Model.Remote.Server != nil && cfg.Model.Remote.Server.BinPath == "" {
		return errors.New("missing remote server bin_path in config")
	}

	if cfg.Interpolation.FramesPerPair < 1 {
		return fmt.Errorf("frames_per_pair must be at least 1, got %d", cfg.Interpolation.FramesPerPair)
	}

	switch cfg.Pipeline.FailurePolicy {
	case FailurePolicyAbort, FailurePolicySkip:
	default:
		return fmt.Errorf("unknown failure policy %q", cfg.Pipeline.FailurePolicy)
	}

	return nil
}
