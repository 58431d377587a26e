package config

import (
	"errors"
	"time"
)

// SourceType represents the type of model source.
type SourceType string

const (
	// SourceTypeHuggingFace represents a Hugging Face model repository source.
	SourceTypeHuggingFace SourceType = "huggingface"

	// SourceTypeLocal represents a model directory already on disk.
	SourceTypeLocal SourceType = "local"
)

// Autoencoder backends.
const (
	BackendBuiltin  = "builtin"
	BackendRemote   = "remote"
	BackendExternal = "external"
	BackendONNX     = "onnx"
)

// Failure policies for pipeline steps.
const (
	FailurePolicyAbort = "abort"
	FailurePolicySkip  = "skip"
)

// Config holds the main configuration for the application.
type Config struct {
	Version       string              `json:"version"           yaml:"version"`
	Storage       StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`
	Model         ModelConfig         `json:"model"             yaml:"model"`
	Images        []string            `json:"images"            yaml:"images"`
	Preprocess    PreprocessConfig    `json:"preprocess"        yaml:"preprocess"`
	Interpolation InterpolationConfig `json:"interpolation"     yaml:"interpolation"`
	Sampling      SamplingConfig      `json:"sampling"          yaml:"sampling"`
	Render        RenderConfig        `json:"render"            yaml:"render"`
	Pipeline      PipelineConfig      `json:"pipeline"          yaml:"pipeline"`
	Log           LogConfig           `json:"log"               yaml:"log"`
}

// StorageConfig holds configuration for the model cache.
type StorageConfig struct {
	ModelsDir string `json:"models_dir,omitempty" yaml:"models_dir,omitempty"`
}

// ModelConfig holds configuration for the autoencoder.
type ModelConfig struct {
	ID            string                `json:"id"                       yaml:"id"`
	Source        SourceConfig          `json:"source"                   yaml:"source"`
	Backend       string                `json:"backend"                  yaml:"backend"`
	ScalingFactor float32               `json:"scaling_factor,omitempty" yaml:"scaling_factor,omitempty"`
	Device        string                `json:"device,omitempty"         yaml:"device,omitempty"`
	Precision     string                `json:"precision,omitempty"      yaml:"precision,omitempty"`
	Builtin       BuiltinBackendConfig  `json:"builtin,omitempty"        yaml:"builtin,omitempty"`
	Remote        RemoteBackendConfig   `json:"remote,omitempty"         yaml:"remote,omitempty"`
	External      ExternalBackendConfig `json:"external,omitempty"       yaml:"external,omitempty"`
	ONNX          ONNXBackendConfig     `json:"onnx,omitempty"           yaml:"onnx,omitempty"`
}

// SourceConfig wraps optional sources (only one should be set).
type SourceConfig struct {
	HuggingFace *HuggingFaceSource `json:"huggingface,omitempty" yaml:"huggingface,omitempty"`
	Local       *LocalSource       `json:"local,omitempty"       yaml:"local,omitempty"`
}

// BuiltinBackendConfig tunes the in-process box-filter autoencoder.
type BuiltinBackendConfig struct {
	Factor      int     `json:"factor,omitempty"       yaml:"factor,omitempty"`
	LogVariance float32 `json:"log_variance,omitempty" yaml:"log_variance,omitempty"`
}

// RemoteBackendConfig points at a gRPC autoencoder service.
type RemoteBackendConfig struct {
	Address         string              `json:"address,omitempty"           yaml:"address,omitempty"`
	MaxMessageBytes int                 `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"`
	Server          *RemoteServerConfig `json:"server,omitempty"            yaml:"server,omitempty"`
}

// RemoteServerConfig describes a server process started before connecting.
type RemoteServerConfig struct {
	BinPath      string            `json:"bin_path"                yaml:"bin_path"`
	Args         []string          `json:"args,omitempty"          yaml:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"           yaml:"env,omitempty"`
	ReadyTimeout time.Duration     `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
}

// ExternalBackendConfig points at an autoencoder CLI.
type ExternalBackendConfig struct {
	BinPath string        `json:"bin_path,omitempty" yaml:"bin_path,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"  yaml:"timeout,omitempty"`
}

// ONNXBackendConfig runs exported encoder and decoder graphs with ONNX Runtime.
type ONNXBackendConfig struct {
	// LibraryPath is the onnxruntime shared library; empty uses the loader's search path.
	LibraryPath string `json:"library_path,omitempty" yaml:"library_path,omitempty"`
	EncoderFile string `json:"encoder_file,omitempty" yaml:"encoder_file,omitempty"`
	DecoderFile string `json:"decoder_file,omitempty" yaml:"decoder_file,omitempty"`
	CUDA        bool   `json:"cuda,omitempty"         yaml:"cuda,omitempty"`
	Threads     int    `json:"threads,omitempty"      yaml:"threads,omitempty"`
}

// PreprocessConfig fixes the encoder input resolution.
type PreprocessConfig struct {
	Width  int `json:"width,omitempty"  yaml:"width,omitempty"`
	Height int `json:"height,omitempty" yaml:"height,omitempty"`
}

// InterpolationConfig controls latent blending between consecutive images.
type InterpolationConfig struct {
	FramesPerPair   int  `json:"frames_per_pair,omitempty"  yaml:"frames_per_pair,omitempty"`
	DedupeJunctions bool `json:"dedupe_junctions,omitempty" yaml:"dedupe_junctions,omitempty"`
}

// SamplingConfig seeds latent sampling. A nil seed draws a fresh one per run.
type SamplingConfig struct {
	Seed *uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// RenderConfig selects where decoded frames go.
type RenderConfig struct {
	OutputDir string       `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	RunSubdir *bool        `json:"run_subdir,omitempty" yaml:"run_subdir,omitempty"`
	PNG       *bool        `json:"png,omitempty"        yaml:"png,omitempty"`
	Title     *bool        `json:"title,omitempty"      yaml:"title,omitempty"`
	GIF       GIFConfig    `json:"gif,omitempty"        yaml:"gif,omitempty"`
	Viewer    ViewerConfig `json:"viewer,omitempty"     yaml:"viewer,omitempty"`
}

// GIFConfig enables an animated GIF of all frames.
type GIFConfig struct {
	Enabled bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"   yaml:"delay,omitempty"`
	Loop    int           `json:"loop,omitempty"    yaml:"loop,omitempty"`
}

// ViewerConfig shows every frame with an external program and waits for it to exit.
type ViewerConfig struct {
	Command string        `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string      `json:"args,omitempty"    yaml:"args,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// PipelineConfig controls failure handling and memory use.
type PipelineConfig struct {
	FailurePolicy string `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	ReleaseMemory *bool  `json:"release_memory,omitempty" yaml:"release_memory,omitempty"`
	KeepFrames    bool   `json:"keep_frames,omitempty"    yaml:"keep_frames,omitempty"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	File  string `json:"file,omitempty"  yaml:"file,omitempty"`
}

// -------------------------
// Source definitions
// -------------------------

// ModelSource represents a source for a model.
type ModelSource interface {
	Type() SourceType
}

// HuggingFaceSource represents a Hugging Face model repository source.
type HuggingFaceSource struct {
	Repo          string   `json:"repo"                     yaml:"repo"`
	Subfolder     string   `json:"subfolder,omitempty"      yaml:"subfolder,omitempty"`
	Revision      string   `json:"revision,omitempty"       yaml:"revision,omitempty"`
	RepoType      string   `json:"repo_type,omitempty"      yaml:"repo_type,omitempty"`
	Token         string   `json:"token,omitempty"          yaml:"token,omitempty"`
	Include       []string `json:"include,omitempty"        yaml:"include,omitempty"`
	Exclude       []string `json:"exclude,omitempty"        yaml:"exclude,omitempty"`
	MaxWorkers    int      `json:"max_workers,omitempty"    yaml:"max_workers,omitempty"`
	ForceDownload bool     `json:"force_download,omitempty" yaml:"force_download,omitempty"`
}

// Type returns the Hugging Face source type.
func (h HuggingFaceSource) Type() SourceType {
	return SourceTypeHuggingFace
}

// LocalSource represents a model directory on disk.
type LocalSource struct {
	Path      string `json:"path"                yaml:"path"`
	Subfolder string `json:"subfolder,omitempty" yaml:"subfolder,omitempty"`
}

// Type returns the local source type.
func (l LocalSource) Type() SourceType {
	return SourceTypeLocal
}

// GetSource returns the active source for the model.
func (m *ModelConfig) GetSource() (ModelSource, error) {
	switch {
	case m.Source.HuggingFace != nil && m.Source.Local != nil:
		return nil, errors.New("more than one source configured for model")
	case m.Source.HuggingFace != nil:
		return *m.Source.HuggingFace, nil
	case m.Source.Local != nil:
		return *m.Source.Local, nil
	}

	return nil, errors.New("no source configured for model")
}

// Subfolder returns the autoencoder subfolder of the active source.
func (m *ModelConfig) Subfolder() string {
	switch {
	case m.Source.HuggingFace != nil:
		return m.Source.HuggingFace.Subfolder
	case m.Source.Local != nil:
		return m.Source.Local.Subfolder
	}
	return ""
}

// SetHuggingFaceSource sets the Hugging Face source.
func (m *ModelConfig) SetHuggingFaceSource(source HuggingFaceSource) {
	m.Source = SourceConfig{HuggingFace: &source}
}

// SetLocalSource sets the local source.
func (m *ModelConfig) SetLocalSource(source LocalSource) {
	m.Source = SourceConfig{Local: &source}
}

// Enabled reports whether a pointer flag is set, falling back to def.
func Enabled(flag *bool, def bool) bool {
	if flag == nil {
		return def
	}
	return *flag
}
