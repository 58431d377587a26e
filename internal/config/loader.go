package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ekisa-team/latentmorph/internal/xfs"
	"github.com/kelseyhightower/envconfig"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "latentmorph"

const schemaURL = "https://latentmorph.dev/schema/config.json"

//go:embed schema.json
var embeddedSchema []byte

// envOverrides are applied on top of the file before defaults.
type envOverrides struct {
	Backend     string `envconfig:"BACKEND"`
	GRPCAddress string `envconfig:"GRPC_ADDRESS"`
	OutputDir   string `envconfig:"OUTPUT_DIR"`
	Device      string `envconfig:"DEVICE"`
	Precision   string `envconfig:"PRECISION"`
	HFToken     string `envconfig:"HF_TOKEN"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	ONNXLibrary string `envconfig:"ONNX_LIBRARY"`
}

// LoadAndValidate loads and validates the configuration.
// An empty schemaPath validates against the embedded schema.
func LoadAndValidate(path, schemaPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}

	return Parse(data, schemaPath)
}

// Parse validates and decodes raw YAML, then applies env overrides and defaults.
func Parse(data []byte, schemaPath string) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	schema, err := compileSchema(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to compile schema: %w", err)
	}

	doc, err := toJSONValue(raw)
	if err != nil {
		return nil, fmt.Errorf("config: failed to normalise document: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}

	env, err := applyEnv(&config)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(&config)
	if env.HFToken != "" && config.Model.Source.HuggingFace != nil {
		config.Model.Source.HuggingFace.Token = env.HFToken
	}
	expandPaths(&config)

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &config, nil
}

func compileSchema(schemaPath string) (*jsonschema.Schema, error) {
	if schemaPath != "" {
		return jsonschema.Compile(schemaPath)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(embeddedSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile(schemaURL)
}

// toJSONValue round-trips a YAML document through JSON so the validator sees JSON types.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

func applyEnv(cfg *Config) (envOverrides, error) {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return o, fmt.Errorf("config: failed to read environment: %w", err)
	}

	if o.Backend != "" {
		cfg.Model.Backend = o.Backend
	}
	if o.GRPCAddress != "" {
		cfg.Model.Remote.Address = o.GRPCAddress
	}
	if o.OutputDir != "" {
		cfg.Render.OutputDir = o.OutputDir
	}
	if o.Device != "" {
		cfg.Model.Device = strings.ToLower(o.Device)
	}
	if o.Precision != "" {
		cfg.Model.Precision = strings.ToLower(o.Precision)
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.ONNXLibrary != "" {
		cfg.Model.ONNX.LibraryPath = o.ONNXLibrary
	}

	return o, nil
}

func expandPaths(cfg *Config) {
	cfg.Storage.ModelsDir = xfs.ExpandTilde(cfg.Storage.ModelsDir)
	cfg.Render.OutputDir = xfs.ExpandTilde(cfg.Render.OutputDir)
	cfg.Log.File = xfs.ExpandTilde(cfg.Log.File)
	cfg.Model.ONNX.LibraryPath = xfs.ExpandTilde(cfg.Model.ONNX.LibraryPath)
	if cfg.Model.Source.Local != nil {
		cfg.Model.Source.Local.Path = xfs.ExpandTilde(cfg.Model.Source.Local.Path)
	}
	for i, p := range cfg.Images {
		cfg.Images[i] = xfs.ExpandTilde(p)
	}
}
