package envvar

const (
	// LatentmorphEnv is the environment variable used to determine the environment
	LatentmorphEnv = "LATENTMORPH_ENV"

	// LatentmorphModelsDir overrides the model cache directory
	LatentmorphModelsDir = "LATENTMORPH_MODELS_DIR"

	// LatentmorphONNXLibrary points at the onnxruntime shared library
	LatentmorphONNXLibrary = "LATENTMORPH_ONNX_LIBRARY"
)
