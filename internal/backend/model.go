package backend

// ModelLocator is an optional interface for backends that can locate
// the actual weights to load inside a downloaded model directory.
type ModelLocator interface {
	// ResolveModelPath resolves the real model path inside the base downloaded directory.
	ResolveModelPath(basePath, subfolder string) (string, error)
}
