package source

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ekisa-team/latentmorph/internal/config"
)

// ErrUnsupportedSource is returned for source types without a downloader.
var ErrUnsupportedSource = errors.New("unsupported model source")

// Downloader materialises a model source on disk.
type Downloader interface {
	// Download returns the model directory and whether it was already present.
	Download(ctx context.Context, modelConfig *config.ModelConfig, targetDir string) (path string, cached bool, err error)
}

// GetDownloader returns the downloader for a source type.
func GetDownloader(_ context.Context, sourceType config.SourceType) (Downloader, error) {
	switch sourceType {
	case config.SourceTypeHuggingFace:
		return NewHuggingFaceDownloader()
	case config.SourceTypeLocal:
		return &LocalDownloader{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, sourceType)
}

// EnsureModelsDirectory creates the model cache directory if needed.
func EnsureModelsDirectory(path string) error {
	if path == "" {
		return errors.New("models directory is empty")
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%s exists and is not a directory", path)
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	return os.MkdirAll(path, 0o755)
}
