package source

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/xfs"
)

// LocalDownloader resolves a model directory that is already on disk.
type LocalDownloader struct{}

// Download checks that the configured directory (and subfolder) exist. Nothing is copied.
func (d *LocalDownloader) Download(_ context.Context, modelConfig *config.ModelConfig, _ string) (string, bool, error) {
	source, err := modelConfig.GetSource()
	if err != nil {
		return "", false, fmt.Errorf("failed to get model source: %w", err)
	}

	local, ok := source.(config.LocalSource)
	if !ok {
		return "", false, fmt.Errorf("invalid source type: %T", source)
	}

	path := xfs.ExpandTilde(local.Path)
	if !xfs.DirExists(path) {
		return "", false, fmt.Errorf("model directory %s does not exist", path)
	}
	if local.Subfolder != "" && !xfs.DirExists(filepath.Join(path, local.Subfolder)) {
		return "", false, fmt.Errorf("model subfolder %s does not exist in %s", local.Subfolder, path)
	}

	slog.Debug("Using local model", "path", path, "subfolder", local.Subfolder)
	return path, true, nil
}
