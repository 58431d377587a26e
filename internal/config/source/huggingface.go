package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/executor"
)

const (
	defaultRetryDelay = 2 * time.Second
	defaultMaxRetries = 3
	defaultTimeout    = 5 * time.Minute
	markerFilename    = ".latentmorph-downloaded"
	hfBinary          = "hf"
)

// HuggingFaceDownloader downloads a model from Hugging Face with the hf CLI.
type HuggingFaceDownloader struct {
	exec       *executor.Executor
	retryDelay time.Duration
	maxRetries int
}

// NewHuggingFaceDownloader looks up the hf CLI on PATH.
func NewHuggingFaceDownloader() (*HuggingFaceDownloader, error) {
	e, err := executor.New(hfBinary, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("hugging face CLI: %w", err)
	}
	return NewHuggingFaceDownloaderWithExecutor(e), nil
}

// NewHuggingFaceDownloaderWithExecutor uses e to run the hf CLI.
func NewHuggingFaceDownloaderWithExecutor(e *executor.Executor) *HuggingFaceDownloader {
	return &HuggingFaceDownloader{
		exec:       e,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
}

// Download downloads a Hugging Face repository into targetDir/<repo>.
// With a subfolder only its files are fetched. The returned path is the repository root.
func (d *HuggingFaceDownloader) Download(ctx context.Context, modelConfig *config.ModelConfig, targetDir string) (string, bool, error) {
	source, err := modelConfig.GetSource()
	if err != nil {
		return "", false, fmt.Errorf("failed to get model source: %w", err)
	}

	hfSource, ok := source.(config.HuggingFaceSource)
	if !ok {
		return "", false, fmt.Errorf("invalid source type: %T", source)
	}

	repo := strings.TrimSpace(hfSource.Repo)
	if repo == "" {
		return "", false, fmt.Errorf("invalid repo name: %q", hfSource.Repo)
	}

	fullPath := filepath.Join(targetDir, repo)
	markerPath := filepath.Join(fullPath, markerFilename)
	include := includePatterns(hfSource)
	markerContent := d.markerContent(repo, hfSource.Revision, hfSource.Subfolder, include)

	if !hfSource.ForceDownload {
		if _, err := os.Stat(markerPath); err == nil && !d.shouldRedownload(markerPath, markerContent) {
			slog.Info("Model already downloaded and up-to-date (marker match), skipping", "repo", repo, "path", fullPath)
			return fullPath, true, nil
		}
	}

	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create directory: %w", err)
	}

	args := d.args(repo, fullPath, hfSource, include)

	var lastErr error
	for attempt := range d.maxRetries {
		if attempt > 0 {
			slog.Info("Retrying download", "repo", repo, "attempt", attempt+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", false, fmt.Errorf("download canceled: %w", ctx.Err())
			case <-time.After(d.retryDelay):
			}
		} else {
			slog.Info("Downloading model", "repo", repo, "subfolder", hfSource.Subfolder, "path", fullPath)
		}

		err := d.run(ctx, repo, args)
		if err == nil {
			if err := os.WriteFile(markerPath, []byte(markerContent), 0o644); err != nil {
				slog.Warn("Failed to write download marker", "path", markerPath, "error", err)
			} else {
				slog.Debug("Download marker updated", "path", markerPath)
			}

			slog.Info("Model downloaded successfully", "repo", repo, "path", fullPath, "attempt", attempt+1)
			return fullPath, false, nil
		}

		lastErr = err
		slog.Error("Failed to download model", "repo", repo, "path", fullPath, "attempt", attempt+1, "error", err)

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			slog.Warn("Download timed out", "repo", repo, "path", fullPath, "attempt", attempt+1)
		case ctx.Err() != nil:
			return "", false, fmt.Errorf("download canceled: %w", err)
		}
	}

	return "", false, fmt.Errorf("download %s: %w", repo, lastErr)
}

// run streams the CLI output into debug logs and returns its final status.
func (d *HuggingFaceDownloader) run(ctx context.Context, repo string, args []string) error {
	lines, err := d.exec.Stream(ctx, args, nil)
	if err != nil {
		return err
	}

	var runErr error
	for line := range lines {
		if len(line.Data) > 0 {
			slog.Debug("hf", "repo", repo, "output", string(line.Data))
		}
		if line.Done {
			runErr = line.Error
		}
	}
	return runErr
}

func (d *HuggingFaceDownloader) args(repo, fullPath string, hfSource config.HuggingFaceSource, include []string) []string {
	args := []string{
		"download",
		repo,
		"--local-dir", fullPath,
	}

	if hfSource.Revision != "" {
		args = append(args, "--revision", hfSource.Revision)
	}
	if hfSource.RepoType != "" {
		args = append(args, "--repo-type", hfSource.RepoType)
	}
	for _, inc := range include {
		args = append(args, "--include", inc)
	}
	for _, exc := range hfSource.Exclude {
		args = append(args, "--exclude", exc)
	}
	if hfSource.ForceDownload {
		args = append(args, "--force-download")
	}
	if hfSource.Token != "" {
		args = append(args, "--token", hfSource.Token)
	}
	if hfSource.MaxWorkers > 0 {
		args = append(args, "--max-workers", fmt.Sprintf("%d", hfSource.MaxWorkers))
	}

	return args
}

// includePatterns restricts the download to the subfolder unless patterns are given.
func includePatterns(hfSource config.HuggingFaceSource) []string {
	if len(hfSource.Include) > 0 {
		return slices.Clone(hfSource.Include)
	}
	if sub := strings.Trim(hfSource.Subfolder, "/"); sub != "" {
		return []string{sub + "/*"}
	}
	return nil
}

// markerContent generates the expected content of the marker file.
// Used to detect if we need to redownload due to config change.
func (d *HuggingFaceDownloader) markerContent(repo, revision, subfolder string, include []string) string {
	return fmt.Sprintf("repo: %s\nrevision: %s\nsubfolder: %s\ninclude: %s\n",
		repo, revision, subfolder, strings.Join(include, ","))
}

// shouldRedownload checks if the model should be redownloaded by comparing marker content.
func (d *HuggingFaceDownloader) shouldRedownload(markerPath, expectedContent string) bool {
	content, err := os.ReadFile(markerPath)
	if err != nil {
		slog.Debug("Marker file missing or unreadable", "path", markerPath, "error", err)
		return true
	}

	if string(content) != expectedContent {
		slog.Info("Model config changed (marker mismatch), will redownload",
			"marker_path", markerPath,
			"expected_snippet", expectedContent,
			"actual_snippet", string(content))
		return true
	}

	return false
}
