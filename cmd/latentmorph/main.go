package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/env"
	"github.com/ekisa-team/latentmorph/internal/logger"
	"github.com/ekisa-team/latentmorph/internal/model"
	"github.com/ekisa-team/latentmorph/internal/pipeline"
)

func main() {
	var (
		flagConfigPath = flag.String("config", path.Join(config.DefaultConfigPath(), "config.yaml"), "Path to config file")
		flagSchemaPath = flag.String("schema", "", "Path to schema file (defaults to the embedded schema)")
		flagWatch      = flag.Bool("watch", false, "Re-run whenever the config file changes")
		flagLogFile    = flag.String("log-file", "", "Also write JSON logs to this rotating file")
	)
	flag.Parse()

	environment := env.FromEnv()
	sinks := logger.NewFileSinks()
	defer sinks.Close()
	slog.SetDefault(logger.New(environment,
		logger.WithLogToFile(*flagLogFile != ""),
		logger.WithLogFile(*flagLogFile),
		logger.WithFileSinks(sinks),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{
		models:     model.NewManager(),
		servers:    backend.NewServerManager(),
		env:        environment,
		sinks:      sinks,
		logFile:    *flagLogFile,
		configPath: *flagConfigPath,
	}
	defer app.servers.StopAll()

	if !*flagWatch {
		cfg, err := config.LoadAndValidate(*flagConfigPath, *flagSchemaPath)
		if err != nil {
			slog.Error("Failed to load config", "config", *flagConfigPath, "error", err)
			os.Exit(1)
		}

		if err := app.run(ctx, cfg); err != nil {
			os.Exit(1)
		}
		return
	}

	watcher, err := config.NewWatcher(ctx, *flagConfigPath, *flagSchemaPath, config.DefaultDebounce, func(cfg *config.Config, err error) {
		if err != nil {
			slog.Error("Failed to reload config", "error", err)
			return
		}
		_ = app.run(ctx, cfg)
	})
	if err != nil {
		slog.Error("Failed to create config watcher", "error", err)
		os.Exit(1)
	}

	_ = app.run(ctx, watcher.Snapshot())
	slog.Info("Watching config for changes", "config", *flagConfigPath)

	<-watcher.Done()
}

type app struct {
	models     *model.Manager
	servers    *backend.ServerManager
	env        env.Environment
	sinks      *logger.FileSinks
	logFile    string
	configPath string

	mu sync.Mutex
}

// run executes one pipeline run. Runs never overlap.
func (a *app) run(ctx context.Context, cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.applyLogLevel(cfg)

	backends, err := pipeline.NewRegistry(cfg.Model, a.servers)
	if err != nil {
		slog.Error("Failed to create backends", "error", err)
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			slog.Warn("Failed to close backends", "error", err)
		}
	}()

	rt, err := pipeline.NewRuntime(ctx, cfg, pipeline.Options{
		Backends: backends,
		Models:   a.models,
	})
	if err != nil {
		slog.Error("Failed to prepare run", "config", a.configPath, "error", err)
		return err
	}

	res, runErr := pipeline.New(rt).Run(ctx)
	if err := rt.Close(); err != nil {
		slog.Error("Failed to finish rendering", "error", err)
		runErr = errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}

	slog.Info("Frames written", "run_id", res.RunID, "frames", res.Frames, "output_dir", res.OutputDir)
	return nil
}

func (a *app) applyLogLevel(cfg *config.Config) {
	file := a.logFile
	if file == "" {
		file = cfg.Log.File
	}
	if file == a.logFile && cfg.Log.Level == "" {
		return
	}

	opts := []logger.Option{
		logger.WithLogToFile(file != ""),
		logger.WithLogFile(file),
		logger.WithFileSinks(a.sinks),
	}

	if cfg.Log.Level != "" {
		level, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			slog.Warn("Ignoring invalid log level", "level", cfg.Log.Level, "error", err)
		} else {
			opts = append(opts, logger.WithLevel(level))
		}
	}

	slog.SetDefault(logger.New(a.env, opts...))
	if err := a.sinks.Keep(file); err != nil {
		slog.Warn("Failed to close previous log file", "error", err)
	}
}
