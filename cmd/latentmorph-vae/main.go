package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/backend/builtin"
	"github.com/ekisa-team/latentmorph/internal/backend/onnx"
	"github.com/ekisa-team/latentmorph/internal/backend/remote"
	"github.com/ekisa-team/latentmorph/internal/config"
	"github.com/ekisa-team/latentmorph/internal/device"
	"github.com/ekisa-team/latentmorph/internal/env"
	"github.com/ekisa-team/latentmorph/internal/envvar"
	"github.com/ekisa-team/latentmorph/internal/logger"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	var (
		flagAddress     = flag.String("address", config.DefaultRemoteAddress, "host:port to listen on")
		flagBackend     = flag.String("backend", config.BackendONNX, "Autoencoder to serve: onnx or builtin")
		flagLibrary     = flag.String("onnx-library", os.Getenv(envvar.LatentmorphONNXLibrary), "Path to the onnxruntime shared library")
		flagCUDA        = flag.Bool("cuda", false, "Offer cuda:0 to clients (onnx only)")
		flagThreads     = flag.Int("threads", 0, "Intra-op threads, 0 lets the runtime decide (onnx only)")
		flagFactor      = flag.Int("factor", builtin.DefaultFactor, "Spatial downsampling factor")
		flagLogVariance = flag.Float64("log-variance", builtin.DefaultLogVariance, "Log-variance of every latent element")
		flagMaxMessage  = flag.Int("max-message-bytes", remote.DefaultMaxMessageBytes, "Largest request or response in bytes")
	)
	flag.Parse()

	slog.SetDefault(logger.New(env.FromEnv()))

	lis, err := net.Listen("tcp", *flagAddress)
	if err != nil {
		slog.Error("Failed to listen", "address", *flagAddress, "error", err)
		os.Exit(1)
	}

	var ae backend.Autoencoder
	switch *flagBackend {
	case config.BackendONNX:
		ae = onnx.NewBackend(onnx.Options{LibraryPath: *flagLibrary, CUDA: *flagCUDA, Threads: *flagThreads})
	case config.BackendBuiltin:
		ae = builtin.NewBackend(builtin.Options{Factor: *flagFactor, LogVariance: float32(*flagLogVariance)})
	default:
		slog.Error("Unknown backend", "backend", *flagBackend)
		os.Exit(2)
	}

	// Used only when the backend does not report devices itself.
	devices := func(context.Context) ([]backend.DeviceInfo, error) {
		return []backend.DeviceInfo{device.HostCPU()}, nil
	}

	srv, health := remote.NewServer(remote.NewService(ae, devices), *flagMaxMessage)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down")
		health.SetServingStatus(remote.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		srv.GracefulStop()
	}()

	slog.Info("Autoencoder service listening", "address", lis.Addr().String(), "backend", ae.Provider())
	if err := srv.Serve(lis); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}

	if err := ae.Close(); err != nil {
		slog.Warn("Failed to close autoencoder", "error", err)
	}
}

