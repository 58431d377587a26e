// Package remote implements backend.Autoencoder over gRPC, and the matching
// server side used by cmd/latentmorph-vae.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ekisa-team/latentmorph/internal/backend"
	"github.com/ekisa-team/latentmorph/internal/backend/wire"
	"github.com/ekisa-team/latentmorph/internal/tensor"
)

// DefaultMaxMessageBytes bounds a single request or response. A 512x512 RGB
// float32 image is 3 MiB.
const DefaultMaxMessageBytes = 64 << 20

// Options configures the remote backend.
type Options struct {
	// Address is the host:port of the autoencoder service.
	Address string

	// Server, when set, is started through Servers before connecting.
	Server  *backend.ServerConfig
	Servers *backend.ServerManager

	MaxMessageBytes int
	DialOptions     []grpc.DialOption
}

// Backend implements backend.Autoencoder, backend.Releaser and backend.DeviceReporter.
type Backend struct {
	opts Options

	mu     sync.Mutex
	conn   *grpc.ClientConn
	loaded bool
}

// NewBackend creates a remote backend. No connection is made until first use.
func NewBackend(opts Options) *Backend {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return &Backend{opts: opts}
}

// Provider implements backend.Autoencoder.
func (b *Backend) Provider() backend.Provider {
	return backend.ProviderRemote
}

// Load implements backend.Autoencoder.
func (b *Backend) Load(ctx context.Context, spec backend.ModelSpec) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}

	req := &wire.LoadRequest{
		Path:      spec.Path,
		Subfolder: spec.Subfolder,
		Device:    spec.Device,
		Precision: string(spec.Precision),
	}
	if err := b.invoke(ctx, conn, methodLoad, req, &wire.Empty{}); err != nil {
		return fmt.Errorf("remote: load: %w", err)
	}

	b.mu.Lock()
	b.loaded = true
	b.mu.Unlock()

	slog.Info("Remote model loaded", "address", b.opts.Address, "path", spec.Path, "precision", spec.Precision)
	return nil
}

// Encode implements backend.Autoencoder.
func (b *Backend) Encode(ctx context.Context, image *tensor.Tensor) (*backend.LatentDist, error) {
	conn, err := b.loadedConn()
	if err != nil {
		return nil, err
	}

	resp := new(wire.LatentMessage)
	if err := b.invoke(ctx, conn, methodEncode, wire.NewTensorMessage(image), resp); err != nil {
		return nil, fmt.Errorf("remote: encode: %w", err)
	}

	mean, err := resp.Mean.Tensor()
	if err != nil {
		return nil, fmt.Errorf("remote: encode: mean: %w", err)
	}

	dist := &backend.LatentDist{Mean: mean}
	if resp.LogVar != nil {
		if dist.LogVar, err = resp.LogVar.Tensor(); err != nil {
			return nil, fmt.Errorf("remote: encode: logvar: %w", err)
		}
	}
	if err := dist.Validate(); err != nil {
		return nil, fmt.Errorf("remote: encode: %w", err)
	}
	return dist, nil
}

// Decode implements backend.Autoencoder.
func (b *Backend) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	conn, err := b.loadedConn()
	if err != nil {
		return nil, err
	}

	resp := new(wire.TensorMessage)
	if err := b.invoke(ctx, conn, methodDecode, wire.NewTensorMessage(latent), resp); err != nil {
		return nil, fmt.Errorf("remote: decode: %w", err)
	}
	return resp.Tensor()
}

// Release implements backend.Releaser.
func (b *Backend) Release(ctx context.Context) error {
	conn, err := b.loadedConn()
	if err != nil {
		return err
	}
	return b.invoke(ctx, conn, methodRelease, &wire.Empty{}, &wire.Empty{})
}

// Devices implements backend.DeviceReporter.
func (b *Backend) Devices(ctx context.Context) ([]backend.DeviceInfo, error) {
	conn, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}

	resp := new(wire.DeviceList)
	if err := b.invoke(ctx, conn, methodDescribe, &wire.Empty{}, resp); err != nil {
		return nil, fmt.Errorf("remote: describe: %w", err)
	}

	devices := make([]backend.DeviceInfo, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		devices = append(devices, d.DeviceInfo())
	}
	return devices, nil
}

// Close implements backend.Autoencoder.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
		b.conn = nil
	}
	b.loaded = false

	if b.opts.Server != nil && b.opts.Servers != nil {
		if err := b.opts.Servers.StopServer(b.opts.Server.Name, b.opts.Server.Address); err != nil {
			slog.Debug("Server was not running", "error", err)
		}
	}

	return errors.Join(errs...)
}

func (b *Backend) connect(ctx context.Context) (*grpc.ClientConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.conn, nil
	}

	if b.opts.Server != nil && b.opts.Servers != nil {
		if err := b.opts.Servers.StartServer(ctx, *b.opts.Server); err != nil {
			return nil, err
		}
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(b.opts.MaxMessageBytes),
			grpc.MaxCallSendMsgSize(b.opts.MaxMessageBytes),
		),
	}, b.opts.DialOptions...)

	conn, err := grpc.NewClient(b.opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to create client for %s: %w", b.opts.Address, err)
	}

	b.conn = conn
	return conn, nil
}

func (b *Backend) loadedConn() (*grpc.ClientConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.loaded || b.conn == nil {
		return nil, backend.ErrNotLoaded
	}
	return b.conn, nil
}

func (b *Backend) invoke(ctx context.Context, conn *grpc.ClientConn, method string, in, out wire.Message) error {
	return fromStatus(conn.Invoke(ctx, method, in, out))
}
