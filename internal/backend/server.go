package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServerManager manages backend server processes.
type ServerManager struct {
	servers map[string]*ServerProcess
	mu      sync.RWMutex
}

// ServerProcess represents a running server process.
type ServerProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// ServerConfig defines how to start and health-check a backend server.
type ServerConfig struct {
	Env  map[string]string
	Name string
	// BinPath is the server executable.
	BinPath string
	// Address is the host:port the server listens on.
	Address string
	// HealthService is the service name passed to the gRPC health check; empty checks the whole server.
	HealthService string
	Args          []string
	ReadyTimeout  time.Duration
}

// NewServerManager initializes a ServerManager.
func NewServerManager() *ServerManager {
	return &ServerManager{
		servers: map[string]*ServerProcess{},
	}
}

// StartServer starts a backend server and blocks until it reports SERVING.
func (sm *ServerManager) StartServer(ctx context.Context, cfg ServerConfig) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := serverKey(cfg.Name, cfg.Address)
	if _, exists := sm.servers[key]; exists {
		return nil // Already running
	}

	if info, err := os.Stat(cfg.BinPath); err != nil {
		return fmt.Errorf("manager: failed to start %s server: %w", cfg.Name, err)
	} else if info.IsDir() {
		return fmt.Errorf("manager: failed to start %s server: %s is a directory", cfg.Name, cfg.BinPath)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.BinPath, cfg.Args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("manager: failed to start %s server: %w", cfg.Name, err)
	}

	timeout := cfg.ReadyTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	if err := sm.waitForServer(ctx, cfg.Address, cfg.HealthService, timeout); err != nil {
		(&ServerProcess{cmd: cmd, cancel: cancel}).stop()
		return fmt.Errorf("manager: %s server did not become ready: %w", cfg.Name, err)
	}

	sm.servers[key] = &ServerProcess{
		cmd:    cmd,
		cancel: cancel,
	}

	slog.Info("Server started", "name", cfg.Name, "address", cfg.Address, "pid", cmd.Process.Pid)
	return nil
}

// StopServer terminates a backend server.
func (sm *ServerManager) StopServer(name, address string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := serverKey(name, address)
	srv, exists := sm.servers[key]
	if !exists {
		return fmt.Errorf("server %s not found", key)
	}

	srv.stop()
	delete(sm.servers, key)

	slog.Info("Server stopped", "name", name, "address", address)
	return nil
}

// Running reports whether a server started under name and address is tracked.
func (sm *ServerManager) Running(name, address string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	_, ok := sm.servers[serverKey(name, address)]
	return ok
}

// StopAll terminates all running servers.
func (sm *ServerManager) StopAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, srv := range sm.servers {
		srv.stop()
	}
	sm.servers = map[string]*ServerProcess{}

	slog.Info("All servers stopped")
}

func (sp *ServerProcess) stop() {
	sp.cancel()
	if err := sp.cmd.Process.Kill(); err != nil {
		slog.Debug("Failed to kill server process", "error", err)
	}
	_ = sp.cmd.Wait()
}

// waitForServer polls the gRPC health service until it reports SERVING.
func (sm *ServerManager) waitForServer(ctx context.Context, address, service string, timeout time.Duration) error {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create health client: %w", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		checkCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: service})
		cancel()

		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		time.Sleep(500 * time.Millisecond)
	}

	return fmt.Errorf("manager: server failed to report SERVING at %s within %v", address, timeout)
}

func serverKey(name, address string) string {
	return name + "@" + address
}
