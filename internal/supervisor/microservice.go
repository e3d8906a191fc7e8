package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/plugin"
	"github.com/hearth-home/hearth/internal/pluginrpc"
	"github.com/hearth-home/hearth/internal/store"
)

// Environment passed to plugin processes.
const (
	EnvPluginSocket = pluginrpc.EnvPluginSocket
	EnvPluginName   = pluginrpc.EnvPluginName
)

// ProcessLauncher starts plugin worker processes. Swappable in tests.
type ProcessLauncher interface {
	Launch(ctx context.Context, binary string, args []string, env []string) (ProcessHandle, error)
}

// ProcessHandle represents a running plugin process.
type ProcessHandle interface {
	Stop(ctx context.Context) error
	PID() int
}

// processRunner hosts a plugin in its own OS process, speaking framed
// JSON-RPC over a unix socket.
type processRunner struct {
	record   store.Plugin
	manifest plugin.Manifest
	host     *hostHandle
	launcher ProcessLauncher
	logger   *log.Logger

	mu      sync.Mutex
	client  *pluginrpc.Client
	handle  ProcessHandle
	sockDir string
}

func newProcessRunner(record store.Plugin, manifest plugin.Manifest, host *hostHandle, launcher ProcessLauncher, logger *log.Logger) *processRunner {
	return &processRunner{
		record:   record,
		manifest: manifest,
		host:     host,
		launcher: launcher,
		logger:   logger,
	}
}

func (r *processRunner) Mode() string {
	return constants.PluginModeMicroservice
}

func (r *processRunner) Load(ctx context.Context) error {
	if r.launcher == nil {
		return fmt.Errorf("supervisor: no process launcher configured")
	}
	if r.manifest.Entrypoint.Command == "" {
		return fmt.Errorf("supervisor: plugin %s has no process entrypoint", r.record.Name)
	}

	sockDir, err := os.MkdirTemp("", "hearth-rpc-*")
	if err != nil {
		return fmt.Errorf("supervisor: create socket directory: %w", err)
	}
	sockPath := filepath.Join(sockDir, "plugin.sock")

	cleanup := func() {
		os.RemoveAll(sockDir)
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		cleanup()
		return fmt.Errorf("supervisor: listen on plugin socket: %w", err)
	}

	binary := r.manifest.Entrypoint.Command
	if !filepath.IsAbs(binary) {
		binary = filepath.Join(r.record.InstallPath, binary)
	}
	env := []string{
		EnvPluginSocket + "=" + sockPath,
		EnvPluginName + "=" + r.record.Name,
	}

	handle, err := r.launcher.Launch(ctx, binary, r.manifest.Entrypoint.Args, env)
	if err != nil {
		listener.Close()
		cleanup()
		return fmt.Errorf("supervisor: launch %s: %w", r.record.Name, err)
	}

	conn, err := pluginrpc.AcceptSingleConn(listener, constants.RPCHandshakeTimeout)
	if err != nil {
		r.stopProcess(handle)
		cleanup()
		return fmt.Errorf("supervisor: plugin %s never connected: %w", r.record.Name, err)
	}

	client := pluginrpc.NewClient(conn, r.onNotify, r.logger)

	handshakeCtx, cancel := context.WithTimeout(ctx, constants.RPCHandshakeTimeout)
	defer cancel()
	if err := client.WaitReady(handshakeCtx); err != nil {
		client.Close()
		r.stopProcess(handle)
		cleanup()
		return fmt.Errorf("supervisor: plugin %s readiness: %w", r.record.Name, err)
	}

	callCtx, cancelCall := context.WithTimeout(ctx, constants.RPCCallTimeout)
	defer cancelCall()
	err = client.Call(callCtx, pluginrpc.MethodLoad, pluginrpc.LoadParams{
		PluginName: r.record.Name,
		Config:     r.record.Config,
	}, nil)
	if err != nil {
		client.Close()
		r.stopProcess(handle)
		cleanup()
		return fmt.Errorf("supervisor: load call to %s: %w", r.record.Name, err)
	}

	r.mu.Lock()
	r.client = client
	r.handle = handle
	r.sockDir = sockDir
	r.mu.Unlock()
	return nil
}

func (r *processRunner) Unload(ctx context.Context) error {
	r.mu.Lock()
	client := r.client
	handle := r.handle
	sockDir := r.sockDir
	r.client = nil
	r.handle = nil
	r.sockDir = ""
	r.mu.Unlock()

	if client == nil {
		return nil
	}

	// Ask the plugin to shut down cleanly before stopping the process.
	callCtx, cancel := context.WithTimeout(ctx, constants.PluginGracefulShutdownTimeout)
	defer cancel()
	if err := client.Call(callCtx, pluginrpc.MethodUnload, nil, nil); err != nil {
		r.logger.Printf("[Supervisor] graceful unload of %s failed: %v", r.record.Name, err)
	}
	client.Close()
	r.stopProcess(handle)
	if sockDir != "" {
		os.RemoveAll(sockDir)
	}
	return nil
}

func (r *processRunner) Ping(ctx context.Context) error {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return fmt.Errorf("supervisor: %s has no live process", r.record.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, constants.RPCCallTimeout)
	defer cancel()
	return client.Call(callCtx, pluginrpc.MethodPing, nil, nil)
}

func (r *processRunner) stopProcess(handle ProcessHandle) {
	if handle == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), constants.PluginGracefulShutdownTimeout)
	defer cancel()
	if err := handle.Stop(stopCtx); err != nil {
		r.logger.Printf("[Supervisor] stop process for %s (pid %d): %v", r.record.Name, handle.PID(), err)
	}
}

// onNotify forwards plugin pushes onto the hub bus and log.
func (r *processRunner) onNotify(method string, params json.RawMessage) {
	switch method {
	case pluginrpc.NotifyEmit:
		var p pluginrpc.EmitParams
		if err := json.Unmarshal(params, &p); err != nil {
			r.logger.Printf("[Supervisor] bad emit from %s: %v", r.record.Name, err)
			return
		}
		var payload any
		if len(p.Payload) > 0 {
			json.Unmarshal(p.Payload, &payload)
		}
		r.host.EmitEvent(eventbus.Topic(p.Topic), payload)
	case pluginrpc.NotifyLog:
		var p pluginrpc.LogParams
		if err := json.Unmarshal(params, &p); err == nil {
			r.host.Logf("%s", p.Message)
		}
	}
}
