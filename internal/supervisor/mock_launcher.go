package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hearth-home/hearth/internal/pluginrpc"
)

// LaunchRecord captures metadata about a launched mock plugin process.
type LaunchRecord struct {
	Binary     string
	Args       []string
	Env        []string
	PluginName string
	SocketPath string
	LaunchedAt time.Time
}

// MockLauncher implements ProcessLauncher for tests, recording launches
// without spawning processes. With ServePlugin enabled it dials the hub's
// socket and answers the plugin RPC protocol in-memory, so microservice
// loads complete end to end.
type MockLauncher struct {
	mu      sync.Mutex
	records []LaunchRecord
	stops   map[string]int
	err     error
	nextPID int

	serve   bool
	loadErr error
	pingErr error
}

// NewMockLauncher constructs a launcher stub.
func NewMockLauncher() *MockLauncher {
	return &MockLauncher{
		nextPID: 1000,
		stops:   make(map[string]int),
	}
}

// ServePlugin makes subsequent launches answer the plugin protocol over the
// socket advertised in the environment.
func (m *MockLauncher) ServePlugin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serve = true
}

// SetError forces subsequent Launch calls to fail with the provided error.
func (m *MockLauncher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetLoadError makes the in-memory plugin reject the load call.
func (m *MockLauncher) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetPingError makes the in-memory plugin fail health pings.
func (m *MockLauncher) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Launch records plugin metadata and returns a controllable handle.
func (m *MockLauncher) Launch(ctx context.Context, binary string, args []string, env []string) (ProcessHandle, error) {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}

	record := LaunchRecord{
		Binary:     binary,
		Args:       append([]string(nil), args...),
		Env:        append([]string(nil), env...),
		PluginName: envValue(env, EnvPluginName),
		SocketPath: envValue(env, EnvPluginSocket),
		LaunchedAt: time.Now().UTC(),
	}
	m.records = append(m.records, record)

	handle := &mockHandle{
		parent: m,
		name:   record.PluginName,
		pid:    m.nextPID,
	}
	m.nextPID++
	serve := m.serve
	m.mu.Unlock()

	if serve {
		if err := m.servePlugin(record.SocketPath, handle); err != nil {
			return nil, err
		}
	}
	return handle, nil
}

// servePlugin dials the hub and runs a minimal plugin over the protocol.
func (m *MockLauncher) servePlugin(socketPath string, handle *mockHandle) error {
	if socketPath == "" {
		return errors.New("supervisor: mock launch missing socket path")
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return err
	}

	srv := pluginrpc.NewServer(conn, func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		m.mu.Lock()
		loadErr, pingErr := m.loadErr, m.pingErr
		m.mu.Unlock()
		switch method {
		case pluginrpc.MethodLoad:
			return nil, loadErr
		case pluginrpc.MethodPing:
			return nil, pingErr
		case pluginrpc.MethodUnload:
			return nil, nil
		default:
			return nil, errors.New("unknown method")
		}
	})
	if err := srv.AnnounceReady(); err != nil {
		srv.Close()
		return err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	handle.stopServe = func() {
		cancel()
		srv.Close()
	}
	go srv.Serve(serveCtx)
	return nil
}

// Records returns a copy of launch records for assertions.
func (m *MockLauncher) Records() []LaunchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LaunchRecord, len(m.records))
	copy(out, m.records)
	return out
}

// StopCount returns how many times Stop was invoked for the plugin.
func (m *MockLauncher) StopCount(pluginName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops[pluginName]
}

// Reset clears recorded launches and stop counters.
func (m *MockLauncher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	m.stops = make(map[string]int)
}

type mockHandle struct {
	parent    *MockLauncher
	name      string
	pid       int
	stopServe func()
}

func (h *mockHandle) Stop(context.Context) error {
	if h.stopServe != nil {
		h.stopServe()
	}
	if h.name != "" {
		h.parent.mu.Lock()
		h.parent.stops[h.name]++
		h.parent.mu.Unlock()
	}
	return nil
}

func (h *mockHandle) PID() int {
	return h.pid
}

func envValue(env []string, key string) string {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return strings.TrimPrefix(entry, prefix)
		}
	}
	return ""
}
