// Package pluginhost runs a registered plugin factory inside a standalone
// process, serving the hub's RPC channel. The hub launches one plugin-host
// per microservice-mode plugin instance and drives it through plugin.load,
// plugin.ping and plugin.unload.
package pluginhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/hearth-home/hearth/internal/devicegraph"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/plugin"
	"github.com/hearth-home/hearth/internal/pluginrpc"
	"github.com/hearth-home/hearth/internal/store"
)

// ErrRemoteUnsupported marks host capabilities that do not cross the
// process boundary. Plugins needing them run in in_process or hybrid mode.
var ErrRemoteUnsupported = errors.New("pluginhost: capability not available over the plugin channel")

// Host serves one plugin over an established connection.
type Host struct {
	pluginName string
	logger     *log.Logger

	mu       sync.Mutex
	server   *pluginrpc.Server
	instance plugin.Plugin
	config   map[string]any
}

// New prepares a host for the named plugin.
func New(pluginName string, logger *log.Logger) *Host {
	if logger == nil {
		logger = log.Default()
	}
	return &Host{pluginName: pluginName, logger: logger}
}

// Run connects to the hub socket, announces readiness and serves calls
// until ctx is cancelled or the hub closes the connection.
func (h *Host) Run(ctx context.Context, socketPath string) error {
	if socketPath == "" {
		return errors.New("pluginhost: socket path is required")
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("pluginhost: connect to hub: %w", err)
	}

	srv := pluginrpc.NewServer(conn, h.handle)
	h.mu.Lock()
	h.server = srv
	h.mu.Unlock()

	if err := srv.AnnounceReady(); err != nil {
		srv.Close()
		return fmt.Errorf("pluginhost: announce ready: %w", err)
	}

	err = srv.Serve(ctx)

	// The hub went away: give the instance its unload call.
	h.mu.Lock()
	instance := h.instance
	h.instance = nil
	h.mu.Unlock()
	if instance != nil {
		if uErr := instance.OnUnload(context.Background()); uErr != nil {
			h.logger.Printf("[PluginHost] unload on disconnect: %v", uErr)
		}
	}
	return err
}

func (h *Host) handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case pluginrpc.MethodLoad:
		return nil, h.load(ctx, params)
	case pluginrpc.MethodUnload:
		return nil, h.unload(ctx)
	case pluginrpc.MethodPing:
		return nil, h.ping()
	default:
		return nil, fmt.Errorf("pluginhost: unknown method %q", method)
	}
}

func (h *Host) load(ctx context.Context, params json.RawMessage) error {
	var lp pluginrpc.LoadParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &lp); err != nil {
			return fmt.Errorf("pluginhost: decode load params: %w", err)
		}
	}

	factory, ok := plugin.LookupFactory(h.pluginName)
	if !ok {
		return fmt.Errorf("pluginhost: no factory registered for %q", h.pluginName)
	}

	h.mu.Lock()
	if h.instance != nil {
		h.mu.Unlock()
		return errors.New("pluginhost: plugin already loaded")
	}
	instance := factory()
	h.instance = instance
	h.config = lp.Config
	srv := h.server
	h.mu.Unlock()

	host := &remoteHost{pluginName: h.pluginName, server: srv, config: lp.Config, logger: h.logger}
	if err := instance.OnLoad(ctx, host); err != nil {
		h.mu.Lock()
		h.instance = nil
		h.mu.Unlock()
		return err
	}
	h.logger.Printf("[PluginHost] %s loaded", h.pluginName)
	return nil
}

func (h *Host) unload(ctx context.Context) error {
	h.mu.Lock()
	instance := h.instance
	h.instance = nil
	h.mu.Unlock()
	if instance == nil {
		return nil
	}
	return instance.OnUnload(ctx)
}

func (h *Host) ping() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.instance == nil {
		return errors.New("pluginhost: no plugin loaded")
	}
	return nil
}

// remoteHost is the restricted plugin.Host surface available across the
// process boundary: events and logs flow to the hub as notifications,
// device and subscription capabilities stay hub-side.
type remoteHost struct {
	pluginName string
	server     *pluginrpc.Server
	config     map[string]any
	logger     *log.Logger
}

func (r *remoteHost) EmitEvent(topic eventbus.Topic, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pluginhost: encode event payload: %w", err)
	}
	return r.server.Notify(pluginrpc.NotifyEmit, pluginrpc.EmitParams{
		Topic:   string(topic),
		Payload: raw,
	})
}

func (r *remoteHost) SubscribeEvent(pattern eventbus.Pattern, handler eventbus.Handler) (func(), error) {
	return nil, ErrRemoteUnsupported
}

func (r *remoteHost) BindDevices(selector string) error {
	return ErrRemoteUnsupported
}

func (r *remoteHost) Devices(selector string) ([]store.Device, error) {
	return nil, ErrRemoteUnsupported
}

func (r *remoteHost) RelatedDevices(deviceID string) ([]devicegraph.Related, error) {
	return nil, ErrRemoteUnsupported
}

func (r *remoteHost) SetDeviceState(deviceID string, online, powered bool) error {
	return ErrRemoteUnsupported
}

func (r *remoteHost) StoreToken(service, token string) error {
	return ErrRemoteUnsupported
}

func (r *remoteHost) GetToken(service string) (string, error) {
	return "", ErrRemoteUnsupported
}

func (r *remoteHost) DeleteToken(service string) error {
	return ErrRemoteUnsupported
}

func (r *remoteHost) Config() map[string]any {
	out := make(map[string]any, len(r.config))
	for k, v := range r.config {
		out[k] = v
	}
	return out
}

func (r *remoteHost) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := r.server.Notify(pluginrpc.NotifyLog, pluginrpc.LogParams{Message: msg}); err != nil {
		r.logger.Printf("[Plugin %s] %s", r.pluginName, msg)
	}
}
