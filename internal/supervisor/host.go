package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/hearth-home/hearth/internal/cache"
	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/device"
	"github.com/hearth-home/hearth/internal/devicegraph"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/store"
	"github.com/hearth-home/hearth/internal/tokens"
)

// ErrHostClosed indicates a plugin used its host handle after unload.
var ErrHostClosed = errors.New("supervisor: host handle revoked")

// ErrDeviceNotOwned indicates a plugin tried to mutate a device whose
// owning binding belongs to another plugin, or which no binding matches.
var ErrDeviceNotOwned = errors.New("supervisor: device not owned by plugin")

// ErrNoTokenService indicates a token operation on a hub that runs
// without a token service configured.
var ErrNoTokenService = errors.New("supervisor: no token service configured")

// hostHandle is the per-instance implementation of plugin.Host. It tracks
// every subscription and binding the plugin creates so all of them can be
// withdrawn at unload.
type hostHandle struct {
	pluginName string
	config     map[string]any

	bus    *eventbus.Bus
	store  *store.Store
	graph  *devicegraph.Graph
	cache  cache.Cache
	tokens *tokens.Client
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	subs   []*eventbus.Subscription
}

func newHostHandle(pluginName string, config map[string]any, deps hostDeps) *hostHandle {
	return &hostHandle{
		pluginName: pluginName,
		config:     config,
		bus:        deps.bus,
		store:      deps.store,
		graph:      deps.graph,
		cache:      deps.cache,
		tokens:     deps.tokens,
		logger:     deps.logger,
	}
}

type hostDeps struct {
	bus    *eventbus.Bus
	store  *store.Store
	graph  *devicegraph.Graph
	cache  cache.Cache
	tokens *tokens.Client
	logger *log.Logger
}

func (h *hostHandle) guard() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}
	return nil
}

func (h *hostHandle) EmitEvent(topic eventbus.Topic, payload any) error {
	if err := h.guard(); err != nil {
		return err
	}
	return h.bus.Emit(topic, eventbus.SourcePlugin, payload)
}

func (h *hostHandle) SubscribeEvent(pattern eventbus.Pattern, handler eventbus.Handler) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHostClosed
	}
	sub, err := h.bus.Subscribe(pattern, handler)
	if err != nil {
		return nil, err
	}
	h.subs = append(h.subs, sub)
	return func() { h.bus.Unsubscribe(sub.ID()) }, nil
}

func (h *hostHandle) BindDevices(selector string) error {
	if err := h.guard(); err != nil {
		return err
	}
	if _, err := device.ParseSelector(selector); err != nil {
		return err
	}
	err := h.store.InsertBinding(context.Background(), store.Binding{
		ID:         uuid.NewString(),
		PluginName: h.pluginName,
		Selector:   selector,
	})
	if err != nil {
		return err
	}
	h.cache.Delete(cache.KeyBindings)
	return nil
}

func (h *hostHandle) Devices(selector string) ([]store.Device, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}
	sel, err := device.ParseSelector(selector)
	if err != nil {
		return nil, err
	}

	var devices []store.Device
	if cached, ok := h.cache.Get(cache.KeyDevices); ok {
		devices, _ = cached.([]store.Device)
	}
	if devices == nil {
		devices, err = h.store.ListDevices(context.Background())
		if err != nil {
			return nil, err
		}
		h.cache.Set(cache.KeyDevices, devices, constants.CacheDevicesTTL)
	}
	return device.MatchDevices(sel, devices), nil
}

func (h *hostHandle) RelatedDevices(deviceID string) ([]devicegraph.Related, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}
	return h.graph.RelatedDevices(deviceID), nil
}

func (h *hostHandle) SetDeviceState(deviceID string, online, powered bool) error {
	if err := h.guard(); err != nil {
		return err
	}
	d, err := h.store.GetDevice(context.Background(), deviceID)
	if err != nil {
		return err
	}
	bindings, err := h.bindings()
	if err != nil {
		return err
	}
	// Ownership is resolved at mutation time: oldest matching binding wins.
	if owner, ok := device.ResolveOwner(bindings, d); !ok || owner != h.pluginName {
		return fmt.Errorf("%w: %s", ErrDeviceNotOwned, deviceID)
	}
	if err := h.store.SetDeviceState(context.Background(), deviceID, online, powered); err != nil {
		return err
	}
	h.cache.Delete(cache.KeyDevices)
	return h.bus.Emit(eventbus.TopicDeviceStateChanged, eventbus.SourcePlugin, eventbus.DeviceStateEvent{
		DeviceID: deviceID,
		IsOnline: online,
		IsOn:     powered,
	})
}

// bindings lists every binding in the system, oldest first, served from the
// shared cache between mutations.
func (h *hostHandle) bindings() ([]store.Binding, error) {
	if cached, ok := h.cache.Get(cache.KeyBindings); ok {
		if b, ok := cached.([]store.Binding); ok {
			return b, nil
		}
	}
	b, err := h.store.ListBindings(context.Background())
	if err != nil {
		return nil, err
	}
	h.cache.Set(cache.KeyBindings, b, constants.CacheDefaultTTL)
	return b, nil
}

// StoreToken saves a credential with the token service. Keys are
// namespaced per plugin so plugins cannot read each other's secrets.
func (h *hostHandle) StoreToken(service, token string) error {
	if err := h.guard(); err != nil {
		return err
	}
	if h.tokens == nil {
		return ErrNoTokenService
	}
	return h.tokens.StoreToken(context.Background(), h.tokenKey(service), token)
}

func (h *hostHandle) GetToken(service string) (string, error) {
	if err := h.guard(); err != nil {
		return "", err
	}
	if h.tokens == nil {
		return "", ErrNoTokenService
	}
	return h.tokens.GetToken(context.Background(), h.tokenKey(service))
}

func (h *hostHandle) DeleteToken(service string) error {
	if err := h.guard(); err != nil {
		return err
	}
	if h.tokens == nil {
		return ErrNoTokenService
	}
	return h.tokens.DeleteToken(context.Background(), h.tokenKey(service))
}

func (h *hostHandle) tokenKey(service string) string {
	return h.pluginName + "." + service
}

func (h *hostHandle) Config() map[string]any {
	out := make(map[string]any, len(h.config))
	for k, v := range h.config {
		out[k] = v
	}
	return out
}

func (h *hostHandle) Logf(format string, args ...any) {
	h.logger.Printf("[Plugin %s] %s", h.pluginName, fmt.Sprintf(format, args...))
}

// close revokes the handle: subscriptions are removed and the plugin's
// bindings are released.
func (h *hostHandle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	for _, sub := range subs {
		h.bus.Unsubscribe(sub.ID())
	}
	if err := h.store.DeleteBindingsForPlugin(context.Background(), h.pluginName); err != nil {
		h.logger.Printf("[Supervisor] release bindings for %s: %v", h.pluginName, err)
	}
	h.cache.Delete(cache.KeyBindings)
}
