// Package plugin defines the contract plugins implement, the host API the
// runtime exposes to them, and the manifest format describing a plugin's
// capabilities.
package plugin

import (
	"context"

	"github.com/hearth-home/hearth/internal/devicegraph"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/store"
)

// Plugin is implemented by every runnable plugin. OnLoad is called once when
// the plugin enters a runtime and receives the host handle; OnUnload is
// called exactly once before the runtime discards the instance. Both honour
// ctx deadlines.
type Plugin interface {
	OnLoad(ctx context.Context, host Host) error
	OnUnload(ctx context.Context) error
}

// Host is the capability surface handed to a plugin at load time. Handles
// are revoked when the plugin unloads; calls after that return ErrHostClosed.
type Host interface {
	// EmitEvent publishes on the hub event bus with the plugin as source.
	EmitEvent(topic eventbus.Topic, payload any) error

	// SubscribeEvent registers a batch handler for topics matching the
	// pattern. The returned cancel func removes the subscription; the
	// runtime also removes it automatically on unload.
	SubscribeEvent(pattern eventbus.Pattern, handler eventbus.Handler) (func(), error)

	// BindDevices claims ownership of devices matching the selector.
	// Bindings do not survive unload and must be re-established in OnLoad.
	BindDevices(selector string) error

	// Devices returns the current devices matching the selector.
	Devices(selector string) ([]store.Device, error)

	// RelatedDevices walks the device link graph from the given device.
	RelatedDevices(deviceID string) ([]devicegraph.Related, error)

	// SetDeviceState updates a device's state and emits the change event.
	SetDeviceState(deviceID string, online, powered bool) error

	// StoreToken saves a credential for an external service under the
	// plugin's namespace at the hub's token service.
	StoreToken(service, token string) error

	// GetToken retrieves a credential stored earlier with StoreToken.
	GetToken(service string) (string, error)

	// DeleteToken removes a stored credential.
	DeleteToken(service string) error

	// Config returns the plugin's current configuration document.
	Config() map[string]any

	// Logf writes to the hub log, prefixed with the plugin's name.
	Logf(format string, args ...any)
}
