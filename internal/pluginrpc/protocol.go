package pluginrpc

import "encoding/json"

// Environment variables the hub sets on plugin processes so a plugin-host
// can find its way back.
const (
	EnvPluginSocket = "HEARTH_PLUGIN_SOCKET"
	EnvPluginName   = "HEARTH_PLUGIN_NAME"
)

// Methods the hub invokes on the plugin process.
const (
	MethodLoad   = "plugin.load"
	MethodUnload = "plugin.unload"
	MethodPing   = "plugin.ping"
)

// Notifications the plugin process sends to the hub.
const (
	NotifyReady = "plugin.ready"
	NotifyEmit  = "host.emit"
	NotifyLog   = "host.log"
)

// Message is the single wire shape. A non-empty Method with an ID is a
// request; without an ID it is a notification. A message with neither
// Method nor Error carries a call result.
type Message struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a call failure reported by the remote side.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// LoadParams accompany MethodLoad.
type LoadParams struct {
	PluginName string         `json:"pluginName"`
	Config     map[string]any `json:"config,omitempty"`
}

// EmitParams accompany NotifyEmit: an event the plugin publishes through
// the hub bus.
type EmitParams struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LogParams accompany NotifyLog.
type LogParams struct {
	Message string `json:"message"`
}
