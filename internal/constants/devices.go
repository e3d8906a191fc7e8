package constants

// MaxDeviceLinkDepth bounds every traversal of the device link graph.
const MaxDeviceLinkDepth = 5

// Device link types.
const (
	LinkTypeBridge = "bridge"
	LinkTypeProxy  = "proxy"
	LinkTypeSync   = "sync"
	LinkTypeMirror = "mirror"
)

// AllowedLinkTypes lists link types accepted by the graph.
var AllowedLinkTypes = []string{
	LinkTypeBridge,
	LinkTypeProxy,
	LinkTypeSync,
	LinkTypeMirror,
}

// Device link directions.
const (
	LinkDirectionBidirectional  = "bidirectional"
	LinkDirectionUnidirectional = "unidirectional"
)

// AllowedLinkDirections lists edge directions accepted by the graph.
var AllowedLinkDirections = []string{
	LinkDirectionBidirectional,
	LinkDirectionUnidirectional,
}

// Device actions accepted at the plugin boundary.
const (
	DeviceActionOn      = "on"
	DeviceActionOff     = "off"
	DeviceActionToggle  = "toggle"
	DeviceActionSet     = "set"
	DeviceActionExecute = "execute"
)

// AllowedDeviceActions lists device actions accepted by validation.
var AllowedDeviceActions = []string{
	DeviceActionOn,
	DeviceActionOff,
	DeviceActionToggle,
	DeviceActionSet,
	DeviceActionExecute,
}
