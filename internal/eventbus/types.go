package eventbus

import "time"

// Topic identifies a logical channel on the bus. Topics are hierarchical,
// dot-delimited strings ("kitchen.device.power").
type Topic string

// Standard topics emitted by the orchestrator itself. Plugins may publish
// arbitrary topics of their own.
const (
	TopicPluginInstalled    Topic = "plugin.installed"
	TopicPluginLoaded       Topic = "plugin.loaded"
	TopicPluginUnloaded     Topic = "plugin.unloaded"
	TopicPluginModeSwitched Topic = "plugin.mode.switched"
	TopicPluginHealthFailed Topic = "plugin.health.failed"
	TopicJobStatusChanged   Topic = "job.status.changed"
	TopicDeviceStateChanged Topic = "device.state.changed"
	TopicDeviceLinkAdded    Topic = "device.link.added"
	TopicDeviceLinkRemoved  Topic = "device.link.removed"
)

// Source describes which component produced an event.
type Source string

const (
	SourceRegistry   Source = "registry"
	SourcePipeline   Source = "pipeline"
	SourceSupervisor Source = "supervisor"
	SourceGraph      Source = "device_graph"
	SourcePlugin     Source = "plugin"
	SourceUnknown    Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// PluginHealthEvent reports a health-check verdict for a loaded plugin.
type PluginHealthEvent struct {
	PluginID string
	Mode     string
	Strikes  int
	Err      string
}

// PluginLifecycleEvent notifies consumers about load/unload/switch transitions.
type PluginLifecycleEvent struct {
	PluginID string
	Mode     string
	PrevMode string
}

// JobStatusEvent mirrors install job status transitions onto the bus.
type JobStatusEvent struct {
	JobID      string
	PluginName string
	Status     string
	Reason     string
}

// DeviceStateEvent carries a device state change observed by a plugin.
type DeviceStateEvent struct {
	DeviceID string
	IsOnline bool
	IsOn     bool
	State    map[string]any
}

// DeviceLinkEvent describes a device link mutation.
type DeviceLinkEvent struct {
	FromID    string
	ToID      string
	LinkType  string
	Direction string
}
