package constants

// Plugin runtime modes describe the execution topology of a loaded plugin.
const (
	PluginModeInProcess    = "in_process"
	PluginModeMicroservice = "microservice"
	PluginModeHybrid       = "hybrid"
	PluginModeEmbedded     = "embedded"
)

// AllowedPluginModes lists runtime modes accepted by validation.
var AllowedPluginModes = []string{
	PluginModeInProcess,
	PluginModeMicroservice,
	PluginModeHybrid,
	PluginModeEmbedded,
}

// Plugin install sources.
const (
	InstallTypeURL   = "url"
	InstallTypeGit   = "source-control"
	InstallTypeLocal = "local"
)

// AllowedInstallTypes lists install sources accepted by the pipeline.
var AllowedInstallTypes = []string{
	InstallTypeURL,
	InstallTypeGit,
	InstallTypeLocal,
}

// Install job statuses, ordered. A job never moves backwards along this order.
const (
	JobStatusPending = "pending"
	JobStatusSent    = "sent"
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// AllowedJobStatuses lists install job statuses in transition order.
var AllowedJobStatuses = []string{
	JobStatusPending,
	JobStatusSent,
	JobStatusRunning,
	JobStatusSuccess,
	JobStatusFailed,
}

// JobStatusRank maps a status to its position in the transition order.
// Terminal statuses share the highest rank.
func JobStatusRank(status string) int {
	switch status {
	case JobStatusPending:
		return 0
	case JobStatusSent:
		return 1
	case JobStatusRunning:
		return 2
	case JobStatusSuccess, JobStatusFailed:
		return 3
	default:
		return -1
	}
}

// JobStatusTerminal reports whether a job status is final.
func JobStatusTerminal(status string) bool {
	return status == JobStatusSuccess || status == JobStatusFailed
}

const (
	// EventBusDebounce is the per-topic coalescing window for bus deliveries.
	EventBusDebounce = Duration100Milliseconds
	// EventBusBatchSize caps coalesced events flushed per delivery cycle.
	EventBusBatchSize = 10
	// EventBusMaxLogSize bounds the in-memory diagnostics event log.
	EventBusMaxLogSize = 1000
)

const (
	// PluginInstallerTempFilePattern is the filename template used for plugin
	// archive downloads in the system temp directory.
	PluginInstallerTempFilePattern = "hearth-plugin-*.download"
)
