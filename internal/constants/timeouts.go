package constants

import "time"

// Shared duration vocabulary used by timeouts, polling and retry checks.
// Keep these centralized to simplify system-wide timing tuning.
const (
	Duration5Milliseconds   = 5 * time.Millisecond
	Duration10Milliseconds  = 10 * time.Millisecond
	Duration25Milliseconds  = 25 * time.Millisecond
	Duration50Milliseconds  = 50 * time.Millisecond
	Duration100Milliseconds = 100 * time.Millisecond
	Duration250Milliseconds = 250 * time.Millisecond
	Duration500Milliseconds = 500 * time.Millisecond

	Duration1Second   = 1 * time.Second
	Duration2Seconds  = 2 * time.Second
	Duration5Seconds  = 5 * time.Second
	Duration10Seconds = 10 * time.Second
	Duration15Seconds = 15 * time.Second
	Duration30Seconds = 30 * time.Second
	Duration60Seconds = 60 * time.Second

	Duration5Minutes = 5 * time.Minute
)

// Domain-level timeout constants.
const (
	// PluginInstallTimeout bounds a whole install job from enqueue to terminal state.
	PluginInstallTimeout = Duration5Minutes
	// PluginLoadTimeout bounds a single load attempt in any runtime mode.
	PluginLoadTimeout = Duration60Seconds

	// PluginHealthInterval is the fixed health-check cadence per loaded plugin.
	PluginHealthInterval = Duration10Seconds
	// PluginHealthStrikes is the consecutive-failure count that marks an
	// instance errored.
	PluginHealthStrikes = 3

	// PluginGracefulShutdownTimeout is the grace period before a microservice
	// plugin process is killed forcibly.
	PluginGracefulShutdownTimeout = Duration15Seconds

	// RPCHandshakeTimeout bounds the readiness handshake with a plugin-host.
	RPCHandshakeTimeout = Duration10Seconds
	// RPCCallTimeout is the default deadline for one RPC round trip.
	RPCCallTimeout = Duration30Seconds

	// TokenServiceTimeout bounds one request to the token-issuing service.
	TokenServiceTimeout = Duration10Seconds
)

// Cache TTLs for the key-value collaborator.
const (
	CacheDevicesTTL = Duration30Seconds
	CachePluginsTTL = Duration60Seconds
	CacheDefaultTTL = Duration5Minutes
)
