package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/plugin"
	"github.com/hearth-home/hearth/internal/store"
)

// ErrNoFactory indicates the runtime mode needs an in-process factory but
// none is registered for the plugin.
var ErrNoFactory = errors.New("supervisor: no builtin factory registered")

// runner hosts one plugin instance in a particular runtime mode.
type runner interface {
	Mode() string
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	Ping(ctx context.Context) error
}

func (s *Supervisor) runnerFor(mode string, record store.Plugin, manifest plugin.Manifest, host *hostHandle) (runner, error) {
	switch mode {
	case constants.PluginModeInProcess:
		return newInProcessRunner(record.Name, host), nil
	case constants.PluginModeMicroservice:
		return newProcessRunner(record, manifest, host, s.launcher, s.logger), nil
	case constants.PluginModeEmbedded:
		return newEmbeddedRunner(record, manifest, host), nil
	case constants.PluginModeHybrid:
		return newHybridRunner(record, manifest, host, s.launcher, s.logger)
	default:
		return nil, fmt.Errorf("supervisor: unknown runtime mode %q", mode)
	}
}
