package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/plugin"
)

// inProcessRunner runs a builtin plugin instance inside the hub process.
// A fresh instance is constructed on every load.
type inProcessRunner struct {
	pluginName string
	host       *hostHandle

	mu       sync.Mutex
	instance plugin.Plugin
}

func newInProcessRunner(pluginName string, host *hostHandle) *inProcessRunner {
	return &inProcessRunner{pluginName: pluginName, host: host}
}

func (r *inProcessRunner) Mode() string {
	return constants.PluginModeInProcess
}

func (r *inProcessRunner) Load(ctx context.Context) error {
	factory, ok := plugin.LookupFactory(r.pluginName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoFactory, r.pluginName)
	}

	instance := factory()
	if instance == nil {
		return fmt.Errorf("supervisor: factory for %s produced no instance", r.pluginName)
	}
	if err := instance.OnLoad(ctx, r.host); err != nil {
		return fmt.Errorf("supervisor: load %s: %w", r.pluginName, err)
	}

	r.mu.Lock()
	r.instance = instance
	r.mu.Unlock()
	return nil
}

func (r *inProcessRunner) Unload(ctx context.Context) error {
	r.mu.Lock()
	instance := r.instance
	r.instance = nil
	r.mu.Unlock()

	if instance == nil {
		return nil
	}
	if err := instance.OnUnload(ctx); err != nil {
		return fmt.Errorf("supervisor: unload %s: %w", r.pluginName, err)
	}
	return nil
}

func (r *inProcessRunner) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instance == nil {
		return fmt.Errorf("supervisor: %s has no live instance", r.pluginName)
	}
	return nil
}
