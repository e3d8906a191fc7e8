package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dop251/goja"

	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/plugin"
	"github.com/hearth-home/hearth/internal/store"
)

// embeddedRunner executes the plugin's script inside a JavaScript sandbox.
// The script may export onLoad and onUnload functions and gets a host object
// with emit, log and config.
type embeddedRunner struct {
	record   store.Plugin
	manifest plugin.Manifest
	host     *hostHandle

	// goja runtimes are not goroutine safe; every VM touch holds mu.
	mu       sync.Mutex
	vm       *goja.Runtime
	onUnload goja.Callable
}

func newEmbeddedRunner(record store.Plugin, manifest plugin.Manifest, host *hostHandle) *embeddedRunner {
	return &embeddedRunner{record: record, manifest: manifest, host: host}
}

func (r *embeddedRunner) Mode() string {
	return constants.PluginModeEmbedded
}

func (r *embeddedRunner) Load(ctx context.Context) error {
	if r.manifest.Entrypoint.Script == "" {
		return fmt.Errorf("supervisor: plugin %s has no embedded script", r.record.Name)
	}
	scriptPath := filepath.Join(r.record.InstallPath, r.manifest.Entrypoint.Script)
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("supervisor: read script for %s: %w", r.record.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	vm := goja.New()
	stopWatchdog := watchdog(ctx, vm)
	defer stopWatchdog()

	hostObj := vm.NewObject()
	hostObj.Set("emit", func(topic string, payload goja.Value) {
		var exported any
		if payload != nil {
			exported = payload.Export()
		}
		r.host.EmitEvent(eventbus.Topic(topic), exported)
	})
	hostObj.Set("log", func(msg string) {
		r.host.Logf("%s", msg)
	})
	hostObj.Set("config", r.host.Config())
	vm.Set("host", hostObj)

	exports := vm.NewObject()
	vm.Set("module", vm.NewObject())
	vm.Set("exports", exports)

	if _, err := vm.RunString(string(data)); err != nil {
		return fmt.Errorf("supervisor: execute script for %s: %w", r.record.Name, err)
	}

	moduleObj := vm.Get("module")
	if moduleObj != nil {
		if moduleExports := moduleObj.ToObject(vm).Get("exports"); moduleExports != nil {
			if obj := moduleExports.ToObject(vm); obj != nil && len(obj.Keys()) > 0 {
				exports = obj
			}
		}
	}

	if onLoad := exports.Get("onLoad"); onLoad != nil {
		fn, ok := goja.AssertFunction(onLoad)
		if !ok {
			return fmt.Errorf("supervisor: plugin %s: onLoad must be a function", r.record.Name)
		}
		if _, err := fn(goja.Undefined()); err != nil {
			return fmt.Errorf("supervisor: onLoad for %s: %w", r.record.Name, err)
		}
	}
	if onUnload := exports.Get("onUnload"); onUnload != nil {
		if fn, ok := goja.AssertFunction(onUnload); ok {
			r.onUnload = fn
		}
	}

	r.vm = vm
	return nil
}

func (r *embeddedRunner) Unload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.vm == nil {
		return nil
	}
	if r.onUnload != nil {
		stopWatchdog := watchdog(ctx, r.vm)
		_, err := r.onUnload(goja.Undefined())
		stopWatchdog()
		if err != nil {
			r.vm = nil
			r.onUnload = nil
			return fmt.Errorf("supervisor: onUnload for %s: %w", r.record.Name, err)
		}
	}
	r.vm = nil
	r.onUnload = nil
	return nil
}

func (r *embeddedRunner) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vm == nil {
		return fmt.Errorf("supervisor: %s has no live sandbox", r.record.Name)
	}
	return nil
}

// watchdog interrupts the VM when ctx expires. The returned stop func must
// run before the VM is used again.
func watchdog(ctx context.Context, vm *goja.Runtime) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("script deadline exceeded")
		case <-done:
		}
	}()
	return func() {
		close(done)
		vm.ClearInterrupt()
	}
}
