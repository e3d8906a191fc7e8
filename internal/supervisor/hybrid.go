package supervisor

import (
	"context"
	"fmt"
	"log"

	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/plugin"
	"github.com/hearth-home/hearth/internal/store"
)

// hybridRunner pairs an in-process control plane with an out-of-process
// worker. The worker starts first so the control plane can reach it from
// OnLoad; teardown runs in reverse order.
type hybridRunner struct {
	record  store.Plugin
	control *inProcessRunner
	worker  *processRunner
	logger  *log.Logger
}

func newHybridRunner(record store.Plugin, manifest plugin.Manifest, host *hostHandle, launcher ProcessLauncher, logger *log.Logger) (*hybridRunner, error) {
	if _, ok := plugin.LookupFactory(record.Name); !ok {
		return nil, fmt.Errorf("%w: hybrid mode needs a builtin control plane for %s", ErrNoFactory, record.Name)
	}
	return &hybridRunner{
		record:  record,
		control: newInProcessRunner(record.Name, host),
		worker:  newProcessRunner(record, manifest, host, launcher, logger),
		logger:  logger,
	}, nil
}

func (r *hybridRunner) Mode() string {
	return constants.PluginModeHybrid
}

func (r *hybridRunner) Load(ctx context.Context) error {
	if err := r.worker.Load(ctx); err != nil {
		return err
	}
	if err := r.control.Load(ctx); err != nil {
		if unloadErr := r.worker.Unload(ctx); unloadErr != nil {
			r.logger.Printf("[Supervisor] worker teardown after failed hybrid load of %s: %v", r.record.Name, unloadErr)
		}
		return err
	}
	return nil
}

func (r *hybridRunner) Unload(ctx context.Context) error {
	controlErr := r.control.Unload(ctx)
	workerErr := r.worker.Unload(ctx)
	if controlErr != nil {
		return controlErr
	}
	return workerErr
}

func (r *hybridRunner) Ping(ctx context.Context) error {
	if err := r.control.Ping(ctx); err != nil {
		return err
	}
	return r.worker.Ping(ctx)
}
