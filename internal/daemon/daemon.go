// Package daemon assembles the plugin runtime orchestrator: store, event
// bus, registry, install pipeline, supervisor and device link graph, run as
// ordered runtime services.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/hearth-home/hearth/internal/cache"
	"github.com/hearth-home/hearth/internal/devicegraph"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/installer"
	"github.com/hearth-home/hearth/internal/pipeline"
	"github.com/hearth-home/hearth/internal/registry"
	daemonruntime "github.com/hearth-home/hearth/internal/runtime"
	"github.com/hearth-home/hearth/internal/store"
	"github.com/hearth-home/hearth/internal/supervisor"
	"github.com/hearth-home/hearth/internal/tokens"
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Store *store.Store
	// DataDir holds runtime files: installed plugins, pid file.
	DataDir string
	// Launcher overrides the process launcher, primarily for tests.
	Launcher supervisor.ProcessLauncher
	// TokenServiceURL points at the external credential store. Empty
	// leaves the plugin token surface unconfigured.
	TokenServiceURL string
	Logger          *log.Logger
}

// Daemon is the hub process hosting all orchestrator components.
type Daemon struct {
	store       *store.Store
	bus         *eventbus.Bus
	registry    *registry.Registry
	pipeline    *pipeline.Pipeline
	supervisor  *supervisor.Supervisor
	links       *LinkService
	serviceHost *daemonruntime.ServiceHost
	lifecycle   *daemonruntime.Lifecycle
	logger      *log.Logger
	pidFile     string

	ctx    context.Context
	cancel context.CancelFunc
	errMu  sync.Mutex
	runErr error
}

// New creates a daemon bound to the provided store.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: store is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("daemon: data directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	bus := eventbus.New()
	kv := cache.New()
	graph := devicegraph.New()

	reg := registry.New(opts.Store, kv, bus, registry.WithLogger(logger))

	backend := installer.New(filepath.Join(opts.DataDir, "plugins"), installer.WithLogger(logger))

	supOpts := []supervisor.Option{supervisor.WithLogger(logger)}
	if opts.Launcher != nil {
		supOpts = append(supOpts, supervisor.WithLauncher(opts.Launcher))
	}
	if opts.TokenServiceURL != "" {
		tc, err := tokens.New(opts.TokenServiceURL)
		if err != nil {
			return nil, fmt.Errorf("daemon: token service: %w", err)
		}
		supOpts = append(supOpts, supervisor.WithTokenService(tc))
	}
	sup := supervisor.New(reg, opts.Store, bus, graph, kv, supOpts...)

	pipe := pipeline.New(opts.Store, backend, reg, bus,
		pipeline.WithReloader(sup),
		pipeline.WithLogger(logger))

	links := NewLinkService(graph, opts.Store, bus, logger)

	host := daemonruntime.NewServiceHost()
	if err := host.Register("device_links", func(ctx context.Context) (daemonruntime.Service, error) {
		return links, nil
	}); err != nil {
		return nil, err
	}
	if err := host.Register("install_pipeline", func(ctx context.Context) (daemonruntime.Service, error) {
		return &pipelineService{pipeline: pipe}, nil
	}); err != nil {
		return nil, err
	}
	if err := host.Register("plugins", func(ctx context.Context) (daemonruntime.Service, error) {
		return NewPluginService(sup, reg, logger), nil
	}); err != nil {
		return nil, err
	}

	return &Daemon{
		store:       opts.Store,
		bus:         bus,
		registry:    reg,
		pipeline:    pipe,
		supervisor:  sup,
		links:       links,
		serviceHost: host,
		lifecycle:   daemonruntime.NewLifecycle(),
		logger:      logger,
		pidFile:     filepath.Join(opts.DataDir, "hearthd.pid"),
	}, nil
}

// Registry exposes the plugin registry.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Pipeline exposes the install pipeline.
func (d *Daemon) Pipeline() *pipeline.Pipeline { return d.pipeline }

// Supervisor exposes the runtime mode supervisor.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.supervisor }

// Links exposes the device link coordinator.
func (d *Daemon) Links() *LinkService { return d.links }

// Bus exposes the event bus.
func (d *Daemon) Bus() *eventbus.Bus { return d.bus }

// Start runs the daemon until Shutdown is called. It blocks.
func (d *Daemon) Start() error {
	if err := daemonruntime.WritePIDFile(d.pidFile, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer daemonruntime.RemovePIDFile(d.pidFile)

	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.serviceHost.Start(d.ctx); err != nil {
		d.cancel()
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.watchHostErrors()
	d.logger.Printf("[Daemon] hearth hub running (pid %d)", os.Getpid())

	<-d.lifecycle.Done()

	d.cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	if err := d.serviceHost.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: service shutdown error: %v\n", err)
		d.setRunError(err)
	}
	cancel()

	d.bus.Shutdown()

	if err := d.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: store close error: %v\n", err)
	}

	return d.getRunError()
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() error {
	d.lifecycle.Shutdown()
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for err := range d.serviceHost.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(err)
			fmt.Fprintf(os.Stderr, "%v\n", err)
			d.lifecycle.Shutdown()
		}
	}()
}

func (d *Daemon) setRunError(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}
