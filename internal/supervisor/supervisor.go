// Package supervisor owns the runtime lifecycle of plugins: loading them
// into one of the four runtime modes, switching modes live, health-checking
// loaded instances and tearing everything down again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hearth-home/hearth/internal/cache"
	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/devicegraph"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/registry"
	"github.com/hearth-home/hearth/internal/store"
	"github.com/hearth-home/hearth/internal/tokens"
)

var (
	// ErrAlreadyLoaded indicates the plugin is loaded or loading.
	ErrAlreadyLoaded = errors.New("supervisor: plugin already loaded")
	// ErrNotLoaded indicates the plugin has no live instance.
	ErrNotLoaded = errors.New("supervisor: plugin not loaded")
	// ErrPluginDisabled indicates a load attempt on a disabled plugin.
	ErrPluginDisabled = errors.New("supervisor: plugin disabled")
	// ErrUnsupportedMode indicates a mode the plugin does not declare, or a
	// live switch on a plugin without switch support.
	ErrUnsupportedMode = errors.New("supervisor: unsupported runtime mode")
	// ErrSwitchFailed indicates a mode switch that could not complete. The
	// plugin is rolled back to its previous mode when possible.
	ErrSwitchFailed = errors.New("supervisor: mode switch failed")
)

// State describes a plugin instance's position in the lifecycle.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateUnloading State = "unloading"
	StateErrored   State = "errored"
)

type instance struct {
	pluginID string
	name     string
	mode     string
	state    State
	runner   runner
	host     *hostHandle

	healthCancel context.CancelFunc
	healthDone   chan struct{}

	// Set while the load is in flight so an unload can cancel it.
	loadCancel context.CancelFunc
	loadDone   chan struct{}
}

// Supervisor manages plugin instances.
type Supervisor struct {
	registry *registry.Registry
	store    *store.Store
	bus      *eventbus.Bus
	graph    *devicegraph.Graph
	cache    cache.Cache
	tokens   *tokens.Client
	launcher ProcessLauncher
	logger   *log.Logger

	loadTimeout    time.Duration
	healthInterval time.Duration
	healthStrikes  int

	mu        sync.Mutex
	instances map[string]*instance
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLauncher sets the process launcher used by microservice and hybrid
// runners.
func WithLauncher(l ProcessLauncher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLoadTimeout overrides the per-load deadline.
func WithLoadTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.loadTimeout = d
		}
	}
}

// WithTokenService gives plugin hosts access to the external token
// service. Without it the token operations return ErrNoTokenService.
func WithTokenService(tc *tokens.Client) Option {
	return func(s *Supervisor) { s.tokens = tc }
}

// WithHealthPolicy overrides the health check cadence and strike budget.
func WithHealthPolicy(interval time.Duration, strikes int) Option {
	return func(s *Supervisor) {
		if interval > 0 {
			s.healthInterval = interval
		}
		if strikes > 0 {
			s.healthStrikes = strikes
		}
	}
}

// New builds a Supervisor.
func New(reg *registry.Registry, st *store.Store, bus *eventbus.Bus, graph *devicegraph.Graph, c cache.Cache, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry:       reg,
		store:          st,
		bus:            bus,
		graph:          graph,
		cache:          c,
		logger:         log.Default(),
		loadTimeout:    constants.PluginLoadTimeout,
		healthInterval: constants.PluginHealthInterval,
		healthStrikes:  constants.PluginHealthStrikes,
		launcher:       execLauncher{},
		instances:      make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports a plugin instance's current state.
func (s *Supervisor) State(pluginID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[pluginID]; ok {
		return inst.state
	}
	return StateUnloaded
}

// LoadPlugin loads an enabled plugin in its configured runtime mode. An
// in-flight load can be aborted by UnloadPlugin, which cancels the load
// context and waits for it to settle.
func (s *Supervisor) LoadPlugin(ctx context.Context, pluginID string) error {
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	s.mu.Lock()
	if inst, ok := s.instances[pluginID]; ok && inst.state != StateErrored {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, pluginID)
	}
	// Placeholder blocks concurrent loads of the same plugin.
	s.instances[pluginID] = &instance{pluginID: pluginID, state: StateLoading, loadCancel: cancel, loadDone: done}
	s.mu.Unlock()

	record, err := s.registry.Get(loadCtx, pluginID)
	if err != nil {
		s.dropInstance(pluginID)
		return err
	}
	if !record.Enabled {
		s.dropInstance(pluginID)
		return fmt.Errorf("%w: %s", ErrPluginDisabled, record.Name)
	}

	inst, err := s.load(loadCtx, record, record.RuntimeMode)
	if err != nil {
		s.mu.Lock()
		s.instances[pluginID] = &instance{pluginID: pluginID, name: record.Name, mode: record.RuntimeMode, state: StateErrored}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.instances[pluginID] = inst
	s.mu.Unlock()

	s.finishLoad(ctx, inst, "")
	return nil
}

// UnloadPlugin tears down a plugin instance. A load still in flight is
// cancelled and waited for before the teardown decision. Bindings and
// subscriptions the plugin held are released.
func (s *Supervisor) UnloadPlugin(ctx context.Context, pluginID string) error {
	var inst *instance
	cancelled := false
	for inst == nil {
		s.mu.Lock()
		cur, ok := s.instances[pluginID]
		if !ok {
			s.mu.Unlock()
			if cancelled {
				// The load we aborted never produced an instance.
				return nil
			}
			return fmt.Errorf("%w: %s", ErrNotLoaded, pluginID)
		}
		switch {
		case cur.state == StateErrored && cur.runner == nil:
			delete(s.instances, pluginID)
			s.mu.Unlock()
			return nil
		case cur.state == StateLoading:
			cancel, done := cur.loadCancel, cur.loadDone
			s.mu.Unlock()
			if cancel == nil || done == nil {
				return fmt.Errorf("%w: %s is %s", ErrNotLoaded, pluginID, StateLoading)
			}
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			cancelled = true
		case cur.state != StateLoaded && cur.state != StateErrored:
			s.mu.Unlock()
			return fmt.Errorf("%w: %s is %s", ErrNotLoaded, pluginID, cur.state)
		default:
			cur.state = StateUnloading
			inst = cur
			s.mu.Unlock()
		}
	}

	s.unload(ctx, inst)

	s.mu.Lock()
	delete(s.instances, pluginID)
	s.mu.Unlock()

	if err := s.registry.SetLoaded(ctx, pluginID, false); err != nil && !store.IsNotFound(err) {
		s.logger.Printf("[Supervisor] persist unload of %s: %v", inst.name, err)
	}
	s.bus.Emit(eventbus.TopicPluginUnloaded, eventbus.SourceSupervisor, eventbus.PluginLifecycleEvent{
		PluginID: pluginID,
		Mode:     inst.mode,
	})
	s.logger.Printf("[Supervisor] unloaded %s (%s)", inst.name, inst.mode)
	return nil
}

// SwitchMode moves a loaded plugin to another runtime mode. The old
// instance is unloaded first; if the new mode fails to load the plugin is
// rolled back to its previous mode. Bindings are not carried across a
// switch; OnLoad re-establishes them.
func (s *Supervisor) SwitchMode(ctx context.Context, pluginID, newMode string) error {
	record, err := s.registry.Get(ctx, pluginID)
	if err != nil {
		return err
	}
	if !supportsMode(record, newMode) {
		return fmt.Errorf("%w: %s does not support %s", ErrUnsupportedMode, record.Name, newMode)
	}

	s.mu.Lock()
	inst, loaded := s.instances[pluginID]
	if loaded && inst.state != StateLoaded {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotLoaded, pluginID, inst.state)
	}
	if loaded {
		if !record.ModeSwitchSupported {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s does not support live switching", ErrUnsupportedMode, record.Name)
		}
		inst.state = StateUnloading
	}
	s.mu.Unlock()

	// Not loaded: just persist the new mode for the next load.
	if !loaded {
		return s.registry.SetMode(ctx, pluginID, newMode)
	}

	prevMode := inst.mode
	if newMode == prevMode {
		s.mu.Lock()
		inst.state = StateLoaded
		s.mu.Unlock()
		return nil
	}

	s.unload(ctx, inst)

	next, err := s.load(ctx, record, newMode)
	if err != nil {
		s.logger.Printf("[Supervisor] switch %s to %s failed, rolling back to %s: %v", record.Name, newMode, prevMode, err)
		rollback, rbErr := s.load(ctx, record, prevMode)
		if rbErr != nil {
			s.mu.Lock()
			s.instances[pluginID] = &instance{pluginID: pluginID, name: record.Name, mode: prevMode, state: StateErrored}
			s.mu.Unlock()
			// No runner survived either load, so the stored flag must agree.
			if slErr := s.registry.SetLoaded(ctx, pluginID, false); slErr != nil && !store.IsNotFound(slErr) {
				s.logger.Printf("[Supervisor] persist unload of %s: %v", record.Name, slErr)
			}
			return fmt.Errorf("%w: %v (rollback also failed: %v)", ErrSwitchFailed, err, rbErr)
		}
		s.mu.Lock()
		s.instances[pluginID] = rollback
		s.mu.Unlock()
		s.finishLoad(ctx, rollback, "")
		return fmt.Errorf("%w: %v", ErrSwitchFailed, err)
	}

	s.mu.Lock()
	s.instances[pluginID] = next
	s.mu.Unlock()

	if err := s.registry.SetMode(ctx, pluginID, newMode); err != nil {
		s.logger.Printf("[Supervisor] persist mode of %s: %v", record.Name, err)
	}
	s.finishLoad(ctx, next, prevMode)
	s.bus.Emit(eventbus.TopicPluginModeSwitched, eventbus.SourceSupervisor, eventbus.PluginLifecycleEvent{
		PluginID: pluginID,
		Mode:     newMode,
		PrevMode: prevMode,
	})
	s.logger.Printf("[Supervisor] switched %s from %s to %s", record.Name, prevMode, newMode)
	return nil
}

// ReloadPlugin unloads the plugin if loaded and loads it again when enabled.
// Satisfies the install pipeline's reload hook.
func (s *Supervisor) ReloadPlugin(ctx context.Context, pluginID string) error {
	s.mu.Lock()
	_, loaded := s.instances[pluginID]
	s.mu.Unlock()

	if loaded {
		if err := s.UnloadPlugin(ctx, pluginID); err != nil {
			return err
		}
	}

	record, err := s.registry.Get(ctx, pluginID)
	if err != nil {
		return err
	}
	if !record.Enabled {
		return nil
	}
	return s.LoadPlugin(ctx, pluginID)
}

// Shutdown unloads every live instance.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.UnloadPlugin(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
			s.logger.Printf("[Supervisor] shutdown unload %s: %v", id, err)
		}
	}
}

func (s *Supervisor) load(ctx context.Context, record store.Plugin, mode string) (*instance, error) {
	if !supportsMode(record, mode) {
		return nil, fmt.Errorf("%w: %s does not support %s", ErrUnsupportedMode, record.Name, mode)
	}

	manifest, _ := s.registry.Manifest(record)
	host := newHostHandle(record.Name, record.Config, hostDeps{
		bus:    s.bus,
		store:  s.store,
		graph:  s.graph,
		cache:  s.cache,
		tokens: s.tokens,
		logger: s.logger,
	})

	r, err := s.runnerFor(mode, record, manifest, host)
	if err != nil {
		host.close()
		return nil, err
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()
	if err := r.Load(loadCtx); err != nil {
		host.close()
		if errors.Is(loadCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("supervisor: load %s timed out: %w", record.Name, err)
		}
		return nil, err
	}

	return &instance{
		pluginID: record.ID,
		name:     record.Name,
		mode:     mode,
		state:    StateLoaded,
		runner:   r,
		host:     host,
	}, nil
}

// finishLoad persists load state, emits the lifecycle event and starts the
// health loop. prevMode is non-empty when this load completes a switch.
func (s *Supervisor) finishLoad(ctx context.Context, inst *instance, prevMode string) {
	if err := s.registry.SetLoaded(ctx, inst.pluginID, true); err != nil {
		s.logger.Printf("[Supervisor] persist load of %s: %v", inst.name, err)
	}
	if prevMode == "" {
		s.bus.Emit(eventbus.TopicPluginLoaded, eventbus.SourceSupervisor, eventbus.PluginLifecycleEvent{
			PluginID: inst.pluginID,
			Mode:     inst.mode,
		})
	}
	s.startHealthLoop(inst)
	s.logger.Printf("[Supervisor] loaded %s (%s)", inst.name, inst.mode)
}

func (s *Supervisor) unload(ctx context.Context, inst *instance) {
	s.stopHealthLoop(inst)

	unloadCtx, cancel := context.WithTimeout(ctx, constants.PluginGracefulShutdownTimeout)
	defer cancel()
	if inst.runner != nil {
		if err := inst.runner.Unload(unloadCtx); err != nil {
			s.logger.Printf("[Supervisor] unload %s: %v", inst.name, err)
		}
	}
	if inst.host != nil {
		inst.host.close()
	}
}

func (s *Supervisor) dropInstance(pluginID string) {
	s.mu.Lock()
	delete(s.instances, pluginID)
	s.mu.Unlock()
}

func supportsMode(record store.Plugin, mode string) bool {
	for _, candidate := range record.SupportedModes {
		if candidate == mode {
			return true
		}
	}
	return false
}
