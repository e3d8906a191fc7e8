// Package registry maintains the authoritative catalog of installed plugins.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/hearth-home/hearth/internal/cache"
	"github.com/hearth-home/hearth/internal/constants"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/plugin"
	"github.com/hearth-home/hearth/internal/store"
)

var (
	// ErrDuplicateName indicates the plugin name is already registered.
	ErrDuplicateName = errors.New("registry: plugin name already registered")
	// ErrInvalidConfig indicates a config document that fails schema validation.
	ErrInvalidConfig = errors.New("registry: invalid plugin config")
)

const lockStripes = 16

// Registry is the catalog of installed plugins. Reads are served through a
// TTL cache; writes invalidate plugin cache entries and emit lifecycle
// events.
type Registry struct {
	store  *store.Store
	cache  cache.Cache
	bus    *eventbus.Bus
	logger *log.Logger

	locks [lockStripes]sync.Mutex

	manifestsMu sync.RWMutex
	manifests   map[string]plugin.Manifest
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds a Registry over the given store, cache and bus.
func New(st *store.Store, c cache.Cache, bus *eventbus.Bus, opts ...Option) *Registry {
	r := &Registry{
		store:     st,
		cache:     c,
		bus:       bus,
		logger:    log.Default(),
		manifests: make(map[string]plugin.Manifest),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.locks[h.Sum32()%lockStripes]
}

// Register records a newly installed plugin from its manifest. The returned
// record carries the generated id. Registering an existing name refreshes
// version and capability fields instead, keeping enabled state and config.
func (r *Registry) Register(ctx context.Context, manifest plugin.Manifest, installPath string) (store.Plugin, error) {
	if err := manifest.Validate(); err != nil {
		return store.Plugin{}, err
	}

	mu := r.lockFor(manifest.Name)
	mu.Lock()
	defer mu.Unlock()

	record := store.Plugin{
		ID:                  uuid.NewString(),
		Name:                manifest.Name,
		Description:         manifest.Description,
		Publisher:           manifest.Publisher,
		Version:             manifest.Version,
		RuntimeMode:         manifest.SupportedModes[0],
		SupportedModes:      manifest.SupportedModes,
		ModeSwitchSupported: manifest.ModeSwitchSupported,
		Config:              manifest.ApplyDefaults(nil),
		InstallPath:         installPath,
	}

	err := r.store.InsertPlugin(ctx, record)
	switch {
	case errors.Is(err, store.ErrDuplicatePlugin):
		if err := r.store.UpsertPlugin(ctx, record); err != nil {
			return store.Plugin{}, err
		}
	case err != nil:
		return store.Plugin{}, err
	}

	r.manifestsMu.Lock()
	r.manifests[manifest.Name] = manifest
	r.manifestsMu.Unlock()

	r.invalidate()
	r.logger.Printf("[Registry] registered plugin %s version %s", manifest.Name, manifest.Version)

	stored, err := r.store.GetPluginByName(ctx, manifest.Name)
	if err != nil {
		return store.Plugin{}, err
	}

	if r.bus != nil {
		r.bus.Emit(eventbus.TopicPluginInstalled, eventbus.SourceRegistry, eventbus.PluginLifecycleEvent{
			PluginID: stored.ID,
			Mode:     stored.RuntimeMode,
		})
	}
	return stored, nil
}

// RegisterNew behaves like Register but fails with ErrDuplicateName when the
// plugin name already exists.
func (r *Registry) RegisterNew(ctx context.Context, manifest plugin.Manifest, installPath string) (store.Plugin, error) {
	if _, err := r.store.GetPluginByName(ctx, manifest.Name); err == nil {
		return store.Plugin{}, fmt.Errorf("%w: %s", ErrDuplicateName, manifest.Name)
	} else if !store.IsNotFound(err) {
		return store.Plugin{}, err
	}
	return r.Register(ctx, manifest, installPath)
}

// Get returns a plugin by id, serving repeat lookups from cache. Callers
// receive their own copy; mutating it never reaches the cached record.
func (r *Registry) Get(ctx context.Context, id string) (store.Plugin, error) {
	key := cache.KeyPluginByID + id
	if cached, ok := r.cache.Get(key); ok {
		if p, ok := cached.(store.Plugin); ok {
			return clonePlugin(p), nil
		}
	}
	p, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return store.Plugin{}, err
	}
	r.cache.Set(key, p, constants.CachePluginsTTL)
	return clonePlugin(p), nil
}

// GetByName returns a plugin by its unique name.
func (r *Registry) GetByName(ctx context.Context, name string) (store.Plugin, error) {
	return r.store.GetPluginByName(ctx, name)
}

// List returns all plugins, served from cache when fresh. As with Get, the
// returned records are copies.
func (r *Registry) List(ctx context.Context) ([]store.Plugin, error) {
	if cached, ok := r.cache.Get(cache.KeyPlugins); ok {
		if plugins, ok := cached.([]store.Plugin); ok {
			return clonePlugins(plugins), nil
		}
	}
	plugins, err := r.store.ListPlugins(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Set(cache.KeyPlugins, plugins, constants.CachePluginsTTL)
	return clonePlugins(plugins), nil
}

// SetEnabled toggles whether a plugin may be loaded.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if err := r.store.SetPluginEnabled(ctx, id, enabled); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// SetConfig validates and persists a plugin's configuration document.
func (r *Registry) SetConfig(ctx context.Context, id string, config map[string]any) error {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return err
	}

	if manifest, ok := r.manifestFor(p); ok {
		if err := manifest.ValidateConfig(config); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		config = manifest.ApplyDefaults(config)
	}

	if err := r.store.SetPluginConfig(ctx, id, config); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// SetMode persists a plugin's active runtime mode.
func (r *Registry) SetMode(ctx context.Context, id, mode string) error {
	allowed := constants.StringSet(constants.AllowedPluginModes)
	if _, ok := allowed[mode]; !ok {
		return fmt.Errorf("registry: unknown runtime mode %q", mode)
	}

	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if err := r.store.SetPluginMode(ctx, id, mode); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// SetLoaded records a plugin's load state.
func (r *Registry) SetLoaded(ctx context.Context, id string, loaded bool) error {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if err := r.store.SetPluginLoaded(ctx, id, loaded); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// Remove deletes a plugin and its bindings from the catalog.
func (r *Registry) Remove(ctx context.Context, id string) error {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.DeletePlugin(ctx, id); err != nil {
		return err
	}

	r.manifestsMu.Lock()
	delete(r.manifests, p.Name)
	r.manifestsMu.Unlock()

	r.invalidate()
	r.logger.Printf("[Registry] removed plugin %s", p.Name)
	return nil
}

// Manifest returns the manifest for a plugin record, loading it from the
// install path when not already held in memory.
func (r *Registry) Manifest(p store.Plugin) (plugin.Manifest, bool) {
	return r.manifestFor(p)
}

func (r *Registry) manifestFor(p store.Plugin) (plugin.Manifest, bool) {
	r.manifestsMu.RLock()
	manifest, ok := r.manifests[p.Name]
	r.manifestsMu.RUnlock()
	if ok {
		return manifest, true
	}
	if p.InstallPath == "" {
		return plugin.Manifest{}, false
	}
	manifest, err := plugin.LoadManifest(p.InstallPath)
	if err != nil {
		return plugin.Manifest{}, false
	}
	r.manifestsMu.Lock()
	r.manifests[p.Name] = manifest
	r.manifestsMu.Unlock()
	return manifest, true
}

// clonePlugin deep-copies the record's shared fields so a caller cannot
// reach through to the cached copy.
func clonePlugin(p store.Plugin) store.Plugin {
	out := p
	if p.SupportedModes != nil {
		out.SupportedModes = append([]string(nil), p.SupportedModes...)
	}
	out.Config = cloneConfig(p.Config)
	return out
}

func clonePlugins(plugins []store.Plugin) []store.Plugin {
	out := make([]store.Plugin, len(plugins))
	for i, p := range plugins {
		out[i] = clonePlugin(p)
	}
	return out
}

func cloneConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneConfig(val)
	case []any:
		out := make([]any, len(val))
		for i, entry := range val {
			out[i] = cloneValue(entry)
		}
		return out
	default:
		return v
	}
}

func (r *Registry) invalidate() {
	r.cache.Delete(cache.KeyPlugins)
	r.cache.DeletePattern(cache.KeyPluginByID + "*")
}
