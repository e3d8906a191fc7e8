package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearth-home/hearth/internal/cache"
	"github.com/hearth-home/hearth/internal/devicegraph"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/plugin"
	"github.com/hearth-home/hearth/internal/registry"
	"github.com/hearth-home/hearth/internal/store"
	"github.com/hearth-home/hearth/internal/tokens"
)

type testEnv struct {
	supervisor *Supervisor
	registry   *registry.Registry
	store      *store.Store
	bus        *eventbus.Bus
	launcher   *MockLauncher
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	st, err := store.Open(store.Options{DBPath: t.TempDir() + "/hearth.db"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(eventbus.WithDebounce(time.Millisecond))
	t.Cleanup(bus.Shutdown)

	c := cache.New()
	reg := registry.New(st, c, bus)
	launcher := NewMockLauncher()

	all := append([]Option{WithLauncher(launcher)}, opts...)
	sup := New(reg, st, bus, devicegraph.New(), c, all...)
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	return &testEnv{supervisor: sup, registry: reg, store: st, bus: bus, launcher: launcher}
}

func (e *testEnv) registerPlugin(t *testing.T, manifest plugin.Manifest) store.Plugin {
	t.Helper()
	ctx := context.Background()
	record, err := e.registry.Register(ctx, manifest, "/opt/hearth/plugins/"+manifest.Name)
	if err != nil {
		t.Fatalf("register %s: %v", manifest.Name, err)
	}
	if err := e.registry.SetEnabled(ctx, record.ID, true); err != nil {
		t.Fatalf("enable %s: %v", manifest.Name, err)
	}
	record, err = e.registry.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("reload %s: %v", manifest.Name, err)
	}
	return record
}

// recordingPlugin counts lifecycle calls. The factory hands the supervisor
// the same recorder on every load so tests can observe reload counts.
type recordingPlugin struct {
	mu      sync.Mutex
	loads   int
	unloads int
	onLoad  func(plugin.Host) error
}

func (p *recordingPlugin) OnLoad(ctx context.Context, host plugin.Host) error {
	p.mu.Lock()
	p.loads++
	hook := p.onLoad
	p.mu.Unlock()
	if hook != nil {
		return hook(host)
	}
	return nil
}

func (p *recordingPlugin) OnUnload(ctx context.Context) error {
	p.mu.Lock()
	p.unloads++
	p.mu.Unlock()
	return nil
}

func (p *recordingPlugin) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads, p.unloads
}

func registerRecorder(name string) *recordingPlugin {
	rec := &recordingPlugin{}
	plugin.RegisterFactory(name, func() plugin.Plugin { return rec })
	return rec
}

func inProcessManifest(name string) plugin.Manifest {
	return plugin.Manifest{
		Name:           name,
		Version:        "1.0.0",
		SupportedModes: []string{"in_process"},
	}
}

func microserviceManifest(name string) plugin.Manifest {
	return plugin.Manifest{
		Name:           name,
		Version:        "1.0.0",
		SupportedModes: []string{"microservice"},
		Entrypoint:     plugin.ManifestEntrypoint{Command: "/usr/local/bin/" + name},
	}
}

func TestLoadUnloadInProcess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	rec := registerRecorder("sup-basic")
	record := env.registerPlugin(t, inProcessManifest("sup-basic"))

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := env.supervisor.State(record.ID); got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}
	if err := env.supervisor.LoadPlugin(ctx, record.ID); !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("second load error = %v, want ErrAlreadyLoaded", err)
	}

	stored, err := env.registry.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Loaded {
		t.Fatal("expected loaded flag persisted")
	}

	if err := env.supervisor.UnloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if got := env.supervisor.State(record.ID); got != StateUnloaded {
		t.Fatalf("state after unload = %s, want %s", got, StateUnloaded)
	}
	if err := env.supervisor.UnloadPlugin(ctx, record.ID); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("second unload error = %v, want ErrNotLoaded", err)
	}

	loads, unloads := rec.counts()
	if loads != 1 || unloads != 1 {
		t.Fatalf("lifecycle counts = %d/%d, want 1/1", loads, unloads)
	}
}

func TestLoadDisabledPluginRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	registerRecorder("sup-disabled")
	record, err := env.registry.Register(ctx, inProcessManifest("sup-disabled"), "/opt/hearth/plugins/sup-disabled")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := env.supervisor.LoadPlugin(ctx, record.ID); !errors.Is(err, ErrPluginDisabled) {
		t.Fatalf("load error = %v, want ErrPluginDisabled", err)
	}
	if got := env.supervisor.State(record.ID); got != StateUnloaded {
		t.Fatalf("state = %s, want %s", got, StateUnloaded)
	}
}

func TestLoadWithoutFactoryErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	record := env.registerPlugin(t, inProcessManifest("sup-nofactory"))

	if err := env.supervisor.LoadPlugin(ctx, record.ID); !errors.Is(err, ErrNoFactory) {
		t.Fatalf("load error = %v, want ErrNoFactory", err)
	}
	if got := env.supervisor.State(record.ID); got != StateErrored {
		t.Fatalf("state = %s, want %s", got, StateErrored)
	}
	// Unloading an errored placeholder just clears it.
	if err := env.supervisor.UnloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("clear errored: %v", err)
	}
	if got := env.supervisor.State(record.ID); got != StateUnloaded {
		t.Fatalf("state = %s, want %s", got, StateUnloaded)
	}
}

func TestMicroserviceLoadUnload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.launcher.ServePlugin()
	record := env.registerPlugin(t, microserviceManifest("sup-rpc"))

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}

	records := env.launcher.Records()
	if len(records) != 1 {
		t.Fatalf("launch records = %d, want 1", len(records))
	}
	if records[0].Binary != "/usr/local/bin/sup-rpc" {
		t.Fatalf("binary = %q", records[0].Binary)
	}
	if records[0].PluginName != "sup-rpc" || records[0].SocketPath == "" {
		t.Fatalf("launch env not propagated: %+v", records[0])
	}

	if err := env.supervisor.UnloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if env.launcher.StopCount("sup-rpc") != 1 {
		t.Fatalf("stop count = %d, want 1", env.launcher.StopCount("sup-rpc"))
	}
}

func TestSwitchMode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.launcher.ServePlugin()
	rec := registerRecorder("sup-switch")
	manifest := plugin.Manifest{
		Name:                "sup-switch",
		Version:             "1.0.0",
		SupportedModes:      []string{"in_process", "microservice"},
		ModeSwitchSupported: true,
		Entrypoint:          plugin.ManifestEntrypoint{Command: "/usr/local/bin/sup-switch"},
	}
	record := env.registerPlugin(t, manifest)

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := env.supervisor.SwitchMode(ctx, record.ID, "microservice"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if got := env.supervisor.State(record.ID); got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}

	stored, err := env.registry.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.RuntimeMode != "microservice" {
		t.Fatalf("runtime mode = %q, want microservice", stored.RuntimeMode)
	}
	if len(env.launcher.Records()) != 1 {
		t.Fatalf("launch records = %d, want 1", len(env.launcher.Records()))
	}
	if _, unloads := rec.counts(); unloads != 1 {
		t.Fatalf("old instance unloads = %d, want 1", unloads)
	}
}

func TestSwitchModeRollsBack(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	rec := registerRecorder("sup-rollback")
	manifest := plugin.Manifest{
		Name:                "sup-rollback",
		Version:             "1.0.0",
		SupportedModes:      []string{"in_process", "microservice"},
		ModeSwitchSupported: true,
		Entrypoint:          plugin.ManifestEntrypoint{Command: "/usr/local/bin/sup-rollback"},
	}
	record := env.registerPlugin(t, manifest)

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}

	env.launcher.SetError(errors.New("spawn refused"))
	err := env.supervisor.SwitchMode(ctx, record.ID, "microservice")
	if !errors.Is(err, ErrSwitchFailed) {
		t.Fatalf("switch error = %v, want ErrSwitchFailed", err)
	}

	if got := env.supervisor.State(record.ID); got != StateLoaded {
		t.Fatalf("state after rollback = %s, want %s", got, StateLoaded)
	}
	stored, err := env.registry.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.RuntimeMode != "in_process" {
		t.Fatalf("runtime mode = %q, want in_process", stored.RuntimeMode)
	}
	if loads, _ := rec.counts(); loads != 2 {
		t.Fatalf("loads = %d, want 2 (initial + rollback)", loads)
	}
}

func TestSwitchModeDoubleFailureClearsLoaded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	var failLoads atomic.Bool
	rec := registerRecorder("sup-doublefail")
	rec.onLoad = func(plugin.Host) error {
		if failLoads.Load() {
			return errors.New("bridge gone")
		}
		return nil
	}
	manifest := plugin.Manifest{
		Name:                "sup-doublefail",
		Version:             "1.0.0",
		SupportedModes:      []string{"in_process", "microservice"},
		ModeSwitchSupported: true,
		Entrypoint:          plugin.ManifestEntrypoint{Command: "/usr/local/bin/sup-doublefail"},
	}
	record := env.registerPlugin(t, manifest)

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}

	// The new mode fails to launch and the rollback load fails too.
	env.launcher.SetError(errors.New("spawn refused"))
	failLoads.Store(true)
	if err := env.supervisor.SwitchMode(ctx, record.ID, "microservice"); !errors.Is(err, ErrSwitchFailed) {
		t.Fatalf("switch error = %v, want ErrSwitchFailed", err)
	}

	if got := env.supervisor.State(record.ID); got != StateErrored {
		t.Fatalf("state = %s, want %s", got, StateErrored)
	}
	stored, err := env.registry.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Loaded {
		t.Fatal("loaded flag still set with no live runner")
	}
	if stored.RuntimeMode != "in_process" {
		t.Fatalf("runtime mode = %q, want in_process", stored.RuntimeMode)
	}
}

// blockingPlugin parks in OnLoad until the load context is cancelled.
type blockingPlugin struct {
	entered chan struct{}
}

func (p *blockingPlugin) OnLoad(ctx context.Context, _ plugin.Host) error {
	close(p.entered)
	<-ctx.Done()
	return ctx.Err()
}

func (p *blockingPlugin) OnUnload(context.Context) error { return nil }

func TestUnloadCancelsInFlightLoad(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	blocker := &blockingPlugin{entered: make(chan struct{})}
	plugin.RegisterFactory("sup-stuck", func() plugin.Plugin { return blocker })
	record := env.registerPlugin(t, inProcessManifest("sup-stuck"))

	loadErr := make(chan error, 1)
	go func() { loadErr <- env.supervisor.LoadPlugin(ctx, record.ID) }()

	select {
	case <-blocker.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("plugin never entered OnLoad")
	}
	if got := env.supervisor.State(record.ID); got != StateLoading {
		t.Fatalf("state = %s, want %s", got, StateLoading)
	}

	if err := env.supervisor.UnloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("unload during load: %v", err)
	}

	select {
	case err := <-loadErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("load error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("load never returned after cancel")
	}

	if got := env.supervisor.State(record.ID); got != StateUnloaded {
		t.Fatalf("state = %s, want %s", got, StateUnloaded)
	}
	stored, err := env.registry.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Loaded {
		t.Fatal("aborted load left the loaded flag set")
	}
}

func TestSwitchModeValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	registerRecorder("sup-noswitch")
	record := env.registerPlugin(t, inProcessManifest("sup-noswitch"))

	if err := env.supervisor.SwitchMode(ctx, record.ID, "embedded"); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("undeclared mode error = %v, want ErrUnsupportedMode", err)
	}

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	// Declared but not switchable while live.
	if err := env.supervisor.SwitchMode(ctx, record.ID, "in_process"); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("live switch error = %v, want ErrUnsupportedMode", err)
	}
}

func TestSwitchModeWhileUnloadedPersists(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	manifest := plugin.Manifest{
		Name:           "sup-coldswitch",
		Version:        "1.0.0",
		SupportedModes: []string{"microservice", "in_process"},
		Entrypoint:     plugin.ManifestEntrypoint{Command: "/usr/local/bin/sup-coldswitch"},
	}
	record := env.registerPlugin(t, manifest)

	if err := env.supervisor.SwitchMode(ctx, record.ID, "in_process"); err != nil {
		t.Fatalf("cold switch: %v", err)
	}
	stored, err := env.registry.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.RuntimeMode != "in_process" {
		t.Fatalf("runtime mode = %q, want in_process", stored.RuntimeMode)
	}
}

func TestHealthStrikesMarkErrored(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithHealthPolicy(20*time.Millisecond, 2))
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []eventbus.PluginHealthEvent
	)
	_, err := env.bus.Subscribe("plugin.health.*", func(batch []eventbus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		for _, entry := range batch {
			if ev, ok := entry.Payload.(eventbus.PluginHealthEvent); ok {
				events = append(events, ev)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env.launcher.ServePlugin()
	record := env.registerPlugin(t, microserviceManifest("sup-sick"))

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	env.launcher.SetPingError(errors.New("bridge unreachable"))

	deadline := time.Now().Add(5 * time.Second)
	for env.supervisor.State(record.ID) != StateErrored {
		if time.Now().After(deadline) {
			t.Fatalf("plugin never marked errored, state=%s", env.supervisor.State(record.ID))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// No auto-unload: the instance stays until an operator intervenes.
	if err := env.supervisor.UnloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("unload errored instance: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no health event observed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	ev := events[0]
	mu.Unlock()
	if ev.PluginID != record.ID || ev.Strikes != 2 || ev.Mode != "microservice" {
		t.Fatalf("unexpected health event: %+v", ev)
	}
}

func TestEmbeddedLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	installDir := t.TempDir()
	script := `
exports.onLoad = function() {
	host.log("embedded bridge up");
	host.emit("embedded.tick", {count: 1});
};
exports.onUnload = function() {};
`
	if err := os.WriteFile(filepath.Join(installDir, "main.js"), []byte(script), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	var (
		mu     sync.Mutex
		topics []eventbus.Topic
	)
	if _, err := env.bus.Subscribe("embedded.*", func(batch []eventbus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		for _, entry := range batch {
			topics = append(topics, entry.Topic)
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	manifest := plugin.Manifest{
		Name:           "sup-embedded",
		Version:        "1.0.0",
		SupportedModes: []string{"embedded"},
		Entrypoint:     plugin.ManifestEntrypoint{Script: "main.js"},
	}
	record, err := env.registry.Register(ctx, manifest, installDir)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := env.registry.SetEnabled(ctx, record.ID, true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(topics)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("script emission never reached the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if topics[0] != "embedded.tick" {
		t.Fatalf("topic = %s, want embedded.tick", topics[0])
	}
	mu.Unlock()

	if err := env.supervisor.UnloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("unload: %v", err)
	}
}

func TestReloadPlugin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	rec := registerRecorder("sup-reload")
	record := env.registerPlugin(t, inProcessManifest("sup-reload"))

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := env.supervisor.ReloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}
	loads, unloads := rec.counts()
	if loads != 2 || unloads != 1 {
		t.Fatalf("counts after reload = %d/%d, want 2/1", loads, unloads)
	}

	// Reload of a never-loaded but enabled plugin just loads it.
	if err := env.supervisor.UnloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := env.supervisor.ReloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("cold reload: %v", err)
	}
	if got := env.supervisor.State(record.ID); got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}
}

func TestSetDeviceStateRequiresOwnership(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	for _, d := range []store.Device{
		{ID: "lamp-1", Name: "Lamp", Type: "light"},
		{ID: "thermo-1", Name: "Thermostat", Type: "thermostat"},
	} {
		if err := env.store.UpsertDevice(ctx, d); err != nil {
			t.Fatalf("upsert %s: %v", d.ID, err)
		}
	}

	var hostRef plugin.Host
	rec := registerRecorder("sup-owner")
	rec.onLoad = func(host plugin.Host) error {
		hostRef = host
		return host.BindDevices("type=light")
	}
	record := env.registerPlugin(t, inProcessManifest("sup-owner"))

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := hostRef.SetDeviceState("lamp-1", true, true); err != nil {
		t.Fatalf("set owned device state: %v", err)
	}
	stored, err := env.store.GetDevice(ctx, "lamp-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if !stored.Online || !stored.Powered {
		t.Fatalf("device state = %+v, want online and powered", stored)
	}

	if err := hostRef.SetDeviceState("thermo-1", true, true); !errors.Is(err, ErrDeviceNotOwned) {
		t.Fatalf("unowned device error = %v, want ErrDeviceNotOwned", err)
	}
	if err := hostRef.SetDeviceState("ghost-1", true, true); !store.IsNotFound(err) {
		t.Fatalf("missing device error = %v, want not found", err)
	}
}

func TestHostTokenOperations(t *testing.T) {
	t.Parallel()

	var (
		svcMu  sync.Mutex
		stored = make(map[string]string)
	)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tokens", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Service string `json:"service"`
			Token   string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		svcMu.Lock()
		stored[payload.Service] = payload.Token
		svcMu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /tokens/{service}", func(w http.ResponseWriter, r *http.Request) {
		svcMu.Lock()
		token, ok := stored[r.PathValue("service")]
		svcMu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	mux.HandleFunc("DELETE /tokens/{service}", func(w http.ResponseWriter, r *http.Request) {
		svcMu.Lock()
		delete(stored, r.PathValue("service"))
		svcMu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tc, err := tokens.New(srv.URL)
	if err != nil {
		t.Fatalf("token client: %v", err)
	}
	env := newTestEnv(t, WithTokenService(tc))
	ctx := context.Background()

	var hostRef plugin.Host
	rec := registerRecorder("sup-tokens")
	rec.onLoad = func(host plugin.Host) error {
		hostRef = host
		return nil
	}
	record := env.registerPlugin(t, inProcessManifest("sup-tokens"))
	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := hostRef.StoreToken("bridge", "secret-abc"); err != nil {
		t.Fatalf("store token: %v", err)
	}
	svcMu.Lock()
	_, namespaced := stored["sup-tokens.bridge"]
	svcMu.Unlock()
	if !namespaced {
		t.Fatal("token key not namespaced by plugin name")
	}

	token, err := hostRef.GetToken("bridge")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if token != "secret-abc" {
		t.Fatalf("token = %q, want secret-abc", token)
	}

	if err := hostRef.DeleteToken("bridge"); err != nil {
		t.Fatalf("delete token: %v", err)
	}
	if _, err := hostRef.GetToken("bridge"); !errors.Is(err, tokens.ErrTokenNotFound) {
		t.Fatalf("get after delete error = %v, want ErrTokenNotFound", err)
	}

	// Unload revokes the handle like every other host capability.
	if err := env.supervisor.UnloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, err := hostRef.GetToken("bridge"); !errors.Is(err, ErrHostClosed) {
		t.Fatalf("token op after unload error = %v, want ErrHostClosed", err)
	}
}

func TestHostTokensUnconfigured(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	var hostRef plugin.Host
	rec := registerRecorder("sup-notokens")
	rec.onLoad = func(host plugin.Host) error {
		hostRef = host
		return nil
	}
	record := env.registerPlugin(t, inProcessManifest("sup-notokens"))
	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := hostRef.StoreToken("bridge", "secret"); !errors.Is(err, ErrNoTokenService) {
		t.Fatalf("store error = %v, want ErrNoTokenService", err)
	}
	if _, err := hostRef.GetToken("bridge"); !errors.Is(err, ErrNoTokenService) {
		t.Fatalf("get error = %v, want ErrNoTokenService", err)
	}
	if err := hostRef.DeleteToken("bridge"); !errors.Is(err, ErrNoTokenService) {
		t.Fatalf("delete error = %v, want ErrNoTokenService", err)
	}
}

func TestBindingsReleasedOnUnload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	rec := registerRecorder("sup-binder")
	rec.onLoad = func(host plugin.Host) error {
		return host.BindDevices("type=light")
	}
	record := env.registerPlugin(t, inProcessManifest("sup-binder"))

	if err := env.supervisor.LoadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	bindings, err := env.store.ListBindingsForPlugin(ctx, "sup-binder")
	if err != nil {
		t.Fatalf("list bindings: %v", err)
	}
	if len(bindings) != 1 {
		t.Fatalf("bindings while loaded = %d, want 1", len(bindings))
	}

	if err := env.supervisor.UnloadPlugin(ctx, record.ID); err != nil {
		t.Fatalf("unload: %v", err)
	}
	bindings, err = env.store.ListBindingsForPlugin(ctx, "sup-binder")
	if err != nil {
		t.Fatalf("list bindings: %v", err)
	}
	if len(bindings) != 0 {
		t.Fatalf("bindings after unload = %d, want 0", len(bindings))
	}
}
