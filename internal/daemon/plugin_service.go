package daemon

import (
	"context"
	"log"

	"github.com/hearth-home/hearth/internal/registry"
	"github.com/hearth-home/hearth/internal/supervisor"
)

// PluginService boots the supervisor: every enabled plugin is loaded in its
// configured runtime mode at startup, and all live instances are torn down
// on shutdown. A plugin that fails to load is logged and skipped so one bad
// install cannot keep the hub down.
type PluginService struct {
	supervisor *supervisor.Supervisor
	registry   *registry.Registry
	logger     *log.Logger
}

// NewPluginService wires the supervisor boot service.
func NewPluginService(sup *supervisor.Supervisor, reg *registry.Registry, logger *log.Logger) *PluginService {
	if logger == nil {
		logger = log.Default()
	}
	return &PluginService{supervisor: sup, registry: reg, logger: logger}
}

// Start loads all enabled plugins.
func (s *PluginService) Start(ctx context.Context) error {
	plugins, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		if !p.Enabled {
			continue
		}
		if err := s.supervisor.LoadPlugin(ctx, p.ID); err != nil {
			s.logger.Printf("[Plugins] load %s at startup: %v", p.Name, err)
		}
	}
	return nil
}

// Shutdown unloads every live plugin instance.
func (s *PluginService) Shutdown(ctx context.Context) error {
	s.supervisor.Shutdown(ctx)
	return nil
}
