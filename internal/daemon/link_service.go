package daemon

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/hearth-home/hearth/internal/devicegraph"
	"github.com/hearth-home/hearth/internal/eventbus"
	"github.com/hearth-home/hearth/internal/store"
)

// LinkService keeps the in-memory device link graph and its persisted form
// in step, and mirrors mutations onto the event bus. Implements
// runtime.Service: Start rebuilds the graph from the store in insertion
// order so cycle checks see the same history on every boot.
type LinkService struct {
	graph  *devicegraph.Graph
	store  *store.Store
	bus    *eventbus.Bus
	logger *log.Logger
}

// NewLinkService wires the graph coordinator.
func NewLinkService(graph *devicegraph.Graph, st *store.Store, bus *eventbus.Bus, logger *log.Logger) *LinkService {
	if logger == nil {
		logger = log.Default()
	}
	return &LinkService{graph: graph, store: st, bus: bus, logger: logger}
}

// Start replays persisted links into the graph.
func (s *LinkService) Start(ctx context.Context) error {
	links, err := s.store.ListLinks(ctx)
	if err != nil {
		return fmt.Errorf("daemon: load device links: %w", err)
	}
	for _, l := range links {
		if err := s.graph.AddLink(l.FromDeviceID, l.ToDeviceID, l.LinkType, l.Direction); err != nil {
			// A link that no longer passes validation is dropped rather
			// than wedging startup.
			s.logger.Printf("[Links] dropping persisted link %s -> %s: %v", l.FromDeviceID, l.ToDeviceID, err)
			if err := s.store.DeleteLink(ctx, l.FromDeviceID, l.ToDeviceID); err != nil && !store.IsNotFound(err) {
				s.logger.Printf("[Links] prune %s -> %s: %v", l.FromDeviceID, l.ToDeviceID, err)
			}
		}
	}
	s.logger.Printf("[Links] graph rebuilt with %d links", len(s.graph.Links()))
	return nil
}

// Shutdown satisfies runtime.Service; the graph needs no teardown.
func (s *LinkService) Shutdown(ctx context.Context) error {
	return nil
}

// AddLink validates the edge against the graph, persists it and announces it.
func (s *LinkService) AddLink(ctx context.Context, fromID, toID, linkType, direction string) error {
	if err := s.graph.AddLink(fromID, toID, linkType, direction); err != nil {
		return err
	}
	link := store.DeviceLink{
		ID:           uuid.NewString(),
		FromDeviceID: fromID,
		ToDeviceID:   toID,
		LinkType:     linkType,
		Direction:    direction,
	}
	if err := s.store.InsertLink(ctx, link); err != nil {
		// Keep graph and store consistent when persistence fails.
		if rmErr := s.graph.RemoveLink(fromID, toID); rmErr != nil {
			s.logger.Printf("[Links] rollback %s -> %s: %v", fromID, toID, rmErr)
		}
		return fmt.Errorf("daemon: persist link: %w", err)
	}
	s.bus.Emit(eventbus.TopicDeviceLinkAdded, eventbus.SourceGraph, eventbus.DeviceLinkEvent{
		FromID:    fromID,
		ToID:      toID,
		LinkType:  linkType,
		Direction: direction,
	})
	return nil
}

// RemoveLink drops the edge from graph and store and announces the removal.
func (s *LinkService) RemoveLink(ctx context.Context, fromID, toID string) error {
	if err := s.graph.RemoveLink(fromID, toID); err != nil {
		return err
	}
	if err := s.store.DeleteLink(ctx, fromID, toID); err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("daemon: delete link: %w", err)
	}
	s.bus.Emit(eventbus.TopicDeviceLinkRemoved, eventbus.SourceGraph, eventbus.DeviceLinkEvent{
		FromID: fromID,
		ToID:   toID,
	})
	return nil
}

// RelatedDevices reports devices reachable from the given one within the
// traversal depth, nearest first.
func (s *LinkService) RelatedDevices(deviceID string) []devicegraph.Related {
	return s.graph.RelatedDevices(deviceID)
}
