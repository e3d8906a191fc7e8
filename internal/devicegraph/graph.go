// Package devicegraph maintains the depth-bounded relationship graph between
// devices. Nodes live in an arena indexed by device id; edges are stored in
// insertion order so traversal results are deterministic for identical graph
// state.
package devicegraph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hearth-home/hearth/internal/constants"
)

var (
	// ErrCycleRejected indicates the edge would allow a bounded walk to
	// revisit its starting device.
	ErrCycleRejected = errors.New("devicegraph: link would create a cycle within the traversal depth")
	// ErrInvalidLinkType indicates an out-of-enum link type.
	ErrInvalidLinkType = errors.New("devicegraph: invalid link type")
	// ErrInvalidDirection indicates an out-of-enum link direction.
	ErrInvalidDirection = errors.New("devicegraph: invalid link direction")
	// ErrLinkExists indicates an active edge between the two devices already exists.
	ErrLinkExists = errors.New("devicegraph: link already exists")
	// ErrLinkNotFound indicates no active edge between the two devices.
	ErrLinkNotFound = errors.New("devicegraph: link not found")
)

// Link describes one directed edge of the graph.
type Link struct {
	FromID    string
	ToID      string
	LinkType  string
	Direction string
}

// Related pairs a reachable device with the id path that discovered it.
// Path starts at the queried device and ends at DeviceID.
type Related struct {
	DeviceID string
	Path     []string
}

type node struct {
	id  string
	out []int // edge indexes where this node is the source
	in  []int // edge indexes where this node is the target
}

type edge struct {
	from, to  int
	linkType  string
	direction string
	removed   bool
}

// Graph is a single-writer/multi-reader structure: mutations take exclusive
// access, reads may proceed concurrently with each other.
type Graph struct {
	mu       sync.RWMutex
	nodes    []node
	index    map[string]int
	edges    []edge
	maxDepth int
}

// New constructs an empty graph bounded by the standard traversal depth.
func New() *Graph {
	return &Graph{
		index:    make(map[string]int),
		maxDepth: constants.MaxDeviceLinkDepth,
	}
}

func validLinkType(linkType string) bool {
	for _, t := range constants.AllowedLinkTypes {
		if t == linkType {
			return true
		}
	}
	return false
}

func validDirection(direction string) bool {
	return direction == constants.LinkDirectionBidirectional ||
		direction == constants.LinkDirectionUnidirectional
}

// AddLink inserts a directed edge. The insertion is rejected synchronously
// when it would let any walk of length <= the depth bound revisit its
// starting node from either endpoint; no partial edge is ever retained.
func (g *Graph) AddLink(fromID, toID, linkType, direction string) error {
	if !validLinkType(linkType) {
		return fmt.Errorf("%w: %q", ErrInvalidLinkType, linkType)
	}
	if !validDirection(direction) {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	if fromID == "" || toID == "" {
		return fmt.Errorf("devicegraph: add link: empty device id")
	}
	if fromID == toID {
		return fmt.Errorf("%w: self link on %s", ErrCycleRejected, fromID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.findEdge(fromID, toID); ok {
		return fmt.Errorf("%w: %s -> %s", ErrLinkExists, fromID, toID)
	}

	from := g.ensureNode(fromID)
	to := g.ensureNode(toID)

	idx := len(g.edges)
	g.edges = append(g.edges, edge{from: from, to: to, linkType: linkType, direction: direction})
	g.nodes[from].out = append(g.nodes[from].out, idx)
	g.nodes[to].in = append(g.nodes[to].in, idx)

	if g.cycleWithin(from, g.maxDepth) || g.cycleWithin(to, g.maxDepth) {
		// Roll the arena back; the edge was the last appended entry.
		g.nodes[from].out = g.nodes[from].out[:len(g.nodes[from].out)-1]
		g.nodes[to].in = g.nodes[to].in[:len(g.nodes[to].in)-1]
		g.edges = g.edges[:idx]
		return fmt.Errorf("%w: %s -> %s", ErrCycleRejected, fromID, toID)
	}

	return nil
}

// RemoveLink deletes the active edge between two devices.
func (g *Graph) RemoveLink(fromID, toID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.findEdge(fromID, toID)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrLinkNotFound, fromID, toID)
	}
	g.edges[idx].removed = true
	return nil
}

// Links returns all active edges in insertion order.
func (g *Graph) Links() []Link {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Link, 0, len(g.edges))
	for _, e := range g.edges {
		if e.removed {
			continue
		}
		out = append(out, Link{
			FromID:    g.nodes[e.from].id,
			ToID:      g.nodes[e.to].id,
			LinkType:  e.linkType,
			Direction: e.direction,
		})
	}
	return out
}

// RelatedDevices performs a bounded breadth-first traversal from the given
// device, honoring edge direction, and returns reachable devices in
// discovery order with the path that found them. Traversal halts at the
// depth bound regardless of cycles, so termination is guaranteed even for a
// pathological edge set.
func (g *Graph) RelatedDevices(deviceID string) []Related {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, ok := g.index[deviceID]
	if !ok {
		return nil
	}

	type queued struct {
		node  int
		depth int
	}

	visited := make(map[int]bool, len(g.nodes))
	visited[start] = true
	parent := make(map[int]int)

	var results []Related
	queue := []queued{{node: start}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth == g.maxDepth {
			continue
		}

		for _, next := range g.neighbors(cur.node) {
			if visited[next] {
				continue
			}
			visited[next] = true
			parent[next] = cur.node
			results = append(results, Related{
				DeviceID: g.nodes[next].id,
				Path:     g.pathTo(start, next, parent),
			})
			queue = append(queue, queued{node: next, depth: cur.depth + 1})
		}
	}

	return results
}

// neighbors lists nodes reachable in one hop, ordered by edge insertion.
// Unidirectional edges are traversed only from source to target.
func (g *Graph) neighbors(from int) []int {
	var out []int
	seen := make(map[int]bool)

	appendEdge := func(idx int) {
		e := g.edges[idx]
		if e.removed {
			return
		}
		var next int
		switch {
		case e.from == from:
			next = e.to
		case e.to == from && e.direction == constants.LinkDirectionBidirectional:
			next = e.from
		default:
			return
		}
		if !seen[next] {
			seen[next] = true
			out = append(out, next)
		}
	}

	// Merge out/in adjacency by global edge index to preserve insertion order.
	i, j := 0, 0
	outs, ins := g.nodes[from].out, g.nodes[from].in
	for i < len(outs) || j < len(ins) {
		switch {
		case j >= len(ins) || (i < len(outs) && outs[i] < ins[j]):
			appendEdge(outs[i])
			i++
		default:
			appendEdge(ins[j])
			j++
		}
	}
	return out
}

func (g *Graph) pathTo(start, target int, parent map[int]int) []string {
	var rev []int
	for n := target; n != start; n = parent[n] {
		rev = append(rev, n)
	}
	path := make([]string, 0, len(rev)+1)
	path = append(path, g.nodes[start].id)
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, g.nodes[rev[i]].id)
	}
	return path
}

// cycleWithin reports whether a walk of length <= depth starting at start can
// revisit start. A walk never immediately backtracks over the bidirectional
// edge it arrived by; without that rule every bidirectional edge would count
// as a two-hop cycle.
func (g *Graph) cycleWithin(start, depth int) bool {
	type state struct {
		node     int
		lastEdge int
	}

	seen := make(map[state]bool)
	frontier := []state{{node: start, lastEdge: -1}}

	for d := 0; d < depth; d++ {
		var next []state
		for _, st := range frontier {
			for _, idx := range g.nodes[st.node].out {
				e := g.edges[idx]
				if e.removed || idx == st.lastEdge {
					continue
				}
				if e.to == start {
					return true
				}
				ns := state{node: e.to, lastEdge: idx}
				if !seen[ns] {
					seen[ns] = true
					next = append(next, ns)
				}
			}
			for _, idx := range g.nodes[st.node].in {
				e := g.edges[idx]
				if e.removed || idx == st.lastEdge || e.direction != constants.LinkDirectionBidirectional {
					continue
				}
				if e.from == start {
					return true
				}
				ns := state{node: e.from, lastEdge: idx}
				if !seen[ns] {
					seen[ns] = true
					next = append(next, ns)
				}
			}
		}
		frontier = next
		if len(frontier) == 0 {
			return false
		}
	}
	return false
}

func (g *Graph) ensureNode(id string) int {
	if idx, ok := g.index[id]; ok {
		return idx
	}
	idx := len(g.nodes)
	g.nodes = append(g.nodes, node{id: id})
	g.index[id] = idx
	return idx
}

func (g *Graph) findEdge(fromID, toID string) (int, bool) {
	from, ok := g.index[fromID]
	if !ok {
		return 0, false
	}
	to, ok := g.index[toID]
	if !ok {
		return 0, false
	}
	for _, idx := range g.nodes[from].out {
		e := g.edges[idx]
		if !e.removed && e.to == to {
			return idx, true
		}
	}
	return 0, false
}
