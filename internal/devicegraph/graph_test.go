package devicegraph_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/hearth-home/hearth/internal/devicegraph"
)

func mustAdd(t *testing.T, g *devicegraph.Graph, from, to, linkType, direction string) {
	t.Helper()
	if err := g.AddLink(from, to, linkType, direction); err != nil {
		t.Fatalf("add link %s -> %s: %v", from, to, err)
	}
}

func TestAddLinkValidation(t *testing.T) {
	g := devicegraph.New()

	if err := g.AddLink("a", "b", "teleport", "unidirectional"); !errors.Is(err, devicegraph.ErrInvalidLinkType) {
		t.Fatalf("expected ErrInvalidLinkType, got %v", err)
	}
	if err := g.AddLink("a", "b", "bridge", "sideways"); !errors.Is(err, devicegraph.ErrInvalidDirection) {
		t.Fatalf("expected ErrInvalidDirection, got %v", err)
	}
	if err := g.AddLink("a", "a", "bridge", "unidirectional"); !errors.Is(err, devicegraph.ErrCycleRejected) {
		t.Fatalf("expected self link to be rejected, got %v", err)
	}

	mustAdd(t, g, "a", "b", "bridge", "unidirectional")
	if err := g.AddLink("a", "b", "sync", "unidirectional"); !errors.Is(err, devicegraph.ErrLinkExists) {
		t.Fatalf("expected ErrLinkExists, got %v", err)
	}
}

func TestTwoHopCycleRejected(t *testing.T) {
	g := devicegraph.New()
	mustAdd(t, g, "a", "b", "bridge", "unidirectional")

	if err := g.AddLink("b", "a", "sync", "unidirectional"); !errors.Is(err, devicegraph.ErrCycleRejected) {
		t.Fatalf("expected ErrCycleRejected, got %v", err)
	}

	// The rejected edge must leave no trace.
	if got := len(g.Links()); got != 1 {
		t.Fatalf("expected 1 link after rejection, got %d", got)
	}
	if related := g.RelatedDevices("b"); len(related) != 0 {
		t.Fatalf("expected no neighbors for b, got %v", related)
	}
}

func TestCycleWithinDepthRejected(t *testing.T) {
	g := devicegraph.New()
	// Chain of four unidirectional hops: a -> b -> c -> d -> e.
	ids := []string{"a", "b", "c", "d", "e"}
	for i := 0; i+1 < len(ids); i++ {
		mustAdd(t, g, ids[i], ids[i+1], "proxy", "unidirectional")
	}

	// Closing the loop gives a five-hop walk revisiting a.
	if err := g.AddLink("e", "a", "proxy", "unidirectional"); !errors.Is(err, devicegraph.ErrCycleRejected) {
		t.Fatalf("expected five-hop cycle to be rejected, got %v", err)
	}
}

func TestLongCycleBeyondDepthAllowed(t *testing.T) {
	g := devicegraph.New()
	// Six-node loop: the shortest walk revisiting any start is 6 hops,
	// beyond the validation depth, so insertion succeeds.
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for i := 0; i+1 < len(ids); i++ {
		mustAdd(t, g, ids[i], ids[i+1], "mirror", "unidirectional")
	}
	if err := g.AddLink("f", "a", "mirror", "unidirectional"); err != nil {
		t.Fatalf("expected six-hop loop to be accepted, got %v", err)
	}

	// Traversal must still terminate and stop at depth 5.
	related := g.RelatedDevices("a")
	if len(related) != 5 {
		t.Fatalf("expected 5 reachable devices at depth <= 5, got %d", len(related))
	}
	last := related[len(related)-1]
	if last.DeviceID != "f" || len(last.Path) != 6 {
		t.Fatalf("unexpected deepest result: %+v", last)
	}
}

func TestBidirectionalEdgeIsNotACycle(t *testing.T) {
	g := devicegraph.New()
	if err := g.AddLink("lamp", "relay", "sync", "bidirectional"); err != nil {
		t.Fatalf("bidirectional edge rejected: %v", err)
	}

	if related := g.RelatedDevices("relay"); len(related) != 1 || related[0].DeviceID != "lamp" {
		t.Fatalf("expected relay to reach lamp, got %v", related)
	}
}

func TestUnidirectionalTraversalHonorsDirection(t *testing.T) {
	g := devicegraph.New()
	mustAdd(t, g, "hub", "lamp", "bridge", "unidirectional")
	mustAdd(t, g, "hub", "fan", "bridge", "bidirectional")

	fromHub := g.RelatedDevices("hub")
	if len(fromHub) != 2 {
		t.Fatalf("expected hub to reach 2 devices, got %v", fromHub)
	}

	fromLamp := g.RelatedDevices("lamp")
	if len(fromLamp) != 0 {
		t.Fatalf("expected lamp to reach nothing over a unidirectional edge, got %v", fromLamp)
	}

	fromFan := g.RelatedDevices("fan")
	if len(fromFan) != 2 {
		t.Fatalf("expected fan to reach hub and lamp, got %v", fromFan)
	}
}

func TestTraversalOrderDeterministic(t *testing.T) {
	build := func() *devicegraph.Graph {
		g := devicegraph.New()
		mustAdd(t, g, "root", "b", "bridge", "unidirectional")
		mustAdd(t, g, "root", "a", "bridge", "unidirectional")
		mustAdd(t, g, "b", "c", "bridge", "unidirectional")
		mustAdd(t, g, "a", "d", "bridge", "unidirectional")
		return g
	}

	want := []string{"b", "a", "c", "d"} // breadth-first, ties by insertion order
	for i := 0; i < 3; i++ {
		var got []string
		for _, r := range build().RelatedDevices("root") {
			got = append(got, r.DeviceID)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("iteration %d: got order %v, want %v", i, got, want)
		}
	}
}

func TestRelatedPathsReported(t *testing.T) {
	g := devicegraph.New()
	mustAdd(t, g, "a", "b", "proxy", "unidirectional")
	mustAdd(t, g, "b", "c", "proxy", "unidirectional")

	related := g.RelatedDevices("a")
	if len(related) != 2 {
		t.Fatalf("expected 2 reachable devices, got %d", len(related))
	}
	if !reflect.DeepEqual(related[0].Path, []string{"a", "b"}) {
		t.Fatalf("unexpected path to b: %v", related[0].Path)
	}
	if !reflect.DeepEqual(related[1].Path, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected path to c: %v", related[1].Path)
	}
}

func TestRemoveLink(t *testing.T) {
	g := devicegraph.New()
	mustAdd(t, g, "a", "b", "bridge", "unidirectional")

	if err := g.RemoveLink("a", "b"); err != nil {
		t.Fatalf("remove link: %v", err)
	}
	if err := g.RemoveLink("a", "b"); !errors.Is(err, devicegraph.ErrLinkNotFound) {
		t.Fatalf("expected ErrLinkNotFound, got %v", err)
	}
	if related := g.RelatedDevices("a"); len(related) != 0 {
		t.Fatalf("expected removed edge to stop traversal, got %v", related)
	}

	// Removal frees the pair for re-linking, including the reverse direction.
	if err := g.AddLink("b", "a", "sync", "unidirectional"); err != nil {
		t.Fatalf("relink after removal: %v", err)
	}
}

func TestConcurrentReads(t *testing.T) {
	g := devicegraph.New()
	for i := 0; i < 10; i++ {
		mustAdd(t, g, fmt.Sprintf("n%d", i), fmt.Sprintf("m%d", i), "bridge", "bidirectional")
	}

	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				g.RelatedDevices("n0")
				g.Links()
			}
		}()
	}
	for w := 0; w < 4; w++ {
		<-done
	}
}
