package eventbus_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hearth-home/hearth/internal/eventbus"
)

// collector accumulates delivered batches for assertions.
type collector struct {
	mu      sync.Mutex
	batches [][]eventbus.Envelope
	notify  chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handle(events []eventbus.Envelope) error {
	c.mu.Lock()
	batch := make([]eventbus.Envelope, len(events))
	copy(batch, events)
	c.batches = append(c.batches, batch)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *collector) snapshot() [][]eventbus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]eventbus.Envelope, len(c.batches))
	copy(out, c.batches)
	return out
}

func (c *collector) events() []eventbus.Envelope {
	var out []eventbus.Envelope
	for _, batch := range c.snapshot() {
		out = append(out, batch...)
	}
	return out
}

func (c *collector) waitEvents(t *testing.T, n int, timeout time.Duration) []eventbus.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if events := c.events(); len(events) >= n {
			return events
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(c.events()))
		}
	}
}

func TestDebounceCoalescesEmissions(t *testing.T) {
	bus := eventbus.New(eventbus.WithDebounce(30 * time.Millisecond))
	defer bus.Shutdown()

	col := newCollector()
	if _, err := bus.Subscribe("lights.state", col.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := bus.Emit("lights.state", eventbus.SourcePlugin, i); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	events := col.waitEvents(t, 1, time.Second)
	if len(events) != 1 {
		t.Fatalf("expected exactly one coalesced delivery, got %d", len(events))
	}
	if events[0].Payload != 3 {
		t.Fatalf("expected last payload to win, got %v", events[0].Payload)
	}

	// No further deliveries may arrive after the window has closed.
	time.Sleep(80 * time.Millisecond)
	if got := len(col.events()); got != 1 {
		t.Fatalf("expected 1 delivery total, got %d", got)
	}
}

func TestSeparateTopicsDoNotCoalesce(t *testing.T) {
	bus := eventbus.New(eventbus.WithDebounce(10 * time.Millisecond))
	defer bus.Shutdown()

	col := newCollector()
	if _, err := bus.Subscribe("room.*", col.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Emit("room.kitchen", eventbus.SourcePlugin, "a")
	bus.Emit("room.hall", eventbus.SourcePlugin, "b")

	events := col.waitEvents(t, 2, time.Second)
	if len(events) != 2 {
		t.Fatalf("expected 2 deliveries for distinct topics, got %d", len(events))
	}
}

func TestWildcardDelivery(t *testing.T) {
	bus := eventbus.New(eventbus.WithDebounce(5 * time.Millisecond))
	defer bus.Shutdown()

	col := newCollector()
	if _, err := bus.Subscribe("*.device.*", col.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Emit("kitchen.device.power", eventbus.SourcePlugin, "on")
	bus.Emit("kitchen.sensor.power", eventbus.SourcePlugin, "off")

	events := col.waitEvents(t, 1, time.Second)
	time.Sleep(30 * time.Millisecond)

	events = col.events()
	if len(events) != 1 {
		t.Fatalf("expected only the matching topic to be delivered, got %d events", len(events))
	}
	if events[0].Topic != "kitchen.device.power" {
		t.Fatalf("unexpected topic delivered: %s", events[0].Topic)
	}
}

func TestBatchCapRespected(t *testing.T) {
	bus := eventbus.New(
		eventbus.WithDebounce(time.Millisecond),
		eventbus.WithBatchSize(4),
	)
	defer bus.Shutdown()

	col := newCollector()
	if _, err := bus.Subscribe("sensor.*", col.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const total = 12
	for i := 0; i < total; i++ {
		bus.Emit(eventbus.Topic(fmt.Sprintf("sensor.s%d", i)), eventbus.SourcePlugin, i)
	}

	col.waitEvents(t, total, 2*time.Second)
	for _, batch := range col.snapshot() {
		if len(batch) > 4 {
			t.Fatalf("batch exceeds cap: %d events", len(batch))
		}
	}
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	bus := eventbus.New(eventbus.WithDebounce(time.Millisecond))
	defer bus.Shutdown()

	if _, err := bus.Subscribe("door.state", func([]eventbus.Envelope) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("subscribe failing handler: %v", err)
	}
	if _, err := bus.Subscribe("door.state", func([]eventbus.Envelope) error {
		panic("worse")
	}); err != nil {
		t.Fatalf("subscribe panicking handler: %v", err)
	}

	col := newCollector()
	if _, err := bus.Subscribe("door.state", col.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Emit("door.state", eventbus.SourcePlugin, "open")

	events := col.waitEvents(t, 1, time.Second)
	if events[0].Payload != "open" {
		t.Fatalf("healthy subscriber missed delivery: %v", events[0].Payload)
	}

	deadline := time.Now().Add(time.Second)
	for bus.Metrics().HandlerErrors < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 recorded handler failures, got %d", bus.Metrics().HandlerErrors)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventLogEvictsOldest(t *testing.T) {
	bus := eventbus.New(
		eventbus.WithDebounce(time.Millisecond),
		eventbus.WithLogCapacity(5),
	)
	defer bus.Shutdown()

	col := newCollector()
	if _, err := bus.Subscribe("tick.*", col.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const total = 8
	for i := 0; i < total; i++ {
		bus.Emit(eventbus.Topic(fmt.Sprintf("tick.t%d", i)), eventbus.SourcePlugin, i)
	}
	col.waitEvents(t, total, 2*time.Second)

	entries := bus.Log()
	if len(entries) != 5 {
		t.Fatalf("expected log capped at 5, got %d", len(entries))
	}
	for _, env := range entries {
		if env.Payload.(int) < 3 {
			t.Fatalf("expected oldest entries evicted, found payload %v", env.Payload)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := eventbus.New(eventbus.WithDebounce(time.Millisecond))
	defer bus.Shutdown()

	col := newCollector()
	sub, err := bus.Subscribe("fan.speed", col.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Emit("fan.speed", eventbus.SourcePlugin, 1)
	col.waitEvents(t, 1, time.Second)

	sub.Close()
	bus.Emit("fan.speed", eventbus.SourcePlugin, 2)
	time.Sleep(30 * time.Millisecond)

	if got := len(col.events()); got != 1 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", got)
	}
}

func TestSubscribeRejectsBadInput(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	if _, err := bus.Subscribe("dev*.power", func([]eventbus.Envelope) error { return nil }); err == nil {
		t.Fatal("expected malformed pattern to be rejected")
	}
	if _, err := bus.Subscribe("ok.pattern", nil); err == nil {
		t.Fatal("expected nil handler to be rejected")
	}
	if err := bus.Emit("", eventbus.SourcePlugin, nil); err == nil {
		t.Fatal("expected empty topic to be rejected")
	}
}
