package eventbus

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearth-home/hearth/internal/constants"
)

// Handler consumes one batch of coalesced events. Returning an error only
// logs it; a failing handler never blocks delivery to sibling subscribers.
type Handler func(events []Envelope) error

// Bus orchestrates topic-based publish/subscribe messaging with per-topic
// debouncing, batched delivery and a bounded diagnostics log.
type Bus struct {
	logger    *log.Logger
	debounce  time.Duration
	batchSize int
	queueSize int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	topics map[Topic]*topicState
	nextID uint64
	closed bool

	history *eventLog
	wg      sync.WaitGroup

	emitTotal      atomic.Uint64
	deliveredTotal atomic.Uint64
	droppedTotal   atomic.Uint64
	handlerErrors  atomic.Uint64
}

// topicState tracks the debounce window of a single topic. Each topic keeps
// its own timer; a new emission racing a firing timer is resolved by
// "last payload wins, timer reset".
type topicState struct {
	mu         sync.Mutex
	timer      *time.Timer
	pending    Envelope
	hasPending bool
}

// New constructs a bus with the default debounce window, batch size and
// diagnostics log capacity.
func New(opts ...BusOption) *Bus {
	bus := &Bus{
		logger:    log.Default(),
		debounce:  constants.EventBusDebounce,
		batchSize: constants.EventBusBatchSize,
		queueSize: 256,
		subs:      make(map[uint64]*Subscription),
		topics:    make(map[Topic]*topicState),
	}

	logCapacity := constants.EventBusMaxLogSize
	for _, opt := range opts {
		opt(bus, &logCapacity)
	}
	bus.history = newEventLog(logCapacity)

	return bus
}

// BusOption customises bus behaviour.
type BusOption func(*Bus, *int)

// WithLogger overrides the logger used for drop and handler warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus, _ *int) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithDebounce overrides the per-topic coalescing window.
func WithDebounce(d time.Duration) BusOption {
	return func(b *Bus, _ *int) {
		if d > 0 {
			b.debounce = d
		}
	}
}

// WithBatchSize overrides the per-delivery batch cap.
func WithBatchSize(n int) BusOption {
	return func(b *Bus, _ *int) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithQueueSize overrides the per-subscriber delivery queue capacity.
func WithQueueSize(n int) BusOption {
	return func(b *Bus, _ *int) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLogCapacity overrides the diagnostics event log capacity.
func WithLogCapacity(n int) BusOption {
	return func(_ *Bus, capacity *int) {
		if n > 0 {
			*capacity = n
		}
	}
}

// Emit publishes a payload to the given topic. Repeated emissions within the
// debounce window coalesce into a single delivery carrying the most recent
// payload.
func (b *Bus) Emit(topic Topic, source Source, payload any) error {
	if topic == "" {
		return fmt.Errorf("eventbus: emit: empty topic")
	}
	if source == "" {
		source = SourceUnknown
	}

	env := Envelope{
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("eventbus: emit on closed bus")
	}
	ts := b.topics[topic]
	b.mu.RUnlock()

	if ts == nil {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return fmt.Errorf("eventbus: emit on closed bus")
		}
		ts = b.topics[topic]
		if ts == nil {
			ts = &topicState{}
			b.topics[topic] = ts
		}
		b.mu.Unlock()
	}

	b.emitTotal.Add(1)

	ts.mu.Lock()
	ts.pending = env
	ts.hasPending = true
	if ts.timer == nil {
		ts.timer = time.AfterFunc(b.debounce, func() { b.flush(ts) })
	} else {
		ts.timer.Reset(b.debounce)
	}
	ts.mu.Unlock()

	return nil
}

// flush delivers the coalesced envelope of one topic to every matching
// subscriber queue and records it in the diagnostics log.
func (b *Bus) flush(ts *topicState) {
	ts.mu.Lock()
	if !ts.hasPending {
		ts.mu.Unlock()
		return
	}
	env := ts.pending
	ts.hasPending = false
	ts.mu.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if sub.pattern.Match(env.Topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	b.deliveredTotal.Add(1)
	b.history.append(env)

	for _, sub := range matched {
		sub.enqueue(env)
	}
}

// Subscribe registers a handler for topics matching the pattern and returns
// the subscription. Delivery happens on a dedicated goroutine per subscriber,
// in batches of at most the configured batch size.
func (b *Bus) Subscribe(pattern Pattern, handler Handler, opts ...SubscriptionOption) (*Subscription, error) {
	if !pattern.Valid() {
		return nil, fmt.Errorf("eventbus: invalid topic pattern %q", pattern)
	}
	if handler == nil {
		return nil, fmt.Errorf("eventbus: subscribe %q: nil handler", pattern)
	}

	cfg := subscriptionConfig{queueSize: b.queueSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("eventbus: subscribe on closed bus")
	}
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		name:    cfg.name,
		pattern: pattern,
		handler: handler,
		queue:   make(chan Envelope, cfg.queueSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go sub.deliverLoop()

	return sub, nil
}

// Unsubscribe removes the subscription with the given id. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	sub := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if sub != nil {
		sub.stop()
	}
}

// Log returns the retained delivered events, oldest first.
func (b *Bus) Log() []Envelope {
	return b.history.snapshot()
}

// Metrics reports bus counters.
type Metrics struct {
	EmitTotal      uint64
	DeliveredTotal uint64
	DroppedTotal   uint64
	HandlerErrors  uint64
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	return Metrics{
		EmitTotal:      b.emitTotal.Load(),
		DeliveredTotal: b.deliveredTotal.Load(),
		DroppedTotal:   b.droppedTotal.Load(),
		HandlerErrors:  b.handlerErrors.Load(),
	}
}

// Shutdown stops all debounce timers and subscriber goroutines. Pending
// coalesced events are discarded.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ts := range b.topics {
		ts.mu.Lock()
		if ts.timer != nil {
			ts.timer.Stop()
		}
		ts.hasPending = false
		ts.mu.Unlock()
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	queueSize int
	name      string
}

// WithSubscriptionQueue overrides the delivery queue capacity for a subscription.
func WithSubscriptionQueue(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.queueSize = size
		}
	}
}

// WithSubscriptionName records a human friendly identifier used in logs.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// Subscription represents one consumer attached to the bus.
type Subscription struct {
	id      uint64
	name    string
	pattern Pattern
	handler Handler
	queue   chan Envelope
	done    chan struct{}
	bus     *Bus
	closed  atomic.Bool
}

// ID returns the bus-unique subscription identifier.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.id)
}

func (s *Subscription) stop() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// enqueue routes one envelope into the subscriber queue without blocking the
// delivery cycle. When the queue is full the oldest queued event is dropped.
func (s *Subscription) enqueue(env Envelope) {
	if s.closed.Load() {
		return
	}

	select {
	case s.queue <- env:
		return
	default:
	}

	select {
	case <-s.queue:
		s.recordDrop()
	default:
	}

	select {
	case s.queue <- env:
	default:
		s.recordDrop()
	}
}

func (s *Subscription) recordDrop() {
	count := s.bus.droppedTotal.Add(1)
	name := s.name
	if name == "" {
		name = "subscription"
	}
	s.bus.logger.Printf("[EventBus] dropped event #%d for %s (pattern %s)", count, name, s.pattern)
}

// deliverLoop drains the queue, invoking the handler with batches of up to
// the configured batch size, preserving emission order within a batch.
func (s *Subscription) deliverLoop() {
	defer s.bus.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case env := <-s.queue:
			batch := make([]Envelope, 1, s.bus.batchSize)
			batch[0] = env
		drain:
			for len(batch) < s.bus.batchSize {
				select {
				case next := <-s.queue:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			s.invoke(batch)
		}
	}
}

// invoke isolates handler failures: errors and panics are logged and never
// abort delivery to sibling subscribers nor corrupt the event log.
func (s *Subscription) invoke(batch []Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.handlerErrors.Add(1)
			s.bus.logger.Printf("[EventBus] handler panic (pattern %s): %v", s.pattern, r)
		}
	}()

	if err := s.handler(batch); err != nil {
		s.bus.handlerErrors.Add(1)
		name := s.name
		if name == "" {
			name = "subscription"
		}
		s.bus.logger.Printf("[EventBus] handler error for %s (pattern %s): %v", name, s.pattern, err)
	}
}
