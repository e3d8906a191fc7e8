package eventbus

import "sync"

// eventLog is a fixed-capacity ring of delivered events kept for diagnostics.
// The oldest entry is evicted on overflow. It is never the system of record.
type eventLog struct {
	mu   sync.Mutex
	buf  []Envelope
	next int
	full bool
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventLog{buf: make([]Envelope, capacity)}
}

func (l *eventLog) append(env Envelope) {
	l.mu.Lock()
	l.buf[l.next] = env
	l.next++
	if l.next == len(l.buf) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// snapshot returns the retained events in delivery order, oldest first.
func (l *eventLog) snapshot() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Envelope, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]Envelope, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	out = append(out, l.buf[:l.next]...)
	return out
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}
