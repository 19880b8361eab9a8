package eventbus

import (
	"sync"
	"time"
)

// Event types published by tutorbot services.
const (
	EventOverrideChanged = "override.changed"
	EventAlertFired      = "alert.fired"
	EventAlertSuppressed = "alert.suppressed"
	EventSheetRefreshed  = "sheet.refreshed"
)

// Event is an in-memory signal used to decouple components.
//
// Publish never blocks: a subscriber whose buffer is full misses the event.
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	mu   sync.Mutex
	subs []*subscriber
}

// New returns an in-memory fanout bus. It owns no goroutines; fanout
// happens inline on the publisher's stack.
func New() Bus {
	return &memBus{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default: // subscriber lagging, drop
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			s.closed = true
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}
