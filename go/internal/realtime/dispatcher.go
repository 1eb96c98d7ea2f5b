package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/studysync/go/internal/events"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 256

// Channel is a push channel: typed inbound events plus outbound self-reports.
type Channel interface {
	// Subscribe registers a listener. The returned func detaches it and closes the channel.
	Subscribe(buffer int) (<-chan events.Event, func())
	Emit(ctx context.Context, name events.Name, data any) error
}

// Dispatcher fans parsed events out to every subscriber.
type Dispatcher struct {
	transport string

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch chan events.Event
}

func NewDispatcher(transport string) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		subs:      make(map[*subscription]struct{}),
	}
}

// Subscribe adds a listener with the given buffer size.
func (d *Dispatcher) Subscribe(buffer int) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscription{ch: make(chan events.Event, buffer)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if _, ok := d.subs[sub]; ok {
				delete(d.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers ev to all subscribers without blocking. A full subscriber loses the event.
func (d *Dispatcher) Publish(ev events.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for sub := range d.subs {
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("transport", d.transport).
				Str("event", string(ev.EventName())).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// Subscribers returns the number of attached listeners.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close detaches and closes every subscriber.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for sub := range d.subs {
		delete(d.subs, sub)
		close(sub.ch)
	}
}
