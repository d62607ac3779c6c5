package events

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler consumes a published event. Handlers run synchronously on the
// publisher's goroutine, so per-dialog ordering is the publisher's ordering.
type Handler func(ev Event)

// Bus is a minimal publish/subscribe fan-out.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler

	log zerolog.Logger
}

func NewBus() *Bus {
	return &Bus{
		log: log.Logger.With().Str("caller", "events.Bus").Logger(),
	}
}

// Subscribe registers a handler for all events. There is no unsubscribe;
// subscribers live as long as the process.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers ev to every subscriber in registration order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	if len(handlers) == 0 {
		meta := ev.EventMeta()
		b.log.Debug().Str("call_id", meta.CallID).Str("user", meta.User).Msg("event published with no subscribers")
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}
