package stream

import (
	"sync"

	"github.com/buerokratt/DMR/pkg/models"
)

// Hub fans framed socket events out to every subscribed connection. Slow
// subscribers never block the publisher: events past a full buffer are
// dropped for that subscriber only.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan models.Envelope]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan models.Envelope]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan models.Envelope {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan models.Envelope, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan models.Envelope) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt models.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Len reports the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
