package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"dvbsboard/core"
)

// Hub is a simple pub/sub for broadcasting events to channels.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan core.Event
	next int
}

func NewHub() *Hub { return &Hub{subs: map[int]chan core.Event{}} }

func (h *Hub) Subscribe(buffer int) (int, <-chan core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	ch := make(chan core.Event, buffer)
	h.subs[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast hands ev to every subscriber without blocking. Sends happen
// under the read lock so Unsubscribe cannot close a channel mid-send.
func (h *Hub) Broadcast(_ context.Context, ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default: /* drop if full */
		}
	}
}

// MarshalJSON is a helper to convert events to JSON bytes for WebSocket/SSE.
func MarshalJSON(ev core.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}

// ErrNoListeners is returned by SoundCue when no browser is connected.
var ErrNoListeners = errors.New("no connected listeners")

// SoundCue plays celebration sounds by telling connected browsers to play the
// asset. It implements engine.Player.
type SoundCue struct {
	hub *Hub
}

func NewSoundCue(hub *Hub) *SoundCue { return &SoundCue{hub: hub} }

func (s *SoundCue) Play(ctx context.Context, asset string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.hub.Count() == 0 {
		return ErrNoListeners
	}
	s.hub.Broadcast(ctx, core.NewPlaySound(asset))
	return nil
}
