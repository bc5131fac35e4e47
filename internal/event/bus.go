package event

import "sync"

// Event is anything that can be published on the Bus. EventName doubles as
// the subscription topic.
type Event interface {
	EventName() string
}

// PlayerDisconnected is published when a push channel closes without the
// player having left on purpose (I/O error, idle timeout, client vanishing).
type PlayerDisconnected struct {
	RoomID     string
	PlayerID   int64
	Reason     string
	Unexpected bool
}

func (PlayerDisconnected) EventName() string { return "player-disconnected" }

// GameEnded is published when an in-progress game is torn down early, so the
// engine can clear its counters without the coordinator calling it directly.
type GameEnded struct {
	RoomID string
}

func (GameEnded) EventName() string { return "game-ended" }

// PlayerReadyCanceled is published when a seated player withdraws readiness.
type PlayerReadyCanceled struct {
	RoomID   string
	PlayerID int64
}

func (PlayerReadyCanceled) EventName() string { return "player-ready-canceled" }

type Handler func(Event)

// Bus is a process-local publish/subscribe dispatcher. Dispatch is
// synchronous: Publish returns after every subscriber has run. There is no
// queue and no cross-process delivery.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]Handler),
	}
}

func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], h)
}

// Publish invokes every handler subscribed to e's name, in subscription
// order, on the caller's goroutine.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.subs[e.EventName()]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
