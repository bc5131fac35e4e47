package push

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"puzzleboard-server/internal/event"
)

const (
	// writeTimeout bounds a single push write so one stalled client cannot
	// block a broadcast loop.
	writeTimeout = 5 * time.Second

	// idleTimeout matches the lifetime clients expect from a long-lived
	// event stream. The timer is rearmed on every successful write.
	idleTimeout = 2 * time.Hour
)

// Envelope is the wire shape of every push message.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Channel is the server-to-client push stream for one seated player. Writes
// are serialized; the socket is owned by the Channel once registered.
type Channel struct {
	hub      *Hub
	roomID   string
	playerID int64
	conn     *websocket.Conn

	mu     sync.Mutex
	closed bool
	idle   *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

// Send marshals the event into an envelope and writes it with a deadline.
func (c *Channel) Send(eventName string, data any) error {
	payload, err := json.Marshal(Envelope{Event: eventName, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.CloseError{Code: websocket.StatusGoingAway, Reason: "channel closed"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return err
	}
	c.idle.Reset(idleTimeout)
	return nil
}

// Done closes when the channel is released, replaced or timed out.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.idle.Stop()
	c.mu.Unlock()

	c.conn.Close(code, reason)
	c.doneOnce.Do(func() { close(c.done) })
}

// Hub is the push fan-out registry: one Channel per (room, player) slot. It
// satisfies the game package's Notifier interface.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[int64]*Channel

	bus *event.Bus
}

func NewHub(bus *event.Bus) *Hub {
	return &Hub{
		rooms: make(map[string]map[int64]*Channel),
		bus:   bus,
	}
}

// Connect registers a fresh channel for the slot, replacing and closing any
// prior one. A prior channel means the client is reconnecting, not joining.
// The swap happens under the lock; the displaced socket is closed after.
func (h *Hub) Connect(roomID string, playerID int64, conn *websocket.Conn) (*Channel, bool) {
	ch := &Channel{
		hub:      h,
		roomID:   roomID,
		playerID: playerID,
		conn:     conn,
		done:     make(chan struct{}),
	}

	// The idle timer must exist before the channel becomes visible in the
	// registry; a concurrent Send resets it as soon as the slot is published.
	ch.idle = time.AfterFunc(idleTimeout, func() {
		h.drop(ch, "idle-timeout", true)
	})

	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[int64]*Channel)
		h.rooms[roomID] = room
	}
	prior := room[playerID]
	room[playerID] = ch
	h.mu.Unlock()

	if prior != nil {
		prior.close(websocket.StatusNormalClosure, "connected from another device")
		log.Printf("Push channel replaced: roomId=%s, playerId=%d", roomID, playerID)
	}
	return ch, prior != nil
}

// Release tears down the channel if it still occupies its slot. A channel
// that was already replaced by a newer connection is left alone.
func (h *Hub) Release(ch *Channel) {
	h.mu.Lock()
	current := h.rooms[ch.roomID][ch.playerID]
	if current == ch {
		delete(h.rooms[ch.roomID], ch.playerID)
		if len(h.rooms[ch.roomID]) == 0 {
			delete(h.rooms, ch.roomID)
		}
	}
	h.mu.Unlock()

	ch.close(websocket.StatusNormalClosure, "disconnected")
}

// drop removes the channel and, when the teardown was not client-initiated,
// tells the rest of the system through the bus.
func (h *Hub) drop(ch *Channel, reason string, unexpected bool) {
	h.mu.Lock()
	current := h.rooms[ch.roomID][ch.playerID]
	replaced := current != ch
	if !replaced {
		delete(h.rooms[ch.roomID], ch.playerID)
		if len(h.rooms[ch.roomID]) == 0 {
			delete(h.rooms, ch.roomID)
		}
	}
	h.mu.Unlock()

	ch.close(websocket.StatusGoingAway, reason)

	// A replaced channel's failure says nothing about the player.
	if replaced {
		return
	}

	log.Printf("Push channel dropped: roomId=%s, playerId=%d, reason=%s", ch.roomID, ch.playerID, reason)
	h.bus.Publish(event.PlayerDisconnected{
		RoomID:     ch.roomID,
		PlayerID:   ch.playerID,
		Reason:     reason,
		Unexpected: unexpected,
	})
}

// channelsIn snapshots a room's channels so no hub lock is held during writes.
func (h *Hub) channelsIn(roomID string) []*Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[roomID]
	channels := make([]*Channel, 0, len(room))
	for _, ch := range room {
		channels = append(channels, ch)
	}
	return channels
}

// Broadcast pushes the event to every connected player in the room. A write
// failure drops that player's channel and reports it as an unexpected
// disconnect; the remaining deliveries proceed.
func (h *Hub) Broadcast(roomID, eventName string, data any) {
	h.broadcast(roomID, eventName, data, 0)
}

// BroadcastExcept is Broadcast minus one recipient.
func (h *Hub) BroadcastExcept(roomID, eventName string, data any, excludePlayerID int64) {
	h.broadcast(roomID, eventName, data, excludePlayerID)
}

func (h *Hub) broadcast(roomID, eventName string, data any, exclude int64) {
	for _, ch := range h.channelsIn(roomID) {
		if ch.playerID == exclude {
			continue
		}
		if err := ch.Send(eventName, data); err != nil {
			log.Printf("Failed to push %s: roomId=%s, playerId=%d: %v", eventName, roomID, ch.playerID, err)
			h.drop(ch, "write-failed", true)
		}
	}
}

// SendTo pushes the event to a single player, if connected.
func (h *Hub) SendTo(roomID string, playerID int64, eventName string, data any) {
	h.mu.RLock()
	ch := h.rooms[roomID][playerID]
	h.mu.RUnlock()

	if ch == nil {
		return
	}
	if err := ch.Send(eventName, data); err != nil {
		log.Printf("Failed to push %s: roomId=%s, playerId=%d: %v", eventName, roomID, playerID, err)
		h.drop(ch, "write-failed", true)
	}
}

// Disconnect closes one player's channel. An intentional teardown stays quiet
// because the caller already knows why the player is going away; an unexpected
// one is reported on the bus like any other lost channel.
func (h *Hub) Disconnect(roomID string, playerID int64, reason string, unexpected bool) {
	h.mu.Lock()
	ch := h.rooms[roomID][playerID]
	if ch != nil {
		delete(h.rooms[roomID], playerID)
		if len(h.rooms[roomID]) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	if ch == nil {
		return
	}
	code := websocket.StatusNormalClosure
	if unexpected {
		code = websocket.StatusGoingAway
	}
	ch.close(code, reason)

	if unexpected {
		h.bus.Publish(event.PlayerDisconnected{
			RoomID:     roomID,
			PlayerID:   playerID,
			Reason:     reason,
			Unexpected: true,
		})
	}
}

// CloseRoom tears down every channel in the room. Used when the room itself
// is deleted.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	room := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()

	for _, ch := range room {
		ch.close(websocket.StatusNormalClosure, "room closed")
	}
}

// Connected reports whether the player currently holds a live channel.
func (h *Hub) Connected(roomID string, playerID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID][playerID] != nil
}
