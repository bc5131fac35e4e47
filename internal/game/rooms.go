package game

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"puzzleboard-server/internal/event"
)

// Notifier is the push fan-out the coordinator and engine publish through.
// *push.Hub satisfies it; tests substitute a recorder.
type Notifier interface {
	Broadcast(roomID, eventName string, data any)
	BroadcastExcept(roomID, eventName string, data any, excludePlayerID int64)
	SendTo(roomID string, playerID int64, eventName string, data any)
	CloseRoom(roomID string)
	Disconnect(roomID string, playerID int64, reason string, unexpected bool)
}

// Sender is one player's push channel, as seen by the coordinator when it
// emits the post-connect snapshot.
type Sender interface {
	Send(eventName string, data any) error
}

// RoomManager owns the room registry and the room lifecycle: creation,
// seating, leaving, host failover and deletion. Game-phase logic lives in
// Engine; the two are decoupled through the event bus.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	notifier Notifier
	bus      *event.Bus
}

func NewRoomManager(notifier Notifier, bus *event.Bus) *RoomManager {
	m := &RoomManager{
		rooms:    make(map[string]*Room),
		notifier: notifier,
		bus:      bus,
	}

	// An unexpected channel teardown is treated as the player leaving.
	bus.Subscribe(event.PlayerDisconnected{}.EventName(), func(e event.Event) {
		if d, ok := e.(event.PlayerDisconnected); ok {
			m.handlePlayerDisconnected(d)
		}
	})

	return m
}

// CreateRoom allocates a room and seats the host at slot 0.
func (m *RoomManager) CreateRoom(hostID int64, name string, totalPlayers, avatarMaxID, surveyScore int, info PlayerInfo) (*Room, error) {
	if totalPlayers != 3 && totalPlayers != 4 {
		return nil, invalidArgument("INVALID_PLAYER_COUNT", "rooms hold 3 or 4 players, got %d", totalPlayers)
	}

	host := newPlayer(hostID, info, avatarMaxID, surveyScore)
	host.SeatIndex = 0

	// A 3-player game targets 5 puzzle pieces, a 4-player game 13. The
	// asymmetry is game balance, not an off-by-something.
	pieces := 13
	if totalPlayers == 3 {
		pieces = 5
	}

	m.mu.Lock()
	roomID, err := newRoomID(func(id string) bool {
		_, taken := m.rooms[id]
		return taken
	})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	room := &Room{
		ID:                roomID,
		Name:              name,
		TotalPlayers:      totalPlayers,
		HostID:            hostID,
		Seats:             make([]int64, totalPlayers),
		Players:           map[int64]*Player{hostID: host},
		Status:            StatusWaiting,
		TotalPuzzlePieces: pieces,
		CreatedAt:         time.Now(),
	}
	room.Seats[0] = hostID
	room.currentPlayers.Store(1)
	m.rooms[roomID] = room
	m.mu.Unlock()

	log.Printf("Room created: roomId=%s, hostId=%d, totalPlayers=%d", roomID, hostID, totalPlayers)
	return room, nil
}

func newPlayer(id int64, info PlayerInfo, avatarMaxID, surveyScore int) *Player {
	if avatarMaxID < 1 {
		avatarMaxID = 1
	}
	p := &Player{
		ID:          id,
		Info:        info,
		AvatarID:    rand.Intn(avatarMaxID) + 1,
		SurveyScore: surveyScore,
		SeatIndex:   -1,
	}
	p.Heartbeat()
	return p
}

func (m *RoomManager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	m.mu.RUnlock()

	if !ok {
		return nil, notFound("ROOM_NOT_FOUND", "room does not exist: %s", roomID)
	}
	return room, nil
}

// AllRooms snapshots the registry; used by the presence sweeper.
func (m *RoomManager) AllRooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// JoinRoom seats the identity in the first empty slot. The capacity check
// outside the lock is advisory only; the authoritative decision is the seat
// scan inside the room's critical section, so two concurrent joins racing for
// the last seat resolve deterministically.
func (m *RoomManager) JoinRoom(roomID string, playerID int64, info PlayerInfo, avatarMaxID, surveyScore int) (WaitingRoomView, error) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return WaitingRoomView{}, err
	}

	if room.CurrentPlayers() >= room.TotalPlayers {
		return WaitingRoomView{}, conflict("ROOM_FULL", "room is full: %s", roomID)
	}

	player := newPlayer(playerID, info, avatarMaxID, surveyScore)

	room.mu.Lock()
	if room.Status != StatusWaiting {
		room.mu.Unlock()
		return WaitingRoomView{}, conflict("ROOM_NOT_JOINABLE", "game already started or ended in room %s", roomID)
	}
	if _, exists := room.Players[playerID]; exists {
		room.mu.Unlock()
		return WaitingRoomView{}, conflict("ALREADY_JOINED", "player %d is already in room %s", playerID, roomID)
	}

	seat := -1
	for i, id := range room.Seats {
		if id == 0 {
			seat = i
			break
		}
	}
	if seat == -1 {
		room.mu.Unlock()
		return WaitingRoomView{}, conflict("ROOM_FULL", "room is full: %s", roomID)
	}

	room.Seats[seat] = playerID
	player.SeatIndex = seat
	room.Players[playerID] = player
	room.currentPlayers.Add(1)
	view := room.waitingView()
	room.mu.Unlock()

	log.Printf("Player joined: roomId=%s, playerId=%d, seat=%d", roomID, playerID, seat)
	return view, nil
}

// LeaveRoom removes the player and frees the seat. An intentional leave also
// tears down the player's push channel; an unintentional one (sweep, dropped
// connection) arrives with the channel already gone.
func (m *RoomManager) LeaveRoom(roomID string, playerID int64, intentional bool) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	removed, ok := room.Players[playerID]
	if !ok {
		room.mu.Unlock()
		return notFound("PLAYER_NOT_FOUND", "player %d is not in room %s", playerID, roomID)
	}
	delete(room.Players, playerID)
	if removed.SeatIndex >= 0 && removed.SeatIndex < len(room.Seats) {
		room.Seats[removed.SeatIndex] = 0
	}
	removed.SeatIndex = -1
	remaining := int(room.currentPlayers.Add(-1))
	status := room.Status
	wasHost := room.HostID == playerID
	room.mu.Unlock()

	if intentional {
		m.notifier.Disconnect(roomID, playerID, "player-left", false)
	}

	if remaining <= 0 {
		m.deleteRoom(roomID)
		return nil
	}

	switch status {
	case StatusInGame:
		m.interruptGame(room, removed)
	case StatusWaiting:
		if wasHost {
			m.assignNewHost(room, true)
		}
		m.notifier.Broadcast(roomID, "player-left", map[string]any{"playerId": playerID})
	case StatusEnded:
		if wasHost {
			m.assignNewHost(room, false)
		}
	}

	log.Printf("Player left: roomId=%s, playerId=%d, intentional=%t, remaining=%d", roomID, playerID, intentional, remaining)
	return nil
}

// interruptGame forces an in-game room back to Waiting after a mid-game
// departure. The engine hears GameEnded on the bus and clears its own state.
func (m *RoomManager) interruptGame(room *Room, leaver *Player) {
	room.mu.Lock()
	room.Status = StatusWaiting
	room.mu.Unlock()

	m.notifier.Broadcast(room.ID, "game-reset", map[string]any{
		"reason":  leaver.Info.Name + " left the game",
		"message": "game was reset, returning to the waiting room",
	})
	m.bus.Publish(event.GameEnded{RoomID: room.ID})
}

// assignNewHost promotes an arbitrary remaining seated player. Callers
// guarantee the room is not empty.
func (m *RoomManager) assignNewHost(room *Room, notify bool) {
	room.mu.Lock()
	if len(room.Players) == 0 {
		room.mu.Unlock()
		return
	}
	var newHostID int64
	for id := range room.Players {
		newHostID = id
		break
	}
	room.HostID = newHostID
	newHostName := room.Players[newHostID].Info.Name
	others := make([]int64, 0, len(room.Players)-1)
	for id := range room.Players {
		if id != newHostID {
			others = append(others, id)
		}
	}
	room.mu.Unlock()

	if notify {
		m.notifier.SendTo(room.ID, newHostID, "host-assigned", map[string]any{
			"message": "you are the new host",
			"isHost":  true,
		})
		for _, id := range others {
			m.notifier.SendTo(room.ID, id, "host-changed", map[string]any{
				"message": newHostName + " is the new host",
				"hostId":  newHostID,
			})
		}
	}

	log.Printf("New host assigned: roomId=%s, hostId=%d", room.ID, newHostID)
}

// ReassignHostIfNeeded repairs the host invariant after a reset: while the
// room is occupied, hostId must reference a seated player.
func (m *RoomManager) ReassignHostIfNeeded(roomID string) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return
	}

	room.mu.Lock()
	_, hostPresent := room.Players[room.HostID]
	empty := len(room.Players) == 0
	room.mu.Unlock()

	if !hostPresent && !empty {
		m.assignNewHost(room, false)
	}
}

// PlayerConnected runs after the push channel for (roomID, playerID) has been
// registered. It emits the status-appropriate snapshot on the fresh channel
// and tells the rest of the room about the (re)arrival.
func (m *RoomManager) PlayerConnected(roomID string, playerID int64, reconnecting bool, ch Sender) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	player, ok := room.Players[playerID]
	if !ok {
		room.mu.Unlock()
		return notFound("PLAYER_NOT_FOUND", "player %d is not in room %s", playerID, roomID)
	}
	player.Heartbeat()
	status := room.Status

	switch status {
	case StatusEnded:
		room.mu.Unlock()
		if err := ch.Send("game-ended", "game already ended"); err != nil {
			log.Printf("Failed to send game-ended snapshot: roomId=%s, playerId=%d: %v", roomID, playerID, err)
		}

	case StatusWaiting:
		player.SetReady(true)
		view := player.view()
		room.mu.Unlock()
		if err := ch.Send("connected", room.WaitingView()); err != nil {
			log.Printf("Failed to send waiting snapshot: roomId=%s, playerId=%d: %v", roomID, playerID, err)
		}
		eventName := "player-joined"
		if reconnecting {
			eventName = "player-reconnected"
		}
		m.notifier.BroadcastExcept(roomID, eventName, view, playerID)

	case StatusInGame:
		state := room.gameStateView()
		view := player.view()
		room.mu.Unlock()
		if err := ch.Send("game-connected", state); err != nil {
			log.Printf("Failed to send game snapshot: roomId=%s, playerId=%d: %v", roomID, playerID, err)
		}
		if reconnecting {
			m.notifier.BroadcastExcept(roomID, "player-reconnected", view, playerID)
		}

	default:
		room.mu.Unlock()
		ch.Send("error", "unknown room status")
		m.notifier.Disconnect(roomID, playerID, "unknown-state", true)
		return conflict("UNKNOWN_ROOM_STATUS", "room %s has status %q", roomID, status)
	}

	return nil
}

// Heartbeat stamps the player's liveness. The ghost sweep uses this, not the
// push channel, because a half-open TCP connection looks healthy from here.
func (m *RoomManager) Heartbeat(roomID string, playerID int64) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	player, ok := room.Players[playerID]
	room.mu.Unlock()
	if !ok {
		return notFound("PLAYER_NOT_FOUND", "player %d is not in room %s", playerID, roomID)
	}

	player.Heartbeat()
	return nil
}

// CancelReady withdraws the player's ready flag and lets subscribers tell the
// rest of the room.
func (m *RoomManager) CancelReady(roomID string, playerID int64) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	player, ok := room.Players[playerID]
	var view PlayerView
	if ok {
		player.SetReady(false)
		view = player.view()
	}
	room.mu.Unlock()
	if !ok {
		return notFound("PLAYER_NOT_FOUND", "player %d is not in room %s", playerID, roomID)
	}

	m.notifier.BroadcastExcept(roomID, "player-ready-canceled", view, playerID)
	m.bus.Publish(event.PlayerReadyCanceled{RoomID: roomID, PlayerID: playerID})
	return nil
}

// deleteRoom removes the room and synchronously releases every push channel.
func (m *RoomManager) deleteRoom(roomID string) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()

	m.notifier.CloseRoom(roomID)
	log.Printf("Room deleted: roomId=%s", roomID)
}

func (m *RoomManager) handlePlayerDisconnected(e event.PlayerDisconnected) {
	if !e.Unexpected {
		return
	}

	// The room may already be gone; a stale disconnect is not an error.
	if _, err := m.GetRoom(e.RoomID); err != nil {
		return
	}
	if err := m.LeaveRoom(e.RoomID, e.PlayerID, false); err != nil {
		log.Printf("Disconnect cleanup skipped: roomId=%s, playerId=%d: %v", e.RoomID, e.PlayerID, err)
	}
}
