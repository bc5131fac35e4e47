package game

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting"
	StatusInGame  RoomStatus = "in-game"
	StatusEnded   RoomStatus = "ended"
)

// Room is one game session. Rooms are memory-resident only; when the last
// player leaves the room is deleted, never persisted.
//
// The mutex guards the seat array, the players map, the status and every
// game-progress counter. Mutations that touch a seat must also update
// currentPlayers inside the same critical section: count(non-empty seats) ==
// currentPlayers == len(players) at all times. currentPlayers is an atomic so
// capacity checks may read it without the lock, but any accept/reject
// decision is re-checked under the lock.
type Room struct {
	mu sync.Mutex

	ID           string
	Name         string
	TotalPlayers int
	HostID       int64
	Seats        []int64 // 0 marks an empty seat; player IDs are positive
	Players      map[int64]*Player
	Status       RoomStatus

	CurrentRound        int
	CurrentTurn         int
	TotalPuzzlePieces   int
	CurrentPuzzlePieces int

	// Per-turn flags, cleared on every turn advance.
	PictureCardAssigned bool
	TextCardAssigned    bool
	HasReVoted          bool

	CreatedAt time.Time

	currentPlayers atomic.Int32
}

// CurrentPlayers is a lock-free advisory read of the live player count.
func (r *Room) CurrentPlayers() int {
	return int(r.currentPlayers.Load())
}

// HasPlayer reports whether the identity is currently seated.
func (r *Room) HasPlayer(playerID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.Players[playerID]
	return ok
}

// seatOrderedPlayers must be called with the mutex held. Seat order, not join
// order, is authoritative for display.
func (r *Room) seatOrderedPlayers() []PlayerView {
	players := make([]PlayerView, 0, len(r.Players))
	for _, id := range r.Seats {
		if id == 0 {
			continue
		}
		if p, ok := r.Players[id]; ok {
			players = append(players, p.view())
		}
	}
	return players
}

// WaitingRoomView is the roster snapshot returned by join and pushed to
// clients connecting to a waiting room.
type WaitingRoomView struct {
	RoomID         string       `json:"roomId"`
	RoomName       string       `json:"roomName"`
	CurrentPlayers int          `json:"currentPlayers"`
	TotalPlayers   int          `json:"totalPlayers"`
	HostID         int64        `json:"hostId"`
	Status         RoomStatus   `json:"roomStatus"`
	Players        []PlayerView `json:"players"`
}

// GameStateView is the full mid-game snapshot sent on game start and to
// reconnecting clients so they can resume without replaying history.
type GameStateView struct {
	RoomID              string       `json:"roomId"`
	RoomName            string       `json:"roomName"`
	HostID              int64        `json:"hostId"`
	TotalPlayers        int          `json:"totalPlayers"`
	TotalPuzzlePieces   int          `json:"totalPuzzlePieces"`
	CurrentPuzzlePieces int          `json:"currentPuzzlePieces"`
	CurrentRound        int          `json:"currentRound"`
	CurrentTurn         int          `json:"currentTurn"`
	Players             []PlayerView `json:"players"`
}

func (r *Room) waitingView() WaitingRoomView {
	return WaitingRoomView{
		RoomID:         r.ID,
		RoomName:       r.Name,
		CurrentPlayers: r.CurrentPlayers(),
		TotalPlayers:   r.TotalPlayers,
		HostID:         r.HostID,
		Status:         r.Status,
		Players:        r.seatOrderedPlayers(),
	}
}

func (r *Room) gameStateView() GameStateView {
	return GameStateView{
		RoomID:              r.ID,
		RoomName:            r.Name,
		HostID:              r.HostID,
		TotalPlayers:        r.TotalPlayers,
		TotalPuzzlePieces:   r.TotalPuzzlePieces,
		CurrentPuzzlePieces: r.CurrentPuzzlePieces,
		CurrentRound:        r.CurrentRound,
		CurrentTurn:         r.CurrentTurn,
		Players:             r.seatOrderedPlayers(),
	}
}

// WaitingView builds the roster snapshot under the room lock.
func (r *Room) WaitingView() WaitingRoomView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitingView()
}

// GameStateView builds the mid-game snapshot under the room lock.
func (r *Room) GameState() GameStateView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gameStateView()
}

const roomIDLength = 8

// maxRoomIDAttempts bounds collision retries. Running out means the ID space
// is effectively exhausted, which is an operational problem, not a caller
// mistake.
const maxRoomIDAttempts = 100

// newRoomID draws 8-hex-char identifiers from a UUID until one is unused.
func newRoomID(inUse func(string) bool) (string, error) {
	for attempts := 0; attempts < maxRoomIDAttempts; attempts++ {
		id := strings.ReplaceAll(uuid.New().String(), "-", "")[:roomIDLength]
		if !inUse(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("room id generation failed after %d attempts", maxRoomIDAttempts)
}
