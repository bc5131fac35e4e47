package game

import (
	"sync/atomic"
	"time"
)

// PlayerInfo is display data owned by the user-profile collaborator; the
// coordinator carries it opaquely.
type PlayerInfo struct {
	Name   string `json:"name"`
	School string `json:"school,omitempty"`
}

// Player is a seated participant. A Player has no lifetime of its own: it is
// created on join, owned by its Room, and discarded on leave.
//
// All fields except the two atomics are guarded by the owning Room's mutex.
// lastHeartbeat and ready are updated by independent operations (the ping
// endpoint, the connect path) and never interact with the seat/counter
// invariants, so they are lock-free.
type Player struct {
	ID              int64      `json:"playerId"`
	Info            PlayerInfo `json:"playerInfo"`
	AvatarID        int        `json:"avatarId"`
	SurveyScore     int        `json:"surveyScore"`
	SeatIndex       int        `json:"seatIndex"`
	SequenceNumber  int        `json:"sequenceNumber"`
	UsageTime       int        `json:"usageTime"`
	CollectedPieces int        `json:"collectedPieces"`
	Speaking        bool       `json:"isSpeaking"`

	ready         atomic.Bool
	lastHeartbeat atomic.Int64 // unix milliseconds
}

func (p *Player) Ready() bool {
	return p.ready.Load()
}

func (p *Player) SetReady(v bool) {
	p.ready.Store(v)
}

func (p *Player) Heartbeat() {
	p.lastHeartbeat.Store(time.Now().UnixMilli())
}

func (p *Player) LastHeartbeat() time.Time {
	return time.UnixMilli(p.lastHeartbeat.Load())
}

// PlayerView is the JSON shape pushed to clients and returned in snapshots.
type PlayerView struct {
	PlayerID        int64      `json:"playerId"`
	Info            PlayerInfo `json:"playerInfo"`
	AvatarID        int        `json:"avatarId"`
	SeatIndex       int        `json:"seatIndex"`
	SequenceNumber  int        `json:"sequenceNumber"`
	CollectedPieces int        `json:"collectedPieces"`
	Speaking        bool       `json:"isSpeaking"`
	Ready           bool       `json:"isReady"`
}

// view must be called with the owning Room's mutex held.
func (p *Player) view() PlayerView {
	return PlayerView{
		PlayerID:        p.ID,
		Info:            p.Info,
		AvatarID:        p.AvatarID,
		SeatIndex:       p.SeatIndex,
		SequenceNumber:  p.SequenceNumber,
		CollectedPieces: p.CollectedPieces,
		Speaking:        p.Speaking,
		Ready:           p.Ready(),
	}
}
