package game

import (
	"log"
	"sync"
	"time"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultGhostThreshold = 3 * time.Minute
)

// PresenceSweeper periodically evicts players whose heartbeat went silent.
// The heartbeat is the liveness signal, not the push channel: a half-open
// connection can hold a channel slot long after the client is gone.
type PresenceSweeper struct {
	rooms     *RoomManager
	interval  time.Duration
	threshold time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPresenceSweeper(rooms *RoomManager) *PresenceSweeper {
	return &PresenceSweeper{
		rooms:     rooms,
		interval:  defaultSweepInterval,
		threshold: defaultGhostThreshold,
		stopCh:    make(chan struct{}),
	}
}

func (s *PresenceSweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *PresenceSweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

type stalePlayer struct {
	roomID   string
	playerID int64
}

// sweep collects stale players first, then evicts, so no room lock is held
// across LeaveRoom's fan-out.
func (s *PresenceSweeper) sweep() {
	cutoff := time.Now().Add(-s.threshold)

	var stale []stalePlayer
	for _, room := range s.rooms.AllRooms() {
		room.mu.Lock()
		for id, p := range room.Players {
			if p.LastHeartbeat().Before(cutoff) {
				stale = append(stale, stalePlayer{roomID: room.ID, playerID: id})
			}
		}
		room.mu.Unlock()
	}

	for _, sp := range stale {
		// The room or player may have gone away since the scan.
		if err := s.rooms.LeaveRoom(sp.roomID, sp.playerID, false); err != nil {
			continue
		}
		s.rooms.notifier.Disconnect(sp.roomID, sp.playerID, "heartbeat-timeout", false)
		log.Printf("Ghost player removed: roomId=%s, playerId=%d", sp.roomID, sp.playerID)
	}
}
