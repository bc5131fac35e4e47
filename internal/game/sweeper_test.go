package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepRemovesSilentPlayers(t *testing.T) {
	m, notifier, _ := newTestManager()
	sweeper := NewPresenceSweeper(m)
	room := mustCreateRoom(t, m, 1, 4)
	_, err := m.JoinRoom(room.ID, 2, PlayerInfo{Name: "p2"}, 6, 40)
	require.NoError(t, err)

	room.Players[2].lastHeartbeat.Store(time.Now().Add(-10 * time.Minute).UnixMilli())

	sweeper.sweep()

	assert.False(t, room.HasPlayer(2))
	assert.True(t, room.HasPlayer(1))
	assert.Equal(t, 1, room.CurrentPlayers())
	require.NotEmpty(t, notifier.disconnects)
	last := notifier.disconnects[len(notifier.disconnects)-1]
	assert.Equal(t, "heartbeat-timeout", last.reason)
}

func TestSweepKeepsRecentlySeenPlayers(t *testing.T) {
	m, _, _ := newTestManager()
	sweeper := NewPresenceSweeper(m)
	room := mustCreateRoom(t, m, 1, 4)
	_, err := m.JoinRoom(room.ID, 2, PlayerInfo{Name: "p2"}, 6, 40)
	require.NoError(t, err)

	room.Players[2].lastHeartbeat.Store(time.Now().Add(-time.Minute).UnixMilli())

	sweeper.sweep()

	assert.True(t, room.HasPlayer(2))
	assert.Equal(t, 2, room.CurrentPlayers())
}

func TestSweepDeletesRoomWhenLastPlayerEvicted(t *testing.T) {
	m, notifier, _ := newTestManager()
	sweeper := NewPresenceSweeper(m)
	room := mustCreateRoom(t, m, 1, 4)

	room.Players[1].lastHeartbeat.Store(time.Now().Add(-10 * time.Minute).UnixMilli())

	sweeper.sweep()

	_, err := m.GetRoom(room.ID)
	require.Error(t, err)
	assert.Contains(t, notifier.closedRooms, room.ID)
}

func TestSweeperStartStop(t *testing.T) {
	m, _, _ := newTestManager()
	sweeper := NewPresenceSweeper(m)
	sweeper.interval = 5 * time.Millisecond

	sweeper.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
