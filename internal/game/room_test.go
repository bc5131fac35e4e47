package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomIDFormat(t *testing.T) {
	for range 100 {
		id, err := newRoomID(func(string) bool { return false })
		require.NoError(t, err)

		assert.Len(t, id, 8)
		for _, ch := range id {
			assert.True(t, (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f'),
				"unexpected character %q in id %s", ch, id)
		}
	}
}

func TestNewRoomIDSkipsTakenIDs(t *testing.T) {
	seen := make(map[string]bool)

	for range 1000 {
		id, err := newRoomID(func(candidate string) bool { return seen[candidate] })
		require.NoError(t, err)

		assert.False(t, seen[id], "id %s handed out twice", id)
		seen[id] = true
	}
}

func TestNewRoomIDGivesUpWhenSpaceExhausted(t *testing.T) {
	_, err := newRoomID(func(string) bool { return true })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "100 attempts")
}

func TestWaitingViewListsPlayersInSeatOrder(t *testing.T) {
	room := &Room{
		ID:           "abcd1234",
		Name:         "test room",
		TotalPlayers: 3,
		HostID:       2,
		Seats:        []int64{2, 0, 7},
		Players: map[int64]*Player{
			7: {ID: 7, Info: PlayerInfo{Name: "late"}, SeatIndex: 2},
			2: {ID: 2, Info: PlayerInfo{Name: "host"}, SeatIndex: 0},
		},
		Status: StatusWaiting,
	}
	room.currentPlayers.Store(2)

	view := room.WaitingView()

	require.Len(t, view.Players, 2)
	assert.Equal(t, int64(2), view.Players[0].PlayerID)
	assert.Equal(t, int64(7), view.Players[1].PlayerID)
	assert.Equal(t, 2, view.CurrentPlayers)
	assert.Equal(t, StatusWaiting, view.Status)
}

func TestGameStateCarriesProgressCounters(t *testing.T) {
	room := &Room{
		ID:                  "abcd1234",
		TotalPlayers:        3,
		HostID:              1,
		Seats:               []int64{1, 0, 0},
		Players:             map[int64]*Player{1: {ID: 1, SeatIndex: 0}},
		Status:              StatusInGame,
		CurrentRound:        2,
		CurrentTurn:         3,
		TotalPuzzlePieces:   5,
		CurrentPuzzlePieces: 4,
	}

	state := room.GameState()

	assert.Equal(t, 2, state.CurrentRound)
	assert.Equal(t, 3, state.CurrentTurn)
	assert.Equal(t, 5, state.TotalPuzzlePieces)
	assert.Equal(t, 4, state.CurrentPuzzlePieces)
}
