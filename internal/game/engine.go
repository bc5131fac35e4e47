package game

import (
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"puzzleboard-server/internal/event"
)

// Card types a turn draws before its timer starts.
const (
	CardPicture = "picture"
	CardText    = "text"
)

// Vote values accepted from non-speaking players.
const (
	VoteAgree    = "agree"
	VoteDisagree = "disagree"
)

// Vote outcomes pushed in the vote-result event.
const (
	ResultReVote           = "re-vote"
	ResultAcquiredNextTurn = "puzzle-acquired-next-turn"
	ResultFailedNextTurn   = "puzzle-failed-next-turn"
	ResultGameCompleted    = "game-completed"
)

// RankEntry is one row of the final ranking, ordered by collected pieces
// descending with sequence number breaking ties.
type RankEntry struct {
	Rank            int    `json:"rank"`
	PlayerID        int64  `json:"playerId"`
	Name            string `json:"name"`
	CollectedPieces int    `json:"collectedPieces"`
}

// Engine drives the in-room phase machine: start, turn ordering, rounds,
// cards, voting and reset. Room lifecycle stays in RoomManager.
type Engine struct {
	rooms    *RoomManager
	notifier Notifier

	// votes holds one tally per room, keyed by voter. The insert and the
	// "all votes in" check share the mutex so exactly one caller observes
	// the triggering size and takes the tally with it.
	mu    sync.Mutex
	votes map[string]map[int64]string
}

func NewEngine(rooms *RoomManager, notifier Notifier, bus *event.Bus) *Engine {
	e := &Engine{
		rooms:    rooms,
		notifier: notifier,
		votes:    make(map[string]map[int64]string),
	}

	bus.Subscribe(event.GameEnded{}.EventName(), func(ev event.Event) {
		if g, ok := ev.(event.GameEnded); ok {
			e.handleGameEnded(g)
		}
	})

	return e
}

// StartGame moves the room from Waiting to InGame. Double-start is rejected,
// not absorbed.
func (e *Engine) StartGame(roomID string, requesterID int64) (GameStateView, error) {
	room, err := e.rooms.GetRoom(roomID)
	if err != nil {
		return GameStateView{}, err
	}

	room.mu.Lock()
	if room.HostID != requesterID {
		room.mu.Unlock()
		return GameStateView{}, forbidden("NOT_HOST", "only the host can start the game")
	}
	if len(room.Players) != room.TotalPlayers {
		room.mu.Unlock()
		return GameStateView{}, conflict("ROOM_NOT_FULL", "%d of %d players seated", len(room.Players), room.TotalPlayers)
	}
	if room.Status != StatusWaiting {
		room.mu.Unlock()
		return GameStateView{}, conflict("GAME_ALREADY_STARTED", "room %s is not waiting", roomID)
	}

	room.Status = StatusInGame
	room.CurrentTurn = 1
	room.CurrentRound = 1
	room.CurrentPuzzlePieces = 0
	room.PictureCardAssigned = false
	room.TextCardAssigned = false
	room.HasReVoted = false
	state := room.gameStateView()
	room.mu.Unlock()

	e.mu.Lock()
	delete(e.votes, roomID)
	e.mu.Unlock()

	e.notifier.Broadcast(roomID, "game-started", state)
	log.Printf("Game started: roomId=%s, hostId=%d", roomID, requesterID)
	return state, nil
}

// SetUsageTime records one player's smartphone usage time. Once every seated
// player has a positive value the turn order is fixed: ascending usage time,
// ties by survey score descending, remaining ties by random draw. The
// pre-shuffle makes the final tie-break uniform instead of leaking map order.
func (e *Engine) SetUsageTime(roomID string, playerID int64, minutes int) error {
	if minutes <= 0 {
		return invalidArgument("INVALID_USAGE_TIME", "usage time must be positive, got %d", minutes)
	}

	room, err := e.rooms.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	player, ok := room.Players[playerID]
	if !ok {
		room.mu.Unlock()
		return notFound("PLAYER_NOT_FOUND", "player %d is not in room %s", playerID, roomID)
	}
	player.UsageTime = minutes

	allSet := true
	for _, p := range room.Players {
		if p.UsageTime <= 0 {
			allSet = false
			break
		}
	}

	var order map[int64]int
	if allSet {
		sorted := make([]*Player, 0, len(room.Players))
		for _, p := range room.Players {
			sorted = append(sorted, p)
		}
		rand.Shuffle(len(sorted), func(i, j int) {
			sorted[i], sorted[j] = sorted[j], sorted[i]
		})
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].UsageTime != sorted[j].UsageTime {
				return sorted[i].UsageTime < sorted[j].UsageTime
			}
			return sorted[i].SurveyScore > sorted[j].SurveyScore
		})

		order = make(map[int64]int, len(sorted))
		for i, p := range sorted {
			p.SequenceNumber = i + 1
			order[p.ID] = p.SequenceNumber
		}
	}
	room.mu.Unlock()

	if order != nil {
		e.notifier.Broadcast(roomID, "player-order-assigned", order)
		log.Printf("Turn order assigned: roomId=%s", roomID)
	}
	return nil
}

// StartRound begins a speaking round. Each player learns only its own role;
// the full roster is not re-broadcast.
func (e *Engine) StartRound(roomID string, roundNumber int, requesterID int64) error {
	room, err := e.rooms.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if room.HostID != requesterID {
		room.mu.Unlock()
		return forbidden("NOT_HOST", "only the host can start a round")
	}
	if room.Status != StatusInGame {
		room.mu.Unlock()
		return conflict("GAME_NOT_STARTED", "room %s has no game in progress", roomID)
	}
	room.CurrentRound = roundNumber

	var speakerID int64
	for _, p := range room.Players {
		if p.SequenceNumber == room.CurrentTurn {
			speakerID = p.ID
			break
		}
	}
	if speakerID == 0 {
		room.mu.Unlock()
		return conflict("ORDER_NOT_ASSIGNED", "no player holds sequence number %d in room %s", room.CurrentTurn, roomID)
	}

	targets := make([]int64, 0, len(room.Players))
	for _, p := range room.Players {
		p.Speaking = p.ID == speakerID
		targets = append(targets, p.ID)
	}
	room.mu.Unlock()

	eventName := fmt.Sprintf("round-%d-started", roundNumber)
	for _, id := range targets {
		role := "listening"
		if id == speakerID {
			role = "speaking"
		}
		e.notifier.SendTo(roomID, id, eventName, map[string]any{
			"round":     roundNumber,
			"role":      role,
			"speakerId": speakerID,
		})
	}

	log.Printf("Round started: roomId=%s, round=%d, speakerId=%d", roomID, roundNumber, speakerID)
	return nil
}

// AssignCard draws a random card of the given type. Once both the picture and
// the text card are out, the speaking timer starts from the server clock so
// clients can compute the same deadline regardless of delivery jitter.
func (e *Engine) AssignCard(roomID, cardType string, maxID int) error {
	if cardType != CardPicture && cardType != CardText {
		return invalidArgument("INVALID_CARD_TYPE", "unknown card type %q", cardType)
	}
	if maxID < 1 {
		return invalidArgument("INVALID_CARD_RANGE", "card id bound must be at least 1, got %d", maxID)
	}

	room, err := e.rooms.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if room.Status != StatusInGame {
		room.mu.Unlock()
		return conflict("GAME_NOT_STARTED", "room %s has no game in progress", roomID)
	}
	if cardType == CardPicture {
		room.PictureCardAssigned = true
	} else {
		room.TextCardAssigned = true
	}
	bothAssigned := room.PictureCardAssigned && room.TextCardAssigned
	room.mu.Unlock()

	cardID := rand.Intn(maxID) + 1
	e.notifier.Broadcast(roomID, "card-assigned", map[string]any{
		"cardType": cardType,
		"cardId":   cardID,
	})

	if bothAssigned {
		e.notifier.Broadcast(roomID, "timer-start", map[string]any{
			"startTime": time.Now().UnixMilli(),
		})
	}
	return nil
}

// ExtendTime is a pure notification; the countdown lives client-side.
func (e *Engine) ExtendTime(roomID string, additionalSeconds int) error {
	if _, err := e.rooms.GetRoom(roomID); err != nil {
		return err
	}
	e.notifier.Broadcast(roomID, "time-extended", map[string]any{
		"additionalTime": additionalSeconds,
	})
	return nil
}

// EndSpeaking is a pure notification that the speaker finished early.
func (e *Engine) EndSpeaking(roomID string) error {
	if _, err := e.rooms.GetRoom(roomID); err != nil {
		return err
	}
	e.notifier.Broadcast(roomID, "speaking-end", "speaking has ended")
	return nil
}

// CastVote records one listener's vote. The voter that completes the tally
// removes it and resolves the round; concurrent last votes cannot resolve
// twice because only the remover proceeds.
func (e *Engine) CastVote(roomID string, playerID int64, vote string) error {
	if vote != VoteAgree && vote != VoteDisagree {
		return invalidArgument("INVALID_VOTE", "vote must be agree or disagree, got %q", vote)
	}

	room, err := e.rooms.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	player, ok := room.Players[playerID]
	if !ok {
		room.mu.Unlock()
		return notFound("PLAYER_NOT_FOUND", "player %d is not in room %s", playerID, roomID)
	}
	if room.Status != StatusInGame {
		room.mu.Unlock()
		return conflict("GAME_NOT_STARTED", "room %s has no game in progress", roomID)
	}
	if player.Speaking {
		room.mu.Unlock()
		return forbidden("SPEAKER_CANNOT_VOTE", "the current speaker does not vote")
	}
	roundActive := false
	for _, p := range room.Players {
		if p.Speaking {
			roundActive = true
			break
		}
	}
	if !roundActive {
		room.mu.Unlock()
		return conflict("ROUND_NOT_STARTED", "no speaking round is active in room %s", roomID)
	}
	needed := room.TotalPlayers - 1
	room.mu.Unlock()

	e.mu.Lock()
	tally, ok := e.votes[roomID]
	if !ok {
		tally = make(map[int64]string, needed)
		e.votes[roomID] = tally
	}
	tally[playerID] = vote

	var resolved map[int64]string
	if len(tally) == needed {
		delete(e.votes, roomID)
		resolved = tally
	}
	e.mu.Unlock()

	if resolved != nil {
		e.resolveVotes(room, resolved)
	}
	return nil
}

func (e *Engine) resolveVotes(room *Room, tally map[int64]string) {
	agree, disagree := 0, 0
	for _, v := range tally {
		if v == VoteAgree {
			agree++
		} else {
			disagree++
		}
	}

	room.mu.Lock()

	// In a 3-player room one agreement wins the piece; larger rooms need a
	// simple majority, rounded up.
	acquired := agree >= (room.TotalPlayers+1)/2
	if room.TotalPlayers == 3 {
		acquired = agree >= 1
	}

	if acquired {
		var speaker *Player
		for _, p := range room.Players {
			if p.Speaking {
				speaker = p
				break
			}
		}
		if speaker == nil {
			room.mu.Unlock()
			log.Printf("Vote resolved with no active speaker: roomId=%s", room.ID)
			return
		}
		speaker.CollectedPieces++
		room.CurrentPuzzlePieces++
		room.HasReVoted = false

		if room.CurrentPuzzlePieces >= room.TotalPuzzlePieces {
			ranking := buildRanking(room)
			room.Status = StatusEnded
			for _, p := range room.Players {
				p.SequenceNumber = 0
				p.UsageTime = 0
				p.Speaking = false
			}
			room.PictureCardAssigned = false
			room.TextCardAssigned = false
			room.mu.Unlock()

			e.notifier.Broadcast(room.ID, "vote-result", map[string]any{
				"result":        ResultGameCompleted,
				"agreeCount":    agree,
				"disagreeCount": disagree,
				"ranking":       ranking,
			})
			log.Printf("Game completed: roomId=%s", room.ID)
			return
		}

		speakerID, turns := advanceTurn(room)
		room.mu.Unlock()

		e.notifier.Broadcast(room.ID, "vote-result", map[string]any{
			"result":        ResultAcquiredNextTurn,
			"agreeCount":    agree,
			"disagreeCount": disagree,
		})
		e.notifyTurnChanged(room.ID, speakerID, turns)
		return
	}

	if !room.HasReVoted {
		room.HasReVoted = true
		dissenters := make([]string, 0, disagree)
		for id, v := range tally {
			if v == VoteDisagree {
				if p, ok := room.Players[id]; ok {
					dissenters = append(dissenters, p.Info.Name)
				}
			}
		}
		room.mu.Unlock()

		// First failure this turn: ask for one re-vote, keep the speaker.
		e.notifier.Broadcast(room.ID, "vote-result", map[string]any{
			"result":          ResultReVote,
			"agreeCount":      agree,
			"disagreeCount":   disagree,
			"disagreePlayers": dissenters,
		})
		return
	}

	// Second consecutive failure: the turn moves on regardless.
	room.HasReVoted = false
	speakerID, turns := advanceTurn(room)
	room.mu.Unlock()

	e.notifier.Broadcast(room.ID, "vote-result", map[string]any{
		"result":        ResultFailedNextTurn,
		"agreeCount":    agree,
		"disagreeCount": disagree,
	})
	e.notifyTurnChanged(room.ID, speakerID, turns)
}

// advanceTurn must be called with the room mutex held. It rotates the turn
// counter, moves the speaking flag and clears the per-turn card flags.
func advanceTurn(room *Room) (speakerID int64, playerIDs []int64) {
	room.CurrentTurn = room.CurrentTurn%room.TotalPlayers + 1
	room.PictureCardAssigned = false
	room.TextCardAssigned = false

	playerIDs = make([]int64, 0, len(room.Players))
	for _, p := range room.Players {
		p.Speaking = p.SequenceNumber == room.CurrentTurn
		if p.Speaking {
			speakerID = p.ID
		}
		playerIDs = append(playerIDs, p.ID)
	}
	return speakerID, playerIDs
}

// notifyTurnChanged tells every player its role for the new turn. Listeners
// get the message too: they need to know who speaks next.
func (e *Engine) notifyTurnChanged(roomID string, speakerID int64, playerIDs []int64) {
	for _, id := range playerIDs {
		role := "listening"
		if id == speakerID {
			role = "speaking"
		}
		e.notifier.SendTo(roomID, id, "turn-changed", map[string]any{
			"role":      role,
			"speakerId": speakerID,
		})
	}
}

// buildRanking must be called with the room mutex held.
func buildRanking(room *Room) []RankEntry {
	players := make([]*Player, 0, len(room.Players))
	for _, p := range room.Players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].CollectedPieces != players[j].CollectedPieces {
			return players[i].CollectedPieces > players[j].CollectedPieces
		}
		return players[i].SequenceNumber < players[j].SequenceNumber
	})

	ranking := make([]RankEntry, len(players))
	for i, p := range players {
		ranking[i] = RankEntry{
			Rank:            i + 1,
			PlayerID:        p.ID,
			Name:            p.Info.Name,
			CollectedPieces: p.CollectedPieces,
		}
	}
	return ranking
}

// ResetGame runs the Ended -> Waiting loop so the same room can host another
// game.
func (e *Engine) ResetGame(roomID string, requesterID int64) error {
	room, err := e.rooms.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if room.HostID != requesterID {
		room.mu.Unlock()
		return forbidden("NOT_HOST", "only the host can reset the game")
	}
	if room.Status != StatusEnded {
		room.mu.Unlock()
		return conflict("GAME_NOT_ENDED", "room %s has no finished game to reset", roomID)
	}
	resetRoomLocked(room)
	room.Status = StatusWaiting
	room.mu.Unlock()

	e.clearTally(roomID)
	e.rooms.ReassignHostIfNeeded(roomID)
	e.notifier.Broadcast(roomID, "game-reset", map[string]any{
		"message": "game was reset, the host can start a new one",
	})
	log.Printf("Game reset: roomId=%s", roomID)
	return nil
}

// handleGameEnded clears engine state after a mid-game interruption. The
// coordinator has already broadcast game-reset; this stays quiet.
func (e *Engine) handleGameEnded(ev event.GameEnded) {
	room, err := e.rooms.GetRoom(ev.RoomID)
	if err != nil {
		return
	}

	room.mu.Lock()
	resetRoomLocked(room)
	room.Status = StatusWaiting
	room.mu.Unlock()

	e.clearTally(ev.RoomID)
	e.rooms.ReassignHostIfNeeded(ev.RoomID)
}

func (e *Engine) clearTally(roomID string) {
	e.mu.Lock()
	delete(e.votes, roomID)
	e.mu.Unlock()
}

// resetRoomLocked must be called with the room mutex held.
func resetRoomLocked(room *Room) {
	room.CurrentRound = 0
	room.CurrentTurn = 0
	room.CurrentPuzzlePieces = 0
	room.PictureCardAssigned = false
	room.TextCardAssigned = false
	room.HasReVoted = false
	for _, p := range room.Players {
		p.SequenceNumber = 0
		p.UsageTime = 0
		p.Speaking = false
		p.CollectedPieces = 0
	}
}
