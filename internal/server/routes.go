package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"puzzleboard-server/internal/game"
)

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("POST /api/sessions", s.createSessionHandler)

	mux.HandleFunc("POST /api/rooms", s.createRoomHandler)
	mux.HandleFunc("GET /api/rooms/{roomId}", s.getRoomHandler)
	mux.HandleFunc("POST /api/rooms/{roomId}/join", s.joinRoomHandler)
	mux.HandleFunc("POST /api/rooms/{roomId}/leave", s.leaveRoomHandler)
	mux.HandleFunc("GET /api/rooms/{roomId}/connect", s.connectHandler)
	mux.HandleFunc("POST /api/rooms/{roomId}/heartbeat", s.heartbeatHandler)
	mux.HandleFunc("POST /api/rooms/{roomId}/ready/cancel", s.cancelReadyHandler)

	mux.HandleFunc("POST /api/games/{roomId}/start", s.startGameHandler)
	mux.HandleFunc("GET /api/games/{roomId}/state", s.gameStateHandler)
	mux.HandleFunc("POST /api/games/{roomId}/usage-time", s.usageTimeHandler)
	mux.HandleFunc("POST /api/games/{roomId}/rounds/{round}/start", s.startRoundHandler)
	mux.HandleFunc("POST /api/games/{roomId}/cards", s.assignCardHandler)
	mux.HandleFunc("POST /api/games/{roomId}/time/extend", s.extendTimeHandler)
	mux.HandleFunc("POST /api/games/{roomId}/speaking/end", s.endSpeakingHandler)
	mux.HandleFunc("POST /api/games/{roomId}/votes", s.castVoteHandler)
	mux.HandleFunc("POST /api/games/{roomId}/reset", s.resetGameHandler)
	mux.HandleFunc("GET /api/games/{roomId}/time-sync", s.timeSyncHandler)

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// writeError maps the structured room errors onto HTTP statuses; anything
// else is a 500.
func writeError(w http.ResponseWriter, err error) {
	var roomErr *game.RoomError
	if errors.As(err, &roomErr) {
		status := http.StatusInternalServerError
		switch roomErr.Kind {
		case game.KindNotFound:
			status = http.StatusNotFound
		case game.KindForbidden:
			status = http.StatusForbidden
		case game.KindConflict:
			status = http.StatusConflict
		case game.KindInvalidArgument:
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorResponse{Error: roomErr.Code, Message: roomErr.Message})
		return
	}
	if errors.Is(err, errInvalidToken) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "TOKEN_NOT_FOUND", Message: "invalid session token"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "INTERNAL", Message: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_BODY", Message: "malformed request body"})
		return false
	}
	return true
}

// requireSession resolves the bearer token from the Authorization header,
// falling back to the token query parameter for transports that cannot set
// headers.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (SessionInfo, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}

	session, err := s.sessions.Get(token)
	if err != nil {
		writeError(w, err)
		return SessionInfo{}, false
	}
	return session, true
}

// ============================================================================
// SESSION AND UTILITY HANDLERS
// ============================================================================

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "up",
		"rooms":  len(s.rooms.AllRooms()),
	}
	if s.pool != nil {
		if err := s.pool.Ping(r.Context()); err != nil {
			health["status"] = "degraded"
			health["database"] = err.Error()
		} else {
			health["database"] = "up"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

// timeSyncHandler lets clients offset their local clock against the server's
// so timer-start timestamps render consistently.
func (s *Server) timeSyncHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, timeSyncResponse{ServerTime: time.Now().UnixMilli()})
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_NAME", Message: "name is required"})
		return
	}

	name, school, score := req.Name, req.School, req.SurveyScore
	if s.store != nil && req.UserID > 0 {
		profile, err := s.store.Profile(r.Context(), req.UserID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "USER_NOT_FOUND", Message: err.Error()})
			return
		}
		name, school = profile.Name, profile.School

		score, err = s.store.LatestScore(r.Context(), req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	session := s.sessions.Issue(req.UserID, name, school, score)
	writeJSON(w, http.StatusCreated, sessionResponse{
		Token:       session.Token,
		UserID:      session.UserID,
		Name:        session.Name,
		School:      session.School,
		SurveyScore: session.SurveyScore,
	})
}

// ============================================================================
// ROOM HANDLERS
// ============================================================================

func (s *Server) createRoomHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var req createRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}

	info := game.PlayerInfo{Name: session.Name, School: session.School}
	room, err := s.rooms.CreateRoom(session.UserID, req.RoomName, req.TotalPlayers, s.avatarMaxID, session.SurveyScore, info)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room.WaitingView())
}

func (s *Server) getRoomHandler(w http.ResponseWriter, r *http.Request) {
	room, err := s.rooms.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room.WaitingView())
}

func (s *Server) joinRoomHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	info := game.PlayerInfo{Name: session.Name, School: session.School}
	view, err := s.rooms.JoinRoom(r.PathValue("roomId"), session.UserID, info, s.avatarMaxID, session.SurveyScore)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) leaveRoomHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if err := s.rooms.LeaveRoom(r.PathValue("roomId"), session.UserID, true); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "left the room"})
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if err := s.rooms.Heartbeat(r.PathValue("roomId"), session.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelReadyHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if err := s.rooms.CancelReady(r.PathValue("roomId"), session.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "ready canceled"})
}

// connectHandler upgrades to a websocket used as a one-directional event
// stream. The client never writes; CloseRead watches for the close frame
// while pushes flow through the hub channel.
func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("roomId")

	room, err := s.rooms.GetRoom(roomID)
	if err != nil {
		writeError(w, err)
		return
	}

	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("Failed to open websocket: roomId=%s, playerId=%d: %v", roomID, session.UserID, err)
		return
	}

	// An unseated identity gets a short-lived stream telling it to rejoin.
	if !room.HasPlayer(session.UserID) {
		payload, _ := json.Marshal(map[string]any{
			"event": "not-in-room",
			"data":  "join the room before connecting",
		})
		writeCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_ = socket.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		socket.Close(websocket.StatusNormalClosure, "not in room")
		return
	}

	ch, replaced := s.hub.Connect(roomID, session.UserID, socket)
	reconnecting := replaced || r.URL.Query().Get("reconnect") == "true"

	if err := s.rooms.PlayerConnected(roomID, session.UserID, reconnecting, ch); err != nil {
		log.Printf("Connect rejected: roomId=%s, playerId=%d: %v", roomID, session.UserID, err)
		s.hub.Release(ch)
		return
	}

	// Block until the client closes or the hub tears the channel down. A
	// client-initiated close keeps the seat; the presence sweeper reclaims
	// it if the player never comes back.
	readCtx := socket.CloseRead(context.Background())
	select {
	case <-readCtx.Done():
		s.hub.Release(ch)
	case <-ch.Done():
	}
}

// ============================================================================
// GAME HANDLERS
// ============================================================================

func (s *Server) startGameHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	state, err := s.engine.StartGame(r.PathValue("roomId"), session.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) gameStateHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	room, err := s.rooms.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room.GameState())
}

func (s *Server) usageTimeHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var req usageTimeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SetUsageTime(r.PathValue("roomId"), session.UserID, req.UsageTime); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "usage time recorded"})
}

func (s *Server) startRoundHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	round, err := strconv.Atoi(r.PathValue("round"))
	if err != nil || round < 1 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "INVALID_ROUND", Message: "round must be a positive number"})
		return
	}
	if err := s.engine.StartRound(r.PathValue("roomId"), round, session.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "round started"})
}

func (s *Server) assignCardHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	var req assignCardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.AssignCard(r.PathValue("roomId"), req.CardType, req.MaxCardID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "card assigned"})
}

func (s *Server) extendTimeHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	var req extendTimeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.ExtendTime(r.PathValue("roomId"), req.AdditionalTime); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "time extended"})
}

func (s *Server) endSpeakingHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r); !ok {
		return
	}
	if err := s.engine.EndSpeaking(r.PathValue("roomId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "speaking ended"})
}

func (s *Server) castVoteHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.CastVote(r.PathValue("roomId"), session.UserID, req.Vote); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "vote recorded"})
}

func (s *Server) resetGameHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if err := s.engine.ResetGame(r.PathValue("roomId"), session.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "game reset"})
}
