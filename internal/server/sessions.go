package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionInfo binds a bearer token to a player identity for the lifetime of
// the process. Sessions are memory-resident, like rooms.
type SessionInfo struct {
	Token       string
	UserID      int64
	Name        string
	School      string
	SurveyScore int
}

var errInvalidToken = errors.New("TOKEN_NOT_FOUND: invalid session token")

type SessionManager struct {
	sessions map[string]SessionInfo // token -> session
	mu       sync.RWMutex

	// guestSeq hands out identities for clients with no registered user id.
	// Guest ids count up from a base far above any database user id so the
	// two ranges can never collide.
	guestSeq atomic.Int64
}

const guestIDBase = int64(1) << 40

func NewSessionManager() *SessionManager {
	sm := &SessionManager{
		sessions: make(map[string]SessionInfo),
	}
	sm.guestSeq.Store(guestIDBase)
	return sm
}

// Issue creates a session for the identity and returns its bearer token. A
// zero userID gets a generated guest id.
func (sm *SessionManager) Issue(userID int64, name, school string, surveyScore int) SessionInfo {
	if userID == 0 {
		userID = sm.guestSeq.Add(1)
	}

	info := SessionInfo{
		Token:       uuid.New().String(),
		UserID:      userID,
		Name:        name,
		School:      school,
		SurveyScore: surveyScore,
	}

	sm.mu.Lock()
	sm.sessions[info.Token] = info
	sm.mu.Unlock()
	return info
}

func (sm *SessionManager) Get(token string) (SessionInfo, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[token]
	if !exists {
		return SessionInfo{}, errInvalidToken
	}
	return session, nil
}

func (sm *SessionManager) Remove(token string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, token)
}
