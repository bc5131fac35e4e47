package server

// ============================================================================
// REQUEST PAYLOADS
// ============================================================================

type createSessionRequest struct {
	UserID int64  `json:"userId,omitempty"`
	Name   string `json:"name"`
	School string `json:"school,omitempty"`
	// SurveyScore is the client-supplied fallback; ignored when a user
	// profile exists in the database.
	SurveyScore int `json:"surveyScore,omitempty"`
}

type createRoomRequest struct {
	RoomName     string `json:"roomName"`
	TotalPlayers int    `json:"totalPlayers"`
}

type usageTimeRequest struct {
	UsageTime int `json:"usageTime"`
}

type assignCardRequest struct {
	CardType  string `json:"cardType"`
	MaxCardID int    `json:"maxCardId"`
}

type extendTimeRequest struct {
	AdditionalTime int `json:"additionalTime"`
}

type voteRequest struct {
	Vote string `json:"vote"`
}

// ============================================================================
// RESPONSE PAYLOADS
// ============================================================================

type sessionResponse struct {
	Token       string `json:"token"`
	UserID      int64  `json:"userId"`
	Name        string `json:"name"`
	School      string `json:"school,omitempty"`
	SurveyScore int    `json:"surveyScore"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type okResponse struct {
	Message string `json:"message"`
}

type timeSyncResponse struct {
	ServerTime int64 `json:"serverTime"`
}
