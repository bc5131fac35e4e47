package game

import "fmt"

// ErrorKind classifies a RoomError so callers can branch (and HTTP handlers
// can pick a status) without string matching.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota
	KindForbidden
	KindConflict
	KindInvalidArgument
)

// RoomError is the failure type returned by the coordinator and the engine.
// The Code is a stable uppercase identifier; Error() renders "CODE: message".
type RoomError struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *RoomError) Error() string {
	return e.Code + ": " + e.Message
}

func notFound(code, format string, args ...any) *RoomError {
	return &RoomError{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func forbidden(code, format string, args ...any) *RoomError {
	return &RoomError{Kind: KindForbidden, Code: code, Message: fmt.Sprintf(format, args...)}
}

func conflict(code, format string, args ...any) *RoomError {
	return &RoomError{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func invalidArgument(code, format string, args ...any) *RoomError {
	return &RoomError{Kind: KindInvalidArgument, Code: code, Message: fmt.Sprintf(format, args...)}
}
