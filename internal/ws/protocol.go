package ws

import (
	"errors"

	"tandem/api/internal/ot"
	"tandem/api/internal/presence"
	"tandem/api/internal/realtime"
)

// Inbound event names.
const (
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventCursorMove    = "cursor-move"
	EventContentChange = "content-change"
	EventStatusUpdate  = "status-update"
	EventHeartbeat     = "heartbeat"
)

// Envelope is one client request. The acting user always comes from the
// connection's token; UserID, when sent, must match it.
type Envelope struct {
	Type      string              `json:"type"`
	RoomID    string              `json:"roomId"`
	UserID    string              `json:"userId,omitempty"`
	UserName  string              `json:"userName,omitempty"`
	Avatar    string              `json:"avatar,omitempty"`
	Cursor    *presence.Cursor    `json:"cursor,omitempty"`
	Selection *presence.Selection `json:"selection,omitempty"`
	Change    *ot.Change          `json:"change,omitempty"`
	Version   int                 `json:"version"`
	Status    presence.Status     `json:"status,omitempty"`
}

const (
	CodeBadRequest   = "bad_request"
	CodeUnknownEvent = "unknown_event"
	CodeForbidden    = "forbidden"
	CodeRoomNotFound = "room_not_found"
	CodeNotMember    = "not_member"
	CodeInvalidEdit  = "invalid_change"
	CodeBadStatus    = "invalid_status"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal_error"
)

type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(message string) error {
	return &requestError{code: CodeBadRequest, message: message}
}

func errorPayload(err error) realtime.ErrorPayload {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return realtime.ErrorPayload{Code: reqErr.code, Message: reqErr.message}
	}
	code := CodeInternal
	switch {
	case errors.Is(err, realtime.ErrRoomNotFound):
		code = CodeRoomNotFound
	case errors.Is(err, realtime.ErrNotMember):
		code = CodeNotMember
	case errors.Is(err, realtime.ErrInvalidChange):
		code = CodeInvalidEdit
	case errors.Is(err, realtime.ErrInvalidStatus):
		code = CodeBadStatus
	case errors.Is(err, realtime.ErrClosed):
		code = CodeUnavailable
	}
	return realtime.ErrorPayload{Code: code, Message: err.Error()}
}
