package realtime

import (
	"tandem/api/internal/ot"
	"tandem/api/internal/presence"
)

// Outbound event names.
const (
	EventRoomState        = "room-state"
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventCursorUpdate     = "cursor-update"
	EventContentUpdate    = "content-update"
	EventContentConfirmed = "content-confirmed"
	EventContentConflict  = "content-conflict"
	EventStatusUpdate     = "status-update"
	EventError            = "error"
)

type Message struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type RoomState struct {
	RoomID  string              `json:"roomId"`
	Users   []presence.Presence `json:"users"`
	Content string              `json:"content"`
	Version int                 `json:"version"`
}

type UserJoined struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Avatar   string `json:"avatar,omitempty"`
	Color    string `json:"color"`
}

type UserLeft struct {
	UserID string `json:"userId"`
}

type CursorUpdate struct {
	UserID    string              `json:"userId"`
	Cursor    presence.Cursor     `json:"cursor"`
	Selection *presence.Selection `json:"selection,omitempty"`
}

type ContentUpdate struct {
	UserID  string    `json:"userId"`
	Change  ot.Change `json:"change"`
	Version int       `json:"version"`
}

type ContentConfirmed struct {
	Version int `json:"version"`
}

type ContentConflict struct {
	CurrentVersion int    `json:"currentVersion"`
	CurrentContent string `json:"currentContent"`
}

type StatusUpdate struct {
	UserID string          `json:"userId"`
	Status presence.Status `json:"status"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
