// Package room fans collaboration events out to the sessions joined to a
// project. It owns no state of record: its member index can be rebuilt from
// the session registry.
package room

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/eventlog"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/presence"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/sessions"
)

// EventType is the wire name of an outbound event.
type EventType string

const (
	TypeProjectJoined       EventType = "project-joined"
	TypeUserJoined          EventType = "user-joined"
	TypeUserLeft            EventType = "user-left"
	TypeCursorUpdate        EventType = "cursor-update"
	TypeTextChangeApplied   EventType = "text-change-applied"
	TypeFileChanged         EventType = "file-changed"
	TypeChatMessageReceived EventType = "chat-message-received"
	TypeChatMessageEdited   EventType = "chat-message-edited"
	TypeChatMessageDeleted  EventType = "chat-message-deleted"
	TypePresenceUpdated     EventType = "presence-updated"
	TypeSessionEnded        EventType = "session-ended"
	TypeError               EventType = "error"
	TypeAck                 EventType = "ack"
)

// Event is the closed set of messages delivered to clients. Only types in
// this package implement it.
type Event interface {
	Type() EventType
	event()
}

// Leave and end reasons.
const (
	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
	ReasonRemoved      = "removed"
	ReasonExpired      = "expired"
)

// ProjectJoined is the snapshot sent to a session when it joins.
type ProjectJoined struct {
	ProjectID  string                 `json:"project_id"`
	SessionID  string                 `json:"session_id"`
	Role       string                 `json:"role"`
	Sessions   []sessions.Session     `json:"sessions"`
	RecentChat []eventlog.ChatMessage `json:"recent_chat"`
}

type UserJoined struct {
	ProjectID string           `json:"project_id"`
	Session   sessions.Session `json:"session"`
}

type UserLeft struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
}

type CursorUpdate struct {
	ProjectID  string          `json:"project_id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	Username   string          `json:"username"`
	Cursor     json.RawMessage `json:"cursor"`
	ActiveFile string          `json:"active_file,omitempty"`
}

type TextChangeApplied struct {
	ProjectID string          `json:"project_id"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Change    json.RawMessage `json:"change"`
	EventID   int64           `json:"event_id"`
}

type FileChanged struct {
	ProjectID  string              `json:"project_id"`
	SessionID  string              `json:"session_id"`
	UserID     string              `json:"user_id"`
	Filename   string              `json:"filename"`
	Content    string              `json:"content"`
	ChangeType eventlog.ChangeType `json:"change_type"`
	Revision   int64               `json:"revision"`
	EventID    int64               `json:"event_id"`
}

type ChatMessageReceived struct {
	Message eventlog.ChatMessage `json:"message"`
}

type ChatMessageEdited struct {
	Message eventlog.ChatMessage `json:"message"`
}

type ChatMessageDeleted struct {
	ProjectID string `json:"project_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

type PresenceUpdated struct {
	ProjectID string          `json:"project_id"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Status    presence.Status `json:"status"`
	Previous  presence.Status `json:"previous"`
	LastSeen  time.Time       `json:"last_seen"`
}

// SessionEnded tells a session the server ended it.
type SessionEnded struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// Error is delivered only to the connection whose request failed.
type Error struct {
	Code      string `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Ack confirms a request that produced no other reply to its sender.
type Ack struct {
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command"`
	ProjectID string `json:"project_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	EventID   int64  `json:"event_id,omitempty"`
	Revision  int64  `json:"revision,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

func (ProjectJoined) Type() EventType       { return TypeProjectJoined }
func (UserJoined) Type() EventType          { return TypeUserJoined }
func (UserLeft) Type() EventType            { return TypeUserLeft }
func (CursorUpdate) Type() EventType        { return TypeCursorUpdate }
func (TextChangeApplied) Type() EventType   { return TypeTextChangeApplied }
func (FileChanged) Type() EventType         { return TypeFileChanged }
func (ChatMessageReceived) Type() EventType { return TypeChatMessageReceived }
func (ChatMessageEdited) Type() EventType   { return TypeChatMessageEdited }
func (ChatMessageDeleted) Type() EventType  { return TypeChatMessageDeleted }
func (PresenceUpdated) Type() EventType     { return TypePresenceUpdated }
func (SessionEnded) Type() EventType        { return TypeSessionEnded }
func (Error) Type() EventType               { return TypeError }
func (Ack) Type() EventType                 { return TypeAck }

func (ProjectJoined) event()       {}
func (UserJoined) event()          {}
func (UserLeft) event()            {}
func (CursorUpdate) event()        {}
func (TextChangeApplied) event()   {}
func (FileChanged) event()         {}
func (ChatMessageReceived) event() {}
func (ChatMessageEdited) event()   {}
func (ChatMessageDeleted) event()  {}
func (PresenceUpdated) event()     {}
func (SessionEnded) event()        {}
func (Error) event()               {}
func (Ack) event()                 {}

// Envelope is the outbound wire frame.
type Envelope struct {
	Type EventType `json:"type"`
	Data Event     `json:"data"`
}

// Wrap frames an event for the wire.
func Wrap(event Event) Envelope {
	return Envelope{Type: event.Type(), Data: event}
}
