// Package eventlog is the durable record of a project's collaboration: the
// append-only event log, per-file revision counters and chat.
package eventlog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// EventType enumerates the kinds of collaboration events kept for audit.
type EventType string

const (
	EventCursor     EventType = "cursor"
	EventTextChange EventType = "text-change"
	EventFileChange EventType = "file-change"
	EventPresence   EventType = "presence"
)

// ChangeType enumerates file change operations.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

const (
	maxFilenameLength = 512
	// MaxChatLength bounds a single chat message in bytes.
	MaxChatLength = 4000
	// DefaultPageSize applies when a caller asks for a non-positive limit.
	DefaultPageSize = 50
	// MaxPageSize caps history and chat pages.
	MaxPageSize = 200
)

var (
	// ErrInvalidEventType indicates an event type outside the known set.
	ErrInvalidEventType = errors.New("eventlog: invalid event type")
	// ErrInvalidChangeType indicates a file change type outside the known set.
	ErrInvalidChangeType = errors.New("eventlog: invalid change type")
	// ErrInvalidFilename indicates an empty or oversized filename.
	ErrInvalidFilename = errors.New("eventlog: invalid filename")
	// ErrInvalidMessage indicates an empty or oversized chat message.
	ErrInvalidMessage = errors.New("eventlog: invalid chat message")
	// ErrInvalidPayload indicates an event payload that is not valid JSON.
	ErrInvalidPayload = errors.New("eventlog: invalid payload")
)

// ParseEventType validates a raw event type.
func ParseEventType(raw string) (EventType, error) {
	switch EventType(raw) {
	case EventCursor, EventTextChange, EventFileChange, EventPresence:
		return EventType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
	}
}

// ParseChangeType validates a raw change type. An empty value means update.
func ParseChangeType(raw string) (ChangeType, error) {
	switch ChangeType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ChangeUpdate:
		return ChangeUpdate, nil
	case ChangeCreate:
		return ChangeCreate, nil
	case ChangeDelete:
		return ChangeDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChangeType, raw)
	}
}

func validateFilename(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFilename)
	}
	if len(trimmed) > maxFilenameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFilename, maxFilenameLength)
	}
	return trimmed, nil
}

func validateMessage(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	if len(trimmed) > MaxChatLength {
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidMessage, MaxChatLength)
	}
	return trimmed, nil
}

// Event is one row of the append-only collaboration log. The auto-increment
// id is the log's total order.
type Event struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id" yaml:"id"`
	ProjectID string         `gorm:"column:project_id;size:190;not null;index:idx_events_project_id,priority:1" json:"project_id" yaml:"project_id"`
	UserID    string         `gorm:"column:user_id;size:190;not null" json:"user_id" yaml:"user_id"`
	SessionID string         `gorm:"column:session_id;size:64;not null;default:''" json:"session_id" yaml:"session_id"`
	EventType EventType      `gorm:"column:event_type;size:32;not null" json:"event_type" yaml:"event_type"`
	Payload   datatypes.JSON `gorm:"column:payload;not null" json:"payload" yaml:"-"`
	CreatedAt time.Time      `gorm:"column:created_at;not null" json:"created_at" yaml:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "collaboration_events"
}

// FileRevision counts accepted writes to one file. Writes are last-write-wins
// by arrival order; the counter lets clients notice they applied a stale one.
type FileRevision struct {
	ProjectID     string    `gorm:"column:project_id;primaryKey;size:190;not null" json:"project_id"`
	Filename      string    `gorm:"column:filename;primaryKey;size:512;not null" json:"filename"`
	Revision      int64     `gorm:"column:revision;not null;default:0" json:"revision"`
	LastUserID    string    `gorm:"column:last_user_id;size:190;not null" json:"last_user_id"`
	LastSessionID string    `gorm:"column:last_session_id;size:64;not null;default:''" json:"last_session_id"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (FileRevision) TableName() string {
	return "file_revisions"
}

// ChatMessage is a project chat line. Only its author may edit or delete it.
type ChatMessage struct {
	ID        string     `gorm:"column:id;primaryKey;size:64;not null" json:"id" yaml:"id"`
	ProjectID string     `gorm:"column:project_id;size:190;not null;index:idx_chat_project_created,priority:1" json:"project_id" yaml:"project_id"`
	UserID    string     `gorm:"column:user_id;size:190;not null" json:"user_id" yaml:"user_id"`
	Username  string     `gorm:"column:username;size:190;not null;default:''" json:"username" yaml:"username"`
	Message   string     `gorm:"column:message;type:text;not null" json:"message" yaml:"message"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;index:idx_chat_project_created,priority:2" json:"created_at" yaml:"created_at"`
	IsEdited  bool       `gorm:"column:is_edited;not null;default:false" json:"is_edited" yaml:"is_edited"`
	EditedAt  *time.Time `gorm:"column:edited_at" json:"edited_at,omitempty" yaml:"edited_at,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// EventInput describes an event to append.
type EventInput struct {
	ProjectID string
	UserID    string
	SessionID string
	Type      EventType
	Payload   []byte
}

// FileChangeInput describes a file write to append.
type FileChangeInput struct {
	ProjectID  string
	UserID     string
	SessionID  string
	Filename   string
	Content    string
	ChangeType ChangeType
}

// FileChangePayload is the payload stored for file-change events.
type FileChangePayload struct {
	Filename   string     `json:"filename"`
	Content    string     `json:"content"`
	ChangeType ChangeType `json:"change_type"`
	Revision   int64      `json:"revision"`
}

// ChatInput describes a chat message to append.
type ChatInput struct {
	ProjectID string
	UserID    string
	Username  string
	Message   string
}
