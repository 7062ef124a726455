// Package sessions owns the live session table: one entry per joined
// connection, sharded per project room and mirrored to durable rows.
package sessions

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/presence"
	"gorm.io/datatypes"
)

// Session is one connection's membership in a project room.
type Session struct {
	ID           string          `json:"session_id"`
	ProjectID    string          `json:"project_id"`
	UserID       string          `json:"user_id"`
	Username     string          `json:"username"`
	ConnectionID string          `json:"-"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
	ActiveFile   string          `json:"active_file,omitempty"`
	Status       presence.Status `json:"status"`
	LastSeen     time.Time       `json:"last_seen"`
	JoinedAt     time.Time       `json:"joined_at"`
	Active       bool            `json:"-"`
}

func (s Session) clone() Session {
	if s.Cursor != nil {
		s.Cursor = append(json.RawMessage(nil), s.Cursor...)
	}
	return s
}

// Record is the durable row kept for every session, active or ended.
type Record struct {
	ID           string         `gorm:"column:id;primaryKey;size:64;not null"`
	ProjectID    string         `gorm:"column:project_id;size:190;not null;index:idx_sessions_project_active,priority:1"`
	UserID       string         `gorm:"column:user_id;size:190;not null;index"`
	Username     string         `gorm:"column:username;size:190;not null;default:''"`
	ConnectionID string         `gorm:"column:connection_id;size:64;not null;index"`
	Cursor       datatypes.JSON `gorm:"column:cursor"`
	ActiveFile   string         `gorm:"column:active_file;size:512;not null;default:''"`
	Status       string         `gorm:"column:status;size:16;not null"`
	LastSeenAt   time.Time      `gorm:"column:last_seen_at;not null"`
	JoinedAt     time.Time      `gorm:"column:joined_at;not null"`
	EndedAt      *time.Time     `gorm:"column:ended_at"`
	IsActive     bool           `gorm:"column:is_active;not null;default:true;index:idx_sessions_project_active,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "collaboration_sessions"
}

func recordFromSession(session Session) Record {
	return Record{
		ID:           session.ID,
		ProjectID:    session.ProjectID,
		UserID:       session.UserID,
		Username:     session.Username,
		ConnectionID: session.ConnectionID,
		Cursor:       cursorColumn(session.Cursor),
		ActiveFile:   session.ActiveFile,
		Status:       session.Status.String(),
		LastSeenAt:   session.LastSeen,
		JoinedAt:     session.JoinedAt,
		IsActive:     true,
	}
}

// Activity is the mutable part of a session written back in batches.
type Activity struct {
	SessionID  string
	Cursor     json.RawMessage
	ActiveFile string
	Status     presence.Status
	LastSeen   time.Time
}

func activityOf(session Session) Activity {
	return Activity{
		SessionID:  session.ID,
		Cursor:     session.Cursor,
		ActiveFile: session.ActiveFile,
		Status:     session.Status,
		LastSeen:   session.LastSeen,
	}
}

func cursorColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

// PresenceChange reports a visible status transition produced by a sweep.
type PresenceChange struct {
	Session  Session
	Previous presence.Status
}
