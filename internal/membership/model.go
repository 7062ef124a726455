package membership

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is a user's standing on a project.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// Action is something a user may attempt inside a project room.
type Action string

const (
	// ActionJoin covers joining the room and receiving broadcasts.
	ActionJoin Action = "join"
	// ActionRead covers reading chat, history, sessions and the collaborator list.
	ActionRead Action = "read"
	// ActionCursor covers cursor and active-file updates.
	ActionCursor Action = "cursor"
	// ActionEdit covers text and file changes.
	ActionEdit Action = "edit"
	// ActionChat covers sending, editing and deleting chat messages.
	ActionChat Action = "chat"
	// ActionManage covers inviting, removing and re-roling collaborators.
	ActionManage Action = "manage"
)

var (
	// ErrInvalidRole indicates an unknown role or an attempt to assign OWNER.
	ErrInvalidRole = errors.New("membership: invalid role")
	// ErrInvalidIdentifier indicates an empty project, user or collaborator id.
	ErrInvalidIdentifier = errors.New("membership: invalid identifier")
)

var policy = map[Role]map[Action]bool{
	RoleViewer: {
		ActionJoin: true,
		ActionRead: true,
	},
	RoleEditor: {
		ActionJoin:   true,
		ActionRead:   true,
		ActionCursor: true,
		ActionEdit:   true,
		ActionChat:   true,
	},
	RoleOwner: {
		ActionJoin:   true,
		ActionRead:   true,
		ActionCursor: true,
		ActionEdit:   true,
		ActionChat:   true,
		ActionManage: true,
	},
}

// Allows reports whether the role's policy permits the action.
func (r Role) Allows(action Action) bool {
	return policy[r][action]
}

// String returns the wire representation of the role.
func (r Role) String() string {
	return string(r)
}

// ParseRole accepts any casing of a known role name.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// ParseAssignableRole is ParseRole restricted to roles a collaborator row may carry.
func ParseAssignableRole(raw string) (Role, error) {
	role, err := ParseRole(raw)
	if err != nil {
		return "", err
	}
	if role == RoleOwner {
		return "", fmt.Errorf("%w: owner is assigned at project creation", ErrInvalidRole)
	}
	return role, nil
}

// Project is the ownership record consumed from the project service.
type Project struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index"`
	Name      string    `gorm:"column:name;size:255;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Collaborator grants a non-owner user a role on a project. Pending invitations
// have a nil AcceptedAt and IsActive=false.
type Collaborator struct {
	ID         string     `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	ProjectID  string     `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_collaborators_project_user,priority:1" json:"project_id"`
	UserID     string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_collaborators_project_user,priority:2;index" json:"user_id"`
	Email      string     `gorm:"column:email;size:320;not null;default:''" json:"email"`
	Role       Role       `gorm:"column:role;size:16;not null" json:"role"`
	InvitedBy  string     `gorm:"column:invited_by;size:190;not null" json:"invited_by"`
	AcceptedAt *time.Time `gorm:"column:accepted_at" json:"accepted_at,omitempty"`
	IsActive   bool       `gorm:"column:is_active;not null;default:false" json:"is_active"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "project_collaborators"
}

// Pending reports whether the invitation has not been accepted yet.
func (c Collaborator) Pending() bool {
	return c.AcceptedAt == nil
}
