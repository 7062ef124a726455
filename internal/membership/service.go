package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/ids"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/users"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew      = "membership.service.new"
	opRegisterProject = "membership.register_project"
	opRoleOf          = "membership.role_of"
	opAuthorize       = "membership.authorize"
	opInvite          = "membership.invite"
	opAccept          = "membership.accept"
	opUpdateRole      = "membership.update_role"
	opRemove          = "membership.remove"
	opList            = "membership.list"

	fieldProjectID      = "project_id"
	fieldUserID         = "user_id"
	fieldCollaboratorID = "collaborator_id"

	defaultRoleCacheSize = 4096
	defaultRoleCacheTTL  = 30 * time.Second
)

// ErrNoAccess reports a user who holds no role in the project, neither owner
// nor active collaborator.
var ErrNoAccess = errors.New("user has no access to project")

var (
	errMissingDatabase       = errors.New("database handle is required")
	errMissingDirectory      = errors.New("user directory is required")
	errProjectNotFound       = errors.New("project not found")
	errProjectOwnedElsewhere = errors.New("project already registered to another owner")
	errNotOwner              = errors.New("only the project owner may manage collaborators")
	errActionDenied          = errors.New("role does not permit action")
	errInvitationNotFound    = errors.New("no invitation for user")
	errCollaboratorNotFound  = errors.New("collaborator not found")
	errAlreadyCollaborator   = errors.New("user is already a collaborator")
	errInviteOwner           = errors.New("owner cannot be invited to own project")
	errTargetSelf            = errors.New("owner cannot target itself")
)

// UserDirectory resolves invitee email addresses.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (users.User, error)
}

// ServiceConfig describes the dependencies of the membership service.
type ServiceConfig struct {
	Database   *gorm.DB
	Directory  UserDirectory
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
	// RoleCacheTTL bounds how long a resolved role is reused. Writes made
	// through this service invalidate affected entries immediately.
	RoleCacheTTL time.Duration
}

type cachedRole struct {
	role Role
	ok   bool
}

// Service answers "what may this user do on this project" and manages
// collaborator rows.
type Service struct {
	db         *gorm.DB
	directory  UserDirectory
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger

	roles        *expirable.LRU[string, cachedRole]
	generationMu sync.Mutex
	generation   uint64
}

// NewService constructs the membership service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew+".missing_database", errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew+".missing_directory", errMissingDirectory)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.RoleCacheTTL
	if ttl <= 0 {
		ttl = defaultRoleCacheTTL
	}
	return &Service{
		db:         cfg.Database,
		directory:  cfg.Directory,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		roles:      expirable.NewLRU[string, cachedRole](defaultRoleCacheSize, nil, ttl),
	}, nil
}

// RegisterProject records project ownership. Registering the same project for
// the same owner again is a no-op.
func (s *Service) RegisterProject(ctx context.Context, projectID, ownerID, name string) (Project, error) {
	projectID = strings.TrimSpace(projectID)
	ownerID = strings.TrimSpace(ownerID)
	if projectID == "" || ownerID == "" {
		return Project{}, apperr.Invalid(opRegisterProject+".invalid_identifier", ErrInvalidIdentifier)
	}

	var existing Project
	err := s.db.WithContext(ctx).Where("id = ?", projectID).Take(&existing).Error
	if err == nil {
		if existing.OwnerID != ownerID {
			return Project{}, apperr.New(apperr.KindConflict, opRegisterProject+".owned_elsewhere", errProjectOwnedElsewhere)
		}
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, s.storageError(opRegisterProject, "lookup_failed", err, zap.String(fieldProjectID, projectID))
	}

	project := Project{ID: projectID, OwnerID: ownerID, Name: strings.TrimSpace(name)}
	if err := s.db.WithContext(ctx).Create(&project).Error; err != nil {
		return Project{}, s.storageError(opRegisterProject, "insert_failed", err, zap.String(fieldProjectID, projectID))
	}
	s.invalidate(projectID, ownerID)
	return project, nil
}

// RoleOf resolves the user's role on the project. The boolean is false when
// the user has no access (no row, pending invitation, or revoked).
func (s *Service) RoleOf(ctx context.Context, projectID, userID string) (Role, bool, error) {
	key := cacheKey(projectID, userID)
	if cached, ok := s.roles.Get(key); ok {
		return cached.role, cached.ok, nil
	}
	generation := s.currentGeneration()

	var project Project
	err := s.db.WithContext(ctx).Where("id = ?", projectID).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, apperr.NotFound(opRoleOf+".project_not_found", errProjectNotFound)
	}
	if err != nil {
		return "", false, s.storageError(opRoleOf, "project_lookup_failed", err, zap.String(fieldProjectID, projectID))
	}

	resolved := cachedRole{}
	if project.OwnerID == userID {
		resolved = cachedRole{role: RoleOwner, ok: true}
	} else {
		var collaborator Collaborator
		err := s.db.WithContext(ctx).
			Where("project_id = ? AND user_id = ? AND is_active = ?", projectID, userID, true).
			Take(&collaborator).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return "", false, s.storageError(opRoleOf, "collaborator_lookup_failed", err,
				zap.String(fieldProjectID, projectID), zap.String(fieldUserID, userID))
		default:
			resolved = cachedRole{role: collaborator.Role, ok: true}
		}
	}

	s.storeRole(generation, key, resolved)
	return resolved.role, resolved.ok, nil
}

// Authorize returns nil when the user's role permits the action, an
// apperr.KindForbidden error when it does not.
func (s *Service) Authorize(ctx context.Context, projectID, userID string, action Action) error {
	role, ok, err := s.RoleOf(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden(opAuthorize+".no_access", ErrNoAccess)
	}
	if !role.Allows(action) {
		return apperr.Forbidden(opAuthorize+"."+string(action)+"_denied", fmt.Errorf("%w: %s may not %s", errActionDenied, role, action))
	}
	return nil
}

// Invite creates a pending collaborator row for the user registered under the email.
func (s *Service) Invite(ctx context.Context, projectID, inviterID, inviteeEmail string, role Role) (Collaborator, error) {
	if err := s.requireOwner(ctx, opInvite, projectID, inviterID); err != nil {
		return Collaborator{}, err
	}
	if role != RoleEditor && role != RoleViewer {
		return Collaborator{}, apperr.Invalid(opInvite+".invalid_role", fmt.Errorf("%w: %q", ErrInvalidRole, role))
	}

	invitee, err := s.directory.FindByEmail(ctx, inviteeEmail)
	if err != nil {
		return Collaborator{}, err
	}
	if invitee.ID == inviterID {
		return Collaborator{}, apperr.New(apperr.KindConflict, opInvite+".invite_owner", errInviteOwner)
	}

	var existing Collaborator
	err = s.db.WithContext(ctx).Where("project_id = ? AND user_id = ?", projectID, invitee.ID).Take(&existing).Error
	if err == nil {
		return Collaborator{}, apperr.New(apperr.KindConflict, opInvite+".already_collaborator", errAlreadyCollaborator)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Collaborator{}, s.storageError(opInvite, "lookup_failed", err, zap.String(fieldProjectID, projectID))
	}

	collaboratorID, err := s.idProvider.NewID()
	if err != nil {
		return Collaborator{}, apperr.New(apperr.KindInternal, opInvite+".id_generation_failed", err)
	}
	collaborator := Collaborator{
		ID:        collaboratorID,
		ProjectID: projectID,
		UserID:    invitee.ID,
		Email:     invitee.Email,
		Role:      role,
		InvitedBy: inviterID,
		IsActive:  false,
	}
	if err := s.db.WithContext(ctx).Create(&collaborator).Error; err != nil {
		return Collaborator{}, s.storageError(opInvite, "insert_failed", err,
			zap.String(fieldProjectID, projectID), zap.String(fieldUserID, invitee.ID))
	}
	s.invalidate(projectID, invitee.ID)
	s.logger.Info("collaborator invited",
		zap.String(fieldProjectID, projectID),
		zap.String(fieldUserID, invitee.ID),
		zap.String("role", role.String()))
	return collaborator, nil
}

// Accept activates the user's invitation. Accepting an already active
// collaboration is a no-op.
func (s *Service) Accept(ctx context.Context, projectID, userID string) (Collaborator, error) {
	var collaborator Collaborator
	err := s.db.WithContext(ctx).Where("project_id = ? AND user_id = ?", projectID, userID).Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collaborator{}, apperr.NotFound(opAccept+".invitation_not_found", errInvitationNotFound)
	}
	if err != nil {
		return Collaborator{}, s.storageError(opAccept, "lookup_failed", err, zap.String(fieldProjectID, projectID))
	}
	if collaborator.IsActive && collaborator.AcceptedAt != nil {
		return collaborator, nil
	}

	acceptedAt := s.clock().UTC()
	if err := s.db.WithContext(ctx).Model(&Collaborator{}).
		Where("id = ?", collaborator.ID).
		Updates(map[string]interface{}{"accepted_at": acceptedAt, "is_active": true}).Error; err != nil {
		return Collaborator{}, s.storageError(opAccept, "update_failed", err, zap.String(fieldCollaboratorID, collaborator.ID))
	}
	s.invalidate(projectID, userID)
	collaborator.AcceptedAt = &acceptedAt
	collaborator.IsActive = true
	return collaborator, nil
}

// UpdateRole changes a collaborator's role. Only the owner may do so, and
// OWNER can never be assigned.
func (s *Service) UpdateRole(ctx context.Context, projectID, actorID, collaboratorID string, role Role) (Collaborator, error) {
	if err := s.requireOwner(ctx, opUpdateRole, projectID, actorID); err != nil {
		return Collaborator{}, err
	}
	if role != RoleEditor && role != RoleViewer {
		return Collaborator{}, apperr.Invalid(opUpdateRole+".invalid_role", fmt.Errorf("%w: %q", ErrInvalidRole, role))
	}
	collaborator, err := s.loadCollaborator(ctx, opUpdateRole, projectID, collaboratorID)
	if err != nil {
		return Collaborator{}, err
	}
	if collaborator.UserID == actorID {
		return Collaborator{}, apperr.Forbidden(opUpdateRole+".target_self", errTargetSelf)
	}
	if err := s.db.WithContext(ctx).Model(&Collaborator{}).
		Where("id = ?", collaborator.ID).
		Update("role", role).Error; err != nil {
		return Collaborator{}, s.storageError(opUpdateRole, "update_failed", err, zap.String(fieldCollaboratorID, collaborator.ID))
	}
	s.invalidate(projectID, collaborator.UserID)
	collaborator.Role = role
	return collaborator, nil
}

// Remove deletes the collaborator row and returns it so the caller can end
// the user's live sessions.
func (s *Service) Remove(ctx context.Context, projectID, actorID, collaboratorID string) (Collaborator, error) {
	if err := s.requireOwner(ctx, opRemove, projectID, actorID); err != nil {
		return Collaborator{}, err
	}
	collaborator, err := s.loadCollaborator(ctx, opRemove, projectID, collaboratorID)
	if err != nil {
		return Collaborator{}, err
	}
	if collaborator.UserID == actorID {
		return Collaborator{}, apperr.Forbidden(opRemove+".target_self", errTargetSelf)
	}
	if err := s.db.WithContext(ctx).Where("id = ?", collaborator.ID).Delete(&Collaborator{}).Error; err != nil {
		return Collaborator{}, s.storageError(opRemove, "delete_failed", err, zap.String(fieldCollaboratorID, collaborator.ID))
	}
	s.invalidate(projectID, collaborator.UserID)
	s.logger.Info("collaborator removed",
		zap.String(fieldProjectID, projectID),
		zap.String(fieldUserID, collaborator.UserID))
	return collaborator, nil
}

// List returns the project's collaborator rows, pending ones included.
func (s *Service) List(ctx context.Context, projectID, actorID string) ([]Collaborator, error) {
	if err := s.Authorize(ctx, projectID, actorID, ActionRead); err != nil {
		return nil, err
	}
	var collaborators []Collaborator
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&collaborators).Error; err != nil {
		return nil, s.storageError(opList, "query_failed", err, zap.String(fieldProjectID, projectID))
	}
	return collaborators, nil
}

// Project returns the ownership record.
func (s *Service) Project(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.WithContext(ctx).Where("id = ?", projectID).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, apperr.NotFound(opRoleOf+".project_not_found", errProjectNotFound)
	}
	if err != nil {
		return Project{}, s.storageError(opRoleOf, "project_lookup_failed", err, zap.String(fieldProjectID, projectID))
	}
	return project, nil
}

func (s *Service) requireOwner(ctx context.Context, operation, projectID, actorID string) error {
	role, ok, err := s.RoleOf(ctx, projectID, actorID)
	if err != nil {
		return err
	}
	if !ok || role != RoleOwner {
		return apperr.Forbidden(operation+".not_owner", errNotOwner)
	}
	return nil
}

func (s *Service) loadCollaborator(ctx context.Context, operation, projectID, collaboratorID string) (Collaborator, error) {
	var collaborator Collaborator
	err := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", collaboratorID, projectID).Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collaborator{}, apperr.NotFound(operation+".collaborator_not_found", errCollaboratorNotFound)
	}
	if err != nil {
		return Collaborator{}, s.storageError(operation, "lookup_failed", err, zap.String(fieldCollaboratorID, collaboratorID))
	}
	return collaborator, nil
}

func (s *Service) currentGeneration() uint64 {
	s.generationMu.Lock()
	defer s.generationMu.Unlock()
	return s.generation
}

// storeRole caches a resolved role unless a write happened while it was
// being resolved.
func (s *Service) storeRole(generation uint64, key string, resolved cachedRole) {
	s.generationMu.Lock()
	defer s.generationMu.Unlock()
	if generation != s.generation {
		return
	}
	s.roles.Add(key, resolved)
}

func (s *Service) invalidate(projectID, userID string) {
	s.generationMu.Lock()
	s.generation++
	s.generationMu.Unlock()
	s.roles.Remove(cacheKey(projectID, userID))
}

func (s *Service) storageError(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("membership service error", attrs...)
	return apperr.Unavailable(operation+"."+reason, err)
}

func cacheKey(projectID, userID string) string {
	return projectID + "\x00" + userID
}
