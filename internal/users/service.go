package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/apperr"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRemember    = "users.remember"
	opFindByEmail = "users.find_by_email"
	opGet         = "users.get"
)

var (
	// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no directory entry matched the lookup.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for the user directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service mirrors authenticated identities into the users table.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the user directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Remember records the identity, creating the directory entry on first sight
// and refreshing username/email/last_seen_at afterwards.
func (s *Service) Remember(ctx context.Context, identity auth.Identity) (User, error) {
	userID := normalize(identity.UserID)
	if userID == "" {
		return User{}, apperr.Invalid(opRemember+".invalid_identity", ErrInvalidIdentity)
	}

	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		user = User{
			ID:         userID,
			Username:   normalize(identity.Username),
			Email:      normalizeEmail(identity.Email),
			LastSeenAt: s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			s.logger.Error("user directory insert failed", zap.String("user_id", userID), zap.Error(err))
			return User{}, apperr.Unavailable(opRemember+".insert_failed", err)
		}
	case err != nil:
		s.logger.Error("user directory lookup failed", zap.String("user_id", userID), zap.Error(err))
		return User{}, apperr.Unavailable(opRemember+".lookup_failed", err)
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if username := normalize(identity.Username); username != "" && username != user.Username {
			updates["username"] = username
			user.Username = username
		}
		if email := normalizeEmail(identity.Email); email != "" && email != user.Email {
			updates["email"] = email
			user.Email = email
		}
		if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			s.logger.Warn("user directory refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	s.cache.Store(user.ID, user)
	return user, nil
}

// FindByEmail resolves an email address to the directory entry that carries it.
func (s *Service) FindByEmail(ctx context.Context, email string) (User, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return User{}, apperr.Invalid(opFindByEmail+".invalid_email", ErrInvalidIdentity)
	}
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", normalized).Order("last_seen_at DESC").Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound(opFindByEmail+".not_found", ErrUserNotFound)
	}
	if err != nil {
		return User{}, apperr.Unavailable(opFindByEmail+".query_failed", err)
	}
	return user, nil
}

// Get returns the directory entry for the user id.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	if cached, ok := s.cache.Load(userID); ok {
		if user, ok := cached.(User); ok {
			return user, nil
		}
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", normalize(userID)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound(opGet+".not_found", ErrUserNotFound)
	}
	if err != nil {
		return User{}, apperr.Unavailable(opGet+".query_failed", err)
	}
	s.cache.Store(user.ID, user)
	return user, nil
}
