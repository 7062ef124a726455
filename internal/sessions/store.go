package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/presence"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// Store persists session rows. The registry never holds a shard lock while
// calling it.
type Store interface {
	Insert(ctx context.Context, record Record) error
	MarkEnded(ctx context.Context, final []Activity, endedAt time.Time) error
	SaveActivity(ctx context.Context, batch []Activity) error
	DeactivateAll(ctx context.Context, endedAt time.Time) (int64, error)
}

// GormStore is the Store backed by the collaboration_sessions table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Insert(ctx context.Context, record Record) error {
	return s.db.WithContext(ctx).Create(&record).Error
}

func (s *GormStore) MarkEnded(ctx context.Context, final []Activity, endedAt time.Time) error {
	if len(final) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, activity := range final {
			if err := tx.Model(&Record{}).
				Where("id = ?", activity.SessionID).
				Updates(map[string]interface{}{
					"cursor":       cursorColumn(activity.Cursor),
					"active_file":  activity.ActiveFile,
					"status":       presence.StatusOffline.String(),
					"last_seen_at": activity.LastSeen,
					"ended_at":     endedAt,
					"is_active":    false,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) SaveActivity(ctx context.Context, batch []Activity) error {
	if len(batch) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, activity := range batch {
			if err := tx.Model(&Record{}).
				Where("id = ? AND is_active = ?", activity.SessionID, true).
				Updates(map[string]interface{}{
					"cursor":       cursorColumn(activity.Cursor),
					"active_file":  activity.ActiveFile,
					"status":       activity.Status.String(),
					"last_seen_at": activity.LastSeen,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) DeactivateAll(ctx context.Context, endedAt time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("is_active = ?", true).
		Updates(map[string]interface{}{
			"status":    presence.StatusOffline.String(),
			"ended_at":  endedAt,
			"is_active": false,
		})
	return result.RowsAffected, result.Error
}
