package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	dbpkg "relaystack.local/relay-gateway/internal/db"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	s := &GormStore{db: gormDB}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&sessionRow{}, &messageRow{})
}

func (s *GormStore) UpsertSession(ctx context.Context, rec SessionRecord) error {
	if err := validateSessionID(rec.ID); err != nil {
		return err
	}

	var current sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", rec.ID).Take(&current).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := sessionRowFromRecord(rec)
			if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			return nil
		}
		return fmt.Errorf("get session: %w", err)
	}

	rec.CreatedAt = current.CreatedAt
	row := sessionRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	if err := validateSessionID(id); err != nil {
		return SessionRecord{}, err
	}

	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) DeleteSession(ctx context.Context, id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&sessionRow{})
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("session_id = ?", id).Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		return nil
	})
}

func (s *GormStore) UpsertMessage(ctx context.Context, rec MessageRecord) error {
	if err := validateMessage(rec); err != nil {
		return err
	}

	var current messageRow
	err := s.db.WithContext(ctx).Where("id = ?", rec.ID).Take(&current).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := messageRowFromRecord(rec)
			if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
				return fmt.Errorf("create message: %w", err)
			}
			return nil
		}
		return fmt.Errorf("get message: %w", err)
	}

	// Duplicate delivery keeps the original slot in the log.
	rec.Sequence = current.Sequence
	rec.CreatedAt = current.CreatedAt
	row := messageRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *GormStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).
		Model(&messageRow{}).
		Where("session_id = ?", sessionID).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	out := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
