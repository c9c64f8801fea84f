package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/loremonger/pkg/models"
)

// SessionStore provides session persistence.
type SessionStore struct {
	store *Store
}

// NewSessionStore creates a new session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{store: store}
}

// Create inserts a session with the next free number of its campaign.
// The number is computed and inserted in one transaction; the unique
// (campaign_id, number) index rejects any collision.
func (s *SessionStore) Create(ctx context.Context, campaignID, name string, date time.Time) (*models.Session, error) {
	row := &Session{
		CampaignID: campaignID,
		Name:       sqlNullString(name),
		Date:       date,
	}
	err := s.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&Campaign{}).Where("id = ?", campaignID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("campaign %s: %w", campaignID, ErrNotFound)
		}

		var maxNumber int
		if err := tx.Model(&Session{}).
			Where("campaign_id = ?", campaignID).
			Select("COALESCE(MAX(number), 0)").
			Scan(&maxNumber).Error; err != nil {
			return err
		}
		row.Number = maxNumber + 1
		return tx.Omit(clause.Associations).Create(row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return row.toModel(), nil
}

// Get returns a session by ID, or nil when it does not exist.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var row Session
	err := s.store.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toModel(), nil
}

// ListByCampaign returns the sessions of a campaign, newest number first.
func (s *SessionStore) ListByCampaign(ctx context.Context, campaignID string) ([]*models.Session, error) {
	var rows []Session
	err := s.store.DB.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("number DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*models.Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// Update applies a patch in a single UPDATE statement.
func (s *SessionStore) Update(ctx context.Context, id string, patch models.SessionPatch) error {
	updates := map[string]interface{}{}
	if patch.Duration != nil {
		updates["duration"] = *patch.Duration
	}
	if patch.WordCount != nil {
		updates["word_count"] = sqlNullInt(patch.WordCount)
	}
	if patch.NoteWordCount != nil {
		updates["note_word_count"] = sqlNullInt(patch.NoteWordCount)
	}
	if patch.FilePath != nil {
		updates["file_path"] = sqlNullString(*patch.FilePath)
	}
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	updates["updated_at"] = updatedAt

	res := s.store.DB.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Rename changes the display name of a session.
func (s *SessionStore) Rename(ctx context.Context, id, name string) error {
	res := s.store.DB.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Updates(map[string]interface{}{
		"name":       sqlNullString(name),
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("rename session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rename session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a session.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.store.DB.WithContext(ctx).Where("id = ?", id).Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
