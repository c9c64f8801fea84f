package gorm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/loremonger/pkg/models"
)

// CampaignStore provides campaign and roster persistence.
type CampaignStore struct {
	store *Store
}

// NewCampaignStore creates a new campaign store.
func NewCampaignStore(store *Store) *CampaignStore {
	return &CampaignStore{store: store}
}

// Create inserts a campaign and returns it with its assigned ID.
func (s *CampaignStore) Create(ctx context.Context, c *models.Campaign) (*models.Campaign, error) {
	row := &Campaign{
		ID:                 c.ID,
		Name:               c.Name,
		DMName:             c.DMName,
		Description:        sqlNullString(c.Description),
		OutputDirectory:    sqlNullString(c.OutputDirectory),
		NamingConvention:   c.NamingConvention,
		CustomSystemPrompt: sqlNullString(c.CustomSystemPrompt),
		SpeakerCount:       c.SpeakerCount,
	}
	if err := s.store.DB.WithContext(ctx).Omit(clause.Associations).Create(row).Error; err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return row.toModel(), nil
}

// Get returns a campaign by ID, or nil when it does not exist.
func (s *CampaignStore) Get(ctx context.Context, id string) (*models.Campaign, error) {
	var row Campaign
	err := s.store.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return row.toModel(), nil
}

// FindByName returns the first campaign with the given name, or nil.
func (s *CampaignStore) FindByName(ctx context.Context, name string) (*models.Campaign, error) {
	var row Campaign
	err := s.store.DB.WithContext(ctx).Where("name = ?", name).Order("created_at").First(&row).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find campaign: %w", err)
	}
	return row.toModel(), nil
}

// List returns all campaigns ordered by name.
func (s *CampaignStore) List(ctx context.Context) ([]*models.Campaign, error) {
	var rows []Campaign
	if err := s.store.DB.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]*models.Campaign, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// Update overwrites the editable campaign fields.
func (s *CampaignStore) Update(ctx context.Context, c *models.Campaign) error {
	naming := c.NamingConvention
	if naming == "" {
		naming = models.DefaultNamingConvention
	}
	res := s.store.DB.WithContext(ctx).Model(&Campaign{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"name":                 c.Name,
		"dm_name":              c.DMName,
		"description":          sqlNullString(c.Description),
		"output_directory":     sqlNullString(c.OutputDirectory),
		"naming_convention":    naming,
		"custom_system_prompt": sqlNullString(c.CustomSystemPrompt),
		"speaker_count":        c.SpeakerCount,
		"updated_at":           time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("update campaign: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update campaign %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

// Delete removes a campaign together with its players and sessions.
func (s *CampaignStore) Delete(ctx context.Context, id string) error {
	err := s.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ?", id).Delete(&Session{}).Error; err != nil {
			return err
		}
		if err := tx.Where("campaign_id = ?", id).Delete(&Player{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Campaign{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	return nil
}

// AddPlayer adds a player to a campaign roster.
func (s *CampaignStore) AddPlayer(ctx context.Context, campaignID, playerName, characterName string) (models.Player, error) {
	row := &Player{
		CampaignID:    campaignID,
		PlayerName:    playerName,
		CharacterName: characterName,
	}
	if err := s.store.DB.WithContext(ctx).Omit(clause.Associations).Create(row).Error; err != nil {
		return models.Player{}, fmt.Errorf("add player: %w", err)
	}
	return row.toModel(), nil
}

// Players returns the roster of a campaign in insertion order.
func (s *CampaignStore) Players(ctx context.Context, campaignID string) ([]models.Player, error) {
	var rows []Player
	err := s.store.DB.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at, player_name").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	out := make([]models.Player, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// RenamePlayer edits the player and character names.
func (s *CampaignStore) RenamePlayer(ctx context.Context, id, playerName, characterName string) error {
	res := s.store.DB.WithContext(ctx).Model(&Player{}).Where("id = ?", id).Updates(map[string]interface{}{
		"player_name":    playerName,
		"character_name": characterName,
		"updated_at":     time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("rename player: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rename player %s: %w", id, ErrNotFound)
	}
	return nil
}

// RemovePlayer deletes a player from its roster.
func (s *CampaignStore) RemovePlayer(ctx context.Context, id string) error {
	if err := s.store.DB.WithContext(ctx).Where("id = ?", id).Delete(&Player{}).Error; err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	return nil
}
