package gorm

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/loremonger/pkg/models"
)

// Campaign is the campaigns table row.
type Campaign struct {
	ID                 string `gorm:"primaryKey;type:text"`
	Name               string `gorm:"not null"`
	DMName             string `gorm:"column:dm_name;not null"`
	Description        sql.NullString
	OutputDirectory    sql.NullString
	NamingConvention   string `gorm:"not null;default:'{currentDate}-{currentTime}_notes.md'"`
	CustomSystemPrompt sql.NullString
	SpeakerCount       int `gorm:"default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Campaign) TableName() string { return "campaigns" }

// BeforeCreate assigns an ID and fills the naming convention default.
func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.NamingConvention == "" {
		c.NamingConvention = models.DefaultNamingConvention
	}
	return nil
}

// Player is the players table row.
type Player struct {
	ID            string `gorm:"primaryKey;type:text"`
	CampaignID    string `gorm:"index;not null"`
	PlayerName    string `gorm:"not null"`
	CharacterName string `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Campaign Campaign `gorm:"constraint:OnDelete:CASCADE"`
}

func (Player) TableName() string { return "players" }

// BeforeCreate assigns an ID.
func (p *Player) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Session is the sessions table row.
type Session struct {
	ID            string `gorm:"primaryKey;type:text"`
	CampaignID    string `gorm:"not null;uniqueIndex:idx_sessions_campaign_number,priority:1"`
	Number        int    `gorm:"not null;uniqueIndex:idx_sessions_campaign_number,priority:2"`
	Name          sql.NullString
	Date          time.Time `gorm:"not null"`
	Duration      float64   `gorm:"not null;default:0"`
	WordCount     sql.NullInt64
	NoteWordCount sql.NullInt64
	FilePath      sql.NullString
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Campaign Campaign `gorm:"constraint:OnDelete:CASCADE"`
}

func (Session) TableName() string { return "sessions" }

// BeforeCreate assigns an ID and defaults the session date.
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Date.IsZero() {
		s.Date = time.Now()
	}
	return nil
}

func (c *Campaign) toModel() *models.Campaign {
	return &models.Campaign{
		ID:                 c.ID,
		Name:               c.Name,
		DMName:             c.DMName,
		Description:        c.Description.String,
		OutputDirectory:    c.OutputDirectory.String,
		NamingConvention:   c.NamingConvention,
		CustomSystemPrompt: c.CustomSystemPrompt.String,
		SpeakerCount:       c.SpeakerCount,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

func (p *Player) toModel() models.Player {
	return models.Player{
		ID:            p.ID,
		CampaignID:    p.CampaignID,
		PlayerName:    p.PlayerName,
		CharacterName: p.CharacterName,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (s *Session) toModel() *models.Session {
	out := &models.Session{
		ID:         s.ID,
		CampaignID: s.CampaignID,
		Number:     s.Number,
		Name:       s.Name.String,
		Date:       s.Date,
		Duration:   s.Duration,
		FilePath:   s.FilePath.String,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.WordCount.Valid {
		v := int(s.WordCount.Int64)
		out.WordCount = &v
	}
	if s.NoteWordCount.Valid {
		v := int(s.NoteWordCount.Int64)
		out.NoteWordCount = &v
	}
	return out
}
