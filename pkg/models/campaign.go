// Package models contains domain models for loremonger.
package models

import "time"

// DefaultNamingConvention is used when a campaign has no naming convention set.
const DefaultNamingConvention = "{currentDate}-{currentTime}_notes.md"

// Campaign groups sessions, a roster of players and output preferences.
type Campaign struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	DMName             string    `json:"dm_name"`
	Description        string    `json:"description,omitempty"`
	OutputDirectory    string    `json:"output_directory,omitempty"`
	NamingConvention   string    `json:"naming_convention"`
	CustomSystemPrompt string    `json:"custom_system_prompt,omitempty"`
	SpeakerCount       int       `json:"speaker_count,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// EffectiveNamingConvention returns the naming convention, or the default when blank.
func (c *Campaign) EffectiveNamingConvention() string {
	if c == nil || c.NamingConvention == "" {
		return DefaultNamingConvention
	}
	return c.NamingConvention
}

// Player is a participant and the character they play in a campaign.
type Player struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaign_id"`
	PlayerName    string    `json:"player_name"`
	CharacterName string    `json:"character_name"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
