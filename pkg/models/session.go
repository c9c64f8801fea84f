package models

import (
	"strings"
	"time"
)

// Session is a single recorded play session of a campaign.
type Session struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaign_id"`
	Number        int       `json:"number"`
	Name          string    `json:"name,omitempty"`
	Date          time.Time `json:"date"`
	Duration      float64   `json:"duration"`
	WordCount     *int      `json:"word_count,omitempty"`
	NoteWordCount *int      `json:"note_word_count,omitempty"`
	FilePath      string    `json:"file_path,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Processed reports whether notes have been written for the session.
func (s *Session) Processed() bool {
	return s != nil && s.FilePath != ""
}

// SessionPatch carries the fields the pipeline writes after a successful run.
// Nil fields are left untouched.
type SessionPatch struct {
	Duration      *float64
	WordCount     *int
	NoteWordCount *int
	FilePath      *string
	UpdatedAt     time.Time
}

// Apply copies the set fields of p onto s.
func (p SessionPatch) Apply(s *Session) {
	if p.Duration != nil {
		s.Duration = *p.Duration
	}
	if p.WordCount != nil {
		v := *p.WordCount
		s.WordCount = &v
	}
	if p.NoteWordCount != nil {
		v := *p.NoteWordCount
		s.NoteWordCount = &v
	}
	if p.FilePath != nil {
		s.FilePath = *p.FilePath
	}
	if !p.UpdatedAt.IsZero() {
		s.UpdatedAt = p.UpdatedAt
	}
}

// CountWords returns the number of whitespace-separated words in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
