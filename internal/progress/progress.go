// Package progress keeps the user-visible log of a pipeline run.
package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/loremonger/pkg/models"
)

// Log is an append-only list of entries with subscribers. It is safe for
// concurrent use.
type Log struct {
	sessionID string
	mu        sync.RWMutex
	entries   []models.ProgressEntry
	subs      map[int]func(models.ProgressEntry)
	nextSub   int
	now       func() time.Time
}

// NewLog creates an empty log for a session.
func NewLog(sessionID string) *Log {
	return &Log{
		sessionID: sessionID,
		subs:      make(map[int]func(models.ProgressEntry)),
		now:       time.Now,
	}
}

// Append records an entry and notifies subscribers.
func (l *Log) Append(tag models.ProgressTag, status models.ProgressStatus, format string, args ...interface{}) models.ProgressEntry {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	e := models.ProgressEntry{
		Timestamp: l.now(),
		Message:   msg,
		Tag:       tag,
		Status:    status,
		SessionID: l.sessionID,
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	subs := make([]func(models.ProgressEntry), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return e
}

// Clear drops all entries.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Entries returns a copy of the entries.
func (l *Log) Entries() []models.ProgressEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.ProgressEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Last returns the latest entry.
func (l *Log) Last() (models.ProgressEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return models.ProgressEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Subscribe registers fn for future entries. The returned func unsubscribes.
func (l *Log) Subscribe(fn func(models.ProgressEntry)) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// SaveJSON writes the entries to path as a JSON array.
func (l *Log) SaveJSON(path string) error {
	data, err := json.MarshalIndent(l.Entries(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}

// LoadJSON reads entries previously written by SaveJSON.
func LoadJSON(path string) ([]models.ProgressEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []models.ProgressEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return entries, nil
}
