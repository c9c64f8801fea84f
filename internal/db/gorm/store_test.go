package gorm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/thebtf/loremonger/pkg/models"
)

type StoreSuite struct {
	suite.Suite
	store     *Store
	campaigns *CampaignStore
	sessions  *SessionStore
	ctx       context.Context
}

func (s *StoreSuite) SetupTest() {
	store, err := NewStore(Config{
		Path:     filepath.Join(s.T().TempDir(), "test.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.store = store
	s.campaigns = NewCampaignStore(store)
	s.sessions = NewSessionStore(store)
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) newCampaign(name string) *models.Campaign {
	c, err := s.campaigns.Create(s.ctx, &models.Campaign{Name: name, DMName: "Mara"})
	s.Require().NoError(err)
	return c
}

func (s *StoreSuite) TestNewStore_TablesAndWAL() {
	s.NoError(s.store.Ping())

	var journalMode string
	s.Require().NoError(s.store.DB.Raw("PRAGMA journal_mode").Scan(&journalMode).Error)
	s.Equal("wal", journalMode)

	for _, table := range []string{"campaigns", "players", "sessions"} {
		s.True(s.store.DB.Migrator().HasTable(table), table)
	}
}

func (s *StoreSuite) TestCampaign_CreateDefaults() {
	c := s.newCampaign("Curse of Strahd")

	s.NotEmpty(c.ID)
	s.Equal(models.DefaultNamingConvention, c.NamingConvention)
	s.Empty(c.OutputDirectory)

	got, err := s.campaigns.Get(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("Curse of Strahd", got.Name)
	s.Equal("Mara", got.DMName)
}

func (s *StoreSuite) TestCampaign_GetMissingReturnsNil() {
	got, err := s.campaigns.Get(s.ctx, "nope")
	s.NoError(err)
	s.Nil(got)
}

func (s *StoreSuite) TestCampaign_Update() {
	c := s.newCampaign("Tomb")
	c.OutputDirectory = "/notes/{campaignName}"
	c.CustomSystemPrompt = "Use British spelling."
	c.NamingConvention = ""
	s.Require().NoError(s.campaigns.Update(s.ctx, c))

	got, err := s.campaigns.Get(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal("/notes/{campaignName}", got.OutputDirectory)
	s.Equal("Use British spelling.", got.CustomSystemPrompt)
	s.Equal(models.DefaultNamingConvention, got.NamingConvention)

	s.ErrorIs(s.campaigns.Update(s.ctx, &models.Campaign{ID: "missing"}), ErrNotFound)
}

func (s *StoreSuite) TestPlayers() {
	c := s.newCampaign("Roster")
	p1, err := s.campaigns.AddPlayer(s.ctx, c.ID, "Ana", "Vex")
	s.Require().NoError(err)
	_, err = s.campaigns.AddPlayer(s.ctx, c.ID, "Ben", "Grog")
	s.Require().NoError(err)

	s.Require().NoError(s.campaigns.RenamePlayer(s.ctx, p1.ID, "Ana", "Vex'ahlia"))

	players, err := s.campaigns.Players(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Require().Len(players, 2)
	names := []string{players[0].CharacterName, players[1].CharacterName}
	s.ElementsMatch([]string{"Vex'ahlia", "Grog"}, names)

	s.Require().NoError(s.campaigns.RemovePlayer(s.ctx, p1.ID))
	players, err = s.campaigns.Players(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Len(players, 1)
}

func (s *StoreSuite) TestSession_NumbersAreMonotonicPerCampaign() {
	a := s.newCampaign("A")
	b := s.newCampaign("B")

	s1, err := s.sessions.Create(s.ctx, a.ID, "", time.Time{})
	s.Require().NoError(err)
	s2, err := s.sessions.Create(s.ctx, a.ID, "The Vault", time.Now())
	s.Require().NoError(err)
	b1, err := s.sessions.Create(s.ctx, b.ID, "", time.Now())
	s.Require().NoError(err)

	s.Equal(1, s1.Number)
	s.Equal(2, s2.Number)
	s.Equal(1, b1.Number)
	s.False(s1.Date.IsZero())

	// Numbers continue from the current maximum after a deletion.
	s.Require().NoError(s.sessions.Delete(s.ctx, s1.ID))
	s3, err := s.sessions.Create(s.ctx, a.ID, "", time.Now())
	s.Require().NoError(err)
	s.Equal(3, s3.Number)
}

func (s *StoreSuite) TestSession_ConcurrentCreateKeepsNumbersUnique() {
	c := s.newCampaign("Busy")

	var wg sync.WaitGroup
	numbers := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := s.sessions.Create(s.ctx, c.ID, "", time.Now())
			if err == nil {
				numbers <- sess.Number
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[int]bool{}
	for n := range numbers {
		s.False(seen[n], "duplicate number %d", n)
		seen[n] = true
	}
	s.NotEmpty(seen)
}

func (s *StoreSuite) TestSession_CreateUnknownCampaign() {
	_, err := s.sessions.Create(s.ctx, "ghost", "", time.Now())
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestSession_UpdatePatch() {
	c := s.newCampaign("Patch")
	sess, err := s.sessions.Create(s.ctx, c.ID, "", time.Now())
	s.Require().NoError(err)
	s.False(sess.Processed())

	dur := 3600.5
	words := 1200
	notes := 340
	path := "/notes/2026-01-01-10-00_notes.md"
	s.Require().NoError(s.sessions.Update(s.ctx, sess.ID, models.SessionPatch{
		Duration:      &dur,
		WordCount:     &words,
		NoteWordCount: &notes,
		FilePath:      &path,
	}))

	got, err := s.sessions.Get(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(dur, got.Duration)
	s.Require().NotNil(got.WordCount)
	s.Equal(1200, *got.WordCount)
	s.Require().NotNil(got.NoteWordCount)
	s.Equal(340, *got.NoteWordCount)
	s.Equal(path, got.FilePath)
	s.True(got.Processed())

	s.ErrorIs(s.sessions.Update(s.ctx, "missing", models.SessionPatch{}), ErrNotFound)
}

func (s *StoreSuite) TestSession_RenameAndList() {
	c := s.newCampaign("List")
	first, err := s.sessions.Create(s.ctx, c.ID, "", time.Now())
	s.Require().NoError(err)
	_, err = s.sessions.Create(s.ctx, c.ID, "", time.Now())
	s.Require().NoError(err)

	s.Require().NoError(s.sessions.Rename(s.ctx, first.ID, "Prologue"))

	list, err := s.sessions.ListByCampaign(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(2, list[0].Number)
	s.Equal("Prologue", list[1].Name)
}

func (s *StoreSuite) TestCampaign_DeleteCascades() {
	c := s.newCampaign("Doomed")
	_, err := s.campaigns.AddPlayer(s.ctx, c.ID, "Ana", "Vex")
	s.Require().NoError(err)
	sess, err := s.sessions.Create(s.ctx, c.ID, "", time.Now())
	s.Require().NoError(err)

	s.Require().NoError(s.campaigns.Delete(s.ctx, c.ID))

	got, err := s.sessions.Get(s.ctx, sess.ID)
	s.NoError(err)
	s.Nil(got)
	players, err := s.campaigns.Players(s.ctx, c.ID)
	s.NoError(err)
	s.Empty(players)
}
