// Package campaignfile loads campaigns and their rosters from a YAML file
// and imports them into the campaign store.
package campaignfile

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/loremonger/pkg/models"
)

// Player is one roster line.
type Player struct {
	Player    string `yaml:"player"`
	Character string `yaml:"character"`
}

// Campaign is one campaign definition.
type Campaign struct {
	Name               string   `yaml:"name"`
	DMName             string   `yaml:"dm_name"`
	Description        string   `yaml:"description"`
	OutputDirectory    string   `yaml:"output_directory"`
	NamingConvention   string   `yaml:"naming_convention"`
	CustomSystemPrompt string   `yaml:"custom_system_prompt"`
	SpeakerCount       int      `yaml:"speaker_count"`
	Players            []Player `yaml:"players"`
}

// File is the top-level YAML structure.
type File struct {
	Campaigns []Campaign `yaml:"campaigns"`
}

// Registry holds loaded campaigns keyed by name.
type Registry struct {
	byName map[string]*Campaign
	order  []string
}

// Load reads the YAML file at path. A missing file yields an empty Registry.
// Campaign names must be present and unique.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{byName: make(map[string]*Campaign)}, nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a campaign file.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse campaign file: %w", err)
	}

	r := &Registry{byName: make(map[string]*Campaign, len(f.Campaigns))}
	for i := range f.Campaigns {
		c := &f.Campaigns[i]
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			return nil, fmt.Errorf("campaign %d: name is required", i+1)
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("campaign %q is defined twice", c.Name)
		}
		for j, p := range c.Players {
			if strings.TrimSpace(p.Player) == "" {
				return nil, fmt.Errorf("campaign %q player %d: player name is required", c.Name, j+1)
			}
		}
		r.byName[c.Name] = c
		r.order = append(r.order, c.Name)
	}
	return r, nil
}

// Get returns a campaign by name.
func (r *Registry) Get(name string) (*Campaign, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// All returns the campaigns in file order.
func (r *Registry) All() []*Campaign {
	out := make([]*Campaign, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns the sorted campaign names.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Store is the campaign persistence the importer needs.
type Store interface {
	FindByName(ctx context.Context, name string) (*models.Campaign, error)
	Create(ctx context.Context, c *models.Campaign) (*models.Campaign, error)
	Update(ctx context.Context, c *models.Campaign) error
	Players(ctx context.Context, campaignID string) ([]models.Player, error)
	AddPlayer(ctx context.Context, campaignID, playerName, characterName string) (models.Player, error)
	RenamePlayer(ctx context.Context, id, playerName, characterName string) error
}

// Summary counts what an import changed.
type Summary struct {
	Created        int
	Updated        int
	PlayersAdded   int
	PlayersUpdated int
}

// Import upserts every campaign by name. Existing campaigns get their fields
// overwritten; roster entries are matched by player name, new players are
// added and no player is removed.
func (r *Registry) Import(ctx context.Context, store Store) (Summary, error) {
	var sum Summary
	for _, def := range r.All() {
		existing, err := store.FindByName(ctx, def.Name)
		if err != nil {
			return sum, err
		}

		var id string
		if existing == nil {
			created, err := store.Create(ctx, def.model(""))
			if err != nil {
				return sum, err
			}
			id = created.ID
			sum.Created++
		} else {
			id = existing.ID
			if err := store.Update(ctx, def.model(id)); err != nil {
				return sum, err
			}
			sum.Updated++
		}

		added, updated, err := syncRoster(ctx, store, id, def.Players)
		if err != nil {
			return sum, fmt.Errorf("campaign %q roster: %w", def.Name, err)
		}
		sum.PlayersAdded += added
		sum.PlayersUpdated += updated
		log.Info().Str("campaign", def.Name).Int("players", len(def.Players)).Msg("Imported campaign")
	}
	return sum, nil
}

func (c *Campaign) model(id string) *models.Campaign {
	return &models.Campaign{
		ID:                 id,
		Name:               c.Name,
		DMName:             c.DMName,
		Description:        c.Description,
		OutputDirectory:    c.OutputDirectory,
		NamingConvention:   c.NamingConvention,
		CustomSystemPrompt: c.CustomSystemPrompt,
		SpeakerCount:       c.SpeakerCount,
	}
}

func syncRoster(ctx context.Context, store Store, campaignID string, defs []Player) (added, updated int, err error) {
	current, err := store.Players(ctx, campaignID)
	if err != nil {
		return 0, 0, err
	}
	byName := make(map[string]models.Player, len(current))
	for _, p := range current {
		byName[p.PlayerName] = p
	}

	for _, d := range defs {
		name := strings.TrimSpace(d.Player)
		p, ok := byName[name]
		switch {
		case !ok:
			p, err = store.AddPlayer(ctx, campaignID, name, d.Character)
			if err != nil {
				return added, updated, err
			}
			byName[name] = p
			added++
		case p.CharacterName != d.Character:
			if err := store.RenamePlayer(ctx, p.ID, name, d.Character); err != nil {
				return added, updated, err
			}
			updated++
		}
	}
	return added, updated, nil
}
