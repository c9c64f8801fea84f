package naming

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 7, 9, 5, 0, 0, time.Local)

func TestFileName(t *testing.T) {
	meta := Meta{CampaignName: "Curse of Strahd", SessionNumber: 12, SessionName: "Death House", Now: fixedNow}

	tests := []struct {
		name       string
		convention string
		want       string
	}{
		{"default when blank", "", "2026-03-07-09-05_notes.md"},
		{"default when whitespace", "   ", "2026-03-07-09-05_notes.md"},
		{"appends extension", "{campaignName} - {sessionNumber}", "Curse of Strahd - 12.md"},
		{"keeps extension", "{sessionNumber}-{sessionName}.md", "12-Death House.md"},
		{"case-insensitive extension", "notes.MD", "notes.MD"},
		{"plain literal", "summary", "summary.md"},
		{"unknown placeholder kept", "{dmName}-{sessionNumber}", "{dmName}-12.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.convention, meta))
		})
	}
}

func TestFileName_ZeroPaddedTime(t *testing.T) {
	meta := Meta{Now: time.Date(2026, 1, 2, 3, 4, 0, 0, time.Local)}
	assert.Equal(t, "2026-01-02_03-04.md", FileName("{currentDate}_{currentTime}", meta))
}

func TestFileName_SanitizesValuesOnly(t *testing.T) {
	meta := Meta{CampaignName: "A/B: C?", SessionName: `x\y*z`, SessionNumber: 1, Now: fixedNow}
	assert.Equal(t, "A_B_ C_/x_y_z.md", FileName("{campaignName}/{sessionName}", meta))

	clean := Meta{CampaignName: "Rime of the Frostmaiden", Now: fixedNow}
	assert.Equal(t, "Rime of the Frostmaiden.md", FileName("{campaignName}", clean))
}

func TestSanitize_DotSegments(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"empty stays empty", "", ""},
		{"parent", "..", "_"},
		{"current", ".", "_"},
		{"dots only", "....", "_"},
		{"spaces only", "   ", "_"},
		{"trailing dot and space", "a. ", "a"},
		{"dotted parent", ".. ", "_"},
		{"leading dots kept", "..hidden", "..hidden"},
		{"inner dots kept", "Vol. 2", "Vol. 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitize(tt.value))
		})
	}
}

func TestOutputDir_StaysUnderRoot(t *testing.T) {
	for _, name := range []string{"..", ".", ".. ", "../..", "..\\.."} {
		t.Run(name, func(t *testing.T) {
			dir, ok := OutputDir("/notes/{campaignName}", Meta{CampaignName: name, Now: fixedNow})
			require.True(t, ok)
			clean := filepath.Clean(dir)
			assert.True(t, strings.HasPrefix(clean, "/notes/"), clean)
			assert.NotEqual(t, "/notes", clean)

			file := FileName("{sessionName}", Meta{SessionName: name, Now: fixedNow})
			assert.NotContains(t, []string{".md", "..md", "...md"}, file)
			assert.Equal(t, file, filepath.Base(file))
		})
	}
}

func TestOutputDir(t *testing.T) {
	meta := Meta{CampaignName: "Strahd", SessionNumber: 3, Now: fixedNow}

	dir, ok := OutputDir("", meta)
	assert.False(t, ok)
	assert.Empty(t, dir)

	dir, ok = OutputDir("/notes/{campaignName}/{currentDate}", meta)
	assert.True(t, ok)
	assert.Equal(t, "/notes/Strahd/2026-03-07", dir)
}

func TestOutputDir_CreationIsIdempotent(t *testing.T) {
	base := t.TempDir()
	meta := Meta{CampaignName: "Strahd", Now: fixedNow}
	dir, ok := OutputDir(filepath.Join(base, "{campaignName}", "deep", "nest"), meta)
	require.True(t, ok)

	require.NoError(t, os.MkdirAll(dir, 0750))
	require.NoError(t, os.MkdirAll(dir, 0750))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
