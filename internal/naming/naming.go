// Package naming resolves note file names and output directories from
// campaign templates.
package naming

import (
	"strconv"
	"strings"
	"time"

	"github.com/thebtf/loremonger/pkg/models"
)

// Date and time layouts for {currentDate} and {currentTime}.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15-04"
)

// Meta carries the values substituted into templates.
type Meta struct {
	CampaignName  string
	SessionNumber int
	SessionName   string
	Now           time.Time
}

// FileName resolves a naming convention into a file name ending in .md.
// A blank convention resolves the default template.
func FileName(convention string, meta Meta) string {
	if strings.TrimSpace(convention) == "" {
		convention = models.DefaultNamingConvention
	}
	name := substitute(convention, meta)
	if !strings.HasSuffix(strings.ToLower(name), ".md") {
		name += ".md"
	}
	return name
}

// OutputDir resolves an output directory template. It reports false when
// no directory is configured and the user has to pick a location.
func OutputDir(template string, meta Meta) (string, bool) {
	if strings.TrimSpace(template) == "" {
		return "", false
	}
	return substitute(template, meta), true
}

func substitute(template string, meta Meta) string {
	now := meta.Now
	if now.IsZero() {
		now = time.Now()
	}
	r := strings.NewReplacer(
		"{campaignName}", sanitize(meta.CampaignName),
		"{sessionNumber}", strconv.Itoa(meta.SessionNumber),
		"{sessionName}", sanitize(meta.SessionName),
		"{currentDate}", now.Format(DateLayout),
		"{currentTime}", now.Format(TimeLayout),
	)
	return r.Replace(template)
}

// sanitize makes v safe as a single path component. Unsafe characters
// become underscores and trailing dots and spaces are dropped, so a value
// can never resolve to "." or "..". A value left empty by trimming becomes "_".
func sanitize(v string) string {
	if v == "" {
		return ""
	}
	out := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return '_'
		case strings.ContainsRune(`<>:"/\|?*`, r):
			return '_'
		}
		return r
	}, v)
	out = strings.TrimRight(out, ". ")
	if out == "" {
		return "_"
	}
	return out
}
