// Package catalog loads and validates the persona catalog. Personas are
// defined in a YAML file, grouped into tracks, and rotated round-robin in
// catalog order within each track.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/franklinbaldo/julesched/internal/errors"
)

// Persona describes one scheduled participant in a cycle.
type Persona struct {
	// ID is the persona identifier, matched against session branch names.
	ID string `yaml:"id"`
	// Track is the cycle track this persona belongs to.
	Track string `yaml:"track"`
	// Emoji decorates human-facing output.
	Emoji string `yaml:"emoji,omitempty"`
	// Prompt is the task prompt dispatched when this persona's turn comes.
	Prompt string `yaml:"prompt"`
	// Schedule is an optional cron expression restricting when this
	// persona may be dispatched. Empty means any tick.
	Schedule string `yaml:"schedule,omitempty"`

	// branchRE matches the persona id as a delimited branch-name token.
	// Set once at parse time; MatchesBranch compiles on demand for
	// personas built outside Parse.
	branchRE *regexp.Regexp
}

// Catalog is an ordered set of personas grouped by track. Order within a
// track is rotation order.
type Catalog struct {
	Personas []Persona

	byID    map[string]Persona
	byTrack map[string][]Persona
	tracks  []string
}

// validID constrains persona and track identifiers so they embed cleanly in
// branch names.
var validID = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// file is the on-disk catalog document.
type file struct {
	Personas []Persona `yaml:"personas"`
}

// Load reads and parses the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	if len(doc.Personas) == 0 {
		return nil, fmt.Errorf("catalog defines no personas")
	}

	c := &Catalog{
		Personas: doc.Personas,
		byID:     make(map[string]Persona, len(doc.Personas)),
		byTrack:  make(map[string][]Persona),
	}

	for i, p := range doc.Personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona %d: missing id", i)
		}
		if !validID.MatchString(p.ID) {
			return nil, fmt.Errorf("persona %q: id must be lowercase alphanumeric with hyphens", p.ID)
		}
		if p.Track == "" {
			return nil, fmt.Errorf("persona %q: missing track", p.ID)
		}
		if !validID.MatchString(p.Track) {
			return nil, fmt.Errorf("persona %q: track %q must be lowercase alphanumeric with hyphens", p.ID, p.Track)
		}
		if strings.TrimSpace(p.Prompt) == "" {
			return nil, fmt.Errorf("persona %q: missing prompt", p.ID)
		}
		if p.Schedule != "" {
			if _, err := cronParser.Parse(p.Schedule); err != nil {
				return nil, fmt.Errorf("persona %q: invalid schedule %q: %w", p.ID, p.Schedule, err)
			}
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		p.branchRE = branchTokenRE(p.ID)
		c.Personas[i] = p
		c.byID[p.ID] = p
		if _, seen := c.byTrack[p.Track]; !seen {
			c.tracks = append(c.tracks, p.Track)
		}
		c.byTrack[p.Track] = append(c.byTrack[p.Track], p)
	}

	return c, nil
}

// Tracks returns track ids in first-appearance order.
func (c *Catalog) Tracks() []string {
	out := make([]string, len(c.tracks))
	copy(out, c.tracks)
	return out
}

// Track returns the personas of a track in rotation order.
func (c *Catalog) Track(track string) ([]Persona, error) {
	ps, ok := c.byTrack[track]
	if !ok {
		return nil, errors.Wrapf(errors.ErrTrackUnknown, "track %q", track)
	}
	out := make([]Persona, len(ps))
	copy(out, ps)
	return out, nil
}

// Get returns the persona with the given id.
func (c *Catalog) Get(id string) (Persona, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Next returns the persona that follows last in the track's rotation, and
// whether the rotation wrapped back to the first persona. An empty or unknown
// last selects the first persona without wrapping.
func (c *Catalog) Next(track, last string) (Persona, bool, error) {
	ps, ok := c.byTrack[track]
	if !ok {
		return Persona{}, false, errors.Wrapf(errors.ErrTrackUnknown, "track %q", track)
	}
	if last == "" {
		return ps[0], false, nil
	}
	for i, p := range ps {
		if p.ID == last {
			next := (i + 1) % len(ps)
			return ps[next], next == 0, nil
		}
	}
	// A persona removed from the catalog mid-cycle restarts the rotation.
	return ps[0], false, nil
}

// MatchesBranch reports whether a branch name references the persona id as a
// delimited token. Substring hits inside larger words do not count, so the
// persona "bolt" matches "jules-sched-bolt-123" but not "jules-bolton".
func (p Persona) MatchesBranch(branch string) bool {
	re := p.branchRE
	if re == nil {
		re = branchTokenRE(p.ID)
	}
	return re.MatchString(branch)
}

func branchTokenRE(id string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[-_/])` + regexp.QuoteMeta(id) + `(?:$|[-_/])`)
}
