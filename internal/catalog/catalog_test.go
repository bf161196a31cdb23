package catalog

import (
	"testing"

	"github.com/franklinbaldo/julesched/internal/errors"
)

const sampleCatalog = `
personas:
  - id: architect
    track: core
    emoji: "📐"
    prompt: Review the module layout and propose refactors.
  - id: bolt
    track: core
    emoji: "⚡"
    prompt: Fix the highest-priority open bug.
  - id: scribe
    track: docs
    prompt: Update documentation for recent changes.
    schedule: "0 9 * * 1-5"
`

func mustParse(t *testing.T) *Catalog {
	t.Helper()
	c, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return c
}

func TestParseGroupsByTrack(t *testing.T) {
	c := mustParse(t)

	tracks := c.Tracks()
	if len(tracks) != 2 || tracks[0] != "core" || tracks[1] != "docs" {
		t.Fatalf("unexpected tracks: %v", tracks)
	}

	core, err := c.Track("core")
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if len(core) != 2 || core[0].ID != "architect" || core[1].ID != "bolt" {
		t.Errorf("unexpected core rotation order: %v", core)
	}
}

func TestTrackUnknown(t *testing.T) {
	c := mustParse(t)
	if _, err := c.Track("nope"); !errors.Is(err, errors.ErrTrackUnknown) {
		t.Errorf("expected ErrTrackUnknown, got %v", err)
	}
	if _, _, err := c.Next("nope", ""); !errors.Is(err, errors.ErrTrackUnknown) {
		t.Errorf("expected ErrTrackUnknown from Next, got %v", err)
	}
}

func TestNextRotation(t *testing.T) {
	c := mustParse(t)

	tests := []struct {
		last     string
		want     string
		wrapped  bool
	}{
		{"", "architect", false},
		{"architect", "bolt", false},
		{"bolt", "architect", true},
		{"removed-persona", "architect", false},
	}
	for _, tt := range tests {
		p, wrapped, err := c.Next("core", tt.last)
		if err != nil {
			t.Fatalf("Next(core, %q) failed: %v", tt.last, err)
		}
		if p.ID != tt.want || wrapped != tt.wrapped {
			t.Errorf("Next(core, %q) = (%s, %v), want (%s, %v)",
				tt.last, p.ID, wrapped, tt.want, tt.wrapped)
		}
	}
}

func TestNextSinglePersonaAlwaysWraps(t *testing.T) {
	c := mustParse(t)
	p, wrapped, err := c.Next("docs", "scribe")
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if p.ID != "scribe" || !wrapped {
		t.Errorf("single-persona track should wrap onto itself, got (%s, %v)", p.ID, wrapped)
	}
}

func TestMatchesBranch(t *testing.T) {
	bolt := Persona{ID: "bolt"}

	tests := []struct {
		branch string
		want   bool
	}{
		{"jules-sched-bolt-17594818090249437779", true},
		{"bolt", true},
		{"feature/bolt_fixups", true},
		{"bolt-followup", true},
		{"jules-bolton", false},
		{"lightningbolt", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := bolt.MatchesBranch(tt.branch); got != tt.want {
			t.Errorf("MatchesBranch(%q) = %v, want %v", tt.branch, got, tt.want)
		}
	}
}

func TestParseCompilesBranchMatcher(t *testing.T) {
	c, err := Parse([]byte("personas:\n  - id: bolt\n    track: core\n    prompt: go\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	p, ok := c.Get("bolt")
	if !ok {
		t.Fatal("persona bolt missing")
	}
	if p.branchRE == nil {
		t.Error("parsed persona should carry a compiled branch matcher")
	}
	if !p.MatchesBranch("jules-sched-bolt-1") || p.MatchesBranch("jules-bolton") {
		t.Error("compiled matcher should still match delimited tokens only")
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "personas: []"},
		{"missing id", "personas:\n  - track: core\n    prompt: x"},
		{"uppercase id", "personas:\n  - id: Bolt\n    track: core\n    prompt: x"},
		{"missing track", "personas:\n  - id: bolt\n    prompt: x"},
		{"missing prompt", "personas:\n  - id: bolt\n    track: core"},
		{"duplicate id", `
personas:
  - {id: bolt, track: core, prompt: x}
  - {id: bolt, track: docs, prompt: y}
`},
		{"bad schedule", "personas:\n  - id: bolt\n    track: core\n    prompt: x\n    schedule: not-cron"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}
