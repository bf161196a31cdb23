// Package reconcile dispatches reconciliation sessions when the integration
// branch has drifted into conflict with trunk. Each track/cycle pair is
// reconciled at most once, tracked by marker files on disk.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/franklinbaldo/julesched/internal/agent"
	"github.com/franklinbaldo/julesched/internal/errors"
	"github.com/franklinbaldo/julesched/internal/logging"
)

// Tracker records which track/cycle pairs have been reconciled.
type Tracker struct {
	dir string
}

// NewTracker creates a tracker storing markers under dir.
func NewTracker(dir string) *Tracker {
	return &Tracker{dir: dir}
}

// Key identifies one reconciliation unit.
func Key(track string, cycle int) string {
	return fmt.Sprintf("%s-cycle-%d", track, cycle)
}

func (t *Tracker) markerPath(key string) string {
	return filepath.Join(t.dir, key+".done")
}

// Done reports whether the key has already been reconciled.
func (t *Tracker) Done(key string) bool {
	_, err := os.Stat(t.markerPath(key))
	return err == nil
}

// Mark records a reconciliation as dispatched.
func (t *Tracker) Mark(key, sessionID string) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create reconcile dir: %w", err)
	}
	data := []byte(sessionID + "\n")
	if err := os.WriteFile(t.markerPath(key), data, 0o644); err != nil {
		return fmt.Errorf("failed to write reconcile marker: %w", err)
	}
	return nil
}

// SessionLauncher starts reconciliation sessions.
type SessionLauncher interface {
	CreateSession(ctx context.Context, req agent.CreateSessionRequest) (*agent.Session, error)
}

var _ SessionLauncher = (*agent.Client)(nil)

// Differ produces the divergence diff between integration and trunk.
type Differ interface {
	Diff(integration, trunk string) (string, error)
}

// Manager coordinates reconciliation dispatch.
type Manager struct {
	tracker      *Tracker
	launcher     SessionLauncher
	differ       Differ
	repo         string
	maxDiffChars int
	log          *logging.Logger
}

// NewManager creates a reconciliation manager.
func NewManager(tracker *Tracker, launcher SessionLauncher, differ Differ, repo string, maxDiffChars int, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Manager{
		tracker:      tracker,
		launcher:     launcher,
		differ:       differ,
		repo:         repo,
		maxDiffChars: maxDiffChars,
		log:          log,
	}
}

// Reconcile dispatches a reconciliation session for the given track and
// cycle, unless one was already dispatched. Returns the session and whether
// a new session was launched.
func (m *Manager) Reconcile(ctx context.Context, track string, cycle int, integration, trunk string) (*agent.Session, bool, error) {
	key := Key(track, cycle)
	if m.tracker.Done(key) {
		m.log.Debug("reconciliation already dispatched", "key", key)
		return nil, false, nil
	}

	diff, err := m.differ.Diff(integration, trunk)
	if err != nil {
		return nil, false, err
	}

	prompt := buildPrompt(integration, trunk, TruncateDiff(diff, m.maxDiffChars))
	session, err := m.launcher.CreateSession(ctx, agent.CreateSessionRequest{
		Prompt:         prompt,
		Title:          fmt.Sprintf("Reconcile %s with %s (%s)", integration, trunk, key),
		Repo:           m.repo,
		StartingBranch: integration,
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to launch reconciliation session")
	}

	if err := m.tracker.Mark(key, session.ID()); err != nil {
		return session, true, err
	}
	m.log.Info("dispatched reconciliation session",
		"key", key, "session", session.ID())
	return session, true, nil
}

// TruncateDiff caps a diff at max characters, appending a truncation notice
// when content was dropped.
func TruncateDiff(diff string, max int) string {
	if max <= 0 || len(diff) <= max {
		return diff
	}
	return diff[:max] + "\n... (diff truncated)"
}

func buildPrompt(integration, trunk, diff string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The %s branch has conflicts with %s and can no longer merge cleanly.\n", integration, trunk)
	fmt.Fprintf(&b, "Resolve the conflicts by merging %s into %s, keeping the intent of both sides.\n", trunk, integration)
	b.WriteString("Push the resolved result and open a pull request if one does not already exist.\n\n")
	b.WriteString("Current divergence:\n```diff\n")
	b.WriteString(diff)
	b.WriteString("\n```\n")
	return b.String()
}
