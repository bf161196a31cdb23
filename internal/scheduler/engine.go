// Package scheduler implements the cycle tick. Each tick inspects every
// track once: it resolves the outcome of the previous persona's session,
// merges green pull requests into the integration branch, heals drift, and
// dispatches the next persona in the rotation.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/franklinbaldo/julesched/internal/agent"
	"github.com/franklinbaldo/julesched/internal/catalog"
	"github.com/franklinbaldo/julesched/internal/config"
	"github.com/franklinbaldo/julesched/internal/errors"
	"github.com/franklinbaldo/julesched/internal/gate"
	"github.com/franklinbaldo/julesched/internal/github"
	"github.com/franklinbaldo/julesched/internal/gitx"
	"github.com/franklinbaldo/julesched/internal/logging"
	"github.com/franklinbaldo/julesched/internal/state"
)

// Action is what the engine decided to do for a track.
type Action string

const (
	ActionWait       Action = "wait"
	ActionMerged     Action = "merged"
	ActionDispatched Action = "dispatched"
	ActionReconciled Action = "reconciled"
	ActionRotated    Action = "rotated"
	ActionUnstuck    Action = "unstuck"
	ActionAdvanced   Action = "advanced"
	ActionSkipped    Action = "skipped"
	ActionStuck      Action = "stuck"
)

// Decision records one engine action and why it was taken. A tick produces
// one or more decisions per track.
type Decision struct {
	Track   string
	Persona string
	Action  Action
	Reason  string
}

func (d Decision) String() string {
	if d.Persona != "" {
		return fmt.Sprintf("[%s/%s] %s: %s", d.Track, d.Persona, d.Action, d.Reason)
	}
	return fmt.Sprintf("[%s] %s: %s", d.Track, d.Action, d.Reason)
}

// BranchOps is the branch surface the engine uses.
type BranchOps interface {
	Fetch() error
	RemoteSHA(branch string) (string, error)
	PushSHA(sha, branch string, force bool) error
	HasDrift(integration, trunk string) (bool, error)
	AheadCount(integration, trunk string) (int, error)
	SyncWithTrunk(integration, trunk string) error
	Rotate(integration, trunk, backupPrefix string, now time.Time) (*gitx.RotateResult, error)
}

var _ BranchOps = (*gitx.Branches)(nil)

// PRGate merges gated pull requests.
type PRGate interface {
	Merge(pr *github.PullRequest, integration string) error
	EnsureIntegrationPR(integration, trunk string, ahead int) (string, error)
}

var _ PRGate = (*gate.Gate)(nil)

// PRService is the raw PR surface the engine uses.
type PRService interface {
	ListOpenPRs(base string) ([]github.PullRequest, error)
	CreatePR(head, base, title, body string) (string, error)
	MarkReady(number int) error
}

var _ PRService = (*github.Client)(nil)

// Sessions is the remote session surface the engine uses.
type Sessions interface {
	CreateSession(ctx context.Context, req agent.CreateSessionRequest) (*agent.Session, error)
	GetSession(ctx context.Context, id string) (*agent.Session, error)
	ListSessions(ctx context.Context) ([]agent.Session, error)
	ApprovePlan(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id, prompt string) error
}

var _ Sessions = (*agent.Client)(nil)

// Reconciler launches reconciliation sessions for drifted branches.
type Reconciler interface {
	Reconcile(ctx context.Context, track string, cycle int, integration, trunk string) (*agent.Session, bool, error)
}

// Engine drives the persona cycle.
type Engine struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	store    *state.Store
	branches BranchOps
	gate     PRGate
	prs      PRService
	sessions Sessions
	recon    Reconciler
	repo     string
	log      *logging.Logger
	now      func() time.Time
}

// New creates an engine.
func New(cfg *config.Config, cat *catalog.Catalog, store *state.Store, branches BranchOps, g PRGate, prs PRService, sessions Sessions, recon Reconciler, repo string, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Engine{
		cfg:      cfg,
		catalog:  cat,
		store:    store,
		branches: branches,
		gate:     g,
		prs:      prs,
		sessions: sessions,
		recon:    recon,
		repo:     repo,
		log:      log,
		now:      time.Now,
	}
}

// TickOptions narrow what a tick does.
type TickOptions struct {
	// DryRun reports decisions without mutating anything.
	DryRun bool
	// Track restricts the tick to one track.
	Track string
	// Persona forces dispatch of a specific persona instead of the
	// rotation's next, bypassing its schedule window.
	Persona string
}

// Tick runs one scheduler pass over all tracks.
func (e *Engine) Tick(ctx context.Context, opts TickOptions) ([]Decision, error) {
	runID := uuid.NewString()
	log := e.log.WithTick(runID)
	now := e.now()

	if err := e.branches.Fetch(); err != nil {
		return nil, err
	}

	st, err := e.store.Load()
	if err != nil {
		return nil, err
	}

	tracks := e.catalog.Tracks()
	if opts.Track != "" {
		if _, err := e.catalog.Track(opts.Track); err != nil {
			return nil, err
		}
		tracks = []string{opts.Track}
	}

	var decisions []Decision
	dirty := false
	for _, track := range tracks {
		ds, changed, err := e.tickTrack(ctx, log.WithTrack(track), st, track, now, opts)
		decisions = append(decisions, ds...)
		if changed {
			dirty = true
		}
		if err != nil {
			log.Error("track tick failed", "track", track, "error", err.Error())
			// One broken track must not starve the others.
			continue
		}
	}

	if dirty && !opts.DryRun {
		if err := e.store.Save(st); err != nil {
			return decisions, err
		}
	}
	for _, d := range decisions {
		log.Info("decision", "track", d.Track, "persona", d.Persona, "action", string(d.Action), "reason", d.Reason)
	}
	return decisions, nil
}

// tickTrack runs the state machine for one track. Returns its decisions and
// whether the persistent state changed.
func (e *Engine) tickTrack(ctx context.Context, log *logging.Logger, st *state.State, track string, now time.Time, opts TickOptions) ([]Decision, bool, error) {
	branches := e.cfg.Branches

	// Keep the integration branch healthy before anything else. Scheduling
	// continues on the freshly rotated branch when drift was healed.
	ds, err := e.ensureIntegration(ctx, log, st, track, now, opts)
	if err != nil {
		return ds, false, err
	}
	dirty := false

	// A missing pointer is rebuilt from open PRs and in-flight sessions
	// before it is treated as a fresh track.
	cursor := st.Track(track)
	if cursor.Persona == "" && cursor.SessionID == "" && !opts.DryRun {
		rebuilt, err := e.reconstructCursor(ctx, log, st, track)
		if err != nil {
			log.Warn("track pointer recovery failed", "error", err.Error())
		} else if rebuilt {
			cursor = st.Track(track)
			dirty = true
		}
	}

	// Resolve the previous session, if one is pending.
	if cursor.SessionID != "" {
		resolved, d, err := e.resolvePending(ctx, log, st, track, cursor, now, opts)
		ds = append(ds, d...)
		if resolved {
			// finishPending updated the history and cursor.
			dirty = true
		}
		if err != nil {
			return ds, dirty, err
		}
		if !resolved {
			return ds, dirty, nil
		}
	}

	// Dispatch the next persona.
	var persona catalog.Persona
	var wrapped bool
	if opts.Persona != "" {
		p, ok := e.catalog.Get(opts.Persona)
		if !ok || p.Track != track {
			return ds, dirty, errors.Wrapf(errors.ErrTrackUnknown, "persona %q not in track %q", opts.Persona, track)
		}
		persona = p
	} else {
		persona, wrapped, err = e.catalog.Next(track, st.Track(track).Persona)
		if err != nil {
			return ds, dirty, err
		}
		if !e.inScheduleWindow(persona, now) {
			ds = append(ds, Decision{
				Track: track, Persona: persona.ID, Action: ActionSkipped,
				Reason: fmt.Sprintf("outside schedule window %q", persona.Schedule),
			})
			return ds, dirty, nil
		}
	}

	if opts.DryRun {
		ds = append(ds, Decision{
			Track: track, Persona: persona.ID, Action: ActionDispatched,
			Reason: "dry run: would create session on " + branches.Integration,
		})
		return ds, dirty, nil
	}

	session, err := e.sessions.CreateSession(ctx, agent.CreateSessionRequest{
		Prompt:         persona.Prompt,
		Title:          fmt.Sprintf("%s %s: cycle task", persona.Emoji, persona.ID),
		Repo:           e.repo,
		StartingBranch: branches.Integration,
	})
	if err != nil {
		return ds, dirty, err
	}

	// The agent names its own head branch in AUTO_CREATE_PR mode; the branch
	// is recorded once the pull request shows up.
	st.Record(state.SessionRecord{
		Track:     track,
		Persona:   persona.ID,
		SessionID: session.ID(),
		StartedAt: now,
	}, wrapped)

	ds = append(ds, Decision{
		Track: track, Persona: persona.ID, Action: ActionDispatched,
		Reason: "created session " + session.ID(),
	})
	return ds, true, nil
}

// ensureIntegration makes sure the integration branch exists, rotating it
// out of the way when it has drifted into conflict with trunk. Rotation does
// not consume the track's tick; dispatch continues on the rotated branch.
func (e *Engine) ensureIntegration(ctx context.Context, log *logging.Logger, st *state.State, track string, now time.Time, opts TickOptions) ([]Decision, error) {
	branches := e.cfg.Branches

	_, err := e.branches.RemoteSHA(branches.Integration)
	if errors.Is(err, errors.ErrBranchNotFound) {
		if opts.DryRun {
			return []Decision{{Track: track, Action: ActionSkipped,
				Reason: "dry run: would create " + branches.Integration + " from " + branches.Trunk}}, nil
		}
		trunkSHA, err := e.branches.RemoteSHA(branches.Trunk)
		if err != nil {
			return nil, err
		}
		if err := e.branches.PushSHA(trunkSHA, branches.Integration, true); err != nil {
			return nil, err
		}
		log.Info("created integration branch", "branch", branches.Integration)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	drifted, err := e.branches.HasDrift(branches.Integration, branches.Trunk)
	if err != nil {
		return nil, err
	}
	if !drifted {
		return nil, nil
	}

	cursor := st.Track(track)
	if opts.DryRun {
		return []Decision{{Track: track, Action: ActionRotated,
			Reason: "dry run: drift detected, would back up and reset " + branches.Integration}}, nil
	}

	res, err := e.branches.Rotate(branches.Integration, branches.Trunk, branches.BackupPrefix, now)
	if err != nil {
		return nil, err
	}
	ds := []Decision{{Track: track, Action: ActionRotated,
		Reason: fmt.Sprintf("drift detected, preserved tip as %s", res.Backup)}}

	if res.Backup != "" {
		title := fmt.Sprintf("Conflict backup: %s", res.Backup)
		body := fmt.Sprintf(
			"Automatic backup of `%s` after it became unmergeable with `%s`.\n\n"+
				"**Backup branch:** `%s`\n"+
				"A reconciliation session will merge this work back.",
			branches.Integration, branches.Trunk, res.Backup)
		url, err := e.prs.CreatePR(res.Backup, branches.Trunk, title, body)
		if err != nil {
			log.Warn("failed to open backup pull request", "branch", res.Backup, "error", err.Error())
		} else if n := github.PRNumberFromURL(url); n > 0 {
			ds[0].Reason = fmt.Sprintf("drift detected, preserved tip as %s (pr #%d)", res.Backup, n)
		}

		session, launched, err := e.recon.Reconcile(ctx, track, cursor.Cycle, res.Backup, branches.Trunk)
		if err != nil {
			log.Warn("failed to launch reconciliation", "error", err.Error())
		} else if launched {
			ds = append(ds, Decision{Track: track, Action: ActionReconciled,
				Reason: "launched reconciliation session " + session.ID()})
		}
	}
	return ds, nil
}

// reconstructCursor rebuilds a missing track pointer, first from open pull
// requests whose head branch names a persona of the track, then from
// in-flight sessions titled for one. Matching is on the head branch only.
func (e *Engine) reconstructCursor(ctx context.Context, log *logging.Logger, st *state.State, track string) (bool, error) {
	personas, err := e.catalog.Track(track)
	if err != nil {
		return false, err
	}

	open, err := e.prs.ListOpenPRs("")
	if err != nil {
		return false, err
	}
	for _, p := range personas {
		pr := gate.FindSessionPR(open, p)
		if pr == nil {
			continue
		}
		st.SetTrack(track, state.TrackState{
			Persona:   p.ID,
			SessionID: sessionIDFromPR(pr),
			Branch:    pr.HeadRefName,
		})
		log.Info("rebuilt track pointer from pull request", "persona", p.ID, "pr", pr.Number)
		return true, nil
	}

	sessions, err := e.sessions.ListSessions(ctx)
	if err != nil {
		return false, err
	}
	for i := range sessions {
		s := &sessions[i]
		if s.Done() {
			continue
		}
		for _, p := range personas {
			if !strings.Contains(s.Title, p.ID+":") {
				continue
			}
			st.SetTrack(track, state.TrackState{Persona: p.ID, SessionID: s.ID()})
			log.Info("rebuilt track pointer from session", "persona", p.ID, "session", s.ID())
			return true, nil
		}
	}
	return false, nil
}

// resolvePending handles the track's outstanding session. Returns true when
// the track is free to dispatch the next persona this tick.
func (e *Engine) resolvePending(ctx context.Context, log *logging.Logger, st *state.State, track string, cursor state.TrackState, now time.Time, opts TickOptions) (bool, []Decision, error) {
	branches := e.cfg.Branches

	open, err := e.prs.ListOpenPRs("")
	if err != nil {
		return false, nil, err
	}
	pr := findSessionPR(open, cursor.SessionID)

	if pr == nil {
		return e.resolveDirect(ctx, st, track, cursor, now, opts)
	}

	if pr.IsDraft {
		session, err := e.sessions.GetSession(ctx, cursor.SessionID)
		if err == nil && session.State == agent.StateCompleted {
			if !opts.DryRun {
				if err := e.prs.MarkReady(pr.Number); err != nil {
					log.Warn("failed to mark pull request ready", "pr", pr.Number, "error", err.Error())
				}
			}
			return false, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionWait,
				Reason: fmt.Sprintf("promoted draft pr #%d, waiting for checks", pr.Number)}}, nil
		}
		action, d := e.maybeUnstick(ctx, track, cursor, session, now, opts)
		switch action {
		case agent.ActionStuck:
			e.finishPending(st, track, "stuck", pr)
			return true, d, nil
		case agent.ActionNone:
			return false, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionWait,
				Reason: fmt.Sprintf("pr #%d is a draft", pr.Number)}}, nil
		default:
			return false, d, nil
		}
	}

	verdict := gate.Assess(pr)
	if !verdict.Green {
		return false, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionWait,
			Reason: fmt.Sprintf("pr #%d not green: %s", pr.Number, verdict.Reason)}}, nil
	}

	if opts.DryRun {
		return true, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionMerged,
			Reason: fmt.Sprintf("dry run: would merge pr #%d into %s", pr.Number, branches.Integration)}}, nil
	}

	if err := e.gate.Merge(pr, branches.Integration); err != nil {
		return false, nil, err
	}

	// Pull trunk back into the integration branch so the next session sees
	// the merged work plus anything that landed on trunk independently.
	if err := e.branches.SyncWithTrunk(branches.Integration, branches.Trunk); err != nil {
		if errors.Is(err, errors.ErrMergeConflict) {
			log.Warn("trunk sync conflicts, drift rotation will pick it up next tick", "error", err.Error())
		} else {
			log.Warn("failed to sync integration branch with trunk", "error", err.Error())
		}
	}

	ahead, err := e.branches.AheadCount(branches.Integration, branches.Trunk)
	if err != nil {
		log.Warn("failed to count commits ahead", "error", err.Error())
	} else if _, err := e.gate.EnsureIntegrationPR(branches.Integration, branches.Trunk, ahead); err != nil {
		log.Warn("failed to ensure integration pull request", "error", err.Error())
	}

	e.finishPending(st, track, "merged", pr)
	return true, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionMerged,
		Reason: fmt.Sprintf("merged pr #%d into %s", pr.Number, branches.Integration)}}, nil
}

// resolveDirect handles a pending session with no pull request.
func (e *Engine) resolveDirect(ctx context.Context, st *state.State, track string, cursor state.TrackState, now time.Time, opts TickOptions) (bool, []Decision, error) {
	session, err := e.sessions.GetSession(ctx, cursor.SessionID)
	if errors.Is(err, errors.ErrSessionNotFound) {
		// The session vanished; advancing beats deadlock.
		e.finishPending(st, track, "session_lost", nil)
		return true, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionAdvanced,
			Reason: "session " + cursor.SessionID + " no longer exists"}}, nil
	}
	if err != nil {
		return false, nil, err
	}

	switch session.State {
	case agent.StateCompleted:
		e.finishPending(st, track, "completed", nil)
		return true, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionAdvanced,
			Reason: "session completed without a pull request"}}, nil
	case agent.StateFailed:
		e.finishPending(st, track, "failed", nil)
		return true, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionAdvanced,
			Reason: "session failed, advancing to avoid deadlock"}}, nil
	default:
		action, ds := e.maybeUnstick(ctx, track, cursor, session, now, opts)
		switch action {
		case agent.ActionStuck:
			e.finishPending(st, track, "stuck", nil)
			return true, ds, nil
		case agent.ActionNone:
			return false, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionWait,
				Reason: "session is " + session.State}}, nil
		default:
			return false, ds, nil
		}
	}
}

// maybeUnstick nudges a stalled session, or declares it stuck when no
// intervention can help it anymore. ActionNone means it was left alone.
func (e *Engine) maybeUnstick(ctx context.Context, track string, cursor state.TrackState, session *agent.Session, now time.Time, opts TickOptions) (agent.StuckAction, []Decision) {
	if session == nil || opts.DryRun {
		return agent.ActionNone, nil
	}
	action, err := agent.Unstick(ctx, e.sessions, session, e.cfg.Agent.StuckWindow, now, e.log)
	if err != nil || action == agent.ActionNone {
		return agent.ActionNone, nil
	}
	if action == agent.ActionStuck {
		e.log.Warn("session declared stuck, skipping it",
			"track", track, "persona", cursor.Persona, "session", session.ID(), "state", session.State)
		return action, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionStuck,
			Reason: fmt.Sprintf("session %s made no progress within %s, skipping",
				session.ID(), e.cfg.Agent.StuckWindow)}}
	}
	return action, []Decision{{Track: track, Persona: cursor.Persona, Action: ActionUnstuck,
		Reason: string(action)}}
}

// finishPending records the pending session's outcome and clears the cursor.
// The resolved pull request, when there is one, stamps its number and head
// branch onto the history entry.
func (e *Engine) finishPending(st *state.State, track, outcome string, pr *github.PullRequest) {
	for i := len(st.History) - 1; i >= 0; i-- {
		if st.History[i].Track == track && st.History[i].SessionID == st.Track(track).SessionID {
			st.History[i].Outcome = outcome
			if pr != nil {
				st.History[i].PRNumber = pr.Number
				st.History[i].Branch = pr.HeadRefName
			}
			break
		}
	}
	st.ClearPending(track)
}

// inScheduleWindow reports whether a persona's cron schedule fired within
// the dispatch window ending at now. Personas without a schedule are always
// eligible.
func (e *Engine) inScheduleWindow(p catalog.Persona, now time.Time) bool {
	if p.Schedule == "" {
		return true
	}
	sched, err := cron.ParseStandard(p.Schedule)
	if err != nil {
		// The catalog validated this already; fail open.
		return true
	}
	next := sched.Next(now.Add(-scheduleWindow))
	return !next.After(now)
}

// scheduleWindow is how far back a cron fire still counts as "due now".
// Ticks typically run hourly, so a fire within the last hour is honored.
const scheduleWindow = time.Hour

// sessionIDFromPR extracts the session id a pull request belongs to, from
// its head branch name or its body.
func sessionIDFromPR(pr *github.PullRequest) string {
	if id := github.ExtractSessionID(pr.HeadRefName); id != "" {
		return id
	}
	return github.ExtractSessionIDFromBody(pr.Body)
}

// findSessionPR locates the open PR created by a session, matching the id
// embedded in the head branch name or the PR body.
func findSessionPR(prs []github.PullRequest, sessionID string) *github.PullRequest {
	if sessionID == "" {
		return nil
	}
	for i := range prs {
		if github.ExtractSessionID(prs[i].HeadRefName) == sessionID {
			return &prs[i]
		}
	}
	for i := range prs {
		if github.ExtractSessionIDFromBody(prs[i].Body) == sessionID {
			return &prs[i]
		}
	}
	return nil
}
