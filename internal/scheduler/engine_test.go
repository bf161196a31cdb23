package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franklinbaldo/julesched/internal/agent"
	"github.com/franklinbaldo/julesched/internal/catalog"
	"github.com/franklinbaldo/julesched/internal/config"
	"github.com/franklinbaldo/julesched/internal/errors"
	"github.com/franklinbaldo/julesched/internal/github"
	"github.com/franklinbaldo/julesched/internal/gitx"
	"github.com/franklinbaldo/julesched/internal/logging"
	"github.com/franklinbaldo/julesched/internal/state"
)

const testCatalog = `
personas:
  - id: alpha
    track: core
    prompt: Do the alpha work.
  - id: beta
    track: core
    prompt: Do the beta work.
`

type fakeBranches struct {
	shas    map[string]string
	drift   bool
	ahead   int
	rotates []string
	pushes  []string
	syncs   []string
	syncErr error
	fetches int
}

func newFakeBranches() *fakeBranches {
	return &fakeBranches{shas: map[string]string{"main": "trunksha", "jules": "julessha"}}
}

func (f *fakeBranches) Fetch() error {
	f.fetches++
	return nil
}

func (f *fakeBranches) RemoteSHA(branch string) (string, error) {
	if sha, ok := f.shas[branch]; ok {
		return sha, nil
	}
	return "", errors.Wrapf(errors.ErrBranchNotFound, "branch %s", branch)
}

func (f *fakeBranches) PushSHA(sha, branch string, force bool) error {
	f.pushes = append(f.pushes, sha+":"+branch)
	f.shas[branch] = sha
	return nil
}

func (f *fakeBranches) HasDrift(integration, trunk string) (bool, error) {
	return f.drift, nil
}

func (f *fakeBranches) AheadCount(integration, trunk string) (int, error) {
	return f.ahead, nil
}

func (f *fakeBranches) SyncWithTrunk(integration, trunk string) error {
	if f.syncErr != nil {
		return f.syncErr
	}
	f.syncs = append(f.syncs, trunk+"->"+integration)
	f.shas[integration] = "synced-" + f.shas[trunk]
	return nil
}

func (f *fakeBranches) Rotate(integration, trunk, backupPrefix string, now time.Time) (*gitx.RotateResult, error) {
	backup := backupPrefix + "-" + now.UTC().Format("20060102-150405")
	f.rotates = append(f.rotates, backup)
	old := f.shas[integration]
	f.shas[backup] = old
	f.shas[integration] = f.shas[trunk]
	f.drift = false
	return &gitx.RotateResult{Backup: backup, OldSHA: old, NewSHA: f.shas[trunk]}, nil
}

type fakeGate struct {
	merged     []int
	ensured    int
	ensuredURL string
}

func (f *fakeGate) Merge(pr *github.PullRequest, integration string) error {
	f.merged = append(f.merged, pr.Number)
	return nil
}

func (f *fakeGate) EnsureIntegrationPR(integration, trunk string, ahead int) (string, error) {
	f.ensured++
	return f.ensuredURL, nil
}

type fakePRs struct {
	open    []github.PullRequest
	created []string
	ready   []int
}

func (f *fakePRs) ListOpenPRs(base string) ([]github.PullRequest, error) { return f.open, nil }
func (f *fakePRs) CreatePR(head, base, title, body string) (string, error) {
	f.created = append(f.created, head)
	return "https://x/pull/50", nil
}
func (f *fakePRs) MarkReady(number int) error {
	f.ready = append(f.ready, number)
	return nil
}

type fakeSessions struct {
	byID     map[string]*agent.Session
	all      []*agent.Session
	created  []agent.CreateSessionRequest
	approved []string
	nudged   []string
	nextID   string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byID: map[string]*agent.Session{}, nextID: "100000000000000001"}
}

func (f *fakeSessions) CreateSession(ctx context.Context, req agent.CreateSessionRequest) (*agent.Session, error) {
	f.created = append(f.created, req)
	s := &agent.Session{Name: "sessions/" + f.nextID, Title: req.Title, State: agent.StateInProgress}
	f.byID[f.nextID] = s
	f.all = append(f.all, s)
	return s, nil
}

func (f *fakeSessions) GetSession(ctx context.Context, id string) (*agent.Session, error) {
	if s, ok := f.byID[id]; ok {
		return s, nil
	}
	return nil, errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
}

func (f *fakeSessions) ListSessions(ctx context.Context) ([]agent.Session, error) {
	out := make([]agent.Session, 0, len(f.all))
	for _, s := range f.all {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeSessions) ApprovePlan(ctx context.Context, id string) error {
	f.approved = append(f.approved, id)
	return nil
}

func (f *fakeSessions) SendMessage(ctx context.Context, id, prompt string) error {
	f.nudged = append(f.nudged, id)
	return nil
}

type fakeRecon struct {
	calls []string
}

func (f *fakeRecon) Reconcile(ctx context.Context, track string, cycle int, integration, trunk string) (*agent.Session, bool, error) {
	key := integration + "/" + trunk
	for _, c := range f.calls {
		if c == key {
			return nil, false, nil
		}
	}
	f.calls = append(f.calls, key)
	return &agent.Session{Name: "sessions/recon-1", State: agent.StateInProgress}, true, nil
}

type fixture struct {
	engine   *Engine
	branches *fakeBranches
	gate     *fakeGate
	prs      *fakePRs
	sessions *fakeSessions
	recon    *fakeRecon
	store    *state.Store
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("catalog parse failed: %v", err)
	}

	f := &fixture{
		branches: newFakeBranches(),
		gate:     &fakeGate{},
		prs:      &fakePRs{},
		sessions: newFakeSessions(),
		recon:    &fakeRecon{},
		store:    state.NewStore(filepath.Join(t.TempDir(), "state.json")),
		now:      time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
	f.engine = New(config.Default(), cat, f.store, f.branches, f.gate, f.prs, f.sessions, f.recon, "o/r", logging.NopLogger())
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) tick(t *testing.T, opts TickOptions) []Decision {
	t.Helper()
	ds, err := f.engine.Tick(context.Background(), opts)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	return ds
}

func (f *fixture) loadState(t *testing.T) *state.State {
	t.Helper()
	st, err := f.store.Load()
	if err != nil {
		t.Fatalf("state load failed: %v", err)
	}
	return st
}

func hasDecision(ds []Decision, action Action) bool {
	for _, d := range ds {
		if d.Action == action {
			return true
		}
	}
	return false
}

func TestTickFreshStateDispatchesFirstPersona(t *testing.T) {
	f := newFixture(t)

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionDispatched) {
		t.Fatalf("expected dispatch, got %v", ds)
	}
	if len(f.sessions.created) != 1 {
		t.Fatalf("expected 1 session, got %d", len(f.sessions.created))
	}
	req := f.sessions.created[0]
	if req.StartingBranch != "jules" {
		t.Errorf("sessions must start from the integration branch, got %q", req.StartingBranch)
	}

	st := f.loadState(t)
	ts := st.Track("core")
	if ts.Persona != "alpha" || ts.SessionID == "" {
		t.Errorf("cursor not recorded: %+v", ts)
	}
	if ts.Cycle != 0 {
		t.Errorf("first dispatch must not bump the cycle, got %d", ts.Cycle)
	}
}

func TestTickWaitsWhilePRNotGreen(t *testing.T) {
	f := newFixture(t)
	f.tick(t, TickOptions{})
	sid := f.loadState(t).Track("core").SessionID

	// PR exists with an in-progress check and unknown mergeability.
	f.prs.open = []github.PullRequest{{
		Number:      7,
		HeadRefName: "jules-sched-core-alpha-" + sid,
		BaseRefName: "jules",
		Mergeable:   github.MergeableUnknown,
		StatusCheckRollup: []github.Check{
			{Name: "ci", Status: "IN_PROGRESS"},
		},
	}}

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionWait) {
		t.Fatalf("expected wait, got %v", ds)
	}
	if len(f.gate.merged) != 0 {
		t.Error("non-green PR must not merge")
	}
	if len(f.sessions.created) != 1 {
		t.Error("no new session may dispatch while a PR is pending")
	}
}

func TestTickMergesGreenPRAndAdvances(t *testing.T) {
	f := newFixture(t)
	f.tick(t, TickOptions{})
	sid := f.loadState(t).Track("core").SessionID

	f.branches.ahead = 2
	f.gate.ensuredURL = "https://x/pull/90"
	f.prs.open = []github.PullRequest{{
		Number:      7,
		HeadRefName: "jules-sched-core-alpha-" + sid,
		BaseRefName: "jules",
		Mergeable:   github.MergeableYes,
		StatusCheckRollup: []github.Check{
			{Name: "ci", Status: "COMPLETED", Conclusion: "SUCCESS"},
		},
	}}

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionMerged) || !hasDecision(ds, ActionDispatched) {
		t.Fatalf("expected merge then dispatch, got %v", ds)
	}
	if len(f.gate.merged) != 1 || f.gate.merged[0] != 7 {
		t.Errorf("expected PR #7 merged, got %v", f.gate.merged)
	}
	if f.gate.ensured != 1 {
		t.Error("integration PR must be ensured after merging")
	}
	if len(f.branches.syncs) != 1 {
		t.Fatalf("integration branch must sync with trunk after a merge, got %v", f.branches.syncs)
	}

	st := f.loadState(t)
	ts := st.Track("core")
	if ts.Persona != "beta" {
		t.Errorf("rotation should advance to beta, got %q", ts.Persona)
	}
	if len(st.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(st.History))
	}
	if st.History[0].Outcome != "merged" || st.History[0].PRNumber != 7 {
		t.Errorf("first record should carry the merge outcome: %+v", st.History[0])
	}
	if st.History[0].Branch != "jules-sched-core-alpha-"+sid {
		t.Errorf("first record should carry the PR head branch: %+v", st.History[0])
	}
}

func TestTickWrapIncrementsCycle(t *testing.T) {
	f := newFixture(t)

	// alpha dispatched, merged; beta dispatched, merged; wrap back to alpha.
	greenPR := func(persona, sid string, number int) github.PullRequest {
		return github.PullRequest{
			Number:      number,
			HeadRefName: "jules-sched-core-" + persona + "-" + sid,
			BaseRefName: "jules",
			Mergeable:   github.MergeableYes,
			StatusCheckRollup: []github.Check{
				{Name: "ci", Status: "COMPLETED", Conclusion: "SUCCESS"},
			},
		}
	}

	f.tick(t, TickOptions{}) // dispatch alpha
	sid := f.loadState(t).Track("core").SessionID
	f.sessions.nextID = "100000000000000002"
	f.prs.open = []github.PullRequest{greenPR("alpha", sid, 1)}
	f.tick(t, TickOptions{}) // merge alpha, dispatch beta

	st := f.loadState(t)
	if st.Track("core").Persona != "beta" || st.Track("core").Cycle != 0 {
		t.Fatalf("unexpected cursor after beta dispatch: %+v", st.Track("core"))
	}

	sid = st.Track("core").SessionID
	f.sessions.nextID = "100000000000000003"
	f.prs.open = []github.PullRequest{greenPR("beta", sid, 2)}
	f.tick(t, TickOptions{}) // merge beta, wrap to alpha

	st = f.loadState(t)
	ts := st.Track("core")
	if ts.Persona != "alpha" {
		t.Errorf("expected wrap back to alpha, got %q", ts.Persona)
	}
	if ts.Cycle != 1 {
		t.Errorf("expected cycle to increment on wrap, got %d", ts.Cycle)
	}
}

func TestTickDriftRotatesAndReconciles(t *testing.T) {
	f := newFixture(t)
	f.branches.drift = true

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionRotated) || !hasDecision(ds, ActionReconciled) {
		t.Fatalf("expected rotation and reconciliation, got %v", ds)
	}
	if len(f.branches.rotates) != 1 {
		t.Fatalf("expected 1 rotation, got %d", len(f.branches.rotates))
	}
	backup := f.branches.rotates[0]
	if f.branches.shas[backup] != "julessha" {
		t.Error("rotation must preserve the old tip under the backup branch")
	}
	if len(f.prs.created) != 1 || f.prs.created[0] != backup {
		t.Errorf("expected backup PR from %s, got %v", backup, f.prs.created)
	}
	for _, d := range ds {
		if d.Action == ActionRotated && !strings.Contains(d.Reason, "pr #50") {
			t.Errorf("rotation reason should name the backup pr, got %q", d.Reason)
		}
	}

	// Scheduling continues on the freshly rotated branch in the same tick.
	if !hasDecision(ds, ActionDispatched) {
		t.Fatalf("expected dispatch on the rotated branch, got %v", ds)
	}
	if len(f.sessions.created) != 1 {
		t.Fatalf("expected 1 persona session, got %d", len(f.sessions.created))
	}
	if f.sessions.created[0].StartingBranch != "jules" {
		t.Errorf("dispatch must start from the rotated integration branch, got %q",
			f.sessions.created[0].StartingBranch)
	}
}

func TestTickSessionCompletedWithoutPRAdvances(t *testing.T) {
	f := newFixture(t)
	f.tick(t, TickOptions{})
	sid := f.loadState(t).Track("core").SessionID
	f.sessions.byID[sid].State = agent.StateCompleted
	f.sessions.nextID = "100000000000000002"

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionAdvanced) || !hasDecision(ds, ActionDispatched) {
		t.Fatalf("expected advance then dispatch, got %v", ds)
	}
	st := f.loadState(t)
	if st.History[0].Outcome != "completed" {
		t.Errorf("expected completed outcome, got %q", st.History[0].Outcome)
	}
	if st.Track("core").Persona != "beta" {
		t.Errorf("expected beta next, got %q", st.Track("core").Persona)
	}
}

func TestTickStuckSessionGetsApproved(t *testing.T) {
	f := newFixture(t)
	f.tick(t, TickOptions{})
	sid := f.loadState(t).Track("core").SessionID
	f.sessions.byID[sid].State = agent.StateAwaitingPlanApproval
	f.sessions.byID[sid].UpdateTime = f.now.Add(-2 * time.Hour)

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionUnstuck) {
		t.Fatalf("expected unstuck, got %v", ds)
	}
	if len(f.sessions.approved) != 1 || f.sessions.approved[0] != sid {
		t.Errorf("expected plan approval for %s, got %v", sid, f.sessions.approved)
	}
	if len(f.sessions.created) != 1 {
		t.Error("unsticking must not dispatch a new persona")
	}
}

func TestTickHungSessionDeclaredStuck(t *testing.T) {
	f := newFixture(t)
	f.tick(t, TickOptions{})
	sid := f.loadState(t).Track("core").SessionID
	f.sessions.byID[sid].State = agent.StateInProgress
	f.sessions.byID[sid].UpdateTime = f.now.Add(-100 * time.Hour)
	f.sessions.nextID = "100000000000000002"

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionStuck) {
		t.Fatalf("expected a stuck decision, got %v", ds)
	}
	if hasDecision(ds, ActionWait) {
		t.Errorf("a hung session past the window must not wait, got %v", ds)
	}
	if len(f.sessions.approved) != 0 || len(f.sessions.nudged) != 0 {
		t.Error("nothing can help a hung in-progress session")
	}

	st := f.loadState(t)
	if st.History[0].Outcome != "stuck" {
		t.Errorf("expected stuck outcome recorded, got %q", st.History[0].Outcome)
	}
	if st.Track("core").SessionID == sid {
		t.Error("stuck session must be cleared from the cursor")
	}
	if !hasDecision(ds, ActionDispatched) {
		t.Errorf("rotation must continue past a stuck session, got %v", ds)
	}
}

func TestTickRebuildsCursorFromPRHeadBranch(t *testing.T) {
	f := newFixture(t)

	// State lost, but alpha's session PR is still open. The decoy names the
	// persona in its base branch only and must not match.
	f.prs.open = []github.PullRequest{
		{Number: 3, HeadRefName: "feature-x", BaseRefName: "alpha-staging"},
		{
			Number:      8,
			HeadRefName: "jules-sched-core-alpha-100000000000000009",
			BaseRefName: "jules",
			Mergeable:   github.MergeableUnknown,
		},
	}
	f.sessions.byID["100000000000000009"] = &agent.Session{
		Name: "sessions/100000000000000009", State: agent.StateInProgress,
	}

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionWait) {
		t.Fatalf("rebuilt pending PR should wait, got %v", ds)
	}
	if len(f.sessions.created) != 0 {
		t.Error("a rebuilt pointer must not dispatch over the pending session")
	}

	ts := f.loadState(t).Track("core")
	if ts.Persona != "alpha" || ts.SessionID != "100000000000000009" {
		t.Errorf("cursor not rebuilt from PR head branch: %+v", ts)
	}
	if ts.Branch != "jules-sched-core-alpha-100000000000000009" {
		t.Errorf("rebuilt cursor should record the head branch: %+v", ts)
	}
}

func TestTickRebuildsCursorFromInFlightSession(t *testing.T) {
	f := newFixture(t)

	s := &agent.Session{
		Name:  "sessions/100000000000000011",
		Title: "alpha: cycle task",
		State: agent.StateInProgress,
	}
	f.sessions.byID["100000000000000011"] = s
	f.sessions.all = append(f.sessions.all, s)

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionWait) {
		t.Fatalf("rebuilt in-flight session should wait, got %v", ds)
	}
	ts := f.loadState(t).Track("core")
	if ts.Persona != "alpha" || ts.SessionID != "100000000000000011" {
		t.Errorf("cursor not rebuilt from session title: %+v", ts)
	}
	if len(f.sessions.created) != 0 {
		t.Error("a rebuilt pointer must not dispatch a duplicate session")
	}
}

func TestTickMergeSurvivesTrunkSyncConflict(t *testing.T) {
	f := newFixture(t)
	f.tick(t, TickOptions{})
	sid := f.loadState(t).Track("core").SessionID
	f.sessions.nextID = "100000000000000002"
	f.branches.syncErr = errors.NewBranchError("trunk merge conflicts", errors.ErrMergeConflict)

	f.prs.open = []github.PullRequest{{
		Number:      7,
		HeadRefName: "jules-sched-core-alpha-" + sid,
		BaseRefName: "jules",
		Mergeable:   github.MergeableYes,
		StatusCheckRollup: []github.Check{
			{Name: "ci", Status: "COMPLETED", Conclusion: "SUCCESS"},
		},
	}}

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionMerged) {
		t.Fatalf("conflicting sync must not undo the merge, got %v", ds)
	}
	if f.loadState(t).History[0].Outcome != "merged" {
		t.Error("merge outcome must be recorded despite the sync conflict")
	}
}

func TestTickLostSessionAdvances(t *testing.T) {
	f := newFixture(t)
	f.tick(t, TickOptions{})
	sid := f.loadState(t).Track("core").SessionID
	delete(f.sessions.byID, sid)
	f.sessions.nextID = "100000000000000002"

	ds := f.tick(t, TickOptions{})
	if !hasDecision(ds, ActionAdvanced) {
		t.Fatalf("expected advance for lost session, got %v", ds)
	}
	if f.loadState(t).History[0].Outcome != "session_lost" {
		t.Errorf("expected session_lost outcome, got %q", f.loadState(t).History[0].Outcome)
	}
}

func TestTickDryRunMutatesNothing(t *testing.T) {
	f := newFixture(t)
	f.tick(t, TickOptions{})
	sid := f.loadState(t).Track("core").SessionID
	before := f.loadState(t)

	f.prs.open = []github.PullRequest{{
		Number:      7,
		HeadRefName: "jules-sched-core-alpha-" + sid,
		BaseRefName: "jules",
		Mergeable:   github.MergeableYes,
		StatusCheckRollup: []github.Check{
			{Name: "ci", Status: "COMPLETED", Conclusion: "SUCCESS"},
		},
	}}

	ds := f.tick(t, TickOptions{DryRun: true})
	if !hasDecision(ds, ActionMerged) || !hasDecision(ds, ActionDispatched) {
		t.Fatalf("dry run must still report decisions, got %v", ds)
	}
	for _, d := range ds {
		if d.Action == ActionMerged && !strings.Contains(d.Reason, "dry run") {
			t.Errorf("dry-run decision should say so: %+v", d)
		}
	}

	if len(f.gate.merged) != 0 {
		t.Error("dry run merged a PR")
	}
	if len(f.sessions.created) != 1 {
		t.Error("dry run created a session")
	}
	after := f.loadState(t)
	if after.Track("core").SessionID != before.Track("core").SessionID {
		t.Error("dry run changed persisted state")
	}
	if len(after.History) != len(before.History) {
		t.Error("dry run grew the history")
	}
}

func TestTickCreatesMissingIntegrationBranch(t *testing.T) {
	f := newFixture(t)
	delete(f.branches.shas, "jules")

	f.tick(t, TickOptions{})
	if f.branches.shas["jules"] != "trunksha" {
		t.Error("integration branch should be created at trunk")
	}
}

func TestTickPersonaOverrideBypassesRotation(t *testing.T) {
	f := newFixture(t)

	f.tick(t, TickOptions{Persona: "beta", Track: "core"})
	st := f.loadState(t)
	if st.Track("core").Persona != "beta" {
		t.Errorf("expected beta dispatched, got %q", st.Track("core").Persona)
	}
}

func TestTickUnknownTrackFails(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Tick(context.Background(), TickOptions{Track: "nope"}); !errors.Is(err, errors.ErrTrackUnknown) {
		t.Errorf("expected ErrTrackUnknown, got %v", err)
	}
}
