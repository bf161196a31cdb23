// Package gate decides whether pull requests may merge and performs the
// merge. The green policy is deliberately conservative: a PR with no status
// checks, unknown mergeability, or any non-passing check does not merge.
package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/franklinbaldo/julesched/internal/catalog"
	"github.com/franklinbaldo/julesched/internal/config"
	"github.com/franklinbaldo/julesched/internal/errors"
	"github.com/franklinbaldo/julesched/internal/github"
	"github.com/franklinbaldo/julesched/internal/logging"
)

// PRService is the subset of the GitHub client the gate uses.
type PRService interface {
	ListOpenPRs(base string) ([]github.PullRequest, error)
	ViewPR(number int) (*github.PullRequest, error)
	CreatePR(head, base, title, body string) (string, error)
	EditBase(number int, base string) error
	MergePR(number int) error
	Comment(number int, body string) error
}

var _ PRService = (*github.Client)(nil)

// Verdict is the gate's assessment of one pull request.
type Verdict struct {
	Green  bool
	Reason string
}

// Assess applies the green policy to a pull request.
func Assess(pr *github.PullRequest) Verdict {
	if pr.IsDraft {
		return Verdict{Reason: "pr is a draft"}
	}
	if pr.Mergeable != github.MergeableYes {
		return Verdict{Reason: fmt.Sprintf("mergeable is %s", orUnknown(pr.Mergeable))}
	}
	if len(pr.StatusCheckRollup) == 0 {
		// No checks means nothing vouched for this change.
		return Verdict{Reason: "no status checks reported"}
	}
	for _, check := range pr.StatusCheckRollup {
		// A terminal conclusion outranks the transient status; legacy commit
		// statuses only ever report a state.
		switch strings.ToUpper(check.Outcome()) {
		case github.ConclusionSuccess, github.ConclusionNeutral, github.ConclusionSkipped:
		default:
			return Verdict{Reason: fmt.Sprintf("check %q is %s", check.Name, strings.ToLower(orUnknown(check.Outcome())))}
		}
	}
	return Verdict{Green: true, Reason: "mergeable with all checks passing"}
}

func orUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

// Gate merges session PRs into the integration branch and maintains the
// integration PR against trunk.
type Gate struct {
	prs   PRService
	cfg   config.GateConfig
	log   *logging.Logger
	sleep func(time.Duration)
}

// New creates a Gate.
func New(prs PRService, cfg config.GateConfig, log *logging.Logger) *Gate {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Gate{prs: prs, cfg: cfg, log: log, sleep: time.Sleep}
}

// FindSessionPR locates the open PR for a persona's session among candidate
// PRs. Matching is on the HEAD branch name only; the base branch says where
// a PR is going, not who authored it. The session-id suffix is stripped
// before matching so its tokens cannot collide with a persona id.
func FindSessionPR(prs []github.PullRequest, persona catalog.Persona) *github.PullRequest {
	for i := range prs {
		if persona.MatchesBranch(github.StripSessionSuffix(prs[i].HeadRefName)) {
			return &prs[i]
		}
	}
	return nil
}

// Merge retargets the PR onto the integration branch and merges it, retrying
// transient failures with capped exponential backoff. Permission failures
// abort immediately. Already-merged PRs succeed without side effects.
func (g *Gate) Merge(pr *github.PullRequest, integration string) error {
	if strings.EqualFold(pr.State, "MERGED") {
		return nil
	}

	if pr.BaseRefName != integration {
		if err := g.prs.EditBase(pr.Number, integration); err != nil {
			return err
		}
	}

	var lastErr error
	delay := g.cfg.RetryBaseDelay
	for attempt := 1; attempt <= g.cfg.MergeAttempts; attempt++ {
		err := g.prs.MergePR(pr.Number)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return err
		}
		if attempt < g.cfg.MergeAttempts {
			g.log.Warn("merge attempt failed, retrying",
				"pr", pr.Number, "attempt", attempt, "delay", delay.String(), "error", err.Error())
			g.sleep(delay)
			delay *= 2
			if g.cfg.RetryMaxDelay > 0 && delay > g.cfg.RetryMaxDelay {
				delay = g.cfg.RetryMaxDelay
			}
		}
	}
	return errors.Wrapf(lastErr, "merge failed after %d attempts", g.cfg.MergeAttempts)
}

// EnsureIntegrationPR guarantees at most one open integration-to-trunk PR,
// creating one lazily when the integration branch is ahead of trunk. Returns
// the PR URL when one exists or was created, and an empty string when the
// branch has nothing to integrate.
func (g *Gate) EnsureIntegrationPR(integration, trunk string, ahead int) (string, error) {
	open, err := g.prs.ListOpenPRs(trunk)
	if err != nil {
		return "", err
	}
	for _, pr := range open {
		if pr.HeadRefName == integration {
			return pr.URL, nil
		}
	}
	if ahead == 0 {
		return "", nil
	}

	title := fmt.Sprintf("Integrate %s into %s", integration, trunk)
	body := fmt.Sprintf("Rolls up %d commit(s) from the %s integration branch.", ahead, integration)
	url, err := g.prs.CreatePR(integration, trunk, title, body)
	if err != nil {
		return "", err
	}
	g.log.Info("opened integration pull request", "url", url, "ahead", ahead)
	return url, nil
}
