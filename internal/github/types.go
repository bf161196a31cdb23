// Package github talks to GitHub through the gh CLI. It exposes the pull
// request fields the gate needs and the session-id extraction rules used to
// correlate branches and PR bodies with remote agent sessions.
package github

// Mergeable values reported by GitHub.
const (
	MergeableYes         = "MERGEABLE"
	MergeableConflicting = "CONFLICTING"
	MergeableUnknown     = "UNKNOWN"
)

// Check conclusion values.
const (
	ConclusionSuccess = "SUCCESS"
	ConclusionNeutral = "NEUTRAL"
	ConclusionSkipped = "SKIPPED"
)

// Check is one entry of a PR's status check rollup. Check runs report a
// status and a conclusion; legacy commit statuses report only a state.
type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
}

// Outcome coalesces the terminal conclusion over the transient status over
// the legacy commit-status state, first one reported wins.
func (c Check) Outcome() string {
	for _, v := range []string{c.Conclusion, c.Status, c.State} {
		if v != "" {
			return v
		}
	}
	return ""
}

// PullRequest holds the fields the scheduler reads from gh.
type PullRequest struct {
	Number            int     `json:"number"`
	Title             string  `json:"title"`
	Body              string  `json:"body"`
	State             string  `json:"state"`
	URL               string  `json:"url"`
	HeadRefName       string  `json:"headRefName"`
	BaseRefName       string  `json:"baseRefName"`
	Mergeable         string  `json:"mergeable"`
	IsDraft           bool    `json:"isDraft"`
	StatusCheckRollup []Check `json:"statusCheckRollup"`
}
