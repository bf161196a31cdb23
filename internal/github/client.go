package github

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/franklinbaldo/julesched/internal/errors"
	"github.com/franklinbaldo/julesched/internal/gitx"
	"github.com/franklinbaldo/julesched/internal/logging"
)

// prFields is the JSON field list requested from gh for PR queries.
const prFields = "number,title,body,state,url,headRefName,baseRefName,mergeable,isDraft,statusCheckRollup"

// Client wraps the gh CLI for one repository.
type Client struct {
	executor gitx.CommandExecutor
	repoDir  string
	repo     string
	log      *logging.Logger
}

// NewClient creates a client using the real gh CLI. repo is "owner/name".
func NewClient(repoDir, repo string, log *logging.Logger) *Client {
	return NewClientWithExecutor(repoDir, repo, log, &gitx.CLICommandExecutor{})
}

// NewClientWithExecutor creates a client with a custom executor.
func NewClientWithExecutor(repoDir, repo string, log *logging.Logger, executor gitx.CommandExecutor) *Client {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Client{executor: executor, repoDir: repoDir, repo: repo, log: log}
}

func (c *Client) run(args ...string) ([]byte, error) {
	if c.repo != "" {
		args = append(args, "--repo", c.repo)
	}
	return c.executor.Run(c.repoDir, "gh", args...)
}

// ListOpenPRs returns all open pull requests targeting the given base branch.
// An empty base lists every open PR.
func (c *Client) ListOpenPRs(base string) ([]PullRequest, error) {
	args := []string{"pr", "list", "--state", "open", "--json", prFields, "--limit", "100"}
	if base != "" {
		args = append(args, "--base", base)
	}
	out, err := c.run(args...)
	if err != nil {
		return nil, errors.NewSessionError("failed to list pull requests", err)
	}
	var prs []PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("failed to decode gh pr list output: %w", err)
	}
	return prs, nil
}

// ViewPR fetches a single pull request by number.
func (c *Client) ViewPR(number int) (*PullRequest, error) {
	out, err := c.run("pr", "view", strconv.Itoa(number), "--json", prFields)
	if err != nil {
		if strings.Contains(strings.ToLower(string(out)), "no pull requests found") ||
			strings.Contains(strings.ToLower(string(out)), "could not find") {
			return nil, errors.Wrapf(errors.ErrPRNotFound, "pr #%d", number)
		}
		return nil, errors.NewSessionError("failed to view pull request", err)
	}
	var pr PullRequest
	if err := json.Unmarshal(out, &pr); err != nil {
		return nil, fmt.Errorf("failed to decode gh pr view output: %w", err)
	}
	return &pr, nil
}

// CreatePR opens a pull request and returns its URL.
func (c *Client) CreatePR(head, base, title, body string) (string, error) {
	out, err := c.run("pr", "create",
		"--head", head, "--base", base,
		"--title", title, "--body", body)
	if err != nil {
		return "", errors.NewSessionError("failed to create pull request", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// EditBase retargets a pull request onto a new base branch.
func (c *Client) EditBase(number int, base string) error {
	out, err := c.run("pr", "edit", strconv.Itoa(number), "--base", base)
	if err != nil {
		mergeErr := errors.NewMergeError("failed to retarget pull request", err).
			WithPRNumber(number)
		if isPermissionOutput(string(out)) {
			mergeErr.AsPermission()
		}
		return mergeErr
	}
	c.log.Info("retargeted pull request", "pr", number, "base", base)
	return nil
}

// MergePR merges a pull request with a merge commit and deletes its head
// branch. Permission failures are reported as non-retryable.
func (c *Client) MergePR(number int) error {
	out, err := c.run("pr", "merge", strconv.Itoa(number), "--merge", "--delete-branch")
	if err != nil {
		mergeErr := errors.NewMergeError("failed to merge pull request", err).
			WithPRNumber(number).
			WithStderr(string(out))
		if isPermissionOutput(string(out)) {
			mergeErr.AsPermission()
		}
		return mergeErr
	}
	c.log.Info("merged pull request", "pr", number)
	return nil
}

// MarkReady promotes a draft pull request to ready for review.
func (c *Client) MarkReady(number int) error {
	if _, err := c.run("pr", "ready", strconv.Itoa(number)); err != nil {
		return errors.NewSessionError("failed to mark pull request ready", err)
	}
	c.log.Info("marked pull request ready", "pr", number)
	return nil
}

// Comment posts a comment on a pull request.
func (c *Client) Comment(number int, body string) error {
	if _, err := c.run("pr", "comment", strconv.Itoa(number), "--body", body); err != nil {
		return errors.NewSessionError("failed to comment on pull request", err)
	}
	return nil
}

// permissionMarkers are gh/API outputs that indicate a policy failure a
// retry cannot fix.
var permissionMarkers = []string{
	"http 403",
	"forbidden",
	"not authorized",
	"protected branch",
	"required status check",
	"review required",
}

func isPermissionOutput(out string) bool {
	lower := strings.ToLower(out)
	for _, m := range permissionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// DetectRepo determines the "owner/name" slug for the working repository.
// GITHUB_REPOSITORY wins when set; otherwise the remote URL is parsed.
func DetectRepo(repoDir, remote string, executor gitx.CommandExecutor) (string, error) {
	if slug := os.Getenv("GITHUB_REPOSITORY"); slug != "" {
		return slug, nil
	}
	out, err := executor.Run(repoDir, "git", "remote", "get-url", remote)
	if err != nil {
		return "", fmt.Errorf("failed to read remote url: %w", err)
	}
	slug, ok := parseRemoteURL(strings.TrimSpace(string(out)))
	if !ok {
		return "", fmt.Errorf("cannot parse owner/name from remote url %q", strings.TrimSpace(string(out)))
	}
	return slug, nil
}

var remoteURLPattern = regexp.MustCompile(`(?:github\.com[:/])([^/]+)/([^/]+?)(?:\.git)?/?$`)

func parseRemoteURL(url string) (string, bool) {
	m := remoteURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", false
	}
	return m[1] + "/" + m[2], true
}

// PRNumberFromURL extracts the numeric PR number from a PR URL. Returns 0
// when the URL does not end with a number.
func PRNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
