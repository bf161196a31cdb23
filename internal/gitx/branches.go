package gitx

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/franklinbaldo/julesched/internal/errors"
	"github.com/franklinbaldo/julesched/internal/logging"
)

// Branches performs remote-side branch operations for the integration
// lifecycle: drift probes, rotation with backups, and sync.
type Branches struct {
	executor CommandExecutor
	repoDir  string
	remote   string
	log      *logging.Logger
}

// NewBranches creates a Branches manager using the real git CLI.
func NewBranches(repoDir, remote string, log *logging.Logger) *Branches {
	return NewBranchesWithExecutor(repoDir, remote, log, &CLICommandExecutor{})
}

// NewBranchesWithExecutor creates a Branches manager with a custom executor.
func NewBranchesWithExecutor(repoDir, remote string, log *logging.Logger, executor CommandExecutor) *Branches {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Branches{
		executor: executor,
		repoDir:  repoDir,
		remote:   remote,
		log:      log,
	}
}

// Fetch updates remote-tracking refs and prunes deleted branches.
func (b *Branches) Fetch() error {
	args := []string{"fetch", b.remote, "--prune"}
	out, err := b.executor.Run(b.repoDir, "git", args...)
	if err != nil {
		return errors.NewBranchError("failed to fetch remote", err).
			WithCommand(commandLine("git", args...)).
			WithStderr(string(out))
	}
	return nil
}

// RemoteSHA resolves a branch tip on the remote. Returns ErrBranchNotFound
// when the branch does not exist.
func (b *Branches) RemoteSHA(branch string) (string, error) {
	args := []string{"ls-remote", b.remote, "refs/heads/" + branch}
	out, err := b.executor.Run(b.repoDir, "git", args...)
	if err != nil {
		return "", errors.NewBranchError("failed to query remote branch", err).
			WithBranch(branch).
			WithCommand(commandLine("git", args...)).
			WithStderr(string(out))
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", errors.Wrapf(errors.ErrBranchNotFound, "branch %s on %s", branch, b.remote)
	}
	fields := strings.Fields(line)
	return fields[0], nil
}

// PushSHA creates or fast-forwards a remote branch to the given commit
// without touching the local checkout.
func (b *Branches) PushSHA(sha, branch string, force bool) error {
	args := []string{"push", b.remote, fmt.Sprintf("%s:refs/heads/%s", sha, branch)}
	if force {
		args = append(args, "--force")
	}
	out, err := b.executor.Run(b.repoDir, "git", args...)
	if err != nil {
		return errors.NewBranchError("failed to push branch", err).
			WithBranch(branch).
			WithCommand(commandLine("git", args...)).
			WithStderr(string(out))
	}
	b.log.Info("pushed branch", "branch", branch, "sha", sha, "force", force)
	return nil
}

// DeleteRemote removes a branch from the remote.
func (b *Branches) DeleteRemote(branch string) error {
	args := []string{"push", b.remote, ":refs/heads/" + branch}
	out, err := b.executor.Run(b.repoDir, "git", args...)
	if err != nil {
		return errors.NewBranchError("failed to delete remote branch", err).
			WithBranch(branch).
			WithCommand(commandLine("git", args...)).
			WithStderr(string(out))
	}
	return nil
}

// HasDrift probes whether merging the integration branch into trunk would
// conflict, using an in-memory merge of the two remote tips. Returns true on
// conflicts and ErrDriftProbeFailed when the probe itself breaks.
func (b *Branches) HasDrift(integration, trunk string) (bool, error) {
	args := []string{
		"merge-tree", "--write-tree",
		b.remoteRef(integration), b.remoteRef(trunk),
	}
	out, err := b.executor.Run(b.repoDir, "git", args...)
	if err == nil {
		return false, nil
	}
	switch ExitCode(err) {
	case 1:
		b.log.Info("drift detected", "integration", integration, "trunk", trunk)
		return true, nil
	default:
		return false, errors.NewBranchError("drift probe failed", errors.Join(errors.ErrDriftProbeFailed, err)).
			WithBranch(integration).
			WithCommand(commandLine("git", args...)).
			WithStderr(string(out))
	}
}

// AheadCount returns how many commits the integration branch has that trunk
// does not.
func (b *Branches) AheadCount(integration, trunk string) (int, error) {
	args := []string{
		"rev-list", "--count",
		fmt.Sprintf("%s..%s", b.remoteRef(trunk), b.remoteRef(integration)),
	}
	out, err := b.executor.Run(b.repoDir, "git", args...)
	if err != nil {
		return 0, errors.NewBranchError("failed to count commits ahead", err).
			WithBranch(integration).
			WithCommand(commandLine("git", args...)).
			WithStderr(string(out))
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(string(out)))
	if convErr != nil {
		return 0, errors.NewBranchError("unexpected rev-list output", convErr).
			WithBranch(integration).
			WithStderr(string(out))
	}
	return n, nil
}

// Diff returns the three-dot diff of the integration branch against trunk,
// used to build reconciliation prompts.
func (b *Branches) Diff(integration, trunk string) (string, error) {
	args := []string{
		"diff",
		fmt.Sprintf("%s...%s", b.remoteRef(trunk), b.remoteRef(integration)),
	}
	out, err := b.executor.Run(b.repoDir, "git", args...)
	if err != nil {
		return "", errors.NewBranchError("failed to diff branches", err).
			WithBranch(integration).
			WithCommand(commandLine("git", args...)).
			WithStderr(string(out))
	}
	return string(out), nil
}

// SyncWithTrunk merges trunk into the integration branch so the next session
// starts from the latest trunk, picking up both merged cycle PRs and external
// changes. The merge is computed in memory and pushed as a refspec; a
// conflicting merge is reported via ErrMergeConflict so the caller can rotate
// instead.
func (b *Branches) SyncWithTrunk(integration, trunk string) error {
	behind, err := b.AheadCount(trunk, integration)
	if err != nil {
		return err
	}
	if behind == 0 {
		return nil
	}

	integSHA, err := b.RemoteSHA(integration)
	if err != nil {
		return err
	}
	trunkSHA, err := b.RemoteSHA(trunk)
	if err != nil {
		return err
	}

	mergeArgs := []string{
		"merge-tree", "--write-tree",
		b.remoteRef(integration), b.remoteRef(trunk),
	}
	out, err := b.executor.Run(b.repoDir, "git", mergeArgs...)
	if err != nil {
		if ExitCode(err) == 1 {
			return errors.NewBranchError("trunk merge conflicts", errors.Join(errors.ErrMergeConflict, err)).
				WithBranch(integration).
				WithCommand(commandLine("git", mergeArgs...))
		}
		return errors.NewBranchError("failed to compute trunk merge", err).
			WithBranch(integration).
			WithCommand(commandLine("git", mergeArgs...)).
			WithStderr(string(out))
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return errors.NewBranchError("merge-tree produced no tree", nil).
			WithBranch(integration)
	}
	tree := fields[0]

	commitArgs := []string{
		"commit-tree", tree,
		"-p", integSHA, "-p", trunkSHA,
		"-m", fmt.Sprintf("Merge %s into %s", trunk, integration),
	}
	out, err = b.executor.Run(b.repoDir, "git", commitArgs...)
	if err != nil {
		return errors.NewBranchError("failed to create merge commit", err).
			WithBranch(integration).
			WithCommand(commandLine("git", commitArgs...)).
			WithStderr(string(out))
	}
	commit := strings.TrimSpace(string(out))

	if err := b.PushSHA(commit, integration, false); err != nil {
		return err
	}
	b.log.Info("synced integration branch with trunk",
		"integration", integration,
		"trunk", trunk,
		"merge_commit", commit)
	return nil
}

// RotateResult reports what a rotation did.
type RotateResult struct {
	// Backup is the timestamped branch preserving the old tip. Empty when
	// the integration branch was already at trunk.
	Backup string
	// OldSHA is the integration tip before rotation.
	OldSHA string
	// NewSHA is the trunk tip the branch now points at.
	NewSHA string
}

// Rotate resets the integration branch to trunk, preserving the old tip
// under a timestamped backup branch first. Unmerged work is never discarded:
// if the backup push fails the reset does not happen.
func (b *Branches) Rotate(integration, trunk, backupPrefix string, now time.Time) (*RotateResult, error) {
	oldSHA, err := b.RemoteSHA(integration)
	if err != nil && !errors.Is(err, errors.ErrBranchNotFound) {
		return nil, err
	}
	trunkSHA, err := b.RemoteSHA(trunk)
	if err != nil {
		return nil, err
	}

	res := &RotateResult{OldSHA: oldSHA, NewSHA: trunkSHA}
	if oldSHA == trunkSHA {
		return res, nil
	}

	if oldSHA != "" {
		res.Backup = fmt.Sprintf("%s-%s", backupPrefix, now.UTC().Format("20060102-150405"))
		if err := b.PushSHA(oldSHA, res.Backup, false); err != nil {
			return nil, errors.Wrap(err, "refusing to rotate without a backup")
		}
	}

	if err := b.PushSHA(trunkSHA, integration, true); err != nil {
		return nil, err
	}

	b.log.Info("rotated integration branch",
		"integration", integration,
		"backup", res.Backup,
		"old_sha", oldSHA,
		"new_sha", trunkSHA)
	return res, nil
}

func (b *Branches) remoteRef(branch string) string {
	return b.remote + "/" + branch
}
