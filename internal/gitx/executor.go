// Package gitx wraps the git CLI for the branch operations the scheduler
// needs. All mutations happen on the remote side via push refspecs, so the
// local checkout never changes branches under the operator.
package gitx

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/franklinbaldo/julesched/internal/errors"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in the given directory and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
	// RunQuiet executes a command and discards output.
	RunQuiet(dir string, name string, args ...string) error
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined stdout/stderr.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// RunQuiet executes a command and discards output.
func (e *CLICommandExecutor) RunQuiet(dir string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.Run()
}

var _ CommandExecutor = (*CLICommandExecutor)(nil)

// exitCoder is satisfied by *exec.ExitError and by test doubles.
type exitCoder interface {
	ExitCode() int
}

// ExitCode extracts the process exit code from an execution error. Returns
// -1 when the error carries no exit status (for example when the binary was
// not found).
func ExitCode(err error) int {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// commandLine renders a command for error context.
func commandLine(name string, args ...string) string {
	return fmt.Sprintf("%s %s", name, strings.Join(args, " "))
}
