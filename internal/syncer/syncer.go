// Package syncer invokes the external sync command that mirrors the
// on-disk store with its remote. The command is opaque: the core only
// sees success or failure plus stderr text.
package syncer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner abstracts the external sync step so the flush coordinator
// can be tested without a tracker binary on PATH.
type Runner interface {
	Sync(ctx context.Context, projectDir string) error
}

// CommandRunner shells out to `<Command> sync` in the project
// directory.
type CommandRunner struct {
	Command string
}

// NewCommandRunner creates a runner for the given executable name.
func NewCommandRunner(command string) *CommandRunner {
	return &CommandRunner{Command: command}
}

// Sync runs the external command and waits for it to finish. Slow or
// hung commands are bounded by the caller's context.
func (r *CommandRunner) Sync(ctx context.Context, projectDir string) error {
	path, err := exec.LookPath(r.Command)
	if err != nil {
		return fmt.Errorf("sync command %q not found in PATH: %w", r.Command, err)
	}

	cmd := exec.CommandContext(ctx, path, "sync")
	cmd.Dir = projectDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s sync failed: %w: %s", r.Command, err, msg)
		}
		return fmt.Errorf("%s sync failed: %w", r.Command, err)
	}
	return nil
}
