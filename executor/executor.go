// Package executor implements the two VMM invocation strategies: an
// Unrestricted executor that runs the VMM binary directly under the
// caller's own privileges, and a Jailed executor that runs it under the
// jailer, chrooted and privilege-dropped.
package executor

import (
	"context"
	"errors"

	"github.com/ctools-dev/fcsupervisor/ownership"
	"github.com/ctools-dev/fcsupervisor/process"
	"github.com/ctools-dev/fcsupervisor/spawn"
)

// Installation is the immutable pair of host binary paths shared across many
// VMs.
type Installation struct {
	FirecrackerPath string
	JailerPath      string
	Version         string
}

// CommandModifier rewrites the (path, args) pair about to be spawned, used
// to wrap invocations with tools like sudo or strace.
type CommandModifier func(path string, args []string) (string, []string)

// ApplyModifiers runs path/args through every modifier in order.
func ApplyModifiers(path string, args []string, modifiers []CommandModifier) (string, []string) {
	for _, m := range modifiers {
		path, args = m(path, args)
	}
	return path, args
}

var (
	// ErrExpectedResourceMissing is returned by Prepare when a declared
	// outer path does not exist on the host.
	ErrExpectedResourceMissing = errors.New("executor: expected resource is missing")
	// ErrExpectedDirectoryParentMissing is returned by the jailed executor's
	// Cleanup when the jail had no parent directory to remove.
	ErrExpectedDirectoryParentMissing = errors.New("executor: expected directory parent is missing")
	// ErrProcessExitedWithIncorrectStatus is returned by Invoke (jailed,
	// daemonizing) when the jailer's own launcher process exits non-zero
	// before handing off to the daemonized VMM.
	ErrProcessExitedWithIncorrectStatus = errors.New("executor: process exited with incorrect status")
)

// Executor is the capability set the VM layer depends on to stage, launch,
// and tear down the VMM regardless of which invocation strategy is chosen.
type Executor interface {
	// GetSocketPath returns the host path of the API socket, or ok=false if
	// none is configured.
	GetSocketPath(install *Installation) (path string, ok bool)

	// InnerToOuterPath resolves where a configured inner path actually
	// lives on the host.
	InnerToOuterPath(install *Installation, inner string) string

	// IsTraceless reports whether Cleanup guarantees no residue survives.
	IsTraceless() bool

	// Prepare stages every outer resource the guest will need and returns
	// the outer->inner path mapping.
	Prepare(ctx context.Context, install *Installation, spawner spawn.ProcessSpawner, fs spawn.FSBackend, outerPaths []string, model ownership.Model) (map[string]string, error)

	// Invoke spawns the VMM (possibly via the jailer) and returns a handle
	// to it. configOverride, if non-empty, is passed as --config-file.
	Invoke(ctx context.Context, install *Installation, spawner spawn.ProcessSpawner, configOverride string, model ownership.Model) (process.Handle, error)

	// Cleanup tears down anything Prepare/Invoke created.
	Cleanup(ctx context.Context, install *Installation, spawner spawn.ProcessSpawner, fs spawn.FSBackend, model ownership.Model) error
}

