// Package process implements a uniform process handle abstraction over two
// backends: an attached child process (ChildHandle) and a daemonized process
// tracked only by its PID via a Linux pidfd (PidfdHandle). Daemonized jailer
// runs re-exec the VMM as a new session leader outside the caller's process
// tree, so the only reliable way to observe the grandchild's exit is to open
// a pidfd on the PID it leaves behind in its PID file.
package process

import (
	"context"
	"errors"
	"io"
)

// ErrPipesWereDropped is returned by TakePipes when the process was spawned
// with its standard streams discarded (pipes-to-null mode).
var ErrPipesWereDropped = errors.New("process: pipes were dropped at spawn time")

// ErrProcessIsDetached is returned by TakePipes on a PidfdHandle: a
// daemonized process was never attached to this handle's stdio in the first
// place.
var ErrProcessIsDetached = errors.New("process: process is detached")

// ErrAlreadyExited is returned by Kill once the process's exit status has
// already been observed and memoized.
var ErrAlreadyExited = errors.New("process: already exited")

// Pipes bundles a handle's standard streams, when available.
type Pipes struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// ExitStatus is the terminal status of a supervised process. Code is the
// raw exit code when the process exited normally; Signal is set instead when
// it was killed by a signal.
type ExitStatus struct {
	Code   int
	Signal string
}

// Success reports whether the process terminated with code 0 and no signal.
func (s ExitStatus) Success() bool { return s.Signal == "" && s.Code == 0 }

// Handle is a uniform control surface over a supervised process, regardless
// of whether it is a direct child or a daemonized process tracked via
// pidfd. It is terminal on first observed exit: the exit status is memoized
// so repeated Wait/TryWait calls are idempotent.
type Handle interface {
	// Wait blocks until the process exits (or ctx is done) and returns its
	// exit status. Safe to call multiple times; subsequent calls return the
	// same memoized status.
	Wait(ctx context.Context) (ExitStatus, error)

	// TryWait polls without blocking: ok is false if the process has not
	// yet exited.
	TryWait() (status ExitStatus, ok bool, err error)

	// Kill sends SIGKILL. Returns ErrAlreadyExited if the exit status has
	// already been memoized.
	Kill() error

	// TakePipes returns the process's standard streams. Returns
	// ErrPipesWereDropped (Child, pipes_to_null) or ErrProcessIsDetached
	// (Pidfd) when unavailable.
	TakePipes() (*Pipes, error)
}
