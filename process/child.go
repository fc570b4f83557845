package process

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/ctools-dev/fcsupervisor/spawn"
)

// ChildHandle is a thin facade over a runtime-spawned child process: the
// common case for an unrestricted (non-jailed) VMM invocation, or a jailed
// one that did not daemonize.
//
// A background goroutine calls cmd.Wait() once at construction time and
// memoizes the result, the same pattern PidfdHandle uses for its pidfd
// readable-wait goroutine: both Wait and TryWait observe the same terminal
// state instead of racing separate calls to the underlying wait primitive.
type ChildHandle struct {
	cmd   *exec.Cmd
	pipes *spawn.Pipes

	done chan struct{}

	mu      sync.Mutex
	status  ExitStatus
	waitErr error
	exited  bool
}

var _ Handle = (*ChildHandle)(nil)

// NewChildHandle wraps an already-started process.
func NewChildHandle(p *spawn.Process) *ChildHandle {
	h := &ChildHandle{cmd: p.Cmd, pipes: p.Pipes, done: make(chan struct{})}
	go h.watch()
	return h
}

func (h *ChildHandle) watch() {
	waitErr := h.cmd.Wait()

	h.mu.Lock()
	h.exited = true
	if waitErr == nil {
		h.status = ExitStatus{Code: 0}
	} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			h.status = ExitStatus{Signal: ws.Signal().String()}
		} else {
			h.status = ExitStatus{Code: exitErr.ExitCode()}
		}
	} else {
		h.waitErr = waitErr
	}
	h.mu.Unlock()

	close(h.done)
}

func (h *ChildHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.waitErr
}

func (h *ChildHandle) TryWait() (ExitStatus, bool, error) {
	select {
	case <-h.done:
	default:
		return ExitStatus{}, false, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waitErr != nil {
		return ExitStatus{}, false, h.waitErr
	}
	return h.status, true, nil
}

func (h *ChildHandle) Kill() error {
	select {
	case <-h.done:
		return ErrAlreadyExited
	default:
	}
	if h.cmd.Process == nil {
		return fmt.Errorf("process: child was never started")
	}
	return h.cmd.Process.Kill()
}

func (h *ChildHandle) TakePipes() (*Pipes, error) {
	if h.pipes == nil {
		return nil, ErrPipesWereDropped
	}
	return &Pipes{Stdin: h.pipes.Stdin, Stdout: h.pipes.Stdout, Stderr: h.pipes.Stderr}, nil
}
