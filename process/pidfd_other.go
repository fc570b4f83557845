//go:build !linux

package process

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"
)

// PidfdHandle on non-Linux platforms falls back to periodic existence
// polling via kill(pid, 0), since no pidfd-equivalent is available. The
// exit status recovered this way is always {Code: 0}: without a real pidfd
// or an equivalent kqueue EVFILT_PROC watch, the raw exit status cannot be
// recovered at all, so this backend only ever observes "exited".
type PidfdHandle struct {
	pid int

	done chan struct{}

	mu     sync.Mutex
	status ExitStatus
}

var _ Handle = (*PidfdHandle)(nil)

const pollInterval = 50 * time.Millisecond

func NewPidfdHandle(pid int) (*PidfdHandle, error) {
	h := &PidfdHandle{pid: pid, done: make(chan struct{})}
	go h.watch()
	return h, nil
}

func (h *PidfdHandle) watch() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := syscall.Kill(h.pid, 0); err != nil {
			break
		}
	}
	close(h.done)
}

func (h *PidfdHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

func (h *PidfdHandle) TryWait() (ExitStatus, bool, error) {
	select {
	case <-h.done:
	default:
		return ExitStatus{}, false, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, true, nil
}

func (h *PidfdHandle) Kill() error {
	select {
	case <-h.done:
		return ErrAlreadyExited
	default:
	}
	return syscall.Kill(h.pid, syscall.SIGKILL)
}

func (h *PidfdHandle) TakePipes() (*Pipes, error) {
	return nil, fmt.Errorf("%w", ErrProcessIsDetached)
}
