package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/ctools-dev/fcsupervisor/internal/obs"
	"github.com/ctools-dev/fcsupervisor/process"
)

// ShutdownMethod is one way to ask a running VM to stop. Shutdown tries each
// in order and stops at the first that succeeds.
type ShutdownMethod int

const (
	// CtrlAltDel sends the ACPI shutdown button press action over the API.
	// Requires a guest configured to treat it as a poweroff request.
	CtrlAltDel ShutdownMethod = iota
	// PauseThenKill pauses the VM (so the vCPU threads stop spinning) and
	// then sends SIGKILL to the VMM process.
	PauseThenKill
	// WriteRebootToStdin writes a literal reboot command to the process's
	// stdin. Requires the handle's pipes still be attached.
	WriteRebootToStdin
	// Kill sends SIGKILL directly.
	Kill
)

func (m ShutdownMethod) String() string {
	switch m {
	case CtrlAltDel:
		return "ctrl-alt-del"
	case PauseThenKill:
		return "pause-then-kill"
	case WriteRebootToStdin:
		return "write-reboot-to-stdin"
	case Kill:
		return "kill"
	default:
		return "unknown"
	}
}

// Shutdown tries each method in order, stopping at the first that succeeds,
// and waits (bounded by timeout) for the process to actually exit. It
// returns ErrNoShutdownMethods if methods is empty.
func (v *Vm) Shutdown(ctx context.Context, methods []ShutdownMethod, timeout time.Duration) error {
	ctx, rep, span := obs.Span(ctx, v.tracer, v.logger, "vm.shutdown")
	defer span.End()

	if len(methods) == 0 {
		return ErrNoShutdownMethods
	}

	if err := v.ensurePausedOrRunning(); err != nil {
		return err
	}

	var lastErr error
	for _, m := range methods {
		if err := v.attemptShutdown(ctx, m); err != nil {
			rep.Event(fmt.Sprintf("shutdown method %s failed: %v", m, err))
			lastErr = err
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := v.proc.WaitForExit(waitCtx)
		cancel()
		if err == nil {
			rep.Event(fmt.Sprintf("vm shut down via %s", m))
			return nil
		}
		lastErr = fmt.Errorf("%w: method %s did not produce exit within %s: %v", ErrTimeout, m, timeout, err)
	}

	rep.CriticalError(lastErr)
	return lastErr
}

func (v *Vm) attemptShutdown(ctx context.Context, m ShutdownMethod) error {
	switch m {
	case CtrlAltDel:
		return v.proc.SendCtrlAltDel(ctx)
	case PauseThenKill:
		if v.State() == Running {
			if err := v.Pause(ctx); err != nil {
				return err
			}
		}
		return v.proc.SendSigkill()
	case WriteRebootToStdin:
		pipes, err := v.proc.TakePipes()
		if err != nil {
			return err
		}
		if pipes.Stdin == nil {
			return process.ErrPipesWereDropped
		}
		_, err = pipes.Stdin.Write([]byte("reboot\n"))
		return err
	case Kill:
		return v.proc.SendSigkill()
	default:
		return fmt.Errorf("vm: unknown shutdown method %d", m)
	}
}
