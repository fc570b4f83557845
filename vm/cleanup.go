package vm

import (
	"context"
	"errors"

	"github.com/ctools-dev/fcsupervisor/internal/obs"
)

// AppendVsockListenerPath records a host-side vsock listener socket path so
// Cleanup can remove it alongside the multiplexer socket. Intended for use
// by vsock listener registration.
func (v *Vm) AppendVsockListenerPath(path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.standardPaths.VsockListenerPaths = append(v.standardPaths.VsockListenerPaths, path)
}

// Cleanup releases the executor's sandbox resources and, per options, the
// outer log/metrics/vsock files this VM created. Valid only once the process
// has Exited or Crashed.
func (v *Vm) Cleanup(ctx context.Context, options CleanupOptions) error {
	ctx, rep, span := obs.Span(ctx, v.tracer, v.logger, "vm.cleanup")
	defer span.End()

	if err := v.ensureState(Exited, Crashed); err != nil {
		return err
	}

	if err := v.proc.Cleanup(ctx); err != nil {
		rep.CriticalError(err)
		return err
	}

	v.mu.Lock()
	sp := v.standardPaths
	v.mu.Unlock()

	var removeErr error

	if options.RemoveLog && sp.LogPath != "" {
		if err := v.fs.Remove(sp.LogPath); err != nil {
			rep.Error(err)
			removeErr = errors.Join(removeErr, err)
		}
	}
	if options.RemoveMetrics && sp.MetricsPath != "" {
		if err := v.fs.Remove(sp.MetricsPath); err != nil {
			rep.Error(err)
			removeErr = errors.Join(removeErr, err)
		}
	}
	if options.RemoveVsockResidue {
		if sp.VsockMultiplexerPath != "" {
			if err := v.fs.Remove(sp.VsockMultiplexerPath); err != nil {
				rep.Error(err)
				removeErr = errors.Join(removeErr, err)
			}
		}
		for _, p := range sp.VsockListenerPaths {
			if err := v.fs.Remove(p); err != nil {
				rep.Error(err)
				removeErr = errors.Join(removeErr, err)
			}
		}
	}
	if removeErr != nil {
		return removeErr
	}

	rep.Event("vm cleaned up")
	return nil
}
