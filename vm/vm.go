// Package vm implements the VM state machine: the ordered boot/restore
// protocol, the management API surface, shutdown policy, and cleanup, built
// on top of the vmm process supervisor and an executor strategy.
package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ctools-dev/fcsupervisor/executor"
	"github.com/ctools-dev/fcsupervisor/internal/obs"
	"github.com/ctools-dev/fcsupervisor/ownership"
	"github.com/ctools-dev/fcsupervisor/snapshot"
	"github.com/ctools-dev/fcsupervisor/spawn"
	"github.com/ctools-dev/fcsupervisor/vm/config"
	"github.com/ctools-dev/fcsupervisor/vmm"
)

// ErrDisabledApiSocketUnsupported is returned by Prepare when the chosen
// executor has no API socket configured.
var ErrDisabledApiSocketUnsupported = errors.New("vm: executor has no api socket configured, which this module requires")

// ErrMissingPathMapping is returned when a required outer path was not
// present in the executor's returned outer->inner mapping.
type ErrMissingPathMapping struct {
	Path string
}

func (e *ErrMissingPathMapping) Error() string {
	return fmt.Sprintf("vm: missing path mapping for %s", e.Path)
}

// ErrNoShutdownMethods is returned by Shutdown when called with an empty
// method list.
var ErrNoShutdownMethods = errors.New("vm: no shutdown methods specified")

// ErrTimeout is returned when a bounded wait (socket readiness, shutdown)
// exceeds its deadline.
var ErrTimeout = errors.New("vm: timed out")

// ErrNotPrepared is returned by Start when called before a successful
// Prepare: NotStarted covers both the pre-Prepare and post-Prepare process
// states, so ensureState alone cannot distinguish them.
var ErrNotPrepared = errors.New("vm: Prepare must succeed before Start")

// StandardPaths are the outer paths the caller may legitimately read/write
// once the VM has booted.
type StandardPaths struct {
	DriveSockets         map[string]string
	LogPath              string
	MetricsPath          string
	VsockMultiplexerPath string
	VsockListenerPaths   []string
}

// CleanupOptions controls which optional residue Cleanup removes.
type CleanupOptions struct {
	RemoveLog          bool
	RemoveMetrics      bool
	RemoveVsockResidue bool
}

// Vm drives one VMM's lifecycle: preparation, boot/restore, steady-state API
// calls, shutdown, and cleanup.
type Vm struct {
	mu sync.Mutex

	proc    *vmm.Process
	exec    executor.Executor
	install *executor.Installation
	fs      spawn.FSBackend

	cfg      *config.Configuration
	isPaused bool

	standardPaths  StandardPaths
	snapshotTraces []snapshot.Data

	tracer trace.Tracer
	logger *zap.Logger
}

// New constructs a Vm bound to one installation/executor pair. tracer,
// logger, and metrics may be nil.
func New(install *executor.Installation, exec executor.Executor, spawner spawn.ProcessSpawner, fs spawn.FSBackend, model ownership.Model, tracer trace.Tracer, logger *zap.Logger, metrics *obs.Metrics) *Vm {
	return &Vm{
		proc:    vmm.New(install, exec, spawner, fs, model, tracer, logger, metrics),
		exec:    exec,
		install: install,
		fs:      fs,
		tracer:  tracer,
		logger:  logger,
	}
}

// State derives the externally observable VmState from the process
// supervisor's state and the is_paused flag.
func (v *Vm) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stateLocked()
}

func (v *Vm) stateLocked() State {
	switch v.proc.State() {
	case vmm.AwaitingPrepare, vmm.AwaitingStart:
		return NotStarted
	case vmm.Started:
		if v.isPaused {
			return Paused
		}
		return Running
	case vmm.Exited:
		return Exited
	case vmm.Crashed:
		return Crashed
	default:
		return NotStarted
	}
}

func (v *Vm) ensureState(allowed ...State) error {
	v.mu.Lock()
	actual := v.stateLocked()
	v.mu.Unlock()
	if !stateAllows(actual, allowed) {
		return &ErrExpectedState{Expected: allowed, Actual: actual}
	}
	return nil
}

func (v *Vm) ensurePausedOrRunning() error {
	return v.ensureState(Running, Paused)
}

// Prepare enumerates the outer paths the active configuration variant
// needs, delegates to the executor, rewrites the configuration to inner
// paths, and resolves the VM's standard paths.
func (v *Vm) Prepare(ctx context.Context, cfg *config.Configuration) error {
	ctx, rep, span := obs.Span(ctx, v.tracer, v.logger, "vm.prepare")
	defer span.End()

	if _, ok := v.exec.GetSocketPath(v.install); !ok {
		return ErrDisabledApiSocketUnsupported
	}

	outerPaths := enumerateOuterPaths(cfg)
	mapping, err := v.proc.Prepare(ctx, outerPaths)
	if err != nil {
		rep.CriticalError(err)
		return err
	}

	if err := rewritePaths(cfg, mapping); err != nil {
		rep.CriticalError(err)
		return err
	}

	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()

	if err := v.resolveStandardPaths(cfg); err != nil {
		rep.CriticalError(err)
		return err
	}

	rep.Event("vm prepared")
	return nil
}

func enumerateOuterPaths(cfg *config.Configuration) []string {
	var paths []string
	switch cfg.Variant {
	case config.VariantNew:
		data := cfg.New.Data
		if data.BootSource != nil {
			paths = append(paths, data.BootSource.KernelImagePath)
			if data.BootSource.InitrdPath != "" {
				paths = append(paths, data.BootSource.InitrdPath)
			}
		}
		for _, d := range data.Drives {
			paths = append(paths, d.PathOnHost)
		}
	case config.VariantRestored:
		paths = append(paths, cfg.Restored.LoadSnapshot.SnapshotPath, cfg.Restored.LoadSnapshot.MemoryBackend.Path)
	}
	return paths
}

func rewritePaths(cfg *config.Configuration, mapping map[string]string) error {
	rewrite := func(outer string) (string, error) {
		inner, ok := mapping[outer]
		if !ok {
			return "", &ErrMissingPathMapping{Path: outer}
		}
		return inner, nil
	}

	switch cfg.Variant {
	case config.VariantNew:
		data := &cfg.New.Data
		if data.BootSource != nil {
			inner, err := rewrite(data.BootSource.KernelImagePath)
			if err != nil {
				return err
			}
			data.BootSource.KernelImagePath = inner

			if data.BootSource.InitrdPath != "" {
				inner, err := rewrite(data.BootSource.InitrdPath)
				if err != nil {
					return err
				}
				data.BootSource.InitrdPath = inner
			}
		}
		for i := range data.Drives {
			inner, err := rewrite(data.Drives[i].PathOnHost)
			if err != nil {
				return err
			}
			data.Drives[i].PathOnHost = inner
		}
	case config.VariantRestored:
		inner, err := rewrite(cfg.Restored.LoadSnapshot.SnapshotPath)
		if err != nil {
			return err
		}
		cfg.Restored.LoadSnapshot.SnapshotPath = inner

		inner, err = rewrite(cfg.Restored.LoadSnapshot.MemoryBackend.Path)
		if err != nil {
			return err
		}
		cfg.Restored.LoadSnapshot.MemoryBackend.Path = inner
	}
	return nil
}

func (v *Vm) resolveStandardPaths(cfg *config.Configuration) error {
	data := cfg.Data()
	sp := StandardPaths{DriveSockets: make(map[string]string)}

	for _, d := range data.Drives {
		if d.SocketPath != "" {
			sp.DriveSockets[d.ID] = v.exec.InnerToOuterPath(v.install, d.SocketPath)
		}
	}

	if data.Logger != nil {
		outer := v.exec.InnerToOuterPath(v.install, data.Logger.LogPath)
		if err := v.createParentAndFile(outer); err != nil {
			return err
		}
		sp.LogPath = outer
	}

	if data.Metrics != nil {
		outer := v.exec.InnerToOuterPath(v.install, data.Metrics.MetricsPath)
		if err := v.createParentAndFile(outer); err != nil {
			return err
		}
		sp.MetricsPath = outer
	}

	if data.Vsock != nil {
		outer := v.exec.InnerToOuterPath(v.install, data.Vsock.UDSPath)
		if err := v.fs.MkdirAll(filepath.Dir(outer), 0o755); err != nil {
			return fmt.Errorf("vm: create vsock socket parent dir %s failed: %w", outer, err)
		}
		sp.VsockMultiplexerPath = outer
	}

	v.mu.Lock()
	v.standardPaths = sp
	v.mu.Unlock()
	return nil
}

func (v *Vm) createParentAndFile(outer string) error {
	if err := v.fs.MkdirAll(filepath.Dir(outer), 0o755); err != nil {
		return fmt.Errorf("vm: create parent dir for %s failed: %w", outer, err)
	}
	if err := v.fs.CreateEmpty(outer); err != nil {
		return fmt.Errorf("vm: create empty file %s failed: %w", outer, err)
	}
	return nil
}

// StandardPaths returns the outer paths resolved by Prepare.
func (v *Vm) StandardPaths() StandardPaths {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.standardPaths
}

const defaultSocketPollInterval = 10 * time.Millisecond

// Start invokes the VMM, waits for the API socket, and (unless booting via
// an inline JSON configuration file) runs the ordered API boot/restore
// sequence.
func (v *Vm) Start(ctx context.Context, socketWaitTimeout time.Duration) error {
	ctx, rep, span := obs.Span(ctx, v.tracer, v.logger, "vm.start")
	defer span.End()

	if err := v.ensureState(NotStarted); err != nil {
		return err
	}

	v.mu.Lock()
	cfg := v.cfg
	v.mu.Unlock()

	if cfg == nil {
		return ErrNotPrepared
	}

	var configOverride string
	apiDriven := true
	if cfg.Variant == config.VariantNew && cfg.New.InitMethod == config.ViaJsonConfiguration {
		apiDriven = false
		outerConfigPath := v.exec.InnerToOuterPath(v.install, cfg.New.ConfigPath)
		data, err := json.Marshal(cfg.New.Data)
		if err != nil {
			return fmt.Errorf("vm: marshal inline configuration failed: %w", err)
		}
		if err := v.writeFile(outerConfigPath, data); err != nil {
			return err
		}
		configOverride = cfg.New.ConfigPath
	}

	if err := v.proc.Invoke(ctx, configOverride); err != nil {
		rep.CriticalError(err)
		return err
	}

	if err := v.proc.WaitForSocket(ctx, defaultSocketPollInterval, socketWaitTimeout); err != nil {
		rep.CriticalError(err)
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	if apiDriven {
		if err := v.runBootSequence(ctx, cfg); err != nil {
			rep.CriticalError(err)
			return err
		}
	}

	rep.Event("vm started")
	return nil
}

func (v *Vm) writeFile(path string, data []byte) error {
	if err := v.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("vm: create parent dir for %s failed: %w", path, err)
	}
	if err := v.fs.WriteFile(path, data); err != nil {
		return fmt.Errorf("vm: write %s failed: %w", path, err)
	}
	return nil
}
