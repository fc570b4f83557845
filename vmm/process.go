// Package vmm supervises one VMM process: preparing its sandbox, invoking
// it, dispatching API requests once it is up, and observing its exit.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ctools-dev/fcsupervisor/executor"
	"github.com/ctools-dev/fcsupervisor/internal/obs"
	"github.com/ctools-dev/fcsupervisor/ownership"
	"github.com/ctools-dev/fcsupervisor/process"
	"github.com/ctools-dev/fcsupervisor/spawn"
	"github.com/ctools-dev/fcsupervisor/vmm/apiclient"
)

// State is the VMM process supervisor's own lifecycle, independent of the
// pause/resume bookkeeping the VM layer adds on top.
type State int

const (
	AwaitingPrepare State = iota
	AwaitingStart
	Started
	Exited
	Crashed
)

func (s State) String() string {
	switch s {
	case AwaitingPrepare:
		return "awaiting-prepare"
	case AwaitingStart:
		return "awaiting-start"
	case Started:
		return "started"
	case Exited:
		return "exited"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// ErrInvalidState is returned whenever an operation is attempted outside its
// declared precondition state set.
type ErrInvalidState struct {
	Expected []State
	Actual   State
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("vmm: expected state in %v, got %s", e.Expected, e.Actual)
}

func isIn(s State, allowed []State) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// Process is the VMM process supervisor.
type Process struct {
	install *executor.Installation
	exec    executor.Executor
	spawner spawn.ProcessSpawner
	fs      spawn.FSBackend
	model   ownership.Model

	tracer trace.Tracer
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	mapping    map[string]string
	handle     process.Handle
	exitStatus process.ExitStatus
	client     *apiclient.Client

	metrics *obs.Metrics

	watchDone chan struct{}
}

// New constructs a supervisor in AwaitingPrepare state. tracer/logger/metrics
// may be nil.
func New(install *executor.Installation, exec executor.Executor, spawner spawn.ProcessSpawner, fs spawn.FSBackend, model ownership.Model, tracer trace.Tracer, logger *zap.Logger, metrics *obs.Metrics) *Process {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("vmm")
	}
	return &Process{
		install: install,
		exec:    exec,
		spawner: spawner,
		fs:      fs,
		model:   model,
		tracer:  tracer,
		logger:  logger,
		metrics: metrics,
		state:   AwaitingPrepare,
	}
}

// State returns the current supervisor state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Prepare delegates to the executor and, on success, transitions to
// AwaitingStart.
func (p *Process) Prepare(ctx context.Context, outerPaths []string) (map[string]string, error) {
	ctx, rep, span := obs.Span(ctx, p.tracer, p.logger, "vmm.prepare")
	defer span.End()
	start := time.Now()

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != AwaitingPrepare {
		return nil, &ErrInvalidState{Expected: []State{AwaitingPrepare}, Actual: state}
	}

	mapping, err := p.exec.Prepare(ctx, p.install, p.spawner, p.fs, outerPaths, p.model)
	if err != nil {
		rep.CriticalError(err)
		return nil, err
	}

	p.mu.Lock()
	p.mapping = mapping
	p.state = AwaitingStart
	p.mu.Unlock()

	p.metrics.RecordPrepare(ctx, time.Since(start))
	rep.Event("vmm prepared")
	return mapping, nil
}

// Invoke delegates to the executor, stores the resulting process handle and
// API client, transitions to Started, and starts a background goroutine
// that observes the process's exit and moves the state to Exited/Crashed.
func (p *Process) Invoke(ctx context.Context, configOverride string) error {
	ctx, rep, span := obs.Span(ctx, p.tracer, p.logger, "vmm.invoke")
	defer span.End()
	start := time.Now()

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != AwaitingStart {
		return &ErrInvalidState{Expected: []State{AwaitingStart}, Actual: state}
	}

	handle, err := p.exec.Invoke(ctx, p.install, p.spawner, configOverride, p.model)
	if err != nil {
		rep.CriticalError(err)
		return err
	}

	var client *apiclient.Client
	if socketPath, ok := p.exec.GetSocketPath(p.install); ok {
		client = apiclient.New(socketPath)
	}

	p.mu.Lock()
	p.handle = handle
	p.client = client
	p.state = Started
	p.watchDone = make(chan struct{})
	p.mu.Unlock()

	p.metrics.IncActive(ctx)
	p.metrics.RecordInvoke(ctx, time.Since(start))
	go p.watch()

	rep.Event("vmm invoked")
	return nil
}

func (p *Process) watch() {
	status, err := p.handle.Wait(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil || !status.Success() {
		p.state = Crashed
	} else {
		p.state = Exited
	}
	p.exitStatus = status
	p.metrics.DecActive(context.Background())
	close(p.watchDone)
}

// WaitForSocket blocks until the API socket appears, bounded by timeout.
func (p *Process) WaitForSocket(ctx context.Context, interval, timeout time.Duration) error {
	socketPath, ok := p.exec.GetSocketPath(p.install)
	if !ok {
		return errors.New("vmm: no api socket configured")
	}
	return apiclient.WaitForSocket(ctx, socketPath, interval, timeout)
}

// SendAPIRequest dispatches an arbitrary API request. Valid only in Started.
func (p *Process) SendAPIRequest(ctx context.Context, method, route string, body, out any) error {
	p.mu.Lock()
	state := p.state
	client := p.client
	p.mu.Unlock()
	if state != Started {
		return &ErrInvalidState{Expected: []State{Started}, Actual: state}
	}
	if client == nil {
		return errors.New("vmm: no api client configured")
	}
	return client.DoJSON(ctx, method, route, body, out)
}

// SendCtrlAltDel issues PUT /actions {action_type: SendCtrlAltDel}.
func (p *Process) SendCtrlAltDel(ctx context.Context) error {
	return p.SendAPIRequest(ctx, "PUT", "/actions", map[string]string{"action_type": "SendCtrlAltDel"}, nil)
}

// SendSigkill forwards to the process handle.
func (p *Process) SendSigkill() error {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return errors.New("vmm: process was never invoked")
	}
	return handle.Kill()
}

// WaitForExit forwards to the process handle.
func (p *Process) WaitForExit(ctx context.Context) (process.ExitStatus, error) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return process.ExitStatus{}, errors.New("vmm: process was never invoked")
	}
	return handle.Wait(ctx)
}

// TakePipes forwards to the process handle.
func (p *Process) TakePipes() (*process.Pipes, error) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()
	if handle == nil {
		return nil, errors.New("vmm: process was never invoked")
	}
	return handle.TakePipes()
}

// Mapping returns the outer->inner path mapping recorded by Prepare.
func (p *Process) Mapping() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapping
}

// Cleanup delegates to the executor. Valid only in Exited/Crashed.
func (p *Process) Cleanup(ctx context.Context) error {
	ctx, rep, span := obs.Span(ctx, p.tracer, p.logger, "vmm.cleanup")
	defer span.End()
	start := time.Now()

	p.mu.Lock()
	state := p.state
	client := p.client
	p.mu.Unlock()
	if !isIn(state, []State{Exited, Crashed}) {
		return &ErrInvalidState{Expected: []State{Exited, Crashed}, Actual: state}
	}
	if client != nil {
		client.Close()
	}

	if err := p.exec.Cleanup(ctx, p.install, p.spawner, p.fs, p.model); err != nil {
		rep.CriticalError(err)
		return err
	}
	p.metrics.RecordCleanup(ctx, time.Since(start))
	rep.Event("vmm cleaned up")
	return nil
}
