package vm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctools-dev/fcsupervisor/executor"
	"github.com/ctools-dev/fcsupervisor/ownership"
	"github.com/ctools-dev/fcsupervisor/process"
	"github.com/ctools-dev/fcsupervisor/spawn"
	"github.com/ctools-dev/fcsupervisor/vm/config"
)

type fakeHandle struct {
	mu     sync.Mutex
	status process.ExitStatus
	waited chan struct{}
}

func newFakeHandle() *fakeHandle { return &fakeHandle{waited: make(chan struct{})} }

func (h *fakeHandle) Wait(ctx context.Context) (process.ExitStatus, error) {
	select {
	case <-h.waited:
	case <-ctx.Done():
		return process.ExitStatus{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

func (h *fakeHandle) TryWait() (process.ExitStatus, bool, error) {
	select {
	case <-h.waited:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.status, true, nil
	default:
		return process.ExitStatus{}, false, nil
	}
}

func (h *fakeHandle) Kill() error {
	select {
	case <-h.waited:
		return process.ErrAlreadyExited
	default:
		close(h.waited)
		return nil
	}
}

func (h *fakeHandle) TakePipes() (*process.Pipes, error) {
	return nil, process.ErrPipesWereDropped
}

type fakeExecutor struct {
	socketPath string
	handle     *fakeHandle
}

func (e *fakeExecutor) GetSocketPath(install *executor.Installation) (string, bool) {
	if e.socketPath == "" {
		return "", false
	}
	return e.socketPath, true
}

func (e *fakeExecutor) InnerToOuterPath(install *executor.Installation, inner string) string {
	return inner
}

func (e *fakeExecutor) IsTraceless() bool { return false }

func (e *fakeExecutor) Prepare(ctx context.Context, install *executor.Installation, spawner spawn.ProcessSpawner, fs spawn.FSBackend, outerPaths []string, model ownership.Model) (map[string]string, error) {
	mapping := make(map[string]string, len(outerPaths))
	for _, p := range outerPaths {
		mapping[p] = p
	}
	return mapping, nil
}

func (e *fakeExecutor) Invoke(ctx context.Context, install *executor.Installation, spawner spawn.ProcessSpawner, configOverride string, model ownership.Model) (process.Handle, error) {
	return e.handle, nil
}

func (e *fakeExecutor) Cleanup(ctx context.Context, install *executor.Installation, spawner spawn.ProcessSpawner, fs spawn.FSBackend, model ownership.Model) error {
	return nil
}

func newTestVm(t *testing.T, exec *fakeExecutor) *Vm {
	t.Helper()
	return New(&executor.Installation{}, exec, spawn.OSProcessSpawner{}, spawn.OSFSBackend{}, ownership.Model{Kind: ownership.Shared}, nil, nil, nil)
}

func newConfig() *config.Configuration {
	return &config.Configuration{
		Variant: config.VariantNew,
		New: &config.New{
			InitMethod: config.ViaApiCalls,
			Data: config.Data{
				BootSource: &config.BootSource{KernelImagePath: "/boot/vmlinux"},
				Drives:     []config.Drive{{ID: "rootfs", PathOnHost: "/images/rootfs.ext4", IsRootDevice: true}},
				MachineConfig: config.MachineConfig{
					VCPUCount:  2,
					MemSizeMib: 256,
				},
			},
		},
	}
}

func TestEnumerateOuterPathsNewVariant(t *testing.T) {
	paths := enumerateOuterPaths(newConfig())
	assert.ElementsMatch(t, []string{"/boot/vmlinux", "/images/rootfs.ext4"}, paths)
}

func TestRewritePathsMissingMappingFails(t *testing.T) {
	cfg := newConfig()
	err := rewritePaths(cfg, map[string]string{"/boot/vmlinux": "/inner/vmlinux"})
	var missing *ErrMissingPathMapping
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "/images/rootfs.ext4", missing.Path)
}

func TestRewritePathsRewritesInPlace(t *testing.T) {
	cfg := newConfig()
	mapping := map[string]string{
		"/boot/vmlinux":       "/inner/vmlinux",
		"/images/rootfs.ext4": "/inner/rootfs.ext4",
	}
	require.NoError(t, rewritePaths(cfg, mapping))
	assert.Equal(t, "/inner/vmlinux", cfg.New.Data.BootSource.KernelImagePath)
	assert.Equal(t, "/inner/rootfs.ext4", cfg.New.Data.Drives[0].PathOnHost)
}

func TestVmPrepareRequiresApiSocket(t *testing.T) {
	v := newTestVm(t, &fakeExecutor{})
	err := v.Prepare(context.Background(), newConfig())
	assert.ErrorIs(t, err, ErrDisabledApiSocketUnsupported)
}

func TestVmStartRequiresPrepare(t *testing.T) {
	v := newTestVm(t, &fakeExecutor{socketPath: "/tmp/does-not-matter.sock"})
	err := v.Start(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNotPrepared)
}

func TestVmShutdownNoMethods(t *testing.T) {
	v := newTestVm(t, &fakeExecutor{socketPath: "/tmp/does-not-matter.sock"})
	err := v.Shutdown(context.Background(), nil, time.Second)
	assert.ErrorIs(t, err, ErrNoShutdownMethods)
}

func TestVmCleanupWrongStateFails(t *testing.T) {
	v := newTestVm(t, &fakeExecutor{})
	err := v.Cleanup(context.Background(), CleanupOptions{})
	var stateErr *ErrExpectedState
	require.ErrorAs(t, err, &stateErr)
}

// TestVmStartRunsApiBootSequence spins up a real HTTP-over-unix-socket
// listener and verifies Start issues boot-source/drives/machine-config/
// actions in order before returning.
func TestVmStartRunsApiBootSequence(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "api.sock")

	var mu sync.Mutex
	var routes []string

	mux := http.NewServeMux()
	record := func(route string) {
		mu.Lock()
		routes = append(routes, route)
		mu.Unlock()
	}
	mux.HandleFunc("/boot-source", func(w http.ResponseWriter, r *http.Request) { record("boot-source"); w.WriteHeader(http.StatusNoContent) })
	mux.HandleFunc("/drives/rootfs", func(w http.ResponseWriter, r *http.Request) { record("drives/rootfs"); w.WriteHeader(http.StatusNoContent) })
	mux.HandleFunc("/machine-config", func(w http.ResponseWriter, r *http.Request) { record("machine-config"); w.WriteHeader(http.StatusNoContent) })
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		record("actions:" + body["action_type"])
		w.WriteHeader(http.StatusNoContent)
	})

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	defer srv.Close()

	h := newFakeHandle()
	exec := &fakeExecutor{socketPath: socketPath, handle: h}
	v := newTestVm(t, exec)

	require.NoError(t, v.Prepare(context.Background(), newConfig()))
	require.NoError(t, v.Start(context.Background(), time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"boot-source", "drives/rootfs", "machine-config", "actions:InstanceStart"}, routes)
	assert.Equal(t, Running, v.State())

	_ = os.Remove(socketPath)
}
