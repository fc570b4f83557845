package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctools-dev/fcsupervisor/jail"
	"github.com/ctools-dev/fcsupervisor/ownership"
	"github.com/ctools-dev/fcsupervisor/spawn"
)

type fakeSpawner struct {
	runCalls [][]string
}

func (f *fakeSpawner) Spawn(ctx context.Context, path string, args []string, cfg spawn.StdioConfig) (*spawn.Process, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSpawner) Run(ctx context.Context, path string, args []string) error {
	f.runCalls = append(f.runCalls, append([]string{path}, args...))
	return nil
}

func newJailedForTest(t *testing.T, base string) *Jailed {
	t.Helper()
	return &Jailed{
		ChrootBaseDir:   base,
		JailID:          "vm-1",
		Renamer:         jail.FlatRenamer{},
		MoveMethod:      Copy,
		InnerSocketPath: "/run/firecracker.socket",
		InnerLogPath:    "/logs/fc.log",
		UID:             1000,
		GID:             1000,
	}
}

func TestJailedRootLayout(t *testing.T) {
	j := newJailedForTest(t, "/srv/test-jailer")
	install := &Installation{FirecrackerPath: "/usr/bin/firecracker"}

	assert.Equal(t, "/srv/test-jailer/firecracker/vm-1/root", j.jailRoot(install))
	assert.Equal(t, "/srv/test-jailer/firecracker/vm-1", j.jailParent(install))
}

func TestJailedGetSocketPath(t *testing.T) {
	j := newJailedForTest(t, "/srv/test-jailer")
	install := &Installation{FirecrackerPath: "/usr/bin/firecracker"}

	path, ok := j.GetSocketPath(install)
	require.True(t, ok)
	assert.Equal(t, "/srv/test-jailer/firecracker/vm-1/root/run/firecracker.socket", path)
}

func TestJailedGetSocketPathUnset(t *testing.T) {
	j := newJailedForTest(t, "/srv/test-jailer")
	j.InnerSocketPath = ""
	_, ok := j.GetSocketPath(&Installation{FirecrackerPath: "/usr/bin/firecracker"})
	assert.False(t, ok)
}

func TestJailedPrepareStagesResourcesAndCreatesLayout(t *testing.T) {
	base := t.TempDir()
	resourceDir := t.TempDir()

	rootfsPath := filepath.Join(resourceDir, "rootfs.ext4")
	require.NoError(t, os.WriteFile(rootfsPath, []byte("fake-rootfs"), 0o644))

	j := newJailedForTest(t, base)
	j.MoveMethod = HardLinkWithCopyFallback
	install := &Installation{FirecrackerPath: "/usr/bin/firecracker"}

	spawner := &fakeSpawner{}
	fs := spawn.OSFSBackend{}

	mapping, err := j.Prepare(context.Background(), install, spawner, fs, []string{rootfsPath}, ownership.Model{Kind: ownership.Shared})
	require.NoError(t, err)

	inner, ok := mapping[rootfsPath]
	require.True(t, ok)
	assert.Equal(t, "/rootfs.ext4", inner)

	root := j.jailRoot(install)
	_, statErr := os.Stat(filepath.Join(root, "rootfs.ext4"))
	require.NoError(t, statErr)

	_, statErr = os.Stat(filepath.Join(root, "run"))
	require.NoError(t, statErr)

	_, statErr = os.Stat(filepath.Join(root, "logs", "fc.log"))
	require.NoError(t, statErr)
}

func TestJailedPrepareMissingResourceFails(t *testing.T) {
	base := t.TempDir()
	j := newJailedForTest(t, base)
	install := &Installation{FirecrackerPath: "/usr/bin/firecracker"}

	_, err := j.Prepare(context.Background(), install, &fakeSpawner{}, spawn.OSFSBackend{},
		[]string{filepath.Join(t.TempDir(), "missing.img")}, ownership.Model{Kind: ownership.Shared})
	require.ErrorIs(t, err, ErrExpectedResourceMissing)
}

func TestJailedCleanupRemovesParent(t *testing.T) {
	base := t.TempDir()
	j := newJailedForTest(t, base)
	install := &Installation{FirecrackerPath: "/usr/bin/firecracker"}

	require.NoError(t, os.MkdirAll(j.jailRoot(install), 0o755))

	err := j.Cleanup(context.Background(), install, &fakeSpawner{}, spawn.OSFSBackend{}, ownership.Model{Kind: ownership.Shared})
	require.NoError(t, err)

	_, statErr := os.Stat(j.jailParent(install))
	assert.True(t, os.IsNotExist(statErr))
}

func TestJailedCleanupMissingParentReportsError(t *testing.T) {
	base := t.TempDir()
	j := newJailedForTest(t, base)
	install := &Installation{FirecrackerPath: "/usr/bin/firecracker"}

	err := j.Cleanup(context.Background(), install, &fakeSpawner{}, spawn.OSFSBackend{}, ownership.Model{Kind: ownership.Shared})
	require.ErrorIs(t, err, ErrExpectedDirectoryParentMissing)
}

func TestJailerArgumentsBuildOrdering(t *testing.T) {
	j := newJailedForTest(t, "/srv/test-jailer")
	install := &Installation{FirecrackerPath: "/usr/bin/firecracker"}

	args := j.jailerArgs(install, "/tmp/config.json")
	assert.Contains(t, args, "--id")
	assert.Contains(t, args, "vm-1")
	assert.Contains(t, args, "--")
	assert.Equal(t, "--", args[len(args)-3])
	assert.Equal(t, []string{"--config-file", "/tmp/config.json"}, args[len(args)-2:])
}
