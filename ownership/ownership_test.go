package ownership

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctools-dev/fcsupervisor/spawn"
)

type fakeSpawner struct {
	runCalls [][]string
	runErr   error
}

func (f *fakeSpawner) Spawn(ctx context.Context, path string, args []string, cfg spawn.StdioConfig) (*spawn.Process, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSpawner) Run(ctx context.Context, path string, args []string) error {
	f.runCalls = append(f.runCalls, append([]string{path}, args...))
	return f.runErr
}

func TestUpgradeOwnerSkippedWhenNotUpgrading(t *testing.T) {
	s := &fakeSpawner{}
	err := UpgradeOwner(context.Background(), s, "/some/path", Model{Kind: Shared})
	require.NoError(t, err)
	assert.Empty(t, s.runCalls)
}

func TestUpgradeOwnerInvokesChown(t *testing.T) {
	s := &fakeSpawner{}
	err := UpgradeOwner(context.Background(), s, "/some/path", Model{Kind: Upgraded, UID: 1000, GID: 1000})
	require.NoError(t, err)
	require.Len(t, s.runCalls, 1)
	assert.Equal(t, []string{"chown", "-fR", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()), "/some/path"}, s.runCalls[0])
}

func TestUpgradeOwnerSurfacesFailure(t *testing.T) {
	s := &fakeSpawner{runErr: &exec.ExitError{}}
	err := UpgradeOwner(context.Background(), s, "/some/path", Model{Kind: Upgraded, UID: 1, GID: 1})
	require.Error(t, err)
}

func TestDowngradeOwnerRecursivelySkippedWhenShared(t *testing.T) {
	err := DowngradeOwnerRecursively(context.Background(), "/tmp", Model{Kind: Shared})
	require.NoError(t, err)
}

func TestDowngradeOwnerRecursivelyWalksTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "f"), []byte("x"), 0o644))

	// UID/GID set to the current process's own identity so the chown is a
	// no-op permission-wise but still exercises the full walk.
	err := DowngradeOwnerRecursively(context.Background(), dir, Model{
		Kind: Downgraded,
		UID:  os.Getuid(),
		GID:  os.Getgid(),
	})
	require.NoError(t, err)
}
