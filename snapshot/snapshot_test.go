package snapshot

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctools-dev/fcsupervisor/vm/config"
)

type fakeFS struct {
	files   map[string]bool
	copies  [][2]string
	removed []string
}

func newFakeFS(existing ...string) *fakeFS {
	files := make(map[string]bool)
	for _, f := range existing {
		files[f] = true
	}
	return &fakeFS{files: files}
}

func (f *fakeFS) Stat(path string) (os.FileInfo, error) {
	if f.files[path] {
		return nil, nil
	}
	return nil, os.ErrNotExist
}
func (f *fakeFS) MkdirAll(path string, perm os.FileMode) error { return nil }
func (f *fakeFS) Remove(path string) error {
	delete(f.files, path)
	f.removed = append(f.removed, path)
	return nil
}
func (f *fakeFS) RemoveAll(path string) error { return f.Remove(path) }
func (f *fakeFS) CreateEmpty(path string) error {
	f.files[path] = true
	return nil
}
func (f *fakeFS) WriteFile(path string, data []byte) error {
	f.files[path] = true
	return nil
}
func (f *fakeFS) Copy(src, dst string) error {
	f.copies = append(f.copies, [2]string{src, dst})
	f.files[dst] = true
	return nil
}
func (f *fakeFS) Link(src, dst string) error { return f.Copy(src, dst) }

func TestDataCopy(t *testing.T) {
	fs := newFakeFS("/a/snap", "/a/mem")
	d := Data{SnapshotPath: "/a/snap", MemFilePath: "/a/mem"}

	copied, err := d.Copy(context.Background(), fs, "/b/snap", "/b/mem")
	require.NoError(t, err)
	assert.Equal(t, "/b/snap", copied.SnapshotPath)
	assert.Equal(t, "/b/mem", copied.MemFilePath)
	assert.True(t, fs.files["/a/snap"])
	assert.Len(t, fs.copies, 2)
}

func TestDataMoveOutRemovesOriginals(t *testing.T) {
	fs := newFakeFS("/a/snap", "/a/mem")
	d := Data{SnapshotPath: "/a/snap", MemFilePath: "/a/mem"}

	moved, err := d.MoveOut(context.Background(), fs, "/b/snap", "/b/mem")
	require.NoError(t, err)
	assert.Equal(t, "/b/snap", moved.SnapshotPath)
	assert.False(t, fs.files["/a/snap"])
	assert.False(t, fs.files["/a/mem"])
	assert.True(t, fs.files["/b/snap"])
}

func TestDataRemove(t *testing.T) {
	fs := newFakeFS("/a/snap", "/a/mem")
	d := Data{SnapshotPath: "/a/snap", MemFilePath: "/a/mem"}

	require.NoError(t, d.Remove(context.Background(), fs))
	assert.ElementsMatch(t, []string{"/a/snap", "/a/mem"}, fs.removed)
}

func TestIntoConfiguration(t *testing.T) {
	d := Data{SnapshotPath: "/a/snap", MemFilePath: "/a/mem", Configuration: config.Data{MachineConfig: config.MachineConfig{VCPUCount: 2}}}

	cfg := d.IntoConfiguration(true, false)
	require.Equal(t, config.VariantRestored, cfg.Variant)
	assert.Equal(t, "/a/snap", cfg.Restored.LoadSnapshot.SnapshotPath)
	assert.Equal(t, "/a/mem", cfg.Restored.LoadSnapshot.MemoryBackend.Path)
	assert.True(t, cfg.Restored.LoadSnapshot.ResumeVM)
	assert.Equal(t, 2, cfg.Restored.Data.MachineConfig.VCPUCount)
}
