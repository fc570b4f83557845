// Package snapshot holds a paused VM's captured state: the snapshot file,
// the memory-backing file, and the configuration that produced them.
package snapshot

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ctools-dev/fcsupervisor/spawn"
	"github.com/ctools-dev/fcsupervisor/vm/config"
)

// Data is a snapshot/memfile pair plus the configuration captured at
// snapshot time. It is detached from the VM that produced it and outlives
// it.
type Data struct {
	SnapshotPath  string
	MemFilePath   string
	Configuration config.Data
	// IsDiff records whether this was captured as a diff snapshot. Kept for
	// informational purposes only; this package does not interpret snapshot
	// internals.
	IsDiff bool
}

// Copy duplicates both files to new outer paths, running the two copies
// concurrently, and returns a Data pointing at the copies.
func (d Data) Copy(ctx context.Context, fs spawn.FSBackend, newSnapshotPath, newMemFilePath string) (Data, error) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return fs.Copy(d.SnapshotPath, newSnapshotPath) })
	g.Go(func() error { return fs.Copy(d.MemFilePath, newMemFilePath) })
	if err := g.Wait(); err != nil {
		return Data{}, err
	}
	return Data{SnapshotPath: newSnapshotPath, MemFilePath: newMemFilePath, Configuration: d.Configuration, IsDiff: d.IsDiff}, nil
}

// MoveOut relocates both files to new outer paths (copy, then remove the
// originals), running the two relocations concurrently, and returns a Data
// pointing at the new location.
func (d Data) MoveOut(ctx context.Context, fs spawn.FSBackend, newSnapshotPath, newMemFilePath string) (Data, error) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := fs.Copy(d.SnapshotPath, newSnapshotPath); err != nil {
			return err
		}
		return fs.Remove(d.SnapshotPath)
	})
	g.Go(func() error {
		if err := fs.Copy(d.MemFilePath, newMemFilePath); err != nil {
			return err
		}
		return fs.Remove(d.MemFilePath)
	})
	if err := g.Wait(); err != nil {
		return Data{}, err
	}
	return Data{SnapshotPath: newSnapshotPath, MemFilePath: newMemFilePath, Configuration: d.Configuration, IsDiff: d.IsDiff}, nil
}

// Remove deletes both files concurrently.
func (d Data) Remove(ctx context.Context, fs spawn.FSBackend) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return fs.Remove(d.SnapshotPath) })
	g.Go(func() error { return fs.Remove(d.MemFilePath) })
	return g.Wait()
}

// IntoConfiguration returns a RestoredFromSnapshot configuration that would
// boot a new VM from this snapshot, with a file-backed memory backend.
func (d Data) IntoConfiguration(resume, diffSnapshots bool) *config.Configuration {
	return &config.Configuration{
		Variant: config.VariantRestored,
		Restored: &config.Restored{
			LoadSnapshot: config.LoadSnapshot{
				SnapshotPath:        d.SnapshotPath,
				MemoryBackend:       config.MemoryBackend{Type: config.MemoryBackendFile, Path: d.MemFilePath},
				ResumeVM:            resume,
				EnableDiffSnapshots: diffSnapshots,
			},
			Data: d.Configuration,
		},
	}
}
