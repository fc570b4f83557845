package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/ctools-dev/fcsupervisor/ownership"
	"github.com/ctools-dev/fcsupervisor/process"
	"github.com/ctools-dev/fcsupervisor/spawn"
)

// Unrestricted runs the VMM directly under the caller's own privileges, with
// no chroot and no path rewriting: the returned outer->inner mapping is the
// identity on outer paths.
type Unrestricted struct {
	// ApiSocketPath, if set, is the outer path of the API socket. A stale
	// socket left over from a previous run is removed during Prepare.
	ApiSocketPath string
	// ArgPaths are additional argument-delivered paths (log, metrics) that
	// must exist as empty files before invocation.
	ArgPaths []string
	// Args are the VMM command-line arguments (boot source, drives, etc.
	// are configured over the API, not here — this only carries --id and
	// whatever the caller already decided to pass).
	Args []string
	// Id, if non-empty, is appended as "--id <Id>".
	Id string
	// CommandModifiers wraps the command about to be spawned (e.g. sudo).
	CommandModifiers []CommandModifier
	// PipesToNull discards stdio instead of creating pipes.
	PipesToNull bool
}

var _ Executor = (*Unrestricted)(nil)

func (u *Unrestricted) GetSocketPath(install *Installation) (string, bool) {
	if u.ApiSocketPath == "" {
		return "", false
	}
	return u.ApiSocketPath, true
}

// InnerToOuterPath is the identity for the unrestricted executor: there is
// no jail, so inner paths are outer paths.
func (u *Unrestricted) InnerToOuterPath(install *Installation, inner string) string {
	return inner
}

func (u *Unrestricted) IsTraceless() bool { return false }

func (u *Unrestricted) Prepare(ctx context.Context, install *Installation, spawner spawn.ProcessSpawner, fsBackend spawn.FSBackend, outerPaths []string, model ownership.Model) (map[string]string, error) {
	g, gctx := errgroup.WithContext(ctx)

	for _, p := range outerPaths {
		p := p
		g.Go(func() error {
			if _, err := fsBackend.Stat(p); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("%w: %s", ErrExpectedResourceMissing, p)
				}
				return fmt.Errorf("executor: stat %s failed: %w", p, err)
			}
			if err := ownership.UpgradeOwner(gctx, spawner, p, model); err != nil {
				return err
			}
			return nil
		})
	}

	if u.ApiSocketPath != "" {
		g.Go(func() error {
			if _, err := fsBackend.Stat(u.ApiSocketPath); err == nil {
				if err := fsBackend.Remove(u.ApiSocketPath); err != nil {
					return fmt.Errorf("executor: remove stale socket %s failed: %w", u.ApiSocketPath, err)
				}
			}
			return nil
		})
	}

	for _, p := range u.ArgPaths {
		p := p
		g.Go(func() error {
			if err := fsBackend.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return fmt.Errorf("executor: mkdir for %s failed: %w", p, err)
			}
			if err := fsBackend.CreateEmpty(p); err != nil {
				return fmt.Errorf("executor: create empty file %s failed: %w", p, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	mapping := make(map[string]string, len(outerPaths))
	for _, p := range outerPaths {
		mapping[p] = p
	}
	return mapping, nil
}

func (u *Unrestricted) Invoke(ctx context.Context, install *Installation, spawner spawn.ProcessSpawner, configOverride string, model ownership.Model) (process.Handle, error) {
	args := append([]string{}, u.Args...)
	args = append(args, VmmArguments{ConfigPath: configOverride, Id: u.Id}.Build()...)

	path, args := ApplyModifiers(install.FirecrackerPath, args, u.CommandModifiers)

	p, err := spawner.Spawn(ctx, path, args, spawn.StdioConfig{PipesToNull: u.PipesToNull})
	if err != nil {
		return nil, fmt.Errorf("executor: spawn %s failed: %w", path, err)
	}
	return process.NewChildHandle(p), nil
}

func (u *Unrestricted) Cleanup(ctx context.Context, install *Installation, spawner spawn.ProcessSpawner, fsBackend spawn.FSBackend, model ownership.Model) error {
	g, _ := errgroup.WithContext(ctx)

	if u.ApiSocketPath != "" {
		g.Go(func() error {
			if _, err := fsBackend.Stat(u.ApiSocketPath); err != nil {
				return nil
			}
			if err := fsBackend.Remove(u.ApiSocketPath); err != nil {
				return fmt.Errorf("executor: remove socket %s failed: %w", u.ApiSocketPath, err)
			}
			return nil
		})
	}

	for _, p := range u.ArgPaths {
		p := p
		g.Go(func() error {
			if _, err := fsBackend.Stat(p); err != nil {
				return nil
			}
			if err := fsBackend.Remove(p); err != nil {
				return fmt.Errorf("executor: remove %s failed: %w", p, err)
			}
			return nil
		})
	}

	return g.Wait()
}
