package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KarpelesLab/reflink"
	"golang.org/x/sync/errgroup"

	"github.com/ctools-dev/fcsupervisor/jail"
	"github.com/ctools-dev/fcsupervisor/ownership"
	"github.com/ctools-dev/fcsupervisor/process"
	"github.com/ctools-dev/fcsupervisor/spawn"
)

// DefaultChrootBase is the jailer's own default chroot base directory.
const DefaultChrootBase = "/srv/jailer"

// JailMoveMethod selects how the jailed executor transfers an outer resource
// into the jail.
type JailMoveMethod int

const (
	// Copy byte-copies the resource into the jail.
	Copy JailMoveMethod = iota
	// HardLink hard-links it; fails across filesystems or on permission
	// error.
	HardLink
	// HardLinkWithCopyFallback tries HardLink first; on any error, falls
	// back to Copy. Any hard-link error triggers the fallback — no attempt
	// is made to distinguish EXDEV from a permission error.
	HardLinkWithCopyFallback
)

// Jailed runs the VMM chrooted and privilege-dropped via the jailer binary.
type Jailed struct {
	// ChrootBaseDir defaults to DefaultChrootBase when empty.
	ChrootBaseDir string
	// JailID identifies this VM's chroot among others sharing ChrootBaseDir.
	JailID string
	// Renamer computes inner paths for staged resources.
	Renamer jail.Renamer
	// MoveMethod selects how resources are transferred into the jail.
	MoveMethod JailMoveMethod

	// InnerSocketPath is the API socket's path as the VMM inside the jail
	// sees it (e.g. "/run/firecracker.socket").
	InnerSocketPath string
	// InnerLogPath / InnerMetricsPath, if set, are created as empty files
	// inside the jail before invocation.
	InnerLogPath, InnerMetricsPath string

	// UID/GID are the jailer's --uid/--gid flags (the VMM's runtime
	// identity once privileges are dropped).
	UID, GID int
	// NumaNode is passed through to the jailer unmodified.
	NumaNode int
	// Daemonize requests --daemonize; the jailer re-execs the VMM as a new
	// session leader and exits once it has written the PID file.
	Daemonize bool
	// NewPidNS requests the jailer isolate the VMM in a new PID namespace
	// (--new-pid-ns), which also implies the jailer exits promptly.
	NewPidNS bool
	// ExtraArgs are passed through to the jailer verbatim (e.g. --netns,
	// cgroup-version) — this module does not interpret them.
	ExtraArgs []string
	// Id, if non-empty, is appended to the VMM argument list as "--id".
	Id string
	// CommandModifiers wraps the jailer command about to be spawned.
	CommandModifiers []CommandModifier

	// PidFilePollInterval/PidFileTimeout bound how long Invoke waits for the
	// daemonized jailer to write its PID file.
	PidFilePollInterval time.Duration
	PidFileTimeout      time.Duration
}

var _ Executor = (*Jailed)(nil)

func (j *Jailed) chrootBase() string {
	if j.ChrootBaseDir != "" {
		return j.ChrootBaseDir
	}
	return DefaultChrootBase
}

func (j *Jailed) binaryFilename(install *Installation) string {
	return filepath.Base(install.FirecrackerPath)
}

// jailRoot returns chroot_base/firecracker_binary_filename/jail_id/root.
func (j *Jailed) jailRoot(install *Installation) string {
	return filepath.Join(j.chrootBase(), j.binaryFilename(install), j.JailID, "root")
}

// jailParent is the jail root's parent: chroot_base/binary/jail_id.
func (j *Jailed) jailParent(install *Installation) string {
	return filepath.Dir(j.jailRoot(install))
}

func (j *Jailed) pidFilePath(install *Installation) string {
	return filepath.Join(j.jailRoot(install), j.binaryFilename(install)+".pid")
}

func (j *Jailed) GetSocketPath(install *Installation) (string, bool) {
	if j.InnerSocketPath == "" {
		return "", false
	}
	return jail.Join(j.jailRoot(install), j.InnerSocketPath), true
}

func (j *Jailed) InnerToOuterPath(install *Installation, inner string) string {
	return jail.Join(j.jailRoot(install), inner)
}

func (j *Jailed) IsTraceless() bool { return true }

// Prepare resolves the jail root, recreates it fresh, and concurrently
// stages every declared resource plus the socket parent directory and the
// log/metrics files. On success every returned inner path exists on disk
// and, when the model specifies a downgrade, the whole jail is owned by the
// VMM's downgrade uid/gid.
func (j *Jailed) Prepare(ctx context.Context, install *Installation, spawner spawn.ProcessSpawner, fsBackend spawn.FSBackend, outerPaths []string, model ownership.Model) (map[string]string, error) {
	root := j.jailRoot(install)

	if err := ownership.UpgradeOwner(ctx, spawner, j.chrootBase(), model); err != nil {
		return nil, err
	}

	if _, err := fsBackend.Stat(root); err == nil {
		if err := fsBackend.RemoveAll(root); err != nil {
			return nil, fmt.Errorf("executor: remove stale jail root %s failed: %w", root, err)
		}
	}
	if err := fsBackend.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create jail root %s failed: %w", root, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if j.InnerSocketPath != "" {
		g.Go(func() error {
			outerSockDir := filepath.Dir(jail.Join(root, j.InnerSocketPath))
			if err := fsBackend.MkdirAll(outerSockDir, 0o755); err != nil {
				return fmt.Errorf("executor: create socket parent dir %s failed: %w", outerSockDir, err)
			}
			return nil
		})
	}

	for _, inner := range []string{j.InnerLogPath, j.InnerMetricsPath} {
		if inner == "" {
			continue
		}
		inner := inner
		g.Go(func() error {
			return createEmptyAt(fsBackend, jail.Join(root, inner))
		})
	}

	mapping := make(map[string]string, len(outerPaths))
	var mu sync.Mutex
	for _, outer := range outerPaths {
		outer := outer
		g.Go(func() error {
			if err := ownership.UpgradeOwner(gctx, spawner, outer, model); err != nil {
				return err
			}
			if _, err := fsBackend.Stat(outer); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("%w: %s", ErrExpectedResourceMissing, outer)
				}
				return fmt.Errorf("executor: stat %s failed: %w", outer, err)
			}

			inner, err := j.Renamer.RenameForJail(outer)
			if err != nil {
				return fmt.Errorf("executor: rename %s for jail failed: %w", outer, err)
			}

			expanded := jail.Join(root, inner)
			if err := fsBackend.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
				return fmt.Errorf("executor: create parent dir for %s failed: %w", expanded, err)
			}

			if err := j.transfer(fsBackend, outer, expanded); err != nil {
				return fmt.Errorf("executor: stage %s into jail failed: %w", outer, err)
			}

			mu.Lock()
			mapping[outer] = inner
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ownership.DowngradeOwnerRecursively(ctx, root, model); err != nil {
		return nil, err
	}

	return mapping, nil
}

func createEmptyAt(fsBackend spawn.FSBackend, path string) error {
	if err := fsBackend.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("executor: create parent dir for %s failed: %w", path, err)
	}
	if err := fsBackend.CreateEmpty(path); err != nil {
		return fmt.Errorf("executor: create empty file %s failed: %w", path, err)
	}
	return nil
}

func (j *Jailed) transfer(fsBackend spawn.FSBackend, src, dst string) error {
	switch j.MoveMethod {
	case Copy:
		if err := reflink.Always(src, dst); err != nil {
			return fsBackend.Copy(src, dst)
		}
		return nil
	case HardLink:
		return fsBackend.Link(src, dst)
	case HardLinkWithCopyFallback:
		if err := fsBackend.Link(src, dst); err != nil {
			return fsBackend.Copy(src, dst)
		}
		return nil
	default:
		return fmt.Errorf("executor: unknown jail move method %d", j.MoveMethod)
	}
}

// Invoke spawns the jailer (which re-execs the VMM). If daemonizing or
// running in a new PID namespace, the spawned jailer process is expected to
// exit promptly once it has written the PID file, and the returned handle is
// a PidfdHandle on the daemonized grandchild; otherwise the returned handle
// is an attached ChildHandle on the jailer's own process.
func (j *Jailed) Invoke(ctx context.Context, install *Installation, spawner spawn.ProcessSpawner, configOverride string, model ownership.Model) (process.Handle, error) {
	args := j.jailerArgs(install, configOverride)
	path, args := ApplyModifiers(install.JailerPath, args, j.CommandModifiers)

	p, err := spawner.Spawn(ctx, path, args, spawn.StdioConfig{PipesToNull: !j.daemonizes()})
	if err != nil {
		return nil, fmt.Errorf("executor: spawn jailer %s failed: %w", path, err)
	}

	if !j.daemonizes() {
		return process.NewChildHandle(p), nil
	}

	child := process.NewChildHandle(p)
	status, err := child.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: wait for daemonizing jailer failed: %w", err)
	}
	if !status.Success() {
		return nil, fmt.Errorf("%w: jailer exited with %+v", ErrProcessExitedWithIncorrectStatus, status)
	}

	pid, err := j.waitForPidFile(ctx, install)
	if err != nil {
		return nil, err
	}

	handle, err := process.NewPidfdHandle(pid)
	if err != nil {
		return nil, fmt.Errorf("executor: allocate pidfd for daemonized vmm (pid %d) failed: %w", pid, err)
	}
	return handle, nil
}

func (j *Jailed) daemonizes() bool { return j.Daemonize || j.NewPidNS }

func (j *Jailed) jailerArgs(install *Installation, configOverride string) []string {
	return JailerArguments{
		Id:            j.JailID,
		UID:           j.UID,
		GID:           j.GID,
		ExecFile:      install.FirecrackerPath,
		ChrootBaseDir: j.chrootBase(),
		NumaNode:      j.NumaNode,
		Daemonize:     j.Daemonize,
		NewPidNS:      j.NewPidNS,
		ExtraArgs:     j.ExtraArgs,
		Vmm: VmmArguments{
			ConfigPath: configOverride,
			Id:         j.Id,
		},
	}.Build()
}

func (j *Jailed) waitForPidFile(ctx context.Context, install *Installation) (int, error) {
	interval := j.PidFilePollInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	timeout := j.PidFileTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	deadline := time.Now().Add(timeout)
	path := j.pidFilePath(install)

	for {
		data, err := os.ReadFile(path)
		if err == nil {
			pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
			if perr == nil {
				return pid, nil
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("executor: timed out waiting for pid file %s", path)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Cleanup upgrades ownership of the jail root, resolves its parent, and
// recursively removes that parent directory.
func (j *Jailed) Cleanup(ctx context.Context, install *Installation, spawner spawn.ProcessSpawner, fsBackend spawn.FSBackend, model ownership.Model) error {
	root := j.jailRoot(install)

	if err := ownership.UpgradeOwner(ctx, spawner, root, model); err != nil {
		return err
	}

	parent := j.jailParent(install)
	if _, err := fsBackend.Stat(parent); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrExpectedDirectoryParentMissing
		}
		return fmt.Errorf("executor: stat jail parent %s failed: %w", parent, err)
	}

	if err := fsBackend.RemoveAll(parent); err != nil {
		return fmt.Errorf("executor: remove jail parent %s failed: %w", parent, err)
	}
	return nil
}
