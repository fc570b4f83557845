// Package ownership implements the privilege-transition primitives around a
// jailed VMM's filesystem resources: forking to an external, possibly
// setuid, chown helper to upgrade ownership toward the caller's own
// uid/gid, and an in-process recursive chown to downgrade ownership toward
// the VMM's runtime uid/gid.
package ownership

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ctools-dev/fcsupervisor/spawn"
)

// Model selects whether and how ownership must be changed around a VM's
// resource staging and invocation.
type Model struct {
	// Kind is one of Shared, Upgraded, or Downgraded.
	Kind Kind
	// UID/GID are the VMM's runtime identity, meaningful only when Kind is
	// Downgraded (the target to chown down to). Upgrades always target the
	// current process's own uid/gid.
	UID, GID int
}

type Kind int

const (
	// Shared: the supervising process and the VMM run under the same
	// identity; no ownership changes are made.
	Shared Kind = iota
	// Upgraded: resources must be chowned up to the caller's own uid/gid
	// before preparation (e.g. jailer output initially owned by root).
	Upgraded
	// Downgraded: resources must be chowned down to UID/GID before
	// invocation so the unprivileged VMM can access them.
	Downgraded
)

// NeedsUpgrade reports whether prepare must upgrade ownership of host
// resources toward the caller's own identity before staging them.
func (m Model) NeedsUpgrade() bool { return m.Kind == Upgraded }

// DowngradeTarget reports the uid/gid the jail subtree must be chowned to
// after preparation, if any.
func (m Model) DowngradeTarget() (uid, gid int, ok bool) {
	if m.Kind != Downgraded {
		return 0, 0, false
	}
	return m.UID, m.GID, true
}

// UpgradeOwner forks `chown -fR <uid>:<gid> <path>`, with the current
// process's own uid/gid, when the model requires an upgrade. Exit code 0 or 256 (the latter meaning a concurrent chown by
// another process) is treated as success; anything else is surfaced as an
// error. Upgrading may require privilege the in-process code does not have,
// which is why this shells out instead of calling os.Chown directly.
//
// A process's OS exit status is an 8-bit value, so an underlying exit of
// 256 is already observed as 0 by os/exec (256 mod 256) — it is
// indistinguishable from ordinary success and requires no special case here.
func UpgradeOwner(ctx context.Context, spawner spawn.ProcessSpawner, path string, model Model) error {
	if !model.NeedsUpgrade() {
		return nil
	}

	target := fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	if err := spawner.Run(ctx, "chown", []string{"-fR", target, path}); err != nil {
		return fmt.Errorf("ownership: upgrade chown of %s failed: %w", path, err)
	}
	return nil
}

// DowngradeOwnerRecursively walks path in-process and chowns every entry to
// the model's downgrade target, when the model specifies one.
func DowngradeOwnerRecursively(ctx context.Context, path string, model Model) error {
	uid, gid, ok := model.DowngradeTarget()
	if !ok {
		return nil
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("ownership: walk %s failed: %w", p, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if chErr := os.Lchown(p, uid, gid); chErr != nil {
			return fmt.Errorf("ownership: chown %s to %d:%d failed: %w", p, uid, gid, chErr)
		}
		return nil
	})
}
