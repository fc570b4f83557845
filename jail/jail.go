// Package jail implements the bidirectional host<->jail path translation
// used by the jailed executor: an inner (jail-relative) path always maps to
// exactly one outer (host) path by joining it under the jail root, and a
// Renamer decides the inner path a given outer resource gets staged to.
package jail

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathHasNoFilename is returned by FlatRenamer when the outer path has no
// final path component to use as the inner filename.
var ErrPathHasNoFilename = errors.New("jail: path has no filename")

// PathIsUnmappedError is returned by MappingRenamer for outer paths absent
// from its table.
type PathIsUnmappedError struct {
	Path string
}

func (e *PathIsUnmappedError) Error() string {
	return fmt.Sprintf("jail: path is unmapped: %s", e.Path)
}

// Join returns the host path corresponding to the absolute inner path inner,
// rooted at outerRoot. Two absolute paths compose cleanly: a leading slash
// on inner is stripped before joining.
func Join(outerRoot, inner string) string {
	return filepath.Join(outerRoot, strings.TrimPrefix(inner, "/"))
}

// Renamer computes the inner (jail-relative, absolute) path a given outer
// resource should be staged to. Implementations must be referentially
// transparent: for the same outer input, RenameForJail must always return
// the same inner output (or the same error), since snapshot-restore needs to
// recompute inner paths for already-staged files.
type Renamer interface {
	RenameForJail(outer string) (inner string, err error)
}

// FlatRenamer renames every outer path to "/" + its filename. This is the
// default: most guest-visible resources are addressed by filename only
// inside the jail, and filename collisions across distinct outer
// directories are the caller's responsibility to avoid.
type FlatRenamer struct{}

func (FlatRenamer) RenameForJail(outer string) (string, error) {
	name := filepath.Base(filepath.Clean(outer))
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("%w: %q", ErrPathHasNoFilename, outer)
	}
	return "/" + name, nil
}

// MappingRenamer renames via an explicit outer->inner table. Outer paths
// absent from the table fail with PathIsUnmappedError.
type MappingRenamer struct {
	Mapping map[string]string
}

func NewMappingRenamer(mapping map[string]string) *MappingRenamer {
	cp := make(map[string]string, len(mapping))
	for k, v := range mapping {
		cp[k] = v
	}
	return &MappingRenamer{Mapping: cp}
}

func (m *MappingRenamer) RenameForJail(outer string) (string, error) {
	inner, ok := m.Mapping[outer]
	if !ok {
		return "", &PathIsUnmappedError{Path: outer}
	}
	return inner, nil
}
