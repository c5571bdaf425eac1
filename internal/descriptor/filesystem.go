package descriptor

import (
	"context"
	"path"
)

// FileSystem is the abstract file system the descriptor loader reads
// through. spec.md §1 lists the abstract file system as an external
// collaborator; this interface is its stated contract. A concrete
// implementation over the local disk lives in cmd/devmgr; tests use an
// in-memory one.
type FileSystem interface {
	// Read returns the full contents named by ref, which may be
	// absolute or relative to base (the containing descriptor's own
	// path, per spec.md §4.B).
	Read(ctx context.Context, base, ref string) ([]byte, error)
	// Resolve returns the absolute path ref would resolve to relative
	// to base, without reading it. Nothing in this module calls it:
	// launch.BuildSpec copies an implementation's CodePath into
	// Spec.ExecutablePath unresolved.
	Resolve(base, ref string) string
}

// JoinRef resolves ref against base the way every SCA-descended system
// does: absolute references (leading '/') stand alone, everything else
// is relative to base's directory.
func JoinRef(base, ref string) string {
	if ref == "" {
		return base
	}
	if path.IsAbs(ref) {
		return path.Clean(ref)
	}
	return path.Join(path.Dir(base), ref)
}
