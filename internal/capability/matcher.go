package capability

import (
	"context"

	"github.com/sdrkit/devmgr/internal/descriptor"
	deverrors "github.com/sdrkit/devmgr/internal/errors"
)

// Resolver loads Software Packages by reference, the subset of
// *descriptor.Loader the matcher needs; kept as an interface so tests
// can supply an in-memory fixture without a FileSystem.
type Resolver interface {
	LoadSoftwarePackage(ctx context.Context, base, ref string) (*descriptor.SoftwarePackage, error)
}

// Matched is the outcome of a successful match: the chosen
// implementation plus every dependency package resolved along the way,
// in the order they must be deployed (dependencies before dependents),
// mirroring the REDHAWK original's depth-first softpkg dependency walk.
type Matched struct {
	Package        *descriptor.SoftwarePackage
	Implementation *descriptor.Implementation
	Dependencies   []Matched
}

// Match selects the first implementation (in declaration order) whose
// Allocations are satisfied by host, resolving its softpkg dependencies
// recursively. Per spec.md §4.A: declaration-order first-match, and
// dependency resolution is all-or-nothing — if any dependency fails to
// resolve, the candidate implementation as a whole is rejected and the
// next one is tried.
func Match(ctx context.Context, r Resolver, base string, pkg *descriptor.SoftwarePackage, host *HostProfile) (*Matched, error) {
	return match(ctx, r, base, pkg, host, map[string]bool{})
}

// match is Match with seen carried through the whole recursive walk, so
// a dependency already on the current path is reported as a cycle.
func match(ctx context.Context, r Resolver, base string, pkg *descriptor.SoftwarePackage, host *HostProfile, seen map[string]bool) (*Matched, error) {
	var lastErr error
	for i := range pkg.Implementations {
		impl := &pkg.Implementations[i]
		if !impl.Satisfies(host.Processor, host.OS) {
			continue
		}
		deps, err := resolveDependencies(ctx, r, pkg.SourcePath, impl, host, seen)
		if err != nil {
			lastErr = err
			continue
		}
		return &Matched{Package: pkg, Implementation: impl, Dependencies: deps}, nil
	}
	if lastErr != nil {
		return nil, deverrors.New("Match", deverrors.NoCompatibleImplementation, lastErr,
			"package %s: every candidate implementation failed dependency resolution", pkg.ID)
	}
	return nil, deverrors.New("Match", deverrors.NoCompatibleImplementation, nil,
		"package %s: no implementation satisfies host processor=%s os=%s", pkg.ID, host.Processor, host.OS)
}

// resolveDependencies walks impl's softpkg dependency graph depth-first,
// detecting cycles via seen (keyed by package reference) the same way
// the REDHAWK original guards against a softpkg depending on itself
// transitively.
func resolveDependencies(ctx context.Context, r Resolver, base string, impl *descriptor.Implementation, host *HostProfile, seen map[string]bool) ([]Matched, error) {
	var out []Matched
	for _, dep := range impl.Dependencies {
		if seen[dep.PackageRef] {
			return nil, deverrors.New("resolveDependencies", deverrors.ParseError, nil,
				"cyclic softpkg dependency on %s", dep.PackageRef)
		}
		seen[dep.PackageRef] = true
		depPkg, err := r.LoadSoftwarePackage(ctx, base, dep.PackageRef)
		if err != nil {
			delete(seen, dep.PackageRef)
			return nil, err
		}
		m, err := match(ctx, r, depPkg.SourcePath, depPkg, host, seen)
		delete(seen, dep.PackageRef)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}
