// Package planner implements the Deployment Planner, component C:
// turning a loaded Node Descriptor into an ordered set of launch
// requests, partitioning standalone placements (spawn their own
// process) from composite-shared placements (attach to an already
// running parent's process), and matching each against the host
// profile in parallel.
package planner

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sdrkit/devmgr/internal/capability"
	"github.com/sdrkit/devmgr/internal/descriptor"
	"github.com/sdrkit/devmgr/internal/logging"
)

var log = logging.New("planner")

// Item is one placement's fully matched deployment plan: the package,
// the chosen implementation and its dependency chain, plus the
// requesting instantiation.
type Item struct {
	Placement descriptor.Placement
	Instance  descriptor.Instantiation
	Matched   *capability.Matched
	PropFile  *descriptor.PropertyFile
}

// Failure records a placement/instantiation the planner could not
// resolve, dropped with an error record per spec.md §4.C rather than
// aborting the whole plan.
type Failure struct {
	Placement descriptor.Placement
	Instance  descriptor.Instantiation
	Err       error
}

// Plan is the planner's output: successfully matched items, split into
// standalone and composite-shared groups (composite children must be
// deployed only after their parent standalone item has been launched),
// plus the failures dropped along the way. A placement lands in
// Composite only when it both declares CompositePartOf and its matched
// implementation's Code is SharedLibrary (spec.md §4.C); a
// compositePartOf placement backed by an Executable implementation has
// no shared process to attach to and is deployed standalone instead.
type Plan struct {
	Standalone []*Item
	Composite  []*Item
	Failures   []Failure
}

// resolver is the subset of *descriptor.Loader the planner needs.
type resolver interface {
	capability.Resolver
	LoadPropertyFile(ctx context.Context, base, ref string) (*descriptor.PropertyFile, error)
}

// Build matches every placement in nd against host, running the
// per-placement matches concurrently via errgroup, bounded by Go's own
// scheduler the way the teacher bounds its own worker pools (no
// explicit semaphore needed for this fan-out width).
func Build(ctx context.Context, r resolver, nd *descriptor.NodeDescriptor, host *capability.HostProfile) *Plan {
	type outcome struct {
		matched  *capability.Matched
		propFile *descriptor.PropertyFile
		fail     *Failure
	}
	outcomes := make([]outcome, len(nd.Placements))

	g, gctx := errgroup.WithContext(ctx)
	for i, placement := range nd.Placements {
		i, placement := i, placement
		g.Go(func() error {
			pkg, err := r.LoadSoftwarePackage(gctx, "", placement.PackageRef)
			if err != nil {
				outcomes[i] = outcome{fail: &Failure{Placement: placement, Err: err}}
				return nil
			}
			m, err := capability.Match(gctx, r, pkg.SourcePath, pkg, host)
			if err != nil {
				outcomes[i] = outcome{fail: &Failure{Placement: placement, Err: err}}
				return nil
			}
			propFile, err := r.LoadPropertyFile(gctx, pkg.SourcePath, m.Implementation.PropertyFile)
			if err != nil {
				outcomes[i] = outcome{fail: &Failure{Placement: placement, Err: err}}
				return nil
			}
			outcomes[i] = outcome{matched: m, propFile: propFile}
			return nil
		})
	}
	// errgroup only fails if a Go func returns a non-nil error; every
	// per-placement failure above is recorded, not propagated, so Wait
	// always returns nil here.
	_ = g.Wait()

	plan := &Plan{}
	for i, placement := range nd.Placements {
		o := outcomes[i]
		if o.fail != nil {
			log.Errorf("dropping placement %s: %v", placement.PackageRef, o.fail.Err)
			plan.Failures = append(plan.Failures, *o.fail)
			continue
		}
		for _, inst := range placement.Instantiations {
			item := &Item{Placement: placement, Instance: inst, Matched: o.matched, PropFile: o.propFile}
			if placement.CompositePartOf != "" && o.matched.Implementation.Code == descriptor.CodeSharedLibrary {
				plan.Composite = append(plan.Composite, item)
			} else {
				plan.Standalone = append(plan.Standalone, item)
			}
		}
	}
	return plan
}
