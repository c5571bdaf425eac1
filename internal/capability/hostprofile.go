// Package capability computes the host's runtime profile and matches
// Software Package implementations against it, component A of the
// device manager, grounded in the teacher's
// deviced/internal/impl/profile.go (ComputeDeviceProfile/matchProfiles)
// but sourced from github.com/shirou/gopsutil/v3 instead of shelling
// out to ldconfig/uname.
package capability

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sdrkit/devmgr/internal/logging"
)

var log = logging.New("capability")

// HostProfile is the runtime environment facts matched against an
// Implementation's Allocations, spec.md §4.A.
type HostProfile struct {
	Processor    string // runtime.GOARCH, e.g. "amd64"
	OS           string // host OS family, e.g. "linux"
	Platform     string // distribution/platform name, e.g. "ubuntu"
	KernelArch   string
	TotalMemory  uint64
	NumCPU       int
}

// ComputeHostProfile probes the current host. It never fails the
// overall startup sequence: a probing error degrades to a profile with
// only the Go-runtime-derived fields populated, logged at Info, since
// allocation matching on Processor/OS alone still works without the
// richer facts.
func ComputeHostProfile(ctx context.Context) *HostProfile {
	p := &HostProfile{
		Processor: runtime.GOARCH,
		OS:        runtime.GOOS,
		NumCPU:    runtime.NumCPU(),
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		p.Platform = info.Platform
		p.KernelArch = info.KernelArch
	} else {
		log.Infof("host.Info failed, falling back to runtime facts: %v", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		p.TotalMemory = vm.Total
	}
	return p
}
