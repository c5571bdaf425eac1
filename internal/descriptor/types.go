// Package descriptor holds the in-memory deployment records produced
// by loading a Node Descriptor and its referenced Software Packages,
// mirroring spec.md §3's Data Model. Parsing itself is pluggable (the
// distilled spec treats DCD/SPD/PRF parsing as an external
// collaborator); this package supplies a concrete YAML-based parser in
// loader.go, grounded in the teacher's own profile.Specification-style
// plain data structs.
package descriptor

// ComponentKind is a software package's declared component kind.
type ComponentKind string

const (
	KindDevice           ComponentKind = "device"
	KindLoadableDevice   ComponentKind = "loadabledevice"
	KindExecutableDevice ComponentKind = "executabledevice"
	KindService          ComponentKind = "service"
)

// Normalize maps loadabledevice/executabledevice onto device, per
// spec.md §3.
func (k ComponentKind) Normalize() ComponentKind {
	switch k {
	case KindLoadableDevice, KindExecutableDevice:
		return KindDevice
	default:
		return k
	}
}

// CodeKind is an implementation's deployable form.
type CodeKind string

const (
	CodeExecutable    CodeKind = "Executable"
	CodeSharedLibrary CodeKind = "SharedLibrary"
)

// Property is one entry from a property file (PRF analog): a
// construct, configure, exec or factory parameter with an optional
// value and read-only flag.
type Property struct {
	ID       string
	Value    string
	ReadOnly bool
	Kind     PropertyKind
}

// PropertyKind distinguishes the four PRF property categories.
type PropertyKind string

const (
	PropertyConstruct  PropertyKind = "construct"
	PropertyConfigure  PropertyKind = "configure"
	PropertyExec       PropertyKind = "exec"
	PropertyFactory    PropertyKind = "factory"
)

// PropertyFile is the parsed contents of a PRF reference.
type PropertyFile struct {
	Properties []Property
}

// NonNil returns the properties of the given kind that carry a
// non-empty value, mirroring spdinfo->getNonNilConstructProperties()
// and getNonNilConfigureProperties() in the REDHAWK original.
func (p *PropertyFile) NonNil(kind PropertyKind) []Property {
	var out []Property
	for _, prop := range p.Properties {
		if prop.Kind == kind && prop.Value != "" {
			out = append(out, prop)
		}
	}
	return out
}

// NonReadOnly filters construct properties down to the ones the
// launcher is allowed to pass through as construction parameters
// (spec.md §4.D: "filtered to non-read-only entries").
func (p *PropertyFile) NonReadOnly(kind PropertyKind) []Property {
	var out []Property
	for _, prop := range p.Properties {
		if prop.Kind == kind && !prop.ReadOnly {
			out = append(out, prop)
		}
	}
	return out
}

// Allocation is one processor/OS constraint an implementation declares.
type Allocation struct {
	Processor string
	OS        string
}

// Satisfies reports whether this allocation's non-empty fields are all
// matched by the host's corresponding facts.
func (a Allocation) Satisfies(hostProcessor, hostOS string) bool {
	if a.Processor != "" && a.Processor != hostProcessor {
		return false
	}
	if a.OS != "" && a.OS != hostOS {
		return false
	}
	return true
}

// SoftpkgRef names a dependency on another Software Package that must
// itself be matched against the host.
type SoftpkgRef struct {
	PackageRef string // file reference to the dependency's SPD
}

// Implementation is one deployable variant of a Software Package.
type Implementation struct {
	ID           string
	Allocations  []Allocation
	Code         CodeKind
	CodePath     string // absolute or relative to the containing SPD
	EntryPoint   string
	PropertyFile string // file reference, optional
	Dependencies []SoftpkgRef
}

// Satisfies reports whether any of the implementation's allocations
// (or no allocations at all) are satisfied by the host facts. An
// implementation with zero allocation predicates always matches,
// mirroring the REDHAWK convention that an empty <usesdeviceref>/
// allocation list imposes no constraint.
func (impl *Implementation) Satisfies(hostProcessor, hostOS string) bool {
	if len(impl.Allocations) == 0 {
		return true
	}
	for _, a := range impl.Allocations {
		if a.Satisfies(hostProcessor, hostOS) {
			return true
		}
	}
	return false
}

// SoftwarePackage is a device or service's self-description.
type SoftwarePackage struct {
	ID              string
	Name            string
	Kind            ComponentKind
	Implementations []Implementation
	PropertyFile    string // file reference, optional

	// SourcePath is where this package was loaded from, used to resolve
	// relative references inside it (spec.md §4.B: "resolved relative
	// to their containing descriptor's path unless absolute").
	SourcePath string
}

// Instantiation is one concrete instance requested by a Placement.
type Instantiation struct {
	ID         string
	UsageName  string
	Overrides  []Property
}

// Placement is one entry in the Node Descriptor.
type Placement struct {
	PackageRef      string // file reference to the Software Package
	Instantiations  []Instantiation
	CompositePartOf string // instantiation id of a parent placement, optional
}

// NodeDescriptor is the top-level input artifact, spec.md §3.
type NodeDescriptor struct {
	DevMgrID        string
	DevMgrLabel     string
	DomMgrPath      string
	DevMgrSoftpkg   string // file reference to the DevMgr's own SPD
	Placements      []Placement
}
