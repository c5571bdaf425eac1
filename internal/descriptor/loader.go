package descriptor

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	deverrors "github.com/sdrkit/devmgr/internal/errors"
)

// wire structs mirror the public descriptor.* types but use YAML tags;
// keeping them distinct from the domain types lets the domain types
// stay free of serialization concerns, the same separation the teacher
// draws between its VDL-generated wire structs and its own
// local_spd.ProgramProfile-equivalent in-memory records.

type wireAllocation struct {
	Processor string `yaml:"processor,omitempty"`
	OS        string `yaml:"os,omitempty"`
}

type wireSoftpkgRef struct {
	Package string `yaml:"package"`
}

type wireImplementation struct {
	ID           string           `yaml:"id"`
	Allocations  []wireAllocation `yaml:"allocations,omitempty"`
	Code         string           `yaml:"code"`
	Path         string           `yaml:"path"`
	EntryPoint   string           `yaml:"entryPoint,omitempty"`
	PropertyFile string           `yaml:"propertyFile,omitempty"`
	Dependencies []wireSoftpkgRef `yaml:"dependencies,omitempty"`
}

type wireSoftwarePackage struct {
	ID              string               `yaml:"id"`
	Name            string               `yaml:"name"`
	Kind            string               `yaml:"kind"`
	PropertyFile    string               `yaml:"propertyFile,omitempty"`
	Implementations []wireImplementation `yaml:"implementations"`
}

type wireProperty struct {
	ID       string `yaml:"id"`
	Value    string `yaml:"value,omitempty"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
	Kind     string `yaml:"kind"`
}

type wirePropertyFile struct {
	Properties []wireProperty `yaml:"properties"`
}

type wireInstantiation struct {
	ID        string         `yaml:"id"`
	UsageName string         `yaml:"usageName"`
	Overrides []wireProperty `yaml:"overrides,omitempty"`
}

type wirePlacement struct {
	Package         string              `yaml:"package"`
	Instantiations  []wireInstantiation `yaml:"instantiations"`
	CompositePartOf string              `yaml:"compositePartOf,omitempty"`
}

type wireNodeDescriptor struct {
	DevMgrID      string          `yaml:"devMgrId"`
	DevMgrLabel   string          `yaml:"devMgrLabel"`
	DomMgrPath    string          `yaml:"domMgrPath"`
	DevMgrSoftpkg string          `yaml:"devMgrSoftpkg"`
	Placements    []wirePlacement `yaml:"placements"`
}

// Loader loads Node Descriptors and Software Packages through a
// FileSystem, contract per spec.md §4.B: load(ref) -> Profile, failing
// with NotFound or ParseError. Every FileSystem read error, whatever its
// cause, is reported as NotFound; there is no separate I/O error kind.
// The loader is read-only and performs no retries.
type Loader struct {
	FS FileSystem
}

// NewLoader constructs a Loader over fs.
func NewLoader(fs FileSystem) *Loader {
	return &Loader{FS: fs}
}

// LoadNodeDescriptor loads and parses the Node Descriptor at ref.
func (l *Loader) LoadNodeDescriptor(ctx context.Context, ref string) (*NodeDescriptor, error) {
	data, err := l.FS.Read(ctx, "", ref)
	if err != nil {
		return nil, deverrors.New("LoadNodeDescriptor", deverrors.NotFound, err, "reading %s", ref)
	}
	var w wireNodeDescriptor
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, deverrors.New("LoadNodeDescriptor", deverrors.ParseError, err, "parsing %s", ref)
	}
	nd := &NodeDescriptor{
		DevMgrID:      w.DevMgrID,
		DevMgrLabel:   w.DevMgrLabel,
		DomMgrPath:    w.DomMgrPath,
		DevMgrSoftpkg: w.DevMgrSoftpkg,
	}
	for _, wp := range w.Placements {
		p := Placement{
			PackageRef:      wp.Package,
			CompositePartOf: wp.CompositePartOf,
		}
		for _, wi := range wp.Instantiations {
			inst := Instantiation{ID: wi.ID, UsageName: wi.UsageName}
			for _, wo := range wi.Overrides {
				inst.Overrides = append(inst.Overrides, Property{
					ID: wo.ID, Value: wo.Value, ReadOnly: wo.ReadOnly, Kind: PropertyKind(wo.Kind),
				})
			}
			p.Instantiations = append(p.Instantiations, inst)
		}
		nd.Placements = append(nd.Placements, p)
	}
	return nd, nil
}

// LoadSoftwarePackage loads and parses the Software Package at ref,
// resolved relative to base (the descriptor referencing it), per
// spec.md §4.B's relative-path resolution rule.
func (l *Loader) LoadSoftwarePackage(ctx context.Context, base, ref string) (*SoftwarePackage, error) {
	resolved := JoinRef(base, ref)
	data, err := l.FS.Read(ctx, base, ref)
	if err != nil {
		return nil, deverrors.New("LoadSoftwarePackage", deverrors.NotFound, err, "reading %s", resolved)
	}
	var w wireSoftwarePackage
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, deverrors.New("LoadSoftwarePackage", deverrors.ParseError, err, "parsing %s", resolved)
	}
	sp := &SoftwarePackage{
		ID:           w.ID,
		Name:         w.Name,
		Kind:         ComponentKind(w.Kind).Normalize(),
		PropertyFile: w.PropertyFile,
		SourcePath:   resolved,
	}
	for _, wi := range w.Implementations {
		impl := Implementation{
			ID:           wi.ID,
			Code:         CodeKind(wi.Code),
			CodePath:     wi.Path,
			EntryPoint:   wi.EntryPoint,
			PropertyFile: wi.PropertyFile,
		}
		for _, wa := range wi.Allocations {
			impl.Allocations = append(impl.Allocations, Allocation{Processor: wa.Processor, OS: wa.OS})
		}
		for _, wd := range wi.Dependencies {
			impl.Dependencies = append(impl.Dependencies, SoftpkgRef{PackageRef: wd.Package})
		}
		sp.Implementations = append(sp.Implementations, impl)
	}
	if len(sp.Implementations) == 0 {
		return nil, deverrors.New("LoadSoftwarePackage", deverrors.ParseError, nil, "%s declares no implementations", resolved)
	}
	return sp, nil
}

// LoadPropertyFile loads and parses the Property File at ref, resolved
// relative to base.
func (l *Loader) LoadPropertyFile(ctx context.Context, base, ref string) (*PropertyFile, error) {
	if ref == "" {
		return &PropertyFile{}, nil
	}
	resolved := JoinRef(base, ref)
	data, err := l.FS.Read(ctx, base, ref)
	if err != nil {
		return nil, deverrors.New("LoadPropertyFile", deverrors.NotFound, err, "reading %s", resolved)
	}
	var w wirePropertyFile
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, deverrors.New("LoadPropertyFile", deverrors.ParseError, err, "parsing %s", resolved)
	}
	pf := &PropertyFile{}
	for _, wp := range w.Properties {
		pf.Properties = append(pf.Properties, Property{
			ID: wp.ID, Value: wp.Value, ReadOnly: wp.ReadOnly, Kind: PropertyKind(wp.Kind),
		})
	}
	return pf, nil
}

// String implements fmt.Stringer for debug logging.
func (nd *NodeDescriptor) String() string {
	return fmt.Sprintf("NodeDescriptor{id=%s label=%s placements=%d}", nd.DevMgrID, nd.DevMgrLabel, len(nd.Placements))
}
