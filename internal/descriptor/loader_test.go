package descriptor

import (
	"context"
	"testing"
)

// memFS is an in-memory FileSystem fixture keyed by absolute path,
// resolving references the same way JoinRef does.
type memFS map[string]string

func (fs memFS) Read(_ context.Context, base, ref string) ([]byte, error) {
	resolved := JoinRef(base, ref)
	data, ok := fs[resolved]
	if !ok {
		return nil, &notFoundErr{resolved}
	}
	return []byte(data), nil
}

func (fs memFS) Resolve(base, ref string) string {
	return JoinRef(base, ref)
}

type notFoundErr struct{ path string }

func (e *notFoundErr) Error() string { return "no such file: " + e.path }

func TestLoadNodeDescriptor(t *testing.T) {
	fs := memFS{
		"/node.yaml": `
devMgrId: DCE:1234
devMgrLabel: DevMgr1
domMgrPath: /domain1/DomainManager
placements:
  - package: /devices/radio.yaml
    instantiations:
      - id: inst1
        usageName: radio1
`,
	}
	l := NewLoader(fs)
	nd, err := l.LoadNodeDescriptor(context.Background(), "/node.yaml")
	if err != nil {
		t.Fatalf("LoadNodeDescriptor: %v", err)
	}
	if got, want := nd.DevMgrLabel, "DevMgr1"; got != want {
		t.Errorf("DevMgrLabel: got %q, want %q", got, want)
	}
	if got, want := len(nd.Placements), 1; got != want {
		t.Fatalf("len(Placements): got %d, want %d", got, want)
	}
	if got, want := nd.Placements[0].Instantiations[0].UsageName, "radio1"; got != want {
		t.Errorf("UsageName: got %q, want %q", got, want)
	}
}

func TestLoadSoftwarePackageResolvesRelativeToBase(t *testing.T) {
	fs := memFS{
		"/devices/radio.yaml": `
id: DCE:radio
name: radio
kind: device
implementations:
  - id: impl1
    code: Executable
    path: radio_bin
    allocations:
      - processor: x86_64
        os: linux
`,
	}
	l := NewLoader(fs)
	sp, err := l.LoadSoftwarePackage(context.Background(), "/node.yaml", "/devices/radio.yaml")
	if err != nil {
		t.Fatalf("LoadSoftwarePackage: %v", err)
	}
	if got, want := sp.Kind, KindDevice; got != want {
		t.Errorf("Kind: got %v, want %v", got, want)
	}
	if got, want := len(sp.Implementations), 1; got != want {
		t.Fatalf("len(Implementations): got %d, want %d", got, want)
	}
	if got, want := sp.Implementations[0].Allocations[0].Processor, "x86_64"; got != want {
		t.Errorf("Allocations[0].Processor: got %q, want %q", got, want)
	}
}

func TestLoadSoftwarePackageRejectsNoImplementations(t *testing.T) {
	fs := memFS{
		"/devices/empty.yaml": "id: DCE:empty\nname: empty\nkind: device\n",
	}
	l := NewLoader(fs)
	if _, err := l.LoadSoftwarePackage(context.Background(), "", "/devices/empty.yaml"); err == nil {
		t.Fatal("expected an error for a package with zero implementations")
	}
}

func TestLoadPropertyFileEmptyRefReturnsEmptyFile(t *testing.T) {
	l := NewLoader(memFS{})
	pf, err := l.LoadPropertyFile(context.Background(), "/devices/radio.yaml", "")
	if err != nil {
		t.Fatalf("LoadPropertyFile: %v", err)
	}
	if got, want := len(pf.Properties), 0; got != want {
		t.Errorf("len(Properties): got %d, want %d", got, want)
	}
}
