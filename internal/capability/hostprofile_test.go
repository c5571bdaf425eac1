package capability

import (
	"context"
	"runtime"
	"testing"
)

func TestComputeHostProfilePopulatesRuntimeFacts(t *testing.T) {
	p := ComputeHostProfile(context.Background())

	if got, want := p.Processor, runtime.GOARCH; got != want {
		t.Errorf("Processor: got %q, want %q", got, want)
	}
	if got, want := p.OS, runtime.GOOS; got != want {
		t.Errorf("OS: got %q, want %q", got, want)
	}
	if p.NumCPU <= 0 {
		t.Errorf("NumCPU: got %d, want > 0", p.NumCPU)
	}
}
