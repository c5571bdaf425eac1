package reaper

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sdrkit/devmgr/internal/launch"
)

func nativeSignalForTest(s launch.Signal) syscall.Signal {
	switch s {
	case launch.SigInterrupt:
		return syscall.SIGINT
	case launch.SigTerminate:
		return syscall.SIGTERM
	default:
		return syscall.SIGKILL
	}
}

func TestReaperReportsUnexpectedExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting fixture process: %v", err)
	}
	pid := cmd.Process.Pid

	var mu sync.Mutex
	var exited string
	done := make(chan struct{})
	r := New(func(label string, gotPid int) {
		mu.Lock()
		exited = label
		mu.Unlock()
		close(done)
	})
	defer r.Shutdown()

	r.StartWatching("fixture", pid)
	cmd.Wait()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("reaper did not report the fixture process exiting")
	}

	mu.Lock()
	defer mu.Unlock()
	if got, want := exited, "fixture"; got != want {
		t.Errorf("onExit label: got %q, want %q", got, want)
	}
}

func TestStopWatchingSuppressesOnExit(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting fixture process: %v", err)
	}

	called := make(chan struct{}, 1)
	r := New(func(string, int) { called <- struct{}{} })
	defer r.Shutdown()

	r.StartWatching("fixture", cmd.Process.Pid)
	cmd.Wait()
	r.StopWatching("fixture")

	select {
	case <-called:
		t.Fatal("onExit fired after StopWatching")
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestEscalateReturnsAssoonAsProcessExits(t *testing.T) {
	cmd := exec.Command("sh", "-c", "trap 'exit 0' TERM; sleep 5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting fixture process: %v", err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	proc := &launch.Process{
		Pid: cmd.Process.Pid,
		Wait: func(ctx context.Context) error {
			select {
			case err := <-waitErr:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Kill: func(sig launch.Signal) error {
			return cmd.Process.Signal(nativeSignalForTest(sig))
		},
	}

	stages := DeviceShutdownStages(2 * time.Second)
	start := time.Now()
	if err := Escalate(context.Background(), proc, stages); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Escalate took %v, expected the process to exit within the first stage", elapsed)
	}
}
