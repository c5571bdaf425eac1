package launch

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	deverrors "github.com/sdrkit/devmgr/internal/errors"
)

// NativeBackend spawns the executable directly on the host, mirroring
// the exec.Command/cmd.Start/cmd.Wait shape of testDeviceManager in
// the teacher, generalized from a single hardcoded deviced.sh to an
// arbitrary Spec.
type NativeBackend struct{}

// NewNativeBackend returns a Backend that execs host binaries.
func NewNativeBackend() *NativeBackend { return &NativeBackend{} }

func (b *NativeBackend) Start(ctx context.Context, spec *Spec) (*Process, error) {
	cmd := exec.Command(spec.ExecutablePath, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, deverrors.New("NativeBackend.Start", deverrors.LaunchFailed, err, "exec %s", spec.ExecutablePath)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	return &Process{
		Pid: cmd.Process.Pid,
		Wait: func(ctx context.Context) error {
			select {
			case err := <-waitErr:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Kill: func(sig Signal) error {
			return cmd.Process.Signal(nativeSignal(sig))
		},
	}, nil
}

func nativeSignal(s Signal) os.Signal {
	switch s {
	case SigInterrupt:
		return syscall.SIGINT
	case SigTerminate:
		return syscall.SIGTERM
	default:
		return syscall.SIGKILL
	}
}

// IsAlive reports whether pid is still running, the Go analog of the
// original's syscall.Kill(pid, 0) liveness probe in instance_reaping.go.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch err := syscall.Kill(pid, 0); err {
	case nil, syscall.EPERM:
		return true
	default:
		return false
	}
}
