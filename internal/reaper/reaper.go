// Package reaper implements the Child Reaper/Shutdown Supervisor,
// component H: tracking child pids, polling for unexpected exit, and
// driving the escalating shutdown sequence, grounded in the teacher's
// instance_reaping.go channel-command reaper and the REDHAWK
// original's killPendingDevices/abort/shutdown.
package reaper

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sdrkit/devmgr/internal/launch"
	"github.com/sdrkit/devmgr/internal/logging"
)

var log = logging.New("reaper")

// pollInterval mirrors the teacher's fixed one-second poll in
// processStatusPolling.
const pollInterval = time.Second

type watchCmd struct {
	label string
	pid   int // -1: stop watching, -2: forcibly suspend, >=0: start/update
}

// ExitFunc is invoked on the reaper's own goroutine when a watched
// child is discovered to have exited unexpectedly (i.e. while still
// watched; a label removed with StopWatching is no longer reported).
type ExitFunc func(label string, pid int)

// Reaper polls tracked child pids and reports unexpected exits,
// exactly the role the teacher's reaper struct plays, generalized from
// a fixed instance-directory glob to an in-memory label set.
type Reaper struct {
	cmd     chan watchCmd
	stopped chan struct{}
	onExit  ExitFunc
	once    sync.Once
}

// New starts a Reaper's polling goroutine. onExit is called whenever a
// tracked pid is found dead outside of an explicit StopWatching call.
func New(onExit ExitFunc) *Reaper {
	r := &Reaper{
		cmd:     make(chan watchCmd),
		stopped: make(chan struct{}),
		onExit:  onExit,
	}
	go r.run()
	return r
}

func (r *Reaper) run() {
	tracked := make(map[string]int)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	poll := func() {
		for label, pid := range tracked {
			if isAlive(pid) {
				continue
			}
			log.Infof("reaper observed %s (pid %d) exit", label, pid)
			delete(tracked, label)
			if r.onExit != nil {
				r.onExit(label, pid)
			}
		}
	}

	for {
		select {
		case c, ok := <-r.cmd:
			if !ok {
				return
			}
			switch {
			case c.pid == -1:
				delete(tracked, c.label)
			case c.pid == -2:
				if pid, ok := tracked[c.label]; ok {
					forceKill(pid)
				}
			default:
				tracked[c.label] = c.pid
			}
		case <-ticker.C:
			poll()
		}
	}
}

// StartWatching begins tracking label's pid.
func (r *Reaper) StartWatching(label string, pid int) {
	select {
	case r.cmd <- watchCmd{label: label, pid: pid}:
	case <-r.stopped:
	}
}

// StopWatching stops tracking label without signalling it. The device
// manager's shutdown calls it before escalating against label, so that
// exit is not reported through onExit.
func (r *Reaper) StopWatching(label string) {
	select {
	case r.cmd <- watchCmd{label: label, pid: -1}:
	case <-r.stopped:
	}
}

// Shutdown stops the reaper's polling goroutine.
func (r *Reaper) Shutdown() {
	r.once.Do(func() {
		close(r.cmd)
		close(r.stopped)
	})
}

func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	running, err := process.PidExists(int32(pid))
	if err != nil {
		return launch.IsAlive(pid)
	}
	return running
}

func forceKill(pid int) {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		log.Infof("forciblySuspend: kill(%d, SIGKILL) failed: %v", pid, err)
	}
}

// StageDeadline is one step of an escalating shutdown: send Sig, then
// wait up to Timeout for the process to exit before moving to the next
// stage.
type StageDeadline struct {
	Sig     launch.Signal
	Timeout time.Duration
}

// DeviceShutdownStages is spec.md §4.H's escalation for devices:
// SIGINT, then SIGTERM, then SIGKILL, each bounded by
// DEVICE_FORCE_QUIT_TIME, grounded in the original's
// killPendingDevices(SIGINT, t); killPendingDevices(SIGTERM, t);
// killPendingDevices(SIGKILL, 0) sequence in shutdown().
func DeviceShutdownStages(forceQuitTime time.Duration) []StageDeadline {
	return []StageDeadline{
		{Sig: launch.SigInterrupt, Timeout: forceQuitTime},
		{Sig: launch.SigTerminate, Timeout: forceQuitTime},
		{Sig: launch.SigKill, Timeout: 0},
	}
}

// ServiceShutdownStages is spec.md §4.H's escalation for services:
// SIGTERM then SIGKILL, no SIGINT stage, grounded in
// clean_registeredServices' kill(servicePid, SIGTERM) followed by a
// SIGKILL sweep of stragglers.
func ServiceShutdownStages(forceQuitTime time.Duration) []StageDeadline {
	return []StageDeadline{
		{Sig: launch.SigTerminate, Timeout: forceQuitTime},
		{Sig: launch.SigKill, Timeout: 0},
	}
}

// Escalate drives proc through stages, signalling it and waiting up to
// each stage's timeout for exit before moving on. It returns nil as
// soon as the process exits at any stage.
func Escalate(ctx context.Context, proc *launch.Process, stages []StageDeadline) error {
	for _, stage := range stages {
		if !isAlive(proc.Pid) {
			return nil
		}
		if err := proc.Kill(stage.Sig); err != nil {
			log.Infof("signal %v to pid %d failed (already gone?): %v", stage.Sig, proc.Pid, err)
		}
		if stage.Timeout <= 0 {
			continue
		}
		waitCtx, cancel := context.WithTimeout(ctx, stage.Timeout)
		done := make(chan struct{})
		go func() {
			proc.Wait(waitCtx)
			close(done)
		}()
		select {
		case <-done:
			cancel()
			return nil
		case <-waitCtx.Done():
			cancel()
		}
	}
	return nil
}
