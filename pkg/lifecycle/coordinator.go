package lifecycle

import (
	"fmt"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/markcwatson/mocker-go/pkg/cgroup"
	"github.com/markcwatson/mocker-go/pkg/netprov"
	"github.com/markcwatson/mocker-go/pkg/rollback"
	"github.com/markcwatson/mocker-go/pkg/rootfs"
	"github.com/markcwatson/mocker-go/pkg/spec"
)

// childSyncDelay is a pragmatic sleep between starting the child and
// provisioning its network, standing in for an explicit pipe-based
// barrier. It gives the child time to reach chroot and populate
// /etc/resolv.conf before the coordinator moves on.
const childSyncDelay = 50 * time.Millisecond

// Coordinator owns one container's lifecycle state machine — clone,
// attach to cgroup, provision networking, wait, clean up — and the LIFO
// teardown of everything it creates along the way.
type Coordinator struct {
	spec *spec.ContainerSpec
	log  *logrus.Logger
}

// New returns a Coordinator for one run of s.
func New(s *spec.ContainerSpec, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.New()
	}
	return &Coordinator{spec: s, log: log}
}

// Result carries the outcome of a completed run: the process's exit
// code, or 128+signal if it was killed by a signal.
type Result struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

// Run drives one container lifecycle end to end. It always returns a
// Result once the child has been cloned, even on a mid-run failure — the
// coordinator kills and reaps the child itself in that case and reports
// exit code 1 — so callers never need a second path for "setup failed
// after clone".
func (c *Coordinator) Run() (Result, error) {
	child, err := startChild(c.spec.ContainerRoot, c.spec.Command, c.log)
	if err != nil {
		return Result{ExitCode: 1}, err
	}

	undo := &rollback.Stack{}
	rfsBuilder := rootfs.New(c.spec.ContainerRoot, c.log)
	// Registered in execution order so the deferred LIFO unwind runs
	// rootfs teardown last: NAT rules -> veth -> cgroup dir -> rootfs,
	// the reverse of the order each was created in.
	defer rfsBuilder.Teardown()
	defer undo.Run()

	if err := c.attachCgroup(child.PID, undo); err != nil {
		c.killAndReap(child)
		return Result{ExitCode: 1}, err
	}

	time.Sleep(childSyncDelay)

	netp := netprov.New(c.log)
	if err := c.provisionNetwork(netp, child.PID, undo); err != nil {
		c.killAndReap(child)
		return Result{ExitCode: 1}, err
	}

	return c.wait(child)
}

// attachCgroup creates the cgroup directory, writes its limits, and
// enrolls the child PID. Any failure is a CgroupError; the caller kills
// the child before propagating it — a child running outside its
// intended cgroup is never allowed to continue.
func (c *Coordinator) attachCgroup(pid int, undo *rollback.Stack) error {
	h, err := cgroup.Create(c.spec.CgroupPath, cgroup.Limits{
		MemoryMaxBytes: c.spec.MemoryMaxBytes,
		CPUMaxPeriodUs: c.spec.CPUMaxPeriodUs,
	}, c.spec.ReuseCgroup, c.log)
	if err != nil {
		return &CgroupError{Op: "create", Err: err}
	}
	undo.Push(h.Cleanup)

	if err := h.AddProcess(pid); err != nil {
		return &CgroupError{Op: "attach pid", Err: err}
	}
	return nil
}

// provisionNetwork creates the veth pair, moves the container end into
// the child's netns, configures both ends, then enables forwarding and
// NAT. Every sub-step that creates a resource registers its own undo
// before moving to the next, so a failure partway through (e.g. a
// MoveToNamespace failure) leaves nothing but the deletions already
// pushed to unwind.
func (c *Coordinator) provisionNetwork(netp *netprov.Provisioner, pid int, undo *rollback.Stack) error {
	s := c.spec

	if err := netp.CreateVethPair(s.HostVethName, s.ContainerVethName); err != nil {
		return fmt.Errorf("create veth pair: %w", err)
	}
	undo.Push(func() { _ = netp.DeleteLink(s.HostVethName) })

	if err := netp.MoveToNamespace(s.ContainerVethName, pid); err != nil {
		return fmt.Errorf("move %s to child namespace: %w", s.ContainerVethName, err)
	}

	if err := netp.SetUp(s.HostVethName); err != nil {
		return fmt.Errorf("bring up %s: %w", s.HostVethName, err)
	}
	if err := netp.AssignIPv4(s.HostVethName, s.HostIP, s.PrefixLen); err != nil {
		return fmt.Errorf("assign host ip: %w", err)
	}

	if err := netp.ConfigureContainerSide(pid, s.ContainerVethName, s.ContainerIP, s.PrefixLen, s.HostIP); err != nil {
		return fmt.Errorf("configure container side: %w", err)
	}

	if err := netprov.EnableIPForwarding(); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	// Pushed before installing: InstallMasquerade adds three rules, and a
	// failure after the first must still have its rules removed.
	undo.Push(func() { _ = netprov.RemoveMasquerade(s.ContainerNetwork, s.HostVethName) })
	if err := netprov.InstallMasquerade(s.ContainerNetwork, s.HostVethName); err != nil {
		return fmt.Errorf("install masquerade: %w", err)
	}

	return nil
}

// wait blocks for the child's exit and translates its wait status into
// a Result.
func (c *Coordinator) wait(child *ChildHandle) (Result, error) {
	err := child.Cmd.Wait()
	state := child.Cmd.ProcessState
	if state == nil {
		return Result{ExitCode: 1}, fmt.Errorf("wait for child: %w", err)
	}

	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return Result{ExitCode: state.ExitCode()}, nil
	}
	if ws.Signaled() {
		c.log.WithField("signal", ws.Signal()).Warn("container killed by signal")
		return Result{ExitCode: 128 + int(ws.Signal()), Signaled: true, Signal: ws.Signal()}, nil
	}
	return Result{ExitCode: ws.ExitStatus()}, nil
}

// killAndReap SIGKILLs the child and reaps it, swallowing errors from a
// process that has already exited on its own. Centralizing this here
// keeps every other component from having to kill the child directly.
func (c *Coordinator) killAndReap(child *ChildHandle) {
	if child.Cmd.Process != nil {
		_ = child.Cmd.Process.Kill()
	}
	_ = child.Cmd.Wait()
}
