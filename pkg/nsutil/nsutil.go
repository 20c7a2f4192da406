// Package nsutil implements the scoped namespace-entry discipline the
// netlink provisioner needs when it must operate inside a container's
// network namespace: capture the caller's current namespace, enter the
// target, run one operation, and guarantee the caller's namespace is
// restored before returning — on every exit path, including failure
// partway through.
package nsutil

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Kind names a /proc/<pid>/ns/<kind> entry.
type Kind string

const (
	Net   Kind = "net"
	Mount Kind = "mnt"
	UTS   Kind = "uts"
	IPC   Kind = "ipc"
	PID   Kind = "pid"
)

// Cursor holds the host-side namespace handle captured by Enter, pinned
// to the OS thread it was entered on. Dropping a Cursor without calling
// Restore is a programming error — use Do instead of Enter/Restore
// directly wherever possible, since Do closes that gap.
type Cursor struct {
	kind     Kind
	saved    *os.File
	savedNet netns.NsHandle
	log      *logrus.Logger
}

// Enter locks the calling goroutine to its OS thread, captures that
// thread's current namespace of the given kind, and switches it into
// targetPid's namespace of the same kind. kind == Net is backed by
// vishvananda/netns, which knows how to open and Set a network namespace
// handle; every other kind goes through a raw open + setns(2) pair via
// golang.org/x/sys/unix, since netns is net-namespace-specific.
func Enter(targetPid int, kind Kind, log *logrus.Logger) (*Cursor, error) {
	runtime.LockOSThread()

	if kind == Net {
		saved, err := netns.Get()
		if err != nil {
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("capture host net namespace: %w", err)
		}
		target, err := netns.GetFromPath(fmt.Sprintf("/proc/%d/ns/net", targetPid))
		if err != nil {
			saved.Close()
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("open target net namespace: %w", err)
		}
		defer target.Close()

		if err := netns.Set(target); err != nil {
			saved.Close()
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("enter target net namespace: %w", err)
		}

		log.WithField("target_pid", targetPid).Debug("entered target net namespace")
		return &Cursor{kind: kind, savedNet: saved, log: log}, nil
	}

	saved, err := os.Open(fmt.Sprintf("/proc/self/ns/%s", kind))
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("capture host %s namespace: %w", kind, err)
	}

	targetFile, err := os.Open(fmt.Sprintf("/proc/%d/ns/%s", targetPid, kind))
	if err != nil {
		saved.Close()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("open target %s namespace: %w", kind, err)
	}
	defer targetFile.Close()

	if err := unix.Setns(int(targetFile.Fd()), 0); err != nil {
		saved.Close()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("enter target %s namespace: %w", kind, err)
	}

	log.WithFields(logrus.Fields{"kind": kind, "target_pid": targetPid}).Debug("entered target namespace")
	return &Cursor{kind: kind, saved: saved, log: log}, nil
}

// Restore re-enters the namespace captured by Enter and releases the
// saved handle. Callers must call Restore exactly once per Enter; Do
// enforces this automatically.
func (c *Cursor) Restore() error {
	defer runtime.UnlockOSThread()

	if c.kind == Net {
		defer c.savedNet.Close()
		if err := netns.Set(c.savedNet); err != nil {
			return fmt.Errorf("restore host net namespace: %w", err)
		}
		c.log.Debug("restored host net namespace")
		return nil
	}

	defer c.saved.Close()
	if err := unix.Setns(int(c.saved.Fd()), 0); err != nil {
		return fmt.Errorf("restore host %s namespace: %w", c.kind, err)
	}
	c.log.WithField("kind", c.kind).Debug("restored host namespace")
	return nil
}

// Do enters targetPid's namespace of the given kind, runs fn, and
// restores the caller's namespace before returning — unconditionally,
// whether fn succeeds, fails, or returns an error partway through. No
// exit path may bypass restoration.
func Do(targetPid int, kind Kind, log *logrus.Logger, fn func() error) error {
	cur, err := Enter(targetPid, kind, log)
	if err != nil {
		return err
	}

	fnErr := fn()
	restoreErr := cur.Restore()

	switch {
	case fnErr != nil && restoreErr != nil:
		return fmt.Errorf("%w (restore also failed: %v)", fnErr, restoreErr)
	case fnErr != nil:
		return fnErr
	default:
		return restoreErr
	}
}
