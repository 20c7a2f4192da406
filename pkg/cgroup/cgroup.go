// Package cgroup creates and tears down the cgroup v2 directory a
// container's child process runs under, enforcing a memory ceiling and a
// CPU quota.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Handle is an open cgroup directory plus the lock file guarding it,
// replacing the original C source's single global cgroup_config_s with
// an explicit value threaded through the caller instead of package state.
type Handle struct {
	path   string
	lockFd *os.File
	log    *logrus.Logger
}

// defaultCPUAccountingPeriodUs is the fixed period field written to
// cpu.max's second column. The quota (first column) is the caller's
// CPUMaxPeriodUs, so a value equal to this period grants one full CPU.
const defaultCPUAccountingPeriodUs = 100000

// Limits bounds the resources granted to the cgroup.
type Limits struct {
	MemoryMaxBytes uint64
	// CPUMaxPeriodUs is written as the cpu.max quota, against a fixed
	// defaultCPUAccountingPeriodUs period: a value equal to the period
	// grants one full CPU, so CPUMaxPeriodUs acts as a simple CPU-time
	// fraction when altered.
	CPUMaxPeriodUs uint64
}

// Create makes the cgroup directory at path and writes memory.max and
// cpu.max, mirroring setup_cgroup in cgroup.c. A lock file alongside the
// cgroup directory is flocked without blocking and stays locked by the
// returned Handle until Cleanup, the same advisory-lock discipline an
// IPAM store uses to guard a shared piece of on-disk state — here
// guarding against two mocker invocations racing to create the same
// cgroup path: a second Create on a locked path fails at once.
//
// Unlike the original, cpu.max is written as "<quota> <period>", the
// two-field form cgroup v2 requires; the original's fprintf(f, "%d", ...)
// wrote a bare integer, which the kernel accepts as a malformed write on
// modern cgroup v2 and silently leaves the CPU controller unconstrained.
func Create(path string, limits Limits, reuse bool, log *logrus.Logger) (*Handle, error) {
	lockFd, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cgroup lock: %w", err)
	}
	if err := syscall.Flock(int(lockFd.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFd.Close()
		return nil, fmt.Errorf("lock cgroup path: %w", err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		if os.IsExist(err) && reuse {
			log.WithField("path", path).Debug("reusing existing cgroup directory")
		} else {
			syscall.Flock(int(lockFd.Fd()), syscall.LOCK_UN)
			_ = lockFd.Close()
			return nil, fmt.Errorf("create cgroup directory: %w", err)
		}
	}

	h := &Handle{path: path, lockFd: lockFd, log: log}

	if err := h.write("memory.max", strconv.FormatUint(limits.MemoryMaxBytes, 10)); err != nil {
		h.unlock()
		return nil, err
	}

	cpuMax := fmt.Sprintf("%d %d", limits.CPUMaxPeriodUs, defaultCPUAccountingPeriodUs)
	if err := h.write("cpu.max", cpuMax); err != nil {
		h.unlock()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"path":       path,
		"memory_max": limits.MemoryMaxBytes,
		"cpu_period": limits.CPUMaxPeriodUs,
	}).Debug("cgroup limits configured")

	return h, nil
}

// AddProcess joins pid to the cgroup by writing cgroup.procs, mirroring
// setup_cgroup's final step.
func (h *Handle) AddProcess(pid int) error {
	if err := h.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return err
	}
	h.log.WithFields(logrus.Fields{"path": h.path, "pid": pid}).Debug("process joined cgroup")
	return nil
}

// Cleanup removes the cgroup directory and releases the lock, mirroring
// cleanup_cgroup. It is best-effort: an rmdir failure (e.g. EBUSY because
// a process is still attached) is logged, not returned, matching the
// original's unconditional rmdir with no error check.
func (h *Handle) Cleanup() {
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		h.log.WithError(err).WithField("path", h.path).Warn("cgroup cleanup: rmdir failed")
	}
	h.unlock()
}

func (h *Handle) unlock() {
	syscall.Flock(int(h.lockFd.Fd()), syscall.LOCK_UN)
	_ = h.lockFd.Close()
	_ = os.Remove(h.path + ".lock")
}

func (h *Handle) write(file, value string) error {
	full := filepath.Join(h.path, file)
	if err := os.WriteFile(full, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", full, err)
	}
	return nil
}
