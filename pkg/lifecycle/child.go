// Package lifecycle implements the LifecycleCoordinator state machine:
// clone a child into a fresh namespace set, attach it to a cgroup,
// provision its networking, wait for it, and tear everything down in
// reverse creation order. It is the Go counterpart of the original
// mocker C runtime's main() plus app/main.c's child_function.
//
// Go cannot portably call clone(2) with a caller-supplied function
// pointer and stack the way the C source does (a struct of child args
// plus a malloc'd stack): the runtime's own goroutine scheduler owns
// every OS thread's stack. The idiomatic Go substitute — used
// throughout the self-hosted-container corpus (creotiv-toy-docker's
// internal/run/init.go) — is a self re-exec: the parent starts
// /proc/self/exe again as an os/exec.Cmd with SysProcAttr.Cloneflags set
// to the namespace flags, and the re-executed process recognizes a
// sentinel leading argument and runs ChildMain instead of the normal CLI
// entrypoint. ChildHandle below wraps the resulting *exec.Cmd in place
// of the original's {pid, stack}.
package lifecycle

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/markcwatson/mocker-go/pkg/rootfs"
)

// ChildInitArg is the sentinel first argument that tells a re-exec'd
// process to run ChildMain instead of the ordinary CLI. It is checked
// directly against os.Args before any flag parsing happens, the same
// way runc-style tools special-case an early argv[0]/argv[1] rather than
// routing the re-exec path through the flag library.
const ChildInitArg = "__mocker_child_init__"

// containerRootEnv carries the container root path across the re-exec,
// since the child's own argv (after ChildInitArg) is the user's command
// line verbatim and must not be polluted with runtime plumbing.
const containerRootEnv = "MOCKER_CONTAINER_ROOT"

// logLevelEnv mirrors the CLI's --verbose/MOCKER_LOG toggle across the
// re-exec so the child logs at the same level as the parent.
const logLevelEnv = "MOCKER_LOG"

// IsChildInit reports whether args (typically os.Args[1:]) starts with
// the child re-exec sentinel.
func IsChildInit(args []string) bool {
	return len(args) > 0 && args[0] == ChildInitArg
}

// ChildHandle is the parent's view of the re-exec'd child: the running
// command and its PID, owned from Start until Wait returns.
type ChildHandle struct {
	Cmd *exec.Cmd
	PID int
}

// startChild launches a re-exec of the current binary into a fresh PID,
// mount, UTS, IPC, and network namespace, passing command as the
// argument vector ChildMain will execvp once rootfs setup completes.
// The child inherits the parent's stdio so the user sees the contained
// process's output directly.
func startChild(containerRoot string, command []string, log *logrus.Logger) (*ChildHandle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, &NamespaceError{Op: "resolve self executable", Err: err}
	}

	args := append([]string{ChildInitArg}, command...)
	cmd := exec.Command(self, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), containerRootEnv+"="+containerRoot)
	if log.Level == logrus.DebugLevel {
		cmd.Env = append(cmd.Env, logLevelEnv+"=1")
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNS |
			syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWIPC |
			syscall.CLONE_NEWNET,
	}

	if err := cmd.Start(); err != nil {
		return nil, &NamespaceError{Op: "clone child", Err: err}
	}

	log.WithField("pid", cmd.Process.Pid).Debug("child cloned into fresh namespaces")
	return &ChildHandle{Cmd: cmd, PID: cmd.Process.Pid}, nil
}

// ChildMain is the re-exec'd process's entire sub-machine: sethostname,
// stage and chroot into the container root, bring up loopback
// best-effort, then execvp the user's command (args, with ChildInitArg
// already stripped by the caller). It never returns on success —
// execve replaces the process image — and always returns a nonzero
// status on failure, mirroring child_function's handle_error calls.
func ChildMain(args []string) int {
	log := logrus.New()
	if os.Getenv(logLevelEnv) == "1" {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "mocker: child-init requires a command to exec")
		return 1
	}

	containerRoot := os.Getenv(containerRootEnv)
	if containerRoot == "" {
		fmt.Fprintln(os.Stderr, "mocker: child-init missing "+containerRootEnv)
		return 1
	}

	if err := unix.Sethostname([]byte("mocker")); err != nil {
		fmt.Fprintf(os.Stderr, "mocker: sethostname: %v\n", err)
		return 1
	}

	if err := rootfs.PrivatizeMounts(); err != nil {
		fmt.Fprintf(os.Stderr, "mocker: %v\n", err)
		return 1
	}

	builder := rootfs.New(containerRoot, log)
	if err := builder.Setup(); err != nil {
		fmt.Fprintf(os.Stderr, "mocker: %v\n", err)
		return 1
	}

	if err := unix.Chroot(containerRoot); err != nil {
		fmt.Fprintf(os.Stderr, "mocker: chroot: %v\n", err)
		return 1
	}
	if err := os.Chdir("/"); err != nil {
		fmt.Fprintf(os.Stderr, "mocker: chdir: %v\n", err)
		return 1
	}

	// Best-effort only: the outward-facing veth is brought up later by
	// the parent once it has been moved into this namespace. Only
	// busybox is available post-chroot, and it has no "ip" symlink
	// staged, so invoke its embedded ip applet directly by argv[0]
	// rather than adding ip to RootfsBuilder's symlink set.
	_ = exec.Command("/bin/busybox", "ip", "link", "set", "lo", "up").Run()

	bin, err := exec.LookPath(args[0])
	if err != nil {
		bin = args[0]
	}
	if err := unix.Exec(bin, args, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "mocker: execvp %s: %v\n", args[0], err)
		return 1
	}
	return 0
}
