// Package rootfs builds the minimal container root filesystem: a mount
// tree marked private, a busybox-backed /bin, and proc/sysfs/devtmpfs
// mountpoints, mirroring original_source/src/file_system.c.
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// symlinkedCommands are the busybox applets the original source links
// into the staged rootfs.
var symlinkedCommands = []string{"sh", "ls", "ps", "mount", "umount", "mkdir", "echo", "cat", "pwd"}

// busyboxSrcPath is the host binary staged into the container root.
// Overridable in tests.
var busyboxSrcPath = "/bin/busybox"

// Builder stages a container root at Root and tears it down afterward.
type Builder struct {
	Root string
	log  *logrus.Logger
}

// New returns a Builder rooted at root.
func New(root string, log *logrus.Logger) *Builder {
	return &Builder{Root: root, log: log}
}

// FilesystemError wraps a fatal mount/mkdir/chroot/chdir failure inside
// the container root setup.
type FilesystemError struct {
	Op  string
	Err error
}

func (e *FilesystemError) Error() string { return fmt.Sprintf("filesystem: %s: %v", e.Op, e.Err) }
func (e *FilesystemError) Unwrap() error { return e.Err }

// Setup creates the container root tree, stages busybox and its
// symlinks, and mounts proc/sysfs/devtmpfs inside it. Called from inside
// the child process, after the mount namespace has already been made
// private by the caller (see PrivatizeMounts) — setup_container_root in
// file_system.c does the equivalent sequence but relies on the process
// already being unshared into its own mount namespace by the time it
// runs.
//
// Individual mount failures are logged, not fatal (a missing devtmpfs is
// expected inside nested containers); busybox's absence is fatal, since
// neither original variant tolerates it either.
func (b *Builder) Setup() error {
	if err := os.RemoveAll(b.Root); err != nil {
		return &FilesystemError{Op: "remove stale root", Err: err}
	}

	dirs := []string{
		b.Root,
		filepath.Join(b.Root, "bin"),
		filepath.Join(b.Root, "proc"),
		filepath.Join(b.Root, "sys"),
		filepath.Join(b.Root, "dev"),
		filepath.Join(b.Root, "etc"),
		filepath.Join(b.Root, "tmp"),
	}
	for _, dir := range dirs {
		b.log.WithField("dir", dir).Debug("creating rootfs directory")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &FilesystemError{Op: "mkdir " + dir, Err: err}
		}
	}

	if err := b.stageBusybox(); err != nil {
		return err
	}

	for _, name := range symlinkedCommands {
		link := filepath.Join(b.Root, "bin", name)
		if err := os.Symlink("busybox", link); err != nil && !os.IsExist(err) {
			b.log.WithError(err).WithField("command", name).Warn("failed to create busybox symlink")
		}
	}

	b.mountOptional("proc", filepath.Join(b.Root, "proc"), "proc", 0)
	b.mountOptional("sysfs", filepath.Join(b.Root, "sys"), "sysfs", 0)
	b.mountOptional("devtmpfs", filepath.Join(b.Root, "dev"), "devtmpfs", 0)

	if err := b.copyResolvConf(); err != nil {
		b.log.WithError(err).Warn("failed to copy /etc/resolv.conf into container root")
	}

	b.log.WithField("root", b.Root).Debug("container root ready")
	return nil
}

// stageBusybox copies the host's busybox binary into the container root
// and marks it executable. Busybox's absence is fatal — fail fast rather
// than invent an image-pull fallback.
func (b *Builder) stageBusybox() error {
	dst := filepath.Join(b.Root, "bin", "busybox")

	content, err := os.ReadFile(busyboxSrcPath)
	if err != nil {
		return &FilesystemError{Op: "read busybox", Err: err}
	}
	if err := os.WriteFile(dst, content, 0o755); err != nil {
		return &FilesystemError{Op: "stage busybox", Err: err}
	}
	b.log.WithField("path", dst).Debug("busybox staged")
	return nil
}

func (b *Builder) mountOptional(source, target, fstype string, flags uintptr) {
	b.log.WithFields(logrus.Fields{"source": source, "target": target}).Debug("mounting")
	if err := unix.Mount(source, target, fstype, flags, ""); err != nil {
		b.log.WithError(err).WithField("target", target).Warn("mount failed, continuing")
	}
}

// copyResolvConf copies the host's /etc/resolv.conf into the container
// root so DNS resolution works out of the box, matching the "setup_dns"
// step in networking.c.
func (b *Builder) copyResolvConf() error {
	content, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(b.Root, "etc"), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.Root, "etc", "resolv.conf"), content, 0o644)
}

// PrivatizeMounts marks the whole mount subtree private and recursive,
// preventing the proc/sysfs/devtmpfs mounts Setup performs from leaking
// into the host's mount table. Must run before Setup, inside the child's
// own mount namespace.
func PrivatizeMounts() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return &FilesystemError{Op: "privatize mount subtree", Err: err}
	}
	return nil
}

// Teardown unmounts dev/sys/proc with MNT_DETACH (tolerating busy mounts
// during races) in reverse order, then recursively removes the container
// root. Runs parent-side after the child exits, mirroring
// cleanup_container_root. Best-effort: every step logs and continues on
// failure rather than returning an error, since there's nothing further
// upstream can do about it.
func (b *Builder) Teardown() {
	mountpoints := []string{
		filepath.Join(b.Root, "dev"),
		filepath.Join(b.Root, "sys"),
		filepath.Join(b.Root, "proc"),
	}
	for _, mp := range mountpoints {
		b.log.WithField("target", mp).Debug("unmounting")
		if err := unix.Unmount(mp, unix.MNT_DETACH); err != nil {
			b.log.WithError(err).WithField("target", mp).Warn("unmount failed, continuing")
		}
	}

	if err := os.RemoveAll(b.Root); err != nil {
		b.log.WithError(err).WithField("root", b.Root).Warn("failed to remove container root")
	}
}
