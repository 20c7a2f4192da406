package rootfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func fakeBusybox(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "busybox")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake busybox: %v", err)
	}
	return path
}

func TestSetupStagesBusyboxAndSymlinks(t *testing.T) {
	orig := busyboxSrcPath
	busyboxSrcPath = fakeBusybox(t)
	defer func() { busyboxSrcPath = orig }()

	root := filepath.Join(t.TempDir(), "container-root")
	b := New(root, discardLogger())

	if err := b.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Teardown()

	for _, dir := range []string{"bin", "proc", "sys", "dev", "etc", "tmp"} {
		if fi, err := os.Stat(filepath.Join(root, dir)); err != nil || !fi.IsDir() {
			t.Fatalf("expected directory %s to exist: %v", dir, err)
		}
	}

	busybox := filepath.Join(root, "bin", "busybox")
	if fi, err := os.Stat(busybox); err != nil || fi.Mode()&0o111 == 0 {
		t.Fatalf("expected executable busybox at %s: %v", busybox, err)
	}

	for _, name := range symlinkedCommands {
		link := filepath.Join(root, "bin", name)
		target, err := os.Readlink(link)
		if err != nil {
			t.Fatalf("expected symlink %s: %v", name, err)
		}
		if target != "busybox" {
			t.Fatalf("symlink %s points at %q, want busybox", name, target)
		}
	}
}

func TestSetupFailsFastWithoutBusybox(t *testing.T) {
	orig := busyboxSrcPath
	busyboxSrcPath = filepath.Join(t.TempDir(), "does-not-exist")
	defer func() { busyboxSrcPath = orig }()

	root := filepath.Join(t.TempDir(), "container-root")
	b := New(root, discardLogger())

	err := b.Setup()
	if err == nil {
		t.Fatal("expected error when busybox source is absent")
	}
	if _, ok := err.(*FilesystemError); !ok {
		t.Fatalf("expected *FilesystemError, got %T", err)
	}
}

func TestTeardownRemovesRoot(t *testing.T) {
	orig := busyboxSrcPath
	busyboxSrcPath = fakeBusybox(t)
	defer func() { busyboxSrcPath = orig }()

	root := filepath.Join(t.TempDir(), "container-root")
	b := New(root, discardLogger())
	if err := b.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	b.Teardown()

	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("expected container root removed, stat err = %v", err)
	}
}

func TestPrivatizeMountsRequiresRoot(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("only meaningful as a non-root smoke check")
	}
	if err := PrivatizeMounts(); err == nil {
		t.Fatal("expected permission error privatizing the mount subtree as non-root")
	}
}
