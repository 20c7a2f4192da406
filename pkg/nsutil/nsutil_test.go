package nsutil

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func selfNetInode(t *testing.T) uint64 {
	t.Helper()
	fi, err := os.Stat("/proc/self/ns/net")
	if err != nil {
		t.Fatalf("stat /proc/self/ns/net: %v", err)
	}
	st := fi.Sys().(*syscall.Stat_t)
	return st.Ino
}

// TestDoRestoresNamespace verifies that the post-operation
// /proc/self/ns/net inode equals the pre-operation value. Entering a
// namespace requires CAP_SYS_ADMIN even when the target is the caller's
// own namespace, so this only runs as root.
func TestDoRestoresNamespace(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root to call setns(2)")
	}

	before := selfNetInode(t)

	called := false
	err := Do(os.Getpid(), Net, discardLogger(), func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !called {
		t.Fatal("fn was never invoked")
	}

	after := selfNetInode(t)
	if before != after {
		t.Fatalf("net namespace not restored: before=%d after=%d", before, after)
	}
}

func TestDoSurfacesFnErrorAndStillRestores(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root to call setns(2)")
	}

	before := selfNetInode(t)
	wantErr := fmt.Errorf("boom")

	err := Do(os.Getpid(), Net, discardLogger(), func() error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Do error = %v, want %v", err, wantErr)
	}

	after := selfNetInode(t)
	if before != after {
		t.Fatalf("net namespace not restored after fn error: before=%d after=%d", before, after)
	}
}
