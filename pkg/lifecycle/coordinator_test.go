package lifecycle

import (
	"io"
	"os/exec"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestKillAndReapStopsRunningProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}

	c := New(nil, discardLogger())
	c.killAndReap(&ChildHandle{Cmd: cmd, PID: cmd.Process.Pid})

	if cmd.ProcessState == nil {
		t.Fatal("expected process to have been reaped after killAndReap")
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); !ok || !ws.Signaled() || ws.Signal() != syscall.SIGKILL {
		t.Fatalf("expected process to have been killed by SIGKILL, got %v", cmd.ProcessState)
	}
}

func TestKillAndReapToleratesAlreadyExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("true not available: %v", err)
	}

	c := New(nil, discardLogger())
	// Process already reaped by Run; killAndReap must not panic.
	c.killAndReap(&ChildHandle{Cmd: cmd, PID: cmd.Process.Pid})
}
