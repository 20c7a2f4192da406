package cgroup

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

func TestCreateWritesTwoFieldCPUMax(t *testing.T) {
	// Regression guard for the original C source's cpu.max bug: the
	// written value must be "<quota> <period>", never a bare integer.
	dir := t.TempDir()
	path := filepath.Join(dir, "mocker")

	h, err := Create(path, Limits{MemoryMaxBytes: 1024 * 1024 * 1024, CPUMaxPeriodUs: 100000}, false, discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Cleanup()

	cpuMax, err := os.ReadFile(filepath.Join(path, "cpu.max"))
	if err != nil {
		t.Fatalf("read cpu.max: %v", err)
	}
	if got, want := string(cpuMax), "100000 100000"; got != want {
		t.Fatalf("cpu.max = %q, want %q", got, want)
	}
}

func TestCreateWritesQuotaAgainstFixedPeriod(t *testing.T) {
	// The period column is always defaultCPUAccountingPeriodUs; only the
	// quota column tracks CPUMaxPeriodUs.
	dir := t.TempDir()
	path := filepath.Join(dir, "mocker")

	h, err := Create(path, Limits{MemoryMaxBytes: 1, CPUMaxPeriodUs: 50000}, false, discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Cleanup()

	cpuMax, err := os.ReadFile(filepath.Join(path, "cpu.max"))
	if err != nil {
		t.Fatalf("read cpu.max: %v", err)
	}
	if got, want := string(cpuMax), "50000 100000"; got != want {
		t.Fatalf("cpu.max = %q, want %q", got, want)
	}

	memMax, err := os.ReadFile(filepath.Join(path, "memory.max"))
	if err != nil {
		t.Fatalf("read memory.max: %v", err)
	}
	if got, want := string(memMax), "1"; got != want {
		t.Fatalf("memory.max = %q, want %q", got, want)
	}
}

func TestCreateFailsOnCollisionByDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mocker")

	h1, err := Create(path, Limits{MemoryMaxBytes: 1, CPUMaxPeriodUs: 1}, false, discardLogger())
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	defer h1.Cleanup()

	if _, err := Create(path, Limits{MemoryMaxBytes: 1, CPUMaxPeriodUs: 1}, false, discardLogger()); err == nil {
		t.Fatal("expected error when cgroup directory already exists and reuse is false")
	}
}

func TestCreateReusesExistingWhenAllowed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mocker")

	h1, err := Create(path, Limits{MemoryMaxBytes: 1, CPUMaxPeriodUs: 1}, false, discardLogger())
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	h1.unlock()

	h2, err := Create(path, Limits{MemoryMaxBytes: 2, CPUMaxPeriodUs: 2}, true, discardLogger())
	if err != nil {
		t.Fatalf("second Create with reuse=true: %v", err)
	}
	defer h2.Cleanup()
}

func TestAddProcessWritesPid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mocker")

	h, err := Create(path, Limits{MemoryMaxBytes: 1, CPUMaxPeriodUs: 1}, false, discardLogger())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Cleanup()

	if err := h.AddProcess(4242); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(path, "cgroup.procs"))
	if err != nil {
		t.Fatalf("read cgroup.procs: %v", err)
	}
	if string(got) != "4242" {
		t.Fatalf("cgroup.procs = %q, want %q", got, "4242")
	}
}
