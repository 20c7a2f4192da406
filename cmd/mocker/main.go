// Command mocker launches a command inside a minimal Linux container:
// fresh PID/mount/UTS/IPC/network namespaces, a busybox-backed root
// filesystem, a cgroup v2 resource limit, and a NAT-routed veth pair.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/markcwatson/mocker-go/pkg/lifecycle"
	"github.com/markcwatson/mocker-go/pkg/names"
	"github.com/markcwatson/mocker-go/pkg/spec"
)

func main() {
	// The re-exec sentinel is checked before cobra ever parses argv:
	// the child's command line (after the sentinel) is the contained
	// process's own argv and must reach ChildMain untouched by flag
	// parsing.
	if lifecycle.IsChildInit(os.Args[1:]) {
		os.Exit(lifecycle.ChildMain(os.Args[2:]))
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mocker",
		Short:         "A minimal Linux container runtime",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd())
	return root
}

// runFlags mirrors ContainerSpec's tunable fields, all defaulting to the
// literal values the original C source hardcoded as #defines, so
// `mocker run <image> <cmd>` with no flags reproduces the documented
// default behavior exactly.
type runFlags struct {
	hostVeth      string
	containerVeth string
	hostIP        string
	containerIP   string
	prefixLen     int
	network       string
	memoryMax     uint64
	cpuPeriod     uint64
	cgroupName    string
	root          string
	reuseCgroup   bool
	verbose       bool
	uniqueVeth    bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <image> <command> [args...]",
		Short: "Run a command inside a new container",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(flags, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.hostVeth, "host-veth", spec.DefaultHostVeth, "host-side veth interface name")
	f.StringVar(&flags.containerVeth, "container-veth", spec.DefaultContainerVeth, "container-side veth interface name")
	f.StringVar(&flags.hostIP, "host-ip", spec.DefaultHostIP, "host-side veth IPv4 address")
	f.StringVar(&flags.containerIP, "container-ip", spec.DefaultContainerIP, "container-side veth IPv4 address")
	f.IntVar(&flags.prefixLen, "prefix-len", spec.DefaultPrefixLen, "veth subnet prefix length")
	f.StringVar(&flags.network, "network", spec.DefaultContainerNetwork, "container network CIDR")
	f.Uint64Var(&flags.memoryMax, "memory-max", spec.DefaultMemoryMaxBytes, "memory.max in bytes")
	f.Uint64Var(&flags.cpuPeriod, "cpu-period", spec.DefaultCPUPeriodUs, "cpu.max quota in microseconds")
	f.StringVar(&flags.cgroupName, "cgroup-path", spec.DefaultCgroupPath, "absolute cgroup v2 directory")
	f.StringVar(&flags.root, "root", spec.DefaultContainerRoot, "absolute container root directory")
	f.BoolVar(&flags.reuseCgroup, "reuse-cgroup", false, "reuse an existing cgroup directory instead of failing")
	f.BoolVar(&flags.verbose, "verbose", os.Getenv("MOCKER_LOG") == "1", "enable debug logging (MOCKER_LOG=1)")
	f.BoolVar(&flags.uniqueVeth, "unique-veth", false, "derive host/container veth names from the image ref and pid instead of the fixed defaults, so concurrent runs don't collide")

	return cmd
}

// runRun validates args into a ContainerSpec, runs the lifecycle
// coordinator, and maps its Result onto the process exit code: 0 on a
// clean exit, the child's own code otherwise, and a one-line "Container
// killed by signal <n>" notice when the child was signaled.
func runRun(flags runFlags, args []string) error {
	// args[0] is the image reference (used only for --unique-veth naming
	// and carried in the ContainerSpec, never executed), args[1:] is the
	// in-container command.
	imageRef := args[0]
	hostVeth, containerVeth := flags.hostVeth, flags.containerVeth
	if flags.uniqueVeth {
		seed := fmt.Sprintf("%d-%s", os.Getpid(), imageRef)
		hostVeth = names.DeterministicHostVeth(seed)
		containerVeth = names.DeterministicContainerVeth(seed)
	}

	s, err := spec.Parse(spec.Params{
		Command:           args[1:],
		ImageRef:          imageRef,
		HostVethName:      hostVeth,
		ContainerVethName: containerVeth,
		HostIP:            flags.hostIP,
		ContainerIP:       flags.containerIP,
		PrefixLen:         flags.prefixLen,
		ContainerNetwork:  flags.network,
		MemoryMaxBytes:    flags.memoryMax,
		CPUMaxPeriodUs:    flags.cpuPeriod,
		CgroupPath:        flags.cgroupName,
		ContainerRoot:     flags.root,
		ReuseCgroup:       flags.reuseCgroup,
	})
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if flags.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	result, err := lifecycle.New(s, log).Run()
	if err != nil {
		return err
	}

	if result.Signaled {
		fmt.Fprintf(os.Stderr, "Container killed by signal %d\n", result.Signal)
	}
	os.Exit(result.ExitCode)
	return nil
}
