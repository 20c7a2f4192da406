// Package spec builds and validates the immutable ContainerSpec that
// drives one run of the lifecycle coordinator.
package spec

import (
	"errors"
	"fmt"
	"net"

	"github.com/markcwatson/mocker-go/pkg/names"
)

// Defaults mirror the literal values hardcoded in the original mocker C
// sources (VETH_HOST, VETH_CONTAINER, HOST_IP, CONTAINER_IP, NETMASK).
const (
	DefaultHostVeth         = "veth0"
	DefaultContainerVeth    = "ceth0"
	DefaultHostIP           = "172.18.0.1"
	DefaultContainerIP      = "172.18.0.2"
	DefaultPrefixLen        = 16
	DefaultContainerNetwork = "172.18.0.0/16"
	DefaultMemoryMaxBytes   = 1024 * 1024 * 1024 // 1 GiB, matches MEMORY_LIMIT in cgroup.c
	DefaultCPUPeriodUs      = 100000             // matches CPU_LIMIT in cgroup.c
	DefaultCgroupPath       = "/sys/fs/cgroup/mocker"
	DefaultContainerRoot    = "/tmp/container-root"
)

// ContainerSpec is immutable configuration derived from invocation
// arguments.
type ContainerSpec struct {
	Command []string

	ImageRef string

	HostVethName      string
	ContainerVethName string

	HostIP           net.IP
	ContainerIP      net.IP
	PrefixLen        int
	ContainerNetwork *net.IPNet

	MemoryMaxBytes uint64
	CPUMaxPeriodUs uint64

	CgroupPath    string
	ContainerRoot string

	// ReuseCgroup disables the default fail-fast-on-collision behavior
	// for the cgroup directory. Off by default.
	ReuseCgroup bool
}

// Params are the raw, as-typed inputs the CLI layer collects before
// parsing them into a ContainerSpec. Kept separate from ContainerSpec so
// parse errors can be attributed to a specific flag/argument.
type Params struct {
	Command []string

	ImageRef string

	HostVethName      string
	ContainerVethName string
	HostIP            string
	ContainerIP       string
	PrefixLen         int
	ContainerNetwork  string

	MemoryMaxBytes uint64
	CPUMaxPeriodUs uint64

	CgroupPath    string
	ContainerRoot string
	ReuseCgroup   bool
}

// Parse validates p and returns an immutable ContainerSpec, or a
// ConfigError describing the first violated invariant.
func Parse(p Params) (*ContainerSpec, error) {
	if len(p.Command) == 0 {
		return nil, &ConfigError{Msg: "command must be non-empty"}
	}

	hostVeth := p.HostVethName
	if hostVeth == "" {
		hostVeth = DefaultHostVeth
	}
	contVeth := p.ContainerVethName
	if contVeth == "" {
		contVeth = DefaultContainerVeth
	}

	if !names.Valid(hostVeth) {
		return nil, &ConfigError{Msg: fmt.Sprintf("host veth name %q is invalid", hostVeth)}
	}
	if !names.Valid(contVeth) {
		return nil, &ConfigError{Msg: fmt.Sprintf("container veth name %q is invalid", contVeth)}
	}
	if hostVeth == contVeth {
		return nil, &ConfigError{Msg: "host and container veth names must differ"}
	}

	networkCIDR := p.ContainerNetwork
	if networkCIDR == "" {
		networkCIDR = DefaultContainerNetwork
	}
	_, containerNet, err := net.ParseCIDR(networkCIDR)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("container network %q: %v", networkCIDR, err)}
	}
	if containerNet.IP.To4() == nil {
		return nil, &ConfigError{Msg: "only IPv4 container networks are supported"}
	}

	hostIPStr := p.HostIP
	if hostIPStr == "" {
		hostIPStr = DefaultHostIP
	}
	hostIP, err := parseIPv4(hostIPStr)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("host IP: %v", err)}
	}

	containerIPStr := p.ContainerIP
	if containerIPStr == "" {
		containerIPStr = DefaultContainerIP
	}
	containerIP, err := parseIPv4(containerIPStr)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("container IP: %v", err)}
	}

	prefixLen := p.PrefixLen
	if prefixLen == 0 {
		prefixLen = DefaultPrefixLen
	}
	if prefixLen < 0 || prefixLen > 32 {
		return nil, &ConfigError{Msg: fmt.Sprintf("prefix length %d out of range 0..32", prefixLen)}
	}

	// host_ip and container_ip must lie inside container_network, with a
	// prefix_len consistent with that network.
	ones, _ := containerNet.Mask.Size()
	if ones != prefixLen {
		return nil, &ConfigError{Msg: fmt.Sprintf("prefix length %d does not match network %s", prefixLen, networkCIDR)}
	}
	if !containerNet.Contains(hostIP) {
		return nil, &ConfigError{Msg: fmt.Sprintf("host IP %s is not inside %s", hostIP, networkCIDR)}
	}
	if !containerNet.Contains(containerIP) {
		return nil, &ConfigError{Msg: fmt.Sprintf("container IP %s is not inside %s", containerIP, networkCIDR)}
	}
	if hostIP.Equal(containerIP) {
		return nil, &ConfigError{Msg: "host and container IPs must differ"}
	}

	memMax := p.MemoryMaxBytes
	if memMax == 0 {
		memMax = DefaultMemoryMaxBytes
	}

	cpuPeriod := p.CPUMaxPeriodUs
	if cpuPeriod == 0 {
		cpuPeriod = DefaultCPUPeriodUs
	}

	cgroupPath := p.CgroupPath
	if cgroupPath == "" {
		cgroupPath = DefaultCgroupPath
	}
	if !isAbs(cgroupPath) {
		return nil, &ConfigError{Msg: "cgroup path must be absolute"}
	}

	containerRoot := p.ContainerRoot
	if containerRoot == "" {
		containerRoot = DefaultContainerRoot
	}
	if !isAbs(containerRoot) {
		return nil, &ConfigError{Msg: "container root must be absolute"}
	}

	return &ContainerSpec{
		Command:           p.Command,
		ImageRef:          p.ImageRef,
		HostVethName:      hostVeth,
		ContainerVethName: contVeth,
		HostIP:            hostIP,
		ContainerIP:       containerIP,
		PrefixLen:         prefixLen,
		ContainerNetwork:  containerNet,
		MemoryMaxBytes:    memMax,
		CPUMaxPeriodUs:    cpuPeriod,
		CgroupPath:        cgroupPath,
		ContainerRoot:     containerRoot,
		ReuseCgroup:       p.ReuseCgroup,
	}, nil
}

// ConfigError reports an invalid argv or out-of-range numeric limit,
// detected before any side effect.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

func parseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, errors.New("invalid IP address")
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, errors.New("only IPv4 is supported")
	}
	return ip4, nil
}

func isAbs(p string) bool {
	return len(p) > 0 && p[0] == '/'
}
