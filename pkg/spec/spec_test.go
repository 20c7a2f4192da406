package spec

import "testing"

func validParams() Params {
	return Params{
		Command: []string{"/bin/sh", "-c", "echo hello"},
	}
}

func TestParseDefaults(t *testing.T) {
	s, err := Parse(validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.HostVethName != DefaultHostVeth || s.ContainerVethName != DefaultContainerVeth {
		t.Fatalf("unexpected veth defaults: %+v", s)
	}
	if s.PrefixLen != DefaultPrefixLen {
		t.Fatalf("unexpected prefix default: %d", s.PrefixLen)
	}
	if s.CgroupPath != DefaultCgroupPath || s.ContainerRoot != DefaultContainerRoot {
		t.Fatalf("unexpected path defaults: %+v", s)
	}
}

func TestParseRejectsEmptyCommand(t *testing.T) {
	p := validParams()
	p.Command = nil
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestParseRejectsLongVethName(t *testing.T) {
	// A veth name longer than 15 bytes must be rejected at validation.
	p := validParams()
	p.HostVethName = "abcdefghijklmnop"
	if _, err := Parse(p); err == nil {
		t.Fatal("expected ConfigError for over-long veth name")
	} else if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func TestParseRejectsDuplicateVethNames(t *testing.T) {
	p := validParams()
	p.HostVethName = "veth0"
	p.ContainerVethName = "veth0"
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error for identical veth names")
	}
}

func TestParseRejectsBadPrefixLen(t *testing.T) {
	// assign_ipv4 with prefix_len 33 must be rejected.
	p := validParams()
	p.PrefixLen = 33
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error for prefix length 33")
	}
}

func TestParseRejectsIPOutsideNetwork(t *testing.T) {
	p := validParams()
	p.ContainerNetwork = "10.0.0.0/24"
	p.PrefixLen = 24
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error: default host/container IPs fall outside 10.0.0.0/24")
	}
}

func TestParseRejectsInconsistentPrefix(t *testing.T) {
	p := validParams()
	p.ContainerNetwork = "172.18.0.0/24"
	p.PrefixLen = 16
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error: prefix length inconsistent with network mask")
	}
}

func TestParseRejectsRelativePaths(t *testing.T) {
	p := validParams()
	p.CgroupPath = "relative/path"
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error for relative cgroup path")
	}

	p = validParams()
	p.ContainerRoot = "relative/root"
	if _, err := Parse(p); err == nil {
		t.Fatal("expected error for relative container root")
	}
}
