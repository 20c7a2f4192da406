package main

import "testing"

func TestNewRunCmdDefaultsMatchSpecDefaults(t *testing.T) {
	cmd := newRunCmd()

	cases := []struct {
		flag string
		want string
	}{
		{"host-veth", "veth0"},
		{"container-veth", "ceth0"},
		{"host-ip", "172.18.0.1"},
		{"container-ip", "172.18.0.2"},
		{"prefix-len", "16"},
		{"network", "172.18.0.0/16"},
		{"cgroup-path", "/sys/fs/cgroup/mocker"},
		{"root", "/tmp/container-root"},
	}
	for _, tc := range cases {
		f := cmd.Flags().Lookup(tc.flag)
		if f == nil {
			t.Fatalf("flag %q not registered", tc.flag)
		}
		if f.DefValue != tc.want {
			t.Errorf("flag %q default = %q, want %q", tc.flag, f.DefValue, tc.want)
		}
	}
}

func TestNewRunCmdRequiresImageAndCommand(t *testing.T) {
	cmd := newRunCmd()
	if err := cmd.Args(cmd, []string{"ubuntu"}); err == nil {
		t.Fatal("expected an error with only an image and no command")
	}
	if err := cmd.Args(cmd, []string{"ubuntu", "/bin/sh"}); err != nil {
		t.Fatalf("expected image+command to satisfy Args, got %v", err)
	}
}

func TestNewRootCmdRegistersRunSubcommand(t *testing.T) {
	root := newRootCmd()
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatalf("Find(run): %v", err)
	}
	if run.Use != "run <image> <command> [args...]" {
		t.Fatalf("unexpected run subcommand Use: %q", run.Use)
	}
}
