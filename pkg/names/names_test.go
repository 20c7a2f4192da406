package names

import "testing"

func TestDeterministicNames(t *testing.T) {
	seed := "1234567890abcdef1234567890abcdef"
	host1 := DeterministicHostVeth(seed)
	host2 := DeterministicHostVeth(seed)
	peer := DeterministicContainerVeth(seed)

	if host1 != host2 {
		t.Fatalf("DeterministicHostVeth should be deterministic: %q != %q", host1, host2)
	}
	if len(host1) > linuxIfNameMaxLen {
		t.Fatalf("host name too long: %d", len(host1))
	}
	if len(peer) > linuxIfNameMaxLen {
		t.Fatalf("peer name too long: %d", len(peer))
	}
	if host1 == peer {
		t.Fatalf("host and peer names should use different prefixes")
	}
	if !Valid(host1) || !Valid(peer) {
		t.Fatalf("derived names must satisfy the interface name pattern")
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"simple", "veth0", true},
		{"underscore", "ve_th0", true},
		{"empty", "", false},
		{"leading digit", "0veth", false},
		{"too long", "abcdefghijklmnop", false},
		{"max length", "abcdefghijklmno", true},
		{"bad char", "veth-0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Valid(tc.in); got != tc.want {
				t.Fatalf("Valid(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
