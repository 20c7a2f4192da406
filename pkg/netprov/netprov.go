// Package netprov provisions container networking — a host/container
// veth pair, namespace migration, IPv4 assignment, and a default route —
// using hand-assembled AF_NETLINK/NETLINK_ROUTE messages instead of
// shelling out to the ip(8) tool. It is the Go counterpart of the
// original C runtime's libmnl.c.
package netprov

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/markcwatson/mocker-go/pkg/netlinkmsg"
	"github.com/markcwatson/mocker-go/pkg/nsutil"
)

// Provisioner issues the netlink requests that put a veth pair in place
// and configure it, plus the iptables fallback for NAT that the original
// source never converted to raw netlink either (see libmnl.c's setup_nat_rules
// \todo comment).
type Provisioner struct {
	transport *netlinkmsg.Transport
	log       *logrus.Logger
}

// New returns a Provisioner that logs through log. A nil log discards
// messages, matching netlinkmsg.New's own nil handling.
func New(log *logrus.Logger) *Provisioner {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Provisioner{
		transport: netlinkmsg.New(log),
		log:       log,
	}
}

// CreateVethPair creates a veth pair named hostName/peerName in the
// caller's current network namespace. Both ends exist in that namespace
// until MoveToNamespace migrates the peer. Grounded on build_netlink_msg
// in libmnl.c: an RTM_NEWLINK carrying a nested IFLA_LINKINFO ->
// IFLA_INFO_DATA -> IFLA_VETH_INFO_PEER, the peer slot holding a bare
// embedded ifinfomsg followed by the peer's IFLA_IFNAME.
func (p *Provisioner) CreateVethPair(hostName, peerName string) error {
	seq := netlinkmsg.NextSeq()
	b := netlinkmsg.New(netlinkmsg.RTM_NEWLINK,
		netlinkmsg.NLM_F_REQUEST|netlinkmsg.NLM_F_ACK|netlinkmsg.NLM_F_CREATE|netlinkmsg.NLM_F_EXCL,
		seq)
	b.PutExtraHeader(netlinkmsg.Ifinfomsg(netlinkmsg.AF_UNSPEC, 0, 0, 0))
	b.PutStringAttr(netlinkmsg.IFLA_IFNAME, hostName)

	linkinfo := b.BeginNested(netlinkmsg.IFLA_LINKINFO)
	b.PutStringAttr(netlinkmsg.IFLA_INFO_KIND, "veth")
	infoData := b.BeginNested(netlinkmsg.IFLA_INFO_DATA)
	peer := b.BeginNested(netlinkmsg.IFLA_VETH_INFO_PEER)
	b.PutRawPayload(netlinkmsg.Ifinfomsg(netlinkmsg.AF_UNSPEC, 0, 0, 0))
	b.PutStringAttr(netlinkmsg.IFLA_IFNAME, peerName)
	b.EndNested(peer)
	b.EndNested(infoData)
	b.EndNested(linkinfo)

	if err := p.transport.Request("create veth pair", b.Bytes(), seq); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"host": hostName, "peer": peerName}).Debug("veth pair created")
	return nil
}

// DeleteLink removes the interface named name via RTM_DELLINK. Deleting
// either end of a veth pair removes both, regardless of which network
// namespace each end currently lives in, so this is the single undo
// action a successful CreateVethPair registers. A name that no longer
// resolves to an interface is treated as already-deleted rather than an
// error, so repeated teardown calls stay idempotent.
func (p *Provisioner) DeleteLink(name string) error {
	idx, err := interfaceIndex(name)
	if err != nil {
		return nil
	}

	seq := netlinkmsg.NextSeq()
	b := netlinkmsg.New(netlinkmsg.RTM_DELLINK, netlinkmsg.NLM_F_REQUEST|netlinkmsg.NLM_F_ACK, seq)
	b.PutExtraHeader(netlinkmsg.Ifinfomsg(netlinkmsg.AF_UNSPEC, int32(idx), 0, 0))

	if err := p.transport.Request("delete link", b.Bytes(), seq); err != nil {
		return err
	}
	p.log.WithField("iface", name).Debug("link deleted")
	return nil
}

// MoveToNamespace migrates the interface named name into the network
// namespace owned by pid, via RTM_SETLINK + IFLA_NET_NS_PID — mirroring
// build_setlink_msg.
func (p *Provisioner) MoveToNamespace(name string, pid int) error {
	idx, err := interfaceIndex(name)
	if err != nil {
		return fmt.Errorf("move %s to ns: %w", name, err)
	}

	seq := netlinkmsg.NextSeq()
	b := netlinkmsg.New(netlinkmsg.RTM_SETLINK, netlinkmsg.NLM_F_REQUEST|netlinkmsg.NLM_F_ACK, seq)
	b.PutExtraHeader(netlinkmsg.Ifinfomsg(netlinkmsg.AF_UNSPEC, int32(idx), 0, 0))
	b.PutUint32Attr(netlinkmsg.IFLA_NET_NS_PID, uint32(pid))

	if err := p.transport.Request("move interface to namespace", b.Bytes(), seq); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"iface": name, "pid": pid}).Debug("interface moved to namespace")
	return nil
}

// SetUp brings the interface named name administratively up, via
// RTM_NEWLINK with ifi_flags=IFF_UP and ifi_change=IFF_UP — mirroring
// build_link_up_msg. Call this from inside the target namespace (see
// pkg/nsutil).
func (p *Provisioner) SetUp(name string) error {
	idx, err := interfaceIndex(name)
	if err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}

	seq := netlinkmsg.NextSeq()
	b := netlinkmsg.New(netlinkmsg.RTM_NEWLINK, netlinkmsg.NLM_F_REQUEST|netlinkmsg.NLM_F_ACK, seq)
	b.PutExtraHeader(netlinkmsg.Ifinfomsg(netlinkmsg.AF_UNSPEC, int32(idx), netlinkmsg.IFF_UP, netlinkmsg.IFF_UP))

	if err := p.transport.Request("set interface up", b.Bytes(), seq); err != nil {
		return err
	}
	p.log.WithField("iface", name).Debug("interface set up")
	return nil
}

// AssignIPv4 assigns ip/prefixLen to the interface named name, via
// RTM_NEWADDR carrying IFA_LOCAL and IFA_ADDRESS — mirroring
// build_set_ip_msg. Call this from inside the target namespace.
func (p *Provisioner) AssignIPv4(name string, ip net.IP, prefixLen int) error {
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("assign ip to %s: %s is not an IPv4 address", name, ip)
	}
	idx, err := interfaceIndex(name)
	if err != nil {
		return fmt.Errorf("assign ip to %s: %w", name, err)
	}

	seq := netlinkmsg.NextSeq()
	b := netlinkmsg.New(netlinkmsg.RTM_NEWADDR,
		netlinkmsg.NLM_F_REQUEST|netlinkmsg.NLM_F_ACK|netlinkmsg.NLM_F_CREATE|netlinkmsg.NLM_F_REPLACE,
		seq)
	b.PutExtraHeader(netlinkmsg.Ifaddrmsg(netlinkmsg.AF_INET, uint8(prefixLen), 0, netlinkmsg.RT_SCOPE_UNIVERSE, uint32(idx)))
	b.PutAttr(netlinkmsg.IFA_LOCAL, []byte(ip4))
	b.PutAttr(netlinkmsg.IFA_ADDRESS, []byte(ip4))

	if err := p.transport.Request("assign ipv4 address", b.Bytes(), seq); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"iface": name, "ip": ip.String(), "prefix": prefixLen}).Debug("ipv4 address assigned")
	return nil
}

// AddDefaultRoute installs a 0.0.0.0/0 route via gateway out of the
// interface named oifName, via RTM_NEWROUTE carrying RTA_GATEWAY and
// RTA_OIF — mirroring build_newroute_msg. Call this from inside the
// target namespace.
func (p *Provisioner) AddDefaultRoute(gateway net.IP, oifName string) error {
	gw4 := gateway.To4()
	if gw4 == nil {
		return fmt.Errorf("add default route: %s is not an IPv4 address", gateway)
	}
	idx, err := interfaceIndex(oifName)
	if err != nil {
		return fmt.Errorf("add default route: %w", err)
	}

	seq := netlinkmsg.NextSeq()
	b := netlinkmsg.New(netlinkmsg.RTM_NEWROUTE,
		netlinkmsg.NLM_F_REQUEST|netlinkmsg.NLM_F_ACK|netlinkmsg.NLM_F_CREATE,
		seq)
	b.PutExtraHeader(netlinkmsg.Rtmsg(
		netlinkmsg.AF_INET,
		0, 0, 0,
		netlinkmsg.RT_TABLE_MAIN,
		netlinkmsg.RTPROT_STATIC,
		netlinkmsg.RT_SCOPE_UNIVERSE,
		netlinkmsg.RTN_UNICAST,
	))
	b.PutAttr(netlinkmsg.RTA_GATEWAY, []byte(gw4))
	b.PutUint32Attr(netlinkmsg.RTA_OIF, uint32(idx))

	if err := p.transport.Request("add default route", b.Bytes(), seq); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"gateway": gateway.String(), "oif": oifName}).Debug("default route installed")
	return nil
}

// ConfigureContainerSide brings ifaceName and lo up, assigns
// ip/prefixLen to ifaceName, and installs a default route via gateway,
// all inside childPid's network namespace. It wraps the four
// container-side RTM_* requests in a single nsutil.Do so the host
// namespace is guaranteed to be restored before this call returns, even
// if one of the four steps fails midway.
func (p *Provisioner) ConfigureContainerSide(childPid int, ifaceName string, ip net.IP, prefixLen int, gateway net.IP) error {
	return nsutil.Do(childPid, nsutil.Net, p.log, func() error {
		if err := p.SetUp(ifaceName); err != nil {
			return err
		}
		if err := p.SetUp("lo"); err != nil {
			return err
		}
		if err := p.AssignIPv4(ifaceName, ip, prefixLen); err != nil {
			return err
		}
		return p.AddDefaultRoute(gateway, ifaceName)
	})
}

// interfaceIndex resolves name to its kernel ifindex in the caller's
// current network namespace. Callers that need the index of a
// container-side interface must already have entered that namespace
// (see pkg/nsutil) on the calling OS thread.
func interfaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("lookup interface %s: %w", name, err)
	}
	return iface.Index, nil
}

// ipForwardPath is the proc file EnableIPForwarding writes to.
// Overridable in tests.
var ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// EnableIPForwarding turns on IPv4 forwarding on the host by writing "1"
// to /proc/sys/net/ipv4/ip_forward directly, mirroring
// enable_ip_forwarding in networking.c.
func EnableIPForwarding() error {
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	return nil
}

// InstallMasquerade adds an iptables MASQUERADE rule for traffic from
// subnet leaving any interface other than oif (the container's own host
// veth, which traffic to/from the container itself traverses without
// needing NAT), plus FORWARD ACCEPT rules for oif's forward path,
// deleting any pre-existing copies first so repeated runs stay
// idempotent — mirroring setup_nat_rules's delete-then-add discipline in
// networking.c, which exists precisely because iptables -A is not
// idempotent on its own.
func InstallMasquerade(subnet *net.IPNet, oif string) error {
	_ = RemoveMasquerade(subnet, oif)

	if err := runIptables("-t", "nat", "-A", "POSTROUTING", "-s", subnet.String(), "!", "-o", oif, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("install masquerade: %w", err)
	}
	if err := runIptables("-A", "FORWARD", "-i", oif, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("install forward accept (in): %w", err)
	}
	if err := runIptables("-A", "FORWARD", "-o", oif, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("install forward accept (out): %w", err)
	}
	return nil
}

// RemoveMasquerade deletes the rules InstallMasquerade adds. Errors are
// expected and ignored when the rules are not present, matching
// cleanup_nat_rules's best-effort teardown.
func RemoveMasquerade(subnet *net.IPNet, oif string) error {
	_ = runIptables("-t", "nat", "-D", "POSTROUTING", "-s", subnet.String(), "!", "-o", oif, "-j", "MASQUERADE")
	_ = runIptables("-D", "FORWARD", "-i", oif, "-j", "ACCEPT")
	_ = runIptables("-D", "FORWARD", "-o", oif, "-j", "ACCEPT")
	return nil
}

func runIptables(args ...string) error {
	cmd := exec.Command("iptables", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("iptables %v: %w: %s", args, err, out)
	}
	return nil
}
