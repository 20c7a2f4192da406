package netlinkmsg

// Kernel ABI constants for AF_NETLINK/NETLINK_ROUTE messages. Mirrored by
// hand from <linux/netlink.h>, <linux/rtnetlink.h>, and <linux/if_link.h>
// rather than imported, the way the original mocker C sources define
// their own fallback (see its "#ifndef IFLA_VETH_INFO_PEER" guard in
// libmnl.c) — golang.org/x/sys/unix does not export the nested
// IFLA_INFO_*/IFLA_VETH_INFO_* enums, only the top-level message types.
const (
	nlmsgAlignTo = 4
	rtaAlignTo   = 4

	// nlmsghdr.nlmsg_flags
	NLM_F_REQUEST = 0x01
	NLM_F_ACK     = 0x04
	NLM_F_CREATE  = 0x400
	NLM_F_EXCL    = 0x200
	NLM_F_REPLACE = 0x100

	// nlmsghdr.nlmsg_type
	NLMSG_ERROR = 2
	NLMSG_DONE  = 3

	RTM_NEWLINK  = 16
	RTM_DELLINK  = 17
	RTM_SETLINK  = 19
	RTM_NEWADDR  = 20
	RTM_NEWROUTE = 24

	AF_UNSPEC = 0
	AF_INET   = 2

	IFF_UP = 0x1

	// ifinfomsg attribute types (rtattr.rta_type under an ifinfomsg).
	IFLA_IFNAME     = 3
	IFLA_LINKINFO   = 18
	IFLA_NET_NS_PID = 19

	// nested attribute types under IFLA_LINKINFO.
	IFLA_INFO_KIND = 1
	IFLA_INFO_DATA = 2

	// nested attribute type under IFLA_INFO_DATA for kind=="veth".
	IFLA_VETH_INFO_PEER = 1

	// ifaddrmsg attribute types.
	IFA_ADDRESS = 1
	IFA_LOCAL   = 2

	RT_SCOPE_UNIVERSE = 0
	RT_TABLE_MAIN     = 254
	RTPROT_STATIC     = 4
	RTN_UNICAST       = 1

	// rtmsg attribute types.
	RTA_GATEWAY = 5
	RTA_OIF     = 4
)

func nlmsgAlign(n int) int {
	return (n + nlmsgAlignTo - 1) &^ (nlmsgAlignTo - 1)
}

func rtaAlign(n int) int {
	return (n + rtaAlignTo - 1) &^ (rtaAlignTo - 1)
}
