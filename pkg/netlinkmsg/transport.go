package netlinkmsg

import (
	"fmt"
	"io"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// seqCounter seeds sequence numbers the way libmnl.c does — off the
// wall clock — then increments per request so concurrent requests on
// distinct Transport values still sort.
var seqCounter uint32 = uint32(time.Now().Unix())

// NextSeq returns the next request sequence number.
func NextSeq() uint32 {
	return atomic.AddUint32(&seqCounter, 1)
}

// KernelError reports a kernel-side NLMSG_ERROR reply to a request.
type KernelError struct {
	Op    string
	Errno syscall.Errno
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("netlink %s: %v", e.Op, e.Errno)
}

// Transport opens one NETLINK_ROUTE socket per request and drives a
// synchronous request/response cycle: send, then read until an ACK
// (NLMSG_ERROR with error 0), a non-zero NLMSG_ERROR, NLMSG_DONE, EAGAIN,
// or a zero-byte read, whichever comes first. It never
// retains the socket across calls — every caller in pkg/netprov issues
// one Request per RTM_* message.
type Transport struct {
	log *logrus.Logger
}

// New returns a Transport that logs through log. A nil log discards
// messages.
func New(log *logrus.Logger) *Transport {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Transport{log: log}
}

// Request sends msg (a complete nlmsghdr-prefixed message built with
// Builder) and waits for the kernel's verdict. op names the operation for
// error messages (e.g. "create veth pair").
func (t *Transport) Request(op string, msg []byte, seq uint32) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("%s: open netlink socket: %w", op, err)
	}
	defer unix.Close(fd)

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("%s: bind netlink socket: %w", op, err)
	}

	dest := &unix.SockaddrNetlink{Family: unix.AF_NETLINK} // pid 0: kernel
	if err := unix.Sendto(fd, msg, 0, dest); err != nil {
		return fmt.Errorf("%s: sendto: %w", op, err)
	}

	t.log.WithFields(logrus.Fields{"op": op, "seq": seq, "bytes": len(msg)}).Debug("netlink request sent")

	buf := make([]byte, 16384)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return fmt.Errorf("%s: recvfrom: %w", op, err)
		}
		if n == 0 {
			return nil
		}

		msgs, err := parseMessages(buf[:n])
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		for _, m := range msgs {
			if m.Seq != seq {
				continue
			}
			switch m.Type {
			case NLMSG_ERROR:
				errno := parseErrno(m.Payload)
				if errno == 0 {
					t.log.WithField("op", op).Debug("netlink ack")
					return nil
				}
				return &KernelError{Op: op, Errno: syscall.Errno(-errno)}
			case NLMSG_DONE:
				return nil
			}
		}
	}
}

type message struct {
	Type    uint16
	Seq     uint32
	Payload []byte
}

// parseMessages walks a recvfrom buffer as a sequence of nlmsghdr-
// prefixed records, mirroring netlink_response_cb's dispatch on
// nlh->nlmsg_type.
func parseMessages(buf []byte) ([]message, error) {
	var out []message
	for len(buf) >= 16 {
		length := nativeEndian.Uint32(buf[0:4])
		if length < 16 || int(length) > len(buf) {
			return nil, fmt.Errorf("malformed nlmsghdr: len=%d remaining=%d", length, len(buf))
		}
		msgType := nativeEndian.Uint16(buf[4:6])
		seq := nativeEndian.Uint32(buf[8:12])
		out = append(out, message{
			Type:    msgType,
			Seq:     seq,
			Payload: buf[16:length],
		})
		buf = buf[nlmsgAlign(int(length)):]
	}
	return out, nil
}

// parseErrno extracts the errno field from an NLMSG_ERROR payload: a
// struct nlmsgerr begins with a single int32 error code (0 on plain ack).
func parseErrno(payload []byte) int32 {
	if len(payload) < 4 {
		return 0
	}
	return int32(nativeEndian.Uint32(payload[0:4]))
}
