package netlinkmsg

import "encoding/binary"

// nativeEndian is the host's native byte order. netlink messages are
// transferred in host byte order except for address fields, which the
// kernel treats as opaque 4-byte blobs already in network order — callers
// pass those through PutAttr directly rather than through a u32 helper.
var nativeEndian = binary.NativeEndian

// Builder assembles one netlink request message into an owned buffer:
// put header, put extra header, put attribute, put string/u32
// attribute, begin/end nested attribute, and put raw payload for the
// IFLA_VETH_INFO_PEER quirk.
//
// A Builder is single-use: call New, Put*, Begin/EndNested in a nest-safe
// order, then Bytes.
type Builder struct {
	buf          []byte
	headerOffset int
	nestStack    []int
}

// New starts a fresh netlink request of the given type, flags, and
// sequence number by reserving and filling the nlmsghdr.
func New(msgType uint16, flags uint16, seq uint32) *Builder {
	b := &Builder{}
	b.headerOffset = 0
	hdr := make([]byte, 16)
	nativeEndian.PutUint16(hdr[4:6], msgType)
	nativeEndian.PutUint16(hdr[6:8], flags)
	nativeEndian.PutUint32(hdr[8:12], seq)
	b.buf = append(b.buf, hdr...)
	b.patchLen()
	return b
}

// PutExtraHeader appends a fixed-size protocol header (ifinfomsg,
// ifaddrmsg, or rtmsg), NLMSG_ALIGN padded.
func (b *Builder) PutExtraHeader(raw []byte) {
	b.appendAligned(raw, nlmsgAlign)
}

// PutRawPayload appends bytes with no attribute wrapper: the embedded
// ifinfomsg inside IFLA_VETH_INFO_PEER is not itself an rtattr, it is a
// bare struct the kernel expects to find at that offset. Naming this
// primitive separately from PutExtraHeader keeps that non-attribute
// nature explicit at call sites.
func (b *Builder) PutRawPayload(raw []byte) {
	b.appendAligned(raw, nlmsgAlign)
}

// PutAttr appends a type+length+value attribute, RTA_ALIGN padded.
func (b *Builder) PutAttr(attrType uint16, value []byte) {
	rtaLen := 4 + len(value)
	hdr := make([]byte, 4, 4+len(value))
	nativeEndian.PutUint16(hdr[0:2], uint16(rtaLen))
	nativeEndian.PutUint16(hdr[2:4], attrType)
	hdr = append(hdr, value...)
	b.appendAligned(hdr, rtaAlign)
}

// PutStringAttr appends a zero-terminated string attribute.
func (b *Builder) PutStringAttr(attrType uint16, s string) {
	val := make([]byte, len(s)+1)
	copy(val, s)
	b.PutAttr(attrType, val)
}

// PutUint32Attr appends a 4-byte attribute in host byte order (used for
// indices and PIDs, e.g. IFLA_NET_NS_PID, RTA_OIF).
func (b *Builder) PutUint32Attr(attrType uint16, v uint32) {
	val := make([]byte, 4)
	nativeEndian.PutUint32(val, v)
	b.PutAttr(attrType, val)
}

// BeginNested opens a nested attribute and returns a token to close it
// with EndNested. Nested attributes must be closed in LIFO order.
func (b *Builder) BeginNested(attrType uint16) int {
	offset := len(b.buf)
	hdr := make([]byte, 4)
	nativeEndian.PutUint16(hdr[2:4], attrType)
	b.buf = append(b.buf, hdr...)
	b.nestStack = append(b.nestStack, offset)
	b.patchLen()
	return offset
}

// EndNested closes the nested attribute opened at offset, writing its
// rta_len as the distance from offset to the current tail.
func (b *Builder) EndNested(offset int) {
	total := len(b.buf) - offset
	nativeEndian.PutUint16(b.buf[offset:offset+2], uint16(total))

	if n := len(b.nestStack); n > 0 && b.nestStack[n-1] == offset {
		b.nestStack = b.nestStack[:n-1]
	}

	pad := rtaAlign(total) - total
	if pad > 0 {
		b.buf = append(b.buf, make([]byte, pad)...)
	}
	b.patchLen()
}

// Bytes returns the completed message. The caller must have closed every
// nest opened with BeginNested.
func (b *Builder) Bytes() []byte {
	return b.buf
}

func (b *Builder) appendAligned(raw []byte, align func(int) int) {
	b.buf = append(b.buf, raw...)
	pad := align(len(raw)) - len(raw)
	if pad > 0 {
		b.buf = append(b.buf, make([]byte, pad)...)
	}
	b.patchLen()
}

func (b *Builder) patchLen() {
	nativeEndian.PutUint32(b.buf[b.headerOffset:b.headerOffset+4], uint32(len(b.buf)-b.headerOffset))
}

// Ifinfomsg encodes a struct ifinfomsg (linux/rtnetlink.h): family, pad,
// type, index, flags, change — 16 bytes, already NLMSG_ALIGNed.
func Ifinfomsg(family uint8, index int32, flags, change uint32) []byte {
	buf := make([]byte, 16)
	buf[0] = family
	nativeEndian.PutUint32(buf[4:8], uint32(index))
	nativeEndian.PutUint32(buf[8:12], flags)
	nativeEndian.PutUint32(buf[12:16], change)
	return buf
}

// Ifaddrmsg encodes a struct ifaddrmsg: family, prefixlen, flags, scope,
// index — 8 bytes.
func Ifaddrmsg(family, prefixlen, flags, scope uint8, index uint32) []byte {
	buf := make([]byte, 8)
	buf[0] = family
	buf[1] = prefixlen
	buf[2] = flags
	buf[3] = scope
	nativeEndian.PutUint32(buf[4:8], index)
	return buf
}

// Rtmsg encodes a struct rtmsg: family, dst_len, src_len, tos, table,
// protocol, scope, type, flags — 12 bytes.
func Rtmsg(family, dstLen, srcLen, tos, table, protocol, scope, rtype uint8) []byte {
	buf := make([]byte, 12)
	buf[0] = family
	buf[1] = dstLen
	buf[2] = srcLen
	buf[3] = tos
	buf[4] = table
	buf[5] = protocol
	buf[6] = scope
	buf[7] = rtype
	return buf
}
