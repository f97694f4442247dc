package ethswitch

import (
	"encoding/binary"
	"fmt"
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsMulticast reports whether m is a multicast (including broadcast)
// address, i.e. has the I/G bit set.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsSwitchControl reports whether m falls in the IEEE 802.1 reserved
// "bridge filtered" address block 01:80:C2:00:00:0x (STP, LACP, and
// friends), which a conformant switch or router must never forward.
func (m MAC) IsSwitchControl() bool {
	return m[0] == 0x01 && m[1] == 0x80 && m[2] == 0xC2 &&
		m[3] == 0x00 && m[4] == 0x00 && m[5]&0xF0 == 0x00
}

// Broadcast is the all-ones Ethernet broadcast address.
var Broadcast = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

const (
	etherTypeVLAN = 0x8100
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
)

// Exported EtherType constants, for packages downstream of this one
// (internal/router, internal/arp) that need to classify a parsed
// Header without re-declaring the magic numbers.
const (
	EtherTypeVLAN = etherTypeVLAN
	EtherTypeIPv4 = etherTypeIPv4
	EtherTypeARP  = etherTypeARP
)

// IPv4Fields is the subset of an IPv4 header this switch inspects or
// rewrites: enough for routing, TTL/checksum fixup, and RFC-1812 drop
// checks, without holding options.
type IPv4Fields struct {
	IHL      uint8 // header length in 32-bit words
	TotalLen uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	SrcIP    [4]byte
	DstIP    [4]byte
}

// Header is a parsed view over one packet's Ethernet (+ optional VLAN,
// + optional IPv4) header. Bytes holds the exact header region the
// view was parsed from; mutating Bytes and re-parsing (or using the
// Set* helpers) is how plugins rewrite header fields.
type Header struct {
	Bytes []byte

	DstMAC MAC
	SrcMAC MAC

	HasVLAN bool
	VID     uint16
	PCP     uint8
	DEI     bool

	EtherType uint16 // inner EtherType, after any VLAN tag

	HasIPv4 bool
	IPv4    IPv4Fields
}

// ParseHeader parses the Ethernet (+ optional VLAN, + optional IPv4)
// header from the front of raw, returning a Header whose Bytes is a
// copy of exactly the consumed prefix. raw must contain at least 14
// bytes (a bare Ethernet header); returns an error otherwise, or if a
// declared IPv4 header extends past the end of raw.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) < 14 {
		return nil, fmt.Errorf("ethswitch: frame too short for an Ethernet header (%d bytes)", len(raw))
	}
	h := &Header{}
	copy(h.DstMAC[:], raw[0:6])
	copy(h.SrcMAC[:], raw[6:12])

	off := 12
	et := binary.BigEndian.Uint16(raw[off : off+2])
	off += 2
	if et == etherTypeVLAN {
		if len(raw) < off+4 {
			return nil, fmt.Errorf("ethswitch: frame too short for a VLAN tag")
		}
		tci := binary.BigEndian.Uint16(raw[off : off+2])
		h.HasVLAN = true
		h.VID = tci & 0x0FFF
		h.PCP = uint8(tci >> 13)
		h.DEI = tci&0x1000 != 0
		off += 2
		et = binary.BigEndian.Uint16(raw[off : off+2])
		off += 2
	}
	h.EtherType = et

	if et == etherTypeIPv4 {
		if len(raw) < off+20 {
			return nil, fmt.Errorf("ethswitch: frame too short for an IPv4 header")
		}
		ihl := raw[off] & 0x0F
		hdrLen := int(ihl) * 4
		if hdrLen < 20 || len(raw) < off+hdrLen {
			return nil, fmt.Errorf("ethswitch: invalid or truncated IPv4 header (ihl=%d)", ihl)
		}
		h.HasIPv4 = true
		h.IPv4.IHL = ihl
		h.IPv4.TotalLen = binary.BigEndian.Uint16(raw[off+2 : off+4])
		h.IPv4.TTL = raw[off+8]
		h.IPv4.Protocol = raw[off+9]
		h.IPv4.Checksum = binary.BigEndian.Uint16(raw[off+10 : off+12])
		copy(h.IPv4.SrcIP[:], raw[off+12:off+16])
		copy(h.IPv4.DstIP[:], raw[off+16:off+20])
		off += hdrLen
	}

	h.Bytes = append([]byte(nil), raw[:off]...)
	return h, nil
}

// Len returns the number of header bytes this view was parsed from.
func (h *Header) Len() uint { return uint(len(h.Bytes)) }

// InsertVLAN inserts an 802.1Q tag carrying vid/pcp/dei immediately
// after the source MAC, growing Bytes by 4 bytes. A no-op if the
// header is already tagged.
func (h *Header) InsertVLAN(vid uint16, pcp uint8, dei bool) {
	if h.HasVLAN {
		return
	}
	tci := (uint16(pcp) << 13) | vid
	if dei {
		tci |= 0x1000
	}
	tag := make([]byte, 4)
	binary.BigEndian.PutUint16(tag[0:2], etherTypeVLAN)
	binary.BigEndian.PutUint16(tag[2:4], tci)

	out := make([]byte, 0, len(h.Bytes)+4)
	out = append(out, h.Bytes[:12]...)
	out = append(out, tag...)
	out = append(out, h.Bytes[12:]...)
	h.Bytes = out
	h.HasVLAN = true
	h.VID = vid
	h.PCP = pcp
	h.DEI = dei
}

// StripVLAN removes an 802.1Q tag, shrinking Bytes by 4 bytes. A no-op
// if the header carries no tag.
func (h *Header) StripVLAN() {
	if !h.HasVLAN {
		return
	}
	out := make([]byte, 0, len(h.Bytes)-4)
	out = append(out, h.Bytes[:12]...)
	out = append(out, h.Bytes[16:]...)
	h.Bytes = out
	h.HasVLAN = false
	h.VID = 0
	h.PCP = 0
	h.DEI = false
}

// SetDstMAC rewrites the destination MAC in both the struct field and
// the backing Bytes.
func (h *Header) SetDstMAC(m MAC) {
	h.DstMAC = m
	copy(h.Bytes[0:6], m[:])
}

// SetSrcMAC rewrites the source MAC in both the struct field and the
// backing Bytes.
func (h *Header) SetSrcMAC(m MAC) {
	h.SrcMAC = m
	copy(h.Bytes[6:12], m[:])
}
