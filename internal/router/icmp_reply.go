package router

import (
	"encoding/binary"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ipchecksum"
)

// ICMP type/code values the router itself generates for routing
// failures, separate from internal/icmp's echo/timestamp handling:
// router2::Dispatch builds these directly rather than going through
// the general-purpose ICMP protocol handler, since they must be sent
// synchronously from inside the forwarding decision.
const (
	icmpTypeUnreachable  = 3
	icmpTypeRedirect     = 5
	icmpTypeTimeExceeded = 11

	icmpCodeNetUnreachable  = 0
	icmpCodeAdminProhibited = 13
	icmpCodeRedirectHost    = 1
)

// icmpReply builds and transmits an ICMP error message in response to
// the datagram described by hdr/raw, addressed back to its sender:
// type(1) code(1) checksum(2) arg(4) followed by a copy of the
// offending IPv4 header and the first 8 bytes of its payload (RFC
// 792), per ip_icmp.cc's send_error.
func (d *Dispatch) icmpReply(icmpType, icmpCode uint8, arg uint32, hdr *ethswitch.Header, raw []byte) {
	ipOff := len(hdr.Bytes) - int(hdr.IPv4.IHL)*4
	origIPHeader := hdr.Bytes[ipOff:]

	payloadStart := len(hdr.Bytes)
	payloadEnd := payloadStart + 8
	var trailer [8]byte
	if payloadEnd <= len(raw) {
		copy(trailer[:], raw[payloadStart:payloadEnd])
	} else if payloadStart < len(raw) {
		copy(trailer[:], raw[payloadStart:])
	}

	body := make([]byte, 8+len(origIPHeader)+8)
	body[0] = icmpType
	body[1] = icmpCode
	binary.BigEndian.PutUint32(body[4:8], arg)
	copy(body[8:8+len(origIPHeader)], origIPHeader)
	copy(body[8+len(origIPHeader):], trailer[:])
	binary.BigEndian.PutUint16(body[2:4], ipchecksum.Standard(body))

	ipHdr := buildIPv4Header(64, ProtoICMP, d.ip, hdr.IPv4.SrcIP, len(body))

	frame := make([]byte, 0, 14+4+len(ipHdr)+len(body))
	frame = append(frame, hdr.SrcMAC[:]...)
	frame = append(frame, d.mac[:]...)
	if hdr.HasVLAN {
		frame = append(frame, 0x81, 0x00)
		tci := (uint16(hdr.PCP) << 13) | hdr.VID
		if hdr.DEI {
			tci |= 0x1000
		}
		frame = binary.BigEndian.AppendUint16(frame, tci)
		frame = binary.BigEndian.AppendUint16(frame, ethswitch.EtherTypeIPv4)
	} else {
		frame = binary.BigEndian.AppendUint16(frame, ethswitch.EtherTypeIPv4)
	}
	frame = append(frame, ipHdr...)
	frame = append(frame, body...)

	w := d.WriteLocal()
	w.WriteBytes(frame)
	w.WriteFinalize()

	d.metrics.icmpSent.WithLabelValues(icmpTypeName(icmpType)).Inc()
}

// buildIPv4Header constructs a 20-byte IPv4 header (no options) with a
// freshly computed checksum.
func buildIPv4Header(ttl, proto uint8, src, dst [4]byte, payloadLen int) []byte {
	h := make([]byte, 20)
	h[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(h[2:4], uint16(20+payloadLen))
	h[8] = ttl
	h[9] = proto
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	binary.BigEndian.PutUint16(h[10:12], ipchecksum.Standard(h))
	return h
}

func icmpTypeName(t uint8) string {
	switch t {
	case icmpTypeUnreachable:
		return "unreachable"
	case icmpTypeRedirect:
		return "redirect"
	case icmpTypeTimeExceeded:
		return "time_exceeded"
	default:
		return "other"
	}
}
