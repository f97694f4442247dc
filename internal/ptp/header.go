package ptp

import "encoding/binary"

// MessageType identifies a PTPv2 message's low nibble of byte 0 (IEEE
// 1588-2008 Table 19).
type MessageType uint8

const (
	MsgSync               MessageType = 0x0
	MsgDelayReq           MessageType = 0x1
	MsgPDelayReq          MessageType = 0x2
	MsgPDelayResp         MessageType = 0x3
	MsgFollowUp           MessageType = 0x8
	MsgDelayResp          MessageType = 0x9
	MsgPDelayRespFollowUp MessageType = 0xA
	MsgAnnounce           MessageType = 0xB
	MsgSignaling          MessageType = 0xC
	MsgManagement         MessageType = 0xD
)

func (m MessageType) String() string {
	switch m {
	case MsgSync:
		return "SYNC"
	case MsgDelayReq:
		return "DELAY_REQ"
	case MsgPDelayReq:
		return "PDELAY_REQ"
	case MsgPDelayResp:
		return "PDELAY_RESP"
	case MsgFollowUp:
		return "FOLLOW_UP"
	case MsgDelayResp:
		return "DELAY_RESP"
	case MsgPDelayRespFollowUp:
		return "PDELAY_RESP_FOLLOW_UP"
	case MsgAnnounce:
		return "ANNOUNCE"
	case MsgSignaling:
		return "SIGNALING"
	case MsgManagement:
		return "MANAGEMENT"
	default:
		return "UNKNOWN"
	}
}

// HeaderLen is the size in bytes of the common PTPv2 header that
// precedes every message body.
const HeaderLen = 34

// PortIdentity names a PTP port: an 8-byte clock identity (typically
// derived from a MAC address) plus a port number.
type PortIdentity struct {
	ClockID [8]byte
	Port    uint16
}

// Header is the 34-byte common header shared by every PTPv2 message.
type Header struct {
	Type               MessageType
	Version            uint8 // low nibble, always 2 for PTPv2
	Length             uint16
	Domain             uint8
	Flags              uint16
	Correction         Correction
	SourcePortIdentity PortIdentity
	SequenceID         uint16
	Control            uint8
	LogMessageInterval int8
}

// Flag bits within Header.Flags (IEEE 1588-2008 Table 20, the subset
// this client inspects).
const (
	FlagTwoStep    uint16 = 1 << 9
	FlagUnicast    uint16 = 1 << 10
	FlagPTPProfile uint16 = 1 << 13
)

// EncodeTo serializes h into dst, which must be at least HeaderLen
// bytes, and returns HeaderLen.
func (h Header) EncodeTo(dst []byte) int {
	dst[0] = byte(h.Type) & 0x0F
	dst[1] = (h.Version & 0x0F) | 0x20
	binary.BigEndian.PutUint16(dst[2:4], h.Length)
	dst[4] = h.Domain
	dst[5] = 0
	binary.BigEndian.PutUint16(dst[6:8], h.Flags)
	h.Correction.EncodeTo(dst[8:16])
	binary.BigEndian.PutUint32(dst[16:20], 0)
	copy(dst[20:28], h.SourcePortIdentity.ClockID[:])
	binary.BigEndian.PutUint16(dst[28:30], h.SourcePortIdentity.Port)
	binary.BigEndian.PutUint16(dst[30:32], h.SequenceID)
	dst[32] = h.Control
	dst[33] = byte(h.LogMessageInterval)
	return HeaderLen
}

// DecodeHeader parses the leading HeaderLen bytes of src as a common
// PTPv2 header. src must be at least HeaderLen bytes.
func DecodeHeader(src []byte) Header {
	var h Header
	h.Type = MessageType(src[0] & 0x0F)
	h.Version = src[1] & 0x0F
	h.Length = binary.BigEndian.Uint16(src[2:4])
	h.Domain = src[4]
	h.Flags = binary.BigEndian.Uint16(src[6:8])
	h.Correction = DecodeCorrection(src[8:16])
	copy(h.SourcePortIdentity.ClockID[:], src[20:28])
	h.SourcePortIdentity.Port = binary.BigEndian.Uint16(src[28:30])
	h.SequenceID = binary.BigEndian.Uint16(src[30:32])
	h.Control = src[32]
	h.LogMessageInterval = int8(src[33])
	return h
}
