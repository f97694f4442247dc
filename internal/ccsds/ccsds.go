// Package ccsds implements the CCSDS Space Packet Protocol (SPP)
// primary header and the CCSDS AOS transfer frame's primary header
// plus frame CRC — the wire formats the core state machines need, not
// a full M_PDU/B_PDU data-unit codec (out of scope for this module).
package ccsds

import "encoding/binary"

// SPPHeaderLen is the fixed size of a CCSDS Space Packet primary
// header.
const SPPHeaderLen = 6

// SPPHeader is the 6-byte CCSDS Space Packet primary header.
type SPPHeader struct {
	Version        uint8 // 3 bits, always 0 for CCSDS 133.0-B
	Type           uint8 // 1 bit: 0 = telemetry, 1 = telecommand
	SecondaryHdr   bool
	APID           uint16 // 11 bits
	SeqFlags       uint8  // 2 bits
	SeqCount       uint16 // 14 bits
	DataLength     uint16 // packet data length minus one, per CCSDS
}

// Sequence-flags values (CCSDS 133.0-B Table 4-2).
const (
	SeqContinuation uint8 = 0
	SeqFirst        uint8 = 1
	SeqLast         uint8 = 2
	SeqUnsegmented  uint8 = 3
)

// EncodeTo serializes h into dst, which must be at least SPPHeaderLen
// bytes, returning SPPHeaderLen.
func (h SPPHeader) EncodeTo(dst []byte) int {
	w0 := uint16(h.Version&0x7) << 13
	if h.Type != 0 {
		w0 |= 1 << 12
	}
	if h.SecondaryHdr {
		w0 |= 1 << 11
	}
	w0 |= h.APID & 0x7FF
	binary.BigEndian.PutUint16(dst[0:2], w0)

	w1 := uint16(h.SeqFlags&0x3)<<14 | (h.SeqCount & 0x3FFF)
	binary.BigEndian.PutUint16(dst[2:4], w1)

	binary.BigEndian.PutUint16(dst[4:6], h.DataLength)
	return SPPHeaderLen
}

// DecodeSPPHeader parses the leading SPPHeaderLen bytes of src.
func DecodeSPPHeader(src []byte) SPPHeader {
	w0 := binary.BigEndian.Uint16(src[0:2])
	w1 := binary.BigEndian.Uint16(src[2:4])
	return SPPHeader{
		Version:      uint8(w0 >> 13 & 0x7),
		Type:         uint8(w0 >> 12 & 0x1),
		SecondaryHdr: w0&(1<<11) != 0,
		APID:         w0 & 0x7FF,
		SeqFlags:     uint8(w1 >> 14 & 0x3),
		SeqCount:     w1 & 0x3FFF,
		DataLength:   binary.BigEndian.Uint16(src[4:6]),
	}
}

// AOSHeaderLen is the fixed size of a CCSDS AOS transfer frame's
// primary header (no insert zone, no frame header error control).
const AOSHeaderLen = 6

// TMSyncWord is the optional 4-byte attached synchronization marker
// that may prefix each AOS frame on the wire (CCSDS 131.0-B-3 §4.1).
var TMSyncWord = [4]byte{0x1A, 0xCF, 0xFC, 0x1D}

// AOSHeader is the 6-byte AOS transfer frame primary header.
type AOSHeader struct {
	Version      uint8  // 2 bits
	SpacecraftID uint8  // 8 bits
	VirtualChan  uint8  // 6 bits
	FrameCount   uint32 // 24 bits
	ReplayFlag   bool
	FrameCountExt uint8 // 4 bits, valid only if the extension is present
}

// EncodeTo serializes h into dst, which must be at least AOSHeaderLen
// bytes, returning AOSHeaderLen.
func (h AOSHeader) EncodeTo(dst []byte) int {
	dst[0] = h.Version<<6 | h.SpacecraftID>>2
	dst[1] = h.SpacecraftID<<6 | h.VirtualChan
	dst[2] = byte(h.FrameCount >> 16)
	dst[3] = byte(h.FrameCount >> 8)
	dst[4] = byte(h.FrameCount)
	ext := h.FrameCountExt & 0x0F
	if h.ReplayFlag {
		dst[5] = 0x80 | ext
	} else {
		dst[5] = ext
	}
	return AOSHeaderLen
}

// DecodeAOSHeader parses the leading AOSHeaderLen bytes of src.
func DecodeAOSHeader(src []byte) AOSHeader {
	return AOSHeader{
		Version:       src[0] >> 6,
		SpacecraftID:  src[0]<<2 | src[1]>>6,
		VirtualChan:   src[1] & 0x3F,
		FrameCount:    uint32(src[2])<<16 | uint32(src[3])<<8 | uint32(src[4]),
		ReplayFlag:    src[5]&0x80 != 0,
		FrameCountExt: src[5] & 0x0F,
	}
}

// crc16Table is precomputed for the CRC-CCITT polynomial 0x1021 used
// by the AOS frame error control field.
var crc16Table = func() [256]uint16 {
	var t [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC16 computes the AOS frame error-control field over data,
// initialized to 0xFFFF per CCSDS 131.0-B-3 §4.1.3.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}
