package ccsds

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSPPHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	h := SPPHeader{
		Type:         1,
		SecondaryHdr: true,
		APID:         0x123,
		SeqFlags:     SeqUnsegmented,
		SeqCount:     0x1FFF,
		DataLength:   99,
	}
	var buf [SPPHeaderLen]byte
	require.Equal(t, SPPHeaderLen, h.EncodeTo(buf[:]))

	got := DecodeSPPHeader(buf[:])
	require.Equal(t, h, got)
}

func TestAOSHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	h := AOSHeader{
		Version:      1,
		SpacecraftID: 0xAB,
		VirtualChan:  0x2A,
		FrameCount:   0x00F0F0,
		ReplayFlag:   true,
		FrameCountExt: 0x5,
	}
	var buf [AOSHeaderLen]byte
	require.Equal(t, AOSHeaderLen, h.EncodeTo(buf[:]))

	got := DecodeAOSHeader(buf[:])
	require.Equal(t, h, got)
}

func TestCRC16KnownValue(t *testing.T) {
	t.Parallel()
	// "123456789" is the standard CRC-CCITT check string; with a
	// 0xFFFF initial value (CCSDS's convention) it yields 0x29B1.
	require.Equal(t, uint16(0x29B1), CRC16([]byte("123456789")))
}
