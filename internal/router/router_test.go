package router

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/iptable"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

// captureWriter is an ioext.Writeable that accumulates every finalized
// frame, mirroring internal/ethswitch's test helper.
type captureWriter struct {
	buf    []byte
	Frames [][]byte
}

func (c *captureWriter) GetWriteSpace() uint { return 1 << 20 }
func (c *captureWriter) WriteBytes(b []byte) { c.buf = append(c.buf, b...) }
func (c *captureWriter) WriteFinalize() bool {
	c.Frames = append(c.Frames, append([]byte(nil), c.buf...))
	c.buf = nil
	return true
}
func (c *captureWriter) WriteAbort() { c.buf = nil }

func ipv4Frame(t *testing.T, dstMAC, srcMAC MAC, srcIP, dstIP [4]byte, ttl, proto uint8, payload []byte) []byte {
	t.Helper()
	f := make([]byte, 14+20+len(payload))
	copy(f[0:6], dstMAC[:])
	copy(f[6:12], srcMAC[:])
	f[12], f[13] = 0x08, 0x00

	ip := f[14:34]
	ip[0] = 0x45
	ip[2], ip[3] = byte((20+len(payload))>>8), byte(20+len(payload))
	ip[8] = ttl
	ip[9] = proto
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	cs := standaloneChecksum(ip)
	ip[10], ip[11] = byte(cs>>8), byte(cs)

	copy(f[34:], payload)
	return f
}

// standaloneChecksum avoids importing internal/ipchecksum into the
// test just to verify the fixture itself is well-formed.
func standaloneChecksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

func newTestDispatch(t *testing.T) (*Dispatch, *poll.Context) {
	t.Helper()
	ctx := poll.NewContext()
	table := iptable.NewTable(16)
	mac := MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	d := NewDispatch("t1", 256, 16, mac, net.IPv4(10, 0, 0, 1), table, ctx, timeref.NullRef{})
	return d, ctx
}

func TestDispatch_LocalDestinationGoesToLocalStack(t *testing.T) {
	t.Parallel()
	d, ctx := newTestDispatch(t)

	var got []byte
	d.RegisterIPProtocol(ProtoUDP, ipHandlerFunc(func(meta IPv4Meta, payload []byte) {
		got = append([]byte(nil), payload...)
	}))

	out := &captureWriter{}
	p1, err := d.NewPort(ctx, out, nil, nil)
	require.NoError(t, err)

	frame := ipv4Frame(t, d.MACAddr(), MAC{0xAA}, [4]byte{10, 0, 0, 5}, d.IPAddr(), 64, ProtoUDP, []byte("hi"))
	w := d.WriterFor(p1.Index())
	w.WriteBytes(frame)
	require.True(t, w.WriteFinalize())
	ctx.ServiceAll(10)

	require.Equal(t, []byte("hi"), got)
	require.Empty(t, out.Frames, "a locally-addressed datagram must not be forwarded to other ports")
}

func TestDispatch_ForwardsAndDecrementsTTL(t *testing.T) {
	t.Parallel()
	d, ctx := newTestDispatch(t)

	out2 := &captureWriter{}
	p1, err := d.NewPort(ctx, &captureWriter{}, nil, nil)
	require.NoError(t, err)
	p2, err := d.NewPort(ctx, out2, nil, nil)
	require.NoError(t, err)

	nextHop := MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x09}
	_, subnet, err := net.ParseCIDR("10.0.1.0/24")
	require.NoError(t, err)
	require.True(t, d.Table().RouteStatic(subnet, net.IPv4(10, 0, 0, 9), nextHop, p2.Index(), 0))

	frame := ipv4Frame(t, d.MACAddr(), MAC{0xAA}, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 1, 7}, 5, ProtoUDP, []byte("x"))
	w := d.WriterFor(p1.Index())
	w.WriteBytes(frame)
	require.True(t, w.WriteFinalize())
	ctx.ServiceAll(10)

	require.Len(t, out2.Frames, 1)
	out := out2.Frames[0]
	hdr, err := ethswitch.ParseHeader(out)
	require.NoError(t, err)
	require.Equal(t, uint8(4), hdr.IPv4.TTL, "TTL must be decremented by exactly one hop")
	require.Equal(t, nextHop, hdr.DstMAC)
	require.Equal(t, d.MACAddr(), hdr.SrcMAC)
}

func TestDispatch_DropsSwitchControlDestination(t *testing.T) {
	t.Parallel()
	d, ctx := newTestDispatch(t)

	out := &captureWriter{}
	p1, err := d.NewPort(ctx, &captureWriter{}, nil, nil)
	require.NoError(t, err)
	_, err = d.NewPort(ctx, out, nil, nil)
	require.NoError(t, err)

	stp := MAC{0x01, 0x80, 0xC2, 0x00, 0x00, 0x00}
	frame := ipv4Frame(t, stp, MAC{0xAA}, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 1, 7}, 5, ProtoUDP, []byte("x"))
	w := d.WriterFor(p1.Index())
	w.WriteBytes(frame)
	require.True(t, w.WriteFinalize())
	ctx.ServiceAll(10)

	require.Empty(t, out.Frames)
}

func TestDispatch_TTLExpiryGeneratesICMP(t *testing.T) {
	t.Parallel()
	d, ctx := newTestDispatch(t)

	out1 := &captureWriter{}
	p1, err := d.NewPort(ctx, out1, nil, nil)
	require.NoError(t, err)
	p2, err := d.NewPort(ctx, &captureWriter{}, nil, nil)
	require.NoError(t, err)

	senderMAC := MAC{0xAA, 0, 0, 0, 0, 1}
	_, senderSubnet, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	require.True(t, d.Table().RouteStatic(senderSubnet, nil, senderMAC, p1.Index(), iptable.FlagMACFixed))
	_, destSubnet, err := net.ParseCIDR("10.0.1.0/24")
	require.NoError(t, err)
	require.True(t, d.Table().RouteStatic(destSubnet, net.IPv4(10, 0, 0, 9), MAC{0x02, 0, 0, 0, 0, 9}, p2.Index(), 0))

	frame := ipv4Frame(t, d.MACAddr(), senderMAC, [4]byte{10, 0, 0, 5}, [4]byte{10, 0, 1, 7}, 1, ProtoUDP, []byte("x"))
	w := d.WriterFor(p1.Index())
	w.WriteBytes(frame)
	require.True(t, w.WriteFinalize())
	ctx.ServiceAll(10)

	require.Len(t, out1.Frames, 1, "a TTL-expired datagram must draw exactly one ICMP reply back toward its sender")
	hdr, err := ethswitch.ParseHeader(out1.Frames[0])
	require.NoError(t, err)
	require.Equal(t, senderMAC, hdr.DstMAC)
	payload := out1.Frames[0][hdr.Len():]
	require.Equal(t, uint8(icmpTypeTimeExceeded), payload[0])
}

type ipHandlerFunc func(meta IPv4Meta, payload []byte)

func (f ipHandlerFunc) ReceiveIPv4(meta IPv4Meta, payload []byte) { f(meta, payload) }
