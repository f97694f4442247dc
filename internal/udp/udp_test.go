package udp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/router"
)

type captureWriter struct {
	buf    []byte
	Frames [][]byte
}

func (c *captureWriter) WriteBytes(b []byte) { c.buf = append(c.buf, b...) }
func (c *captureWriter) WriteFinalize() bool {
	c.Frames = append(c.Frames, append([]byte(nil), c.buf...))
	c.buf = nil
	return true
}

func newTestDispatch(t *testing.T) (*Dispatch, *captureWriter) {
	t.Helper()
	mac := MAC{0x02, 0, 0, 0, 0, 1}
	d := NewDispatch("t1", mac, net.IPv4(10, 0, 0, 1))
	out := &captureWriter{}
	d.SetWriter(out)
	return d, out
}

func udpDatagram(srcPort, dstPort uint16, body []byte) []byte {
	hdr := make([]byte, 8+len(body))
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(hdr)))
	copy(hdr[8:], body)
	return hdr
}

type recvProto struct {
	gotIP   [4]byte
	gotPort uint16
	gotBody []byte
}

func (p *recvProto) ReceiveUDP(srcIP [4]byte, srcPort uint16, payload []byte) {
	p.gotIP, p.gotPort, p.gotBody = srcIP, srcPort, append([]byte(nil), payload...)
}

func TestDispatch_DeliversToRegisteredPort(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatch(t)
	p := &recvProto{}
	require.NoError(t, d.Register(69, p))

	meta := router.IPv4Meta{SrcIP: [4]byte{10, 0, 0, 5}}
	d.ReceiveIPv4(meta, udpDatagram(1234, 69, []byte("hello")))

	require.Equal(t, meta.SrcIP, p.gotIP)
	require.Equal(t, uint16(1234), p.gotPort)
	require.Equal(t, []byte("hello"), p.gotBody)
}

func TestDispatch_RegisterTakenPortFails(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatch(t)
	require.NoError(t, d.Register(69, &recvProto{}))
	require.Error(t, d.Register(69, &recvProto{}))
}

func TestDispatch_RegisterDynamicWalksRangeAndExhausts(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatch(t)
	d.SetDynamicRange(5000, 5001)

	p1, err := d.RegisterDynamic(&recvProto{})
	require.NoError(t, err)
	p2, err := d.RegisterDynamic(&recvProto{})
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	_, err = d.RegisterDynamic(&recvProto{})
	require.Error(t, err, "ports full")
}

type capturingUnreachable struct {
	called bool
	meta   router.IPv4Meta
}

func (c *capturingUnreachable) PortUnreachable(meta router.IPv4Meta, udpHeader []byte) {
	c.called = true
	c.meta = meta
}

func TestDispatch_UnicastUnhandledPortNotifiesUnreachable(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatch(t)
	u := &capturingUnreachable{}
	d.SetUnreachable(u)

	meta := router.IPv4Meta{SrcIP: [4]byte{10, 0, 0, 5}, DstIP: [4]byte{10, 0, 0, 1}}
	d.ReceiveIPv4(meta, udpDatagram(1234, 69, nil))

	require.True(t, u.called)
}

func TestDispatch_BroadcastUnhandledPortDoesNotNotify(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatch(t)
	u := &capturingUnreachable{}
	d.SetUnreachable(u)

	meta := router.IPv4Meta{SrcIP: [4]byte{10, 0, 0, 5}, DstIP: [4]byte{255, 255, 255, 255}}
	d.ReceiveIPv4(meta, udpDatagram(1234, 69, nil))

	require.False(t, u.called)
}

func TestSocket_SendBuildsWireFrame(t *testing.T) {
	t.Parallel()
	d, out := newTestDispatch(t)
	s := NewSocket(d)

	mac := MAC{0xAA, 0, 0, 0, 0, 9}
	require.NoError(t, s.Connect(net.IPv4(10, 0, 0, 9), 53, &mac))
	require.True(t, s.ReadyTx())
	require.NoError(t, s.Send([]byte("query")))

	require.Len(t, out.Frames, 1)
	frame := out.Frames[0]
	require.Equal(t, mac, ethMAC(frame[0:6]))
	udpHdr := frame[14+20:]
	require.Equal(t, s.Port(), binary.BigEndian.Uint16(udpHdr[0:2]))
	require.Equal(t, uint16(53), binary.BigEndian.Uint16(udpHdr[2:4]))
	require.Equal(t, "query", string(udpHdr[8:]))
}

func TestSocket_ReceivesViaCallback(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatch(t)
	s := NewSocket(d)
	require.NoError(t, s.Bind(12345))

	var gotBody []byte
	s.SetReceiveCallback(func(srcIP [4]byte, srcPort uint16, payload []byte) {
		gotBody = append([]byte(nil), payload...)
	})

	d.ReceiveIPv4(router.IPv4Meta{SrcIP: [4]byte{10, 0, 0, 7}}, udpDatagram(80, 12345, []byte("hi")))
	require.Equal(t, []byte("hi"), gotBody)
}

type fakeARP struct {
	resolved    [][4]byte
	listeners   []router.ResolutionListener
}

func (a *fakeARP) RequestResolve(target [4]byte) { a.resolved = append(a.resolved, target) }
func (a *fakeARP) AddResolutionListener(l router.ResolutionListener) {
	a.listeners = append(a.listeners, l)
}
func (a *fakeARP) resolve(ip [4]byte, mac MAC) {
	for _, l := range a.listeners {
		l.ARPResolved(ip, mac)
	}
}

func TestSocket_ConnectDefersUntilARPResolves(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatch(t)
	s := NewSocket(d)
	arp := &fakeARP{}
	s.SetARP(arp)

	require.NoError(t, s.Connect(net.IPv4(10, 0, 0, 9), 53, nil))
	require.False(t, s.ReadyTx())
	require.Len(t, arp.resolved, 1)

	mac := MAC{0xAA, 1, 2, 3, 4, 5}
	arp.resolve([4]byte{10, 0, 0, 9}, mac)
	require.True(t, s.ReadyTx())
}

func TestSocket_BroadcastPeerAlwaysReady(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatch(t)
	s := NewSocket(d)
	require.NoError(t, s.Connect(net.IPv4(255, 255, 255, 255), 67, nil))
	require.True(t, s.ReadyTx())
}

func ethMAC(b []byte) MAC {
	var m MAC
	copy(m[:], b)
	return m
}
