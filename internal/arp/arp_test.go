package arp

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/iptable"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

type captureWriter struct {
	buf    []byte
	Frames [][]byte
}

func (c *captureWriter) GetWriteSpace() uint { return 1 << 16 }
func (c *captureWriter) WriteBytes(b []byte) { c.buf = append(c.buf, b...) }
func (c *captureWriter) WriteFinalize() bool {
	c.Frames = append(c.Frames, append([]byte(nil), c.buf...))
	c.buf = nil
	return true
}
func (c *captureWriter) WriteAbort() { c.buf = nil }

func arpFrame(dstMAC, srcMAC MAC, op uint16, sha MAC, spa [4]byte, tha MAC, tpa [4]byte) []byte {
	f := make([]byte, 14+arpBodyLen)
	copy(f[0:6], dstMAC[:])
	copy(f[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(f[12:14], ethswitch.EtherTypeARP)
	body := f[14:]
	binary.BigEndian.PutUint16(body[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(body[2:4], protoTypeIPv4)
	body[4], body[5] = 6, 4
	binary.BigEndian.PutUint16(body[6:8], op)
	copy(body[8:14], sha[:])
	copy(body[14:18], spa[:])
	copy(body[18:24], tha[:])
	copy(body[24:28], tpa[:])
	return f
}

func TestCache_AnswersQueryForOwnAddress(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	mac := MAC{0x02, 0, 0, 0, 0, 1}
	c := NewCache("t1", mac, net.IPv4(10, 0, 0, 1), iptable.NewTable(8), ctx, timeref.NullRef{})
	out := &captureWriter{}
	c.SetWriter(out)

	requester := MAC{0xAA, 0, 0, 0, 0, 2}
	frame := arpFrame(ethswitch.Broadcast, requester, opRequest, requester, [4]byte{10, 0, 0, 5}, MAC{}, [4]byte{10, 0, 0, 1})
	c.ReceiveEthernet(requester, false, 0, frame[14:])

	require.Len(t, out.Frames, 1)
	reply := out.Frames[0]
	require.Equal(t, requester, ethswitch.MAC(reply[0:6]))
	body := reply[14:]
	require.Equal(t, uint16(opReply), binary.BigEndian.Uint16(body[6:8]))
	require.Equal(t, mac[:], body[8:14])
}

func TestCache_LearnsFromRepliesAndNotifiesListeners(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	mac := MAC{0x02, 0, 0, 0, 0, 1}
	table := iptable.NewTable(8)
	c := NewCache("t2", mac, net.IPv4(10, 0, 0, 1), table, ctx, timeref.NullRef{})

	var gotIP [4]byte
	var gotMAC MAC
	c.AddResolutionListener(listenerFunc(func(ip [4]byte, m MAC) {
		gotIP, gotMAC = ip, m
	}))

	c.RequestResolve([4]byte{10, 0, 0, 9})

	peerMAC := MAC{0xBB, 0, 0, 0, 0, 9}
	reply := arpFrame(mac, peerMAC, opReply, peerMAC, [4]byte{10, 0, 0, 9}, mac, [4]byte{10, 0, 0, 1})
	c.ReceiveEthernet(peerMAC, false, 0, reply[14:])

	require.Equal(t, [4]byte{10, 0, 0, 9}, gotIP)
	require.Equal(t, peerMAC, gotMAC)

	got, ok := c.Resolve([4]byte{10, 0, 0, 9})
	require.True(t, ok)
	require.Equal(t, peerMAC, got)
}

type listenerFunc func(ip [4]byte, mac MAC)

func (f listenerFunc) ARPResolved(ip [4]byte, mac MAC) { f(ip, mac) }
