package coap

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/router"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/udp"
)

// loopbackWriter bridges one dispatch's outgoing frames directly into
// a peer dispatch's IPv4 receive path, skipping the Ethernet switch
// and router entirely — enough to exercise the CoAP exchange layer
// end to end without standing up the whole stack.
type loopbackWriter struct {
	buf  []byte
	peer *udp.Dispatch
}

func (w *loopbackWriter) WriteBytes(b []byte) { w.buf = append(w.buf, b...) }
func (w *loopbackWriter) WriteFinalize() bool {
	frame := w.buf
	w.buf = nil
	if len(frame) < 34 {
		return false
	}
	var src, dst [4]byte
	copy(src[:], frame[26:30])
	copy(dst[:], frame[30:34])
	w.peer.ReceiveIPv4(router.IPv4Meta{SrcIP: src, DstIP: dst, TTL: 64}, frame[34:])
	return true
}

func newLoopbackPair(t *testing.T) (*udp.Socket, *udp.Socket) {
	t.Helper()
	mac1 := udp.MAC{0x02, 0, 0, 0, 0, 1}
	mac2 := udp.MAC{0x02, 0, 0, 0, 0, 2}
	d1 := udp.NewDispatch("node1", mac1, net.IPv4(10, 0, 0, 1))
	d2 := udp.NewDispatch("node2", mac2, net.IPv4(10, 0, 0, 2))
	d1.SetWriter(&loopbackWriter{peer: d2})
	d2.SetWriter(&loopbackWriter{peer: d1})

	s1 := udp.NewSocket(d1)
	s2 := udp.NewSocket(d2)
	require.NoError(t, s1.Bind(5683))
	require.NoError(t, s2.Bind(5683))
	require.NoError(t, s1.Connect(net.IPv4(10, 0, 0, 2), 5683, &mac2))
	require.NoError(t, s2.Connect(net.IPv4(10, 0, 0, 1), 5683, &mac1))
	return s1, s2
}

func TestRequestResponseRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	clientSock, serverSock := newLoopbackPair(t)

	server := NewConnection(ctx, serverSock)
	server.SetHandler(func(req Message) Message {
		require.Equal(t, []string{"sensors", "temp"}, req.Options.UriPath)
		return Message{Code: CodeContent, Payload: []byte("21.5C")}
	})

	client := NewConnection(ctx, clientSock)
	var gotResp Message
	var gotErr error
	client.Request(Message{Code: CodeGet, Token: []byte{0x01}, Options: Options{UriPath: []string{"sensors", "temp"}}},
		func(resp Message, err error) { gotResp, gotErr = resp, err })

	require.NoError(t, gotErr)
	require.Equal(t, CodeContent, gotResp.Code)
	require.Equal(t, []byte("21.5C"), gotResp.Payload)
}

func TestDuplicateRequestResendsCachedResponse(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	clientSock, serverSock := newLoopbackPair(t)

	calls := 0
	server := NewConnection(ctx, serverSock)
	server.SetHandler(func(req Message) Message {
		calls++
		return Message{Code: CodeContent, Payload: []byte("ok")}
	})

	req := Message{Type: TypeConfirmable, Code: CodeGet, MessageID: 99, Token: []byte{0x7}}
	raw := Encode(req)
	server.receive([4]byte{10, 0, 0, 1}, 5683, raw)
	server.receive([4]byte{10, 0, 0, 1}, 5683, raw)

	require.Equal(t, 1, calls, "handler must run once; the retransmit should be answered from the dedup cache")
	_ = clientSock
}
