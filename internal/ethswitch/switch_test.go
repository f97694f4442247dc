package ethswitch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ioext"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
)

// captureWriter is an ioext.Writeable that accumulates every finalized
// frame into Frames.
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

var _ ioext.Writeable = (*captureWriter)(nil)

func ethFrame(dst, src MAC, etherType uint16, payload []byte) []byte {
	f := make([]byte, 14+len(payload))
	copy(f[0:6], dst[:])
	copy(f[6:12], src[:])
	f[12] = byte(etherType >> 8)
	f[13] = byte(etherType)
	copy(f[14:], payload)
	return f
}

func vlanFrame(dst, src MAC, vid uint16, etherType uint16, payload []byte) []byte {
	f := make([]byte, 18+len(payload))
	copy(f[0:6], dst[:])
	copy(f[6:12], src[:])
	f[12], f[13] = 0x81, 0x00
	f[14], f[15] = byte(vid>>8)&0x0F, byte(vid)
	f[16] = byte(etherType >> 8)
	f[17] = byte(etherType)
	copy(f[18:], payload)
	return f
}

func injectFrame(t *testing.T, sc *SwitchCore, srcPort int, frame []byte) {
	t.Helper()
	w := sc.WriterFor(srcPort)
	w.WriteBytes(frame)
	require.True(t, w.WriteFinalize())
}

func TestSwitchCore_BroadcastsToAllOtherPorts(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	sc := NewSwitchCore("t1", 256, 16)

	out1 := &captureWriter{}
	out2 := &captureWriter{}
	p1, err := sc.NewPort(ctx, out1, nil, nil)
	require.NoError(t, err)
	p2, err := sc.NewPort(ctx, out2, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, p1.Index(), p2.Index())

	frame := ethFrame(Broadcast, MAC{1, 2, 3, 4, 5, 6}, 0x0800, []byte("payload"))
	injectFrame(t, sc, p1.Index(), frame)
	ctx.ServiceAll(10)

	require.Len(t, out2.Frames, 1)
	require.Equal(t, frame, out2.Frames[0])
	require.Empty(t, out1.Frames, "a port must never receive its own ingress traffic back")
}

func TestSwitchCore_MACLearningRestrictsUnicast(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	sc := NewSwitchCore("t2", 256, 16)
	learn := NewMACLearning()
	sc.AddPlugin(learn)

	outA := &captureWriter{}
	outB := &captureWriter{}
	outC := &captureWriter{}
	pa, _ := sc.NewPort(ctx, outA, nil, nil)
	pb, _ := sc.NewPort(ctx, outB, nil, nil)
	pc, _ := sc.NewPort(ctx, outC, nil, nil)

	macA := MAC{0xAA, 0, 0, 0, 0, 1}
	macB := MAC{0xBB, 0, 0, 0, 0, 2}

	// B announces itself so the table learns (macB -> pb).
	injectFrame(t, sc, pb.Index(), ethFrame(Broadcast, macB, 0x0800, []byte("hi")))
	ctx.ServiceAll(10)
	require.Len(t, outA.Frames, 1)
	require.Len(t, outC.Frames, 1)

	// Now A sends directly to B: only B should receive it.
	injectFrame(t, sc, pa.Index(), ethFrame(macB, macA, 0x0800, []byte("unicast")))
	ctx.ServiceAll(10)
	require.Len(t, outB.Frames, 1)
	require.Len(t, outC.Frames, 1, "C must not receive the learned unicast frame")
}

func TestSwitchCore_MACLearningDropsUnknownUnicastWithoutBroadcastFallback(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	sc := NewSwitchCore("t3", 256, 16)
	learn := NewMACLearning() // MissBroadcast defaults to false for every port.
	sc.AddPlugin(learn)

	outA := &captureWriter{}
	outB := &captureWriter{}
	pa, _ := sc.NewPort(ctx, outA, nil, nil)
	_, _ = sc.NewPort(ctx, outB, nil, nil)

	unknown := MAC{0xCC, 0, 0, 0, 0, 9}
	injectFrame(t, sc, pa.Index(), ethFrame(unknown, MAC{1, 1, 1, 1, 1, 1}, 0x0800, []byte("x")))
	ctx.ServiceAll(10)
	require.Empty(t, outB.Frames)
}

func TestSwitchCore_VLANMembershipRestrictsFanout(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	sc := NewSwitchCore("t4", 256, 16)

	clock := 0.0
	vlan := NewVLANPolicy(func() float64 { return clock })

	out1 := &captureWriter{}
	out2 := &captureWriter{}
	p1, _ := sc.NewPort(ctx, out1, []PluginPort{vlan}, nil)
	p2, _ := sc.NewPort(ctx, out2, []PluginPort{vlan}, nil)

	vlan.SetPortConfig(p1.Index(), PortVLANConfig{Mode: Restricted, NativeVID: 10})
	vlan.SetPortConfig(p2.Index(), PortVLANConfig{Mode: Restricted, NativeVID: 20})
	vlan.SetVIDPolicy(10, VIDPolicy{Members: 1 << uint(p1.Index())})

	injectFrame(t, sc, p1.Index(), ethFrame(Broadcast, MAC{9, 9, 9, 9, 9, 9}, 0x0800, []byte("v10")))
	ctx.ServiceAll(10)
	require.Empty(t, out2.Frames, "port 2 is not a member of VID 10 and must not receive it")
}

func TestVLANPolicy_RestrictedDropsTaggedFrameEvenWhenPortIsMember(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	sc := NewSwitchCore("t4b", 256, 16)

	clock := 0.0
	vlan := NewVLANPolicy(func() float64 { return clock })

	out1 := &captureWriter{}
	out2 := &captureWriter{}
	p1, _ := sc.NewPort(ctx, out1, []PluginPort{vlan}, nil)
	p2, _ := sc.NewPort(ctx, out2, []PluginPort{vlan}, nil)

	vlan.SetPortConfig(p1.Index(), PortVLANConfig{Mode: Restricted, NativeVID: 1})
	vlan.SetVIDPolicy(7, VIDPolicy{Members: 1<<uint(p1.Index()) | 1<<uint(p2.Index())})

	tagged := vlanFrame(Broadcast, MAC{7, 7, 7, 7, 7, 7}, 7, 0x0800, []byte("tagged"))
	injectFrame(t, sc, p1.Index(), tagged)
	ctx.ServiceAll(10)

	require.Empty(t, out2.Frames, "a tagged frame under RESTRICTED is dropped even though port 1 is a VID 7 member")
}

func TestVLANPolicy_RateLimitStrictDropsOnceBucketExhausted(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	sc := NewSwitchCore("t5", 256, 16)

	clock := 0.0
	vlan := NewVLANPolicy(func() float64 { return clock })

	out1 := &captureWriter{}
	out2 := &captureWriter{}
	p1, _ := sc.NewPort(ctx, out1, []PluginPort{vlan}, nil)
	p2, _ := sc.NewPort(ctx, out2, []PluginPort{vlan}, nil)
	_ = p2

	vlan.SetVIDPolicy(1, VIDPolicy{
		Members:     ^uint64(0),
		RateLimit:   Strict,
		BucketRate:  0,
		BucketBurst: 1,
	})

	frame := ethFrame(Broadcast, MAC{1, 1, 1, 1, 1, 1}, 0x0800, []byte("a"))
	injectFrame(t, sc, p1.Index(), frame)
	ctx.ServiceAll(10)
	require.Len(t, out2.Frames, 1, "first packet should consume the only token and pass")

	injectFrame(t, sc, p1.Index(), frame)
	ctx.ServiceAll(10)
	require.Len(t, out2.Frames, 1, "second packet should be dropped: bucket is exhausted and rate is zero")
}

func TestVLANPolicy_EgressTagsUntaggedNativeVID(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	sc := NewSwitchCore("t6", 256, 16)

	clock := 0.0
	vlan := NewVLANPolicy(func() float64 { return clock })

	out1 := &captureWriter{}
	out2 := &captureWriter{}
	p1, _ := sc.NewPort(ctx, out1, nil, nil)
	p2, _ := sc.NewPort(ctx, out2, nil, []PluginPort{vlan})
	vlan.SetPortConfig(p2.Index(), PortVLANConfig{Mode: AdmitAll, NativeVID: 42, TagEgress: true})

	injectFrame(t, sc, p1.Index(), ethFrame(Broadcast, MAC{2, 2, 2, 2, 2, 2}, 0x0800, []byte("tagme")))
	ctx.ServiceAll(10)

	require.Len(t, out2.Frames, 1)
	hdr, err := ParseHeader(out2.Frames[0])
	require.NoError(t, err)
	require.True(t, hdr.HasVLAN)
	require.Equal(t, uint16(42), hdr.VID)
}

func TestSwitchCore_LogHandlerReceivesKeepAndDropRecords(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	sc := NewSwitchCore("t7", 256, 16)
	stats := NewStatsLogHandler()
	sc.AddLogHandler(stats)

	out1 := &captureWriter{}
	out2 := &captureWriter{}
	p1, _ := sc.NewPort(ctx, out1, nil, nil)
	_, _ = sc.NewPort(ctx, out2, nil, nil)

	injectFrame(t, sc, p1.Index(), ethFrame(Broadcast, MAC{3, 3, 3, 3, 3, 3}, 0x0800, []byte("ok")))
	ctx.ServiceAll(10)

	// A too-short frame should be parsed as BADFRM and logged as a drop.
	w := sc.WriterFor(p1.Index())
	w.WriteBytes([]byte{1, 2, 3})
	require.True(t, w.WriteFinalize())
	ctx.ServiceAll(10)

	st := stats.Stats(p1.Index())
	require.Equal(t, uint64(2), st.RxTotal)
	require.Equal(t, uint64(1), st.ErrTotal)
	require.Equal(t, uint64(1), st.ErrBadPacket)
}

func TestLogRecordRoundTrip(t *testing.T) {
	t.Parallel()
	rec := LogRecord{
		TimestampUsec: 0x00ABCDEF & 0xFFFFFF,
		SrcPort:       5,
		DstMAC:        MAC{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		SrcMAC:        MAC{0x11, 0x12, 0x13, 0x14, 0x15, 0x16},
		VID:           99,
		DstMask:       0xDEADBEEF,
		EtherType:     0x0800,
		Kept:          true,
	}
	var buf [LogRecordLen]byte
	require.Equal(t, LogRecordLen, rec.EncodeTo(buf[:]))

	got := DecodeLogRecord(buf[:])
	require.Equal(t, rec.TimestampUsec, got.TimestampUsec)
	require.Equal(t, rec.SrcPort, got.SrcPort)
	require.Equal(t, rec.DstMAC, got.DstMAC)
	require.Equal(t, rec.SrcMAC, got.SrcMAC)
	require.Equal(t, rec.VID, got.VID)
	require.Equal(t, rec.EtherType, got.EtherType)
	require.Equal(t, rec.Kept, got.Kept)
	require.Equal(t, rec.DstMask, got.DstMask)
}

func TestLogRecordEncodeToExactByteLayout(t *testing.T) {
	t.Parallel()
	rec := LogRecord{
		TimestampUsec: 0x123456,
		SrcPort:       0x1A, // masked to 5 bits -> 0x1A & 0x1F = 0x1A
		DstMAC:        MAC{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		SrcMAC:        MAC{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		VID:           0x0ABC,
		EtherType:     0x0806,
		DropReason:    "NO_ROUTE",
		Kept:          false,
	}
	var buf [LogRecordLen]byte
	rec.EncodeTo(buf[:])

	// word 0: 24-bit timestamp (0x123456), 3-bit type (DROP=1), 5-bit port (0x1A)
	require.Equal(t, byte(0x12), buf[0])
	require.Equal(t, byte(0x34), buf[1])
	require.Equal(t, byte(0x56), buf[2])
	require.Equal(t, byte(LogTypeDrop<<5)|0x1A, buf[3])

	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, buf[4:10])
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, buf[10:16])
	require.Equal(t, []byte{0x08, 0x06}, buf[16:18])
	require.Equal(t, []byte{0x0A, 0xBC}, buf[18:20])
	require.Equal(t, []byte{0, 0, 0, byte(dropReasonCodes["NO_ROUTE"])}, buf[20:24])
}
