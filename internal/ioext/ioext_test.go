package ioext

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
)

func TestArrayRead_SequentialIntegerReads(t *testing.T) {
	t.Parallel()
	src := []byte{0x01, 0x02, 0x03, 0x04, 0xFF, 0xFF}
	r := NewArrayRead(src)

	require.Equal(t, uint(6), r.GetReadReady())
	require.Equal(t, uint32(0x01020304), ReadU32(r))
	require.Equal(t, uint(2), r.GetReadReady())
	require.Equal(t, uint16(0xFFFF), ReadU16(r))
	require.Equal(t, uint(0), r.GetReadReady())
}

func TestArrayRead_LittleEndianAndSigned(t *testing.T) {
	t.Parallel()
	r := NewArrayRead([]byte{0xFE, 0xFF}) // -2 as s16
	require.Equal(t, int16(-2), ReadS16L(r))
}

func TestArrayRead_U24SignExtension(t *testing.T) {
	t.Parallel()
	r := NewArrayRead([]byte{0xFF, 0xFF, 0xFE}) // -2 as s24
	require.Equal(t, int32(-2), ReadS24(r))
}

func TestArrayRead_ReadBytesShortReturnsFalse(t *testing.T) {
	t.Parallel()
	r := NewArrayRead([]byte{0x01, 0x02})
	dst := make([]byte, 4)
	ok := r.ReadBytes(dst)
	require.False(t, ok)
	require.Equal(t, uint(0), r.GetReadReady())
}

func TestArrayWrite_OverflowInvalidatesFrame(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 4)
	w := NewArrayWrite(buf)
	WriteU32(w, 0xAABBCCDD)
	require.Equal(t, uint(0), w.GetWriteSpace())
	require.True(t, w.WriteFinalize())

	w2 := NewArrayWrite(make([]byte, 2))
	WriteU32(w2, 1) // overflows a 2-byte buffer
	require.False(t, w2.WriteFinalize())
}

func TestArrayWrite_RoundTripsFloats(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 8)
	w := NewArrayWrite(buf)
	WriteF64(w, 3.5)
	require.True(t, w.WriteFinalize())

	r := NewArrayRead(w.Written())
	require.InDelta(t, 3.5, ReadF64(r), 1e-9)
}

func TestLimitedRead_StopsAtBoundaryAndFinalizeConsumesRemainder(t *testing.T) {
	t.Parallel()
	src := NewArrayRead([]byte{1, 2, 3, 4, 5, 6})
	lr := NewLimitedRead(src, 3)
	require.Equal(t, uint(3), lr.GetReadReady())

	var b [1]byte
	require.True(t, lr.ReadBytes(b[:]))
	require.Equal(t, byte(1), b[0])

	lr.ReadFinalize()
	require.Equal(t, uint(0), lr.GetReadReady())
	// The source's position should have advanced past the whole window,
	// not just the one byte actually read, but no further.
	require.Equal(t, uint(3), src.GetReadReady())
}

func TestCopyAndFinalize(t *testing.T) {
	t.Parallel()
	src := NewArrayRead([]byte("hello"))
	dstBuf := make([]byte, 5)
	dst := NewArrayWrite(dstBuf)
	require.True(t, CopyAndFinalize(src, dst))
	require.Equal(t, "hello", string(dst.Written()))
}

type recordingListener struct {
	rcvd   int
	unlink int
}

func (l *recordingListener) DataRcvd(Readable)   { l.rcvd++ }
func (l *recordingListener) DataUnlink(Readable) { l.unlink++ }

func TestOnDemandNotifier_FiresOnNextPoll(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	src := NewArrayRead(nil)
	lst := &recordingListener{}
	n := NewOnDemandNotifier(ctx, src, lst)

	n.Notify()
	ctx.Service()
	require.Equal(t, 1, lst.rcvd)

	n.Unlink()
	require.Equal(t, 1, lst.unlink)
}

func TestReadableRedirect_ForwardsToTarget(t *testing.T) {
	t.Parallel()
	inner := NewArrayRead([]byte{9})
	red := NewReadableRedirect(inner)
	require.Equal(t, uint(1), red.GetReadReady())
	require.Equal(t, uint8(9), ReadU8(red))
}
