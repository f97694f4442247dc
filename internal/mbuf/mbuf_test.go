package mbuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
)

// fanoutDeliverer accepts every packet onto every reader in readers,
// mimicking a switch core delivering to all egress ports.
type fanoutDeliverer struct{ readers []*MultiReaderPriority }

func (d *fanoutDeliverer) Deliver(pkt *MultiPacket) {
	for _, r := range d.readers {
		r.Accept(pkt)
	}
}

func TestMultiWriter_RoundTripsThroughSingleReader(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	reader := NewMultiReaderPriority(ctx)
	buf := NewBuffer(8, 8, &fanoutDeliverer{readers: []*MultiReaderPriority{reader}})

	w := NewMultiWriter(buf)
	payload := []byte("hello, world! this spans more than one chunk")
	w.WriteBytes(payload)
	require.True(t, w.WriteFinalize())

	require.Equal(t, uint(len(payload)), reader.GetReadReady())
	got := make([]byte, len(payload))
	require.True(t, reader.ReadBytes(got))
	require.Equal(t, payload, got)
	require.Equal(t, uint(0), reader.GetReadReady())

	reader.ReadFinalize()
	require.Equal(t, buf.TotalChunks(), buf.FreeCount(), "chunks must return to the free list after the last reader finalizes")
}

func TestMultiReaderPriority_OrdersByDescendingPriority(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	reader := NewMultiReaderPriority(ctx)
	buf := NewBuffer(64, 8, &fanoutDeliverer{readers: []*MultiReaderPriority{reader}})

	write := func(msg string, pri uint8) {
		w := NewMultiWriter(buf)
		w.SetPriority(pri)
		w.WriteBytes([]byte(msg))
		require.True(t, w.WriteFinalize())
	}
	write("low", 1)
	write("high", 9)
	write("mid", 5)

	var order []string
	for i := 0; i < 3; i++ {
		n := reader.GetReadReady()
		got := make([]byte, n)
		require.True(t, reader.ReadBytes(got))
		order = append(order, string(got))
		reader.ReadFinalize()
	}
	require.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestMultiPacket_RefCountReleasesOnlyAfterAllReadersFinalize(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	r1 := NewMultiReaderPriority(ctx)
	r2 := NewMultiReaderPriority(ctx)
	buf := NewBuffer(16, 4, &fanoutDeliverer{readers: []*MultiReaderPriority{r1, r2}})

	w := NewMultiWriter(buf)
	w.WriteBytes([]byte("shared"))
	require.True(t, w.WriteFinalize())

	require.Equal(t, buf.TotalChunks()-1, buf.FreeCount())

	buf1 := make([]byte, 6)
	require.True(t, r1.ReadBytes(buf1))
	r1.ReadFinalize()
	require.Less(t, buf.FreeCount(), buf.TotalChunks(), "chunks must stay held while a reader is still pending")

	buf2 := make([]byte, 6)
	require.True(t, r2.ReadBytes(buf2))
	r2.ReadFinalize()
	require.Equal(t, buf.TotalChunks(), buf.FreeCount())
}

func TestMultiWriter_OverflowReleasesClaimedChunks(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	reader := NewMultiReaderPriority(ctx)
	buf := NewBuffer(4, 2, &fanoutDeliverer{readers: []*MultiReaderPriority{reader}})

	w := NewMultiWriter(buf)
	w.WriteBytes([]byte("this definitely does not fit in two 4-byte chunks"))
	require.False(t, w.WriteFinalize())
	require.Equal(t, buf.TotalChunks(), buf.FreeCount())
}

func TestOverwriter_RewritesHeaderInPlace(t *testing.T) {
	t.Parallel()
	ctx := poll.NewContext()
	reader := NewMultiReaderPriority(ctx)
	buf := NewBuffer(4, 4, &fanoutDeliverer{readers: []*MultiReaderPriority{reader}})

	w := NewMultiWriter(buf)
	w.WriteBytes([]byte("AAAABBBB"))
	require.True(t, w.WriteFinalize())

	require.Equal(t, uint(8), reader.GetReadReady())
	// Peek at the live packet via reflection-free means: read then
	// re-deliver isn't possible here, so instead rewrite through a
	// fresh writer/reader pair to exercise Overwriter directly.
	w2 := NewMultiWriter(buf)
	w2.WriteBytes([]byte("XYZ12345"))
	var captured *MultiPacket
	buf2 := NewBuffer(4, 4, &capturingDeliverer{capture: &captured})
	w3 := NewMultiWriter(buf2)
	w3.WriteBytes([]byte("XYZ12345"))
	require.True(t, w3.WriteFinalize())
	require.NotNil(t, captured)

	ow := NewOverwriter(captured, 3)
	ow.WriteBytes([]byte("abc"))
	require.True(t, ow.WriteFinalize())
	require.Panics(t, func() { ow.WriteBytes([]byte("d")) })
}

type capturingDeliverer struct{ capture **MultiPacket }

func (d *capturingDeliverer) Deliver(pkt *MultiPacket) {
	pkt.addRef() // keep the packet alive (and its chunks un-freed) for inspection
	*d.capture = pkt
}
