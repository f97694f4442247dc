package ptp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
)

type fakeWriter struct {
	buf    []byte
	frames [][]byte
}

func (w *fakeWriter) GetWriteSpace() uint { return 1 << 16 }
func (w *fakeWriter) WriteBytes(src []byte) {
	w.buf = append(w.buf, src...)
}
func (w *fakeWriter) WriteFinalize() bool {
	w.frames = append(w.frames, append([]byte(nil), w.buf...))
	w.buf = nil
	return true
}
func (w *fakeWriter) WriteAbort() { w.buf = nil }

type fakeRef struct{ ticks uint64 }

func (r *fakeRef) Raw() uint64            { return r.ticks }
func (r *fakeRef) TicksPerSecond() uint64 { return 1_000_000_000 }

func newTestClient(t *testing.T) (*Client, *fakeWriter, *poll.Context) {
	t.Helper()
	ctx := poll.NewContext()
	c := NewClient("test", [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, 1, ctx)
	w := &fakeWriter{}
	c.SetWriter(w)
	c.SetClock(&fakeRef{ticks: 1_000_000_000})
	return c, w, ctx
}

func TestSetModeDrivesImmediateState(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)

	c.SetMode(ModeMasterL2)
	require.Equal(t, StateMaster, c.State())

	c.SetMode(ModePassive)
	require.Equal(t, StatePassive, c.State())

	c.SetMode(ModeSlaveOnly)
	require.Equal(t, StateListening, c.State())

	c.SetMode(ModeDisabled)
	require.Equal(t, StateDisabled, c.State())
}

func TestAnnounceSelectsMasterAndTransitionsToSlave(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)
	c.SetMode(ModeSlaveOnly)
	require.Equal(t, StateListening, c.State())

	h := Header{Type: MsgAnnounce, SourcePortIdentity: PortIdentity{ClockID: [8]byte{9, 9, 9, 9, 9, 9, 9, 9}, Port: 1}, SequenceID: 1}
	var hdrBuf [HeaderLen]byte
	h.EncodeTo(hdrBuf[:])
	body := make([]byte, 20)
	body[10] = 128 // priority1

	raw := append(append([]byte{}, hdrBuf[:]...), body...)
	c.Receive(raw)

	require.Equal(t, StateSlave, c.State())
	require.True(t, c.haveMaster)
}

func TestSyncFollowUpDelayExchangeCompletesMeasurement(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)
	c.SetMode(ModeSlaveOnly)

	var got *Measurement
	c.AddCallback(callbackFunc(func(m *Measurement) { got = m }))

	masterPort := PortIdentity{ClockID: [8]byte{5}, Port: 9}
	seq := uint16(42)

	sync := Header{Type: MsgSync, SourcePortIdentity: masterPort, SequenceID: seq}
	c.Receive(encodeTestMessage(sync, nil))

	followUp := Header{Type: MsgFollowUp, SourcePortIdentity: masterPort, SequenceID: seq}
	t1Buf := make([]byte, 10)
	Time{Sec: 100, Nsec: 0}.EncodeTo(t1Buf)
	c.Receive(encodeTestMessage(followUp, t1Buf))

	c.seq = seq - 1
	c.sendDelayReq()

	delayResp := Header{Type: MsgDelayResp, SourcePortIdentity: masterPort, SequenceID: seq}
	t4Buf := make([]byte, 10)
	Time{Sec: 100, Nsec: 500}.EncodeTo(t4Buf)
	c.Receive(encodeTestMessage(delayResp, t4Buf))

	require.NotNil(t, got)
	require.Equal(t, 0, c.cache.len())
}

func TestWatchdogTimesOutBackToListening(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)
	c.SetMode(ModeSlaveOnly)
	c.haveMaster = true
	c.setState(StateSlave)

	for i := 0; i < c.watchdogLimit; i++ {
		c.onTimer()
	}
	require.Equal(t, StateListening, c.State())
}

func TestTickIntervalIsGCDOfConfiguredRates(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t)
	c.SetMode(ModeMasterL2)
	c.SetSyncRate(0) // 1/sec -> 1000ms
	require.Equal(t, uint32(1000), c.tickIntervalMsec())
}

type callbackFunc func(m *Measurement)

func (f callbackFunc) PTPReady(m *Measurement) { f(m) }

func encodeTestMessage(h Header, body []byte) []byte {
	var hdrBuf [HeaderLen]byte
	h.EncodeTo(hdrBuf[:])
	return append(append([]byte{}, hdrBuf[:]...), body...)
}
