package timeref

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRef is a directly-steerable Ref for deterministic arithmetic tests.
type fakeRef struct {
	ticks uint64
	tps   uint64
}

func (f *fakeRef) Raw() uint64            { return f.ticks }
func (f *fakeRef) TicksPerSecond() uint64 { return f.tps }

func TestTimeVal_ElapsedUsec(t *testing.T) {
	t.Parallel()

	ref := &fakeRef{ticks: 1000, tps: 1000} // 1 tick = 1 msec
	snap := Now(ref)
	ref.ticks += 250
	require.Equal(t, uint64(250_000), snap.ElapsedUsec(ref))
}

func TestTimeVal_ElapsedUsec_WrapsAround(t *testing.T) {
	t.Parallel()

	ref := &fakeRef{ticks: ^uint64(0) - 10, tps: 1_000_000} // near wraparound
	snap := Now(ref)
	ref.ticks = 90 // wrapped past zero, 101 ticks elapsed
	require.Equal(t, uint64(101), snap.ElapsedUsec(ref))
}

func TestTimeVal_IntervalUsec_AdvancesByWholePeriodsOnly(t *testing.T) {
	t.Parallel()

	ref := &fakeRef{ticks: 0, tps: 1_000_000} // 1 tick = 1 usec
	snap := Now(ref)

	ref.ticks = 250 // 250 usec elapsed, period 100usec -> k=2, 50usec leftover
	k := snap.IntervalUsec(ref, 100)
	require.Equal(t, uint32(2), k)

	// The snapshot should have advanced by exactly 200 ticks, leaving the
	// 50-tick remainder available for the next call (no drift).
	require.Equal(t, uint64(200), snap.Ticks)

	ref.ticks = 300 // another 100 usec since the (advanced) snapshot
	k = snap.IntervalUsec(ref, 100)
	require.Equal(t, uint32(1), k)
}

func TestTimeVal_IntervalUsec_NoPeriodsElapsed(t *testing.T) {
	t.Parallel()

	ref := &fakeRef{ticks: 0, tps: 1_000_000}
	snap := Now(ref)
	ref.ticks = 40
	require.Equal(t, uint32(0), snap.IntervalUsec(ref, 100))
	require.Equal(t, uint64(0), snap.Ticks) // unchanged until a full period elapses
}

func TestTimeVal_IncrementMsec_CarriesFractionalRemainder(t *testing.T) {
	t.Parallel()

	ref := &fakeRef{ticks: 0, tps: 1_000_000} // 1 tick = 1 usec
	snap := Now(ref)

	ref.ticks = 1500 // 1.5 msec elapsed
	got := snap.IncrementMsec(ref)
	require.Equal(t, uint32(1), got)
	require.Equal(t, uint64(1000), snap.Ticks) // 500usec remainder carried forward

	ref.ticks = 2000 // another 500usec -> total remainder 1000usec = 1 msec
	got = snap.IncrementMsec(ref)
	require.Equal(t, uint32(1), got)
	require.Equal(t, uint64(2000), snap.Ticks)
}

func TestNullRef_NotReady(t *testing.T) {
	t.Parallel()
	require.False(t, Ready(NullRef{}))
	require.True(t, Ready(&fakeRef{tps: 1}))
}
