package filters

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoxcarFilterAverages(t *testing.T) {
	t.Parallel()
	data := []int64{10, 20, 30, 40}
	require.Equal(t, int64(25), BoxcarFilter(data, 2))
	require.Equal(t, int64(10), BoxcarFilter(data, 0))
}

func TestMedianFilterOddAndEven(t *testing.T) {
	t.Parallel()
	require.Equal(t, int64(3), MedianFilter([]int64{5, 1, 3, 2, 4}))
	require.Equal(t, int64(3), MedianFilter([]int64{9, 1, 2, 3}))
	require.Equal(t, int64(7), MedianFilter([]int64{7}))
}

func TestAmplitudeRejectPassesStableInput(t *testing.T) {
	t.Parallel()
	f := NewAmplitudeReject(100)
	var last int64
	for i := 0; i < 50; i++ {
		last = f.Update(1000, 10_000)
	}
	require.Equal(t, int64(1000), last)
}

func TestAmplitudeRejectRejectsOutlier(t *testing.T) {
	t.Parallel()
	f := NewAmplitudeReject(100)
	for i := 0; i < 500; i++ {
		f.Update(1000, 10_000)
	}
	require.Equal(t, Rejected, f.Update(1_000_000_000, 10_000))
}

func TestAmplitudeRejectPassesThroughSentinel(t *testing.T) {
	t.Parallel()
	f := NewAmplitudeReject(100)
	require.Equal(t, int64(Rejected), f.Update(Rejected, 1000))
}

func TestControllerPIRespondsAndResets(t *testing.T) {
	t.Parallel()
	c := NewControllerPI(CoeffPI{Kp: 1, Ki: 1, Ymax: 1 << 30, Scale: 16})
	out := c.Update(SubnsPerUsec*100, 10_000)
	require.NotZero(t, out)

	c.Reset()
	require.True(t, c.accum.IsZero())
}

func TestControllerPIPassesThroughSentinel(t *testing.T) {
	t.Parallel()
	c := NewControllerPI(CoeffPI{Kp: 1, Ki: 1, Ymax: 1 << 30, Scale: 16})
	require.Equal(t, int64(Rejected), c.Update(Rejected, 1000))
}

func TestControllerPIIAccumulatesSecondOrder(t *testing.T) {
	t.Parallel()
	c := NewControllerPII(CoeffPII{Kp: 1, Ki: 1, Kr: 1, Ymax: 1 << 30, Scale: 16, Scale2: 16})
	var out int64
	for i := 0; i < 10; i++ {
		out = c.Update(SubnsPerUsec*10, 10_000)
	}
	require.NotZero(t, out)
}

func TestControllerLRRejectsNarrowWindow(t *testing.T) {
	t.Parallel()
	c := NewControllerLR(CoeffLR{Ki: 1, Kw: 1, Ymax: 1 << 30, Scale: 16}, 4)
	dt := []uint32{0, 1, 1, 1}
	y := []int64{0, 0, 0, 0}
	require.Equal(t, int64(Rejected), c.Update(dt, y))
}

func TestControllerLRFitsTrend(t *testing.T) {
	t.Parallel()
	c := NewControllerLR(CoeffLR{Ki: 1, Kw: 1, Ymax: 1 << 40, Scale: 16}, 5)
	dt := []uint32{0, 5000, 5000, 5000, 5000}
	y := []int64{4000, 3000, 2000, 1000, 0}
	out := c.Update(dt, y)
	require.NotEqual(t, int64(Rejected), out)
}
