package poll

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

func TestContext_AlwaysFiresOncePerService(t *testing.T) {
	t.Parallel()
	c := NewContext()
	calls := 0
	h := c.RegisterAlways(func() { calls++ })
	c.Service()
	c.Service()
	require.Equal(t, 2, calls)

	h.Unregister()
	c.Service()
	require.Equal(t, 2, calls)
}

func TestContext_OnDemandOnlyFiresWhenRequested(t *testing.T) {
	t.Parallel()
	c := NewContext()
	calls := 0
	h := c.RegisterOnDemand(func() { calls++ })

	c.Service()
	require.Equal(t, 0, calls)

	h.RequestPoll()
	require.Equal(t, 1, c.CountOnDemand())
	c.Service()
	require.Equal(t, 1, calls)
	require.Equal(t, 0, c.CountOnDemand())
}

func TestContext_OnDemandRequestIsIdempotentWhilePending(t *testing.T) {
	t.Parallel()
	c := NewContext()
	calls := 0
	h := c.RegisterOnDemand(func() { calls++ })

	h.RequestPoll()
	h.RequestPoll()
	h.RequestPoll()
	require.Equal(t, 1, c.CountOnDemand())
	c.Service()
	require.Equal(t, 1, calls)
}

func TestContext_OnDemandCancelBeforeService(t *testing.T) {
	t.Parallel()
	c := NewContext()
	calls := 0
	h := c.RegisterOnDemand(func() { calls++ })

	h.RequestPoll()
	h.RequestCancel()
	c.Service()
	require.Equal(t, 0, calls)
}

func TestContext_OnDemandRequeueDuringDispatchWaitsForNextPass(t *testing.T) {
	t.Parallel()
	c := NewContext()
	var h *OnDemandHandle
	calls := 0
	h = c.RegisterOnDemand(func() {
		calls++
		if calls == 1 {
			h.RequestPoll() // re-queue from inside the callback
		}
	})
	h.RequestPoll()

	c.Service()
	require.Equal(t, 1, calls, "requeue during dispatch must not run in the same pass")
	require.Equal(t, 1, c.CountOnDemand())

	c.Service()
	require.Equal(t, 2, calls)
}

func TestContext_ServiceAllDrainsChainedOnDemand(t *testing.T) {
	t.Parallel()
	c := NewContext()
	var a, b *OnDemandHandle
	order := []string{}
	a = c.RegisterOnDemand(func() {
		order = append(order, "a")
		b.RequestPoll()
	})
	b = c.RegisterOnDemand(func() {
		order = append(order, "b")
	})
	a.RequestPoll()
	c.ServiceAll(10)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestContext_TimerOnceFiresAfterElapsedTicks(t *testing.T) {
	t.Parallel()
	c := NewContext()
	ref := &stepRef{tps: 1000}
	c.SetClock(ref)

	calls := 0
	th := c.RegisterTimer(func() { calls++ })
	th.Once(5)

	for i := 0; i < 4; i++ {
		ref.ticks++
		c.RequestTimerTick()
		c.Service()
	}
	require.Equal(t, 0, calls)

	ref.ticks++
	c.RequestTimerTick()
	c.Service()
	require.Equal(t, 1, calls)

	// One-shot: no further callbacks even as time keeps advancing.
	ref.ticks += 100
	c.RequestTimerTick()
	c.Service()
	require.Equal(t, 1, calls)
}

func TestContext_TimerEveryRepeatsWithoutDrift(t *testing.T) {
	t.Parallel()
	c := NewContext()
	ref := &stepRef{tps: 1000}
	c.SetClock(ref)

	calls := 0
	th := c.RegisterTimer(func() { calls++ })
	th.Every(3)

	for i := 0; i < 9; i++ {
		ref.ticks++
		c.RequestTimerTick()
		c.Service()
	}
	require.Equal(t, 3, calls)
}

func TestContext_TimerStopPreventsFurtherCallbacks(t *testing.T) {
	t.Parallel()
	c := NewContext()
	ref := &stepRef{tps: 1000}
	c.SetClock(ref)

	calls := 0
	th := c.RegisterTimer(func() { calls++ })
	th.Every(2)
	ref.ticks += 2
	c.RequestTimerTick()
	c.Service()
	require.Equal(t, 1, calls)

	th.Stop()
	ref.ticks += 10
	c.RequestTimerTick()
	c.Service()
	require.Equal(t, 1, calls)
}

func TestVirtualTimer_RequestsPollOnceIntervalElapses(t *testing.T) {
	t.Parallel()
	c := NewContext()
	ref := &stepRef{tps: 1_000_000} // 1 tick = 1usec

	calls := 0
	target := c.RegisterOnDemand(func() { calls++ })
	NewVirtualTimer(c, ref, target, 100)

	ref.ticks = 50
	c.Service()
	require.Equal(t, 0, calls)

	ref.ticks = 150
	c.Service()
	require.Equal(t, 1, calls)
}

// stepRef is a directly-steerable timeref.Ref for deterministic tests.
type stepRef struct {
	ticks uint64
	tps   uint64
}

func (s *stepRef) Raw() uint64            { return s.ticks }
func (s *stepRef) TicksPerSecond() uint64 { return s.tps }

var _ timeref.Ref = (*stepRef)(nil)
