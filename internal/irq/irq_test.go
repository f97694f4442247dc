package irq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicLock_NestsWithoutDeadlock(t *testing.T) {
	PreTestReset()
	outer := Lock("outer", nil)
	inner := Lock("outer", nil)
	inner.Release()
	outer.Release()
	// Reaching here without blocking forever is the test.
}

func TestAtomicLock_ReleaseIsIdempotent(t *testing.T) {
	l := Lock("once", nil)
	l.Release()
	require.NotPanics(t, func() { l.Release() })
}

type countingHandler struct{ calls int }

func (h *countingHandler) IRQEvent() { h.calls++ }

func TestController_DispatchInvokesBoundHandler(t *testing.T) {
	c := NewController(nil)
	h := &countingHandler{}
	c.Register(3, "test-irq", h)
	c.Dispatch(3)
	c.Dispatch(3)
	c.Dispatch(99) // unbound line: no-op
	require.Equal(t, 2, h.calls)
}

type pollerStub struct{ polled int }

func (p *pollerStub) RequestPoll() { p.polled++ }

func TestAdapter_ForwardsToOnDemand(t *testing.T) {
	p := &pollerStub{}
	a := &Adapter{Target: p}
	a.IRQEvent()
	require.Equal(t, 1, p.polled)
}
