// Package poll implements the cooperative, single-threaded polling
// runtime that every other package in this module is driven by. There
// are three event classes:
//
//   - Always: polled exactly once per call to Context.Service.
//   - OnDemand: polled only after RequestPoll(), and only once per pass
//     even if RequestPoll() is called again while already pending.
//   - Timer: polled once per elapsed millisecond, either one-shot or
//     at a repeating interval that self-corrects for overshoot so that
//     periodic work does not accumulate drift.
//
// None of these primitives can fail; misuse (double registration, use
// after Unregister, register during dispatch) is a contract violation
// left to the caller to avoid, mirroring the C++ original's approach of
// leaving such errors as "mis-use is undefined behavior".
package poll

import (
	"sync"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

// Always is polled once per Context.Service call.
type Always interface{ PollAlways() }

// OnDemand is polled only after RequestPoll has been called.
type OnDemand interface{ PollDemand() }

// Timer is polled once per elapsed timer tick while active.
type Timer interface{ TimerEvent() }

type alwaysEntry struct {
	fn      func()
	removed bool
}

// AlwaysHandle is returned by Context.RegisterAlways / AddAlways.
type AlwaysHandle struct{ e *alwaysEntry }

// Unregister removes this handler from the Always list.
func (h *AlwaysHandle) Unregister() { h.e.removed = true }

// OnDemandHandle is returned by Context.RegisterOnDemand / AddOnDemand.
type OnDemandHandle struct {
	ctx  *Context
	fn   func()
	idle bool
}

// RequestPoll enqueues this handler for the next OnDemand pass. Safe to
// call repeatedly while already pending: the request is idempotent.
func (h *OnDemandHandle) RequestPoll() {
	h.ctx.mu.Lock()
	defer h.ctx.mu.Unlock()
	if h.idle {
		h.idle = false
		h.ctx.pendingDemand = append(h.ctx.pendingDemand, h)
	}
}

// RequestCancel removes a previously requested (but not yet serviced)
// poll. A no-op if the handler is already idle.
func (h *OnDemandHandle) RequestCancel() {
	h.ctx.mu.Lock()
	defer h.ctx.mu.Unlock()
	if h.idle {
		return
	}
	h.idle = true
	for i, e := range h.ctx.pendingDemand {
		if e == h {
			h.ctx.pendingDemand = append(h.ctx.pendingDemand[:i], h.ctx.pendingDemand[i+1:]...)
			break
		}
	}
}

// Unregister cancels any pending request and detaches the handler.
func (h *OnDemandHandle) Unregister() {
	h.RequestCancel()
	h.fn = func() {}
}

type timerEntry struct {
	mu         sync.Mutex
	fn         func()
	removed    bool
	remMsec    uint32
	periodMsec uint32 // 0 = one-shot
}

// TimerHandle is returned by Context.RegisterTimer / AddTimer.
type TimerHandle struct{ e *timerEntry }

// Once schedules a single notification after msec milliseconds,
// replacing any previously scheduled notification.
func (h *TimerHandle) Once(msec uint32) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	h.e.remMsec = msec
	h.e.periodMsec = 0
}

// Every schedules a repeating notification every msec milliseconds.
func (h *TimerHandle) Every(msec uint32) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	h.e.remMsec = msec
	h.e.periodMsec = msec
}

// Stop cancels all future notifications for this timer.
func (h *TimerHandle) Stop() {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	h.e.remMsec = 0
	h.e.periodMsec = 0
}

// Remaining returns the milliseconds until the next event, if any.
func (h *TimerHandle) Remaining() uint32 {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.remMsec
}

// Interval returns the configured repeat interval, or 0 for a one-shot
// or stopped timer.
func (h *TimerHandle) Interval() uint32 {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.periodMsec
}

// Unregister removes this timer from the Context permanently.
func (h *TimerHandle) Unregister() {
	h.e.mu.Lock()
	h.e.removed = true
	h.e.mu.Unlock()
}

// Context owns one runtime's worth of Always/OnDemand/Timer
// registrations plus the clock used to drive Timer dispatch. Most
// programs use a single instance (see Default); tests construct their
// own Context to get full isolation instead of relying on PreTestReset.
type Context struct {
	mu            sync.Mutex
	always        []*alwaysEntry
	pendingDemand []*OnDemandHandle
	timers        []*timerEntry

	clock       timeref.Ref
	tref        timeref.TimeVal
	timerDemand *OnDemandHandle
}

// NewContext constructs an empty runtime context with no clock attached
// (Timer dispatch assumes exactly 1ms elapsed per RequestTimerTick until
// SetClock is called).
func NewContext() *Context {
	c := &Context{clock: timeref.NullRef{}}
	c.timerDemand = c.RegisterOnDemand(c.dispatchTimers)
	return c
}

// Default is the package-level runtime context used by callers that
// don't need multiple isolated runtimes.
var Default = NewContext()

// RegisterAlways adds fn to the Always list.
func (c *Context) RegisterAlways(fn func()) *AlwaysHandle {
	e := &alwaysEntry{fn: fn}
	c.mu.Lock()
	c.always = append(c.always, e)
	c.mu.Unlock()
	return &AlwaysHandle{e: e}
}

// AddAlways is a convenience wrapper for interface-style registration.
func (c *Context) AddAlways(a Always) *AlwaysHandle {
	return c.RegisterAlways(a.PollAlways)
}

// RegisterOnDemand registers fn as a new, initially-idle OnDemand
// handler.
func (c *Context) RegisterOnDemand(fn func()) *OnDemandHandle {
	return &OnDemandHandle{ctx: c, fn: fn, idle: true}
}

// AddOnDemand is a convenience wrapper for interface-style registration.
func (c *Context) AddOnDemand(o OnDemand) *OnDemandHandle {
	return c.RegisterOnDemand(o.PollDemand)
}

// RegisterTimer registers fn as a new, initially-stopped Timer.
func (c *Context) RegisterTimer(fn func()) *TimerHandle {
	e := &timerEntry{fn: fn}
	c.mu.Lock()
	c.timers = append(c.timers, e)
	c.mu.Unlock()
	return &TimerHandle{e: e}
}

// AddTimer is a convenience wrapper for interface-style registration.
func (c *Context) AddTimer(t Timer) *TimerHandle {
	return c.RegisterTimer(t.TimerEvent)
}

// CountAlways returns the number of active (non-unregistered) Always
// handlers.
func (c *Context) CountAlways() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.always {
		if !e.removed {
			n++
		}
	}
	return n
}

// CountOnDemand returns the number of OnDemand handlers currently
// queued for the next pass.
func (c *Context) CountOnDemand() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingDemand)
}

// SetClock attaches (or detaches, with nil) the TimeRef used for Timer
// dispatch. Passing nil reverts to the "assume 1ms per tick" default.
func (c *Context) SetClock(ref timeref.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref == nil {
		ref = timeref.NullRef{}
	}
	c.clock = ref
	c.tref = timeref.Now(ref)
}

// ClockReady reports whether a real clock has been attached via
// SetClock.
func (c *Context) ClockReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return timeref.Ready(c.clock)
}

// RequestTimerTick signals that roughly one millisecond (as measured by
// the attached clock, or assumed if none is attached) has elapsed.
// Platforms wire this to a 1kHz hardware interrupt, an OS tick, or
// VirtualTimer.
func (c *Context) RequestTimerTick() {
	c.timerDemand.RequestPoll()
}

func (c *Context) dispatchTimers() {
	c.mu.Lock()
	elapsed := uint32(1)
	if timeref.Ready(c.clock) {
		elapsed = c.tref.IncrementMsec(c.clock)
		if elapsed == 0 {
			c.mu.Unlock()
			return
		}
	}
	entries := append([]*timerEntry(nil), c.timers...)
	c.mu.Unlock()

	for _, e := range entries {
		queryTimer(e, elapsed)
	}
}

func queryTimer(e *timerEntry, elapsedMsec uint32) {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return
	}
	fire := false
	if e.remMsec > elapsedMsec {
		e.remMsec -= elapsedMsec
	} else if e.remMsec != 0 {
		overshoot := elapsedMsec - e.remMsec
		switch {
		case e.periodMsec > overshoot:
			// Overshoot is small enough to compensate exactly.
			e.remMsec = e.periodMsec - overshoot
		case e.periodMsec != 0:
			// Overshoot too large to fully compensate: minimum delay 1ms.
			e.remMsec = 1
		default:
			e.remMsec = 0 // One-shot timer, stop after firing.
		}
		fire = true
	}
	fn := e.fn
	e.mu.Unlock()
	if fire {
		fn()
	}
}

// Service runs the Always list exactly once, then processes exactly one
// pass of the currently queued OnDemand handlers. OnDemand handlers that
// re-queue themselves (directly or indirectly) during this pass are
// serviced on the *next* call to Service, not this one: the pending
// queue is atomically detached into a local list before iterating, so a
// reentrant call to Service (e.g. from within an Always or OnDemand
// callback) always sees a fresh queue.
func (c *Context) Service() {
	c.runAlwaysOnce()
	c.runOnDemandPass()
}

func (c *Context) runAlwaysOnce() {
	c.mu.Lock()
	entries := append([]*alwaysEntry(nil), c.always...)
	c.mu.Unlock()
	for _, e := range entries {
		if !e.removed {
			e.fn()
		}
	}
}

func (c *Context) runOnDemandPass() {
	c.mu.Lock()
	local := c.pendingDemand
	c.pendingDemand = nil
	c.mu.Unlock()

	for _, h := range local {
		c.mu.Lock()
		h.idle = true
		c.mu.Unlock()
		h.fn()
	}
}

// ServiceAll repeats Service until the OnDemand queue is empty or limit
// passes have elapsed, whichever comes first. This is the preferred
// entry point for most callers, since on-demand processing often
// triggers further on-demand work downstream.
func (c *Context) ServiceAll(limit uint) {
	c.Service()
	for c.CountOnDemand() > 0 && limit > 0 {
		c.Service()
		limit--
	}
}

// PreTestReset discards all registrations and the attached clock. Unit
// tests only: production code should construct a fresh Context instead
// of resetting the shared Default.
func (c *Context) PreTestReset() {
	c.mu.Lock()
	c.always = nil
	c.pendingDemand = nil
	c.timers = nil
	c.clock = timeref.NullRef{}
	c.mu.Unlock()
	c.timerDemand = c.RegisterOnDemand(c.dispatchTimers)
}

// VirtualTimer polls a target OnDemand handler at a fixed microsecond
// interval, measured against a TimeRef. Use this on platforms with no
// convenient hardware timer interrupt to drive Context.RequestTimerTick
// (or any other OnDemand).
type VirtualTimer struct {
	target       *OnDemandHandle
	intervalUsec uint32
	ref          timeref.Ref
	tref         timeref.TimeVal
	handle       *AlwaysHandle
}

// NewVirtualTimer registers a VirtualTimer on ctx that calls
// target.RequestPoll() once every usec microseconds, as measured by ref.
func NewVirtualTimer(ctx *Context, ref timeref.Ref, target *OnDemandHandle, usec uint32) *VirtualTimer {
	vt := &VirtualTimer{
		target:       target,
		intervalUsec: usec,
		ref:          ref,
		tref:         timeref.Now(ref),
	}
	vt.handle = ctx.RegisterAlways(vt.pollAlways)
	return vt
}

func (vt *VirtualTimer) pollAlways() {
	if vt.tref.IntervalUsec(vt.ref, vt.intervalUsec) > 0 {
		vt.target.RequestPoll()
	}
}

// Stop detaches this VirtualTimer from its Context.
func (vt *VirtualTimer) Stop() { vt.handle.Unregister() }
