// Package irq models the platform-agnostic interrupt discipline that the
// rest of this module assumes: a nestable critical section (AtomicLock)
// and a small interrupt-controller contract that binds numbered lines to
// Handler callbacks.
//
// The runtime described by this module is single-threaded and
// cooperative: every state transition happens inside poll.Context.Service
// or inside a Handler callback. The only true concurrency is between a
// Handler invoked from outside that single service loop (e.g. a hardware
// watcher goroutine) and the loop itself; AtomicLock serializes that one
// case. Nested AtomicLock acquisitions are expected to originate from a
// single call chain on one goroutine, mirroring "disable/enable
// interrupts" on bare metal.
package irq

import (
	"sync"
	"sync/atomic"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

// IRQNone indicates a disabled or unconnected interrupt line.
const IRQNone = -1

var (
	globalMu    sync.Mutex
	globalDepth int32

	statsMu   sync.Mutex
	worstLock = map[string]uint64{} // label -> worst observed hold, in usec
	worstIRQ  = map[string]uint64{} // handler label -> worst observed service time, in usec
)

// AtomicLock begins a critical section on construction and releases it
// on Release. Locks nest: only the outermost acquisition touches the
// real mutex, matching "disable/enable interrupts" semantics.
type AtomicLock struct {
	label   string
	start   timeref.TimeVal
	ref     timeref.Ref
	held    bool
	ownTurn bool
}

// Lock begins (or joins, if nested) a critical section labeled lbl. ref
// may be nil, in which case hold-time statistics are not recorded.
func Lock(lbl string, ref timeref.Ref) *AtomicLock {
	l := &AtomicLock{label: lbl, ref: ref, held: true}
	if atomic.AddInt32(&globalDepth, 1) == 1 {
		globalMu.Lock()
		l.ownTurn = true
	}
	if timeref.Ready(ref) {
		l.start = timeref.Now(ref)
	}
	return l
}

// Release ends the critical section. Safe to call more than once; only
// the first call has an effect.
func (l *AtomicLock) Release() {
	if !l.held {
		return
	}
	l.held = false
	if timeref.Ready(l.ref) {
		elapsed := l.start.ElapsedUsec(l.ref)
		recordWorst(worstLock, l.label, elapsed)
	}
	if atomic.AddInt32(&globalDepth, -1) == 0 && l.ownTurn {
		globalMu.Unlock()
	}
}

func recordWorst(table map[string]uint64, label string, usec uint64) {
	statsMu.Lock()
	defer statsMu.Unlock()
	if usec > table[label] {
		table[label] = usec
	}
}

// WorstLockUsec returns the worst observed hold time for the named
// AtomicLock label, in microseconds.
func WorstLockUsec(label string) uint64 {
	statsMu.Lock()
	defer statsMu.Unlock()
	return worstLock[label]
}

// WorstIRQUsec returns the worst observed service time for the named
// Handler label, in microseconds.
func WorstIRQUsec(label string) uint64 {
	statsMu.Lock()
	defer statsMu.Unlock()
	return worstIRQ[label]
}

// PreTestReset clears all recorded statistics. Unit tests only.
func PreTestReset() {
	statsMu.Lock()
	defer statsMu.Unlock()
	worstLock = map[string]uint64{}
	worstIRQ = map[string]uint64{}
}

// Handler responds to a single hardware interrupt line. Implementations
// must return quickly; work that cannot complete promptly should defer
// itself via an OnDemand's RequestPoll instead of blocking here.
type Handler interface {
	IRQEvent()
}

// Controller binds numbered interrupt lines to Handlers and tracks the
// worst-case service time observed for each.
type Controller struct {
	mu       sync.Mutex
	ref      timeref.Ref
	handlers map[int]namedHandler
}

type namedHandler struct {
	label string
	h     Handler
}

// NewController constructs a Controller. ref is used only for timing
// diagnostics and may be nil.
func NewController(ref timeref.Ref) *Controller {
	return &Controller{ref: ref, handlers: make(map[int]namedHandler)}
}

// Register binds h to irq, replacing any previous handler on that line.
func (c *Controller) Register(irq int, label string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[irq] = namedHandler{label: label, h: h}
}

// Unregister removes the handler bound to irq, if any.
func (c *Controller) Unregister(irq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, irq)
}

// Dispatch invokes the handler bound to irq (a no-op if none is bound),
// timing the call and issuing the post-handler acknowledgement.
func (c *Controller) Dispatch(irq int) {
	c.mu.Lock()
	nh, ok := c.handlers[irq]
	c.mu.Unlock()
	if !ok {
		return
	}
	var start timeref.TimeVal
	if timeref.Ready(c.ref) {
		start = timeref.Now(c.ref)
	}
	nh.h.IRQEvent()
	if timeref.Ready(c.ref) {
		recordWorst(worstIRQ, nh.label, start.ElapsedUsec(c.ref))
	}
	c.Acknowledge(irq)
}

// Acknowledge is called after each dispatch; the default implementation
// is a no-op hook platforms may wire to hardware EOI logic.
func (c *Controller) Acknowledge(_ int) {}

// OnDemandPoller is the subset of poll.OnDemand that Adapter needs,
// avoiding an import cycle between irq and poll.
type OnDemandPoller interface {
	RequestPoll()
}

// Adapter is a Handler that defers all real work to an OnDemand object,
// the standard pattern for connecting a hardware interrupt (e.g. a 1kHz
// timer tick) to the cooperative polling runtime.
type Adapter struct {
	Target OnDemandPoller
}

func (a *Adapter) IRQEvent() { a.Target.RequestPoll() }
