// Package timeref defines the monotonic time source and timestamp
// arithmetic that every other package in this module builds on.
//
// A Ref is a single free-running tick counter, expressed as a raw
// unsigned count plus a resolution (ticks per second). TimeVal is a
// snapshot of that counter; all elapsed-time math is unsigned
// subtraction followed by scaling, so a Ref may wrap around without
// special-case handling as long as the elapsed window never exceeds
// half the counter's period.
package timeref

import "time"

// Ref is a monotonic tick source. Implementations must be safe to call
// from any context, including interrupt-equivalent callbacks.
type Ref interface {
	// Raw returns the current value of the free-running tick counter.
	Raw() uint64
	// TicksPerSecond returns the counter's resolution. Never zero for a
	// "ready" clock; NullRef reports zero to signal "no clock yet".
	TicksPerSecond() uint64
}

// NullRef is the default Ref before a real clock is attached. Its
// resolution of zero lets callers detect "not ready" without a
// separate flag, mirroring satcat5::util::NullTimer.
type NullRef struct{}

func (NullRef) Raw() uint64            { return 0 }
func (NullRef) TicksPerSecond() uint64 { return 0 }

// Ready reports whether ref is a usable (non-null) clock.
func Ready(ref Ref) bool {
	return ref != nil && ref.TicksPerSecond() != 0
}

// SystemRef is a Ref backed by the Go runtime's monotonic clock,
// expressed in nanosecond ticks.
type SystemRef struct{ start time.Time }

// NewSystemRef returns a Ref anchored to the current time.
func NewSystemRef() *SystemRef {
	return &SystemRef{start: time.Now()}
}

func (r *SystemRef) Raw() uint64 {
	return uint64(time.Since(r.start).Nanoseconds())
}

func (r *SystemRef) TicksPerSecond() uint64 {
	return 1_000_000_000
}

// TimeVal is a snapshot of a Ref's tick counter, paired with the
// resolution used to interpret it.
type TimeVal struct {
	Ticks          uint64
	TicksPerSecond uint64
}

// Now captures the current reading of ref.
func Now(ref Ref) TimeVal {
	return TimeVal{Ticks: ref.Raw(), TicksPerSecond: ref.TicksPerSecond()}
}

// ElapsedUsec returns the microseconds elapsed between this snapshot
// and ref's current reading, without mutating the snapshot. Computed
// by unsigned subtraction so the result is well-defined across a
// single wraparound of the tick counter.
func (t TimeVal) ElapsedUsec(ref Ref) uint64 {
	if t.TicksPerSecond == 0 {
		return 0
	}
	elapsedTicks := ref.Raw() - t.Ticks
	return elapsedTicks * 1_000_000 / t.TicksPerSecond
}

// IntervalUsec reports how many whole periods of periodUsec have
// elapsed since this snapshot, and advances the stored tick by
// exactly that many periods (not by the full elapsed time). This
// keeps periodic callers (e.g. poll.VirtualTimer) free of cumulative
// drift: a caller invoked slightly late still fires on the original
// cadence, because only whole periods are consumed.
func (t *TimeVal) IntervalUsec(ref Ref, periodUsec uint32) uint32 {
	if t.TicksPerSecond == 0 || periodUsec == 0 {
		return 0
	}
	elapsedTicks := ref.Raw() - t.Ticks
	elapsedUsec := elapsedTicks * 1_000_000 / t.TicksPerSecond
	k := elapsedUsec / uint64(periodUsec)
	if k == 0 {
		return 0
	}
	advanceUsec := k * uint64(periodUsec)
	advanceTicks := advanceUsec * t.TicksPerSecond / 1_000_000
	t.Ticks += advanceTicks
	return uint32(k)
}

// IncrementMsec returns the whole milliseconds elapsed since this
// snapshot and re-synchronizes the snapshot to "now minus the
// fractional remainder", so that any sub-millisecond leftover carries
// forward into the next call instead of being discarded.
func (t *TimeVal) IncrementMsec(ref Ref) uint32 {
	if t.TicksPerSecond == 0 {
		return 1 // No clock attached: assume exactly one tick per call.
	}
	now := ref.Raw()
	elapsedTicks := now - t.Ticks
	wholeMsec := elapsedTicks * 1000 / t.TicksPerSecond
	usedTicks := wholeMsec * t.TicksPerSecond / 1000
	t.Ticks = now - (elapsedTicks - usedTicks)
	return uint32(wholeMsec)
}
