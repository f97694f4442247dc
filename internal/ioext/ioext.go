// Package ioext defines the byte- and packet-stream interfaces that the
// rest of this module passes data through: Readable and Writeable, plus
// the small family of adapters (ArrayRead/ArrayWrite, LimitedRead,
// redirects) built on top of them.
//
// Both interfaces are frame-aware: a stream may carry a sequence of
// discrete packets rather than an unbounded byte stream, in which case
// reads never cross a frame boundary until ReadFinalize is called, and
// a write is only committed to the underlying transport by
// WriteFinalize.
package ioext

import (
	"encoding/binary"
	"math"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
)

// EventListener is notified when a Readable has data available. The
// notification always runs via the OnDemand queue, outside of whatever
// produced the data (an interrupt handler, a socket read, etc.), so a
// listener can safely call back into the stream it was notified about.
type EventListener interface {
	// DataRcvd is invoked when src has new data to read.
	DataRcvd(src Readable)
	// DataUnlink is invoked when src is about to stop delivering data
	// (e.g. is being torn down), so a listener that cached src can
	// clear its reference. A no-op default is acceptable for listeners
	// that don't care.
	DataUnlink(src Readable)
}

// Readable is the abstract interface for byte- and packet-stream
// sources. Every implementation must be safe to use from the single
// cooperative polling goroutine it was registered against.
type Readable interface {
	// GetReadReady returns how many bytes can be read without
	// blocking, bounded by the current frame if framing applies.
	GetReadReady() uint

	// ReadBytes reads exactly nbytes into dst, returning false (and
	// consuming as much as was available) if fewer than nbytes remain
	// in the current frame.
	ReadBytes(dst []byte) bool

	// ReadConsume discards up to nbytes, returning false if fewer were
	// available.
	ReadConsume(nbytes uint) bool

	// ReadFinalize discards any unread remainder of the current frame.
	// For a plain byte stream this is a no-op.
	ReadFinalize()

	// SetCallback installs (or, with nil, clears) the EventListener
	// notified when new data arrives.
	SetCallback(cb EventListener)
}

// Writeable is the abstract interface for byte- and packet-stream
// sinks.
type Writeable interface {
	// GetWriteSpace returns how many bytes can be written without
	// overflow, bounded by the current frame if framing applies.
	GetWriteSpace() uint

	// WriteBytes appends src. Once a write has exceeded the available
	// space the frame is marked invalid: the write is not rolled back,
	// but WriteFinalize will report failure and discard it.
	WriteBytes(src []byte)

	// WriteFinalize commits the current frame (for a packet stream) or
	// is a no-op (for a byte stream). Returns false, discarding the
	// partial frame, if an overflow occurred since the last finalize.
	WriteFinalize() bool

	// WriteAbort discards the current partial frame without committing
	// it.
	WriteAbort()
}

// ReadU8 through ReadF64 and their little-endian counterparts read a
// single big-endian or little-endian value of the given width,
// returning the zero value (and leaving the stream's underflow
// behavior to the implementation) if the frame has fewer bytes left
// than the width requires.

func ReadU8(r Readable) uint8 {
	var buf [1]byte
	r.ReadBytes(buf[:])
	return buf[0]
}

func ReadU16(r Readable) uint16 {
	var buf [2]byte
	r.ReadBytes(buf[:])
	return binary.BigEndian.Uint16(buf[:])
}

func ReadU16L(r Readable) uint16 {
	var buf [2]byte
	r.ReadBytes(buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func ReadU24(r Readable) uint32 {
	var buf [3]byte
	r.ReadBytes(buf[:])
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
}

func ReadU24L(r Readable) uint32 {
	var buf [3]byte
	r.ReadBytes(buf[:])
	return uint32(buf[2])<<16 | uint32(buf[1])<<8 | uint32(buf[0])
}

func ReadU32(r Readable) uint32 {
	var buf [4]byte
	r.ReadBytes(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

func ReadU32L(r Readable) uint32 {
	var buf [4]byte
	r.ReadBytes(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func ReadU48(r Readable) uint64 {
	var buf [6]byte
	r.ReadBytes(buf[:])
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v
}

func ReadU48L(r Readable) uint64 {
	var buf [6]byte
	r.ReadBytes(buf[:])
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

func ReadU64(r Readable) uint64 {
	var buf [8]byte
	r.ReadBytes(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

func ReadU64L(r Readable) uint64 {
	var buf [8]byte
	r.ReadBytes(buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func ReadS8(r Readable) int8    { return int8(ReadU8(r)) }
func ReadS16(r Readable) int16  { return int16(ReadU16(r)) }
func ReadS16L(r Readable) int16 { return int16(ReadU16L(r)) }
func ReadS32(r Readable) int32  { return int32(ReadU32(r)) }
func ReadS32L(r Readable) int32 { return int32(ReadU32L(r)) }
func ReadS64(r Readable) int64  { return int64(ReadU64(r)) }
func ReadS64L(r Readable) int64 { return int64(ReadU64L(r)) }

// ReadS24 sign-extends a 24-bit two's complement value.
func ReadS24(r Readable) int32 {
	u := ReadU24(r)
	if u&0x800000 != 0 {
		u |= 0xFF000000
	}
	return int32(u)
}

func ReadS24L(r Readable) int32 {
	u := ReadU24L(r)
	if u&0x800000 != 0 {
		u |= 0xFF000000
	}
	return int32(u)
}

// ReadS48 sign-extends a 48-bit two's complement value.
func ReadS48(r Readable) int64 {
	u := ReadU48(r)
	if u&(1<<47) != 0 {
		u |= 0xFFFF000000000000
	}
	return int64(u)
}

func ReadS48L(r Readable) int64 {
	u := ReadU48L(r)
	if u&(1<<47) != 0 {
		u |= 0xFFFF000000000000
	}
	return int64(u)
}

func ReadF32(r Readable) float32  { return math.Float32frombits(ReadU32(r)) }
func ReadF32L(r Readable) float32 { return math.Float32frombits(ReadU32L(r)) }
func ReadF64(r Readable) float64  { return math.Float64frombits(ReadU64(r)) }
func ReadF64L(r Readable) float64 { return math.Float64frombits(ReadU64L(r)) }

// WriteU8 through WriteF64 and their little-endian counterparts append
// a single value of the given width in the corresponding byte order.

func WriteU8(w Writeable, v uint8) { w.WriteBytes([]byte{v}) }

func WriteU16(w Writeable, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	w.WriteBytes(buf[:])
}

func WriteU16L(w Writeable, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	w.WriteBytes(buf[:])
}

func WriteU24(w Writeable, v uint32) {
	w.WriteBytes([]byte{byte(v >> 16), byte(v >> 8), byte(v)})
}

func WriteU24L(w Writeable, v uint32) {
	w.WriteBytes([]byte{byte(v), byte(v >> 8), byte(v >> 16)})
}

func WriteU32(w Writeable, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.WriteBytes(buf[:])
}

func WriteU32L(w Writeable, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.WriteBytes(buf[:])
}

func WriteU48(w Writeable, v uint64) {
	buf := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	w.WriteBytes(buf)
}

func WriteU48L(w Writeable, v uint64) {
	buf := make([]byte, 6)
	for i := 0; i < 6; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
	w.WriteBytes(buf)
}

func WriteU64(w Writeable, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	w.WriteBytes(buf[:])
}

func WriteU64L(w Writeable, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.WriteBytes(buf[:])
}

func WriteS8(w Writeable, v int8)     { WriteU8(w, uint8(v)) }
func WriteS16(w Writeable, v int16)   { WriteU16(w, uint16(v)) }
func WriteS16L(w Writeable, v int16)  { WriteU16L(w, uint16(v)) }
func WriteS24(w Writeable, v int32)   { WriteU24(w, uint32(v)&0xFFFFFF) }
func WriteS24L(w Writeable, v int32)  { WriteU24L(w, uint32(v)&0xFFFFFF) }
func WriteS32(w Writeable, v int32)   { WriteU32(w, uint32(v)) }
func WriteS32L(w Writeable, v int32)  { WriteU32L(w, uint32(v)) }
func WriteS48(w Writeable, v int64)   { WriteU48(w, uint64(v)&0xFFFFFFFFFFFF) }
func WriteS48L(w Writeable, v int64)  { WriteU48L(w, uint64(v)&0xFFFFFFFFFFFF) }
func WriteS64(w Writeable, v int64)   { WriteU64(w, uint64(v)) }
func WriteS64L(w Writeable, v int64)  { WriteU64L(w, uint64(v)) }
func WriteF32(w Writeable, v float32) { WriteU32(w, math.Float32bits(v)) }
func WriteF32L(w Writeable, v float32) {
	WriteU32L(w, math.Float32bits(v))
}
func WriteF64(w Writeable, v float64) { WriteU64(w, math.Float64bits(v)) }
func WriteF64L(w Writeable, v float64) {
	WriteU64L(w, math.Float64bits(v))
}

// CopyTo copies src's remaining frame contents to dst, stopping at
// end-of-frame or when dst runs out of space, and returns the number of
// bytes copied.
func CopyTo(src Readable, dst Writeable) uint {
	var n uint
	buf := make([]byte, 256)
	for {
		ready := src.GetReadReady()
		space := dst.GetWriteSpace()
		if ready == 0 || space == 0 {
			return n
		}
		chunk := ready
		if space < chunk {
			chunk = space
		}
		if uint(len(buf)) < chunk {
			buf = make([]byte, chunk)
		}
		if !src.ReadBytes(buf[:chunk]) {
			return n
		}
		dst.WriteBytes(buf[:chunk])
		n += chunk
	}
}

// CopyAndFinalize calls CopyTo, then always ReadFinalize and
// WriteFinalize, even if dst ran out of space before the whole frame
// was copied. Returns WriteFinalize's result.
func CopyAndFinalize(src Readable, dst Writeable) bool {
	CopyTo(src, dst)
	src.ReadFinalize()
	return dst.WriteFinalize()
}

// ArrayRead is an ephemeral Readable over a fixed byte slice. It does
// not take ownership of the backing array, so the caller must keep it
// alive for as long as the ArrayRead is in use.
type ArrayRead struct {
	src   []byte
	rdidx int
	cb    EventListener
}

// NewArrayRead wraps src for reading.
func NewArrayRead(src []byte) *ArrayRead {
	return &ArrayRead{src: src}
}

func (a *ArrayRead) GetReadReady() uint { return uint(len(a.src) - a.rdidx) }

func (a *ArrayRead) ReadBytes(dst []byte) bool {
	if uint(len(dst)) > a.GetReadReady() {
		n := copy(dst, a.src[a.rdidx:])
		a.rdidx += n
		return false
	}
	n := copy(dst, a.src[a.rdidx:a.rdidx+len(dst)])
	a.rdidx += n
	return true
}

func (a *ArrayRead) ReadConsume(nbytes uint) bool {
	avail := a.GetReadReady()
	if nbytes > avail {
		a.rdidx = len(a.src)
		return false
	}
	a.rdidx += int(nbytes)
	return true
}

func (a *ArrayRead) ReadFinalize() { a.rdidx = len(a.src) }

func (a *ArrayRead) SetCallback(cb EventListener) { a.cb = cb }

// ReadReset rewinds to the start of the backing array and resets the
// readable length to n (which must not exceed the backing array's
// length).
func (a *ArrayRead) ReadReset(n int) {
	a.rdidx = 0
	if n < len(a.src) {
		a.src = a.src[:n]
	}
}

// ArrayWrite is a Writeable over a fixed, caller-owned byte slice. A
// write that would exceed the backing array's capacity marks the frame
// invalid; WriteFinalize then fails and Written reports an empty frame.
type ArrayWrite struct {
	dst      []byte
	wridx    int
	overflow bool
}

// NewArrayWrite wraps dst for writing, up to len(dst) bytes.
func NewArrayWrite(dst []byte) *ArrayWrite {
	return &ArrayWrite{dst: dst}
}

func (a *ArrayWrite) GetWriteSpace() uint {
	if a.overflow {
		return 0
	}
	return uint(len(a.dst) - a.wridx)
}

func (a *ArrayWrite) WriteBytes(src []byte) {
	if a.overflow || len(src) > len(a.dst)-a.wridx {
		a.overflow = true
		return
	}
	a.wridx += copy(a.dst[a.wridx:], src)
}

func (a *ArrayWrite) WriteFinalize() bool {
	ok := !a.overflow
	if !ok {
		a.wridx = 0
	}
	a.overflow = false
	return ok
}

func (a *ArrayWrite) WriteAbort() {
	a.wridx = 0
	a.overflow = false
}

// Written returns the bytes committed so far (i.e. up to the current
// write position, ignoring framing).
func (a *ArrayWrite) Written() []byte { return a.dst[:a.wridx] }

// LimitedRead restricts reads to the next N bytes of a backing
// Readable, without forwarding ReadFinalize to it. Used to carve one
// sub-field or sub-block out of a longer stream (e.g. one TLV) without
// letting the reader run past its boundary.
type LimitedRead struct {
	src Readable
	rem uint
}

// NewLimitedRead restricts reads of src to at most maxrd bytes.
func NewLimitedRead(src Readable, maxrd uint) *LimitedRead {
	return &LimitedRead{src: src, rem: maxrd}
}

// NewLimitedReadAuto restricts reads of src to however many bytes are
// currently ready on it.
func NewLimitedReadAuto(src Readable) *LimitedRead {
	return &LimitedRead{src: src, rem: src.GetReadReady()}
}

func (l *LimitedRead) GetReadReady() uint {
	if ready := l.src.GetReadReady(); ready < l.rem {
		return ready
	}
	return l.rem
}

func (l *LimitedRead) ReadBytes(dst []byte) bool {
	if uint(len(dst)) > l.rem {
		return false
	}
	ok := l.src.ReadBytes(dst)
	l.rem -= uint(len(dst))
	return ok
}

func (l *LimitedRead) ReadConsume(nbytes uint) bool {
	if nbytes > l.rem {
		return false
	}
	ok := l.src.ReadConsume(nbytes)
	l.rem -= nbytes
	return ok
}

// ReadFinalize advances the source's read position to the end of this
// limited window, without forwarding a ReadFinalize call to the source.
func (l *LimitedRead) ReadFinalize() {
	if l.rem > 0 {
		l.src.ReadConsume(l.rem)
		l.rem = 0
	}
}

func (l *LimitedRead) SetCallback(EventListener) {} // Not applicable to a sub-window.

// ReadableRedirect forwards every Readable call to a backing object,
// letting a type add a Readable interface by delegation instead of
// inheritance.
type ReadableRedirect struct {
	target Readable
}

// NewReadableRedirect constructs a redirect forwarding to target (which
// may be changed later with Redirect).
func NewReadableRedirect(target Readable) *ReadableRedirect {
	return &ReadableRedirect{target: target}
}

// Redirect changes the forwarding target.
func (r *ReadableRedirect) Redirect(target Readable) { r.target = target }

func (r *ReadableRedirect) GetReadReady() uint {
	if r.target == nil {
		return 0
	}
	return r.target.GetReadReady()
}

func (r *ReadableRedirect) ReadBytes(dst []byte) bool {
	if r.target == nil {
		return len(dst) == 0
	}
	return r.target.ReadBytes(dst)
}

func (r *ReadableRedirect) ReadConsume(nbytes uint) bool {
	if r.target == nil {
		return nbytes == 0
	}
	return r.target.ReadConsume(nbytes)
}

func (r *ReadableRedirect) ReadFinalize() {
	if r.target != nil {
		r.target.ReadFinalize()
	}
}

func (r *ReadableRedirect) SetCallback(cb EventListener) {
	if r.target != nil {
		r.target.SetCallback(cb)
	}
}

// WriteableRedirect forwards every Writeable call to a backing object.
type WriteableRedirect struct {
	target Writeable
}

// NewWriteableRedirect constructs a redirect forwarding to target.
func NewWriteableRedirect(target Writeable) *WriteableRedirect {
	return &WriteableRedirect{target: target}
}

// Redirect changes the forwarding target.
func (w *WriteableRedirect) Redirect(target Writeable) { w.target = target }

func (w *WriteableRedirect) GetWriteSpace() uint {
	if w.target == nil {
		return 0
	}
	return w.target.GetWriteSpace()
}

func (w *WriteableRedirect) WriteBytes(src []byte) {
	if w.target != nil {
		w.target.WriteBytes(src)
	}
}

func (w *WriteableRedirect) WriteFinalize() bool {
	if w.target == nil {
		return false
	}
	return w.target.WriteFinalize()
}

func (w *WriteableRedirect) WriteAbort() {
	if w.target != nil {
		w.target.WriteAbort()
	}
}

var (
	_ Readable  = (*ArrayRead)(nil)
	_ Writeable = (*ArrayWrite)(nil)
	_ Readable  = (*LimitedRead)(nil)
	_ Readable  = (*ReadableRedirect)(nil)
	_ Writeable = (*WriteableRedirect)(nil)
)

// onDemandNotifier bridges a Readable's data-ready condition to a
// poll.Context OnDemand registration, matching the "notifications run
// outside interrupt context" requirement: a producer calls Notify to
// signal new data, and the registered EventListener's DataRcvd is
// invoked on the next poll pass rather than synchronously.
type onDemandNotifier struct {
	handle *poll.OnDemandHandle
	src    Readable
	cb     EventListener
}

// NewOnDemandNotifier registers src's data-ready notifications on ctx.
// Call Notify whenever new data becomes available.
func NewOnDemandNotifier(ctx *poll.Context, src Readable, cb EventListener) *onDemandNotifier {
	n := &onDemandNotifier{src: src, cb: cb}
	n.handle = ctx.RegisterOnDemand(n.fire)
	return n
}

func (n *onDemandNotifier) fire() {
	if n.cb != nil {
		n.cb.DataRcvd(n.src)
	}
}

// Notify requests a poll pass in which DataRcvd will be invoked.
func (n *onDemandNotifier) Notify() { n.handle.RequestPoll() }

// Unlink clears the listener and notifies it the source is going away.
func (n *onDemandNotifier) Unlink() {
	if n.cb != nil {
		n.cb.DataUnlink(n.src)
		n.cb = nil
	}
	n.handle.Unregister()
}
