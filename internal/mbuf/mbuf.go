// Package mbuf implements a zero-copy, multi-reader packet store: a
// fixed arena of chunks, shared by every packet that currently has a
// reader, handed out to writers on demand and returned to the free
// list only once every accepting reader has finished with it.
//
// A packet is never copied between its writer and its readers. Each
// reader walks the same chunk chain independently; the chain is freed
// exactly once the last reader has called ReadFinalize.
package mbuf

import (
	"fmt"
	"sync"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ioext"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
)

// DefaultChunkSize matches the reference platform's default arena
// chunk size: enough for one maximum-size untagged Ethernet frame.
const DefaultChunkSize = 1536

// NUserSlots is the number of per-packet metadata words available in
// MultiPacket.User. Slot 0 conventionally holds the ingress port index
// and slot 1 the resolved VLAN policy word; callers are free to use the
// rest.
const NUserSlots = 4

const (
	// SlotSourcePort is the conventional User slot for the ingress
	// port index.
	SlotSourcePort = 0
	// SlotVLANPolicy is the conventional User slot for the VLAN policy
	// word resolved during ingress classification.
	SlotVLANPolicy = 1
)

// Chunk is one fixed-size block of the arena. Chunks are linked into a
// singly-linked list forming one logical packet; the last chunk of a
// packet is typically only partially filled.
type Chunk struct {
	data []byte
	used uint
	next *Chunk
}

// Deliverer receives newly-finalized packets from a Buffer's writers
// and decides which readers (if any) accept them, by calling
// MultiPacket.Accept on the readers it chooses. This is the Go
// equivalent of overriding MultiBuffer::deliver in a subclass.
type Deliverer interface {
	Deliver(pkt *MultiPacket)
}

// MultiPacket is the head of a chunk chain plus the metadata and
// reference count shared by every reader currently consuming it. A
// packet is live (and its chunks are off-limits to the free list)
// exactly as long as its reference count is nonzero.
type MultiPacket struct {
	owner    *Buffer
	head     *Chunk
	length   uint
	priority uint8
	user     [NUserSlots]uint32

	mu    sync.Mutex
	refct int
}

// Length returns the packet's total length in bytes, across all
// chunks.
func (p *MultiPacket) Length() uint { return p.length }

// Priority returns the packet's delivery priority (higher values are
// serviced first by MultiReaderPriority).
func (p *MultiPacket) Priority() uint8 { return p.priority }

// SetPriority sets the packet's delivery priority. Only meaningful
// before the packet is accepted by any reader.
func (p *MultiPacket) SetPriority(pri uint8) { p.priority = pri }

// User returns per-packet metadata slot i (see SlotSourcePort,
// SlotVLANPolicy).
func (p *MultiPacket) User(i int) uint32 { return p.user[i] }

// SetUser sets per-packet metadata slot i.
func (p *MultiPacket) SetUser(i int, v uint32) { p.user[i] = v }

// CopyInto copies up to len(dst) bytes of the packet's contents,
// starting from its first chunk, into dst, and returns the number of
// bytes copied. Intended for a Deliverer to inspect a packet's bytes
// before any reader has accepted it; it does not affect the reference
// count or any reader's position.
func (p *MultiPacket) CopyInto(dst []byte) uint {
	var n uint
	for c := p.head; c != nil && uint(len(dst)) > n; c = c.next {
		avail := c.used
		room := uint(len(dst)) - n
		if avail > room {
			avail = room
		}
		copy(dst[n:n+avail], c.data[:avail])
		n += avail
	}
	return n
}

// RefCount returns the number of readers that have accepted this
// packet and not yet finalized their read of it.
func (p *MultiPacket) RefCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refct
}

// addRef increments the reference count; called when a reader accepts
// the packet.
func (p *MultiPacket) addRef() {
	p.mu.Lock()
	p.refct++
	p.mu.Unlock()
}

// release decrements the reference count and, if it reaches zero,
// returns the packet's chunks to its owning Buffer's free list.
func (p *MultiPacket) release() {
	p.mu.Lock()
	p.refct--
	done := p.refct <= 0
	p.mu.Unlock()
	if done {
		p.owner.freeChain(p.head)
		p.head = nil
	}
}

// Retain increments the reference count on behalf of a consumer other
// than a registered MultiReaderPriority (e.g. a plugin that diverts the
// packet out of the normal fan-out path entirely). The caller must call
// Release exactly once when done.
func (p *MultiPacket) Retain() { p.addRef() }

// Release decrements the reference count taken by a prior Retain,
// returning the packet's chunks to the free list if this was the last
// outstanding reference.
func (p *MultiPacket) Release() { p.release() }

// Buffer is the shared-memory core: a contiguous arena sliced into
// fixed-size chunks, a free list, and the Deliverer that decides which
// readers accept each finalized packet.
type Buffer struct {
	mu        sync.Mutex
	chunkSize uint
	arena     []Chunk
	free      []*Chunk
	deliverer Deliverer
}

// NewBuffer allocates an arena of numChunks chunks of chunkSize bytes
// each, delivering finalized packets to d.
func NewBuffer(chunkSize uint, numChunks int, d Deliverer) *Buffer {
	b := &Buffer{chunkSize: chunkSize, deliverer: d}
	b.arena = make([]Chunk, numChunks)
	b.free = make([]*Chunk, 0, numChunks)
	for i := range b.arena {
		b.arena[i].data = make([]byte, chunkSize)
		b.free = append(b.free, &b.arena[i])
	}
	return b
}

// FreeCount returns the number of chunks currently on the free list.
func (b *Buffer) FreeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.free)
}

// TotalChunks returns the arena's total chunk count.
func (b *Buffer) TotalChunks() int { return len(b.arena) }

func (b *Buffer) allocChunk() *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.free)
	if n == 0 {
		return nil
	}
	c := b.free[n-1]
	b.free = b.free[:n-1]
	c.next = nil
	c.used = 0
	return c
}

func (b *Buffer) freeChunk(c *Chunk) {
	b.mu.Lock()
	c.next = nil
	b.free = append(b.free, c)
	b.mu.Unlock()
}

func (b *Buffer) freeChain(head *Chunk) {
	for head != nil {
		next := head.next
		b.freeChunk(head)
		head = next
	}
}

// MultiWriter accumulates one packet's bytes chunk-by-chunk, pulling
// fresh chunks from its Buffer on demand, and hands the finished
// packet to the Buffer's Deliverer on WriteFinalize.
type MultiWriter struct {
	buf      *Buffer
	head     *Chunk
	tail     *Chunk
	length   uint
	overflow bool
	priority uint8
	user     [NUserSlots]uint32
}

// NewMultiWriter constructs a writer that draws chunks from buf.
func NewMultiWriter(buf *Buffer) *MultiWriter {
	return &MultiWriter{buf: buf}
}

// SetPriority sets the priority the finished packet will be delivered
// with.
func (w *MultiWriter) SetPriority(pri uint8) { w.priority = pri }

// SetUser sets per-packet metadata slot i for the packet under
// construction.
func (w *MultiWriter) SetUser(i int, v uint32) { w.user[i] = v }

// GetWriteSpace reports the arena is not yet known to be exhausted.
// Exact remaining space isn't tracked up front since chunks are
// acquired lazily; an allocation failure during WriteBytes marks the
// frame invalid instead.
func (w *MultiWriter) GetWriteSpace() uint {
	if w.overflow {
		return 0
	}
	return w.buf.chunkSize * uint(len(w.buf.arena))
}

// WriteBytes appends src, pulling new chunks from the Buffer as
// needed. If the Buffer's arena is exhausted mid-write, the frame is
// marked invalid and any chunks already claimed are released back to
// the free list.
func (w *MultiWriter) WriteBytes(src []byte) {
	if w.overflow {
		return
	}
	for len(src) > 0 {
		if w.tail == nil || w.tail.used == uint(len(w.tail.data)) {
			c := w.buf.allocChunk()
			if c == nil {
				w.WriteAbort()
				w.overflow = true
				return
			}
			if w.head == nil {
				w.head = c
			} else {
				w.tail.next = c
			}
			w.tail = c
		}
		n := copy(w.tail.data[w.tail.used:], src)
		w.tail.used += uint(n)
		w.length += uint(n)
		src = src[n:]
	}
}

// WriteFinalize hands the finished packet to the Buffer's Deliverer.
// If overflow occurred since the last finalize, the partial packet is
// discarded and false is returned. If the Deliverer accepts the
// packet with no readers, its chunks are released immediately.
func (w *MultiWriter) WriteFinalize() bool {
	if w.overflow {
		w.WriteAbort()
		return false
	}
	pkt := &MultiPacket{
		owner:    w.buf,
		head:     w.head,
		length:   w.length,
		priority: w.priority,
		user:     w.user,
	}
	w.head, w.tail, w.length = nil, nil, 0
	if w.buf.deliverer != nil {
		w.buf.deliverer.Deliver(pkt)
	}
	if pkt.RefCount() <= 0 && pkt.head != nil {
		w.buf.freeChain(pkt.head)
	}
	return true
}

// WriteAbort discards the in-progress packet, releasing any chunks
// already claimed back to the free list.
func (w *MultiWriter) WriteAbort() {
	if w.head != nil {
		w.buf.freeChain(w.head)
	}
	w.head, w.tail, w.length, w.overflow = nil, nil, 0, false
}

var _ ioext.Writeable = (*MultiWriter)(nil)

// MultiReaderPriority is a Readable that fans packets out of a Buffer
// to one consumer, serving its pending packets in descending priority
// order (FIFO among equal priorities). ReadFinalize releases the
// active packet's reference; the last reader to do so returns its
// chunks to the free list.
type MultiReaderPriority struct {
	mu      sync.Mutex
	pending []*MultiPacket
	active  *MultiPacket
	cursor  *Chunk
	offset  uint

	cb     ioext.EventListener
	notify *poll.OnDemandHandle
}

// NewMultiReaderPriority registers a new reader on ctx; Accept queues
// packets for it and schedules a notification for the next poll pass.
func NewMultiReaderPriority(ctx *poll.Context) *MultiReaderPriority {
	r := &MultiReaderPriority{}
	r.notify = ctx.RegisterOnDemand(r.poll)
	return r
}

// Accept queues pkt for this reader in priority order and requests a
// poll pass to deliver the data-ready notification.
func (r *MultiReaderPriority) Accept(pkt *MultiPacket) {
	pkt.addRef()
	r.mu.Lock()
	r.insertLocked(pkt)
	r.mu.Unlock()
	r.notify.RequestPoll()
}

func (r *MultiReaderPriority) insertLocked(pkt *MultiPacket) {
	i := 0
	for i < len(r.pending) && r.pending[i].priority >= pkt.priority {
		i++
	}
	r.pending = append(r.pending, nil)
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = pkt
}

func (r *MultiReaderPriority) poll() {
	if r.cb != nil {
		r.cb.DataRcvd(r)
	}
}

func (r *MultiReaderPriority) activateLocked() {
	if r.active != nil || len(r.pending) == 0 {
		return
	}
	r.active = r.pending[0]
	r.pending = r.pending[1:]
	r.cursor = r.active.head
	r.offset = 0
}

// GetReadReady returns the bytes remaining in the currently active
// packet, activating the next pending packet first if none is active.
func (r *MultiReaderPriority) GetReadReady() uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activateLocked()
	if r.active == nil {
		return 0
	}
	return r.active.length - r.consumedLocked()
}

func (r *MultiReaderPriority) consumedLocked() uint {
	// Bytes already consumed from the active packet: walk the chain up
	// to (but not including) the cursor, plus the in-chunk offset.
	var consumed uint
	for c := r.active.head; c != nil && c != r.cursor; c = c.next {
		consumed += c.used
	}
	return consumed + r.offset
}

func (r *MultiReaderPriority) ReadBytes(dst []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activateLocked()
	need := len(dst)
	for need > 0 {
		if r.cursor == nil {
			return false
		}
		avail := r.cursor.used - r.offset
		if avail == 0 {
			r.cursor = r.cursor.next
			r.offset = 0
			continue
		}
		n := need
		if uint(n) > avail {
			n = int(avail)
		}
		copy(dst[len(dst)-need:], r.cursor.data[r.offset:r.offset+uint(n)])
		r.offset += uint(n)
		need -= n
	}
	return true
}

func (r *MultiReaderPriority) ReadConsume(nbytes uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activateLocked()
	for nbytes > 0 {
		if r.cursor == nil {
			return false
		}
		avail := r.cursor.used - r.offset
		if avail == 0 {
			r.cursor = r.cursor.next
			r.offset = 0
			continue
		}
		n := nbytes
		if n > avail {
			n = avail
		}
		r.offset += n
		nbytes -= n
	}
	return true
}

// ReadFinalize releases the active packet's reference (returning its
// chunks to the free list if this was the last reader) and, if another
// packet is already pending, requests another poll pass so the next
// packet is delivered promptly.
func (r *MultiReaderPriority) ReadFinalize() {
	r.mu.Lock()
	pkt := r.active
	r.active = nil
	r.cursor = nil
	r.offset = 0
	hasMore := len(r.pending) > 0
	r.mu.Unlock()

	if pkt != nil {
		pkt.release()
	}
	if hasMore {
		r.notify.RequestPoll()
	}
}

func (r *MultiReaderPriority) SetCallback(cb ioext.EventListener) {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
}

var _ ioext.Readable = (*MultiReaderPriority)(nil)

// Overwriter is a Writeable that rewrites a live packet's header bytes
// in place, starting at its first chunk. Writes are bounded by
// headerLen, the header's original length as recorded when the
// Overwriter was constructed: attempting to write past it (changing
// the header's length) is a programming error, not a recoverable
// condition, and panics.
type Overwriter struct {
	headerLen uint
	written   uint
	cursor    *Chunk
	offset    uint
}

// NewOverwriter constructs an Overwriter bounded to the first
// headerLen bytes of pkt.
func NewOverwriter(pkt *MultiPacket, headerLen uint) *Overwriter {
	return &Overwriter{headerLen: headerLen, cursor: pkt.head}
}

func (o *Overwriter) GetWriteSpace() uint { return o.headerLen - o.written }

func (o *Overwriter) WriteBytes(src []byte) {
	if uint(len(src)) > o.GetWriteSpace() {
		panic(fmt.Sprintf("mbuf: overwriter write of %d bytes exceeds remaining header space %d", len(src), o.GetWriteSpace()))
	}
	for len(src) > 0 {
		if o.cursor == nil {
			panic("mbuf: overwriter ran past the packet's chunk chain")
		}
		avail := o.cursor.used - o.offset
		if avail == 0 {
			o.cursor = o.cursor.next
			o.offset = 0
			continue
		}
		n := uint(len(src))
		if n > avail {
			n = avail
		}
		copy(o.cursor.data[o.offset:o.offset+n], src[:n])
		o.offset += n
		o.written += n
		src = src[n:]
	}
}

// WriteFinalize always succeeds: an attempt to exceed the original
// header length panics in WriteBytes rather than surfacing here.
func (o *Overwriter) WriteFinalize() bool { return true }

// WriteAbort is a no-op: an Overwriter edits in place and has nothing
// to roll back.
func (o *Overwriter) WriteAbort() {}

var _ ioext.Writeable = (*Overwriter)(nil)
