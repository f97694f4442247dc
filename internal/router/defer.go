package router

import (
	"sync"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/iptable"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/mbuf"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

// deferredPkt is one packet held awaiting an ARP resolution for its
// next hop before it can be forwarded.
type deferredPkt struct {
	pkt     *mbuf.MultiPacket
	hdr     *ethswitch.Header
	meta    *ethswitch.PacketMeta
	origLen uint
	target  [4]byte
	port    int
	queued  timeref.TimeVal
}

// deferQueue holds packets whose next-hop MAC is unknown, reissuing an
// ARP request for each new target and resuming forwarding (or dropping
// on timeout) as resolutions arrive.
type deferQueue struct {
	d *Dispatch

	mu          sync.Mutex
	items       []*deferredPkt
	capacity    int
	timeoutMsec uint32
	timer       *poll.TimerHandle
}

func newDeferQueue(d *Dispatch, capacity int, timeoutMsec uint32) *deferQueue {
	return &deferQueue{d: d, capacity: capacity, timeoutMsec: timeoutMsec}
}

// deferForward enqueues pkt (retaining it past this delivery pass) and
// asks the attached ARP cache to resolve the route's next hop. If the
// queue is already at capacity, the packet is dropped instead.
func (d *Dispatch) deferForward(pkt *mbuf.MultiPacket, hdr *ethswitch.Header, meta *ethswitch.PacketMeta, origLen uint, route iptable.Route) {
	q := d.deferred
	target := deferTarget(route, hdr.IPv4.DstIP)

	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		d.LogDrop(meta.SrcPort, hdr, pkt.Length(), "NO_ROUTE")
		return
	}
	pkt.Retain()
	item := &deferredPkt{
		pkt:     pkt,
		hdr:     hdr,
		meta:    meta,
		origLen: origLen,
		target:  target,
		port:    route.Port,
		queued:  timeref.Now(d.ref),
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	d.metrics.deferQueued.Inc()

	d.mu.Lock()
	arp := d.arp
	d.mu.Unlock()
	if arp != nil {
		arp.RequestResolve(target)
	}
}

// deferTarget identifies the IPv4 address the router must resolve a
// MAC for: the route's gateway if it has a real one, or the packet's
// own destination for a directly-attached ("local") route.
func deferTarget(route iptable.Route, dst [4]byte) [4]byte {
	if route.IsLocal() || !route.HasGateway() {
		return dst
	}
	var t [4]byte
	copy(t[:], route.Gateway.To4())
	return t
}

// ARPResolved implements ResolutionListener: every deferred packet
// whose target matches ip is rewritten with mac as its next-hop
// destination and forwarded.
func (d *Dispatch) ARPResolved(ip [4]byte, mac MAC) {
	q := d.deferred
	q.mu.Lock()
	var remaining, ready []*deferredPkt
	for _, it := range q.items {
		if it.target == ip {
			ready = append(ready, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	q.items = remaining
	q.mu.Unlock()

	for _, it := range ready {
		d.resumeForward(it, mac)
	}
}

func (d *Dispatch) resumeForward(it *deferredPkt, mac MAC) {
	d.adjustMAC(it.hdr, mac)
	d.commitHeader(it.pkt, it.hdr, it.origLen)
	it.meta.DstMask &= 1 << uint(it.port)
	d.FanOut(it.pkt, it.meta.SrcPort, it.meta)
	it.pkt.Release()
}

// sweep is registered as a polling-runtime timer; it drops any
// deferred packet that has waited longer than timeoutMsec for a
// resolution that never arrived.
func (q *deferQueue) sweep() {
	q.mu.Lock()
	var remaining, expired []*deferredPkt
	for _, it := range q.items {
		if it.queued.ElapsedUsec(q.d.ref) >= uint64(q.timeoutMsec)*1000 {
			expired = append(expired, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	q.items = remaining
	q.mu.Unlock()

	for _, it := range expired {
		q.d.metrics.deferTimeout.Inc()
		q.d.LogDrop(it.meta.SrcPort, it.hdr, it.pkt.Length(), "NO_ROUTE")
		it.pkt.Release()
	}
}
