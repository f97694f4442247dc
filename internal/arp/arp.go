// Package arp implements the Address Resolution Protocol: answering
// queries for locally-owned and proxy-ARP addresses, issuing requests
// (and retrying them) for unknown next hops, caching resolved
// (IP -> MAC) pairs into the forwarding table, and publishing every
// resolution to a listener list so a router's deferred-forward queue
// can resume.
package arp

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ioext"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/iptable"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

// MAC is shared with internal/ethswitch so callers don't need a
// separate import for common signatures.
type MAC = ethswitch.MAC

const (
	hwTypeEthernet  = 1
	protoTypeIPv4   = 0x0800
	opRequest       = 1
	opReply         = 2
	arpBodyLen      = 28
	requestRetries  = 3
	requestInterval = 1000 // msec between retransmits of an unanswered request.
)

// ResolutionListener is notified of every (IP -> MAC) resolution this
// cache learns, whether from a reply to its own request or a
// gratuitous/opportunistic observation. internal/router.Dispatch
// implements this to drain its deferred-forward queue; the method
// signature is duck-typed rather than imported, so this package has
// no dependency on internal/router.
type ResolutionListener interface {
	ARPResolved(ip [4]byte, mac MAC)
}

// pendingRequest tracks one outstanding resolution: how many times it
// has been retransmitted and when it was last sent.
type pendingRequest struct {
	sent    timeref.TimeVal
	retries int
}

// Cache is the ARP engine for one IPv4 interface: it owns the local
// (mac, ip) identity, answers queries for it (and, via table, for any
// proxy-ARP route), and resolves next-hop addresses on behalf of
// callers like the router's deferred-forward queue or a UDP socket's
// connect.
type Cache struct {
	mac   MAC
	ip    [4]byte
	table *iptable.Table
	ref   timeref.Ref

	mu        sync.Mutex
	write     ioext.Writeable
	listeners []ResolutionListener
	known     map[[4]byte]MAC
	pending   map[[4]byte]*pendingRequest

	metrics *cacheMetrics
}

// NewCache constructs an ARP cache for the given local identity. table
// is consulted for proxy-ARP answers and updated with every resolution
// learned (mirroring router2::Dispatch's route_cache call). The
// retransmit timer is driven by ctx; ref provides the clock for
// request-retry timing.
func NewCache(name string, mac MAC, ip net.IP, table *iptable.Table, ctx *poll.Context, ref timeref.Ref) *Cache {
	c := &Cache{
		table:   table,
		ref:     ref,
		known:   make(map[[4]byte]MAC),
		pending: make(map[[4]byte]*pendingRequest),
		metrics: newCacheMetrics(name),
	}
	copy(c.ip[:], ip.To4())
	c.mac = mac

	timer := ctx.RegisterTimer(c.retransmitSweep)
	timer.Every(requestInterval)
	return c
}

// SetWriter attaches the sink ARP frames are transmitted through
// (typically a router's local-stack writer, re-injecting the frame as
// ingress so it is routed like any other local-stack traffic).
func (c *Cache) SetWriter(w ioext.Writeable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write = w
}

// AddResolutionListener registers l to be notified of future (and, if
// already known, the set of currently cached) resolutions.
func (c *Cache) AddResolutionListener(l ResolutionListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	known := make(map[[4]byte]MAC, len(c.known))
	for ip, mac := range c.known {
		known[ip] = mac
	}
	c.mu.Unlock()
	for ip, mac := range known {
		l.ARPResolved(ip, mac)
	}
}

// Resolve returns the cached MAC for ip, if known.
func (c *Cache) Resolve(ip [4]byte) (MAC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mac, ok := c.known[ip]
	return mac, ok
}

// RequestResolve issues an ARP request for target, unless one is
// already outstanding. Safe to call repeatedly; it deduplicates.
func (c *Cache) RequestResolve(target [4]byte) {
	c.mu.Lock()
	if _, ok := c.pending[target]; ok {
		c.mu.Unlock()
		return
	}
	c.pending[target] = &pendingRequest{sent: timeref.Now(c.ref)}
	c.mu.Unlock()

	c.sendRequest(target)
}

// Announce sends a gratuitous ARP (a reply carrying the cache's own
// address as both sender and target) announcing the local (ip, mac)
// pair, for use after an address change.
func (c *Cache) Announce() {
	c.sendFrame(ethswitch.Broadcast, opReply, c.mac, c.ip, c.mac, c.ip)
	c.metrics.announced.Inc()
}

// GatewayChange implements the hook internal/icmp calls when an ICMP
// redirect names a better next hop for dst: the route's gateway is
// repointed and its cached MAC cleared, so the next departure re-runs
// resolution against the new path.
func (c *Cache) GatewayChange(dst, gateway [4]byte) {
	c.table.RouteGateway(net.IP(dst[:]), net.IP(gateway[:]))
}

// ReceiveEthernet implements the handler internal/router.Dispatch
// calls with ARP frames addressed to the local stack.
func (c *Cache) ReceiveEthernet(srcMAC MAC, hasVLAN bool, vid uint16, payload []byte) {
	if len(payload) < arpBodyLen {
		return
	}
	op := binary.BigEndian.Uint16(payload[6:8])
	var sha, tha MAC
	copy(sha[:], payload[8:14])
	var spa, tpa [4]byte
	copy(spa[:], payload[14:18])
	copy(tha[:], payload[18:24])
	copy(tpa[:], payload[24:28])

	if spa != ([4]byte{}) && sha != (MAC{}) {
		c.learn(spa, sha)
	}

	switch op {
	case opRequest:
		c.handleRequest(sha, spa, tpa)
	case opReply:
		// learn() above already recorded it; nothing further to do.
	}
}

func (c *Cache) handleRequest(requesterMAC MAC, requesterIP, target [4]byte) {
	if target == c.ip {
		c.sendFrame(requesterMAC, opReply, c.mac, c.ip, requesterMAC, requesterIP)
		return
	}
	if route, ok := c.table.ProxyRoute(net.IP(target[:])); ok && route.HasDstMAC() {
		c.sendFrame(requesterMAC, opReply, route.DstMAC, target, requesterMAC, requesterIP)
	}
}

// learn records a resolved (ip -> mac) pair, mirrors it into the
// forwarding table's route cache, clears any outstanding request for
// it, and notifies every registered listener.
func (c *Cache) learn(ip [4]byte, mac MAC) {
	c.mu.Lock()
	c.known[ip] = mac
	delete(c.pending, ip)
	listeners := append([]ResolutionListener(nil), c.listeners...)
	c.mu.Unlock()

	c.table.RouteCache(net.IP(ip[:]), mac)
	c.metrics.resolved.Inc()

	for _, l := range listeners {
		l.ARPResolved(ip, mac)
	}
}

// retransmitSweep is registered as a polling-runtime timer: it
// retransmits any request that has waited more than requestInterval
// without a reply, giving up (and dropping it) after requestRetries
// attempts.
func (c *Cache) retransmitSweep() {
	c.mu.Lock()
	var retry [][4]byte
	var giveUp [][4]byte
	for ip, p := range c.pending {
		if p.sent.ElapsedUsec(c.ref) < uint64(requestInterval)*1000 {
			continue
		}
		if p.retries >= requestRetries {
			giveUp = append(giveUp, ip)
			continue
		}
		p.retries++
		p.sent = timeref.Now(c.ref)
		retry = append(retry, ip)
	}
	for _, ip := range giveUp {
		delete(c.pending, ip)
	}
	c.mu.Unlock()

	for range giveUp {
		c.metrics.timedOut.Inc()
	}
	for _, ip := range retry {
		c.sendRequest(ip)
	}
}

func (c *Cache) sendRequest(target [4]byte) {
	c.sendFrame(ethswitch.Broadcast, opRequest, c.mac, c.ip, MAC{}, target)
	c.metrics.requested.Inc()
}

// sendFrame builds and transmits one ARP message. sha/spa declare the
// (MAC, IP) pair this message asserts ownership of — c.mac/c.ip for an
// ordinary reply or request, but a proxied route's DstMAC when
// answering on behalf of another device. tha is the target hardware
// address: the zero MAC for a request (unknown, being resolved), or
// the original requester's address for a reply.
func (c *Cache) sendFrame(dstMAC MAC, op uint16, sha MAC, spa [4]byte, tha MAC, tpa [4]byte) {
	c.mu.Lock()
	w := c.write
	c.mu.Unlock()
	if w == nil {
		return
	}

	frame := make([]byte, 14+arpBodyLen)
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], c.mac[:])
	binary.BigEndian.PutUint16(frame[12:14], ethswitch.EtherTypeARP)

	body := frame[14:]
	binary.BigEndian.PutUint16(body[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(body[2:4], protoTypeIPv4)
	body[4] = 6
	body[5] = 4
	binary.BigEndian.PutUint16(body[6:8], op)
	copy(body[8:14], sha[:])
	copy(body[14:18], spa[:])
	copy(body[18:24], tha[:])
	copy(body[24:28], tpa[:])

	w.WriteBytes(frame)
	w.WriteFinalize()
}

type cacheMetrics struct {
	requested prometheus.Counter
	resolved  prometheus.Counter
	timedOut  prometheus.Counter
	announced prometheus.Counter
}

func newCacheMetrics(name string) *cacheMetrics {
	return &cacheMetrics{
		requested: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_arp_requests_sent_total",
			Help:        "ARP requests transmitted, including retries.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		resolved: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_arp_resolved_total",
			Help:        "(IP -> MAC) resolutions learned, repeats of an already-known pair included.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		timedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_arp_timeouts_total",
			Help:        "Outstanding requests abandoned without a reply.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		announced: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_arp_gratuitous_sent_total",
			Help:        "Gratuitous ARP announcements sent.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
	}
}
