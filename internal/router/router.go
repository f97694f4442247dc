// Package router implements the IPv4 router: a specialization of the
// software switch core that adds header validation, TTL/checksum
// fixup, ICMP error generation, and deferred forwarding while awaiting
// ARP resolution, in front of a synthetic "local port" that funnels
// packets into an internal IP/ARP/ICMP/UDP stack.
//
// Go has no virtual-method override of MultiBuffer::deliver() the way
// the original C++ subclasses SwitchCore; instead Dispatch supplies
// its own Deliver method (satisfying mbuf.Deliverer) and is
// constructed with ethswitch.NewSwitchCoreFor so the embedded
// SwitchCore's packet arena calls back into Dispatch instead of its
// own default pipeline. Dispatch still reuses SwitchCore's port
// registry, plugin chain, and egress machinery via the exported
// RunIngressPlugins/FanOut/LogDrop seam.
package router

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ipchecksum"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/iptable"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/mbuf"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

// MAC is shared with internal/ethswitch so callers don't need to
// import it separately for common signatures.
type MAC = ethswitch.MAC

// IPv4 protocol numbers the local stack dispatches on.
const (
	ProtoICMP = 1
	ProtoUDP  = 17
)

// IPv4Meta is the subset of a received IPv4 datagram's header handed
// to a registered IPProtocolHandler, along with the Ethernet source
// address needed to address a reply.
type IPv4Meta struct {
	SrcIP, DstIP [4]byte
	TTL          uint8
	Protocol     uint8
	SrcMAC       MAC
	VLANTag      uint16 // 0 if untagged.
	HasVLAN      bool
}

// IPProtocolHandler receives IPv4 datagrams addressed to the router
// itself, demultiplexed by protocol number (see ProtoICMP, ProtoUDP).
type IPProtocolHandler interface {
	ReceiveIPv4(meta IPv4Meta, payload []byte)
}

// EthernetHandler receives non-IP frames addressed to the router's
// local stack (in this module, only ARP).
type EthernetHandler interface {
	ReceiveEthernet(srcMAC MAC, hasVLAN bool, vid uint16, payload []byte)
}

// ARP is implemented by internal/arp.Cache: the router asks it to
// resolve a next-hop IP it doesn't have a MAC for, and registers
// itself to be notified once that (or any other) resolution
// completes, so the deferred-forward queue can resume.
type ARP interface {
	RequestResolve(target [4]byte)
	AddResolutionListener(l ResolutionListener)
}

// ResolutionListener is notified of every (IP -> MAC) resolution an
// ARP cache publishes. Dispatch implements this to drain its
// deferred-forward queue.
type ResolutionListener interface {
	ARPResolved(ip [4]byte, mac MAC)
}

// Dispatch is the IPv4 router: a SwitchCore specialization with one
// synthetic local-stack port, a forwarding table, and a
// deferred-forward queue for packets awaiting ARP resolution.
type Dispatch struct {
	*ethswitch.SwitchCore

	table *iptable.Table
	mac   MAC
	ip    [4]byte

	localIdx  int
	localPort *ethswitch.SwitchPort

	ctx *poll.Context
	ref timeref.Ref

	mu           sync.Mutex
	arp          ARP
	arpHandler   EthernetHandler
	protocols    map[uint8]IPProtocolHandler
	portShutdown uint64

	deferred *deferQueue
	metrics  *routerMetrics
	log      *slog.Logger
}

// Option configures a Dispatch at construction time.
type Option func(*Dispatch)

// WithLogger overrides the default diagnostic logger (slog.Default).
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatch) { d.log = log }
}

// WithDeferCapacity overrides the default deferred-forward queue
// depth (how many packets may wait on ARP resolution at once).
func WithDeferCapacity(n int) Option {
	return func(d *Dispatch) { d.deferred.capacity = n }
}

// WithDeferTimeoutMsec overrides how long a deferred packet waits for
// ARP resolution before being silently dropped.
func WithDeferTimeoutMsec(msec uint32) Option {
	return func(d *Dispatch) { d.deferred.timeoutMsec = msec }
}

// DefaultDeferCapacity and DefaultDeferTimeoutMsec are the deferred-
// forward queue's defaults absent an Option override.
const (
	DefaultDeferCapacity     = 8
	DefaultDeferTimeoutMsec  = 2000
	defaultSweepIntervalMsec = 250
)

// NewDispatch constructs a router with the given local identity
// (mac/ip), forwarding table, and packet arena dimensions. ctx drives
// the local port's egress notifications and the deferred-forward
// sweep timer; ref provides the deferred-forward queue's timeout
// clock (timeref.NullRef{} disables timeouts, per internal/timeref's
// "no clock yet" convention).
func NewDispatch(name string, chunkSize uint, numChunks int, mac MAC, ip net.IP, table *iptable.Table, ctx *poll.Context, ref timeref.Ref, opts ...Option) *Dispatch {
	d := &Dispatch{
		table:     table,
		mac:       mac,
		ctx:       ctx,
		ref:       ref,
		protocols: make(map[uint8]IPProtocolHandler),
		metrics:   newRouterMetrics(name),
		log:       slog.Default(),
	}
	copy(d.ip[:], ip.To4())
	d.deferred = newDeferQueue(d, DefaultDeferCapacity, DefaultDeferTimeoutMsec)

	d.SwitchCore = ethswitch.NewSwitchCoreFor(name, chunkSize, numChunks, d)

	for _, opt := range opts {
		opt(d)
	}

	local, err := d.NewPort(ctx, &localSink{d: d}, nil, nil)
	if err != nil {
		panic(fmt.Sprintf("router: failed to allocate local port: %v", err))
	}
	d.localPort = local
	d.localIdx = local.Index()

	d.deferred.timer = ctx.RegisterTimer(d.deferred.sweep)
	d.deferred.timer.Every(defaultSweepIntervalMsec)

	return d
}

// LocalPortIndex returns the switch-port index reserved for the
// router's own IP/ARP/ICMP/UDP stack.
func (d *Dispatch) LocalPortIndex() int { return d.localIdx }

// IPAddr returns the router's own IPv4 address.
func (d *Dispatch) IPAddr() [4]byte { return d.ip }

// MACAddr returns the router's own Ethernet address.
func (d *Dispatch) MACAddr() MAC { return d.mac }

// Table returns the forwarding table this router routes against.
func (d *Dispatch) Table() *iptable.Table { return d.table }

// WriteLocal returns a Writeable the local stack uses to transmit a
// frame: writes are re-injected as ingress on the local port, so
// locally generated traffic (ARP requests, ICMP replies, UDP
// datagrams) is routed by the same pipeline as any other port's
// traffic.
func (d *Dispatch) WriteLocal() *ethswitch.PortWriter { return d.WriterFor(d.localIdx) }

// SetARP attaches the ARP cache this router consults for next-hop MAC
// resolution, and registers itself to be notified of future
// resolutions.
func (d *Dispatch) SetARP(a ARP) {
	d.mu.Lock()
	d.arp = a
	d.mu.Unlock()
	a.AddResolutionListener(d)
}

// SetARPHandler registers the handler that receives ARP frames
// addressed to the local stack (queries from external ports, and
// replies to requests the router itself issued).
func (d *Dispatch) SetARPHandler(h EthernetHandler) {
	d.mu.Lock()
	d.arpHandler = h
	d.mu.Unlock()
}

// RegisterIPProtocol attaches h to receive IPv4 datagrams addressed to
// the router with the given protocol number.
func (d *Dispatch) RegisterIPProtocol(proto uint8, h IPProtocolHandler) {
	d.mu.Lock()
	d.protocols[proto] = h
	d.mu.Unlock()
}

// SetPortShutdown marks port idx administratively down (true) or up
// (false); LinkUpMask reflects this immediately, so the gateway path
// treats a shut-down egress port as unreachable.
func (d *Dispatch) SetPortShutdown(idx int, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if down {
		d.portShutdown |= 1 << uint(idx)
	} else {
		d.portShutdown &^= 1 << uint(idx)
	}
}

// LinkUpMask returns the bitmask of ports not administratively shut
// down.
func (d *Dispatch) LinkUpMask() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ^d.portShutdown
}

// Deliver implements mbuf.Deliverer, replacing SwitchCore's default
// ingress pipeline with the router's own: RFC-1812 silent-drop rules,
// the shared plugin chain, then EtherType-based routing to the local
// stack, another port, or the gateway path.
func (d *Dispatch) Deliver(pkt *mbuf.MultiPacket) {
	srcPort := int(pkt.User(mbuf.SlotSourcePort))
	raw := make([]byte, pkt.Length())
	pkt.CopyInto(raw)

	hdr, err := ethswitch.ParseHeader(raw)
	if err != nil {
		d.LogDrop(srcPort, nil, pkt.Length(), "BADFRM")
		return
	}
	origLen := hdr.Len()

	if d.rfc1812Drop(hdr) {
		d.LogDrop(srcPort, hdr, pkt.Length(), "DISABLED")
		return
	}

	meta := &ethswitch.PacketMeta{
		Header:  hdr,
		SrcPort: srcPort,
		DstMask: ^uint64(0),
		Raw:     pkt.Length(),
	}
	d.RunIngressPlugins(srcPort, meta)
	if meta.Divert != nil {
		meta.Divert.DivertAccept(pkt)
		return
	}
	if meta.Drop {
		d.LogDrop(srcPort, hdr, pkt.Length(), meta.DropReason)
		return
	}

	switch {
	case hdr.EtherType == ethswitch.EtherTypeARP && srcPort == d.localIdx:
		d.commitHeader(pkt, hdr, origLen)
		d.deliverARPOut(pkt, meta)
	case hdr.EtherType == ethswitch.EtherTypeARP:
		d.commitHeader(pkt, hdr, origLen)
		d.deliverToLocal(pkt, meta)
	case hdr.HasIPv4 && hdr.IPv4.DstIP == d.ip:
		d.commitHeader(pkt, hdr, origLen)
		d.deliverToLocal(pkt, meta)
	case hdr.HasIPv4:
		d.processGateway(pkt, raw, hdr, meta, origLen)
	default:
		d.LogDrop(srcPort, hdr, pkt.Length(), "BADFRM")
	}
}

// rfc1812Drop implements RFC-1812's silent-drop rules: layer-2
// multicast to a non-IP-multicast destination, reserved or multicast
// source addresses, and switch-control destinations.
func (d *Dispatch) rfc1812Drop(hdr *ethswitch.Header) bool {
	if hdr.DstMAC.IsSwitchControl() || hdr.SrcMAC.IsSwitchControl() {
		return true
	}
	if hdr.SrcMAC.IsMulticast() {
		return true
	}
	if hdr.HasIPv4 {
		if isMulticastIPv4(hdr.IPv4.SrcIP) || isReservedIPv4(hdr.IPv4.SrcIP) || isReservedIPv4(hdr.IPv4.DstIP) {
			return true
		}
		if hdr.DstMAC.IsMulticast() && !isMulticastIPv4(hdr.IPv4.DstIP) {
			return true
		}
	}
	return false
}

func isMulticastIPv4(ip [4]byte) bool { return ip[0] >= 224 && ip[0] <= 239 }

func isReservedIPv4(ip [4]byte) bool {
	return ip[0] == 0 || ip[0] == 127 || ip[0] >= 240
}

// commitHeader writes hdr.Bytes (after any ingress plugin or router
// mutation) back over pkt's original header region. A length mismatch
// is a fatal internal error: neither plugins nor the router are
// permitted to change an ingress header's length.
func (d *Dispatch) commitHeader(pkt *mbuf.MultiPacket, hdr *ethswitch.Header, origLen uint) {
	if uint(len(hdr.Bytes)) != origLen {
		panic(fmt.Sprintf("router: header length changed %d -> %d", origLen, len(hdr.Bytes)))
	}
	ow := mbuf.NewOverwriter(pkt, origLen)
	ow.WriteBytes(hdr.Bytes)
	ow.WriteFinalize()
}

// deliverARPOut forwards an ARP message emitted by the local stack to
// the port serving its target IP (the ARP "TPA" field), looked up in
// the routing table exactly as an IPv4 destination would be.
func (d *Dispatch) deliverARPOut(pkt *mbuf.MultiPacket, meta *ethswitch.PacketMeta) {
	tpa, ok := parseARPTarget(pkt, meta.Header.Len())
	if !ok {
		d.LogDrop(meta.SrcPort, meta.Header, pkt.Length(), "BADFRM")
		return
	}
	route := d.table.RouteLookup(net.IP(tpa[:]))
	if !route.IsDeliverable() || route.Port == d.localIdx {
		return // No route, or the router itself: drop rather than loop.
	}
	meta.DstMask &= 1 << uint(route.Port)
	d.FanOut(pkt, meta.SrcPort, meta)
}

// deliverToLocal restricts delivery to the local-stack port alone and
// reuses the ordinary fan-out path, so the local sink's Writeable
// (localSink) receives exactly the bytes any other port would.
func (d *Dispatch) deliverToLocal(pkt *mbuf.MultiPacket, meta *ethswitch.PacketMeta) {
	meta.DstMask = 1 << uint(d.localIdx)
	d.FanOut(pkt, meta.SrcPort, meta)
}

// processGateway forwards a packet destined elsewhere: TTL decrement
// with incremental checksum fixup, routing-table lookup, ICMP error
// generation for unroutable/prohibited/shutdown destinations, ICMP
// redirect when the route loops back out the ingress port, and either
// immediate forwarding (MAC known) or a handoff to the deferred-
// forward queue (MAC unknown).
func (d *Dispatch) processGateway(pkt *mbuf.MultiPacket, raw []byte, hdr *ethswitch.Header, meta *ethswitch.PacketMeta, origLen uint) {
	srcPort := meta.SrcPort

	if hdr.IPv4.TTL <= 1 {
		d.icmpReply(icmpTypeTimeExceeded, 0, 0, hdr, raw)
		d.LogDrop(srcPort, hdr, pkt.Length(), "NO_ROUTE")
		return
	}
	newChecksum := ipchecksum.FixupTTLDecrement(hdr.IPv4.Checksum, hdr.IPv4.TTL, hdr.IPv4.Protocol)
	newTTL := hdr.IPv4.TTL - 1
	applyTTLFixup(hdr, newTTL, newChecksum)

	dst := net.IP(hdr.IPv4.DstIP[:])
	route := d.table.RouteLookup(dst)

	if !route.IsDeliverable() {
		d.icmpReply(icmpTypeUnreachable, icmpCodeNetUnreachable, 0, hdr, raw)
		d.LogDrop(srcPort, hdr, pkt.Length(), "NO_ROUTE")
		return
	}
	meta.DstMask &= 1 << uint(route.Port)
	if meta.DstMask == 0 {
		d.icmpReply(icmpTypeUnreachable, icmpCodeAdminProhibited, 0, hdr, raw)
		d.LogDrop(srcPort, hdr, pkt.Length(), "NO_ROUTE")
		return
	}
	meta.DstMask &= d.LinkUpMask()
	if meta.DstMask == 0 {
		d.icmpReply(icmpTypeUnreachable, icmpCodeNetUnreachable, 0, hdr, raw)
		d.LogDrop(srcPort, hdr, pkt.Length(), "DISABLED")
		return
	}

	if route.Port == srcPort {
		d.icmpReply(icmpTypeRedirect, icmpCodeRedirectHost, ipToU32(route.Gateway), hdr, raw)
	}

	if route.HasDstMAC() {
		d.adjustMAC(hdr, route.DstMAC)
		d.commitHeader(pkt, hdr, origLen)
		d.FanOut(pkt, srcPort, meta)
		return
	}
	d.deferForward(pkt, hdr, meta, origLen, route)
}

// adjustMAC rewrites the destination MAC to the resolved next hop and
// the source MAC to the router's own address, mirroring
// router2::Dispatch::adjust_mac.
func (d *Dispatch) adjustMAC(hdr *ethswitch.Header, dst MAC) {
	hdr.SetDstMAC(dst)
	hdr.SetSrcMAC(d.mac)
}

// applyTTLFixup rewrites the TTL and header-checksum fields of hdr in
// place. The IPv4 header occupies the last IHL*4 bytes of hdr.Bytes
// (Ethernet, and an optional VLAN tag, precede it).
func applyTTLFixup(hdr *ethswitch.Header, newTTL uint8, newChecksum uint16) {
	ipOff := len(hdr.Bytes) - int(hdr.IPv4.IHL)*4
	hdr.Bytes[ipOff+8] = newTTL
	binary.BigEndian.PutUint16(hdr.Bytes[ipOff+10:ipOff+12], newChecksum)
	hdr.IPv4.TTL = newTTL
	hdr.IPv4.Checksum = newChecksum
}

func ipToU32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// localSink is the Writeable attached to the router's local port: it
// accumulates one egress frame's bytes, then on WriteFinalize parses
// its Ethernet header and dispatches the payload to whichever handler
// (ARP, or an IP protocol handler) is registered for it.
type localSink struct {
	d   *Dispatch
	buf []byte
}

func (s *localSink) GetWriteSpace() uint { return ^uint(0) }
func (s *localSink) WriteBytes(b []byte) { s.buf = append(s.buf, b...) }
func (s *localSink) WriteAbort()         { s.buf = s.buf[:0] }

func (s *localSink) WriteFinalize() bool {
	frame := s.buf
	s.buf = nil
	s.d.receiveLocal(frame)
	return true
}

func (d *Dispatch) receiveLocal(frame []byte) {
	hdr, err := ethswitch.ParseHeader(frame)
	if err != nil {
		return
	}
	payload := frame[hdr.Len():]
	switch hdr.EtherType {
	case ethswitch.EtherTypeARP:
		d.mu.Lock()
		h := d.arpHandler
		d.mu.Unlock()
		if h != nil {
			h.ReceiveEthernet(hdr.SrcMAC, hdr.HasVLAN, hdr.VID, payload)
		}
	case ethswitch.EtherTypeIPv4:
		if !hdr.HasIPv4 {
			return
		}
		d.mu.Lock()
		h := d.protocols[hdr.IPv4.Protocol]
		d.mu.Unlock()
		if h != nil {
			h.ReceiveIPv4(IPv4Meta{
				SrcIP:    hdr.IPv4.SrcIP,
				DstIP:    hdr.IPv4.DstIP,
				TTL:      hdr.IPv4.TTL,
				Protocol: hdr.IPv4.Protocol,
				SrcMAC:   hdr.SrcMAC,
				HasVLAN:  hdr.HasVLAN,
				VLANTag:  hdr.VID,
			}, payload)
		}
	}
}

// parseARPTarget reads the "target protocol address" field out of an
// ARP message's payload (the 24-byte ARP body immediately following
// the Ethernet/VLAN header): hwtype(2) proto(2) hlen(1) plen(1)
// op(2) sha(6) spa(4) tha(6) tpa(4).
func parseARPTarget(pkt *mbuf.MultiPacket, hdrLen uint) ([4]byte, bool) {
	var tpa [4]byte
	body := make([]byte, pkt.Length())
	n := pkt.CopyInto(body)
	body = body[:n]
	if uint(len(body)) < hdrLen+24 {
		return tpa, false
	}
	copy(tpa[:], body[hdrLen+20:hdrLen+24])
	return tpa, true
}

type routerMetrics struct {
	deferQueued  prometheus.Counter
	deferTimeout prometheus.Counter
	icmpSent     *prometheus.CounterVec
}

func newRouterMetrics(name string) *routerMetrics {
	return &routerMetrics{
		deferQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_router_defer_queued_total",
			Help:        "Packets queued awaiting ARP resolution before forwarding.",
			ConstLabels: prometheus.Labels{"router": name},
		}),
		deferTimeout: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_router_defer_timeout_total",
			Help:        "Deferred packets dropped after ARP resolution timed out.",
			ConstLabels: prometheus.Labels{"router": name},
		}),
		icmpSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "satcat5_router_icmp_sent_total",
			Help:        "ICMP error replies generated by the router, by type.",
			ConstLabels: prometheus.Labels{"router": name},
		}, []string{"type"}),
	}
}
