// Package udp implements the router's UDP layer: a Dispatch that
// demultiplexes incoming datagrams by destination port to registered
// Protocol listeners, and a Socket that pairs a dynamically (or
// statically) allocated source port with a stored peer address,
// resolving its MAC through ARP before transmission.
//
// Both types attach to an internal/router.Dispatch as an
// IPProtocolHandler for router.ProtoUDP, exactly as internal/icmp
// attaches for router.ProtoICMP: wire format and addressing are built
// by hand, the same way every other protocol handler in this module
// does it, rather than going through net.UDPConn (there is no real
// socket here — the router's local-stack injector is the only path
// datagrams take in or out).
package udp

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
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/router"
)

// MAC is shared with internal/ethswitch so callers don't need a
// separate import for common signatures.
type MAC = ethswitch.MAC

// Protocol receives datagrams demultiplexed to one destination port.
// Broadcast datagrams addressed to a port with no registered Protocol
// are silently dropped; unicast ones trigger a port-unreachable
// notification if one is configured (see SetUnreachable).
type Protocol interface {
	ReceiveUDP(srcIP [4]byte, srcPort uint16, payload []byte)
}

// Unreachable is notified when a unicast datagram arrives for a port
// with no registered listener, so an ICMP port-unreachable reply can
// be generated. internal/icmp.Engine satisfies this structurally (its
// PortUnreachable method has this exact signature), keeping this
// package's dependency graph from looping back through internal/icmp.
type Unreachable interface {
	PortUnreachable(meta router.IPv4Meta, udpHeader []byte)
}

// Dynamic port range defaults, mirroring the ephemeral range an OS
// networking stack would draw from (RFC 6335 §6).
const (
	DefaultDynLo = 49152
	DefaultDynHi = 65535
)

// Dispatch demultiplexes incoming UDP datagrams by destination port
// and allocates dynamic source ports for outgoing Sockets. Register it
// with router.Dispatch.RegisterIPProtocol(router.ProtoUDP, dispatch)
// and attach its writer to the router's local-stack injector.
type Dispatch struct {
	name string
	mac  MAC
	ip   [4]byte

	mu          sync.Mutex
	write       udpWriter
	listeners   map[uint16]Protocol
	dynInUse    map[uint16]bool
	dynLo, dynHi uint16
	dynCursor   uint16
	unreach     Unreachable

	metrics *metrics
	log     *slog.Logger
}

// udpWriter is the subset of ioext.Writeable a Dispatch needs to
// transmit a locally originated frame; kept narrow so Socket can share
// it without importing ioext for a single method pair.
type udpWriter interface {
	WriteBytes(b []byte)
	WriteFinalize() bool
}

// NewDispatch constructs a UDP dispatcher for the given local
// identity.
func NewDispatch(name string, mac MAC, ip net.IP) *Dispatch {
	d := &Dispatch{
		name:      name,
		mac:       mac,
		listeners: make(map[uint16]Protocol),
		dynInUse:  make(map[uint16]bool),
		dynLo:     DefaultDynLo,
		dynHi:     DefaultDynHi,
		dynCursor: DefaultDynLo,
		metrics:   newMetrics(name),
		log:       slog.Default(),
	}
	copy(d.ip[:], ip.To4())
	return d
}

// SetDynamicRange overrides the ephemeral port range AutoBind draws
// from.
func (d *Dispatch) SetDynamicRange(lo, hi uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dynLo, d.dynHi, d.dynCursor = lo, hi, lo
}

// SetWriter attaches the sink outbound datagrams are transmitted
// through — typically a router.Dispatch's WriteLocal().
func (d *Dispatch) SetWriter(w udpWriter) {
	d.mu.Lock()
	d.write = w
	d.mu.Unlock()
}

// SetUnreachable attaches the handler notified of unicast datagrams
// addressed to a port with no registered listener.
func (d *Dispatch) SetUnreachable(u Unreachable) {
	d.mu.Lock()
	d.unreach = u
	d.mu.Unlock()
}

// SetLogger overrides the default diagnostic logger (slog.Default).
func (d *Dispatch) SetLogger(log *slog.Logger) {
	d.mu.Lock()
	d.log = log
	d.mu.Unlock()
}

// Register binds p to receive datagrams addressed to port. Returns an
// error if port is already bound.
func (d *Dispatch) Register(port uint16, p Protocol) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.listeners[port]; taken {
		return fmt.Errorf("udp: port %d already bound", port)
	}
	d.listeners[port] = p
	return nil
}

// RegisterDynamic binds p to the first free port in the dynamic range,
// walking the range starting just after the last port handed out.
// Returns an error ("ports full") once every dynamic port is in use.
func (d *Dispatch) RegisterDynamic(p Protocol) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	span := int(d.dynHi) - int(d.dynLo) + 1
	for i := 0; i < span; i++ {
		port := d.dynCursor
		d.dynCursor++
		if d.dynCursor > d.dynHi {
			d.dynCursor = d.dynLo
		}
		if _, taken := d.listeners[port]; taken {
			continue
		}
		d.listeners[port] = p
		d.metrics.dynAllocated.Inc()
		return port, nil
	}
	return 0, fmt.Errorf("udp: dynamic ports full")
}

// Unregister releases port, making it available again.
func (d *Dispatch) Unregister(port uint16) {
	d.mu.Lock()
	delete(d.listeners, port)
	d.mu.Unlock()
}

// ReceiveIPv4 implements router.IPProtocolHandler for router.ProtoUDP.
func (d *Dispatch) ReceiveIPv4(meta router.IPv4Meta, payload []byte) {
	if len(payload) < 8 {
		return
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	if int(length) < 8 || int(length) > len(payload) {
		length = uint16(len(payload))
	}
	body := payload[8:length]

	d.mu.Lock()
	p := d.listeners[dstPort]
	unreach := d.unreach
	d.mu.Unlock()

	if p != nil {
		d.metrics.delivered.Inc()
		p.ReceiveUDP(meta.SrcIP, srcPort, body)
		return
	}
	d.metrics.noListener.Inc()
	if isBroadcast(meta.DstIP) {
		return // Broadcast to an unhandled port never generates ICMP.
	}
	if unreach != nil {
		unreach.PortUnreachable(meta, payload[:8])
	}
}

// send transmits a UDP datagram from srcPort to dstIP:dstPort, using
// dstMAC as the Ethernet destination (the zero MAC is a valid
// placeholder: the router's ingress path resolves it through ARP or
// the deferred-forward queue the same way it would for any other
// locally-originated frame with an unknown next hop).
func (d *Dispatch) send(srcPort uint16, dstIP [4]byte, dstPort uint16, dstMAC MAC, payload []byte) error {
	d.mu.Lock()
	w := d.write
	mac := d.mac
	ip := d.ip
	d.mu.Unlock()
	if w == nil {
		return fmt.Errorf("udp: no writer attached")
	}

	hdr := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(hdr[0:2], srcPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(8+len(payload)))
	copy(hdr[8:], payload)

	ipHdr := buildIPv4Header(64, router.ProtoUDP, ip, dstIP, len(hdr))

	frame := make([]byte, 0, 14+len(ipHdr)+len(hdr))
	frame = append(frame, dstMAC[:]...)
	frame = append(frame, mac[:]...)
	frame = binary.BigEndian.AppendUint16(frame, ethswitch.EtherTypeIPv4)
	frame = append(frame, ipHdr...)
	frame = append(frame, hdr...)

	w.WriteBytes(frame)
	if !w.WriteFinalize() {
		return fmt.Errorf("udp: write finalize failed")
	}
	d.metrics.sent.Inc()
	return nil
}

func isBroadcast(ip [4]byte) bool {
	return ip == [4]byte{255, 255, 255, 255} || ip[3] == 255
}

func buildIPv4Header(ttl, proto uint8, src, dst [4]byte, payloadLen int) []byte {
	h := make([]byte, 20)
	h[0] = 0x45
	binary.BigEndian.PutUint16(h[2:4], uint16(20+payloadLen))
	h[8] = ttl
	h[9] = proto
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	binary.BigEndian.PutUint16(h[10:12], ipchecksum.Standard(h))
	return h
}

// Socket pairs a (static or dynamically allocated) source port with a
// stored peer address, resolving the peer's MAC through ARP if one
// isn't supplied directly. Broadcast and multicast peers are always
// considered ready to transmit, since no ARP resolution applies to
// them.
type Socket struct {
	d   *Dispatch
	arp router.ARP

	mu        sync.Mutex
	recv      func(srcIP [4]byte, srcPort uint16, payload []byte)
	port      uint16
	bound     bool
	dstIP     [4]byte
	dstPort   uint16
	dstMAC    MAC
	macKnown  bool
	broadcast bool
}

// NewSocket constructs a Socket bound to Dispatch d once Bind or
// AutoBind/Connect is called.
func NewSocket(d *Dispatch) *Socket { return &Socket{d: d} }

var _ Protocol = (*Socket)(nil)
var _ router.ResolutionListener = (*Socket)(nil)

// SetARP attaches the ARP cache used to resolve Connect's peer
// address when no MAC is supplied directly.
func (s *Socket) SetARP(a router.ARP) {
	s.arp = a
	a.AddResolutionListener(s)
}

// SetReceiveCallback installs the function invoked for every datagram
// delivered to this socket.
func (s *Socket) SetReceiveCallback(fn func(srcIP [4]byte, srcPort uint16, payload []byte)) {
	s.mu.Lock()
	s.recv = fn
	s.mu.Unlock()
}

// Bind binds the socket to an explicit, caller-chosen port.
func (s *Socket) Bind(port uint16) error {
	if err := s.d.Register(port, s); err != nil {
		return err
	}
	s.mu.Lock()
	s.port, s.bound = port, true
	s.mu.Unlock()
	return nil
}

// AutoBind allocates a free port from the dispatcher's dynamic range.
func (s *Socket) AutoBind() error {
	port, err := s.d.RegisterDynamic(s)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.port, s.bound = port, true
	s.mu.Unlock()
	return nil
}

// Port returns the socket's bound source port, or 0 if unbound.
func (s *Socket) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Close releases the socket's bound port.
func (s *Socket) Close() {
	s.mu.Lock()
	port, bound := s.port, s.bound
	s.bound = false
	s.mu.Unlock()
	if bound {
		s.d.Unregister(port)
	}
}

// Connect sets the socket's peer address, auto-binding a dynamic
// source port first if the socket isn't already bound. If mac is nil
// and ip is neither broadcast nor multicast, an ARP resolution request
// is issued; ReadyTx reports false until it completes (or forever, if
// no ARP cache was attached via SetARP).
func (s *Socket) Connect(ip net.IP, port uint16, mac *MAC) error {
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()
	if !bound {
		if err := s.AutoBind(); err != nil {
			return err
		}
	}

	var dst [4]byte
	copy(dst[:], ip.To4())
	broadcast := isBroadcast(dst) || ip.IsMulticast()

	s.mu.Lock()
	s.dstIP = dst
	s.dstPort = port
	s.broadcast = broadcast
	if mac != nil {
		s.dstMAC = *mac
		s.macKnown = true
	} else {
		s.macKnown = false
		if !broadcast && s.arp != nil {
			s.arp.RequestResolve(dst)
		}
	}
	s.mu.Unlock()
	return nil
}

// ReadyTx reports whether the socket's peer MAC is known (always true
// for a broadcast or multicast peer).
func (s *Socket) ReadyTx() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcast || s.macKnown
}

// ARPResolved implements router.ResolutionListener.
func (s *Socket) ARPResolved(ip [4]byte, mac MAC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ip == s.dstIP {
		s.dstMAC = mac
		s.macKnown = true
	}
}

// Send transmits payload to the socket's connected peer.
func (s *Socket) Send(payload []byte) error {
	s.mu.Lock()
	port, dstIP, dstPort, dstMAC := s.port, s.dstIP, s.dstPort, s.dstMAC
	s.mu.Unlock()
	return s.d.send(port, dstIP, dstPort, dstMAC, payload)
}

// SendTo transmits payload to an explicit destination, bypassing
// Connect's stored peer. The destination MAC, if unresolved, is left
// zero: the router's ingress path defers it through ARP the same as
// any other locally-originated frame.
func (s *Socket) SendTo(ip net.IP, port uint16, payload []byte) error {
	var dst [4]byte
	copy(dst[:], ip.To4())
	s.mu.Lock()
	srcPort := s.port
	s.mu.Unlock()
	return s.d.send(srcPort, dst, port, MAC{}, payload)
}

// ReceiveUDP implements Protocol, delivering to the registered
// callback if one is set.
func (s *Socket) ReceiveUDP(srcIP [4]byte, srcPort uint16, payload []byte) {
	s.mu.Lock()
	cb := s.recv
	s.mu.Unlock()
	if cb != nil {
		cb(srcIP, srcPort, payload)
	}
}

type metrics struct {
	delivered    prometheus.Counter
	noListener   prometheus.Counter
	sent         prometheus.Counter
	dynAllocated prometheus.Counter
}

func newMetrics(name string) *metrics {
	return &metrics{
		delivered: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_udp_delivered_total",
			Help:        "UDP datagrams delivered to a registered listener.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		noListener: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_udp_no_listener_total",
			Help:        "UDP datagrams received for a port with no registered listener.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		sent: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_udp_sent_total",
			Help:        "UDP datagrams transmitted.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		dynAllocated: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_udp_dynamic_ports_allocated_total",
			Help:        "Dynamic source ports handed out by RegisterDynamic.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
	}
}
