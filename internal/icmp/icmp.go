// Package icmp implements the router's ICMP protocol handler: echo
// request/reply (ping, with round-trip timing), timestamp
// request/reply, redirect handling, and logging of error messages
// this router did not itself generate.
//
// ICMP errors the router generates for its own routing decisions
// (unreachable, redirect, time-exceeded) live in internal/router
// instead, since they must be built synchronously from inside the
// forwarding path (see router2::Dispatch::icmp_reply); this package
// mirrors ip_icmp.cc's ProtoIcmp, which handles messages arriving at
// the local IP stack.
package icmp

import (
	"encoding/binary"
	"log/slog"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ipchecksum"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ioext"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/router"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

// MAC is shared with internal/ethswitch so callers don't need a
// separate import for common signatures.
type MAC = ethswitch.MAC

// ICMP message type/code values this package sends or recognizes on
// receipt. Type and code are read/compared together as one 16-bit
// field (type in the high byte), matching the combined comparisons in
// ip_icmp.cc's frame_rcvd.
const (
	icmpEchoReply   = 0x0000
	icmpRedirect    = 0x0500
	icmpEchoRequest = 0x0800
	icmpTimeRequest = 0x0D00
	icmpTimeReply   = 0x0E00

	typeMask = 0xFF00
)

// timestampArb marks an ICMP timestamp field as using an arbitrary
// (non-milliseconds-since-midnight) time format; set unconditionally
// since this router has no wall-clock notion of midnight.
const timestampArb = uint32(1) << 31

const (
	echoWords = 4  // type/code, checksum, 2 words of embedded timestamp.
	timeWords = 10 // type/code, checksum, id, seq, 3x2 timestamp words.
	maxReply  = 32
	maxEcho   = maxReply - 2
)

// PingListener is notified of the round-trip time measured for every
// echo reply this engine receives.
type PingListener interface {
	PingEvent(src [4]byte, elapsedUsec uint64)
}

// GatewayNotifier receives a new next hop for a destination, learned
// from an ICMP redirect. internal/arp.Cache implements this
// structurally (duck-typed, not imported) to keep this package's
// dependency graph from looping back through internal/router's ARP
// interface.
type GatewayNotifier interface {
	GatewayChange(dst, gateway [4]byte)
}

// Engine is the router's ICMP protocol handler: register it with
// router.Dispatch.RegisterIPProtocol(router.ProtoICMP, engine) and
// attach its writer to the router's local-stack injector.
type Engine struct {
	name string
	mac  MAC
	ip   [4]byte
	ref  timeref.Ref

	mu        sync.Mutex
	write     ioext.Writeable
	listeners []PingListener
	gateway   GatewayNotifier

	metrics *metrics
	log     *slog.Logger
}

// NewEngine constructs an ICMP handler for the given local identity.
// ref provides the clock embedded in echo/timestamp requests and used
// to measure round-trip time on reply.
func NewEngine(name string, mac MAC, ip net.IP, ref timeref.Ref) *Engine {
	e := &Engine{
		name:    name,
		mac:     mac,
		ref:     ref,
		metrics: newMetrics(name),
		log:     slog.Default(),
	}
	copy(e.ip[:], ip.To4())
	return e
}

// SetWriter attaches the sink outbound ICMP messages are transmitted
// through — typically a router.Dispatch's WriteLocal(), so locally
// generated traffic is routed like any other local-stack frame.
func (e *Engine) SetWriter(w ioext.Writeable) {
	e.mu.Lock()
	e.write = w
	e.mu.Unlock()
}

// SetGatewayNotifier attaches the ARP cache whose routes should be
// repointed when a redirect names a better next hop.
func (e *Engine) SetGatewayNotifier(g GatewayNotifier) {
	e.mu.Lock()
	e.gateway = g
	e.mu.Unlock()
}

// SetLogger overrides the default (slog.Default) diagnostic logger.
func (e *Engine) SetLogger(log *slog.Logger) {
	e.mu.Lock()
	e.log = log
	e.mu.Unlock()
}

// AddPingListener registers l to be notified of future echo-reply
// round-trip measurements.
func (e *Engine) AddPingListener(l PingListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// RequestEcho sends an ICMP echo request to dst, embedding the current
// time so the matching reply's round-trip time can be measured.
func (e *Engine) RequestEcho(dst net.IP) {
	now := uint32(e.ref.Raw())
	buff := make([]byte, 2*echoWords)
	binary.BigEndian.PutUint16(buff[0:2], icmpEchoRequest)
	binary.BigEndian.PutUint32(buff[4:8], now)
	e.sendTo(dst, buff)
}

// RequestTimestamp sends an ICMP timestamp request to dst per RFC 792,
// with the originate timestamp flagged as an arbitrary-units value
// (this router has no notion of milliseconds-since-midnight).
func (e *Engine) RequestTimestamp(dst net.IP) {
	now := uint32(e.ref.Raw()) | timestampArb
	buff := make([]byte, 2*timeWords)
	binary.BigEndian.PutUint16(buff[0:2], icmpTimeRequest)
	binary.BigEndian.PutUint16(buff[4:6], 0xDEAD) // Identifier, unused.
	binary.BigEndian.PutUint16(buff[6:8], 0xBEEF) // Sequence, unused.
	binary.BigEndian.PutUint32(buff[8:12], now)
	e.sendTo(dst, buff)
}

// ReceiveIPv4 implements router.IPProtocolHandler for ProtoICMP.
func (e *Engine) ReceiveIPv4(meta router.IPv4Meta, payload []byte) {
	if len(payload) < 8 {
		return
	}
	code := binary.BigEndian.Uint16(payload[0:2])
	wlen := (len(payload) - 4) / 2 // Words remaining after type/code + checksum.

	switch {
	case code == icmpEchoReply:
		e.handleEchoReply(meta, payload)
	case code == icmpEchoRequest && wlen <= maxEcho:
		e.handleEchoRequest(meta, payload)
	case code&typeMask == icmpRedirect && wlen >= 12:
		e.handleRedirect(payload)
	case code == icmpTimeReply && wlen >= 8:
		e.log.Info("icmp timestamp response", "peer", net.IP(meta.SrcIP[:]).String())
	case code == icmpTimeRequest && wlen >= 8:
		e.handleTimestampRequest(meta, payload)
	default:
		if msg := code2msg(code); msg != "" {
			e.log.Warn("icmp "+msg, "peer", net.IP(meta.SrcIP[:]).String())
		}
	}
}

func (e *Engine) handleEchoReply(meta router.IPv4Meta, payload []byte) {
	if len(payload) < 8 {
		return
	}
	tref := binary.BigEndian.Uint32(payload[4:8])
	elapsed := e.elapsedUsec32(tref)
	e.metrics.echoReplies.Inc()

	e.mu.Lock()
	listeners := append([]PingListener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		l.PingEvent(meta.SrcIP, elapsed)
	}
}

func (e *Engine) handleEchoRequest(meta router.IPv4Meta, payload []byte) {
	reply := append([]byte(nil), payload...)
	reply[0] = 0                               // ICMP_ECHO_REPLY's type byte.
	binary.BigEndian.PutUint16(reply[2:4], 0) // Checksum placeholder.
	e.sendDirect(meta, reply)
	e.metrics.echoRequests.Inc()
}

func (e *Engine) handleRedirect(payload []byte) {
	if len(payload) < 4+4+16+4 {
		return
	}
	var gateway, dst [4]byte
	copy(gateway[:], payload[4:8])  // New gateway, first field of the redirect body.
	copy(dst[:], payload[24:28])    // Destination, from the offending IPv4 header.

	e.mu.Lock()
	g := e.gateway
	e.mu.Unlock()
	if g != nil {
		g.GatewayChange(dst, gateway)
	}
	e.metrics.redirects.Inc()
}

func (e *Engine) handleTimestampRequest(meta router.IPv4Meta, payload []byte) {
	now := uint32(e.ref.Raw()) | timestampArb
	reply := make([]byte, 2*timeWords)
	binary.BigEndian.PutUint16(reply[0:2], icmpTimeReply)
	copy(reply[4:8], payload[4:8])   // Echo the identifier/sequence fields.
	copy(reply[8:12], payload[8:12]) // Echo the originate timestamp.
	binary.BigEndian.PutUint32(reply[12:16], now) // Receive timestamp.
	binary.BigEndian.PutUint32(reply[16:20], now) // Transmit timestamp.
	e.sendDirect(meta, reply)
	e.metrics.timeRequests.Inc()
}

// elapsedUsec32 measures the interval since tref, a truncated 32-bit
// snapshot of the clock embedded in an earlier echo request. Matching
// the original's u32-only timer API, this wraps every 2^32 ticks; at
// nanosecond resolution that is a few seconds, which bounds how long a
// ping may be outstanding before its RTT reads back wrong.
func (e *Engine) elapsedUsec32(tref uint32) uint64 {
	if !timeref.Ready(e.ref) {
		return 0
	}
	delta := uint32(e.ref.Raw()) - tref
	return uint64(delta) * 1_000_000 / e.ref.TicksPerSecond()
}

// sendDirect replies to the sender of an inbound message (meta) using
// its Ethernet and IP source directly, bypassing route lookup — the
// same "reply straight back the way it came" pattern as
// router.icmpReply, appropriate since the peer that must receive this
// reply is exactly the one that just sent to us.
func (e *Engine) sendDirect(meta router.IPv4Meta, body []byte) {
	binary.BigEndian.PutUint16(body[2:4], ipchecksum.Standard(body))

	ipHdr := buildIPv4Header(64, router.ProtoICMP, e.ip, meta.SrcIP, len(body))

	frame := make([]byte, 0, 14+4+len(ipHdr)+len(body))
	frame = append(frame, meta.SrcMAC[:]...)
	frame = append(frame, e.mac[:]...)
	if meta.HasVLAN {
		frame = append(frame, 0x81, 0x00)
		frame = binary.BigEndian.AppendUint16(frame, meta.VLANTag)
	}
	frame = binary.BigEndian.AppendUint16(frame, ethswitch.EtherTypeIPv4)
	frame = append(frame, ipHdr...)
	frame = append(frame, body...)

	e.write.WriteBytes(frame)
	e.write.WriteFinalize()
}

// sendTo transmits a locally originated ICMP message toward dst. The
// Ethernet addressing is a placeholder: writing through the router's
// local-stack injector re-enters the forwarding path, which resolves
// the real next-hop MAC (possibly deferring on ARP) by IP address
// alone.
func (e *Engine) sendTo(dst net.IP, body []byte) {
	var dstIP [4]byte
	copy(dstIP[:], dst.To4())
	binary.BigEndian.PutUint16(body[2:4], ipchecksum.Standard(body))

	ipHdr := buildIPv4Header(64, router.ProtoICMP, e.ip, dstIP, len(body))

	var placeholder MAC
	frame := make([]byte, 0, 14+4+len(ipHdr)+len(body))
	frame = append(frame, placeholder[:]...)
	frame = append(frame, e.mac[:]...)
	frame = binary.BigEndian.AppendUint16(frame, ethswitch.EtherTypeIPv4)
	frame = append(frame, ipHdr...)
	frame = append(frame, body...)

	e.mu.Lock()
	w := e.write
	e.mu.Unlock()
	if w == nil {
		return
	}
	w.WriteBytes(frame)
	w.WriteFinalize()
}

// PortUnreachable sends an ICMP destination-unreachable (port
// unreachable) reply for a UDP datagram addressed to meta that had no
// registered listener. udpHeader is the offending datagram's own
// 8-byte UDP header, copied into the reply per RFC 792 alongside a
// reconstructed copy of its IPv4 header. internal/udp.Dispatch calls
// this through the duck-typed udp.Unreachable interface, so this
// package need not import internal/udp.
func (e *Engine) PortUnreachable(meta router.IPv4Meta, udpHeader []byte) {
	if len(udpHeader) < 8 {
		return
	}
	origIPHeader := buildIPv4Header(meta.TTL, router.ProtoUDP, meta.SrcIP, meta.DstIP, len(udpHeader))

	body := make([]byte, 8+len(origIPHeader)+8)
	body[0] = 3 // destination unreachable
	body[1] = 3 // port unreachable
	copy(body[8:8+len(origIPHeader)], origIPHeader)
	copy(body[8+len(origIPHeader):], udpHeader[:8])

	e.sendDirect(meta, body)
	e.metrics.portUnreachable.Inc()
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

// code2msg translates a combined type+code value into a human-readable
// description for logging, covering the common unreachable/time-
// exceeded/header-error categories (ip_icmp.cc's code2msg, trimmed to
// the cases distinguishable without the original's full constant
// table).
func code2msg(code uint16) string {
	switch code {
	case 0x0300:
		return "destination network unreachable"
	case 0x0301:
		return "destination host unreachable"
	case 0x0302:
		return "destination protocol unreachable"
	case 0x0303:
		return "destination port unreachable"
	}
	switch code & typeMask {
	case 0x0300:
		return "destination unreachable"
	case 0x0B00:
		return "time exceeded"
	case 0x0C00:
		return "IP header error"
	}
	return ""
}

type metrics struct {
	echoRequests    prometheus.Counter
	echoReplies     prometheus.Counter
	timeRequests    prometheus.Counter
	redirects       prometheus.Counter
	portUnreachable prometheus.Counter
}

func newMetrics(name string) *metrics {
	return &metrics{
		echoRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_icmp_echo_requests_total",
			Help:        "ICMP echo requests answered.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		echoReplies: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_icmp_echo_replies_total",
			Help:        "ICMP echo replies received.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		timeRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_icmp_timestamp_requests_total",
			Help:        "ICMP timestamp requests answered.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		redirects: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_icmp_redirects_total",
			Help:        "ICMP redirects applied to the forwarding table.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
		portUnreachable: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_icmp_port_unreachable_total",
			Help:        "ICMP port-unreachable replies sent for unicast UDP datagrams with no listener.",
			ConstLabels: prometheus.Labels{"iface": name},
		}),
	}
}
