// Package ethswitch implements a software Ethernet switch core: ingress
// classification, a plugin chain (MAC learning, VLAN policy, and
// whatever else a caller registers), and priority fan-out to egress
// ports, all built on top of the zero-copy packet store in
// internal/mbuf.
package ethswitch

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ioext"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/mbuf"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

// MaxPorts bounds the switch to a 64-bit port mask, matching the
// reference platform's default configuration.
const MaxPorts = 64

// Flag bits a plugin may set on a PacketMeta during ingress.
const (
	FlagHeaderChange uint32 = 1 << iota
	FlagDivert
)

// PluginCore is invoked once per packet, regardless of source port.
type PluginCore interface {
	// Query inspects and may mutate pkt. Implementations must not
	// change the header's length.
	Query(pkt *PacketMeta)
}

// PluginPort is invoked once per packet on behalf of a single
// SwitchPort, for packets entering (Ingress) or leaving (Egress) that
// port. Egress plugins alone may change the header's length (e.g. to
// insert or strip a VLAN tag), since by egress time the packet is no
// longer shared: each port's egress pipeline builds its own header
// copy.
type PluginPort interface {
	Ingress(pkt *PacketMeta)
	Egress(pkt *PacketMeta)
}

// Diverter is implemented by a plugin that wants to take ownership of
// a packet during ingress instead of letting it continue through the
// normal fan-out path. DivertAccept is handed the raw packet with no
// reference held on its behalf; the diverting plugin must call
// pkt.Retain() before returning if it intends to keep the packet (e.g.
// to hand it to its own reader) and pkt.Release() once it is done with
// it.
type Diverter interface {
	DivertAccept(pkt *mbuf.MultiPacket)
}

// PacketMeta is the mutable view a plugin chain operates on: the
// parsed header, a destination port mask, and a handful of flags and
// diagnostics. For ingress, Header.Bytes must not change length; for
// egress it may.
type PacketMeta struct {
	Header   *Header
	SrcPort  int
	DstMask  uint64
	Flags    uint32
	Priority uint8

	Drop       bool
	DropReason string

	Divert Diverter // non-nil: packet ownership transferred, ingress fan-out skipped

	// Raw is the packet's full length in bytes (header + payload),
	// exposed read-only for plugins that need it without depending on
	// mbuf.
	Raw uint
}

// SwitchLogHandler receives a copy of every ingress log record the
// switch produces.
type SwitchLogHandler interface {
	HandleLog(rec LogRecord)
}

// LogRecordLen is the fixed size of the on-wire packet log record.
const LogRecordLen = 24

// Log record type codes, packed into the 3-bit type field of the
// on-wire record.
const (
	LogTypeKeep uint8 = iota
	LogTypeDrop
	LogTypeSkip
)

// dropReasonCodes maps drop reason labels to the 32-bit metadata code
// a DROP record carries on the wire. Labels not listed here (among them
// the VLAN plugin's "VLANUNTAGGED", "VLANMEMBERSHIP" and "VLANRATE" and
// the MAC-learning plugin's "MACMISS") encode as 0 and decode back to "".
var dropReasonCodes = map[string]uint32{
	"OVERFLOW": 1,
	"BADFCS":   2,
	"BADFRM":   3,
	"MCTRL":    4,
	"VLAN":     5,
	"VRATE":    6,
	"PTPERR":   7,
	"NO_ROUTE": 8,
	"DISABLED": 9,
}

var dropReasonNames = func() map[uint32]string {
	m := make(map[uint32]string, len(dropReasonCodes))
	for name, code := range dropReasonCodes {
		m[code] = name
	}
	return m
}()

// LogRecord mirrors the fixed-size packet log entries the reference
// platform emits for every ingress decision: a 24-bit timestamp, the
// source and destination MAC, EtherType, VLAN tag, and a metadata word
// whose meaning depends on Kept (destination port mask) vs. DropReason
// (a reason code).
type LogRecord struct {
	TimestampUsec uint32 // 24-bit free-running microsecond tick, wraps at 2^24
	SrcPort       int
	DstMAC        MAC
	SrcMAC        MAC
	VID           uint16 // 0 if the frame carried no VLAN tag
	DstMask       uint64
	EtherType     uint16
	Length        uint
	Kept          bool
	DropReason    string
}

// EncodeTo serializes rec into dst, which must be at least
// LogRecordLen bytes, returning LogRecordLen. SrcPort and DstMask are
// truncated to the 5-bit and 32-bit wire widths respectively.
func (rec LogRecord) EncodeTo(dst []byte) int {
	typ := LogTypeKeep
	if !rec.Kept {
		typ = LogTypeDrop
	}
	w0 := (rec.TimestampUsec&0xFFFFFF)<<8 | uint32(typ&0x7)<<5 | uint32(rec.SrcPort)&0x1F
	binary.BigEndian.PutUint32(dst[0:4], w0)
	copy(dst[4:10], rec.DstMAC[:])
	copy(dst[10:16], rec.SrcMAC[:])
	binary.BigEndian.PutUint16(dst[16:18], rec.EtherType)
	binary.BigEndian.PutUint16(dst[18:20], rec.VID)

	var meta uint32
	if rec.Kept {
		meta = uint32(rec.DstMask)
	} else {
		meta = dropReasonCodes[rec.DropReason]
	}
	binary.BigEndian.PutUint32(dst[20:24], meta)
	return LogRecordLen
}

// DecodeLogRecord parses the leading LogRecordLen bytes of src.
func DecodeLogRecord(src []byte) LogRecord {
	w0 := binary.BigEndian.Uint32(src[0:4])
	rec := LogRecord{
		TimestampUsec: w0 >> 8,
		SrcPort:       int(w0 & 0x1F),
	}
	copy(rec.DstMAC[:], src[4:10])
	copy(rec.SrcMAC[:], src[10:16])
	rec.EtherType = binary.BigEndian.Uint16(src[16:18])
	rec.VID = binary.BigEndian.Uint16(src[18:20])
	meta := binary.BigEndian.Uint32(src[20:24])

	switch uint8(w0 >> 5 & 0x7) {
	case LogTypeKeep:
		rec.Kept = true
		rec.DstMask = uint64(meta)
	case LogTypeDrop:
		rec.DropReason = dropReasonNames[meta]
	case LogTypeSkip:
		rec.DropReason = "SKIP"
	}
	return rec
}

// SwitchCore is a software switch: a port registry, an ordered plugin
// chain, and the ingress/egress pipelines that connect them to the
// zero-copy packet store.
type SwitchCore struct {
	mu          sync.Mutex
	buf         *mbuf.Buffer
	ports       map[int]*SwitchPort
	freePMask   uint64
	plugins     []PluginCore
	promiscMask uint64
	logHandlers []SwitchLogHandler

	etherTypeFilter uint16
	etherTypeCount  uint64

	clock   timeref.Ref
	metrics *switchMetrics
}

// SetClock attaches the time reference used to stamp log records. A
// switch with no clock attached stamps every record with timestamp 0.
func (sc *SwitchCore) SetClock(ref timeref.Ref) {
	sc.mu.Lock()
	sc.clock = ref
	sc.mu.Unlock()
}

// timestampUsec returns the free-running microsecond tick to stamp a
// log record with, truncated to 24 bits as the wire format requires.
func (sc *SwitchCore) timestampUsec() uint32 {
	if !timeref.Ready(sc.clock) {
		return 0
	}
	usec := sc.clock.Raw() * 1_000_000 / sc.clock.TicksPerSecond()
	return uint32(usec) & 0xFFFFFF
}

// NewSwitchCore constructs a switch whose packet arena has numChunks
// chunks of chunkSize bytes each.
func NewSwitchCore(name string, chunkSize uint, numChunks int) *SwitchCore {
	return NewSwitchCoreFor(name, chunkSize, numChunks, nil)
}

// NewSwitchCoreFor constructs a switch like NewSwitchCore, but delivers
// finalized packets to deliverer instead of the core's own pipeline,
// when deliverer is non-nil. This is the seam a specialization (e.g.
// internal/router.Dispatch) uses in place of C++ virtual-method
// overriding of deliver(): it reuses this package's port registry,
// plugin chain, and egress machinery, but runs its own ingress
// pipeline on top, calling back into RunIngressPlugins/ApplyRewrite/
// FanOut to reuse the common steps.
func NewSwitchCoreFor(name string, chunkSize uint, numChunks int, deliverer mbuf.Deliverer) *SwitchCore {
	sc := &SwitchCore{
		ports:     make(map[int]*SwitchPort),
		freePMask: ^uint64(0),
		metrics:   newSwitchMetrics(name),
	}
	if deliverer == nil {
		deliverer = sc
	}
	sc.buf = mbuf.NewBuffer(chunkSize, numChunks, deliverer)
	return sc
}

// Buffer returns the packet arena backing this switch, for a
// specialization that needs to construct its own MultiWriter/
// MultiReader against the same arena.
func (sc *SwitchCore) Buffer() *mbuf.Buffer { return sc.buf }

// Port returns the port registered at idx, if any.
func (sc *SwitchCore) Port(idx int) (*SwitchPort, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	p, ok := sc.ports[idx]
	return p, ok
}

// RunIngressPlugins runs srcPort's ingress plugin chain followed by
// the core plugin chain against meta, stopping early on divert or
// drop. It is the ingress half of SwitchCore.Deliver, exposed for a
// specialization that needs to interleave its own steps (e.g. RFC-1812
// checks, routing decisions) around the same plugin chain.
func (sc *SwitchCore) RunIngressPlugins(srcPort int, meta *PacketMeta) {
	sc.mu.Lock()
	plugins := append([]PluginCore(nil), sc.plugins...)
	srcPortObj := sc.ports[srcPort]
	sc.mu.Unlock()

	if srcPortObj != nil {
		for _, pl := range srcPortObj.ingressPlugins {
			pl.Ingress(meta)
			if meta.Divert != nil || meta.Drop {
				return
			}
		}
	}
	for _, pl := range plugins {
		pl.Query(meta)
		if meta.Divert != nil || meta.Drop {
			return
		}
	}
}

// ApplyRewrite writes meta.Header.Bytes back over pkt's original
// header region if FlagHeaderChange was set, bounded by origLen (the
// header's length before any plugin ran). Neither ingress plugins nor
// the router are permitted to change an ingress header's length; a
// mismatch is a fatal internal error.
func (sc *SwitchCore) ApplyRewrite(pkt *mbuf.MultiPacket, meta *PacketMeta, origLen uint) {
	if meta.Flags&FlagHeaderChange == 0 {
		return
	}
	if uint(len(meta.Header.Bytes)) != origLen {
		panic(fmt.Sprintf("ethswitch: ingress plugin changed header length %d -> %d", origLen, len(meta.Header.Bytes)))
	}
	ow := mbuf.NewOverwriter(pkt, origLen)
	ow.WriteBytes(meta.Header.Bytes)
	ow.WriteFinalize()
}

// FanOut delivers pkt to every enabled port still set in meta.DstMask
// (after OR-ing in the promiscuous mask and excluding srcPort), logs
// the resulting KEEP record, and returns the accepted port mask.
func (sc *SwitchCore) FanOut(pkt *mbuf.MultiPacket, srcPort int, meta *PacketMeta) uint64 {
	sc.mu.Lock()
	meta.DstMask |= sc.promiscMask
	meta.DstMask &^= 1 << uint(srcPort)

	var accepted uint64
	for idx, p := range sc.ports {
		if meta.DstMask&(1<<uint(idx)) == 0 || !p.enabled {
			continue
		}
		accepted |= 1 << uint(idx)
		p.reader.Accept(pkt)
	}
	sc.mu.Unlock()

	sc.metrics.observeIngress(meta.Header.EtherType, bits.OnesCount64(accepted))
	sc.logKeep(srcPort, meta.Header, pkt.Length(), accepted)
	return accepted
}

// LogDrop emits a DROP record for a packet that never reached FanOut.
// hdr may be nil if the frame was dropped before an Ethernet header
// could be parsed, in which case the record's MAC/VLAN fields are
// zero.
func (sc *SwitchCore) LogDrop(srcPort int, hdr *Header, length uint, reason string) {
	sc.logDrop(srcPort, hdr, length, reason)
}

// AddPlugin appends p to the core plugin chain, run on every packet
// after the source port's ingress plugins.
func (sc *SwitchCore) AddPlugin(p PluginCore) {
	sc.mu.Lock()
	sc.plugins = append(sc.plugins, p)
	sc.mu.Unlock()
}

// AddLogHandler registers h to receive every future ingress log
// record.
func (sc *SwitchCore) AddLogHandler(h SwitchLogHandler) {
	sc.mu.Lock()
	sc.logHandlers = append(sc.logHandlers, h)
	sc.mu.Unlock()
}

// SetEtherTypeFilter configures which EtherType increments the
// diagnostic counter returned by EtherTypeCount; 0 disables counting.
func (sc *SwitchCore) SetEtherTypeFilter(et uint16) {
	sc.mu.Lock()
	sc.etherTypeFilter = et
	sc.mu.Unlock()
}

// EtherTypeCount returns how many ingress packets matched the
// configured EtherType filter.
func (sc *SwitchCore) EtherTypeCount() uint64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.etherTypeCount
}

// NewPort allocates the lowest-indexed free port and attaches
// downstream as its egress sink. Returns an error if every port index
// up to MaxPorts is already in use.
func (sc *SwitchCore) NewPort(ctx *poll.Context, downstream ioext.Writeable, ingress, egress []PluginPort) (*SwitchPort, error) {
	sc.mu.Lock()
	if sc.freePMask == 0 {
		sc.mu.Unlock()
		return nil, fmt.Errorf("ethswitch: no free port index (limit %d)", MaxPorts)
	}
	idx := bits.TrailingZeros64(sc.freePMask)
	sc.freePMask &^= 1 << uint(idx)
	sc.mu.Unlock()

	p := &SwitchPort{
		core:           sc,
		index:          idx,
		downstream:     downstream,
		enabled:        true,
		ingressPlugins: ingress,
		egressPlugins:  egress,
		reader:         mbuf.NewMultiReaderPriority(ctx),
	}
	p.reader.SetCallback(p)

	sc.mu.Lock()
	sc.ports[idx] = p
	sc.mu.Unlock()
	return p, nil
}

// RemovePort detaches and releases a port's index for reuse.
func (sc *SwitchCore) RemovePort(p *SwitchPort) {
	sc.mu.Lock()
	delete(sc.ports, p.index)
	sc.freePMask |= 1 << uint(p.index)
	sc.mu.Unlock()
}

// SetPromiscuous adds or removes port idx from the promiscuous-port
// mask: promiscuous ports receive a copy of every packet regardless of
// the plugin chain's decision.
func (sc *SwitchCore) SetPromiscuous(idx int, enabled bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if enabled {
		sc.promiscMask |= 1 << uint(idx)
	} else {
		sc.promiscMask &^= 1 << uint(idx)
	}
}

// WriterFor returns a MultiWriter an ingress driver can use to inject a
// frame from srcPort into this switch.
func (sc *SwitchCore) WriterFor(srcPort int) *PortWriter {
	return &PortWriter{sc: sc, srcPort: srcPort, w: mbuf.NewMultiWriter(sc.buf)}
}

// PortWriter is a mbuf.Writeable tagged with the ingress port it came
// from, so SwitchCore.Deliver can recover the source port when the
// underlying packet is finalized.
type PortWriter struct {
	sc      *SwitchCore
	srcPort int
	w       *mbuf.MultiWriter
}

func (w *PortWriter) GetWriteSpace() uint { return w.w.GetWriteSpace() }
func (w *PortWriter) WriteBytes(b []byte) { w.w.WriteBytes(b) }
func (w *PortWriter) WriteAbort()         { w.w.WriteAbort() }

func (w *PortWriter) WriteFinalize() bool {
	w.w.SetUser(mbuf.SlotSourcePort, uint32(w.srcPort))
	return w.w.WriteFinalize()
}

var _ ioext.Writeable = (*PortWriter)(nil)

// Deliver implements mbuf.Deliverer: it runs the full ingress pipeline
// against a newly finalized packet and fans it out to the ports left
// set in the resulting destination mask.
func (sc *SwitchCore) Deliver(pkt *mbuf.MultiPacket) {
	srcPort := int(pkt.User(mbuf.SlotSourcePort))

	headerBuf := make([]byte, pkt.Length())
	pkt.CopyInto(headerBuf)

	hdr, err := ParseHeader(headerBuf)
	if err != nil {
		sc.logDrop(srcPort, nil, pkt.Length(), "BADFRM")
		return
	}

	sc.mu.Lock()
	if sc.etherTypeFilter != 0 && hdr.EtherType == sc.etherTypeFilter {
		sc.etherTypeCount++
	}
	sc.mu.Unlock()

	meta := &PacketMeta{
		Header:  hdr,
		SrcPort: srcPort,
		DstMask: ^uint64(0),
		Raw:     pkt.Length(),
	}
	origLen := hdr.Len()

	sc.RunIngressPlugins(srcPort, meta)

	if meta.Divert != nil {
		meta.Divert.DivertAccept(pkt) // Ownership transferred to the diverting plugin.
		return
	}
	if meta.Drop {
		sc.logDrop(srcPort, hdr, pkt.Length(), meta.DropReason)
		return
	}

	sc.ApplyRewrite(pkt, meta, origLen)
	sc.FanOut(pkt, srcPort, meta)
}

func (sc *SwitchCore) logDrop(srcPort int, hdr *Header, length uint, reason string) {
	rec := LogRecord{TimestampUsec: sc.timestampUsec(), SrcPort: srcPort, Length: length, Kept: false, DropReason: reason}
	if hdr != nil {
		rec.DstMAC, rec.SrcMAC, rec.EtherType, rec.VID = hdr.DstMAC, hdr.SrcMAC, hdr.EtherType, hdr.VID
	}
	sc.dispatchLog(rec)
	sc.metrics.observeDrop(reason)
}

func (sc *SwitchCore) logKeep(srcPort int, hdr *Header, length uint, mask uint64) {
	rec := LogRecord{TimestampUsec: sc.timestampUsec(), SrcPort: srcPort, DstMask: mask, Length: length, Kept: true}
	if hdr != nil {
		rec.DstMAC, rec.SrcMAC, rec.EtherType, rec.VID = hdr.DstMAC, hdr.SrcMAC, hdr.EtherType, hdr.VID
	}
	sc.dispatchLog(rec)
}

func (sc *SwitchCore) dispatchLog(rec LogRecord) {
	sc.mu.Lock()
	handlers := append([]SwitchLogHandler(nil), sc.logHandlers...)
	sc.mu.Unlock()
	for _, h := range handlers {
		h.HandleLog(rec)
	}
}

// SwitchPort is one attachment point of a SwitchCore: an egress reader
// plus the downstream sink packets are written to once they clear the
// egress plugin chain.
type SwitchPort struct {
	core           *SwitchCore
	index          int
	reader         *mbuf.MultiReaderPriority
	downstream     ioext.Writeable
	enabled        bool
	ingressPlugins []PluginPort
	egressPlugins  []PluginPort

	mu    sync.Mutex
	stats PortStats
}

// PortStats accumulates the per-port counters a statistics log handler
// tracks: frames received and broadcast, frames sent, and the error
// breakdown (overflow, bad packet, total).
type PortStats struct {
	RxTotal      uint64
	RxBroadcast  uint64
	TxTotal      uint64
	ErrOverflow  uint64
	ErrBadPacket uint64
	ErrTotal     uint64
}

// Index returns this port's allocated index.
func (p *SwitchPort) Index() int { return p.index }

// Enable or disable the port. Disabling flushes any pending egress
// work and makes future Accept/Deliver calls skip this port.
func (p *SwitchPort) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
	if !enabled {
		for p.reader.GetReadReady() > 0 {
			p.reader.ReadFinalize()
		}
	}
}

// DataRcvd implements ioext.EventListener: it runs the egress pipeline
// for whatever packet is now ready on this port's reader.
func (p *SwitchPort) DataRcvd(src ioext.Readable) {
	p.mu.Lock()
	enabled := p.enabled
	p.mu.Unlock()
	if !enabled {
		return
	}

	ready := p.reader.GetReadReady()
	if ready == 0 {
		return
	}
	// The header is always parsed from the first bytes of the packet;
	// read the whole packet, parse it to find the header's real extent,
	// then treat anything beyond it as opaque payload to copy through
	// verbatim.
	probe := make([]byte, ready)
	if !p.reader.ReadBytes(probe) {
		p.reader.ReadFinalize()
		return
	}
	hdr, err := ParseHeader(probe)
	if err != nil {
		p.reader.ReadFinalize()
		p.mu.Lock()
		p.stats.ErrBadPacket++
		p.mu.Unlock()
		return
	}
	origLen := hdr.Len() // Captured before egress plugins may grow/shrink hdr.Bytes.

	// SrcPort is reused here to mean "the port this egress pipeline
	// belongs to", since PluginPort.Egress has no separate field for it.
	meta := &PacketMeta{Header: hdr, SrcPort: p.index, Raw: uint(len(probe))}
	for _, pl := range p.egressPlugins {
		pl.Egress(meta)
	}

	p.downstream.WriteBytes(hdr.Bytes)
	p.downstream.WriteBytes(probe[origLen:])
	p.downstream.WriteFinalize()
	p.reader.ReadFinalize()

	p.mu.Lock()
	p.stats.TxTotal++
	p.mu.Unlock()
}

// DataUnlink implements ioext.EventListener; SwitchPort holds no back
// reference to the reader that needs clearing.
func (p *SwitchPort) DataUnlink(ioext.Readable) {}

var _ ioext.EventListener = (*SwitchPort)(nil)

type switchMetrics struct {
	ingressTotal  prometheus.Counter
	ingressDrops  *prometheus.CounterVec
	fanoutPorts   prometheus.Histogram
	etherTypeSeen *prometheus.CounterVec
}

func newSwitchMetrics(name string) *switchMetrics {
	return &switchMetrics{
		ingressTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_switch_ingress_packets_total",
			Help:        "Total packets accepted into the switch core's ingress pipeline.",
			ConstLabels: prometheus.Labels{"switch": name},
		}),
		ingressDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "satcat5_switch_ingress_drops_total",
			Help:        "Packets dropped during ingress, by reason.",
			ConstLabels: prometheus.Labels{"switch": name},
		}, []string{"reason"}),
		fanoutPorts: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "satcat5_switch_fanout_ports",
			Help:        "Number of egress ports a delivered packet fanned out to.",
			ConstLabels: prometheus.Labels{"switch": name},
			Buckets:     prometheus.LinearBuckets(0, 1, 8),
		}),
		etherTypeSeen: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "satcat5_switch_ethertype_packets_total",
			Help:        "Packets seen at ingress, by EtherType.",
			ConstLabels: prometheus.Labels{"switch": name},
		}, []string{"ethertype"}),
	}
}

func (m *switchMetrics) observeIngress(et uint16, fanout int) {
	m.ingressTotal.Inc()
	m.fanoutPorts.Observe(float64(fanout))
	m.etherTypeSeen.WithLabelValues(fmt.Sprintf("0x%04x", et)).Inc()
}

func (m *switchMetrics) observeDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.ingressDrops.WithLabelValues(reason).Inc()
}

// SlogHandler is a SwitchLogHandler that writes records through
// log/slog with fixed decimation: only every rateLimit-th record is
// logged in full, and the records received in between are counted into
// a single SKIP summary logged just before it. Which records are logged
// depends only on their position in the sequence received, not on how
// busy the logger's output is.
type SlogHandler struct {
	log       *slog.Logger
	rateLimit int

	mu       sync.Mutex
	seen     int
	skipped  int
	skipKept int
}

// NewSlogHandler constructs a handler that logs every rateLimit-th
// record (every record if rateLimit <= 1), preceded by one SKIP summary
// of the records suppressed since the previous logged one.
func NewSlogHandler(log *slog.Logger, rateLimit int) *SlogHandler {
	if rateLimit <= 0 {
		rateLimit = 1
	}
	return &SlogHandler{log: log, rateLimit: rateLimit}
}

func (h *SlogHandler) HandleLog(rec LogRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen++
	if h.seen%h.rateLimit != 0 {
		h.skipped++
		if rec.Kept {
			h.skipKept++
		}
		return
	}
	if h.skipped > 0 {
		h.log.Debug("switch log SKIP summary", "skipped", h.skipped, "kept", h.skipKept)
		h.skipped, h.skipKept = 0, 0
	}
	if rec.Kept {
		h.log.Debug("switch log KEEP", "src_port", rec.SrcPort, "dst_mask", rec.DstMask, "ethertype", rec.EtherType, "length", rec.Length)
	} else {
		h.log.Debug("switch log DROP", "src_port", rec.SrcPort, "ethertype", rec.EtherType, "length", rec.Length, "reason", rec.DropReason)
	}
}

// StatsLogHandler accumulates per-port counters from every log record
// it receives.
type StatsLogHandler struct {
	mu    sync.Mutex
	ports map[int]*PortStats
}

// NewStatsLogHandler constructs an empty per-port statistics
// accumulator.
func NewStatsLogHandler() *StatsLogHandler {
	return &StatsLogHandler{ports: make(map[int]*PortStats)}
}

func (h *StatsLogHandler) HandleLog(rec LogRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.ports[rec.SrcPort]
	if !ok {
		st = &PortStats{}
		h.ports[rec.SrcPort] = st
	}
	st.RxTotal++
	if rec.DstMAC == Broadcast {
		st.RxBroadcast++
	}
	if !rec.Kept {
		st.ErrTotal++
		switch rec.DropReason {
		case "BADFRM":
			st.ErrBadPacket++
		case "OVERFLOW":
			st.ErrOverflow++
		}
		return
	}
	for mask := rec.DstMask; mask != 0; mask &= mask - 1 {
		idx := bits.TrailingZeros64(mask)
		dst, ok := h.ports[idx]
		if !ok {
			dst = &PortStats{}
			h.ports[idx] = dst
		}
		dst.TxTotal++
	}
}

// Stats returns a snapshot of the accumulated counters for port idx.
func (h *StatsLogHandler) Stats(idx int) PortStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.ports[idx]; ok {
		return *st
	}
	return PortStats{}
}
