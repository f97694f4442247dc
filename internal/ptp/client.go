// Package ptp implements an IEEE-1588 PTPv2 client: message framing,
// the master/slave/passive state machine, a measurement cache, a
// chain of vendor TLV handlers, and (in the filters subpackage) the
// loop filters that steer a local clock toward a remote one.
package ptp

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ioext"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/timeref"
)

// ClientMode is the user-configured operating mode.
type ClientMode int

const (
	ModeDisabled ClientMode = iota
	ModeMasterL2
	ModeMasterL3
	ModeSlaveOnly
	ModeSlaveSPTP
	ModePassive
)

// ClientState is the state the mode above drives the client into.
type ClientState int

const (
	StateDisabled ClientState = iota
	StateListening
	StateMaster
	StatePassive
	StateSlave
)

func (s ClientState) String() string {
	switch s {
	case StateDisabled:
		return "DISABLED"
	case StateListening:
		return "LISTENING"
	case StateMaster:
		return "MASTER"
	case StatePassive:
		return "PASSIVE"
	case StateSlave:
		return "SLAVE"
	default:
		return "UNKNOWN"
	}
}

// Callback is notified every time a measurement cache entry completes.
type Callback interface {
	PTPReady(m *Measurement)
}

// TlvHandler participates in the TLV chain consulted on every
// outgoing and incoming message. Vendor TLVs use IDs >= 2048.
type TlvHandler interface {
	// TlvSend may append a TLV to w and returns the number of bytes
	// written (0 if it has nothing to add to this message).
	TlvSend(h Header, w ioext.Writeable) int
	// TlvRcvd inspects an incoming TLV already consumed from the
	// message's reader. Returning an error for a "critical" unknown
	// TLV causes the message to be rejected.
	TlvRcvd(h Header, r ioext.Readable) error
}

// Writer is the transport a Client sends framed messages through
// (an Ethernet or UDP socket abstraction).
type Writer interface {
	ioext.Writeable
}

// BestMasterData holds the ANNOUNCE-derived fields of one master
// candidate that the IEEE 1588 best-master-clock data-set comparison
// uses; Better performs that comparison.
type BestMasterData struct {
	Priority1      uint8
	ClockClass     uint8
	ClockAccuracy  uint8
	Variance       uint16
	Priority2      uint8
	ClockID        [8]byte
}

// Better reports whether a is a preferable master to b (lower is
// better at each field, in priority order, tie-broken by clock
// identity for determinism).
func (a BestMasterData) Better(b BestMasterData) bool {
	if a.Priority1 != b.Priority1 {
		return a.Priority1 < b.Priority1
	}
	if a.ClockClass != b.ClockClass {
		return a.ClockClass < b.ClockClass
	}
	if a.ClockAccuracy != b.ClockAccuracy {
		return a.ClockAccuracy < b.ClockAccuracy
	}
	if a.Variance != b.Variance {
		return a.Variance < b.Variance
	}
	if a.Priority2 != b.Priority2 {
		return a.Priority2 < b.Priority2
	}
	return string(a.ClockID[:]) < string(b.ClockID[:])
}

type clientMetrics struct {
	cacheMiss     prometheus.Counter
	timeouts      prometheus.Counter
	announceRcvd  prometheus.Counter
}

func newClientMetrics(label string) *clientMetrics {
	return &clientMetrics{
		cacheMiss: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_ptp_unmatched_seqid_total",
			Help:        "FOLLOW_UP/DELAY_RESP messages with no matching cache entry.",
			ConstLabels: prometheus.Labels{"client": label},
		}),
		timeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_ptp_connection_timeouts_total",
			Help:        "Transitions from SLAVE back to LISTENING on watchdog expiry.",
			ConstLabels: prometheus.Labels{"client": label},
		}),
		announceRcvd: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "satcat5_ptp_announce_received_total",
			Help:        "Valid ANNOUNCE messages received.",
			ConstLabels: prometheus.Labels{"client": label},
		}),
	}
}

// Client is a PTPv2 client bound to one local port.
type Client struct {
	label string
	mode  ClientMode
	state ClientState

	clockID   [8]byte
	portNum   uint16
	seq       uint16
	cache     *measurementCache
	callbacks []Callback
	tlv       []TlvHandler

	syncRateLog2   int // sync messages per second = 2^n, -1 = disabled
	pdelayRateLog2 int

	master        BestMasterData
	haveMaster    bool
	watchdogTicks int // ticks since last valid message from master
	watchdogLimit int

	writer Writer
	ref    timeref.Ref
	ctx    *poll.Context
	timer  *poll.TimerHandle
	log    *slog.Logger

	metrics *clientMetrics

	// pendingTx maps a sequence id to a captured Tx timestamp. No
	// method currently reads or writes it.
	pendingTx map[uint16]Time
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option { return func(c *Client) { c.log = log } }

// NewClient constructs a Client identified by label (used only for
// logging and metric labels) and bound to clockID/portNum as its
// PTPv2 source port identity.
func NewClient(label string, clockID [8]byte, portNum uint16, ctx *poll.Context, opts ...Option) *Client {
	c := &Client{
		label:          label,
		mode:           ModeDisabled,
		state:          StateDisabled,
		clockID:        clockID,
		portNum:        portNum,
		cache:          newMeasurementCache(label),
		syncRateLog2:   -1,
		pdelayRateLog2: -1,
		watchdogLimit:  4,
		ctx:            ctx,
		log:            slog.Default(),
		metrics:        newClientMetrics(label),
		pendingTx:      make(map[uint16]Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.timer = ctx.RegisterTimer(c.onTimer)
	return c
}

// SetWriter attaches the transport outgoing messages are framed onto.
func (c *Client) SetWriter(w Writer) { c.writer = w }

// SetClock attaches the local time reference used for origin
// timestamps.
func (c *Client) SetClock(ref timeref.Ref) { c.ref = ref }

// AddCallback registers a Callback notified on every completed
// measurement.
func (c *Client) AddCallback(cb Callback) { c.callbacks = append(c.callbacks, cb) }

// AddTlvHandler appends a handler to the TLV chain.
func (c *Client) AddTlvHandler(h TlvHandler) { c.tlv = append(c.tlv, h) }

// State returns the client's current derived state.
func (c *Client) State() ClientState { return c.state }

// SetMode changes the user-configured mode, immediately driving the
// corresponding state (DISABLED/MASTER_*/PASSIVE take effect at once;
// SLAVE_ONLY/SLAVE_SPTP begin in LISTENING).
func (c *Client) SetMode(mode ClientMode) {
	c.mode = mode
	c.haveMaster = false
	c.watchdogTicks = 0
	switch mode {
	case ModeDisabled:
		c.setState(StateDisabled)
	case ModeMasterL2, ModeMasterL3:
		c.setState(StateMaster)
	case ModePassive:
		c.setState(StatePassive)
	case ModeSlaveOnly, ModeSlaveSPTP:
		c.setState(StateListening)
	}
	c.rescheduleTimer()
}

func (c *Client) setState(s ClientState) {
	if s != c.state {
		c.log.Info("ptp state change", "client", c.label, "from", c.state, "to", s)
	}
	c.state = s
}

// SetSyncRate sets the SYNC transmission rate to 2^n messages per
// second (n == -1 disables it).
func (c *Client) SetSyncRate(n int) { c.syncRateLog2 = n; c.rescheduleTimer() }

// SetPdelayRate sets the PDELAY_REQ rate to 2^n requests per 0.9s
// (n == -1 disables it).
func (c *Client) SetPdelayRate(n int) { c.pdelayRateLog2 = n; c.rescheduleTimer() }

func (c *Client) rescheduleTimer() {
	msec := c.tickIntervalMsec()
	if msec == 0 {
		c.timer.Stop()
		return
	}
	c.timer.Every(msec)
}

// tickIntervalMsec returns the greatest common sub-interval of the
// configured sync/pdelay rates, in milliseconds, or 0 if both are
// disabled (and the client is not a SLAVE needing a watchdog tick).
func (c *Client) tickIntervalMsec() uint32 {
	const watchdogTickMsec = 250
	best := uint32(0)
	if c.syncRateLog2 >= 0 {
		best = gcdMsec(best, rateToMsec(c.syncRateLog2, 1000))
	}
	if c.pdelayRateLog2 >= 0 {
		best = gcdMsec(best, rateToMsec(c.pdelayRateLog2, 900))
	}
	if c.state == StateListening || c.state == StateSlave {
		best = gcdMsec(best, watchdogTickMsec)
	}
	return best
}

func rateToMsec(log2Rate int, periodMsec uint32) uint32 {
	if log2Rate >= 0 {
		period := periodMsec >> uint(log2Rate)
		if period == 0 {
			return 1
		}
		return period
	}
	return 0
}

func gcdMsec(a, b uint32) uint32 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// onTimer fires on the client's single schedule tick: it decides
// which class of message (if any) to emit this tick, and services the
// SLAVE watchdog.
func (c *Client) onTimer() {
	if c.state == StateSlave {
		c.watchdogTicks++
		if c.watchdogTicks >= c.watchdogLimit {
			c.log.Warn("ptp connection timeout", "client", c.label)
			c.metrics.timeouts.Inc()
			c.haveMaster = false
			c.setState(StateListening)
			c.watchdogTicks = 0
		}
	}
	if c.state == StateMaster && c.syncRateLog2 >= 0 {
		c.sendSync()
	}
	if c.pdelayRateLog2 >= 0 && (c.state == StateMaster || c.state == StateSlave) {
		c.sendDelayReq()
	}
}

func (c *Client) nextSeq() uint16 {
	c.seq++
	return c.seq
}

// sendSync emits a two-step SYNC followed by a FOLLOW_UP carrying the
// captured transmit timestamp.
func (c *Client) sendSync() {
	if c.writer == nil || !timeref.Ready(c.ref) {
		return
	}
	seq := c.nextSeq()
	now := c.snapshotTime()
	c.writeMessage(MsgSync, seq, FlagTwoStep, nil)
	c.writeMessage(MsgFollowUp, seq, 0, func(w ioext.Writeable) {
		var buf [10]byte
		now.EncodeTo(buf[:])
		w.WriteBytes(buf[:])
	})
}

func (c *Client) sendDelayReq() {
	if c.writer == nil || !timeref.Ready(c.ref) {
		return
	}
	seq := c.nextSeq()
	now := c.snapshotTime()
	key := cacheKey{Seq: seq}
	m := c.cache.entry(key)
	m.T3 = now
	m.havePath3 = true
	c.writeMessage(MsgDelayReq, seq, 0, nil)
}

// snapshotTime converts the local monotonic clock into a PTP wire
// timestamp anchored at the Unix epoch.
func (c *Client) snapshotTime() Time {
	nowTicks := timeref.Now(c.ref)
	nsec := nowTicks.Ticks * 1_000_000_000 / nowTicks.TicksPerSecond
	return Time{Sec: nsec / 1_000_000_000, Nsec: uint32(nsec % 1_000_000_000)}
}

func (c *Client) writeMessage(mt MessageType, seq uint16, flags uint16, body func(ioext.Writeable)) {
	h := Header{
		Type:               mt,
		Version:            2,
		Domain:             0,
		Flags:              flags,
		SourcePortIdentity: PortIdentity{ClockID: c.clockID, Port: c.portNum},
		SequenceID:         seq,
		Control:            0,
	}
	var hdrBuf [HeaderLen]byte
	h.EncodeTo(hdrBuf[:])
	c.writer.WriteBytes(hdrBuf[:])
	if body != nil {
		body(c.writer)
	}
	for _, t := range c.tlv {
		t.TlvSend(h, c.writer)
	}
	c.writer.WriteFinalize()
}

// Receive processes one incoming PTPv2 message (header already
// present at the front of raw).
func (c *Client) Receive(raw []byte) {
	if len(raw) < HeaderLen {
		return
	}
	h := DecodeHeader(raw)
	body := raw[HeaderLen:]
	now := c.snapshotTime()

	if c.mode == ModeSlaveOnly || c.mode == ModeSlaveSPTP {
		c.watchdogTicks = 0
	}

	switch h.Type {
	case MsgAnnounce:
		c.handleAnnounce(h, body)
	case MsgSync:
		c.handleSync(h, now)
	case MsgFollowUp:
		c.handleFollowUp(h, body)
	case MsgDelayReq:
		c.handleDelayReqRx(h, now)
	case MsgDelayResp:
		c.handleDelayResp(h, body)
	}
}

func (c *Client) handleAnnounce(h Header, body []byte) {
	if c.state != StateListening && c.state != StateSlave {
		return
	}
	c.metrics.announceRcvd.Inc()
	cand := parseAnnounceBody(body, h.SourcePortIdentity.ClockID)
	if !c.haveMaster || cand.Better(c.master) {
		c.master = cand
		c.haveMaster = true
		c.setState(StateSlave)
		c.watchdogTicks = 0
	}
}

// parseAnnounceBody extracts the best-master-clock fields from an
// ANNOUNCE message body (everything after the common header, as
// Receive passes it): priority1 at offset 10, then clock class,
// clock accuracy, a two-byte variance and priority2.
func parseAnnounceBody(body []byte, clockID [8]byte) BestMasterData {
	var d BestMasterData
	d.ClockID = clockID
	if len(body) < 20 {
		return d
	}
	d.Priority1 = body[10]
	d.ClockClass = body[11]
	d.ClockAccuracy = body[12]
	d.Variance = uint16(body[13])<<8 | uint16(body[14])
	d.Priority2 = body[15]
	return d
}

func (c *Client) handleSync(h Header, rxTime Time) {
	key := cacheKey{Seq: h.SequenceID}
	m := c.cache.entry(key)
	m.T2 = rxTime
	m.Correction2 = h.Correction
	m.havePath2 = true
	c.maybeComplete(key, m)
}

func (c *Client) handleFollowUp(h Header, body []byte) {
	key := cacheKey{Seq: h.SequenceID}
	m, ok := c.cache.lookup(key)
	if !ok {
		c.log.Warn("ptp unmatched seqid", "client", c.label, "type", "FOLLOW_UP", "seq", h.SequenceID)
		return
	}
	if len(body) < 10 {
		return
	}
	m.T1 = DecodeTime(body[:10])
	m.Correction1 = h.Correction
	m.havePath1 = true
	c.maybeComplete(key, m)
}

func (c *Client) handleDelayReqRx(h Header, rxTime Time) {
	if c.state != StateMaster && c.state != StateSlave {
		return
	}
	c.writeMessage(MsgDelayResp, h.SequenceID, 0, func(w ioext.Writeable) {
		var buf [10]byte
		rxTime.EncodeTo(buf[:])
		w.WriteBytes(buf[:])
	})
}

func (c *Client) handleDelayResp(h Header, body []byte) {
	key := cacheKey{Seq: h.SequenceID}
	m, ok := c.cache.lookup(key)
	if !ok {
		c.log.Warn("ptp unmatched seqid", "client", c.label, "type", "DELAY_RESP", "seq", h.SequenceID)
		return
	}
	if len(body) < 10 {
		return
	}
	m.T4 = DecodeTime(body[:10])
	m.Correction4 = h.Correction
	m.havePath4 = true
	c.maybeComplete(key, m)
}

func (c *Client) maybeComplete(key cacheKey, m *Measurement) {
	if !m.Complete() {
		return
	}
	c.cache.complete(key)
	for _, cb := range c.callbacks {
		cb.PTPReady(m)
	}
}
