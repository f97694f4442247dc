package coap

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/udp"
)

// retransmitBase and maxRetransmits set CON retransmission to RFC
// 7252's recommended defaults (ACK_TIMEOUT=2s, MAX_RETRANSMIT=4).
const (
	retransmitBase  = 2 * time.Second
	maxRetransmits  = 4
)

// dedupKey identifies one message by the pair a peer may legitimately
// retransmit unchanged: its message id and token.
type dedupKey struct {
	MessageID uint16
	Token     string
}

// dedupHistorySize bounds the history of recent (message-id, token)
// pairs used to distinguish retransmits from new requests.
const dedupHistorySize = 32

// Handler answers an incoming CoAP request with a response message.
type Handler func(req Message) Message

// Connection is a per-peer CoAP exchange: one outgoing request/
// response in flight at a time, retransmitted with exponential
// backoff until acknowledged, plus inbound request handling with
// duplicate suppression and support for the separate-response flow
// (an immediate empty ACK followed by a later carrying response).
type Connection struct {
	sock    *udp.Socket
	ctx     *poll.Context
	timer   *poll.TimerHandle
	log     *slog.Logger
	handler Handler

	seen *ttlcache.Cache[dedupKey, Message]

	nextMsgID uint16

	outstanding     *Message
	outstandingRaw  []byte
	retransmits     int
	bo              backoff.BackOff
	onResponse      func(Message, error)
	awaitingCarried bool // true after an empty separate ACK, waiting for the real response
}

// NewConnection binds a Connection to sock (already Connect()ed to
// the peer for client use, or Bind()/AutoBind() for a server-side
// responder).
func NewConnection(ctx *poll.Context, sock *udp.Socket) *Connection {
	c := &Connection{
		sock: sock,
		ctx:  ctx,
		log:  slog.Default(),
		seen: ttlcache.New[dedupKey, Message](ttlcache.WithCapacity[dedupKey, Message](dedupHistorySize)),
		bo:   backoff.NewExponentialBackOff(backoff.WithInitialInterval(retransmitBase)),
	}
	c.timer = ctx.RegisterTimer(c.onTimeout)
	sock.SetReceiveCallback(c.receive)
	return c
}

// SetHandler installs the request handler used when this Connection
// receives a CON/NON request rather than a response to its own
// outstanding request.
func (c *Connection) SetHandler(h Handler) { c.handler = h }

func (c *Connection) allocMsgID() uint16 {
	c.nextMsgID++
	return c.nextMsgID
}

// Request sends req as a confirmable message, retransmitting with
// backoff until an ACK (piggybacked or separate) arrives, and invokes
// onResponse with the final response (or a timeout error).
func (c *Connection) Request(req Message, onResponse func(Message, error)) {
	req.Type = TypeConfirmable
	req.MessageID = c.allocMsgID()
	c.outstanding = &req
	c.onResponse = onResponse
	c.retransmits = 0
	c.awaitingCarried = false
	c.bo.Reset()
	c.outstandingRaw = Encode(req)
	_ = c.sock.Send(c.outstandingRaw)
	c.armTimer()
}

func (c *Connection) armTimer() {
	d := c.bo.NextBackOff()
	if d == backoff.Stop {
		d = retransmitBase
	}
	c.timer.Once(uint32(d.Milliseconds()))
}

func (c *Connection) onTimeout() {
	if c.outstanding == nil {
		return
	}
	c.retransmits++
	if c.retransmits > maxRetransmits {
		cb := c.onResponse
		c.outstanding = nil
		c.onResponse = nil
		if cb != nil {
			cb(Message{}, errTimeout)
		}
		return
	}
	_ = c.sock.Send(c.outstandingRaw)
	c.armTimer()
}

func (c *Connection) receive(_ [4]byte, _ uint16, payload []byte) {
	msg, err := Decode(payload)
	if err != nil && err != ErrUnknownCritical {
		return
	}
	if err == ErrUnknownCritical {
		c.replyBadOption(msg)
		return
	}

	if c.outstanding != nil && msg.MessageID == c.outstanding.MessageID &&
		(msg.Type == TypeAck || msg.Type == TypeReset) {
		c.handleMatchingAck(msg)
		return
	}
	if c.awaitingCarried && tokenEqual(msg.Token, c.outstanding) {
		c.completeOutstanding(msg, nil)
		return
	}

	c.handleInboundRequest(msg)
}

func tokenEqual(token []byte, req *Message) bool {
	if req == nil {
		return false
	}
	return string(token) == string(req.Token)
}

func (c *Connection) handleMatchingAck(msg Message) {
	c.timer.Stop()
	if msg.Type == TypeReset {
		c.completeOutstanding(Message{}, errReset)
		return
	}
	if msg.Code == CodeEmpty {
		// Separate response: this ACK just confirms receipt; the real
		// response arrives later as its own CON/NON carrying the token.
		c.awaitingCarried = true
		return
	}
	c.completeOutstanding(msg, nil)
}

func (c *Connection) completeOutstanding(msg Message, err error) {
	cb := c.onResponse
	c.outstanding = nil
	c.onResponse = nil
	c.awaitingCarried = false
	c.timer.Stop()
	if cb != nil {
		cb(msg, err)
	}
}

func (c *Connection) handleInboundRequest(msg Message) {
	if msg.Code == CodeEmpty {
		return
	}
	key := dedupKey{MessageID: msg.MessageID, Token: string(msg.Token)}
	if item := c.seen.Get(key); item != nil {
		// Duplicate of a request already answered; resend the cached
		// response rather than re-invoking the handler.
		_ = c.sock.Send(Encode(item.Value()))
		return
	}
	if c.handler == nil {
		return
	}
	resp := c.handler(msg)
	resp.MessageID = msg.MessageID
	if resp.Token == nil {
		resp.Token = msg.Token
	}
	if msg.Type == TypeConfirmable {
		resp.Type = TypeAck
	} else {
		resp.Type = TypeNonConfirmable
	}
	c.seen.Set(key, resp, ttlcache.NoTTL)
	_ = c.sock.Send(Encode(resp))
}

func (c *Connection) replyBadOption(msg Message) {
	resp := Message{
		Type:      TypeAck,
		Code:      CodeBadOption,
		MessageID: msg.MessageID,
		Token:     msg.Token,
	}
	_ = c.sock.Send(Encode(resp))
}

type coapError string

func (e coapError) Error() string { return string(e) }

const (
	errTimeout = coapError("coap: request timed out")
	errReset   = coapError("coap: peer sent RST")
)
