// Package coap implements the request/response layer of RFC 7252
// (CoAP): message framing, options, a per-connection exchange state
// machine with exponential-backoff retransmission, and duplicate
// detection over a bounded history of recent (message-id, token)
// pairs.
package coap

import (
	"encoding/binary"
	"errors"
)

// Type is a CoAP message's 2-bit type field.
type Type uint8

const (
	TypeConfirmable    Type = 0
	TypeNonConfirmable Type = 1
	TypeAck            Type = 2
	TypeReset          Type = 3
)

// Code is a CoAP request or response code, packed as (class<<5)|detail.
type Code uint8

func NewCode(class, detail uint8) Code { return Code(class<<5 | detail&0x1F) }
func (c Code) Class() uint8            { return uint8(c) >> 5 }
func (c Code) Detail() uint8           { return uint8(c) & 0x1F }
func (c Code) IsError() bool           { return c.Class() >= 4 }

// Request codes.
const (
	CodeEmpty  Code = 0
	CodeGet    Code = 1
	CodePost   Code = 2
	CodePut    Code = 3
	CodeDelete Code = 4
)

// Response codes of interest.
var (
	CodeCreated    = NewCode(2, 1)
	CodeDeleted    = NewCode(2, 2)
	CodeValid      = NewCode(2, 3)
	CodeChanged    = NewCode(2, 4)
	CodeContent    = NewCode(2, 5)
	CodeBadRequest = NewCode(4, 0)
	CodeBadOption  = NewCode(4, 2)
	CodeNotFound   = NewCode(4, 4)
)

// Option numbers this package understands.
const (
	OptIfMatch       = 1
	OptUriHost       = 3
	OptETag          = 4
	OptIfNoneMatch   = 5
	OptObserve       = 6
	OptUriPort       = 7
	OptLocationPath  = 8
	OptUriPath       = 11
	OptContentFormat = 12
	OptMaxAge        = 14
	OptUriQuery      = 15
	OptAccept        = 17
	OptLocationQuery = 20
	OptBlock2        = 23
	OptBlock1        = 27
	OptSize2         = 28
	OptProxyUri      = 35
	OptProxyScheme   = 39
	OptSize1         = 60
)

// IsCritical reports whether an unrecognized option with this number
// must cause the message to be rejected (RFC 7252 §5.4.1: critical
// options have the low bit of their number set).
func IsCritical(num uint16) bool { return num&1 == 1 }

// Option is one (number, value) pair from a message's option list.
type Option struct {
	Number uint16
	Value  []byte
}

// BlockOption decodes a Block1/Block2 option value (RFC 7959).
type BlockOption struct {
	Num      uint32
	More     bool
	SizeExp  uint8 // size = 2^(SizeExp+4)
}

func (b BlockOption) Size() int { return 1 << (b.SizeExp + 4) }

func decodeBlockOption(v []byte) BlockOption {
	var raw uint32
	for _, b := range v {
		raw = raw<<8 | uint32(b)
	}
	return BlockOption{
		Num:     raw >> 4,
		More:    raw&0x8 != 0,
		SizeExp: uint8(raw & 0x7),
	}
}

func encodeBlockOption(b BlockOption) []byte {
	raw := b.Num<<4 | uint32(b.SizeExp)&0x7
	if b.More {
		raw |= 0x8
	}
	switch {
	case raw < 0x100:
		return []byte{byte(raw)}
	case raw < 0x10000:
		return []byte{byte(raw >> 8), byte(raw)}
	default:
		return []byte{byte(raw >> 16), byte(raw >> 8), byte(raw)}
	}
}

// Options is the decoded subset of a message's option list this
// client cares about, plus the raw list for anything else.
type Options struct {
	UriPath       []string
	UriQuery      []string
	ContentFormat uint32
	HaveContent   bool
	Block1        *BlockOption
	Block2        *BlockOption
	Size1         uint32
	Observe       uint32
	HaveObserve   bool
	Raw           []Option
}

// Message is one decoded CoAP message.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte
}

// ErrUnknownCritical is returned by Decode when an unrecognized
// critical option is present.
var ErrUnknownCritical = errors.New("coap: unknown critical option")

// Encode serializes m into its wire form.
func Encode(m Message) []byte {
	tkl := len(m.Token)
	buf := make([]byte, 4, 32+len(m.Payload))
	buf[0] = 1<<6 | byte(m.Type)<<4 | byte(tkl)
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	buf = append(buf, m.Token...)

	opts := flattenOptions(m.Options)
	last := uint16(0)
	for _, o := range opts {
		delta := o.Number - last
		last = o.Number
		buf = append(buf, encodeOptionHeader(delta, uint16(len(o.Value)))...)
		buf = append(buf, o.Value...)
	}
	if len(m.Payload) > 0 {
		buf = append(buf, 0xFF)
		buf = append(buf, m.Payload...)
	}
	return buf
}

func flattenOptions(o Options) []Option {
	var opts []Option
	for _, p := range o.UriPath {
		opts = append(opts, Option{Number: OptUriPath, Value: []byte(p)})
	}
	for _, q := range o.UriQuery {
		opts = append(opts, Option{Number: OptUriQuery, Value: []byte(q)})
	}
	if o.HaveContent {
		opts = append(opts, Option{Number: OptContentFormat, Value: uintToBytes(o.ContentFormat)})
	}
	if o.Block1 != nil {
		opts = append(opts, Option{Number: OptBlock1, Value: encodeBlockOption(*o.Block1)})
	}
	if o.Block2 != nil {
		opts = append(opts, Option{Number: OptBlock2, Value: encodeBlockOption(*o.Block2)})
	}
	if o.Size1 != 0 {
		opts = append(opts, Option{Number: OptSize1, Value: uintToBytes(o.Size1)})
	}
	if o.HaveObserve {
		opts = append(opts, Option{Number: OptObserve, Value: uintToBytes(o.Observe)})
	}
	opts = append(opts, o.Raw...)
	// Options must be transmitted in ascending option-number order.
	for i := 1; i < len(opts); i++ {
		for j := i; j > 0 && opts[j-1].Number > opts[j].Number; j-- {
			opts[j-1], opts[j] = opts[j], opts[j-1]
		}
	}
	return opts
}

func uintToBytes(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 0x100:
		return []byte{byte(v)}
	case v < 0x10000:
		return []byte{byte(v >> 8), byte(v)}
	case v < 0x1000000:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func bytesToUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func encodeOptionHeader(delta, length uint16) []byte {
	nib := func(v uint16) (byte, []byte) {
		switch {
		case v < 13:
			return byte(v), nil
		case v < 269:
			return 13, []byte{byte(v - 13)}
		default:
			ext := v - 269
			return 14, []byte{byte(ext >> 8), byte(ext)}
		}
	}
	dn, dext := nib(delta)
	ln, lext := nib(length)
	buf := []byte{dn<<4 | ln}
	buf = append(buf, dext...)
	buf = append(buf, lext...)
	return buf
}

// Decode parses a wire-format CoAP message. If a critical option with
// an unrecognized number is found, it returns ErrUnknownCritical
// alongside the partially-decoded message (its Code/MessageID/Token
// are always valid, letting the caller build a 4.02 reply).
func Decode(raw []byte) (Message, error) {
	var m Message
	if len(raw) < 4 {
		return m, errors.New("coap: short message")
	}
	ver := raw[0] >> 6
	if ver != 1 {
		return m, errors.New("coap: unsupported version")
	}
	m.Type = Type(raw[0] >> 4 & 0x3)
	tkl := int(raw[0] & 0xF)
	m.Code = Code(raw[1])
	m.MessageID = binary.BigEndian.Uint16(raw[2:4])
	pos := 4
	if tkl > 8 || pos+tkl > len(raw) {
		return m, errors.New("coap: bad token length")
	}
	m.Token = append([]byte(nil), raw[pos:pos+tkl]...)
	pos += tkl

	var critErr error
	optNum := uint16(0)
	for pos < len(raw) {
		if raw[pos] == 0xFF {
			pos++
			break
		}
		deltaNib := raw[pos] >> 4
		lenNib := raw[pos] & 0xF
		pos++
		delta, np, err := readExt(raw, pos, deltaNib)
		if err != nil {
			return m, err
		}
		pos = np
		length, np2, err := readExt(raw, pos, lenNib)
		if err != nil {
			return m, err
		}
		pos = np2
		if pos+int(length) > len(raw) {
			return m, errors.New("coap: option overruns message")
		}
		optNum += delta
		val := raw[pos : pos+int(length)]
		pos += int(length)
		if !assignOption(&m.Options, optNum, val) && IsCritical(optNum) {
			critErr = ErrUnknownCritical
		}
	}
	m.Payload = append([]byte(nil), raw[pos:]...)
	return m, critErr
}

func readExt(raw []byte, pos int, nib byte) (uint16, int, error) {
	switch {
	case nib < 13:
		return uint16(nib), pos, nil
	case nib == 13:
		if pos >= len(raw) {
			return 0, pos, errors.New("coap: truncated option ext")
		}
		return uint16(raw[pos]) + 13, pos + 1, nil
	case nib == 14:
		if pos+1 >= len(raw) {
			return 0, pos, errors.New("coap: truncated option ext")
		}
		return binary.BigEndian.Uint16(raw[pos:pos+2]) + 269, pos + 2, nil
	default:
		return 0, pos, errors.New("coap: reserved option length marker")
	}
}

func assignOption(o *Options, num uint16, val []byte) bool {
	switch num {
	case OptUriPath:
		o.UriPath = append(o.UriPath, string(val))
	case OptUriQuery:
		o.UriQuery = append(o.UriQuery, string(val))
	case OptContentFormat:
		o.ContentFormat = bytesToUint(val)
		o.HaveContent = true
	case OptBlock1:
		b := decodeBlockOption(val)
		o.Block1 = &b
	case OptBlock2:
		b := decodeBlockOption(val)
		o.Block2 = &b
	case OptSize1:
		o.Size1 = bytesToUint(val)
	case OptObserve:
		o.Observe = bytesToUint(val)
		o.HaveObserve = true
	default:
		o.Raw = append(o.Raw, Option{Number: num, Value: append([]byte(nil), val...)})
		return false
	}
	return true
}
