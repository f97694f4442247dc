// Package tftp implements a minimal TFTP (RFC 1350) adapter over
// internal/udp: block-oriented read/write transfers with
// exponential-backoff retry, and a server variant that serves files
// from (and refuses to escape) a configured root directory.
package tftp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/udp"
)

// Opcode is a TFTP message's 2-byte opcode.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
)

// BlockSize is the fixed TFTP data block size; a DATA message shorter
// than this signals end-of-file.
const BlockSize = 512

// retryBase and maxRetries match the base-100ms, 3-retry budget per
// outstanding block.
const (
	retryBase  = 100 * time.Millisecond
	maxRetries = 3
)

func encodeRRQ(filename, mode string) []byte {
	return encodeRequest(OpRRQ, filename, mode)
}

func encodeWRQ(filename, mode string) []byte {
	return encodeRequest(OpWRQ, filename, mode)
}

func encodeRequest(op Opcode, filename, mode string) []byte {
	buf := make([]byte, 2, 2+len(filename)+1+len(mode)+1)
	binary.BigEndian.PutUint16(buf, uint16(op))
	buf = append(buf, filename...)
	buf = append(buf, 0)
	buf = append(buf, mode...)
	buf = append(buf, 0)
	return buf
}

func encodeData(block uint16, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(buf[2:4], block)
	copy(buf[4:], data)
	return buf
}

func encodeAck(block uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(buf[2:4], block)
	return buf
}

func encodeError(code uint16, msg string) []byte {
	buf := make([]byte, 4, 4+len(msg)+1)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpERROR))
	binary.BigEndian.PutUint16(buf[2:4], code)
	buf = append(buf, msg...)
	buf = append(buf, 0)
	return buf
}

func decodeOpcode(msg []byte) (Opcode, error) {
	if len(msg) < 2 {
		return 0, errors.New("tftp: short message")
	}
	return Opcode(binary.BigEndian.Uint16(msg[0:2])), nil
}

func decodeRequest(msg []byte) (filename, mode string, err error) {
	if len(msg) < 4 {
		return "", "", errors.New("tftp: short request")
	}
	parts := strings.SplitN(string(msg[2:]), "\x00", 3)
	if len(parts) < 2 {
		return "", "", errors.New("tftp: malformed request")
	}
	return parts[0], parts[1], nil
}

func decodeData(msg []byte) (block uint16, data []byte, err error) {
	if len(msg) < 4 {
		return 0, nil, errors.New("tftp: short DATA")
	}
	return binary.BigEndian.Uint16(msg[2:4]), msg[4:], nil
}

func decodeAck(msg []byte) (block uint16, err error) {
	if len(msg) < 4 {
		return 0, errors.New("tftp: short ACK")
	}
	return binary.BigEndian.Uint16(msg[2:4]), nil
}

// ErrPathTraversal is returned by Server when a request's filename
// resolves outside the configured root directory.
var ErrPathTraversal = errors.New("tftp: path escapes root directory")

// safeJoin resolves name beneath root, rejecting any ".."-style
// escape, matching the server variant's mandated containment.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	full := filepath.Join(root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(root)+string(os.PathSeparator)) && full != filepath.Clean(root) {
		return "", ErrPathTraversal
	}
	return full, nil
}

// Transfer drives one client-initiated read or write, retrying the
// outstanding block with exponential backoff until it is acknowledged
// (write) or the next block arrives (read), giving up when it times out
// again after maxRetries retries.
type Transfer struct {
	sock   *udp.Socket
	ctx    *poll.Context
	timer  *poll.TimerHandle
	log    *slog.Logger
	isRead bool

	block   uint16
	data    []byte // write: full payload being sent; read: accumulated so far
	offset  int
	retries int
	bo      backoff.BackOff

	done    bool
	err     error
	onDone  func(data []byte, err error)
}

// ReadFile starts a read transfer of remoteName from server via sock
// (which must already be Connect()ed to the server's address/port),
// invoking onDone with the full file contents once complete.
func ReadFile(ctx *poll.Context, sock *udp.Socket, remoteName string, onDone func(data []byte, err error)) *Transfer {
	t := newTransfer(ctx, sock, true, onDone)
	sock.SetReceiveCallback(t.receive)
	if err := sock.Send(encodeRRQ(remoteName, "octet")); err != nil {
		t.fail(err)
		return t
	}
	t.armTimer()
	return t
}

// WriteFile starts a write transfer of data to remoteName on server.
func WriteFile(ctx *poll.Context, sock *udp.Socket, remoteName string, data []byte, onDone func(_ []byte, err error)) *Transfer {
	t := newTransfer(ctx, sock, false, onDone)
	t.data = data
	sock.SetReceiveCallback(t.receive)
	if err := sock.Send(encodeWRQ(remoteName, "octet")); err != nil {
		t.fail(err)
		return t
	}
	t.armTimer()
	return t
}

func newTransfer(ctx *poll.Context, sock *udp.Socket, isRead bool, onDone func([]byte, error)) *Transfer {
	t := &Transfer{
		sock:   sock,
		ctx:    ctx,
		log:    slog.Default(),
		isRead: isRead,
		onDone: onDone,
		bo:     backoff.NewExponentialBackOff(backoff.WithInitialInterval(retryBase)),
	}
	t.timer = ctx.RegisterTimer(t.onTimeout)
	return t
}

func (t *Transfer) armTimer() {
	d := t.bo.NextBackOff()
	if d == backoff.Stop {
		d = retryBase
	}
	t.timer.Once(uint32(d.Milliseconds()))
}

func (t *Transfer) onTimeout() {
	if t.done {
		return
	}
	t.retries++
	if t.retries > maxRetries {
		t.fail(fmt.Errorf("tftp: block %d timed out after %d retries", t.block, maxRetries))
		return
	}
	t.log.Warn("tftp retry", "block", t.block, "attempt", t.retries)
	if t.isRead {
		_ = t.sock.Send(encodeAck(t.block))
	} else {
		t.sendCurrentBlock()
	}
	t.armTimer()
}

func (t *Transfer) sendCurrentBlock() {
	end := t.offset + BlockSize
	if end > len(t.data) {
		end = len(t.data)
	}
	_ = t.sock.Send(encodeData(t.block+1, t.data[t.offset:end]))
}

func (t *Transfer) receive(_ [4]byte, _ uint16, payload []byte) {
	if t.done {
		return
	}
	op, err := decodeOpcode(payload)
	if err != nil {
		return
	}
	t.retries = 0
	t.bo.Reset()

	switch op {
	case OpDATA:
		t.handleData(payload)
	case OpACK:
		t.handleAck(payload)
	case OpERROR:
		t.handleError(payload)
	}
}

func (t *Transfer) handleData(payload []byte) {
	if !t.isRead {
		return
	}
	block, chunk, err := decodeData(payload)
	if err != nil {
		return
	}
	if block != t.block+1 {
		return
	}
	t.block = block
	t.data = append(t.data, chunk...)
	_ = t.sock.Send(encodeAck(t.block))
	t.armTimer()
	if len(chunk) < BlockSize {
		t.finish(nil)
	}
}

func (t *Transfer) handleAck(payload []byte) {
	if t.isRead {
		return
	}
	block, err := decodeAck(payload)
	if err != nil {
		return
	}
	if block == 0 && t.block == 0 && t.offset == 0 {
		// ACK 0 accepts the WRQ: send data block 1.
		t.sendCurrentBlock()
		t.armTimer()
		return
	}
	if block != t.block+1 {
		return
	}
	wroteLen := min(BlockSize, len(t.data)-t.offset)
	t.offset += wroteLen
	t.block++
	if wroteLen < BlockSize {
		t.finish(nil)
		return
	}
	t.sendCurrentBlock()
	t.armTimer()
}

func (t *Transfer) handleError(payload []byte) {
	code, msg, _ := decodeErrorBody(payload)
	t.finish(fmt.Errorf("tftp: peer error %d: %s", code, msg))
}

func decodeErrorBody(payload []byte) (code uint16, msg string, err error) {
	if len(payload) < 4 {
		return 0, "", errors.New("tftp: short ERROR")
	}
	code = binary.BigEndian.Uint16(payload[2:4])
	msg = strings.TrimRight(string(payload[4:]), "\x00")
	return code, msg, nil
}

func (t *Transfer) fail(err error) { t.finish(err) }

func (t *Transfer) finish(err error) {
	if t.done {
		return
	}
	t.done = true
	t.err = err
	t.timer.Stop()
	if t.onDone != nil {
		t.onDone(t.data, err)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Server answers RRQ/WRQ on a well-known socket, containing every
// served path beneath root.
type Server struct {
	root    string
	dispatch *udp.Dispatch
	ctx     *poll.Context
	log     *slog.Logger
}

// NewServer constructs a Server rooted at root, listening via
// dispatch on well.
func NewServer(ctx *poll.Context, dispatch *udp.Dispatch, root string) (*Server, error) {
	s := &Server{root: root, dispatch: dispatch, ctx: ctx, log: slog.Default()}
	if err := dispatch.Register(69, protoFunc(s.receiveRequest)); err != nil {
		return nil, err
	}
	return s, nil
}

type protoFunc func(srcIP [4]byte, srcPort uint16, payload []byte)

func (f protoFunc) ReceiveUDP(srcIP [4]byte, srcPort uint16, payload []byte) { f(srcIP, srcPort, payload) }

func (s *Server) receiveRequest(srcIP [4]byte, srcPort uint16, payload []byte) {
	op, err := decodeOpcode(payload)
	if err != nil {
		return
	}
	filename, _, err := decodeRequest(payload)
	if err != nil {
		return
	}
	path, err := safeJoin(s.root, filename)
	if err != nil {
		s.replyError(srcIP, srcPort, 2, "access violation")
		return
	}

	sock := udp.NewSocket(s.dispatch)
	if err := sock.AutoBind(); err != nil {
		s.replyError(srcIP, srcPort, 0, "server ports exhausted")
		return
	}
	ip := net.IPv4(srcIP[0], srcIP[1], srcIP[2], srcIP[3])
	if err := sock.Connect(ip, srcPort, nil); err != nil {
		s.replyError(srcIP, srcPort, 0, err.Error())
		return
	}

	switch op {
	case OpRRQ:
		data, err := os.ReadFile(path)
		if err != nil {
			s.replyError(srcIP, srcPort, 1, "file not found")
			return
		}
		WriteFile(s.ctx, sock, filename, data, func(_ []byte, err error) {
			if err != nil {
				s.log.Warn("tftp server read-request failed", "file", filename, "err", err)
			}
		})
	case OpWRQ:
		ReadFile(s.ctx, sock, filename, func(data []byte, err error) {
			if err != nil {
				s.log.Warn("tftp server write-request failed", "file", filename, "err", err)
				return
			}
			if werr := os.WriteFile(path, data, 0o644); werr != nil {
				s.log.Warn("tftp server failed to store file", "file", filename, "err", werr)
			}
		})
	}
}

func (s *Server) replyError(ip [4]byte, port uint16, code uint16, msg string) {
	sock := udp.NewSocket(s.dispatch)
	dst := net.IPv4(ip[0], ip[1], ip[2], ip[3])
	_ = sock.SendTo(dst, port, encodeError(code, msg))
}
