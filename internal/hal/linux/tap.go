//go:build linux

// Package linux provides a real-interface hardware abstraction layer
// backed by a Linux TAP device, for running the simulated switch/router
// against actual kernel networking instead of an in-process harness.
package linux

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	nl "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
)

const (
	devNetTun = "/dev/net/tun"
	// maxFrame bounds a single TAP read/write; jumbo frames are out of
	// scope for the simulated switch core.
	maxFrame = 1600
)

// ifReq mirrors struct ifreq's first 18 bytes as used by TUNSETIFF:
// a 16-byte interface name followed by the flags field.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// TAPPort bridges a SwitchCore port to a Linux TAP interface: frames
// the switch core forwards out this port are written to the TAP
// device, and frames the kernel writes to the TAP device are injected
// back into the switch core as ingress on this port.
type TAPPort struct {
	name string
	fd   *os.File
	core *ethswitch.SwitchCore
	port *ethswitch.SwitchPort

	mu  sync.Mutex
	buf []byte
}

// NewTAPPort creates (or attaches to) a TAP device named name, brings
// its link up via netlink, and registers it as a new port on core
// under the given polling context.
func NewTAPPort(ctx *poll.Context, core *ethswitch.SwitchCore, name string) (*TAPPort, error) {
	fd, err := os.OpenFile(devNetTun, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hal/linux: open %s: %w", devNetTun, err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd.Fd(), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); errno != 0 {
		_ = fd.Close()
		return nil, fmt.Errorf("hal/linux: TUNSETIFF %s: %w", name, errno)
	}

	link, err := nl.LinkByName(name)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("hal/linux: link by name %s: %w", name, err)
	}
	if err := nl.LinkSetUp(link); err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("hal/linux: link set up %s: %w", name, err)
	}

	t := &TAPPort{name: name, fd: fd, core: core}

	port, err := core.NewPort(ctx, t, nil, nil)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("hal/linux: new switch port: %w", err)
	}
	t.port = port

	go t.readLoop()
	return t, nil
}

// Close detaches the TAP device's file descriptor. The switch port
// itself (and the kernel-side TAP interface) are left for the caller
// to remove explicitly via SwitchCore.RemovePort, mirroring how the
// rest of this module separates construction from teardown.
func (t *TAPPort) Close() error {
	return t.fd.Close()
}

// Port returns the SwitchCore port backing this TAP device.
func (t *TAPPort) Port() *ethswitch.SwitchPort { return t.port }

func (t *TAPPort) readLoop() {
	buf := make([]byte, maxFrame)
	for {
		n, err := t.fd.Read(buf)
		if err != nil {
			return
		}
		w := t.core.WriterFor(t.port.Index())
		w.WriteBytes(buf[:n])
		w.WriteFinalize()
	}
}

// GetWriteSpace implements ioext.Writeable.
func (t *TAPPort) GetWriteSpace() uint { return maxFrame }

// WriteBytes implements ioext.Writeable, buffering the egress frame
// until WriteFinalize commits it to the TAP device.
func (t *TAPPort) WriteBytes(src []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, src...)
}

// WriteFinalize implements ioext.Writeable.
func (t *TAPPort) WriteFinalize() bool {
	t.mu.Lock()
	frame := t.buf
	t.buf = nil
	t.mu.Unlock()

	if len(frame) == 0 {
		return true
	}
	_, err := t.fd.Write(frame)
	return err == nil
}

// WriteAbort implements ioext.Writeable.
func (t *TAPPort) WriteAbort() {
	t.mu.Lock()
	t.buf = nil
	t.mu.Unlock()
}
