//go:build pcap

// Package pcap provides a packet-capture-backed hardware abstraction
// layer: a SwitchCore port fed from (and draining to) a live network
// interface via libpcap, for running the simulated switch/router
// against real traffic without a TAP device.
package pcap

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
	"github.com/the-aerospace-corporation/satcat5-sub001/internal/poll"
)

func timeoutFor(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

const (
	snapLen = 1600
	// promiscuous captures every frame on the wire, not just those
	// addressed to this host's MAC, matching how a switch port observes
	// its link.
	promiscuous = true
)

// Port bridges a SwitchCore port to a live interface captured via
// libpcap: frames forwarded out this port are injected onto the wire,
// and frames observed on the wire are injected back into the switch
// core as ingress.
type Port struct {
	handle *pcap.Handle
	core   *ethswitch.SwitchCore
	port   *ethswitch.SwitchPort

	mu  sync.Mutex
	buf []byte
}

// NewPort opens device for live capture and registers it as a new
// port on core under the given polling context.
func NewPort(ctx *poll.Context, core *ethswitch.SwitchCore, device string, readTimeout int) (*Port, error) {
	handle, err := pcap.OpenLive(device, snapLen, promiscuous, timeoutFor(readTimeout))
	if err != nil {
		return nil, fmt.Errorf("hal/pcap: open %s: %w", device, err)
	}

	p := &Port{handle: handle, core: core}
	port, err := core.NewPort(ctx, p, nil, nil)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("hal/pcap: new switch port: %w", err)
	}
	p.port = port

	go p.readLoop()
	return p, nil
}

// Close releases the underlying pcap handle.
func (p *Port) Close() { p.handle.Close() }

// Port returns the SwitchCore port backing this capture device.
func (p *Port) Port() *ethswitch.SwitchPort { return p.port }

func (p *Port) readLoop() {
	src := gopacket.NewPacketSource(p.handle, p.handle.LinkType())
	for pkt := range src.Packets() {
		data := pkt.Data()
		w := p.core.WriterFor(p.port.Index())
		w.WriteBytes(data)
		w.WriteFinalize()
	}
}

// GetWriteSpace implements ioext.Writeable.
func (p *Port) GetWriteSpace() uint { return snapLen }

// WriteBytes implements ioext.Writeable, buffering the egress frame
// until WriteFinalize commits it to the wire.
func (p *Port) WriteBytes(src []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, src...)
}

// WriteFinalize implements ioext.Writeable.
func (p *Port) WriteFinalize() bool {
	p.mu.Lock()
	frame := p.buf
	p.buf = nil
	p.mu.Unlock()

	if len(frame) == 0 {
		return true
	}
	return p.handle.WritePacketData(frame) == nil
}

// WriteAbort implements ioext.Writeable.
func (p *Port) WriteAbort() {
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
}
