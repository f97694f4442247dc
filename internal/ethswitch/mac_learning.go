package ethswitch

import "sync"

// MACLearning is a PluginCore that learns (source MAC -> source port)
// on every packet and, on a known destination MAC, restricts DstMask
// to the learned port. A miss on an unknown destination either
// broadcasts (if the source port allows it) or drops the packet.
type MACLearning struct {
	mu    sync.Mutex
	table map[MAC]int

	// MissBroadcast reports, for each port index, whether packets from
	// that port with an unlearned destination should broadcast (true)
	// or drop (false, the default).
	MissBroadcast map[int]bool
}

// NewMACLearning constructs an empty learning table.
func NewMACLearning() *MACLearning {
	return &MACLearning{
		table:         make(map[MAC]int),
		MissBroadcast: make(map[int]bool),
	}
}

// Query implements PluginCore.
func (m *MACLearning) Query(pkt *PacketMeta) {
	if !pkt.Header.SrcMAC.IsMulticast() {
		m.mu.Lock()
		m.table[pkt.Header.SrcMAC] = pkt.SrcPort
		m.mu.Unlock()
	}

	if pkt.Header.DstMAC.IsMulticast() {
		return // Broadcast/multicast destinations are never learned-restricted.
	}

	m.mu.Lock()
	port, known := m.table[pkt.Header.DstMAC]
	m.mu.Unlock()

	if known {
		pkt.DstMask &= 1 << uint(port)
		return
	}
	if !m.MissBroadcast[pkt.SrcPort] {
		pkt.DstMask = 0
		pkt.Drop = true
		pkt.DropReason = "MACMISS"
	}
}

// Forget removes a single learned entry, e.g. on link-down.
func (m *MACLearning) Forget(addr MAC) {
	m.mu.Lock()
	delete(m.table, addr)
	m.mu.Unlock()
}

// Flush clears every learned entry.
func (m *MACLearning) Flush() {
	m.mu.Lock()
	m.table = make(map[MAC]int)
	m.mu.Unlock()
}

// Lookup reports the learned port for addr, if any.
func (m *MACLearning) Lookup(addr MAC) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.table[addr]
	return port, ok
}

var _ PluginCore = (*MACLearning)(nil)
