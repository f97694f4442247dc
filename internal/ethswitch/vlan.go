package ethswitch

import "sync"

// VLANMode is a port's ingress VLAN admission policy.
type VLANMode int

const (
	// AdmitAll accepts both tagged and untagged frames, assigning
	// untagged frames to the port's native VID.
	AdmitAll VLANMode = iota
	// Restricted accepts only untagged frames, assigned to the port's
	// native VID and dropped if that VID has a policy the port is not a
	// member of; tagged frames are dropped.
	Restricted
	// Priority accepts tagged and untagged frames (untagged assigned to
	// the native VID), dropping those whose VID has a policy the port is
	// not a member of. The 802.1Q PCP field is not used to set the
	// packet's priority.
	Priority
	// Mandatory requires every ingress frame to already carry a tag;
	// untagged frames are dropped.
	Mandatory
)

// RateLimitPolicy controls what happens when a VID's token bucket is
// exhausted.
type RateLimitPolicy int

const (
	// Unlimited disables rate limiting for the VID.
	Unlimited RateLimitPolicy = iota
	// Demote lowers the packet's switch priority instead of dropping
	// it once the bucket is exhausted.
	Demote
	// Strict drops the packet once the bucket is exhausted.
	Strict
	// Auto demotes if the frame's DEI bit is set and applies Strict
	// otherwise.
	Auto
)

// VIDPolicy configures one VLAN ID's port membership and rate limit.
type VIDPolicy struct {
	Members     uint64 // Port bitmask allowed to carry this VID.
	RateLimit   RateLimitPolicy
	BucketRate  float64 // Tokens (packets) replenished per second.
	BucketBurst float64 // Maximum token accumulation.
}

// PortVLANConfig configures one port's VLAN admission behavior.
type PortVLANConfig struct {
	Mode      VLANMode
	NativeVID uint16 // VID assigned to untagged ingress frames.
	TagEgress bool   // If true, egress frames for NativeVID are tagged rather than stripped.
}

// VLANPolicy is a PluginPort implementing ingress admission, egress
// tag rewriting, and per-VID rate limiting. One instance is typically
// shared across every port on a SwitchCore, configured per port via
// SetPortConfig.
type VLANPolicy struct {
	mu      sync.Mutex
	vids    map[uint16]*VIDPolicy
	ports   map[int]*PortVLANConfig
	buckets map[uint16]*tokenBucket

	nowSeconds func() float64
}

// NewVLANPolicy constructs an empty policy (every VID unrestricted,
// every port AdmitAll on VID 1 until configured otherwise).
func NewVLANPolicy(nowSeconds func() float64) *VLANPolicy {
	return &VLANPolicy{
		vids:       make(map[uint16]*VIDPolicy),
		ports:      make(map[int]*PortVLANConfig),
		buckets:    make(map[uint16]*tokenBucket),
		nowSeconds: nowSeconds,
	}
}

// SetVIDPolicy configures membership and rate limiting for vid.
func (v *VLANPolicy) SetVIDPolicy(vid uint16, pol VIDPolicy) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vids[vid] = &pol
	if pol.RateLimit != Unlimited {
		v.buckets[vid] = newTokenBucket(pol.BucketRate, pol.BucketBurst, v.nowSeconds())
	} else {
		delete(v.buckets, vid)
	}
}

// SetPortConfig configures port idx's admission mode and native VID.
func (v *VLANPolicy) SetPortConfig(idx int, cfg PortVLANConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ports[idx] = &cfg
}

func (v *VLANPolicy) portConfig(idx int) PortVLANConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cfg, ok := v.ports[idx]; ok {
		return *cfg
	}
	return PortVLANConfig{Mode: AdmitAll, NativeVID: 1}
}

// Ingress implements PluginPort: it resolves the frame's effective
// VID, enforces membership and Mandatory tagging, and applies any
// configured rate limit.
func (v *VLANPolicy) Ingress(pkt *PacketMeta) {
	cfg := v.portConfig(pkt.SrcPort)

	if !pkt.Header.HasVLAN && cfg.Mode == Mandatory {
		pkt.Drop = true
		pkt.DropReason = "VLANUNTAGGED"
		return
	}
	if pkt.Header.HasVLAN && cfg.Mode == Restricted {
		pkt.Drop = true
		pkt.DropReason = "VLANMEMBERSHIP"
		return
	}

	vid := pkt.Header.VID
	if !pkt.Header.HasVLAN {
		vid = cfg.NativeVID
	}

	v.mu.Lock()
	pol, hasPolicy := v.vids[vid]
	v.mu.Unlock()

	if hasPolicy && cfg.Mode != AdmitAll && pol.Members&(1<<uint(pkt.SrcPort)) == 0 {
		pkt.Drop = true
		pkt.DropReason = "VLANMEMBERSHIP"
		return
	}
	if hasPolicy {
		pkt.DstMask &= pol.Members
	}

	if hasPolicy && pol.RateLimit != Unlimited {
		v.applyRateLimit(vid, pol, pkt)
	}
}

func (v *VLANPolicy) applyRateLimit(vid uint16, pol *VIDPolicy, pkt *PacketMeta) {
	v.mu.Lock()
	bucket := v.buckets[vid]
	v.mu.Unlock()
	if bucket == nil {
		return
	}
	if bucket.Take(v.nowSeconds()) {
		return // Token available: no action.
	}

	policy := pol.RateLimit
	if policy == Auto {
		if pkt.Header.DEI {
			policy = Demote
		} else {
			policy = Strict
		}
	}
	switch policy {
	case Demote:
		pkt.Priority = 0
	default: // Strict
		pkt.Drop = true
		pkt.DropReason = "VLANRATE"
	}
}

// Egress implements PluginPort: it tags or strips the frame to match
// this port's configured egress behavior for its VID.
func (v *VLANPolicy) Egress(pkt *PacketMeta) {
	cfg := v.portConfig(pkt.SrcPort)
	switch {
	case cfg.TagEgress && !pkt.Header.HasVLAN:
		pkt.Header.InsertVLAN(cfg.NativeVID, 0, false)
	case !cfg.TagEgress && pkt.Header.HasVLAN && pkt.Header.VID == cfg.NativeVID:
		pkt.Header.StripVLAN()
	}
}

var _ PluginPort = (*VLANPolicy)(nil)

// tokenBucket is a minimal, lock-free-at-the-call-site token bucket:
// callers serialize access via VLANPolicy's mutex.
type tokenBucket struct {
	rate   float64
	burst  float64
	tokens float64
	last   float64
}

func newTokenBucket(rate, burst, now float64) *tokenBucket {
	return &tokenBucket{rate: rate, burst: burst, tokens: burst, last: now}
}

// Take attempts to consume one token, replenishing based on elapsed
// time since the last call first. Returns false if no token is
// available.
func (b *tokenBucket) Take(now float64) bool {
	elapsed := now - b.last
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
