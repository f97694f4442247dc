// Package iptable implements an IPv4 forwarding table: a default route
// plus a bounded array of static and ephemeral routes, resolved by
// longest-prefix match.
package iptable

import (
	"fmt"
	"net"

	"github.com/the-aerospace-corporation/satcat5-sub001/internal/ethswitch"
)

// Flags on a Route.
const (
	// FlagProxyARP enables proxy-ARP for this route: the router should
	// answer ARP queries for the subnet with DstMAC.
	FlagProxyARP uint8 = 1 << iota
	// FlagMACFixed marks DstMAC as user-specified rather than learned
	// from an ARP reply; route_cache must not overwrite it.
	FlagMACFixed
)

// MAC is a 6-byte Ethernet address, shared with internal/ethswitch so
// routes and switch headers speak the same address type. The zero
// value means "unknown."
type MAC = ethswitch.MAC

var macNone MAC

func macIsSet(m MAC) bool { return m != macNone }

// Route is a single forwarding-table entry.
//
// The Gateway field controls delivery mode: a broadcast-style gateway
// (see LocalGateway) marks a directly-attached subnet; any other
// non-nil IP is a next-hop router; a nil Gateway with a set DstMAC is a
// numberless route; a nil Gateway with no DstMAC is unreachable.
type Route struct {
	Subnet  *net.IPNet
	Gateway net.IP
	DstMAC  MAC
	Port    int
	Flags   uint8
}

// HasDstMAC reports whether the next-hop MAC address is known.
func (r Route) HasDstMAC() bool { return macIsSet(r.DstMAC) }

// HasGateway reports whether a next-hop IPv4 address is configured.
func (r Route) HasGateway() bool { return r.Gateway != nil }

// IsDeliverable reports whether this route has a usable next hop of any kind.
func (r Route) IsDeliverable() bool { return r.HasDstMAC() || r.HasGateway() }

// IsProxyARP reports whether FlagProxyARP is set.
func (r Route) IsProxyARP() bool { return r.Flags&FlagProxyARP != 0 }

// prefixLen returns the subnet's mask length, or -1 for a nil subnet
// (used by the default route, which always loses to any real match).
func (r Route) prefixLen() int {
	if r.Subnet == nil {
		return -1
	}
	ones, _ := r.Subnet.Mask.Size()
	return ones
}

func (r Route) String() string {
	subnet := "default"
	if r.Subnet != nil {
		subnet = r.Subnet.String()
	}
	gw := "-"
	if r.Gateway != nil {
		gw = r.Gateway.String()
	}
	return fmt.Sprintf("subnet=%s gateway=%s dstmac=%s port=%d flags=%#x", subnet, gw, r.DstMAC, r.Port, r.Flags)
}

// RouteArray holds the default route plus a fixed-size static/ephemeral
// array. Table itself accesses storage only through routeRead/
// routeWrite/routeReadDefault/routeWriteDefault; no type in this module
// wraps or replaces those accessors.
type RouteArray struct {
	def    Route
	routes []Route
	valid  []bool
}

func newRouteArray(size int) RouteArray {
	return RouteArray{
		routes: make([]Route, size),
		valid:  make([]bool, size),
	}
}

func (a *RouteArray) routeReadDefault() Route { return a.def }

func (a *RouteArray) routeWriteDefault(r Route) bool {
	a.def = r
	return true
}

func (a *RouteArray) routeRead(idx int) (Route, bool) { return a.routes[idx], a.valid[idx] }

func (a *RouteArray) routeWrite(idx int, r Route, valid bool) bool {
	a.routes[idx] = r
	a.valid[idx] = valid
	return true
}

func (a *RouteArray) size() int { return len(a.routes) }

// DefaultTableSize is the number of static+ephemeral slots when Size is
// not specified to NewTable. Mirrors the original SATCAT5_ROUTING_TABLE
// default of 8.
const DefaultTableSize = 8

// Table is an IPv4 forwarding table: a default route plus a bounded
// array of static (permanent) and ephemeral (ARP-cache-style,
// overwritable) entries, resolved by longest-prefix match.
type Table struct {
	RouteArray
	staticCount int // Number of slots [0, staticCount) currently static.
	nextEph     int // Round-robin cursor into the ephemeral region.
}

// LocalGateway is the sentinel gateway address marking a directly-
// attached destination: the next hop is the destination itself, not an
// intermediate router. Resolving it to a MAC address means ARPing for
// the packet's own destination IP.
var LocalGateway = net.IPv4bcast

// NewTable constructs a table whose default route treats every
// destination as directly attached (the common case for a flat LAN),
// with size static+ephemeral slots (DefaultTableSize if size <= 0).
// This is deliberately not the same state as RouteClear(true) leaves
// behind, which is unreachable.
func NewTable(size int) *Table {
	if size <= 0 {
		size = DefaultTableSize
	}
	t := &Table{RouteArray: newRouteArray(size)}
	t.routeWriteDefault(Route{Gateway: LocalGateway})
	return t
}

// RouteDefault sets the default route used when no other entry matches.
func (t *Table) RouteDefault(gateway net.IP, dstmac MAC, port int, flags uint8) bool {
	return t.routeWriteDefault(Route{Gateway: gateway, DstMAC: dstmac, Port: port, Flags: flags})
}

// RouteStatic inserts or updates a static route for subnet. Static
// routes occupy the low slots of the table and are never touched by
// RouteCache's ephemeral-eviction path. Returns false if the static
// region has no free or matching slot.
func (t *Table) RouteStatic(subnet *net.IPNet, gateway net.IP, dstmac MAC, port int, flags uint8) bool {
	route := Route{Subnet: subnet, Gateway: gateway, DstMAC: dstmac, Port: port, Flags: flags}

	free := -1
	for i := 0; i < t.staticCount; i++ {
		r, ok := t.routeRead(i)
		if ok && sameSubnet(r.Subnet, subnet) {
			return t.routeWrite(i, route, true)
		}
		if !ok && free < 0 {
			free = i
		}
	}
	if free >= 0 {
		return t.routeWrite(free, route, true)
	}
	if t.staticCount < t.size() {
		idx := t.staticCount
		t.staticCount++
		return t.routeWrite(idx, route, true)
	}
	return false
}

// RouteLocal is shorthand for a directly-attached subnet: deliveries to
// it go straight to the endpoint rather than through a gateway.
func (t *Table) RouteLocal(subnet *net.IPNet, port int, flags uint8) bool {
	return t.RouteStatic(subnet, LocalGateway, macNone, port, flags)
}

// IsLocal reports whether this route delivers directly to the
// destination rather than through a distinct next-hop gateway.
func (r Route) IsLocal() bool { return r.Gateway != nil && r.Gateway.Equal(LocalGateway) }

// RouteCache updates every matching route's DstMAC (skipping routes
// with FlagMACFixed) to reflect a resolved ARP reply. If no route's
// subnet contains ip, a new ephemeral /32 host route is created in the
// ephemeral region, round-robin overwriting the oldest entry when that
// region is full. Returns true if any record was created or updated.
func (t *Table) RouteCache(ip net.IP, mac MAC) bool {
	updated := false
	for i := 0; i < t.size(); i++ {
		r, ok := t.routeRead(i)
		if !ok || r.Subnet == nil || !r.Subnet.Contains(ip) {
			continue
		}
		updated = true
		if r.Flags&FlagMACFixed != 0 {
			continue
		}
		r.DstMAC = mac
		t.routeWrite(i, r, true)
	}
	if updated {
		return true
	}

	ephemeralSlots := t.size() - t.staticCount
	if ephemeralSlots <= 0 {
		return false
	}
	var port int
	if best := t.RouteLookup(ip); best.Subnet != nil || best.IsDeliverable() {
		port = best.Port
	}
	idx := t.staticCount + t.nextEph
	t.nextEph = (t.nextEph + 1) % ephemeralSlots
	t.routeWrite(idx, Route{
		Subnet:  hostSubnet(ip),
		Gateway: nil,
		DstMAC:  mac,
		Port:    port,
	}, true)
	return true
}

func hostSubnet(ip net.IP) *net.IPNet {
	ip4 := ip.To4()
	if ip4 == nil {
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
	}
	return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}
}

// RouteRemove deletes the static or ephemeral route whose subnet
// exactly matches. Returns false if no match was found.
func (t *Table) RouteRemove(subnet *net.IPNet) bool {
	for i := 0; i < t.size(); i++ {
		r, ok := t.routeRead(i)
		if ok && sameSubnet(r.Subnet, subnet) {
			t.routeWrite(i, Route{}, false)
			if i < t.staticCount && i == t.staticCount-1 {
				t.staticCount--
			}
			return true
		}
	}
	return false
}

// RouteFlush clears cached MAC addresses from dynamic static routes
// (those without FlagMACFixed) and deletes all ephemeral routes.
func (t *Table) RouteFlush() {
	for i := 0; i < t.staticCount; i++ {
		r, ok := t.routeRead(i)
		if ok && r.Flags&FlagMACFixed == 0 {
			r.DstMAC = macNone
			t.routeWrite(i, r, true)
		}
	}
	for i := t.staticCount; i < t.size(); i++ {
		t.routeWrite(i, Route{}, false)
	}
	t.nextEph = 0
}

// RouteClear removes every static and ephemeral route. If lockdown is
// true, the default route is also reset to unreachable; otherwise the
// default route is left as previously configured.
func (t *Table) RouteClear(lockdown bool) {
	for i := 0; i < t.size(); i++ {
		t.routeWrite(i, Route{}, false)
	}
	t.staticCount = 0
	t.nextEph = 0
	if lockdown {
		t.routeWriteDefault(Route{})
	}
}

// RouteLookup finds the best (longest-prefix) match for dst, falling
// back to the default route if nothing else matches.
func (t *Table) RouteLookup(dst net.IP) Route {
	best := t.routeReadDefault()
	bestLen := -1
	for i := 0; i < t.size(); i++ {
		r, ok := t.routeRead(i)
		if !ok || r.Subnet == nil || !r.Subnet.Contains(dst) {
			continue
		}
		if plen := r.prefixLen(); plen > bestLen {
			best, bestLen = r, plen
		}
	}
	return best
}

// RouteGateway updates the gateway of whichever route delivers dst,
// clearing its cached DstMAC so the next send re-resolves through the
// new next hop. Used by ICMP redirect handling to steer future traffic
// away from a router that reports a better path. No-op (and returns
// false) if dst matches only the default route or no route at all,
// since redirects only ever name a concrete destination.
func (t *Table) RouteGateway(dst, gateway net.IP) bool {
	updated := false
	for i := 0; i < t.size(); i++ {
		r, ok := t.routeRead(i)
		if !ok || r.Subnet == nil || !r.Subnet.Contains(dst) {
			continue
		}
		r.Gateway = gateway
		r.DstMAC = macNone
		t.routeWrite(i, r, true)
		updated = true
	}
	return updated
}

// ProxyRoute returns the best matching route for ip if that route has
// FLAG_PROXY_ARP set, so ARP can answer queries for it on the route's
// configured port using the route's DstMAC.
func (t *Table) ProxyRoute(ip net.IP) (Route, bool) {
	r := t.RouteLookup(ip)
	if r.Subnet == nil || !r.IsProxyARP() {
		return Route{}, false
	}
	return r, true
}

func sameSubnet(a, b *net.IPNet) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Mask.String() == b.Mask.String()
}
