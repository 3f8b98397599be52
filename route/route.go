// Package route implements longest-prefix-match next-hop selection against
// a small, immutable, host-supplied static routing table.
package route

import "math/bits"

// Route maps a destination prefix to the interface a matching datagram
// should be forwarded out of. Gateway is informational only: the router
// always ARP-resolves the datagram's own destination address, not the
// gateway, matching a directly-connected-next-hop model.
type Route struct {
	Dest      [4]byte
	Mask      [4]byte
	Gateway   [4]byte
	IfaceName string
}

// Table is an immutable, linearly-scanned routing table.
type Table struct {
	routes []Route
}

// NewTable returns a Table over a defensive copy of routes.
func NewTable(routes []Route) Table {
	cp := make([]Route, len(routes))
	copy(cp, routes)
	return Table{routes: cp}
}

// Resolve performs longest-prefix match: among routes whose mask applied to
// dest equals the route's destination, the route with the most one-bits in
// its mask wins; ties resolve to the first entry encountered. Resolve
// reports false when no route matches.
func (t Table) Resolve(dest [4]byte) (ifaceName string, ok bool) {
	bestBits := -1
	for _, r := range t.routes {
		if !matches(r, dest) {
			continue
		}
		n := maskBits(r.Mask)
		if n > bestBits {
			bestBits = n
			ifaceName = r.IfaceName
			ok = true
		}
	}
	return ifaceName, ok
}

func matches(r Route, dest [4]byte) bool {
	for i := range dest {
		if r.Mask[i]&dest[i] != r.Mask[i]&r.Dest[i] {
			return false
		}
	}
	return true
}

func maskBits(mask [4]byte) int {
	n := 0
	for _, b := range mask {
		n += bits.OnesCount8(b)
	}
	return n
}

// Len returns the number of routes in the table.
func (t Table) Len() int { return len(t.routes) }
