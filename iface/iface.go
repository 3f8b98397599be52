// Package iface holds the immutable table of link-layer interfaces the
// router forwards between, supplied once by the host at startup.
package iface

import "errors"

// Interface is a single router-owned link: a name the routing table
// references, the hardware address frames are sent from, and the IPv4
// address the dispatcher uses to decide whether a datagram is addressed to
// the router itself. Mask is the interface's IPv4 network mask.
type Interface struct {
	Name   string
	HWAddr [6]byte
	Addr   [4]byte
	Mask   [4]byte
}

var (
	errEmptyName = errors.New("iface: interface name is empty")
	errDupName   = errors.New("iface: duplicate interface name")
)

// Table is an immutable lookup table over a fixed set of interfaces,
// built once at startup from host-supplied configuration.
type Table struct {
	ifaces []Interface
}

// NewTable validates ifaces and returns a Table over a defensive copy.
// Names must be non-empty and unique.
func NewTable(ifaces []Interface) (Table, error) {
	seen := make(map[string]struct{}, len(ifaces))
	for _, ifc := range ifaces {
		if ifc.Name == "" {
			return Table{}, errEmptyName
		}
		if _, ok := seen[ifc.Name]; ok {
			return Table{}, errDupName
		}
		seen[ifc.Name] = struct{}{}
	}
	cp := make([]Interface, len(ifaces))
	copy(cp, ifaces)
	return Table{ifaces: cp}, nil
}

// FindByName returns the interface registered under name, if any.
func (t Table) FindByName(name string) (Interface, bool) {
	for _, ifc := range t.ifaces {
		if ifc.Name == name {
			return ifc, true
		}
	}
	return Interface{}, false
}

// FindByAddr returns the interface whose IPv4 address equals ip, if any.
// Used by the dispatcher to decide whether an arriving datagram is
// addressed to the router.
func (t Table) FindByAddr(ip [4]byte) (Interface, bool) {
	for _, ifc := range t.ifaces {
		if ifc.Addr == ip {
			return ifc, true
		}
	}
	return Interface{}, false
}

// All returns the interfaces registered in t. The returned slice shares no
// memory with future mutation paths; t itself is never mutated after
// construction.
func (t Table) All() []Interface {
	out := make([]Interface, len(t.ifaces))
	copy(out, t.ifaces)
	return out
}

// Len returns the number of interfaces in the table.
func (t Table) Len() int { return len(t.ifaces) }
