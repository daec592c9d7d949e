// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"fmt"
	"net"
	"net/netip"
)

// Address is an (IP, UDP port) pair in a form usable both for presentation
// and as a comparable map key. The zero Address is "not set".
type Address struct {
	ap netip.AddrPort
}

// NewAddress builds an Address from a presentation-form IP and port. An
// unparseable IP yields the unset Address.
func NewAddress(ip string, port uint16) Address {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return Address{}
	}
	return Address{ap: netip.AddrPortFrom(a.Unmap(), port)}
}

func addressFromUDPAddr(ua *net.UDPAddr) Address {
	if ua == nil {
		return Address{}
	}
	return Address{ap: ua.AddrPort()}
}

func addressFromAddrPort(ap netip.AddrPort) Address {
	return Address{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

// IsSet reports whether the address carries a usable IP and port.
func (a Address) IsSet() bool { return a.ap.IsValid() }

// Port returns the UDP port.
func (a Address) Port() uint16 { return a.ap.Port() }

// IsV6 reports whether the address is IPv6.
func (a Address) IsV6() bool { return a.ap.Addr().Is6() && !a.ap.Addr().Is4In6() }

// UDPAddr returns the socket-layer form of the address.
func (a Address) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.ap)
}

// Network returns "udp", making Address usable where a net.Addr is wanted.
func (a Address) Network() string { return "udp" }

func (a Address) String() string {
	if !a.IsSet() {
		return "(unset)"
	}
	return a.ap.String()
}

// Path is the 4-tuple of a QUIC flow: the local and remote addresses.
type Path struct {
	Local  Address
	Remote Address
}

func (p Path) String() string {
	return fmt.Sprintf("%s<->%s", p.Local, p.Remote)
}

// Packet pairs a received datagram with the path it arrived on and its
// per-datagram metadata. Immutable after reception.
type Packet struct {
	Path Path
	Data []byte
	ECN  byte
}
