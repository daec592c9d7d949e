// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"encoding/binary"
	"errors"
)

// VersionQUICv1 is the only wire version this endpoint speaks.
const VersionQUICv1 uint32 = 0x00000001

// Errors returned by the header parser.
var (
	ErrPacketTooShort = errors.New("packet too short for header")
	ErrBadCIDLength   = errors.New("connection id length exceeds maximum")
)

// PacketType classifies a packet from its first byte (and, for long headers,
// its type bits).
type PacketType int

const (
	PacketTypeInitial PacketType = iota
	PacketTypeZeroRTT
	PacketTypeHandshake
	PacketTypeRetry
	PacketTypeVersionNegotiation
	PacketTypeShort
)

var packetTypeNames = [...]string{
	PacketTypeInitial:            "initial",
	PacketTypeZeroRTT:            "0rtt",
	PacketTypeHandshake:          "handshake",
	PacketTypeRetry:              "retry",
	PacketTypeVersionNegotiation: "version-negotiation",
	PacketTypeShort:              "short",
}

func (t PacketType) String() string { return packetTypeNames[t] }

// IsLongHeader reports whether the first byte of a packet announces a long
// header. This is version-independent (RFC 8999).
func IsLongHeader(b byte) bool { return b&0x80 != 0 }

// Header is the version-independent part of a QUIC packet header: just
// enough to route a datagram to its connection. For short headers only DCID
// is populated (using the fixed LocalCIDLen, since short headers carry no
// length byte).
type Header struct {
	Type    PacketType
	Version uint32
	DCID    CID
	SCID    CID

	// HeaderLen is the number of bytes consumed from the packet by the
	// fields above; the payload (packet number onward) begins here.
	HeaderLen int
}

// ParseHeader extracts the routable header fields from a received datagram.
// It performs only the version-independent invariant parse; everything past
// the connection IDs is left to the protocol engine.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < 1 {
		return h, ErrPacketTooShort
	}
	if !IsLongHeader(b[0]) {
		// Short header: flags byte then a fixed-length destination ID.
		if len(b) < 1+LocalCIDLen {
			return h, ErrPacketTooShort
		}
		h.Type = PacketTypeShort
		h.DCID = CIDFromBytes(b[1 : 1+LocalCIDLen])
		h.HeaderLen = 1 + LocalCIDLen
		return h, nil
	}
	if len(b) < 7 {
		return h, ErrPacketTooShort
	}
	h.Version = binary.BigEndian.Uint32(b[1:5])
	switch {
	case h.Version == 0:
		h.Type = PacketTypeVersionNegotiation
	default:
		switch (b[0] >> 4) & 0x3 {
		case 0:
			h.Type = PacketTypeInitial
		case 1:
			h.Type = PacketTypeZeroRTT
		case 2:
			h.Type = PacketTypeHandshake
		default:
			h.Type = PacketTypeRetry
		}
	}
	pos := 5
	dcidLen := int(b[pos])
	pos++
	if dcidLen > MaxCIDLen {
		return h, ErrBadCIDLength
	}
	if len(b) < pos+dcidLen+1 {
		return h, ErrPacketTooShort
	}
	h.DCID = CIDFromBytes(b[pos : pos+dcidLen])
	pos += dcidLen
	scidLen := int(b[pos])
	pos++
	if scidLen > MaxCIDLen {
		return h, ErrBadCIDLength
	}
	if len(b) < pos+scidLen {
		return h, ErrPacketTooShort
	}
	h.SCID = CIDFromBytes(b[pos : pos+scidLen])
	pos += scidLen
	h.HeaderLen = pos
	return h, nil
}

// AppendLongHeader appends a long header of the given type to b. The layout
// matches what ParseHeader consumes: flags, version, length-prefixed DCID
// and SCID.
func AppendLongHeader(b []byte, typ PacketType, version uint32, dcid, scid CID) []byte {
	var typeBits byte
	switch typ {
	case PacketTypeInitial:
		typeBits = 0
	case PacketTypeZeroRTT:
		typeBits = 1
	case PacketTypeHandshake:
		typeBits = 2
	case PacketTypeRetry:
		typeBits = 3
	}
	b = append(b, 0xc0|typeBits<<4)
	b = binary.BigEndian.AppendUint32(b, version)
	b = append(b, byte(dcid.Len()))
	b = append(b, dcid.Bytes()...)
	b = append(b, byte(scid.Len()))
	b = append(b, scid.Bytes()...)
	return b
}

// AppendShortHeader appends a short header addressed to dcid.
func AppendShortHeader(b []byte, dcid CID) []byte {
	b = append(b, 0x40)
	b = append(b, dcid.Bytes()...)
	return b
}
