// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"encoding/binary"
)

// IsVersionSupported reports whether we can speak the given wire version.
func IsVersionSupported(version uint32) bool {
	return version == VersionQUICv1
}

// AppendVersionNegotiation builds a Version Negotiation packet in response
// to a packet received with dcid/scid. Per RFC 8999 the response swaps the
// IDs (our DCID is the sender's SCID) and carries version 0 followed by the
// list of versions we do support.
func AppendVersionNegotiation(b []byte, dcid, scid CID, versions ...uint32) []byte {
	b = append(b, 0x80)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = append(b, byte(dcid.Len()))
	b = append(b, dcid.Bytes()...)
	b = append(b, byte(scid.Len()))
	b = append(b, scid.Bytes()...)
	for _, v := range versions {
		b = binary.BigEndian.AppendUint32(b, v)
	}
	return b
}

// ParseVersionNegotiation returns the supported-versions list of a Version
// Negotiation packet whose header has already been parsed.
func ParseVersionNegotiation(h Header, b []byte) []uint32 {
	if h.Type != PacketTypeVersionNegotiation || len(b) < h.HeaderLen {
		return nil
	}
	rest := b[h.HeaderLen:]
	versions := make([]uint32, 0, len(rest)/4)
	for len(rest) >= 4 {
		versions = append(versions, binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
	}
	return versions
}
