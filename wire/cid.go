// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package wire

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
)

const (
	// MaxCIDLen is the largest connection ID permitted on the wire. QUIC v1
	// caps connection IDs at 20 bytes.
	MaxCIDLen = 20
	// LocalCIDLen is the length of every connection ID this endpoint issues
	// for itself. Short-header packets carry no length field, so all of our
	// own IDs use one fixed size.
	LocalCIDLen = 8
	// InitialDCIDLen is the length of the transient destination ID a client
	// invents for its very first Initial packet. The server never uses it as
	// a source ID of its own; it only seeds the initial key derivation.
	InitialDCIDLen = 16
)

// CID is an opaque connection ID of up to MaxCIDLen bytes. The zero value is
// the zero-length connection ID. CIDs are plain values and compare equal iff
// they have the same length and the same bytes, so they can be used directly
// as map keys.
type CID struct {
	data [MaxCIDLen]byte
	len  uint8
}

// CIDFromBytes copies up to MaxCIDLen bytes of b into a CID.
func CIDFromBytes(b []byte) CID {
	var c CID
	if len(b) > MaxCIDLen {
		b = b[:MaxCIDLen]
	}
	c.len = uint8(copy(c.data[:], b))
	return c
}

// RandomCID returns a CID of the given length filled from crypto/rand.
func RandomCID(size int) CID {
	if size > MaxCIDLen {
		size = MaxCIDLen
	}
	var c CID
	if _, err := io.ReadFull(rand.Reader, c.data[:size]); err != nil {
		panic("can't read from random source: " + err.Error())
	}
	c.len = uint8(size)
	return c
}

// Bytes returns a view of the CID's bytes. The view aliases the receiver and
// must not be held across a reassignment.
func (c *CID) Bytes() []byte { return c.data[:c.len] }

// Len returns the length of the CID in bytes.
func (c CID) Len() int { return int(c.len) }

// IsZero reports whether the CID is the zero-length connection ID.
func (c CID) IsZero() bool { return c.len == 0 }

// Hash returns the first machine word of the CID's buffer. Shorter IDs are
// zero-padded; random IDs make this a perfectly serviceable hash.
func (c CID) Hash() uint64 {
	return binary.LittleEndian.Uint64(c.data[:8])
}

func (c CID) String() string {
	return hex.EncodeToString(c.data[:c.len])
}
