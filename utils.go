// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"crypto/rand"
	"errors"
	"io"

	"storj.io/quic-go/wire"
)

// CID is a connection ID: an opaque byte string of up to 20 bytes chosen by
// each peer for itself.
type CID = wire.CID

const (
	// DatagramSize is the default size of a one-shot datagram buffer.
	DatagramSize = 1200
	// MaxBufferSize is the per-stream send buffer capacity. Max theoretical
	// size of a UDP payload is 2^16-1 minus IP/UDP header overhead, but
	// stream buffering is bounded well below that.
	MaxBufferSize = 64 * 1024
	// PauseSize is the unacked-bytes threshold above which upstream readers
	// feeding a stream should pause, resuming once the backlog drains
	// below it again.
	PauseSize = 64 * 1024
	// evLoopQueueSize is the capacity of the cross-thread job queue.
	evLoopQueueSize = 1024

	// maxPktSizeV4 and maxPktSizeV6 cap the UDP payload we will send per
	// address family.
	maxPktSizeV4 = 1452
	maxPktSizeV6 = 1452
)

// Application-visible error codes carried in stream and connection close
// frames.
const (
	// ErrorConnect: the initial connection handshake failed.
	ErrorConnect uint64 = 0x5471907
	// ErrorBadInit: something other than the handshake magic arrived as the
	// first payload on a setup stream.
	ErrorBadInit uint64 = 0x5471908
	// ErrorTCP: an upstream TCP-side failure, for tunnel deployments.
	ErrorTCP uint64 = 0x5471909

	// StreamErrorException closes a stream whose data handler panicked.
	StreamErrorException uint64 = (1 << 62) - 2
	// StreamErrorConnectionExpired is delivered to a stream close callback
	// when the stream's connection went away underneath it.
	StreamErrorConnectionExpired uint64 = (1 << 62) + 1
)

// HandshakeMagic is sent and verified as the first bytes of application
// data on a setup stream. The trailing byte versions the scheme so future
// changes can either break or handle backward compat.
var HandshakeMagic = [8]byte{'l', 'o', 'k', 'i', 'n', 'e', 't', 0x01}

// Errors surfaced from the public API.
var (
	// ErrNetworkClosed is returned for any operation submitted after
	// Network.Close has begun.
	ErrNetworkClosed = errors.New("network is closed")
	// ErrConnectionClosed is returned when operating on a closing or
	// draining connection.
	ErrConnectionClosed = errors.New("connection is closed")
)

// Direction distinguishes connections we initiated from connections we
// accepted.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Ingress classification tags stamped on connections by their direction.
const (
	clientToServer byte = 1
	serverToClient byte = 2
)

func maxPktSize(a Address) int {
	if a.IsV6() {
		return maxPktSizeV6
	}
	return maxPktSizeV4
}

func randomBytes(dest []byte) {
	if _, err := io.ReadFull(rand.Reader, dest); err != nil {
		panic("can't read from random source: " + err.Error())
	}
}
