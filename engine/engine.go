// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package engine implements the QUIC protocol state machine driven by the
// endpoint layer above it. The split mirrors the usual shape of a QUIC
// stack: the engine knows about packets, frames, keys, acknowledgments and
// flow control, while the caller owns sockets, timers, buffers and the
// public stream API. The caller talks downward through methods on Conn and
// the engine talks upward through a CallbackTable registered at
// construction.
package engine

import (
	"crypto/cipher"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"storj.io/quic-go/wire"
)

// Engine-level timing constants. The probe timeout is what the layer above
// observes via Expiry/HandleExpiry; connection draining periods are defined
// as multiples of it.
const (
	// PTO is the probe timeout: how long an ack-eliciting packet may remain
	// unacknowledged before the expiry handler schedules it for resend.
	PTO = 100 * time.Millisecond
	// maxAckDelay bounds how long a received ack-eliciting packet may wait
	// before an ACK-only packet is forced out.
	maxAckDelay = 25 * time.Millisecond
	// idleTimeout closes a connection with no inbound packets at all.
	idleTimeout = 30 * time.Second

	// aeadOverhead is the tag size appended by the payload AEAD.
	aeadOverhead = 16
	// pktNumLen is the encoded size of a packet number.
	pktNumLen = 4

	// sendQuantumPackets is how many packets the pacer budget covers in one
	// burst; SendQuantum reports this multiplied by the payload size.
	sendQuantumPackets = 10

	// writeMoreThreshold is the minimum remaining payload room for which a
	// WritevStream call with WriteFlagMore holds the packet open instead of
	// finalizing it.
	writeMoreThreshold = 64
)

// Errors returned by Conn methods. The write loop in the layer above
// branches on these the way a C caller would on negative return codes.
var (
	// ErrWriteMore indicates the engine consumed the offered stream data
	// into a still-open packet and can take frames from another stream
	// before the packet is finalized.
	ErrWriteMore = errors.New("packet open: write more stream data")
	// ErrStreamDataBlocked indicates the stream's flow-control window is
	// exhausted; its data must wait for the peer to extend the window.
	ErrStreamDataBlocked = errors.New("stream is flow-control blocked")
	// ErrStreamShutWR indicates the stream's send side is already shut.
	ErrStreamShutWR = errors.New("stream send side is shut")
	// ErrClosing indicates the connection is closing and accepts no writes.
	ErrClosing = errors.New("connection is closing")
	// ErrDraining indicates the connection received CONNECTION_CLOSE and is
	// in its draining period.
	ErrDraining = errors.New("connection is draining")
	// ErrStreamIDBlocked indicates the peer's stream budget is used up and
	// no new local bidirectional stream can be opened yet.
	ErrStreamIDBlocked = errors.New("no bidirectional stream credit")
	// ErrIdleTimeout indicates the connection idle timer ran out.
	ErrIdleTimeout = errors.New("connection idle timeout")
	// ErrCallbackFailure indicates an application callback rejected data.
	ErrCallbackFailure = errors.New("callback failure")
	// ErrProtocol indicates a malformed packet or frame.
	ErrProtocol = errors.New("protocol violation")
)

// WriteFlag alters WritevStream behavior.
type WriteFlag uint32

const (
	// WriteFlagMore asks the engine to keep the packet open for additional
	// stream frames if the offered data does not fill it.
	WriteFlagMore WriteFlag = 1 << iota
	// WriteFlagFin marks the end of the stream once the offered data (which
	// may be empty) is consumed.
	WriteFlagFin
)

// TLSSession is the handle the TLS provider binds to a Conn via
// SetTLSNativeHandle. The engine drives it from the standard crypto
// callbacks: the key share goes out in the handshake packets, the peer's
// share comes back through ComputeSecret, and DeriveAEADs turns the shared
// secret into the two directional packet-protection AEADs.
type TLSSession interface {
	// KeyShare returns this side's ephemeral public key share.
	KeyShare() []byte
	// ComputeSecret combines the peer's key share with the local ephemeral
	// secret.
	ComputeSecret(peerShare []byte) ([]byte, error)
	// DeriveAEADs expands secret (salted with the client's transient
	// initial destination ID) into the tx and rx packet-protection AEADs
	// for this side of the connection.
	DeriveAEADs(secret, salt []byte) (tx, rx cipher.AEAD, err error)
	// ALPN returns the application protocol to offer or expect.
	ALPN() string
	// HandshakeCompleted is invoked once the handshake finishes, before any
	// application data callback.
	HandshakeCompleted()
}

// RecvCryptoDataCallback is called when handshake (CRYPTO frame) data
// arrives from the peer. The standard implementation feeds the bound
// TLSSession. The callback will be provided with the userdata parameter
// that was given in the Config when the Conn was created.
type RecvCryptoDataCallback func(userdata interface{}, c *Conn, data []byte) error

// EncryptCallback seals a packet payload. dst and plaintext may overlap as
// for cipher.AEAD.Seal.
type EncryptCallback func(userdata interface{}, c *Conn, dst, plaintext, nonce, ad []byte) []byte

// DecryptCallback opens a packet payload.
type DecryptCallback func(userdata interface{}, c *Conn, dst, ciphertext, nonce, ad []byte) ([]byte, error)

// HPMaskCallback produces a header-protection mask from a protection sample.
// An engine that does not apply header protection still makes this callback
// available so a provider can observe samples; the standard implementation
// returns the zero mask.
type HPMaskCallback func(userdata interface{}, c *Conn, sample []byte) [5]byte

// UpdateKeyCallback is invoked on a key-update event to derive the next
// generation of packet-protection keys.
type UpdateKeyCallback func(userdata interface{}, c *Conn) error

// DeleteAEADContextCallback is invoked when an AEAD context is retired so
// the provider can wipe key material.
type DeleteAEADContextCallback func(userdata interface{}, c *Conn, aead cipher.AEAD)

// GetPathChallengeDataCallback fills dest with the random payload for a
// PATH_CHALLENGE frame.
type GetPathChallengeDataCallback func(userdata interface{}, c *Conn, dest []byte) error

// VersionNegotiationCallback is invoked when a Version Negotiation packet
// is received for this connection.
type VersionNegotiationCallback func(userdata interface{}, c *Conn, versions []uint32) error

// GetNewConnectionIDCallback asks the layer above for a fresh connection ID
// of the given length when the engine needs to issue one (the endpoint owns
// the ID space, so only it can avoid collisions).
type GetNewConnectionIDCallback func(userdata interface{}, size int) wire.CID

// RandCallback fills dest with random bytes.
type RandCallback func(userdata interface{}, dest []byte)

// ExtendMaxLocalStreamsBidiCallback is invoked when the peer raises the
// number of bidirectional streams this side may open. It also fires once at
// handshake completion with the peer's initial budget.
type ExtendMaxLocalStreamsBidiCallback func(userdata interface{}, maxStreams uint64)

// ClientInitialCallback is invoked on an outbound connection when the
// engine is about to emit the first Initial packet; the standard
// implementation stages the TLS session's opening flight.
type ClientInitialCallback func(userdata interface{}, c *Conn) error

// RecvRetryCallback is invoked on an outbound connection when a Retry
// packet arrives.
type RecvRetryCallback func(userdata interface{}, c *Conn) error

// RecvClientInitialCallback is invoked on an inbound connection with the
// client's transient destination ID when its first Initial is processed.
type RecvClientInitialCallback func(userdata interface{}, c *Conn, dcid wire.CID) error

// StreamOpenedCallback is invoked when the peer opens a stream (before any
// of its data is delivered).
type StreamOpenedCallback func(userdata interface{}, streamID int64) error

// StreamReceiveCallback delivers stream data in order. fin is set on the
// final delivery for the stream. The callback must consume all of data
// before returning; the engine reuses the buffer.
type StreamReceiveCallback func(userdata interface{}, streamID int64, data []byte, fin bool) error

// StreamAckCallback is invoked when the peer acknowledges n more bytes of
// the stream, in order. This is the signal to retire send-buffer space.
type StreamAckCallback func(userdata interface{}, streamID int64, n int)

// StreamClosedCallback is invoked once for a stream, as soon as either our
// FIN has been acknowledged or the peer's FIN has been delivered; it is the
// last engine event for the stream.
type StreamClosedCallback func(userdata interface{}, streamID int64, appCode uint64)

// HandshakeCompletedCallback is invoked once when the handshake finishes.
type HandshakeCompletedCallback func(userdata interface{})

// CallbackTable contains the callbacks a Conn makes into the layers above
// it. Crypto members are normally set to the Crypto* standard
// implementations in this package, exactly the way a C caller would point
// them at the crypto helper library; the rest are supplied by the
// connection owner. Any member may be nil if the event is not needed.
type CallbackTable struct {
	RecvCryptoData            RecvCryptoDataCallback
	Encrypt                   EncryptCallback
	Decrypt                   DecryptCallback
	HPMask                    HPMaskCallback
	UpdateKey                 UpdateKeyCallback
	DeleteAEADContext         DeleteAEADContextCallback
	GetPathChallengeData      GetPathChallengeDataCallback
	VersionNegotiation        VersionNegotiationCallback
	GetNewConnectionID        GetNewConnectionIDCallback
	Rand                      RandCallback
	ExtendMaxLocalStreamsBidi ExtendMaxLocalStreamsBidiCallback

	// Direction-specific handshake callbacks: outbound connections set
	// ClientInitial and RecvRetry, inbound connections set
	// RecvClientInitial.
	ClientInitial     ClientInitialCallback
	RecvRetry         RecvRetryCallback
	RecvClientInitial RecvClientInitialCallback

	StreamOpened       StreamOpenedCallback
	StreamReceive      StreamReceiveCallback
	StreamAck          StreamAckCallback
	StreamClosed       StreamClosedCallback
	HandshakeCompleted HandshakeCompletedCallback
}

// Settings carries per-connection engine settings.
type Settings struct {
	// InitialTS is the connection's epoch for timing decisions.
	InitialTS time.Time
	// MaxTxUDPPayloadSize caps the size of any datagram the engine
	// assembles. Zero selects DefaultMaxTxUDPPayloadSize.
	MaxTxUDPPayloadSize int
	// Logger receives engine trace output; the zero value discards.
	Logger logr.Logger
}

// DefaultMaxTxUDPPayloadSize is the payload cap used when Settings does not
// override it: 1500-byte ethernet minus IPv6 (40) and UDP (8) headers, which
// also fits under IPv4.
const DefaultMaxTxUDPPayloadSize = 1452

// TransportParams are the flow-control parameters advertised to the peer
// during the handshake.
type TransportParams struct {
	InitialMaxData                 uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
}

// DefaultTransportParams returns the parameter set used by this project:
// a 1 MiB connection window, 32 concurrent bidirectional streams with
// 64 KiB stream windows, and no unidirectional streams.
func DefaultTransportParams() TransportParams {
	return TransportParams{
		InitialMaxData:                 1024 * 1024,
		InitialMaxStreamsBidi:          32,
		InitialMaxStreamDataBidiLocal:  64 * 1024,
		InitialMaxStreamDataBidiRemote: 64 * 1024,
		InitialMaxStreamDataUni:        0,
	}
}

// Config assembles everything needed to construct a Conn.
type Config struct {
	IsClient  bool
	SCID      wire.CID
	DCID      wire.CID
	Callbacks CallbackTable
	UserData  interface{}
	Settings  Settings
	Params    TransportParams
}
