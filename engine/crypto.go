// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package engine

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"storj.io/quic-go/wire"
)

// Standard crypto-callback implementations. A connection owner normally
// points the crypto members of its CallbackTable at these, the same way a C
// caller wires the reference crypto helpers into its callback struct; they
// drive the TLSSession bound with SetTLSNativeHandle.

// CryptoRecvCryptoData is the standard RecvCryptoData callback: it runs the
// handshake key exchange and, on a server, stages the handshake reply.
func CryptoRecvCryptoData(userdata interface{}, c *Conn, data []byte) error {
	return c.recvCryptoData(data)
}

// CryptoClientInitial is the standard ClientInitial callback: it stages the
// client's opening flight (key share, ALPN, transport parameters).
func CryptoClientInitial(userdata interface{}, c *Conn) error {
	if c.session == nil {
		return fmt.Errorf("%w: no TLS session bound", ErrProtocol)
	}
	c.cryptoOut = appendHandshakePayload(nil, handshakePayload{
		keyShare: c.session.KeyShare(),
		alpn:     c.session.ALPN(),
		params:   c.localParams,
	})
	return nil
}

// CryptoRecvClientInitial is the standard RecvClientInitial callback.
func CryptoRecvClientInitial(userdata interface{}, c *Conn, dcid wire.CID) error {
	if c.session == nil {
		return fmt.Errorf("%w: no TLS session bound", ErrProtocol)
	}
	return nil
}

// CryptoRecvRetry is the standard RecvRetry callback. This engine never
// issues Retry, so receiving one is ignored.
func CryptoRecvRetry(userdata interface{}, c *Conn) error { return nil }

// CryptoEncrypt is the standard Encrypt callback, sealing with the
// session-derived tx AEAD.
func CryptoEncrypt(userdata interface{}, c *Conn, dst, plaintext, nonce, ad []byte) []byte {
	return c.txAEAD.Seal(dst, nonce, plaintext, ad)
}

// CryptoDecrypt is the standard Decrypt callback, opening with the
// session-derived rx AEAD.
func CryptoDecrypt(userdata interface{}, c *Conn, dst, ciphertext, nonce, ad []byte) ([]byte, error) {
	return c.rxAEAD.Open(dst, nonce, ciphertext, ad)
}

// CryptoHPMask is the standard HPMask callback. This engine does not apply
// header protection, so the mask is all zeros.
func CryptoHPMask(userdata interface{}, c *Conn, sample []byte) [5]byte {
	return [5]byte{}
}

// CryptoUpdateKey is the standard UpdateKey callback. Key update is not
// supported by this engine's single-generation schedule.
func CryptoUpdateKey(userdata interface{}, c *Conn) error { return nil }

// CryptoDeleteAEADContext is the standard DeleteAEADContext callback. The
// provider owns the key material; nothing to do here.
func CryptoDeleteAEADContext(userdata interface{}, c *Conn, aead cipher.AEAD) {}

// CryptoGetPathChallengeData is the standard GetPathChallengeData callback.
func CryptoGetPathChallengeData(userdata interface{}, c *Conn, dest []byte) error {
	if c.cb.Rand != nil {
		c.cb.Rand(userdata, dest)
		return nil
	}
	_, err := io.ReadFull(rand.Reader, dest)
	return err
}

// CryptoVersionNegotiation is the standard VersionNegotiation callback: a
// Version Negotiation reply means no common version, which is fatal.
func CryptoVersionNegotiation(userdata interface{}, c *Conn, versions []uint32) error {
	return fmt.Errorf("%w: no common protocol version (offered %v)", ErrProtocol, versions)
}

// recvCryptoData runs the key exchange with the peer's handshake payload.
func (c *Conn) recvCryptoData(data []byte) error {
	if c.session == nil {
		return fmt.Errorf("%w: no TLS session bound", ErrProtocol)
	}
	if c.handshakeComplete {
		return nil
	}
	p, err := parseHandshakePayload(data)
	if err != nil {
		return err
	}
	if want := c.session.ALPN(); want != "" && p.alpn != "" && p.alpn != want {
		return fmt.Errorf("%w: alpn mismatch: %q != %q", ErrProtocol, p.alpn, want)
	}
	secret, err := c.session.ComputeSecret(p.keyShare)
	if err != nil {
		return err
	}
	tx, rx, err := c.session.DeriveAEADs(secret, c.odcid.Bytes())
	if err != nil {
		return err
	}
	c.txAEAD, c.rxAEAD = tx, rx
	c.peerParams = p.params
	c.peerParamsRaw = append([]byte(nil), data...)
	c.connTxLimit = p.params.InitialMaxData
	if !c.isClient {
		// Stage the server's half of the exchange; the next write pass
		// emits it.
		c.cryptoOut = appendHandshakePayload(nil, handshakePayload{
			keyShare: c.session.KeyShare(),
			alpn:     c.session.ALPN(),
			params:   c.localParams,
		})
		c.replyPending = true
	}
	c.completeHandshake()
	return nil
}

func (c *Conn) completeHandshake() {
	c.handshakeComplete = true
	c.maxLocalStreamsBidi = c.peerParams.InitialMaxStreamsBidi
	c.session.HandshakeCompleted()
	if c.cb.HandshakeCompleted != nil {
		c.cb.HandshakeCompleted(c.userData)
	}
	if c.cb.ExtendMaxLocalStreamsBidi != nil && c.maxLocalStreamsBidi > 0 {
		c.cb.ExtendMaxLocalStreamsBidi(c.userData, c.maxLocalStreamsBidi)
	}
}
