// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// session is the per-connection TLS provider handle bound to the protocol
// engine. Its key schedule is an ephemeral X25519 exchange expanded through
// HKDF-SHA256 into a ChaCha20-Poly1305 AEAD per direction; the client's
// transient initial destination ID salts the expansion so two connections
// between the same hosts never share keys.
type session struct {
	creds    *Credentials
	alpn     string
	isClient bool
	hook     func()

	priv [32]byte
	pub  []byte
}

const sessionKeyInfo = "storj.io/quic-go key expansion"

func newSession(creds *Credentials, alpn string, isClient bool, hook func()) (*session, error) {
	s := &session{creds: creds, alpn: alpn, isClient: isClient, hook: hook}
	randomBytes(s.priv[:])
	pub, err := curve25519.X25519(s.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("generating key share: %w", err)
	}
	s.pub = pub
	return s, nil
}

func (s *session) KeyShare() []byte { return s.pub }

func (s *session) ALPN() string { return s.alpn }

func (s *session) ComputeSecret(peerShare []byte) ([]byte, error) {
	secret, err := curve25519.X25519(s.priv[:], peerShare)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	return secret, nil
}

// DeriveAEADs expands the shared secret into the directional packet
// protection keys. Both sides derive the same (client-key, server-key)
// pair; which one is tx depends on which side we are.
func (s *session) DeriveAEADs(secret, salt []byte) (tx, rx cipher.AEAD, err error) {
	expand := hkdf.New(sha256.New, secret, salt, []byte(sessionKeyInfo))
	var clientKey, serverKey [chacha20poly1305.KeySize]byte
	if _, err := io.ReadFull(expand, clientKey[:]); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(expand, serverKey[:]); err != nil {
		return nil, nil, err
	}
	clientAEAD, err := chacha20poly1305.New(clientKey[:])
	if err != nil {
		return nil, nil, err
	}
	serverAEAD, err := chacha20poly1305.New(serverKey[:])
	if err != nil {
		return nil, nil, err
	}
	if s.isClient {
		return clientAEAD, serverAEAD, nil
	}
	return serverAEAD, clientAEAD, nil
}

func (s *session) HandshakeCompleted() {
	if s.hook != nil {
		s.hook()
	}
}
