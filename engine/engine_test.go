// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package engine_test

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"storj.io/quic-go/engine"
	"storj.io/quic-go/wire"
)

// testSession is a minimal TLS-provider stand-in: ephemeral X25519 with an
// HKDF/ChaCha20-Poly1305 key schedule.
type testSession struct {
	isClient  bool
	completed bool
	priv      [32]byte
	pub       []byte
}

func newTestSession(t *testing.T, isClient bool) *testSession {
	s := &testSession{isClient: isClient}
	_, err := io.ReadFull(rand.Reader, s.priv[:])
	require.NoError(t, err)
	s.pub, err = curve25519.X25519(s.priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	return s
}

func (s *testSession) KeyShare() []byte { return s.pub }

func (s *testSession) ALPN() string { return "test/1" }

func (s *testSession) ComputeSecret(peerShare []byte) ([]byte, error) {
	return curve25519.X25519(s.priv[:], peerShare)
}

func (s *testSession) DeriveAEADs(secret, salt []byte) (tx, rx cipher.AEAD, err error) {
	expand := hkdf.New(sha256.New, secret, salt, []byte("engine test keys"))
	keys := make([]byte, chacha20poly1305.KeySize*2)
	if _, err := io.ReadFull(expand, keys); err != nil {
		return nil, nil, err
	}
	clientAEAD, err := chacha20poly1305.New(keys[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, err
	}
	serverAEAD, err := chacha20poly1305.New(keys[chacha20poly1305.KeySize:])
	if err != nil {
		return nil, nil, err
	}
	if s.isClient {
		return clientAEAD, serverAEAD, nil
	}
	return serverAEAD, clientAEAD, nil
}

func (s *testSession) HandshakeCompleted() { s.completed = true }

// side is one end of a loopback connection pair plus everything its
// callbacks observed.
type side struct {
	conn *engine.Conn
	sess *testSession

	received   map[int64][]byte
	finRecvd   map[int64]bool
	acked      map[int64]int
	opened     []int64
	closed     map[int64]uint64
	maxStreams uint64
	handshaken bool
}

func newSide(t *testing.T, isClient bool, scid, dcid wire.CID) *side {
	s := &side{
		sess:     newTestSession(t, isClient),
		received: make(map[int64][]byte),
		finRecvd: make(map[int64]bool),
		acked:    make(map[int64]int),
		closed:   make(map[int64]uint64),
	}
	cb := engine.CallbackTable{
		RecvCryptoData:       engine.CryptoRecvCryptoData,
		Encrypt:              engine.CryptoEncrypt,
		Decrypt:              engine.CryptoDecrypt,
		HPMask:               engine.CryptoHPMask,
		UpdateKey:            engine.CryptoUpdateKey,
		DeleteAEADContext:    engine.CryptoDeleteAEADContext,
		GetPathChallengeData: engine.CryptoGetPathChallengeData,
		VersionNegotiation:   engine.CryptoVersionNegotiation,
		GetNewConnectionID: func(_ interface{}, size int) wire.CID {
			return wire.RandomCID(size)
		},
		Rand: func(_ interface{}, dest []byte) {
			_, _ = io.ReadFull(rand.Reader, dest)
		},
		ExtendMaxLocalStreamsBidi: func(_ interface{}, max uint64) {
			s.maxStreams = max
		},
		StreamOpened: func(_ interface{}, id int64) error {
			s.opened = append(s.opened, id)
			return nil
		},
		StreamReceive: func(_ interface{}, id int64, data []byte, fin bool) error {
			s.received[id] = append(s.received[id], data...)
			if fin {
				s.finRecvd[id] = true
			}
			return nil
		},
		StreamAck: func(_ interface{}, id int64, n int) {
			s.acked[id] += n
		},
		StreamClosed: func(_ interface{}, id int64, code uint64) {
			s.closed[id] = code
		},
		HandshakeCompleted: func(_ interface{}) {
			s.handshaken = true
		},
	}
	if isClient {
		cb.ClientInitial = engine.CryptoClientInitial
		cb.RecvRetry = engine.CryptoRecvRetry
	} else {
		cb.RecvClientInitial = engine.CryptoRecvClientInitial
	}
	conn, err := engine.NewConn(engine.Config{
		IsClient:  isClient,
		SCID:      scid,
		DCID:      dcid,
		Callbacks: cb,
		Settings:  engine.Settings{InitialTS: time.Now(), Logger: logr.Discard()},
		Params:    engine.DefaultTransportParams(),
	})
	require.NoError(t, err)
	conn.SetTLSNativeHandle(s.sess)
	s.conn = conn
	return s
}

// drainTo writes every pending non-stream packet from one side into the
// other, returning how many datagrams moved.
func drainTo(t *testing.T, from, to *side, now time.Time) int {
	buf := make([]byte, engine.DefaultMaxTxUDPPayloadSize)
	moved := 0
	for {
		n, _, err := from.conn.WritevStream(buf, 0, -1, nil, now)
		require.NoError(t, err)
		if n == 0 {
			return moved
		}
		require.NoError(t, to.conn.ReadPacket(buf[:n], 0, now))
		moved++
	}
}

func pump(t *testing.T, client, server *side, now time.Time) {
	for i := 0; i < 16; i++ {
		if drainTo(t, client, server, now)+drainTo(t, server, client, now) == 0 {
			return
		}
	}
	t.Fatal("loopback pump did not quiesce")
}

func newPair(t *testing.T) (client, server *side, now time.Time) {
	clientSCID := wire.RandomCID(wire.LocalCIDLen)
	serverSCID := wire.RandomCID(wire.LocalCIDLen)
	transient := wire.RandomCID(wire.InitialDCIDLen)
	client = newSide(t, true, clientSCID, transient)
	server = newSide(t, false, serverSCID, clientSCID)
	return client, server, time.Now()
}

func TestHandshake(t *testing.T) {
	client, server, now := newPair(t)

	// Before the handshake there is no stream credit.
	_, err := client.conn.OpenBidiStream()
	require.ErrorIs(t, err, engine.ErrStreamIDBlocked)
	assert.Equal(t, 0, client.conn.StreamsBidiLeft())

	pump(t, client, server, now)

	assert.True(t, client.conn.HandshakeCompleted())
	assert.True(t, server.conn.HandshakeCompleted())
	assert.True(t, client.sess.completed)
	assert.True(t, server.sess.completed)
	assert.True(t, client.handshaken)
	assert.True(t, server.handshaken)
	assert.Equal(t, uint64(32), client.maxStreams)
	assert.Equal(t, 32, client.conn.StreamsBidiLeft())
	assert.NotNil(t, client.conn.PeerTransportParams())

	// The client adopts the server's chosen connection ID.
	assert.Equal(t, server.conn.SCID(), client.conn.DCID())
}

// writeStream pushes one buffer of stream data through the WriteFlagMore
// contract the way the connection layer's flush loop does.
func writeStream(t *testing.T, from, to *side, id int64, data []byte, fin bool, now time.Time) {
	buf := make([]byte, engine.DefaultMaxTxUDPPayloadSize)
	flags := engine.WriteFlagMore
	if fin {
		flags |= engine.WriteFlagFin
	}
	var vecs [][]byte
	if len(data) > 0 {
		vecs = [][]byte{data}
	}
	n, ndata, err := from.conn.WritevStream(buf, flags, id, vecs, now)
	if err != nil {
		require.ErrorIs(t, err, engine.ErrWriteMore)
		require.Equal(t, len(data), ndata)
		require.Zero(t, n)
	} else {
		require.Equal(t, len(data), ndata)
		if n > 0 {
			require.NoError(t, to.conn.ReadPacket(buf[:n], 0, now))
			return
		}
	}
	// Packet was held open; the non-stream pass finalizes it.
	moved := drainTo(t, from, to, now)
	require.Greater(t, moved, 0)
}

func TestStreamTransfer(t *testing.T) {
	client, server, now := newPair(t)
	pump(t, client, server, now)

	id, err := client.conn.OpenBidiStream()
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	msg := []byte("hello from the other siiiii-iiiiide")
	writeStream(t, client, server, id, msg, false, now)

	require.Equal(t, []int64{id}, server.opened)
	assert.Equal(t, msg, server.received[id])

	// The server's ack credits the client's stream.
	pump(t, client, server, now)
	assert.Equal(t, len(msg), client.acked[id])

	// FIN with no data finishes the stream on both sides.
	writeStream(t, client, server, id, nil, true, now)
	pump(t, client, server, now)
	assert.True(t, server.finRecvd[id])
	assert.Contains(t, server.closed, id)
	assert.Contains(t, client.closed, id)

	// The send side is shut once FIN is out.
	buf := make([]byte, engine.DefaultMaxTxUDPPayloadSize)
	_, _, err = client.conn.WritevStream(buf, engine.WriteFlagMore, id, [][]byte{{1}}, now)
	require.ErrorIs(t, err, engine.ErrStreamShutWR)
}

func TestCoalescedStreams(t *testing.T) {
	client, server, now := newPair(t)
	pump(t, client, server, now)

	a, err := client.conn.OpenBidiStream()
	require.NoError(t, err)
	b, err := client.conn.OpenBidiStream()
	require.NoError(t, err)

	buf := make([]byte, engine.DefaultMaxTxUDPPayloadSize)
	_, ndata, err := client.conn.WritevStream(buf, engine.WriteFlagMore, a, [][]byte{[]byte("first")}, now)
	require.ErrorIs(t, err, engine.ErrWriteMore)
	require.Equal(t, 5, ndata)

	// Second stream's frame lands in the same held-open packet.
	n, ndata, err := client.conn.WritevStream(buf, 0, b, [][]byte{[]byte("second")}, now)
	require.NoError(t, err)
	require.Equal(t, 6, ndata)
	require.Greater(t, n, 0)

	require.NoError(t, server.conn.ReadPacket(buf[:n], 0, now))
	assert.Equal(t, []byte("first"), server.received[a])
	assert.Equal(t, []byte("second"), server.received[b])
}

func TestRetransmitOnExpiry(t *testing.T) {
	client, server, now := newPair(t)
	pump(t, client, server, now)

	id, err := client.conn.OpenBidiStream()
	require.NoError(t, err)

	// Write a data packet and lose it.
	buf := make([]byte, engine.DefaultMaxTxUDPPayloadSize)
	_, _, err = client.conn.WritevStream(buf, engine.WriteFlagMore, id, [][]byte{[]byte("lost")}, now)
	require.ErrorIs(t, err, engine.ErrWriteMore)
	n, _, err := client.conn.WritevStream(buf, 0, -1, nil, now)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	lost := append([]byte(nil), buf[:n]...)

	expiry, ok := client.conn.Expiry()
	require.True(t, ok)
	require.False(t, expiry.After(now.Add(engine.PTO)))

	// The expiry handler queues the exact bytes for resend.
	later := now.Add(engine.PTO + time.Millisecond)
	require.NoError(t, client.conn.HandleExpiry(later))
	n, _, err = client.conn.WritevStream(buf, 0, -1, nil, later)
	require.NoError(t, err)
	require.Equal(t, lost, buf[:n])

	require.NoError(t, server.conn.ReadPacket(buf[:n], 0, later))
	assert.Equal(t, []byte("lost"), server.received[id])

	// A duplicate of the same datagram must not double-deliver.
	require.NoError(t, server.conn.ReadPacket(lost, 0, later))
	assert.Equal(t, []byte("lost"), server.received[id])
}

func TestConnectionClose(t *testing.T) {
	client, server, now := newPair(t)
	pump(t, client, server, now)

	pkt := client.conn.ConnectionCloseBytes(42, "bye")
	require.NotEmpty(t, pkt)

	err := server.conn.ReadPacket(pkt, 0, now)
	require.ErrorIs(t, err, engine.ErrDraining)
	assert.True(t, server.conn.IsDraining())

	// A draining connection refuses further traffic in both directions.
	err = server.conn.ReadPacket(pkt, 0, now)
	require.ErrorIs(t, err, engine.ErrDraining)
	buf := make([]byte, engine.DefaultMaxTxUDPPayloadSize)
	_, _, err = server.conn.WritevStream(buf, 0, -1, nil, now)
	require.ErrorIs(t, err, engine.ErrDraining)
}

func TestIdleTimeout(t *testing.T) {
	client, server, now := newPair(t)
	pump(t, client, server, now)

	err := client.conn.HandleExpiry(now.Add(31 * time.Second))
	require.ErrorIs(t, err, engine.ErrIdleTimeout)
}
