// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/quic-go/wire"
)

func selfSignedCreds(t testing.TB) *Credentials {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "quic-go test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return NewCredentials(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, pool)
}

func TestNewLocalCIDAvoidsInUse(t *testing.T) {
	ep := &Endpoint{conns: make(map[CID]*Connection)}
	// Pin a batch of IDs as in-use, then make sure fresh ones never land on
	// them (the generator rejection-samples until clear).
	for i := 0; i < 64; i++ {
		ep.conns[wire.RandomCID(wire.LocalCIDLen)] = nil
	}
	for i := 0; i < 256; i++ {
		cid := ep.newLocalCID(wire.LocalCIDLen)
		require.Equal(t, wire.LocalCIDLen, cid.Len())
		_, inUse := ep.conns[cid]
		require.False(t, inUse)
		ep.conns[cid] = nil
	}
}

func TestVersionNegotiationReply(t *testing.T) {
	n := testNetwork(t)
	ep, err := n.Endpoint(NewAddress("127.0.0.1", 0))
	require.NoError(t, err)
	require.NoError(t, ep.Listen(selfSignedCreds(t)))

	// Hand-craft an Initial carrying a version we do not speak.
	clientSCID := wire.RandomCID(wire.LocalCIDLen)
	clientDCID := wire.RandomCID(wire.InitialDCIDLen)
	pkt := wire.AppendLongHeader(nil, wire.PacketTypeInitial, 0x0a0a0a0a, clientDCID, clientSCID)
	pkt = append(pkt, 0, 0, 0, 0) // packet number

	sock, err := net.DialUDP("udp", nil, ep.LocalAddr().UDPAddr())
	require.NoError(t, err)
	defer func() { _ = sock.Close() }()
	_, err = sock.Write(pkt)
	require.NoError(t, err)

	require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply := make([]byte, 1500)
	rn, err := sock.Read(reply)
	require.NoError(t, err)

	hdr, err := wire.ParseHeader(reply[:rn])
	require.NoError(t, err)
	assert.Equal(t, wire.PacketTypeVersionNegotiation, hdr.Type)
	// The reply swaps the IDs: our SCID becomes its DCID.
	assert.Equal(t, clientSCID, hdr.DCID)
	assert.Equal(t, clientDCID, hdr.SCID)
	assert.Contains(t, wire.ParseVersionNegotiation(hdr, reply[:rn]), wire.VersionQUICv1)
}

func pairUp(t *testing.T, n *Network, creds *Credentials, serverOpts ...EndpointOption) (serverEp, clientEp *Endpoint, client ConnectionInterface) {
	t.Helper()
	serverEp, err := n.Endpoint(NewAddress("127.0.0.1", 0))
	require.NoError(t, err)
	require.NoError(t, serverEp.Listen(creds, serverOpts...))

	clientEp, err = n.Endpoint(NewAddress("127.0.0.1", 0))
	require.NoError(t, err)
	client, err = clientEp.Connect(serverEp.LocalAddr(), creds)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(serverEp.GetAllConns()) == 1
	}, 2*time.Second, 5*time.Millisecond, "server never saw the connection")
	return serverEp, clientEp, client
}

func TestConnectAndGetAllConns(t *testing.T) {
	n := testNetwork(t)
	creds := selfSignedCreds(t)
	serverEp, clientEp, client := pairUp(t, n, creds)

	assert.Equal(t, wire.LocalCIDLen, client.SCID().Len())
	assert.Equal(t, Outbound, client.Direction())
	assert.Equal(t, serverEp.LocalAddr(), client.RemoteAddr())

	inbound := serverEp.GetAllConns(Inbound)
	require.Len(t, inbound, 1)
	assert.Equal(t, Inbound, inbound[0].Direction())
	assert.Empty(t, serverEp.GetAllConns(Outbound))

	outbound := clientEp.GetAllConns(Outbound)
	require.Len(t, outbound, 1)
	assert.Same(t, client, outbound[0])
}

func TestDrainingRetention(t *testing.T) {
	n := testNetwork(t)
	creds := selfSignedCreds(t)
	serverEp, _, client := pairUp(t, n, creds)

	conn := client.(*Connection)
	require.Eventually(t, func() bool {
		ok, _ := GetOnLoop(n, func() (bool, error) { return conn.eng.HandshakeCompleted(), nil })
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// Server closes its side; the connection must linger in the draining
	// queue, silently absorbing packets addressed to its ID.
	var serverCID CID
	onLoop(t, n, func() {
		for _, sc := range serverEp.conns {
			serverCID = sc.scid
			serverEp.closeConnection(sc, 0, "test close")
		}
	})

	onLoop(t, n, func() {
		sc, present := serverEp.conns[serverCID]
		assert.True(t, present, "draining connection must stay resolvable")
		assert.True(t, present && sc.draining)
	})

	// Lagging datagrams with the drained CID are absorbed without effect.
	pkt := wire.AppendShortHeader(nil, serverCID)
	pkt = append(pkt, 0, 0, 0, 99)
	sock, err := net.DialUDP("udp", nil, serverEp.LocalAddr().UDPAddr())
	require.NoError(t, err)
	defer func() { _ = sock.Close() }()
	for i := 0; i < 3; i++ {
		_, err = sock.Write(pkt)
		require.NoError(t, err)
	}

	// Still present before the drain deadline...
	time.Sleep(drainingPeriod / 2)
	onLoop(t, n, func() {
		_, present := serverEp.conns[serverCID]
		assert.True(t, present)
	})

	// ...gone after deadline + one sweep.
	require.Eventually(t, func() bool {
		present, _ := GetOnLoop(n, func() (bool, error) {
			_, ok := serverEp.conns[serverCID]
			return ok, nil
		})
		return !present
	}, drainingPeriod+2*drainInterval+time.Second, 20*time.Millisecond)
}

func TestGracefulCloseFiresCallbacksAndUnbinds(t *testing.T) {
	n := NewNetwork()
	t.Cleanup(func() { _ = n.Close(false) })
	creds := selfSignedCreds(t)

	closeCodes := make(chan uint64, 4)
	serverEp, err := n.Endpoint(NewAddress("127.0.0.1", 0))
	require.NoError(t, err)
	require.NoError(t, serverEp.Listen(creds,
		WithStreamCloseCallback(func(s *Stream, code uint64) { closeCodes <- code })))
	serverAddr := serverEp.LocalAddr()

	clientEp, err := n.Endpoint(NewAddress("127.0.0.1", 0))
	require.NoError(t, err)
	client, err := clientEp.Connect(serverAddr, creds)
	require.NoError(t, err)

	stream, err := client.NewStream(func(s *Stream, b []byte) {}, func(s *Stream, code uint64) { closeCodes <- code })
	require.NoError(t, err)
	require.NoError(t, stream.Send([]byte("ping")))

	require.Eventually(t, func() bool {
		conns, _ := GetOnLoop(n, func() (int, error) { return len(serverEp.conns), nil })
		return conns == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, n.Close(true))

	// The client stream's close callback (and the server's, if its side of
	// the stream was already open) fired during the graceful close.
	require.GreaterOrEqual(t, len(closeCodes), 1)
	code := <-closeCodes
	assert.Equal(t, StreamErrorConnectionExpired, code)

	// The socket is unbound: the port can be taken again.
	rebound, err := net.ListenUDP("udp", serverAddr.UDPAddr())
	require.NoError(t, err)
	require.NoError(t, rebound.Close())
}
