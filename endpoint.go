// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"storj.io/quic-go/engine"
	"storj.io/quic-go/wire"
)

// drainInterval is how often the endpoint sweeps its draining queue.
const drainInterval = 250 * time.Millisecond

// drainingPeriod is how long a closed connection keeps absorbing packets
// addressed to its ID before the ID is forgotten.
const drainingPeriod = 3 * engine.PTO

type drainEntry struct {
	deadline time.Time
	cid      CID
}

type queuedSend struct {
	dest Address
	buf  []byte
	ecn  byte
	cb   func(ioResult)
}

// sendQueueRetryInterval paces retries of control packets queued behind a
// blocked socket.
const sendQueueRetryInterval = 5 * time.Millisecond

// Endpoint owns one UDP socket and every connection multiplexed over it.
//
// conns bookkeeping: when a client establishes a new connection it invents
// its own source CID (scid) and a transient destination CID (dcid) and
// sends both to the server. Each Connection is indexed by its *local* scid
// -- the ID the peer puts in the destination field of packets sent to us.
// When responding, the server uses a dcid equal to the client's scid and a
// fresh random scid of its own, so client.scid == server.dcid and
// client.dcid == server.scid, with each side randomizing its own scid.
//
// draining holds connections past their CONNECTION_CLOSE: they stay
// resolvable (silently absorbing lagging packets) until their removal
// deadline, at which point checkTimeouts erases them from both structures.
type Endpoint struct {
	net    *Network
	logger logr.Logger
	local  Address
	socket *udpSocket

	conns    map[CID]*Connection
	draining []drainEntry

	inboundCtx       *ioContext
	outboundCtx      *ioContext
	acceptingInbound bool

	expiryTimer    *loopTimer
	sendQueue      []queuedSend
	sendQueueTimer *loopTimer

	closing atomic.Bool
}

func newEndpoint(net *Network, local Address) (*Endpoint, error) {
	logger := net.logger.WithValues("local", local)
	socket, err := newUDPSocket(logger, local)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{
		net:    net,
		logger: net.logger.WithValues("local", socket.local),
		local:  socket.local,
		socket: socket,
		conns:  make(map[CID]*Connection),
	}
	ep.expiryTimer = newLoopTimer(net, ep.checkTimeouts)
	ep.sendQueueTimer = newLoopTimer(net, ep.flushSendQueue)
	ep.expiryTimer.schedule(drainInterval)
	go ep.readLoop()
	ep.logger.Info("endpoint created")
	return ep, nil
}

// LocalAddr returns the bound address (with the real port when an
// ephemeral one was requested).
func (ep *Endpoint) LocalAddr() Address { return ep.local }

// Listen installs the inbound context and opens the endpoint to incoming
// Initial packets.
func (ep *Endpoint) Listen(creds *Credentials, opts ...EndpointOption) error {
	_, err := GetOnLoop(ep.net, func() (struct{}, error) {
		ctx, err := newIOContext(creds, opts)
		if err != nil {
			return struct{}{}, err
		}
		ep.inboundCtx = ctx
		ep.acceptingInbound = true
		ep.logger.V(1).Info("inbound context ready for incoming connections")
		return struct{}{}, nil
	})
	return err
}

// Connect creates a new outbound connection to remote and returns its
// handle. The returned connection is usable immediately; streams opened
// before the handshake completes are queued.
func (ep *Endpoint) Connect(remote Address, creds *Credentials, opts ...EndpointOption) (ConnectionInterface, error) {
	return GetOnLoop(ep.net, func() (ConnectionInterface, error) {
		ctx, err := newIOContext(creds, opts)
		if err != nil {
			return nil, err
		}
		ep.outboundCtx = ctx

		scid := ep.newLocalCID(wire.LocalCIDLen)
		dcid := wire.RandomCID(wire.InitialDCIDLen)
		path := Path{Local: ep.local, Remote: remote}
		conn, err := newConnection(ep, scid, dcid, path, ctx, Outbound)
		if err != nil {
			return nil, err
		}
		ep.conns[scid] = conn
		conn.ioReady() // kicks the client Initial out
		return conn, nil
	})
}

// newLocalCID generates a fresh local connection ID, rejection-sampling
// until it collides with nothing in use.
func (ep *Endpoint) newLocalCID(size int) CID {
	for {
		cid := wire.RandomCID(size)
		if _, inUse := ep.conns[cid]; !inUse {
			return cid
		}
	}
}

// GetAllConns returns handles for the live connections, optionally
// filtered by direction.
func (ep *Endpoint) GetAllConns(dir ...Direction) []ConnectionInterface {
	out, _ := GetOnLoop(ep.net, func() ([]ConnectionInterface, error) {
		var list []ConnectionInterface
		for _, conn := range ep.conns {
			if conn.draining {
				continue
			}
			if len(dir) > 0 && conn.dir != dir[0] {
				continue
			}
			list = append(list, conn)
		}
		return list, nil
	})
	return out
}

// readLoop is the endpoint's socket reader goroutine. One packet is in
// flight toward the loop at a time: the loop job signals completion so the
// receive buffer can be reused and inbound processing stays backpressured.
func (ep *Endpoint) readLoop() {
	buf := make([]byte, MaxBufferSize)
	for {
		n, ecn, from, err := ep.socket.readFrom(buf)
		if err != nil {
			if ep.closing.Load() {
				return
			}
			ep.logger.Error(err, "error reading from UDP socket")
			continue
		}
		pkt := Packet{
			Path: Path{Local: ep.local, Remote: from},
			Data: buf[:n],
			ECN:  ecn,
		}
		done := make(chan struct{})
		err = ep.net.enqueue(func() {
			ep.handlePacket(&pkt)
			close(done)
		})
		if err != nil {
			return
		}
		<-done
	}
}

// handlePacket demultiplexes one received datagram by destination CID.
func (ep *Endpoint) handlePacket(pkt *Packet) {
	if ep.closing.Load() {
		return
	}
	hdr, err := wire.ParseHeader(pkt.Data)
	if err != nil {
		ep.logger.V(1).Info("dropping unparseable packet", "len", len(pkt.Data), "err", err)
		return
	}
	conn := ep.conns[hdr.DCID]
	if conn == nil {
		if hdr.Type == wire.PacketTypeInitial && ep.acceptingInbound {
			ep.acceptInitialConnection(pkt, hdr)
		} else {
			ep.logger.V(1).Info("dropping packet for unknown connection",
				"dcid", hdr.DCID, "type", hdr.Type)
		}
		return
	}
	if conn.draining {
		// Lagging packets for a drained connection are absorbed silently.
		ep.logger.V(2).Info("absorbing packet for draining connection", "dcid", hdr.DCID)
		return
	}
	conn.readPacket(pkt, time.Now())
}

// acceptInitialConnection handles an Initial for a CID we have never seen:
// reply with Version Negotiation if the version is foreign, otherwise
// construct the inbound connection and feed it the packet.
func (ep *Endpoint) acceptInitialConnection(pkt *Packet, hdr wire.Header) {
	if !wire.IsVersionSupported(hdr.Version) {
		ep.logger.V(1).Info("unsupported version, sending version negotiation",
			"version", hdr.Version)
		ep.sendVersionNegotiation(hdr, pkt.Path)
		return
	}
	scid := ep.newLocalCID(wire.LocalCIDLen)
	conn, err := newConnection(ep, scid, hdr.SCID, pkt.Path, ep.inboundCtx, Inbound)
	if err != nil {
		ep.logger.Error(err, "could not create inbound connection")
		return
	}
	ep.conns[scid] = conn
	conn.readPacket(pkt, time.Now())
}

// sendVersionNegotiation emits a Version Negotiation reply listing the
// versions we do speak. Control packets like this cannot afford to vanish
// under a transient block, so they go through the retry queue.
func (ep *Endpoint) sendVersionNegotiation(hdr wire.Header, path Path) {
	buf := wire.AppendVersionNegotiation(nil, hdr.SCID, hdr.DCID, wire.VersionQUICv1)
	ep.sendOrQueue(path, buf, 0, nil)
}

// sendPacket sends a single already-assembled packet.
func (ep *Endpoint) sendPacket(dest Address, buf []byte, ecn byte) ioResult {
	b := buf
	sizes := []int{len(buf)}
	n := 1
	return ep.socket.sendBatch(dest, &b, &sizes, ecn, &n)
}

// sendPackets attempts a batch send with the §4.B retry contract; buf,
// bufsize, and nPkts are advanced past anything that got out.
func (ep *Endpoint) sendPackets(dest Address, buf *[]byte, bufsize *[]int, ecn byte, nPkts *int) ioResult {
	return ep.socket.sendBatch(dest, buf, bufsize, ecn, nPkts)
}

// sendOrQueue is the less efficient wrapper around sendPacket that queues
// the buffer if the socket is blocked; for rare one-shot control packets
// only (regular data packets go through the connections' own retained-send
// retry). cb, if given, runs with the final result once the packet is sent
// or dropped.
func (ep *Endpoint) sendOrQueue(path Path, buf []byte, ecn byte, cb func(ioResult)) {
	res := ep.sendPacket(path.Remote, buf, ecn)
	if res.blocked() {
		ep.sendQueue = append(ep.sendQueue, queuedSend{dest: path.Remote, buf: buf, ecn: ecn, cb: cb})
		ep.sendQueueTimer.schedule(sendQueueRetryInterval)
		return
	}
	if cb != nil {
		cb(res)
	}
}

// flushSendQueue retries queued control packets in order, stopping (and
// rescheduling) on the first that still blocks.
func (ep *Endpoint) flushSendQueue() {
	for len(ep.sendQueue) > 0 {
		q := ep.sendQueue[0]
		res := ep.sendPacket(q.dest, q.buf, q.ecn)
		if res.blocked() {
			ep.sendQueueTimer.schedule(sendQueueRetryInterval)
			return
		}
		ep.sendQueue = ep.sendQueue[1:]
		if q.cb != nil {
			q.cb(res)
		}
	}
}

// closeConnection sends CONNECTION_CLOSE and moves the connection to the
// draining queue; its CID stays resolvable for the draining period.
func (ep *Endpoint) closeConnection(conn *Connection, code uint64, msg string) {
	if conn.closing || conn.draining {
		return
	}
	ep.logger.Info("closing connection", "scid", conn.scid, "code", code, "msg", msg)
	conn.closing = true
	buf := conn.eng.ConnectionCloseBytes(code, msg)
	ep.sendOrQueue(conn.path, buf, 0, nil)
	ep.drainConnection(conn)
}

// drainConnection parks a connection in the draining state: streams are
// torn down, timers stop, and a removal deadline is queued.
func (ep *Endpoint) drainConnection(conn *Connection) {
	if conn.draining {
		return
	}
	conn.draining = true
	conn.eng.StartDraining()
	conn.teardown(StreamErrorConnectionExpired)
	ep.draining = append(ep.draining, drainEntry{
		deadline: time.Now().Add(drainingPeriod),
		cid:      conn.scid,
	})
}

// closeConns closes every (or every dir-matching) live connection.
func (ep *Endpoint) closeConns(dir *Direction) {
	for _, conn := range ep.conns {
		if conn.draining {
			continue
		}
		if dir != nil && conn.dir != *dir {
			continue
		}
		ep.closeConnection(conn, 0, "NO_ERROR")
	}
}

// checkTimeouts sweeps the draining queue, deleting every connection whose
// removal deadline has passed.
func (ep *Endpoint) checkTimeouts() {
	now := time.Now()
	kept := ep.draining[:0]
	for _, entry := range ep.draining {
		if entry.deadline.After(now) {
			kept = append(kept, entry)
			continue
		}
		ep.logger.V(1).Info("deleting drained connection", "scid", entry.cid)
		delete(ep.conns, entry.cid)
	}
	ep.draining = kept
	if !ep.closing.Load() {
		ep.expiryTimer.schedule(drainInterval)
	}
}

// close shuts the endpoint down. With graceful set, every live connection
// first gets a CONNECTION_CLOSE on the wire and its callbacks fired.
func (ep *Endpoint) close(graceful bool) error {
	if !ep.closing.CompareAndSwap(false, true) {
		return nil
	}
	ep.acceptingInbound = false
	var errs *multierror.Error
	if graceful {
		ep.closeConns(nil)
	} else {
		for _, conn := range ep.conns {
			if !conn.draining {
				conn.draining = true
				conn.eng.StartDraining()
				conn.teardown(StreamErrorConnectionExpired)
			}
		}
	}
	ep.conns = make(map[CID]*Connection)
	ep.draining = nil
	ep.expiryTimer.stop()
	ep.sendQueueTimer.stop()
	errs = multierror.Append(errs, ep.socket.close())
	ep.logger.Info("endpoint closed")
	return errs.ErrorOrNil()
}
