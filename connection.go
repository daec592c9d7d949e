// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"errors"
	"time"

	"github.com/go-logr/logr"

	"storj.io/quic-go/engine"
	"storj.io/quic-go/wire"
)

// ConnectionInterface is the thin handle to a connection returned by
// Endpoint.Connect and GetAllConns.
type ConnectionInterface interface {
	// NewStream opens a bidirectional stream. If the peer's stream budget
	// is exhausted (or the handshake has not yet delivered one) the stream
	// is queued and becomes usable as soon as credit arrives; data sent on
	// it meanwhile is buffered.
	NewStream(dataCb StreamDataCallback, closeCb StreamCloseCallback) (*Stream, error)
	// SCID returns the local connection ID.
	SCID() CID
	// Direction reports whether we initiated or accepted the connection.
	Direction() Direction
	// RemoteAddr returns the peer's address.
	RemoteAddr() Address
	// NumPending returns how many streams are waiting for stream credit.
	NumPending() int
}

// Connection owns one QUIC connection: the protocol engine instance, its
// TLS session, the stream table, the scratch send buffer, and the timers
// that keep the engine's expiry honored. Everything here runs on the loop.
type Connection struct {
	endpoint *Endpoint
	net      *Network
	logger   logr.Logger

	dir     Direction
	pktType byte
	scid    CID
	dcid    CID
	path    Path

	eng     *engine.Conn
	session *session
	ctx     *ioContext

	streams        map[int64]*Stream
	pendingStreams []*Stream

	// sendBuffer is the scratch region one assembled packet is written
	// into; retainedLen is nonzero while a blocked send is being retried
	// out of it.
	sendBuffer  []byte
	retainedLen int
	sendECN     byte

	ioTrig          *ioTrigger
	retransmitTimer *loopTimer

	closing  bool
	draining bool

	stats Stats
}

// Stats counts per-connection packet traffic. The counters only move when
// the package is built with the quicstats tag.
type Stats struct {
	NPacketsSent uint64
	NPacketsRecv uint64
	NBytesSent   uint64
	NBytesRecv   uint64
	NResends     uint32
}

// blockedRetryInterval paces retries of a packet retained after the socket
// reported it would block.
const blockedRetryInterval = 5 * time.Millisecond

func newConnection(ep *Endpoint, scid, dcid CID, path Path, ctx *ioContext, dir Direction) (*Connection, error) {
	c := &Connection{
		endpoint: ep,
		net:      ep.net,
		logger:   ep.logger.WithValues("scid", scid, "dir", dir),
		dir:      dir,
		scid:     scid,
		dcid:     dcid,
		path:     path,
		ctx:      ctx,
		streams:  make(map[int64]*Stream),
	}
	if dir == Outbound {
		c.pktType = clientToServer
	} else {
		c.pktType = serverToClient
	}

	sess, err := newSession(ctx.creds, ctx.alpn, dir == Outbound, ctx.tlsHook)
	if err != nil {
		return nil, err
	}
	c.session = sess

	callbacks := engine.CallbackTable{
		RecvCryptoData:       engine.CryptoRecvCryptoData,
		Encrypt:              engine.CryptoEncrypt,
		Decrypt:              engine.CryptoDecrypt,
		HPMask:               engine.CryptoHPMask,
		UpdateKey:            engine.CryptoUpdateKey,
		DeleteAEADContext:    engine.CryptoDeleteAEADContext,
		GetPathChallengeData: engine.CryptoGetPathChallengeData,
		VersionNegotiation:   engine.CryptoVersionNegotiation,
		GetNewConnectionID: func(_ interface{}, size int) wire.CID {
			return ep.newLocalCID(size)
		},
		Rand: func(_ interface{}, dest []byte) {
			randomBytes(dest)
		},
		ExtendMaxLocalStreamsBidi: func(_ interface{}, maxStreams uint64) {
			c.checkPendingStreams()
		},
		StreamOpened:  c.onStreamOpened,
		StreamReceive: c.onStreamReceive,
		StreamAck:     c.onStreamAck,
		StreamClosed:  c.onStreamClosed,
		HandshakeCompleted: func(_ interface{}) {
			c.logger.V(1).Info("handshake completed")
			c.ioReady()
		},
	}
	if dir == Outbound {
		callbacks.ClientInitial = engine.CryptoClientInitial
		callbacks.RecvRetry = engine.CryptoRecvRetry
	} else {
		callbacks.RecvClientInitial = engine.CryptoRecvClientInitial
	}

	eng, err := engine.NewConn(engine.Config{
		IsClient:  dir == Outbound,
		SCID:      scid,
		DCID:      dcid,
		Callbacks: callbacks,
		UserData:  c,
		Settings: engine.Settings{
			InitialTS:           time.Now(),
			MaxTxUDPPayloadSize: ctx.payloadSize(path.Remote),
			Logger:              c.logger.WithName("engine"),
		},
		Params: ctx.params,
	})
	if err != nil {
		return nil, err
	}
	c.eng = eng
	c.eng.SetTLSNativeHandle(sess)

	c.sendBuffer = make([]byte, eng.MaxTxUDPPayloadSize())
	c.ioTrig = newIOTrigger(ep.net, c.onIOReady)
	c.retransmitTimer = newLoopTimer(ep.net, c.onRetransmitTimer)
	return c, nil
}

// SCID returns the local connection ID.
func (c *Connection) SCID() CID { return c.scid }

// Direction reports whether we initiated or accepted the connection.
func (c *Connection) Direction() Direction { return c.dir }

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() Address { return c.path.Remote }

// ConnBuffer returns non-stream connection data received during the
// handshake (the peer's raw transport parameters), or nil before then.
func (c *Connection) ConnBuffer() []byte { return c.eng.PeerTransportParams() }

// GetStats returns a copy of the connection's traffic counters.
func (c *Connection) GetStats() Stats { return c.stats }

// NumPending returns the number of streams queued for stream credit.
func (c *Connection) NumPending() int {
	n, _ := GetOnLoop(c.net, func() (int, error) { return len(c.pendingStreams), nil })
	return n
}

// NewStream opens (or queues) a bidirectional stream with the given
// callbacks; nil callbacks fall back to the endpoint-level ones.
func (c *Connection) NewStream(dataCb StreamDataCallback, closeCb StreamCloseCallback) (*Stream, error) {
	return GetOnLoop(c.net, func() (*Stream, error) {
		if c.closing || c.draining {
			return nil, ErrConnectionClosed
		}
		if dataCb == nil {
			dataCb = c.ctx.dataCb
		}
		if closeCb == nil {
			closeCb = c.ctx.closeCb
		}
		st := newStream(c, -1, dataCb, closeCb, MaxBufferSize)
		id, err := c.eng.OpenBidiStream()
		if errors.Is(err, engine.ErrStreamIDBlocked) {
			c.logger.V(1).Info("stream queued pending bidi credit", "pending", len(c.pendingStreams)+1)
			c.pendingStreams = append(c.pendingStreams, st)
			return st, nil
		}
		if err != nil {
			return nil, err
		}
		c.adoptStream(st, id)
		return st, nil
	})
}

func (c *Connection) adoptStream(st *Stream, id int64) {
	st.streamID = id
	st.logger = c.logger.WithValues("stream", id)
	c.streams[id] = st
}

// checkPendingStreams drains the pending-stream queue into real stream ids
// as far as the current budget allows.
func (c *Connection) checkPendingStreams() {
	for len(c.pendingStreams) > 0 && c.eng.StreamsBidiLeft() > 0 {
		id, err := c.eng.OpenBidiStream()
		if err != nil {
			return
		}
		st := c.pendingStreams[0]
		c.pendingStreams = c.pendingStreams[1:]
		c.adoptStream(st, id)
		if st.Unsent() > 0 || st.isClosing {
			c.ioReady()
		}
	}
}

// ioReady schedules a coalesced flush on the loop.
func (c *Connection) ioReady() { c.ioTrig.trigger() }

func (c *Connection) onIOReady() {
	c.flushStreams(time.Now())
	c.scheduleRetransmit(time.Now())
}

// protectCallback contains a panicking user callback: the offending stream
// is closed with StreamErrorException and the connection survives.
func (c *Connection) protectCallback(st *Stream, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error(nil, "user callback panicked", "panic", p, "stream", st.streamID)
			if !st.closeCalled {
				st.closed(StreamErrorException)
				delete(c.streams, st.streamID)
			}
		}
	}()
	fn()
}

// Engine upcalls.

func (c *Connection) onStreamOpened(_ interface{}, streamID int64) error {
	st := newStream(c, streamID, c.ctx.dataCb, c.ctx.closeCb, MaxBufferSize)
	c.streams[streamID] = st
	if c.ctx.openCb != nil {
		c.protectCallback(st, func() { c.ctx.openCb(st) })
	}
	return nil
}

func (c *Connection) onStreamReceive(_ interface{}, streamID int64, data []byte, fin bool) error {
	st := c.streams[streamID]
	if st == nil {
		c.logger.V(1).Info("data for unknown stream dropped", "stream", streamID)
		return nil
	}
	if len(data) > 0 && st.dataCallback != nil {
		c.protectCallback(st, func() { st.dataCallback(st, data) })
	}
	if fin {
		st.closed(0)
		delete(c.streams, streamID)
	}
	return nil
}

func (c *Connection) onStreamAck(_ interface{}, streamID int64, n int) {
	if st := c.streams[streamID]; st != nil {
		st.acknowledge(n)
	}
}

func (c *Connection) onStreamClosed(_ interface{}, streamID int64, appCode uint64) {
	st := c.streams[streamID]
	if st == nil {
		return
	}
	code := appCode
	if code == 0 {
		code = st.closeCode
	}
	st.closed(code)
	delete(c.streams, streamID)
}

// readPacket feeds one received datagram to the engine and turns the
// engine's verdict into connection lifecycle changes.
func (c *Connection) readPacket(pkt *Packet, now time.Time) {
	err := c.eng.ReadPacket(pkt.Data, pkt.ECN, now)
	c.stats.packetReceived(len(pkt.Data))
	switch {
	case err == nil:
		c.ioReady()
		c.scheduleRetransmit(now)
	case errors.Is(err, engine.ErrDraining):
		c.logger.V(1).Info("peer closed connection, draining")
		c.endpoint.drainConnection(c)
	default:
		c.logger.Error(err, "fatal error processing packet")
		code := uint64(1)
		if !c.eng.HandshakeCompleted() {
			code = ErrorConnect
		}
		c.endpoint.closeConnection(c, code, err.Error())
	}
}

// flushStreams is the packet-write loop: it drains stream data into
// coalesced packets under the engine's send quantum, then runs a second
// pass with no stream to flush handshake frames, acks, and anything the
// engine held open.
func (c *Connection) flushStreams(now time.Time) {
	if c.closing || c.draining {
		return
	}
	if c.retainedLen > 0 && !c.retryRetained(now) {
		return
	}

	maxStreamPackets := c.eng.SendQuantum() / c.eng.MaxTxUDPPayloadSize()
	streamPackets := 0
	sentAny := false

	// Working set: streams with something to say that have not emitted FIN.
	var strs []*Stream
	for _, st := range c.streams {
		if st.sentFin {
			continue
		}
		if st.Unsent() > 0 || (st.isClosing && st.Unsent() == 0) {
			strs = append(strs, st)
		}
	}

	ts := now
streamLoop:
	for len(strs) > 0 && streamPackets < maxStreamPackets {
		for i := 0; i < len(strs); {
			st := strs[i]
			flags := engine.WriteFlagMore
			if st.isClosing && !st.sentFin && st.Unsent() == 0 {
				c.logger.V(1).Info("sending FIN", "stream", st.streamID)
				flags |= engine.WriteFlagFin
			}
			bufs := st.pending()

			nwrite, ndatalen, err := c.eng.WritevStream(c.sendBuffer, flags, st.streamID, bufs, ts)
			switch {
			case errors.Is(err, engine.ErrWriteMore):
				if ndatalen >= 0 {
					st.wrote(ndatalen)
				}
				if flags&engine.WriteFlagFin != 0 && st.Unsent() == 0 {
					st.sentFin = true
				}
				strs = append(strs[:i], strs[i+1:]...)
				continue
			case errors.Is(err, engine.ErrStreamDataBlocked):
				c.logger.V(1).Info("stream is blocked on flow control", "stream", st.streamID)
				strs = append(strs[:i], strs[i+1:]...)
				continue
			case errors.Is(err, engine.ErrStreamShutWR), errors.Is(err, engine.ErrClosing):
				strs = append(strs[:i], strs[i+1:]...)
				continue
			case err != nil:
				c.logger.Error(err, "fatal error writing stream data", "stream", st.streamID)
				c.endpoint.closeConnection(c, 1, err.Error())
				return
			}

			if ndatalen >= 0 {
				st.wrote(ndatalen)
			}
			if flags&engine.WriteFlagFin != 0 && ndatalen >= 0 && st.Unsent() == 0 {
				st.sentFin = true
			}

			if nwrite == 0 {
				// Congested (or stream data must wait): clear the set and
				// fall through to the non-stream pass.
				c.eng.UpdatePktTxTime(ts)
				strs = nil
				break streamLoop
			}

			if !c.sendAssembled(nwrite, ts) {
				return
			}
			sentAny = true
			c.eng.UpdatePktTxTime(ts)

			if st.Unsent() == 0 && !(st.isClosing && !st.sentFin) {
				strs = append(strs[:i], strs[i+1:]...)
			} else {
				i++
			}

			streamPackets++
			if streamPackets == maxStreamPackets {
				// Yield so one connection cannot starve the loop; the
				// trigger brings us straight back.
				c.eng.UpdatePktTxTime(ts)
				c.ioReady()
				return
			}
		}
	}

	// Second pass with no stream: handshake packets, acks, resends, and
	// whatever frame assembly the engine still holds open.
	for {
		nwrite, _, err := c.eng.WritevStream(c.sendBuffer, 0, -1, nil, ts)
		if errors.Is(err, engine.ErrWriteMore) {
			c.eng.UpdatePktTxTime(ts)
			continue
		}
		if errors.Is(err, engine.ErrClosing) || errors.Is(err, engine.ErrDraining) ||
			errors.Is(err, engine.ErrStreamDataBlocked) {
			break
		}
		if err != nil {
			c.logger.Error(err, "fatal error writing non-stream data")
			c.endpoint.closeConnection(c, 1, err.Error())
			return
		}
		if nwrite == 0 {
			break
		}
		if !c.sendAssembled(nwrite, ts) {
			return
		}
		sentAny = true
		c.eng.UpdatePktTxTime(ts)
	}

	// If stream data had to wait for a handshake packet emitted just now,
	// come back for it.
	if sentAny {
		for _, st := range c.streams {
			if !st.sentFin && (st.Unsent() > 0 || (st.isClosing && st.Unsent() == 0)) {
				c.ioReady()
				break
			}
		}
	}
}

// sendAssembled transmits the packet currently in sendBuffer. On a blocked
// socket the packet is retained, the attempt is recorded with the engine via
// UpdatePktTxTime so loss detection stays sane, and the retry timer armed.
func (c *Connection) sendAssembled(n int, now time.Time) bool {
	res := c.endpoint.sendPacket(c.path.Remote, c.sendBuffer[:n], c.sendECN)
	if res.blocked() {
		c.logger.V(1).Info("packet send blocked, retaining", "len", n)
		c.retainedLen = n
		c.eng.UpdatePktTxTime(now)
		c.retransmitTimer.schedule(blockedRetryInterval)
		return false
	}
	if res.failure() {
		c.logger.Error(res.err, "I/O error while trying to send packet")
		c.endpoint.closeConnection(c, 1, "send failure")
		return false
	}
	c.stats.packetSent(n)
	c.retainedLen = 0
	return true
}

// retryRetained resends the packet held back by a blocked socket.
func (c *Connection) retryRetained(now time.Time) bool {
	res := c.endpoint.sendPacket(c.path.Remote, c.sendBuffer[:c.retainedLen], c.sendECN)
	if res.blocked() {
		c.retransmitTimer.schedule(blockedRetryInterval)
		return false
	}
	if res.failure() {
		c.logger.Error(res.err, "I/O error while retrying blocked packet")
		c.endpoint.closeConnection(c, 1, "send failure")
		return false
	}
	c.stats.packetResent()
	c.retainedLen = 0
	return true
}

// onRetransmitTimer runs the engine's expiry machinery; resulting ack and
// loss work surfaces through the subsequent flush.
func (c *Connection) onRetransmitTimer() {
	if c.closing || c.draining {
		return
	}
	now := time.Now()
	if c.retainedLen > 0 && !c.retryRetained(now) {
		return
	}
	if err := c.eng.HandleExpiry(now); err != nil {
		if errors.Is(err, engine.ErrIdleTimeout) {
			c.logger.Info("connection idle timeout")
			c.endpoint.closeConnection(c, 0, "idle timeout")
			return
		}
		c.logger.Error(err, "expiry handler failed")
		c.endpoint.closeConnection(c, 1, err.Error())
		return
	}
	c.onIOReady()
}

// scheduleRetransmit reprograms the retransmit timer from the engine's next
// expiry; "never" cancels it.
func (c *Connection) scheduleRetransmit(now time.Time) {
	expiry, ok := c.eng.Expiry()
	if !ok {
		c.retransmitTimer.stop()
		return
	}
	d := expiry.Sub(now)
	if d < 0 {
		d = 0
	}
	c.retransmitTimer.schedule(d)
}

// teardown fires every remaining stream's close callback with the given
// code and stops the connection's timers. Called when the connection goes
// away underneath its streams.
func (c *Connection) teardown(code uint64) {
	for id, st := range c.streams {
		st.closed(code)
		delete(c.streams, id)
	}
	for _, st := range c.pendingStreams {
		st.closed(code)
	}
	c.pendingStreams = nil
	c.retransmitTimer.stop()
}
