// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package engine

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"storj.io/quic-go/wire"
)

// engineStream is the engine's per-stream bookkeeping. The send side is
// byte-offset based: txOffset is the next byte the engine will put on the
// wire, txLimit the peer's flow-control cap. The receive side delivers in
// order from rxOffset, parking out-of-order chunks in reorder until the gap
// fills.
type engineStream struct {
	id int64

	txOffset uint64
	txLimit  uint64
	finSent  bool
	finAcked bool

	rxOffset     uint64
	rxWindow     uint64
	rxAdvertised uint64
	rxFinOffset  uint64
	rxFinSet     bool
	finDelivered bool
	reorder      map[uint64]reorderChunk

	closed bool
}

type reorderChunk struct {
	data []byte
	fin  bool
}

type sentFrameInfo struct {
	streamID int64
	n        int
	fin      bool
	isCrypto bool
}

// sentPacket retains a raw copy of an ack-eliciting datagram until the peer
// acknowledges its packet number, so the expiry handler can resend it
// verbatim.
type sentPacket struct {
	pn     uint64
	raw    []byte
	frames []sentFrameInfo
	sentAt time.Time
}

// assembler accumulates frames for a packet held open across WritevStream
// calls (the WriteFlagMore contract).
type assembler struct {
	payload []byte
	frames  []sentFrameInfo
	budget  int
}

// Conn is one QUIC connection's protocol state machine. All methods must be
// called from a single goroutine; the layer above serializes on its event
// loop.
type Conn struct {
	logger   logr.Logger
	isClient bool

	scid  wire.CID
	dcid  wire.CID
	odcid wire.CID // client's transient initial DCID; salts the key schedule

	cb       CallbackTable
	userData interface{}
	settings Settings

	localParams TransportParams
	peerParams  TransportParams
	// peerParamsRaw is the peer's raw handshake payload, retained for the
	// connection buffer the layer above exposes.
	peerParamsRaw []byte

	session TLSSession
	txAEAD  aead
	rxAEAD  aead

	handshakeComplete bool
	initialSent       bool // client: first Initial emitted
	replyPending      bool // server: handshake reply staged but not emitted
	cryptoOut         []byte

	pktNum         uint64
	largestRecv    uint64
	largestRecvSet bool
	ackPending     bool
	ackTimerAt     time.Time

	sent        []sentPacket
	resendQueue [][]byte

	streams       map[int64]*engineStream
	nextLocalBidi int64
	localOpened   uint64
	// maxLocalStreamsBidi is the bidi-stream budget granted to us by the
	// peer; zero until the handshake delivers the peer's parameters.
	maxLocalStreamsBidi uint64
	peerOpened          uint64
	maxPeerStreamsBidi  uint64

	connTxData  uint64
	connTxLimit uint64
	connRxData  uint64

	msdUpdates map[int64]uint64

	closing  bool
	draining bool

	lastRecvTime time.Time
	lastTxTime   time.Time

	asm *assembler
}

// aead narrows cipher.AEAD to what the packet protector uses, keeping nil
// checks cheap.
type aead interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewConn constructs a connection state machine. Outbound (client)
// connections must have Callbacks.ClientInitial set; inbound must have
// Callbacks.RecvClientInitial set.
func NewConn(cfg Config) (*Conn, error) {
	if cfg.SCID.IsZero() {
		return nil, fmt.Errorf("%w: source connection id required", ErrProtocol)
	}
	if cfg.IsClient && cfg.Callbacks.ClientInitial == nil {
		return nil, fmt.Errorf("%w: client connection requires ClientInitial callback", ErrProtocol)
	}
	if !cfg.IsClient && cfg.Callbacks.RecvClientInitial == nil {
		return nil, fmt.Errorf("%w: server connection requires RecvClientInitial callback", ErrProtocol)
	}
	logger := cfg.Settings.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	c := &Conn{
		logger:             logger,
		isClient:           cfg.IsClient,
		scid:               cfg.SCID,
		dcid:               cfg.DCID,
		cb:                 cfg.Callbacks,
		userData:           cfg.UserData,
		settings:           cfg.Settings,
		localParams:        cfg.Params,
		streams:            make(map[int64]*engineStream),
		msdUpdates:         make(map[int64]uint64),
		maxPeerStreamsBidi: cfg.Params.InitialMaxStreamsBidi,
		lastRecvTime:       cfg.Settings.InitialTS,
	}
	if c.isClient {
		c.odcid = cfg.DCID
		c.nextLocalBidi = 0
	} else {
		c.nextLocalBidi = 1
	}
	return c, nil
}

// SetTLSNativeHandle binds the TLS provider's session object to the
// connection. It must be called before the first packet is read or written.
func (c *Conn) SetTLSNativeHandle(s TLSSession) { c.session = s }

// SCID returns the local connection ID.
func (c *Conn) SCID() wire.CID { return c.scid }

// DCID returns the current peer connection ID. For a client it changes once
// when the server's chosen ID arrives in the handshake.
func (c *Conn) DCID() wire.CID { return c.dcid }

// HandshakeCompleted reports whether the handshake has finished.
func (c *Conn) HandshakeCompleted() bool { return c.handshakeComplete }

// IsDraining reports whether the connection entered its draining period.
func (c *Conn) IsDraining() bool { return c.draining }

// PeerTransportParams returns the raw transport-parameter block received
// from the peer, or nil before the handshake completes.
func (c *Conn) PeerTransportParams() []byte { return c.peerParamsRaw }

// MaxTxUDPPayloadSize returns the largest datagram payload the engine will
// assemble.
func (c *Conn) MaxTxUDPPayloadSize() int {
	if c.settings.MaxTxUDPPayloadSize > 0 {
		return c.settings.MaxTxUDPPayloadSize
	}
	return DefaultMaxTxUDPPayloadSize
}

// SendQuantum returns the burst budget in bytes; callers divide by
// MaxTxUDPPayloadSize to get a packet count.
func (c *Conn) SendQuantum() int { return sendQuantumPackets * c.MaxTxUDPPayloadSize() }

// UpdatePktTxTime records the time of the most recent transmission attempt;
// loss detection treats retained-but-blocked packets as sent at this time.
func (c *Conn) UpdatePktTxTime(now time.Time) { c.lastTxTime = now }

// StreamsBidiLeft returns how many more bidirectional streams this side may
// open under the peer's current budget.
func (c *Conn) StreamsBidiLeft() int {
	if !c.handshakeComplete || c.localOpened >= c.maxLocalStreamsBidi {
		return 0
	}
	return int(c.maxLocalStreamsBidi - c.localOpened)
}

// OpenBidiStream allocates the next locally-initiated bidirectional stream
// id. It fails with ErrStreamIDBlocked until the handshake has delivered
// the peer's stream budget (and whenever that budget is used up).
func (c *Conn) OpenBidiStream() (int64, error) {
	if c.closing || c.draining {
		return 0, ErrClosing
	}
	if c.StreamsBidiLeft() == 0 {
		return 0, ErrStreamIDBlocked
	}
	id := c.nextLocalBidi
	c.nextLocalBidi += 4
	c.localOpened++
	c.streams[id] = &engineStream{
		id:           id,
		txLimit:      c.peerParams.InitialMaxStreamDataBidiRemote,
		rxWindow:     c.localParams.InitialMaxStreamDataBidiLocal,
		rxAdvertised: c.localParams.InitialMaxStreamDataBidiLocal,
	}
	return id, nil
}

func isPeerInitiated(isClient bool, id int64) bool {
	// Bidirectional ids: client-initiated are 0 mod 4, server-initiated are
	// 1 mod 4.
	if isClient {
		return id%4 == 1
	}
	return id%4 == 0
}

func (c *Conn) payloadBudget() int {
	return c.MaxTxUDPPayloadSize() - (1 + wire.LocalCIDLen) - pktNumLen - aeadOverhead
}

func (c *Conn) ensureAssembler() *assembler {
	if c.asm == nil {
		c.asm = &assembler{budget: c.payloadBudget()}
	}
	return c.asm
}

// WritevStream assembles at most one datagram into dest. With streamID >= 0
// it consumes data from vecs for that stream, honoring WriteFlagMore (hold
// the packet open for more streams) and WriteFlagFin. With streamID == -1
// and no data it flushes everything else: handshake packets, scheduled
// resends, a packet held open by WriteFlagMore, and control-only packets.
//
// Returns the datagram length (0 when there is nothing to send or the path
// is congested), the number of stream bytes consumed (-1 if none), and one
// of the sentinel errors.
func (c *Conn) WritevStream(dest []byte, flags WriteFlag, streamID int64, vecs [][]byte, now time.Time) (nwrite, ndatalen int, err error) {
	ndatalen = -1
	if c.draining {
		return 0, ndatalen, ErrDraining
	}
	if c.closing {
		return 0, ndatalen, ErrClosing
	}
	if streamID >= 0 {
		return c.writeStreamData(dest, flags, streamID, vecs, now)
	}
	return c.writeNonStream(dest, now)
}

func (c *Conn) writeStreamData(dest []byte, flags WriteFlag, streamID int64, vecs [][]byte, now time.Time) (nwrite, ndatalen int, err error) {
	ndatalen = -1
	// Stream data waits until the handshake packets are out of the way;
	// reporting congestion here sends the caller to its non-stream pass,
	// which emits them.
	if !c.handshakeComplete || c.replyPending {
		return 0, ndatalen, nil
	}
	st := c.streams[streamID]
	if st == nil {
		return 0, ndatalen, fmt.Errorf("%w: unknown stream %d", ErrProtocol, streamID)
	}
	if st.finSent {
		return 0, ndatalen, ErrStreamShutWR
	}

	total := 0
	for _, v := range vecs {
		total += len(v)
	}
	window := st.txLimit - st.txOffset
	if cw := c.connTxLimit - c.connTxData; cw < window {
		window = cw
	}
	if total > 0 && window == 0 {
		return 0, ndatalen, ErrStreamDataBlocked
	}

	asm := c.ensureAssembler()
	consume := total
	if uint64(consume) > window {
		consume = int(window)
	}
	overhead := streamFrameOverhead(streamID, st.txOffset, consume)
	room := asm.budget - len(asm.payload) - overhead
	if room < 0 {
		room = 0
	}
	if consume > room {
		consume = room
	}
	if total > 0 && consume == 0 {
		// Packet is full; flush it so the caller can come back for this
		// stream with an empty one.
		if len(asm.payload) == 0 {
			return 0, ndatalen, nil
		}
		return c.finalizeShort(dest, now), ndatalen, nil
	}

	fin := flags&WriteFlagFin != 0 && consume == total
	if consume > 0 || fin {
		data := make([]byte, 0, consume)
		remaining := consume
		for _, v := range vecs {
			if remaining == 0 {
				break
			}
			take := len(v)
			if take > remaining {
				take = remaining
			}
			data = append(data, v[:take]...)
			remaining -= take
		}
		asm.payload = appendStreamFrame(asm.payload, streamID, st.txOffset, data, fin)
		asm.frames = append(asm.frames, sentFrameInfo{streamID: streamID, n: consume, fin: fin})
		st.txOffset += uint64(consume)
		c.connTxData += uint64(consume)
		if fin {
			st.finSent = true
		}
		ndatalen = consume
	}

	if flags&WriteFlagMore != 0 && consume == total &&
		asm.budget-len(asm.payload) >= writeMoreThreshold {
		return 0, ndatalen, ErrWriteMore
	}
	if len(asm.payload) == 0 && !c.controlPending() {
		c.asm = nil
		return 0, ndatalen, nil
	}
	return c.finalizeShort(dest, now), ndatalen, nil
}

func (c *Conn) writeNonStream(dest []byte, now time.Time) (nwrite, ndatalen int, err error) {
	ndatalen = -1
	if len(c.resendQueue) > 0 {
		n := copy(dest, c.resendQueue[0])
		c.resendQueue = c.resendQueue[1:]
		c.lastTxTime = now
		return n, ndatalen, nil
	}
	if c.isClient && !c.initialSent {
		if err := c.cb.ClientInitial(c.userData, c); err != nil {
			return 0, ndatalen, err
		}
		n := c.buildLong(dest, wire.PacketTypeInitial, now)
		c.initialSent = true
		return n, ndatalen, nil
	}
	if c.replyPending {
		n := c.buildLong(dest, wire.PacketTypeHandshake, now)
		c.replyPending = false
		return n, ndatalen, nil
	}
	if c.asm != nil && len(c.asm.payload) > 0 {
		return c.finalizeShort(dest, now), ndatalen, nil
	}
	if c.controlPending() && c.txAEAD != nil {
		c.ensureAssembler()
		return c.finalizeShort(dest, now), ndatalen, nil
	}
	return 0, ndatalen, nil
}

func (c *Conn) controlPending() bool {
	return c.ackPending || len(c.msdUpdates) > 0
}

// buildLong emits a plaintext handshake packet carrying the staged crypto
// payload (plus an ACK if one is due).
func (c *Conn) buildLong(dest []byte, typ wire.PacketType, now time.Time) int {
	pkt := wire.AppendLongHeader(dest[:0], typ, wire.VersionQUICv1, c.dcid, c.scid)
	pn := c.pktNum
	c.pktNum++
	pnb := packetNumberBytes(pn)
	pkt = append(pkt, pnb[:]...)
	if c.ackPending && c.largestRecvSet {
		pkt = appendAckFrame(pkt, c.largestRecv)
		c.ackPending = false
		c.ackTimerAt = time.Time{}
	}
	pkt = appendCryptoFrame(pkt, c.cryptoOut)
	c.track(pn, pkt, []sentFrameInfo{{isCrypto: true}}, now)
	c.lastTxTime = now
	return len(pkt)
}

// finalizeShort seals the open assembler (prefixing any due control frames)
// into a short-header packet in dest.
func (c *Conn) finalizeShort(dest []byte, now time.Time) int {
	asm := c.asm
	c.asm = nil

	var control []byte
	eliciting := len(asm.frames) > 0
	if c.ackPending && c.largestRecvSet {
		control = appendAckFrame(control, c.largestRecv)
		c.ackPending = false
		c.ackTimerAt = time.Time{}
	}
	for id, max := range c.msdUpdates {
		control = appendMaxStreamDataFrame(control, id, max)
		eliciting = true
		delete(c.msdUpdates, id)
	}

	hdr := wire.AppendShortHeader(dest[:0], c.dcid)
	pn := c.pktNum
	c.pktNum++
	pnb := packetNumberBytes(pn)
	hdr = append(hdr, pnb[:]...)
	hdrLen := len(hdr)

	plaintext := append(control, asm.payload...)
	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[4:], pn)
	sealed := c.cb.Encrypt(c.userData, c, hdr, plaintext, nonce[:], dest[:hdrLen])
	n := len(sealed)
	copy(dest, sealed)

	if eliciting {
		c.track(pn, dest[:n], asm.frames, now)
	}
	c.lastTxTime = now
	return n
}

func (c *Conn) track(pn uint64, raw []byte, frames []sentFrameInfo, now time.Time) {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	c.sent = append(c.sent, sentPacket{pn: pn, raw: cp, frames: frames, sentAt: now})
}

// ReadPacket processes one received datagram. It returns ErrDraining once
// the peer has closed the connection; the caller is expected to stop
// feeding packets and start its drain period.
func (c *Conn) ReadPacket(data []byte, ecn byte, now time.Time) error {
	if c.draining {
		return ErrDraining
	}
	c.lastRecvTime = now
	hdr, err := wire.ParseHeader(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch hdr.Type {
	case wire.PacketTypeVersionNegotiation:
		if c.cb.VersionNegotiation != nil {
			return c.cb.VersionNegotiation(c.userData, c, wire.ParseVersionNegotiation(hdr, data))
		}
		return nil
	case wire.PacketTypeInitial:
		return c.readInitial(hdr, data, now)
	case wire.PacketTypeHandshake:
		return c.readHandshakeReply(hdr, data, now)
	case wire.PacketTypeShort:
		return c.readShort(hdr, data, now)
	default:
		// Retry and 0-RTT are outside this engine's vocabulary.
		c.logger.V(1).Info("dropping packet of unhandled type", "type", hdr.Type)
		return nil
	}
}

func (c *Conn) readInitial(hdr wire.Header, data []byte, now time.Time) error {
	if c.isClient {
		return nil
	}
	if len(data) < hdr.HeaderLen+pktNumLen {
		return ErrProtocol
	}
	pn := uint64(binary.BigEndian.Uint32(data[hdr.HeaderLen : hdr.HeaderLen+pktNumLen]))
	if c.handshakeComplete {
		// Duplicate Initial: the client missed our reply. Acknowledge again;
		// the reply itself is resent by the expiry handler if still unacked.
		c.registerRecv(pn, true, now)
		return nil
	}
	c.odcid = hdr.DCID
	c.dcid = hdr.SCID
	if err := c.cb.RecvClientInitial(c.userData, c, hdr.DCID); err != nil {
		return err
	}
	c.registerRecv(pn, true, now)
	frames, err := parseFrames(data[hdr.HeaderLen+pktNumLen:])
	if err != nil {
		return err
	}
	for _, f := range frames {
		if f.typ == frameTypeCrypto && c.cb.RecvCryptoData != nil {
			if err := c.cb.RecvCryptoData(c.userData, c, f.cryptoData); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conn) readHandshakeReply(hdr wire.Header, data []byte, now time.Time) error {
	if !c.isClient {
		return nil
	}
	if len(data) < hdr.HeaderLen+pktNumLen {
		return ErrProtocol
	}
	pn := uint64(binary.BigEndian.Uint32(data[hdr.HeaderLen : hdr.HeaderLen+pktNumLen]))
	c.registerRecv(pn, true, now)
	if c.handshakeComplete {
		return nil
	}
	c.dcid = hdr.SCID
	frames, err := parseFrames(data[hdr.HeaderLen+pktNumLen:])
	if err != nil {
		return err
	}
	for _, f := range frames {
		switch f.typ {
		case frameTypeAck:
			c.processAck(f.largestAcked)
		case frameTypeCrypto:
			if c.cb.RecvCryptoData != nil {
				if err := c.cb.RecvCryptoData(c.userData, c, f.cryptoData); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Conn) readShort(hdr wire.Header, data []byte, now time.Time) error {
	if c.rxAEAD == nil {
		c.logger.V(1).Info("dropping short packet received before keys")
		return nil
	}
	if len(data) < hdr.HeaderLen+pktNumLen {
		return ErrProtocol
	}
	pnEnd := hdr.HeaderLen + pktNumLen
	pn := uint64(binary.BigEndian.Uint32(data[hdr.HeaderLen:pnEnd]))
	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[4:], pn)
	payload, err := c.cb.Decrypt(c.userData, c, nil, data[pnEnd:], nonce[:], data[:pnEnd])
	if err != nil {
		c.logger.V(1).Info("dropping undecryptable packet", "pn", pn)
		return nil
	}
	frames, err := parseFrames(payload)
	if err != nil {
		return err
	}
	c.registerRecv(pn, ackEliciting(frames), now)
	for _, f := range frames {
		switch f.typ {
		case frameTypeAck:
			c.processAck(f.largestAcked)
		case frameTypeStreamBase, frameTypeStreamFin:
			if err := c.handleStreamFrame(f); err != nil {
				return err
			}
		case frameTypeMaxStreamData:
			if st := c.streams[f.streamID]; st != nil && f.maxValue > st.txLimit {
				st.txLimit = f.maxValue
			}
		case frameTypeMaxStreamsBidi:
			if f.maxValue > c.maxLocalStreamsBidi {
				c.maxLocalStreamsBidi = f.maxValue
				if c.cb.ExtendMaxLocalStreamsBidi != nil {
					c.cb.ExtendMaxLocalStreamsBidi(c.userData, c.maxLocalStreamsBidi)
				}
			}
		case frameTypeConnectionClose:
			c.logger.V(1).Info("peer closed connection",
				"code", f.closeCode, "reason", string(f.closeReason))
			c.draining = true
			return ErrDraining
		}
	}
	return nil
}

func (c *Conn) registerRecv(pn uint64, eliciting bool, now time.Time) {
	if !c.largestRecvSet || pn > c.largestRecv {
		c.largestRecv = pn
		c.largestRecvSet = true
	}
	if eliciting {
		c.ackPending = true
		if c.ackTimerAt.IsZero() {
			c.ackTimerAt = now.Add(maxAckDelay)
		}
	}
}

// processAck retires every tracked packet with number <= largest. The ack
// scheme is cumulative; stream bytes are credited to their streams in send
// order.
func (c *Conn) processAck(largest uint64) {
	kept := c.sent[:0]
	for i := range c.sent {
		sp := &c.sent[i]
		if sp.pn > largest {
			kept = append(kept, *sp)
			continue
		}
		for _, f := range sp.frames {
			if f.isCrypto {
				continue
			}
			if f.n > 0 && c.cb.StreamAck != nil {
				c.cb.StreamAck(c.userData, f.streamID, f.n)
			}
			if f.fin {
				if st := c.streams[f.streamID]; st != nil {
					st.finAcked = true
					c.maybeStreamClosed(st)
				}
			}
		}
	}
	c.sent = kept
}

func (c *Conn) handleStreamFrame(f frame) error {
	st := c.streams[f.streamID]
	if st == nil {
		if !isPeerInitiated(c.isClient, f.streamID) {
			// Data for a locally-initiated stream we never opened: stale.
			return nil
		}
		st = &engineStream{
			id:           f.streamID,
			txLimit:      c.peerParams.InitialMaxStreamDataBidiLocal,
			rxWindow:     c.localParams.InitialMaxStreamDataBidiRemote,
			rxAdvertised: c.localParams.InitialMaxStreamDataBidiRemote,
		}
		c.streams[f.streamID] = st
		c.peerOpened++
		if c.cb.StreamOpened != nil {
			if err := c.cb.StreamOpened(c.userData, f.streamID); err != nil {
				return err
			}
		}
	}

	end := f.offset + uint64(len(f.data))
	if f.fin {
		st.rxFinOffset = end
		st.rxFinSet = true
	}
	if end <= st.rxOffset && !(f.fin && end == st.rxOffset) {
		return nil // pure duplicate
	}
	if f.offset > st.rxOffset {
		if st.reorder == nil {
			st.reorder = make(map[uint64]reorderChunk)
		}
		cp := make([]byte, len(f.data))
		copy(cp, f.data)
		st.reorder[f.offset] = reorderChunk{data: cp, fin: f.fin}
		return nil
	}

	if err := c.deliver(st, f.data[st.rxOffset-f.offset:]); err != nil {
		return err
	}
	// Drain any parked chunks that are now contiguous.
	for {
		chunk, ok := st.reorder[st.rxOffset]
		if !ok {
			break
		}
		delete(st.reorder, st.rxOffset)
		if err := c.deliver(st, chunk.data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) deliver(st *engineStream, data []byte) error {
	st.rxOffset += uint64(len(data))
	c.connRxData += uint64(len(data))
	fin := st.rxFinSet && st.rxOffset == st.rxFinOffset
	if fin {
		st.finDelivered = true
	}
	if (len(data) > 0 || fin) && c.cb.StreamReceive != nil {
		if err := c.cb.StreamReceive(c.userData, st.id, data, fin); err != nil {
			return err
		}
	}
	// Keep the peer's window open: once half the advertised credit is
	// consumed, schedule a MAX_STREAM_DATA bump.
	if !st.rxFinSet && st.rxAdvertised-st.rxOffset < st.rxWindow/2 {
		st.rxAdvertised = st.rxOffset + st.rxWindow
		c.msdUpdates[st.id] = st.rxAdvertised
	}
	if fin {
		c.maybeStreamClosed(st)
	}
	return nil
}

func (c *Conn) maybeStreamClosed(st *engineStream) {
	if st.closed {
		return
	}
	// The stream is done from this side's perspective when our FIN is
	// acknowledged or the peer's FIN has been delivered.
	if (st.finSent && st.finAcked) || st.finDelivered {
		st.closed = true
		if c.cb.StreamClosed != nil {
			c.cb.StreamClosed(c.userData, st.id, 0)
		}
	}
}

// Expiry returns the next instant HandleExpiry needs to run, or ok=false
// if no timer is needed.
func (c *Conn) Expiry() (next time.Time, ok bool) {
	if c.draining || c.closing {
		return time.Time{}, false
	}
	set := func(t time.Time) {
		if !ok || t.Before(next) {
			next, ok = t, true
		}
	}
	for i := range c.sent {
		set(c.sent[i].sentAt.Add(PTO))
	}
	if c.ackPending && !c.ackTimerAt.IsZero() {
		set(c.ackTimerAt)
	}
	if !c.lastRecvTime.IsZero() {
		set(c.lastRecvTime.Add(idleTimeout))
	}
	return next, ok
}

// HandleExpiry runs the loss/idle machinery at the current time. Packets
// unacknowledged for a full probe timeout are queued for retransmission;
// the caller's next write pass picks them up.
func (c *Conn) HandleExpiry(now time.Time) error {
	if c.draining || c.closing {
		return nil
	}
	if !c.lastRecvTime.IsZero() && now.Sub(c.lastRecvTime) >= idleTimeout {
		return ErrIdleTimeout
	}
	for i := range c.sent {
		sp := &c.sent[i]
		if now.Sub(sp.sentAt) >= PTO {
			c.logger.V(1).Info("scheduling resend", "pn", sp.pn, "len", len(sp.raw))
			c.resendQueue = append(c.resendQueue, sp.raw)
			sp.sentAt = now
		}
	}
	return nil
}

// ConnectionCloseBytes moves the connection to the closing state and
// returns the CONNECTION_CLOSE datagram to transmit.
func (c *Conn) ConnectionCloseBytes(code uint64, reason string) []byte {
	c.closing = true
	buf := make([]byte, c.MaxTxUDPPayloadSize())
	pn := c.pktNum
	c.pktNum++
	pnb := packetNumberBytes(pn)
	if c.txAEAD == nil {
		// No keys yet: close in a plaintext handshake packet.
		pkt := wire.AppendLongHeader(buf[:0], wire.PacketTypeHandshake, wire.VersionQUICv1, c.dcid, c.scid)
		pkt = append(pkt, pnb[:]...)
		pkt = appendConnectionCloseFrame(pkt, code, reason)
		return pkt
	}
	hdr := wire.AppendShortHeader(buf[:0], c.dcid)
	hdr = append(hdr, pnb[:]...)
	hdrLen := len(hdr)
	var nonce [12]byte
	binary.BigEndian.PutUint64(nonce[4:], pn)
	plaintext := appendConnectionCloseFrame(nil, code, reason)
	sealed := c.cb.Encrypt(c.userData, c, hdr, plaintext, nonce[:], buf[:hdrLen])
	return sealed
}

// StartDraining puts the connection in its draining period; all subsequent
// reads and writes fail with ErrDraining.
func (c *Conn) StartDraining() { c.draining = true }
