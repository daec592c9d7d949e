// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"github.com/go-logr/logr"

	"storj.io/quic-go/buffers"
)

// StreamDataCallback receives stream data, in order, on the loop goroutine.
type StreamDataCallback func(s *Stream, data []byte)

// StreamCloseCallback is the last callback fired for a stream; errorCode is
// zero for an orderly close.
type StreamCloseCallback func(s *Stream, errorCode uint64)

// StreamOpenCallback fires when the peer opens a stream, before any of its
// data arrives.
type StreamOpenCallback func(s *Stream)

// ChunkProducer supplies the next chunk for SendChunks, or nil when there
// are no more chunks. It is always invoked on the loop goroutine.
type ChunkProducer func(s *Stream) []byte

// chunkSender drives one SendChunks invocation: it pulls chunks from the
// producer keeping at most parallel of them queued-but-unacknowledged, and
// runs onDone once the producer has finished and every queued chunk has
// been acknowledged.
type chunkSender struct {
	next     ChunkProducer
	onDone   func(*Stream)
	parallel int
	inFlight int
	done     bool
}

// segment is one FIFO span of queued send data: either resident in the
// ring buffer or a caller-surrendered chunk. start/end are stream-global
// offsets; ring segments additionally record where their bytes live in the
// ring's own offset space, since owned chunks in between make the two
// spaces diverge.
type segment struct {
	start, end         uint64
	ring               bool
	ringStart, ringEnd uint64
	data               []byte
	sender             *chunkSender
}

// Stream is one reliable bidirectional byte stream of a connection. Send
// data is buffered until acknowledged: ackedOff <= sentOff <= endOff are
// absolute offsets dividing the queue into acknowledged (gone), sent but
// unacked (retained for the engine's loss recovery), and unsent.
type Stream struct {
	conn   *Connection
	logger logr.Logger

	// streamID is -1 while the stream waits in the connection's pending
	// queue for bidi-stream credit.
	streamID int64

	dataCallback  StreamDataCallback
	closeCallback StreamCloseCallback

	buf      *buffers.AckBuffer
	segs     []segment
	chunkers []*chunkSender

	ackedOff uint64
	sentOff  uint64
	endOff   uint64

	isNew       bool
	isClosing   bool
	isShutdown  bool
	sentFin     bool
	closeCode   uint64
	closeCalled bool
}

func newStream(conn *Connection, id int64, dataCb StreamDataCallback, closeCb StreamCloseCallback, bufSize int) *Stream {
	if bufSize <= 0 {
		bufSize = MaxBufferSize
	}
	return &Stream{
		conn:          conn,
		logger:        conn.logger.WithValues("stream", id),
		streamID:      id,
		dataCallback:  dataCb,
		closeCallback: closeCb,
		buf:           buffers.New(bufSize),
		isNew:         true,
	}
}

// StreamID returns the engine-assigned stream id, or -1 if the stream is
// still queued for stream credit.
func (s *Stream) StreamID() int64 { return s.streamID }

// Conn returns the owning connection's interface handle.
func (s *Stream) Conn() ConnectionInterface { return s.conn }

// Send queues data for transmission. The bytes are copied before Send
// returns, so the caller may reuse its buffer. A zero-length send is a
// no-op. Sending on a closing stream is silently dropped: closing is
// terminal.
func (s *Stream) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return s.conn.net.Call(func() { s.append(cp, nil) })
}

// SendOwned queues a caller-surrendered buffer for transmission without
// copying. The caller must not touch data again.
func (s *Stream) SendOwned(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.conn.net.Call(func() { s.appendOwned(data, nil) })
}

// SendChunks feeds the stream from a chunk producer. The producer is asked
// for chunks whenever fewer than parallel of its chunks remain
// unacknowledged; once it returns nil and every chunk it produced has been
// acknowledged, onDone runs on the loop. onDone may itself start another
// SendChunks or Send; ordering with previously queued data is preserved.
func (s *Stream) SendChunks(producer ChunkProducer, onDone func(*Stream), parallel int) error {
	if parallel < 1 {
		parallel = 1
	}
	return s.conn.net.Call(func() {
		s.chunkers = append(s.chunkers, &chunkSender{
			next:     producer,
			onDone:   onDone,
			parallel: parallel,
		})
		s.pumpChunks()
	})
}

// Close begins an orderly close: once the buffered bytes drain to the peer
// a FIN is emitted, and when the stream is finished the close callback
// fires exactly once with the given code. Re-closing an already-closing
// stream is a no-op.
func (s *Stream) Close(errorCode uint64) error {
	return s.conn.net.Call(func() {
		if s.isClosing {
			return
		}
		s.isClosing = true
		s.closeCode = errorCode
		s.conn.ioReady()
	})
}

// Available returns how much more send data the stream accepts right now.
func (s *Stream) Available() int {
	if s.isClosing || s.buf.Capacity() == 0 {
		return 0
	}
	free := s.buf.Capacity() - s.Used()
	if free < 0 {
		return 0
	}
	return free
}

// Used returns the total queued bytes (acknowledged bytes are gone).
func (s *Stream) Used() int { return int(s.endOff - s.ackedOff) }

// Unacked returns the bytes handed to the engine but not yet acknowledged.
func (s *Stream) Unacked() int { return int(s.sentOff - s.ackedOff) }

// Unsent returns the queued bytes not yet handed to the engine.
func (s *Stream) Unsent() int { return int(s.endOff - s.sentOff) }

// append copies data into the ring if it fits, otherwise retains the copy
// as an owned segment so ordering is preserved either way.
func (s *Stream) append(data []byte, sender *chunkSender) {
	if s.isShutdown || s.isClosing {
		s.logger.V(1).Info("dropping send on closing stream", "len", len(data))
		return
	}
	seg := segment{start: s.endOff, end: s.endOff + uint64(len(data)), sender: sender}
	ringStart := s.buf.Tail()
	if s.buf.TryAppend(data) {
		seg.ring = true
		seg.ringStart = ringStart
		seg.ringEnd = ringStart + uint64(len(data))
	} else {
		seg.data = data
	}
	s.segs = append(s.segs, seg)
	s.endOff = seg.end
	s.conn.ioReady()
}

func (s *Stream) appendOwned(data []byte, sender *chunkSender) {
	if s.isShutdown || s.isClosing {
		s.logger.V(1).Info("dropping send on closing stream", "len", len(data))
		return
	}
	seg := segment{start: s.endOff, end: s.endOff + uint64(len(data)), data: data, sender: sender}
	s.segs = append(s.segs, seg)
	s.endOff = seg.end
	s.conn.ioReady()
}

// pumpChunks keeps the head chunk sender topped up. Only the head sender
// produces: its successors wait so the stream stays a strict concatenation
// of each generator's output.
func (s *Stream) pumpChunks() {
	for len(s.chunkers) > 0 {
		head := s.chunkers[0]
		for !head.done && head.inFlight < head.parallel {
			chunk := head.next(s)
			if chunk == nil {
				head.done = true
				break
			}
			if len(chunk) == 0 {
				continue
			}
			head.inFlight++
			s.appendOwned(chunk, head)
		}
		if !(head.done && head.inFlight == 0) {
			return
		}
		s.chunkers = s.chunkers[1:]
		if head.onDone != nil {
			head.onDone(s)
		}
	}
}

// pending returns views of the unsent suffix, split across the ring wrap
// and any owned segments, in FIFO order.
func (s *Stream) pending() [][]byte {
	if s.sentOff == s.endOff {
		return nil
	}
	var views [][]byte
	for i := range s.segs {
		seg := &s.segs[i]
		if seg.end <= s.sentOff {
			continue
		}
		from := seg.start
		if from < s.sentOff {
			from = s.sentOff
		}
		if seg.ring {
			skip := from - seg.start
			views = append(views, s.buf.Range(seg.ringStart+skip, seg.ringEnd)...)
		} else {
			views = append(views, seg.data[from-seg.start:])
		}
	}
	return views
}

// wrote records that the engine consumed n unsent bytes.
func (s *Stream) wrote(n int) {
	if n <= 0 {
		return
	}
	s.sentOff += uint64(n)
	if s.sentOff > s.endOff {
		panic("internal error: wrote past end of stream queue")
	}
}

// acknowledge retires the oldest n unacknowledged bytes. This is the signal
// that Available grew, that chunk senders may produce again, and (for fully
// acknowledged owned chunks) that their memory can go.
func (s *Stream) acknowledge(n int) {
	remaining := n
	for remaining > 0 && len(s.segs) > 0 {
		seg := &s.segs[0]
		segLeft := int(seg.end - s.ackedOff)
		take := remaining
		if take > segLeft {
			take = segLeft
		}
		if seg.ring {
			s.buf.Retire(take)
		}
		s.ackedOff += uint64(take)
		remaining -= take
		if s.ackedOff == seg.end {
			if seg.sender != nil {
				seg.sender.inFlight--
			}
			s.segs = s.segs[1:]
		}
	}
	if remaining > 0 {
		s.logger.V(1).Info("acknowledgment past queued data ignored", "extra", remaining)
	}
	s.pumpChunks()
	if s.isClosing && s.Unsent() == 0 && !s.sentFin {
		// Bytes queued behind a close are gone now; time to emit FIN.
		s.conn.ioReady()
	}
}

// closed fires the close callback exactly once and shuts the stream down.
func (s *Stream) closed(errorCode uint64) {
	if s.closeCalled {
		return
	}
	s.closeCalled = true
	s.isClosing = true
	s.isShutdown = true
	s.buf.Zero()
	if s.closeCallback != nil {
		s.conn.protectCallback(s, func() {
			s.closeCallback(s, errorCode)
		})
	}
}
