// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package engine

import (
	"encoding/binary"
)

// Frame type codes, following the RFC 9000 assignments for the frames this
// engine emits. STREAM uses the 0x08 base with the OFF and LEN bits always
// set; the low bit carries FIN.
const (
	frameTypePing            = 0x01
	frameTypeAck             = 0x02
	frameTypeCrypto          = 0x06
	frameTypeStreamBase      = 0x0e // OFF|LEN set, FIN clear
	frameTypeStreamFin       = 0x0f
	frameTypeMaxStreamData   = 0x11
	frameTypeMaxStreamsBidi  = 0x12
	frameTypeConnectionClose = 0x1d
)

// Variable-length integer encoding per RFC 9000 §16: the two high bits of
// the first byte select a 1, 2, 4, or 8 byte encoding.
func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(b, byte(v))
	case v < 1<<14:
		return append(b, byte(v>>8)|0x40, byte(v))
	case v < 1<<30:
		b = append(b, byte(v>>24)|0x80)
		return append(b, byte(v>>16), byte(v>>8), byte(v))
	default:
		b = append(b, byte(v>>56)|0xc0)
		return append(b, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

func readVarint(b []byte) (v uint64, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	length := 1 << (b[0] >> 6)
	if len(b) < length {
		return 0, 0, false
	}
	v = uint64(b[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, length, true
}

func varintLen(v uint64) int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<30:
		return 4
	default:
		return 8
	}
}

// parsed frame representation used on the receive path.
type frame struct {
	typ uint64

	// ack
	largestAcked uint64

	// crypto
	cryptoData []byte

	// stream
	streamID int64
	offset   uint64
	data     []byte
	fin      bool

	// max_stream_data / max_streams
	maxValue uint64

	// connection_close
	closeCode   uint64
	closeReason []byte
}

func appendAckFrame(b []byte, largest uint64) []byte {
	b = appendVarint(b, frameTypeAck)
	return appendVarint(b, largest)
}

func appendCryptoFrame(b []byte, data []byte) []byte {
	b = appendVarint(b, frameTypeCrypto)
	b = appendVarint(b, uint64(len(data)))
	return append(b, data...)
}

func appendStreamFrame(b []byte, id int64, offset uint64, data []byte, fin bool) []byte {
	typ := uint64(frameTypeStreamBase)
	if fin {
		typ = frameTypeStreamFin
	}
	b = appendVarint(b, typ)
	b = appendVarint(b, uint64(id))
	b = appendVarint(b, offset)
	b = appendVarint(b, uint64(len(data)))
	return append(b, data...)
}

// streamFrameOverhead is the header cost of a STREAM frame carrying n bytes
// at the given id and offset.
func streamFrameOverhead(id int64, offset uint64, n int) int {
	return 1 + varintLen(uint64(id)) + varintLen(offset) + varintLen(uint64(n))
}

func appendMaxStreamDataFrame(b []byte, id int64, max uint64) []byte {
	b = appendVarint(b, frameTypeMaxStreamData)
	b = appendVarint(b, uint64(id))
	return appendVarint(b, max)
}

func appendMaxStreamsFrame(b []byte, max uint64) []byte {
	b = appendVarint(b, frameTypeMaxStreamsBidi)
	return appendVarint(b, max)
}

func appendConnectionCloseFrame(b []byte, code uint64, reason string) []byte {
	b = appendVarint(b, frameTypeConnectionClose)
	b = appendVarint(b, code)
	b = appendVarint(b, uint64(len(reason)))
	return append(b, reason...)
}

// parseFrames decodes a packet payload into frames. It stops with
// ErrProtocol on the first malformed frame.
func parseFrames(payload []byte) ([]frame, error) {
	var frames []frame
	for len(payload) > 0 {
		typ, n, ok := readVarint(payload)
		if !ok {
			return nil, ErrProtocol
		}
		payload = payload[n:]
		var f frame
		f.typ = typ
		switch typ {
		case frameTypePing:
			// nothing further
		case frameTypeAck:
			v, n, ok := readVarint(payload)
			if !ok {
				return nil, ErrProtocol
			}
			f.largestAcked = v
			payload = payload[n:]
		case frameTypeCrypto:
			length, n, ok := readVarint(payload)
			if !ok || uint64(len(payload)-n) < length {
				return nil, ErrProtocol
			}
			f.cryptoData = payload[n : n+int(length)]
			payload = payload[n+int(length):]
		case frameTypeStreamBase, frameTypeStreamFin:
			id, n, ok := readVarint(payload)
			if !ok {
				return nil, ErrProtocol
			}
			payload = payload[n:]
			off, n, ok := readVarint(payload)
			if !ok {
				return nil, ErrProtocol
			}
			payload = payload[n:]
			length, n, ok := readVarint(payload)
			if !ok || uint64(len(payload)-n) < length {
				return nil, ErrProtocol
			}
			f.streamID = int64(id)
			f.offset = off
			f.data = payload[n : n+int(length)]
			f.fin = typ == frameTypeStreamFin
			payload = payload[n+int(length):]
		case frameTypeMaxStreamData:
			id, n, ok := readVarint(payload)
			if !ok {
				return nil, ErrProtocol
			}
			payload = payload[n:]
			v, n2, ok := readVarint(payload)
			if !ok {
				return nil, ErrProtocol
			}
			f.streamID = int64(id)
			f.maxValue = v
			payload = payload[n2:]
		case frameTypeMaxStreamsBidi:
			v, n, ok := readVarint(payload)
			if !ok {
				return nil, ErrProtocol
			}
			f.maxValue = v
			payload = payload[n:]
		case frameTypeConnectionClose:
			code, n, ok := readVarint(payload)
			if !ok {
				return nil, ErrProtocol
			}
			payload = payload[n:]
			length, n2, ok := readVarint(payload)
			if !ok || uint64(len(payload)-n2) < length {
				return nil, ErrProtocol
			}
			f.closeCode = code
			f.closeReason = payload[n2 : n2+int(length)]
			payload = payload[n2+int(length):]
		default:
			return nil, ErrProtocol
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// ackEliciting reports whether a packet containing these frames requires
// acknowledgment. ACK frames alone do not, which is what keeps two idle
// peers from acking each other's acks forever.
func ackEliciting(frames []frame) bool {
	for _, f := range frames {
		if f.typ != frameTypeAck {
			return true
		}
	}
	return false
}

// transport parameter block carried inside the handshake CRYPTO payload:
// the key share, the ALPN, then the sender's flow-control parameters.
type handshakePayload struct {
	keyShare []byte
	alpn     string
	params   TransportParams
}

func appendHandshakePayload(b []byte, p handshakePayload) []byte {
	b = appendVarint(b, uint64(len(p.keyShare)))
	b = append(b, p.keyShare...)
	b = appendVarint(b, uint64(len(p.alpn)))
	b = append(b, p.alpn...)
	b = appendVarint(b, p.params.InitialMaxData)
	b = appendVarint(b, p.params.InitialMaxStreamsBidi)
	b = appendVarint(b, p.params.InitialMaxStreamDataBidiLocal)
	b = appendVarint(b, p.params.InitialMaxStreamDataBidiRemote)
	b = appendVarint(b, p.params.InitialMaxStreamDataUni)
	return b
}

func parseHandshakePayload(b []byte) (handshakePayload, error) {
	var p handshakePayload
	take := func() ([]byte, bool) {
		length, n, ok := readVarint(b)
		if !ok || uint64(len(b)-n) < length {
			return nil, false
		}
		out := b[n : n+int(length)]
		b = b[n+int(length):]
		return out, true
	}
	share, ok := take()
	if !ok {
		return p, ErrProtocol
	}
	p.keyShare = share
	alpn, ok := take()
	if !ok {
		return p, ErrProtocol
	}
	p.alpn = string(alpn)
	for _, dst := range []*uint64{
		&p.params.InitialMaxData,
		&p.params.InitialMaxStreamsBidi,
		&p.params.InitialMaxStreamDataBidiLocal,
		&p.params.InitialMaxStreamDataBidiRemote,
		&p.params.InitialMaxStreamDataUni,
	} {
		v, n, ok := readVarint(b)
		if !ok {
			return p, ErrProtocol
		}
		*dst = v
		b = b[n:]
	}
	return p, nil
}

func packetNumberBytes(pn uint64) [pktNumLen]byte {
	var b [pktNumLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(pn))
	return b
}
