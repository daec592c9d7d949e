// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"errors"
	"net"
	"syscall"

	"github.com/go-logr/logr"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ioResult is the outcome of a socket send: success, blocked (the datagram
// could not be written without blocking and should be retried), or failure
// (anything else).
type ioResult struct {
	err error
}

func (r ioResult) ok() bool { return r.err == nil }

func (r ioResult) blocked() bool {
	return errors.Is(r.err, syscall.EAGAIN) || errors.Is(r.err, syscall.EWOULDBLOCK)
}

func (r ioResult) failure() bool { return r.err != nil && !r.blocked() }

func (r ioResult) String() string {
	if r.err == nil {
		return "ok"
	}
	return r.err.Error()
}

// udpSocket wraps the bound UDP socket of one endpoint. Batched sends go
// through the x/net packet connections (sendmmsg where the platform has
// it); receive side is driven by the endpoint's reader goroutine.
type udpSocket struct {
	logger logr.Logger
	conn   *net.UDPConn
	local  Address

	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn

	// curECN caches the ECN bits most recently applied to the socket so
	// repeated sends with the same marking skip the setsockopt.
	curECN byte
	ecnSet bool
}

func newUDPSocket(logger logr.Logger, local Address) (*udpSocket, error) {
	conn, err := net.ListenUDP("udp", local.UDPAddr())
	if err != nil {
		return nil, err
	}
	s := &udpSocket{
		logger: logger,
		conn:   conn,
		local:  addressFromUDPAddr(conn.LocalAddr().(*net.UDPAddr)),
	}
	if s.local.IsV6() {
		s.pc6 = ipv6.NewPacketConn(conn)
	} else {
		s.pc4 = ipv4.NewPacketConn(conn)
	}
	if err := systemSetupUDPSocket(s); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// readFrom blocks for the next datagram, returning its payload length, ECN
// bits, and source address. Called only from the endpoint's reader
// goroutine, which owns buf.
func (s *udpSocket) readFrom(buf []byte) (n int, ecn byte, from Address, err error) {
	oob := make([]byte, 64)
	n, oobn, _, addr, err := s.conn.ReadMsgUDPAddrPort(buf, oob)
	if err != nil {
		return 0, 0, Address{}, err
	}
	return n, parseECN(oob[:oobn]), addressFromAddrPort(addr), nil
}

// sendBatch attempts to send n_pkts datagrams packed back to back in *buf
// with lengths in *bufsize. On full success *nPkts becomes 0. On partial
// success *buf, *bufsize, and *nPkts are advanced to the unsent suffix and
// a blocked result is returned so the caller retries just those. On a pure
// block nothing is altered. On any other failure *nPkts is set to 0 (the
// packets are dropped) and the result reports failure.
func (s *udpSocket) sendBatch(dest Address, buf *[]byte, bufsize *[]int, ecn byte, nPkts *int) ioResult {
	if *nPkts == 0 {
		return ioResult{}
	}
	s.applyECN(ecn)

	addr := dest.UDPAddr()
	msgs4 := make([]ipv4.Message, 0, *nPkts)
	off := 0
	for i := 0; i < *nPkts; i++ {
		size := (*bufsize)[i]
		msgs4 = append(msgs4, ipv4.Message{
			Buffers: [][]byte{(*buf)[off : off+size]},
			Addr:    addr,
		})
		off += size
	}

	sent := 0
	for sent < *nPkts {
		var n int
		var err error
		if s.pc6 != nil {
			n, err = s.pc6.WriteBatch(msgs4[sent:], 0)
		} else {
			n, err = s.pc4.WriteBatch(msgs4[sent:], 0)
		}
		sent += n
		if err != nil {
			res := ioResult{err: err}
			if res.blocked() {
				s.advance(buf, bufsize, nPkts, sent)
				return res
			}
			s.logger.Error(err, "fatal error sending UDP packets",
				"dest", dest, "sent", sent, "of", *nPkts)
			*nPkts = 0
			return res
		}
	}
	*nPkts = 0
	return ioResult{}
}

func (s *udpSocket) advance(buf *[]byte, bufsize *[]int, nPkts *int, sent int) {
	if sent == 0 {
		return
	}
	skip := 0
	for i := 0; i < sent; i++ {
		skip += (*bufsize)[i]
	}
	*buf = (*buf)[skip:]
	*bufsize = (*bufsize)[sent:]
	*nPkts -= sent
}

// applyECN stamps the outgoing traffic class with the given ECN bits.
func (s *udpSocket) applyECN(ecn byte) {
	if s.ecnSet && ecn == s.curECN {
		return
	}
	if err := systemSetECN(s, ecn); err != nil {
		// Losing the marking is not worth failing the send.
		s.logger.V(1).Info("could not set ECN bits on UDP socket", "err", err)
	}
	s.curECN = ecn
	s.ecnSet = true
}

func (s *udpSocket) close() error {
	return s.conn.Close()
}
