// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func systemSetupUDPSocket(s *udpSocket) error {
	sc, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		if s.local.IsV6() {
			// deliver the traffic class (which carries the ECN bits) with
			// each received datagram.
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVTCLASS, 1)
			if err != nil {
				s.logger.Error(err, "could not enable IPV6_RECVTCLASS on UDP socket")
			}
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
			if err != nil {
				s.logger.Error(err, "could not set IPV6_MTU_DISCOVER option on UDP socket")
			}
			return
		}
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTOS, 1)
		if err != nil {
			s.logger.Error(err, "could not enable IP_RECVTOS on UDP socket")
		}
		// enable path mtu discovery, which (at least for non-SOCK_STREAM
		// sockets) forces the don't-fragment flag on for all outgoing
		// packets.
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		if err != nil {
			// not sure why this would happen, but we can carry on without it
			s.logger.Error(err, "could not set IP_MTU_DISCOVER option on UDP socket")
		}
	})
	if callErr != nil {
		return callErr
	}
	return nil
}

// systemSetECN stamps the socket's outgoing traffic class with the given
// ECN bits (the low two bits of TOS / the v6 traffic class).
func systemSetECN(s *udpSocket, ecn byte) error {
	sc, err := s.conn.SyscallConn()
	if err != nil {
		return err
	}
	var optErr error
	callErr := sc.Control(func(fd uintptr) {
		if s.local.IsV6() {
			optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, int(ecn&0x3))
		} else {
			optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, int(ecn&0x3))
		}
	})
	if callErr != nil {
		return callErr
	}
	return optErr
}

// parseECN extracts the ECN bits from the socket control messages received
// alongside a datagram.
func parseECN(oob []byte) byte {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0
	}
	for _, cmsg := range cmsgs {
		if len(cmsg.Data) == 0 {
			continue
		}
		switch {
		case cmsg.Header.Level == syscall.IPPROTO_IP && cmsg.Header.Type == syscall.IP_TOS:
			return cmsg.Data[0] & 0x3
		case cmsg.Header.Level == syscall.IPPROTO_IPV6 && cmsg.Header.Type == unix.IPV6_TCLASS:
			return cmsg.Data[0] & 0x3
		}
	}
	return 0
}
