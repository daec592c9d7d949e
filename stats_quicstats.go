// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build quicstats

package quic

func (s *Stats) packetSent(length int) {
	s.NPacketsSent++
	s.NBytesSent += uint64(length)
}

func (s *Stats) packetReceived(length int) {
	s.NPacketsRecv++
	s.NBytesRecv += uint64(length)
}

func (s *Stats) packetResent() {
	s.NResends++
	s.NPacketsSent++
}
