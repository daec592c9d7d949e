// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package quic is an event-loop-driven QUIC transport: a Network owns a
// single loop goroutine, each Endpoint multiplexes many connections over
// one UDP socket, and connections expose reliable bidirectional byte
// streams to the application.
//
// All protocol state mutation happens on the loop goroutine. Foreign
// goroutines interact through the public API, which internally submits
// jobs via Network.Call / GetOnLoop; user callbacks (stream data, stream
// close, handshake hooks) are always invoked on the loop and never
// concurrently with each other for the same stream.
//
// Typical server:
//
//	net := quic.NewNetwork(quic.WithLogger(logger))
//	ep, _ := net.Endpoint(quic.NewAddress("127.0.0.1", 5500))
//	_ = ep.Listen(creds, quic.WithStreamDataCallback(onData))
//
// Typical client:
//
//	ep, _ := net.Endpoint(quic.NewAddress("127.0.0.1", 4400))
//	conn, _ := ep.Connect(quic.NewAddress("127.0.0.1", 5500), creds)
//	stream, _ := conn.NewStream(onData, nil)
//	_ = stream.Send([]byte("hello"))
package quic
