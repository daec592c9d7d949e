// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"errors"

	"storj.io/quic-go/engine"
)

// ioContext is the shared configuration for one direction of an endpoint
// (inbound for Listen, outbound for Connect): credentials, ALPN, the
// default stream callbacks, and engine tuning. Contexts are immutable once
// built and shared by every connection of their direction.
type ioContext struct {
	creds   *Credentials
	alpn    string
	dataCb  StreamDataCallback
	closeCb StreamCloseCallback
	openCb  StreamOpenCallback
	tlsHook func()

	params         engine.TransportParams
	maxPayloadSize int
}

// EndpointOption configures Listen and Connect.
type EndpointOption func(*ioContext)

// WithALPN sets the application protocol offered (and required) during the
// handshake.
func WithALPN(alpn string) EndpointOption {
	return func(c *ioContext) { c.alpn = alpn }
}

// WithStreamDataCallback sets the default data callback for streams of
// this direction.
func WithStreamDataCallback(cb StreamDataCallback) EndpointOption {
	return func(c *ioContext) { c.dataCb = cb }
}

// WithStreamCloseCallback sets the default close callback for streams of
// this direction.
func WithStreamCloseCallback(cb StreamCloseCallback) EndpointOption {
	return func(c *ioContext) { c.closeCb = cb }
}

// WithStreamOpenCallback sets a callback fired when the peer opens a
// stream, before any of its data arrives.
func WithStreamOpenCallback(cb StreamOpenCallback) EndpointOption {
	return func(c *ioContext) { c.openCb = cb }
}

// WithHandshakeHook registers a hook fired on the loop when a connection's
// handshake completes.
func WithHandshakeHook(hook func()) EndpointOption {
	return func(c *ioContext) { c.tlsHook = hook }
}

// WithMaxStreamsBidi overrides the advertised concurrent bidirectional
// stream budget.
func WithMaxStreamsBidi(n uint64) EndpointOption {
	return func(c *ioContext) { c.params.InitialMaxStreamsBidi = n }
}

// WithPayloadSize overrides the per-datagram payload cap.
func WithPayloadSize(n int) EndpointOption {
	return func(c *ioContext) { c.maxPayloadSize = n }
}

func newIOContext(creds *Credentials, opts []EndpointOption) (*ioContext, error) {
	if creds == nil {
		return nil, errors.New("credentials are required")
	}
	ctx := &ioContext{
		creds:  creds,
		params: engine.DefaultTransportParams(),
	}
	for _, opt := range opts {
		opt(ctx)
	}
	return ctx, nil
}

// payloadSize resolves the datagram payload cap for a given remote.
func (c *ioContext) payloadSize(remote Address) int {
	if c.maxPayloadSize > 0 {
		return c.maxPayloadSize
	}
	return maxPktSize(remote)
}
