// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
)

// Network owns the event loop goroutine on which every endpoint,
// connection, and stream mutation runs. Foreign goroutines reach the loop
// only through Call and GetOnLoop; jobs run in FIFO submission order, one
// at a time, so a job observes all effects of previously submitted jobs.
type Network struct {
	logger logr.Logger

	jobs chan func()
	// sendersMu guards the jobs channel against close-during-send; senders
	// hold it shared, Close holds it exclusively while closing the channel.
	sendersMu sync.RWMutex
	draining  bool

	running    atomic.Bool
	loopExited chan struct{}

	// endpoints is loop-owned: a map of every endpoint bound through this
	// network, keyed by local address.
	endpoints map[Address]*Endpoint

	closeMu  sync.Mutex
	closeErr error
}

// NetworkOption configures a Network at construction.
type NetworkOption func(*Network)

// WithLogger attaches a logger to the Network; endpoints and connections
// derive theirs from it.
func WithLogger(logger logr.Logger) NetworkOption {
	return func(n *Network) { n.logger = logger }
}

// NewNetwork constructs a network context and starts its event loop
// goroutine.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		logger:     logr.Discard(),
		jobs:       make(chan func(), evLoopQueueSize),
		loopExited: make(chan struct{}),
		endpoints:  make(map[Address]*Endpoint),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.running.Store(true)
	go n.loop()
	n.logger.Info("network started")
	return n
}

func (n *Network) loop() {
	defer close(n.loopExited)
	for job := range n.jobs {
		job()
	}
	n.logger.V(1).Info("event loop drained, thread finished")
}

// enqueue submits a job to the loop, failing once shutdown has closed the
// queue. Internal callers (timers, socket readers) use this directly so
// their jobs are silently dropped during teardown.
func (n *Network) enqueue(fn func()) error {
	n.sendersMu.RLock()
	defer n.sendersMu.RUnlock()
	if n.draining {
		return ErrNetworkClosed
	}
	n.jobs <- fn
	return nil
}

// Call submits fn to run on the loop goroutine and returns immediately.
// Jobs submitted after Close has begun are rejected.
func (n *Network) Call(fn func()) error {
	if !n.running.Load() {
		return ErrNetworkClosed
	}
	return n.enqueue(fn)
}

// GetOnLoop runs fn on the loop goroutine and blocks the caller until it
// produces a value. A panic inside fn is marshaled into the returned error
// rather than taking down the loop. Must not be called from the loop
// itself.
func GetOnLoop[T any](n *Network, fn func() (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	var zero T
	if !n.running.Load() {
		return zero, ErrNetworkClosed
	}
	ch := make(chan outcome, 1)
	err := n.enqueue(func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("panic in loop job: %v", p)}
			}
		}()
		v, err := fn()
		ch <- outcome{v: v, err: err}
	})
	if err != nil {
		return zero, err
	}
	out := <-ch
	return out.v, out.err
}

// Endpoint returns the endpoint bound to the given local address, creating
// and binding it if this is the first request for that address. A request
// for port 0 always binds a new endpoint on an ephemeral port.
func (n *Network) Endpoint(local Address) (*Endpoint, error) {
	return GetOnLoop(n, func() (*Endpoint, error) {
		if ep, ok := n.endpoints[local]; ok {
			n.logger.Info("endpoint already exists for listening address", "local", local)
			return ep, nil
		}
		ep, err := newEndpoint(n, local)
		if err != nil {
			return nil, err
		}
		// Index under the resolved address only, so a later request for
		// port 0 binds a fresh ephemeral endpoint.
		n.endpoints[ep.local] = ep
		return ep, nil
	})
}

// Close shuts the network down: no further submissions are accepted,
// pending jobs drain, every endpoint closes its connections (sending
// CONNECTION_CLOSE packets when graceful), sockets unbind, and the loop
// goroutine exits. Close blocks until shutdown completes and is
// idempotent.
func (n *Network) Close(graceful bool) error {
	if !n.running.CompareAndSwap(true, false) {
		<-n.loopExited
		n.closeMu.Lock()
		defer n.closeMu.Unlock()
		return n.closeErr
	}
	n.logger.Info("shutting down network", "graceful", graceful)

	done := make(chan error, 1)
	submitErr := n.enqueue(func() {
		var errs *multierror.Error
		seen := make(map[*Endpoint]bool)
		for _, ep := range n.endpoints {
			if seen[ep] {
				continue
			}
			seen[ep] = true
			errs = multierror.Append(errs, ep.close(graceful))
		}
		n.endpoints = make(map[Address]*Endpoint)
		done <- errs.ErrorOrNil()
	})
	var err error
	if submitErr == nil {
		err = <-done
	}

	// Stop the queue: future sends fail, the loop exits once drained.
	n.sendersMu.Lock()
	n.draining = true
	close(n.jobs)
	n.sendersMu.Unlock()
	<-n.loopExited

	n.closeMu.Lock()
	n.closeErr = err
	n.closeMu.Unlock()
	n.logger.Info("network shutdown complete")
	return err
}
