// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"sync/atomic"
	"time"
)

// loopTimer is a single-shot timer whose callback always runs on the
// network's loop goroutine. schedule and stop must themselves be called
// from the loop; the generation counter guarantees that a stopped or
// superseded schedule never delivers its callback, even if the underlying
// time.Timer already fired.
type loopTimer struct {
	net *Network
	fn  func()

	gen   uint64
	timer *time.Timer
}

func newLoopTimer(net *Network, fn func()) *loopTimer {
	return &loopTimer{net: net, fn: fn}
}

// schedule (re)programs the timer to fire once after d.
func (t *loopTimer) schedule(d time.Duration) {
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		// Timer goroutine: hop onto the loop, where the generation check is
		// race-free.
		_ = t.net.enqueue(func() {
			if t.gen == gen {
				t.fn()
			}
		})
	})
}

// stop cancels any pending fire.
func (t *loopTimer) stop() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
}

// ioTrigger is a re-armable, coalescing wake-up: any number of trigger
// calls before the callback runs collapse into one callback invocation on
// the loop.
type ioTrigger struct {
	net   *Network
	fn    func()
	armed atomic.Bool
}

func newIOTrigger(net *Network, fn func()) *ioTrigger {
	return &ioTrigger{net: net, fn: fn}
}

func (t *ioTrigger) trigger() {
	if !t.armed.CompareAndSwap(false, true) {
		return
	}
	_ = t.net.enqueue(func() {
		t.armed.Store(false)
		t.fn()
	})
}
