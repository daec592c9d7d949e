// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"testing"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testNetwork(t *testing.T) *Network {
	logger := zapr.NewLogger(zaptest.NewLogger(t))
	n := NewNetwork(WithLogger(logger))
	t.Cleanup(func() { _ = n.Close(false) })
	return n
}

func TestCallFIFOOrder(t *testing.T) {
	n := testNetwork(t)

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, n.Call(func() { order = append(order, i) }))
	}
	// The barrier job observes all effects of previously submitted jobs.
	got, err := GetOnLoop(n, func() ([]int, error) { return order, nil })
	require.NoError(t, err)
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestCallNeverConcurrent(t *testing.T) {
	n := testNetwork(t)

	// inFlight is intentionally unsynchronized: only the loop touches it.
	inFlight := 0
	violations := 0
	for i := 0; i < 200; i++ {
		require.NoError(t, n.Call(func() {
			inFlight++
			if inFlight != 1 {
				violations++
			}
			inFlight--
		}))
	}
	got, err := GetOnLoop(n, func() (int, error) { return violations, nil })
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestGetOnLoopValueAndError(t *testing.T) {
	n := testNetwork(t)

	v, err := GetOnLoop(n, func() (string, error) { return "on-loop", nil })
	require.NoError(t, err)
	assert.Equal(t, "on-loop", v)

	_, err = GetOnLoop(n, func() (string, error) { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// A panicking job must not take the loop down.
	v2, err := GetOnLoop(n, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v2)
}

func TestCloseIdempotent(t *testing.T) {
	n := NewNetwork()
	require.NoError(t, n.Close(true))
	require.NoError(t, n.Close(true))
	require.NoError(t, n.Close(false))
}

func TestSubmissionsRejectedAfterClose(t *testing.T) {
	n := NewNetwork()
	require.NoError(t, n.Close(true))

	err := n.Call(func() { t.Error("job ran after close") })
	require.ErrorIs(t, err, ErrNetworkClosed)

	_, err = GetOnLoop(n, func() (int, error) { return 0, nil })
	require.ErrorIs(t, err, ErrNetworkClosed)

	_, err = n.Endpoint(NewAddress("127.0.0.1", 0))
	require.ErrorIs(t, err, ErrNetworkClosed)
}

func TestEndpointReusedForSameAddress(t *testing.T) {
	n := testNetwork(t)

	addr := NewAddress("127.0.0.1", 0)
	ep1, err := n.Endpoint(addr)
	require.NoError(t, err)
	// Port 0 asks for a fresh ephemeral port each time.
	ep2, err := n.Endpoint(addr)
	require.NoError(t, err)
	assert.NotSame(t, ep1, ep2)

	// The resolved address of a bound endpoint yields that endpoint again.
	ep3, err := n.Endpoint(ep1.LocalAddr())
	require.NoError(t, err)
	assert.Same(t, ep1, ep3)
}
