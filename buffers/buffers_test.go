// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatten(views [][]byte) []byte {
	var out []byte
	for _, v := range views {
		out = append(out, v...)
	}
	return out
}

func TestAppendRetire(t *testing.T) {
	b := New(16)
	assert.Equal(t, 16, b.Capacity())
	assert.Equal(t, 0, b.Used())
	assert.Equal(t, 16, b.Free())

	require.True(t, b.TryAppend([]byte("hello")))
	assert.Equal(t, 5, b.Used())
	assert.Equal(t, uint64(0), b.Head())
	assert.Equal(t, uint64(5), b.Tail())

	assert.Equal(t, []byte("hello"), flatten(b.Range(0, 5)))
	assert.Equal(t, []byte("ell"), flatten(b.Range(1, 4)))

	b.Retire(2)
	assert.Equal(t, 3, b.Used())
	assert.Equal(t, uint64(2), b.Head())
	assert.Equal(t, []byte("llo"), flatten(b.Range(2, 5)))
}

func TestAppendRejectsOverflow(t *testing.T) {
	b := New(8)
	require.True(t, b.TryAppend([]byte("abcdef")))
	assert.False(t, b.TryAppend([]byte("ghi")), "9 bytes must not fit in 8")
	assert.Equal(t, 6, b.Used())
	require.True(t, b.TryAppend([]byte("gh")))
	assert.Equal(t, 0, b.Free())
}

func TestWrapAround(t *testing.T) {
	b := New(8)
	require.True(t, b.TryAppend([]byte("abcdef")))
	b.Retire(4)
	// Only "ef" is resident; the next append wraps the ring boundary.
	require.True(t, b.TryAppend([]byte("ghijk")))
	assert.Equal(t, 7, b.Used())

	views := b.Range(b.Head(), b.Tail())
	require.Len(t, views, 2, "range across the wrap point should split")
	assert.Equal(t, []byte("efghijk"), flatten(views))

	b.Retire(7)
	assert.Equal(t, 0, b.Used())
	assert.Equal(t, uint64(11), b.Head())
}

func TestRetireZeroesData(t *testing.T) {
	b := New(8)
	require.True(t, b.TryAppend([]byte("secret!!")))
	b.Retire(8)
	require.True(t, b.TryAppend([]byte{1}))
	// All bytes behind the single live one must have been wiped.
	if !bytes.Equal(b.buf[1:], make([]byte, 7)) {
		t.Fatalf("retired bytes were not zeroed: %v", b.buf)
	}
}

func TestRangePanicsOutsideResident(t *testing.T) {
	b := New(8)
	require.True(t, b.TryAppend([]byte("abcd")))
	b.Retire(2)
	assert.Panics(t, func() { b.Range(0, 3) })
	assert.Panics(t, func() { b.Range(2, 5) })
	assert.NotPanics(t, func() { b.Range(2, 4) })
}

func TestRetirePanicsPastUsed(t *testing.T) {
	b := New(8)
	require.True(t, b.TryAppend([]byte("ab")))
	assert.Panics(t, func() { b.Retire(3) })
}
