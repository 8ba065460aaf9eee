package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newRefdMessage() *Message {
	m := NewMessage(HeaderSize)
	m.Ref()
	return m
}

func TestRingBufferPushPopOrder(t *testing.T) {
	r := NewRingBuffer(3)
	a, b, c := newRefdMessage(), newRefdMessage(), newRefdMessage()

	require.NoError(t, r.Push(a))
	require.NoError(t, r.Push(b))
	require.NoError(t, r.Push(c))
	require.True(t, r.Full())

	require.Same(t, a, r.Pop())
	require.Same(t, b, r.Pop())
	require.Same(t, c, r.Pop())
	require.True(t, r.Empty())
}

func TestRingBufferOverflow(t *testing.T) {
	r := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Push(newRefdMessage()))
	}

	extra := newRefdMessage()
	err := r.Push(extra)
	require.ErrorIs(t, err, ErrNoSpaceLeft)
	require.Equal(t, 3, r.Len())
	extra.Unref()
}

func TestRingBufferPeekDoesNotRemove(t *testing.T) {
	r := NewRingBuffer(2)
	a := newRefdMessage()
	require.NoError(t, r.Push(a))

	require.Same(t, a, r.Peek())
	require.Equal(t, 1, r.Len(), "peek must not remove")
}

func TestRingBufferInterleavedPushPopPreservesOrder(t *testing.T) {
	r := NewRingBuffer(3)
	a, b := newRefdMessage(), newRefdMessage()
	require.NoError(t, r.Push(a))
	require.NoError(t, r.Push(b))
	require.Same(t, a, r.Pop())

	c := newRefdMessage()
	require.NoError(t, r.Push(c))

	require.Same(t, b, r.Pop())
	require.Same(t, c, r.Pop())
}

func TestRingBufferDrainUnref(t *testing.T) {
	r := NewRingBuffer(2)
	a := newRefdMessage()
	require.NoError(t, r.Push(a))

	r.DrainUnref()
	require.True(t, r.Empty())
	require.Equal(t, 0, a.References())
}

func TestRingBufferPopEmptyReturnsNil(t *testing.T) {
	r := NewRingBuffer(1)
	require.Nil(t, r.Pop())
	require.Nil(t, r.Peek())
}
