package iobuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecvBufferAppendConsume(t *testing.T) {
	var r RecvBuffer
	r.Append([]byte("hello "))
	r.Append([]byte("world"))
	assert.Equal(t, "hello world", string(r.Bytes()))
	assert.Equal(t, 11, r.Len())

	r.Consume(6)
	assert.Equal(t, "world", string(r.Bytes()))

	r.Append([]byte("!"))
	assert.Equal(t, "world!", string(r.Bytes()))
}

func TestRecvBufferConsumeOutOfRangePanics(t *testing.T) {
	var r RecvBuffer
	r.Append([]byte("ab"))
	assert.Panics(t, func() { r.Consume(3) })
}

func TestRecvBufferReclaimsBackingArray(t *testing.T) {
	var r RecvBuffer
	big := make([]byte, 9000)
	r.Append(big)
	r.Consume(8500)
	require.Equal(t, 500, r.Len())
	// After reclamation the offset resets to 0.
	r.Append([]byte("x"))
	assert.Equal(t, 501, r.Len())
}

func TestSendBufferCeiling(t *testing.T) {
	sb := NewSendBuffer(4)
	require.NoError(t, sb.Append([]byte("ab")))
	require.NoError(t, sb.Append([]byte("cd")))
	err := sb.Append([]byte("e"))
	assert.ErrorIs(t, err, ErrSendBufferFull)
}

func TestSendBufferDrain(t *testing.T) {
	sb := NewSendBuffer(0)
	require.NoError(t, sb.Append([]byte("hello")))
	sb.Drain(2)
	assert.Equal(t, "llo", string(sb.Bytes()))
	sb.Drain(3)
	assert.Equal(t, 0, sb.Len())
}

func TestSendBufferDrainOutOfRangePanics(t *testing.T) {
	sb := NewSendBuffer(0)
	require.NoError(t, sb.Append([]byte("ab")))
	assert.Panics(t, func() { sb.Drain(3) })
}
