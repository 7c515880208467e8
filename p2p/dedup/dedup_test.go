package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDuplicateTransactionDetectsReplay(t *testing.T) {
	q, err := NewQueues(16, 16)
	require.NoError(t, err)

	payload := []byte("tx-1")
	assert.False(t, q.IsDuplicateTransaction(payload))
	assert.True(t, q.IsDuplicateTransaction(payload))
}

func TestIsDuplicateBlockDetectsReplay(t *testing.T) {
	q, err := NewQueues(16, 16)
	require.NoError(t, err)

	payload := []byte("block-1")
	assert.False(t, q.IsDuplicateBlock(payload))
	assert.True(t, q.IsDuplicateBlock(payload))
}

func TestShortAndLongWindowsAreIndependent(t *testing.T) {
	q, err := NewQueues(16, 16)
	require.NoError(t, err)

	payload := []byte("shared-bytes")
	assert.False(t, q.IsDuplicateTransaction(payload))
	// Same bytes through the long window haven't been seen there yet.
	assert.False(t, q.IsDuplicateBlock(payload))
	assert.True(t, q.IsDuplicateBlock(payload))
}

func TestShortWindowEvictsPastCapacity(t *testing.T) {
	q, err := NewQueues(2, 16)
	require.NoError(t, err)

	assert.False(t, q.IsDuplicateTransaction([]byte("a")))
	assert.False(t, q.IsDuplicateTransaction([]byte("b")))
	assert.False(t, q.IsDuplicateTransaction([]byte("c")))

	// "a" is the least recently used key and was evicted when "c" went
	// into the two-entry window, so it reads as new again.
	assert.False(t, q.IsDuplicateTransaction([]byte("a")))
}
